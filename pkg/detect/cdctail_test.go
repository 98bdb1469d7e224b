package detect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countygov/syncbridge/pkg/config"
	"github.com/countygov/syncbridge/pkg/model"
)

type fakeReader struct {
	msgs  []Message
	topic string
	from  int64
}

func (f *fakeReader) Read(_ context.Context, topic string, from int64, limit int) ([]Message, error) {
	f.topic, f.from = topic, from
	var out []Message
	for _, m := range f.msgs {
		if m.Offset >= from && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeReader) Close() error { return nil }

func TestCDCTailDecodesEnvelopes(t *testing.T) {
	reader := &fakeReader{msgs: []Message{
		{Offset: 10, Value: []byte(`{"payload":{"op":"c","after":{"pin":"100-0001","owner":"SMITH"}}}`)},
		{Offset: 11, Value: []byte(`{"op":"u","before":{"pin":"100-0002","owner":"OLD"},"after":{"pin":"100-0002","owner":"JONES"}}`)},
		{Offset: 12, Value: nil}, // tombstone
		{Offset: 13, Value: []byte(`{"payload":{"op":"d","before":{"pin":"100-0001","owner":"SMITH"}}}`)},
	}}
	d := newCDCTailDetector(parcelsTable(), config.KafkaConfig{}, reader)

	set, err := d.Detect(context.Background(), "9", 100)
	require.NoError(t, err)
	require.Len(t, set.Records, 3)
	assert.Equal(t, int64(10), reader.from)
	assert.Equal(t, "parcels", reader.topic)

	assert.Equal(t, model.OpInsert, set.Records[0].Op)
	assert.Equal(t, "100-0001", set.Records[0].Key)
	assert.Equal(t, model.OpUpdate, set.Records[1].Op)
	assert.Equal(t, "JONES", set.Records[1].NewRow["owner"])
	assert.Equal(t, model.OpDelete, set.Records[2].Op)
	assert.Nil(t, set.Records[2].NewRow)
	assert.Equal(t, "100-0001", set.Records[2].PK["pin"])

	assert.Equal(t, "13", set.NextWatermark)
}

func TestCDCTailTopicPrefix(t *testing.T) {
	reader := &fakeReader{}
	d := newCDCTailDetector(parcelsTable(), config.KafkaConfig{TopicPrefix: "assessor."}, reader)
	_, err := d.Detect(context.Background(), "0", 10)
	require.NoError(t, err)
	assert.Equal(t, "assessor.parcels", reader.topic)
}

func TestCDCTailBadWatermark(t *testing.T) {
	d := newCDCTailDetector(parcelsTable(), config.KafkaConfig{}, &fakeReader{})
	_, err := d.Detect(context.Background(), "not-an-offset", 10)
	require.Error(t, err)
}

func TestCDCTailMalformedEnvelope(t *testing.T) {
	reader := &fakeReader{msgs: []Message{
		{Offset: 5, Value: []byte(`{{{`)},
	}}
	d := newCDCTailDetector(parcelsTable(), config.KafkaConfig{}, reader)
	_, err := d.Detect(context.Background(), "", 10)
	require.Error(t, err)
}
