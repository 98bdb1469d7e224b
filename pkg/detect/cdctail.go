package detect

import (
	"context"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	"github.com/countygov/syncbridge/pkg/config"
	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// Message is one raw CDC message with its topic offset.
type Message struct {
	Offset int64
	Key    []byte
	Value  []byte
}

// MessageReader reads CDC messages from a topic starting at an offset.
type MessageReader interface {
	Read(ctx context.Context, topic string, from int64, limit int) ([]Message, error)
	Close() error
}

// cdcTailDetector tails a Debezium change topic. The watermark is the
// last consumed offset. The topic must be single-partition: Debezium's
// per-table ordering guarantee only holds within a partition, and the
// offset watermark assumes one offset sequence.
type cdcTailDetector struct {
	table  *config.TableSync
	topic  string
	reader MessageReader
}

func newCDCTailDetector(table *config.TableSync, kafka config.KafkaConfig, reader MessageReader) *cdcTailDetector {
	topic := table.Topic
	if topic == "" {
		topic = kafka.TopicPrefix + table.Name
	}
	return &cdcTailDetector{table: table, topic: topic, reader: reader}
}

func (d *cdcTailDetector) Detect(ctx context.Context, watermark string, limit int) (*ChangeSet, error) {
	from := int64(sarama.OffsetOldest)
	if watermark != "" {
		last, err := strconv.ParseInt(watermark, 10, 64)
		if err != nil {
			return nil, syncerrors.Newf(syncerrors.KindIntegrity, "detect",
				"table %s: watermark %q is not a topic offset", d.table.Name, watermark)
		}
		from = last + 1
	}

	msgs, err := d.reader.Read(ctx, d.topic, from, limit)
	if err != nil {
		return nil, err
	}

	set := &ChangeSet{NextWatermark: watermark}
	for _, msg := range msgs {
		rec, ok, err := decodeEnvelope(d.table, msg)
		if err != nil {
			return nil, err
		}
		set.NextWatermark = strconv.FormatInt(msg.Offset, 10)
		if !ok {
			continue
		}
		set.Records = append(set.Records, rec)
	}
	return set, nil
}

// debeziumEnvelope accepts both the schema-wrapped and the flattened
// Debezium JSON forms.
type debeziumEnvelope struct {
	Payload *debeziumPayload `json:"payload"`
	debeziumPayload
}

type debeziumPayload struct {
	Op     string    `json:"op"`
	Before model.Row `json:"before"`
	After  model.Row `json:"after"`
	TSMs   int64     `json:"ts_ms"`
}

// decodeEnvelope turns one CDC message into a change record. Tombstone
// messages and heartbeat ops are skipped, not errors.
func decodeEnvelope(table *config.TableSync, msg Message) (model.ChangeRecord, bool, error) {
	if len(msg.Value) == 0 {
		return model.ChangeRecord{}, false, nil
	}
	var env debeziumEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return model.ChangeRecord{}, false, syncerrors.Wrap(err, syncerrors.KindData, "detect",
			"malformed change envelope at offset "+strconv.FormatInt(msg.Offset, 10))
	}
	payload := env.debeziumPayload
	if env.Payload != nil {
		payload = *env.Payload
	}

	rec := model.ChangeRecord{
		Table:       table.Name,
		OldRow:      payload.Before,
		NewRow:      payload.After,
		SourceToken: strconv.FormatInt(msg.Offset, 10),
	}
	switch payload.Op {
	case "c", "r":
		rec.Op = model.OpInsert
	case "u":
		rec.Op = model.OpUpdate
	case "d":
		rec.Op = model.OpDelete
		rec.NewRow = nil
	default:
		return model.ChangeRecord{}, false, nil
	}

	base := rec.NewRow
	if base == nil {
		base = rec.OldRow
	}
	if base == nil {
		return model.ChangeRecord{}, false, syncerrors.Newf(syncerrors.KindData, "detect",
			"change at offset %d carries neither before nor after image", msg.Offset)
	}
	rec.PK = pkOf(base, table.PKColumns)
	rec.Key = model.PKKey(rec.PK, table.PKColumns)
	return rec, true, nil
}

// saramaReader reads partition 0 of a topic with a plain consumer. Group
// consumption is deliberately not used: the job owns its offset through
// the watermark, and rebalancing would break replay.
type saramaReader struct {
	client   sarama.Client
	consumer sarama.Consumer
	idle     time.Duration
}

func newSaramaReader(cfg config.KafkaConfig) (*saramaReader, error) {
	sc := sarama.NewConfig()
	sc.Consumer.Return.Errors = true
	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "detect", "connect kafka")
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		client.Close()
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "detect", "create kafka consumer")
	}
	return &saramaReader{client: client, consumer: consumer, idle: 2 * time.Second}, nil
}

func (r *saramaReader) Read(ctx context.Context, topic string, from int64, limit int) ([]Message, error) {
	newest, err := r.client.GetOffset(topic, 0, sarama.OffsetNewest)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "detect", "read topic offsets")
	}
	if from == sarama.OffsetOldest {
		oldest, err := r.client.GetOffset(topic, 0, sarama.OffsetOldest)
		if err != nil {
			return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "detect", "read topic offsets")
		}
		from = oldest
	}
	if from >= newest {
		return nil, nil
	}

	pc, err := r.consumer.ConsumePartition(topic, 0, from)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "detect", "consume partition")
	}
	defer pc.Close()

	var out []Message
	idle := time.NewTimer(r.idle)
	defer idle.Stop()
	for len(out) < limit {
		select {
		case msg := <-pc.Messages():
			out = append(out, Message{Offset: msg.Offset, Key: msg.Key, Value: msg.Value})
			if msg.Offset >= newest-1 {
				return out, nil
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(r.idle)
		case err := <-pc.Errors():
			return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "detect", "kafka read")
		case <-idle.C:
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, nil
}

func (r *saramaReader) Close() error {
	if err := r.consumer.Close(); err != nil {
		r.client.Close()
		return err
	}
	return r.client.Close()
}
