package load

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/retry"
	"github.com/countygov/syncbridge/pkg/store"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

type fakeTarget struct {
	rows     map[string]model.Row
	applies  int
	failures map[string][]error // first-record key -> errors returned per attempt
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{rows: map[string]model.Row{}, failures: map[string][]error{}}
}

func (f *fakeTarget) ApplyBatch(_ context.Context, _ string, _ []string,
	records []model.ChangeRecord) error {
	f.applies++
	if len(records) > 0 {
		if errs := f.failures[records[0].Key]; len(errs) > 0 {
			err := errs[0]
			f.failures[records[0].Key] = errs[1:]
			return err
		}
	}
	for _, rec := range records {
		if rec.Op == model.OpDelete {
			delete(f.rows, rec.Key)
			continue
		}
		f.rows[rec.Key] = rec.NewRow
	}
	return nil
}

func (f *fakeTarget) FetchRow(_ context.Context, _ string, _ []string, pk model.Row) (model.Row, bool, error) {
	row, ok := f.rows[fmt.Sprintf("%v", pk["pin"])]
	return row, ok, nil
}

func (f *fakeTarget) Exists(context.Context, string, string, interface{}) (bool, error) {
	return false, nil
}

func (f *fakeTarget) Ping(context.Context) error { return nil }
func (f *fakeTarget) Close()                     {}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func batch(n int) []model.ChangeRecord {
	out := make([]model.ChangeRecord, 0, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("100-%04d", i+1)
		out = append(out, model.ChangeRecord{
			Table:       "parcels",
			Key:         key,
			PK:          model.Row{"pin": key},
			Op:          model.OpUpdate,
			NewRow:      model.Row{"pin": key, "owner": "SMITH"},
			SourceToken: fmt.Sprintf("%d", 100+i),
		})
	}
	return out
}

func quickPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond}
}

func TestApplySubBatches(t *testing.T) {
	tgt := newFakeTarget()
	l := New(tgt, testStore(t), quickPolicy(), 2, zap.NewNop())

	res, err := l.Apply(context.Background(), "job-1", "parcels", []string{"pin"}, batch(5))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Loaded)
	assert.Equal(t, 0, res.Replayed)
	assert.Equal(t, 3, res.SubBatches)
	assert.Len(t, tgt.rows, 5)
	assert.False(t, res.Partial())
}

func TestReplaySkipsCommittedSubBatches(t *testing.T) {
	s := testStore(t)
	records := batch(5)

	tgt := newFakeTarget()
	l := New(tgt, s, quickPolicy(), 2, zap.NewNop())
	_, err := l.Apply(context.Background(), "job-1", "parcels", []string{"pin"}, records)
	require.NoError(t, err)
	applied := tgt.applies

	// crash-and-restart: same job, fresh loader, same batch
	res, err := New(tgt, s, quickPolicy(), 2, zap.NewNop()).
		Apply(context.Background(), "job-1", "parcels", []string{"pin"}, records)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Loaded)
	assert.Equal(t, 5, res.Replayed)
	assert.Equal(t, applied, tgt.applies)
	assert.Len(t, tgt.rows, 5)
}

func TestTransientFailureRetries(t *testing.T) {
	records := batch(2)
	tgt := newFakeTarget()
	tgt.failures[records[0].Key] = []error{
		syncerrors.New(syncerrors.KindTransient, "load", "connection lost"),
	}
	l := New(tgt, testStore(t), quickPolicy(), 10, zap.NewNop())

	res, err := l.Apply(context.Background(), "job-1", "parcels", []string{"pin"}, records)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Loaded)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 2, tgt.applies)
}

func TestPermanentFailureSkipsSubBatchOnly(t *testing.T) {
	records := batch(4)
	tgt := newFakeTarget()
	tgt.failures[records[0].Key] = []error{
		syncerrors.New(syncerrors.KindData, "load", "constraint violation"),
	}
	l := New(tgt, testStore(t), quickPolicy(), 2, zap.NewNop())

	res, err := l.Apply(context.Background(), "job-1", "parcels", []string{"pin"}, records)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Loaded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 0, res.Failed[0].Seq)
	assert.Equal(t, 2, res.Failed[0].Rows)
	assert.True(t, res.Partial())
	// no retry on permanent errors: one attempt for the bad sub-batch
	assert.Equal(t, 2, tgt.applies)
}

func TestDivergentReplayIsIntegrityError(t *testing.T) {
	s := testStore(t)
	tgt := newFakeTarget()
	l := New(tgt, s, quickPolicy(), 10, zap.NewNop())

	_, err := l.Apply(context.Background(), "job-1", "parcels", []string{"pin"}, batch(2))
	require.NoError(t, err)

	mutated := batch(2)
	mutated[0].NewRow["owner"] = "JONES"
	_, err = l.Apply(context.Background(), "job-1", "parcels", []string{"pin"}, mutated)
	require.Error(t, err)
	assert.True(t, syncerrors.IsKind(err, syncerrors.KindIntegrity))
}

func TestCancelStopsAtSubBatchBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := New(newFakeTarget(), testStore(t), quickPolicy(), 2, zap.NewNop())
	res, err := l.Apply(ctx, "job-1", "parcels", []string{"pin"}, batch(4))
	require.Error(t, err)
	assert.Equal(t, 0, res.Loaded)
}
