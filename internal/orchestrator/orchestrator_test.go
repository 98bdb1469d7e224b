package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/countygov/syncbridge/pkg/config"
	"github.com/countygov/syncbridge/pkg/detect"
	"github.com/countygov/syncbridge/pkg/mapping"
	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/store"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

type fakeDetector struct {
	set *detect.ChangeSet
	err error
}

func (f *fakeDetector) Detect(context.Context, string, int) (*detect.ChangeSet, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.set, nil
}

type fakeTarget struct {
	rows    map[string]model.Row
	pkCols  []string
	applyFn func(records []model.ChangeRecord) error
}

func newTestTarget(pkCols []string) *fakeTarget {
	return &fakeTarget{rows: map[string]model.Row{}, pkCols: pkCols}
}

func (f *fakeTarget) ApplyBatch(_ context.Context, _ string, pkCols []string,
	records []model.ChangeRecord) error {
	if f.applyFn != nil {
		if err := f.applyFn(records); err != nil {
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

func (f *fakeTarget) FetchRow(_ context.Context, _ string, pkCols []string,
	pk model.Row) (model.Row, bool, error) {
	row, ok := f.rows[model.PKKey(pk, pkCols)]
	return row, ok, nil
}

func (f *fakeTarget) Exists(context.Context, string, string, interface{}) (bool, error) {
	return false, nil
}
func (f *fakeTarget) Ping(context.Context) error { return nil }
func (f *fakeTarget) Close()                     {}

type env struct {
	cfg    *config.Config
	store  *store.Store
	target *fakeTarget
	det    *fakeDetector
	orch   *Orchestrator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	cfg.MaxSubBatch = 2
	cfg.Tables = []config.TableSync{{
		Name:        "parcels",
		DataType:    "parcels",
		Strategy:    config.StrategyVersion,
		TokenColumn: "version",
		PKColumns:   []string{"pin"},
	}}

	e := &env{
		cfg:    cfg,
		store:  s,
		target: newTestTarget([]string{"pin"}),
		det:    &fakeDetector{set: &detect.ChangeSet{}},
	}
	e.orch = New(Deps{
		Cfg:      cfg,
		Store:    s,
		Target:   e.target,
		Mappings: mapping.NewLoader(s),
		Detectors: func(*config.TableSync) (detect.Detector, error) {
			return e.det, nil
		},
		Log: zap.NewNop(),
	})
	return e
}

func (e *env) runJob(t *testing.T, job *model.SyncJob) *model.SyncJob {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.orch.Submit(ctx, job))
	e.orch.Execute(ctx, job.ID)
	done, err := e.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	return done
}

func upserts(n, fromVersion int) []model.ChangeRecord {
	out := make([]model.ChangeRecord, 0, n)
	for i := 0; i < n; i++ {
		pin := fmt.Sprintf("100-%04d", i+1)
		version := fromVersion + i
		out = append(out, model.ChangeRecord{
			Table:       "parcels",
			Key:         pin,
			PK:          model.Row{"pin": pin},
			Op:          model.OpUpdate,
			NewRow:      model.Row{"pin": pin, "owner": "SMITH", "version": int64(version)},
			SourceToken: fmt.Sprintf("%d", version),
		})
	}
	return out
}

func TestCleanIncrementalSync(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.CompareAndSetWatermark(ctx, "parcels", model.DirectionUp, "", "100"))

	e.det.set = &detect.ChangeSet{Records: upserts(3, 101), NextWatermark: "103"}
	done := e.runJob(t, &model.SyncJob{DataType: "parcels", Direction: model.DirectionUp})

	assert.Equal(t, model.JobSucceeded, done.Status)
	assert.Equal(t, int64(3), done.Counters.Extracted)
	assert.Equal(t, int64(3), done.Counters.Loaded)
	assert.Equal(t, int64(0), done.Counters.Invalid)
	assert.Equal(t, int64(0), done.Counters.Conflicts)
	assert.Len(t, e.target.rows, 3)

	wm, err := e.store.GetWatermark(ctx, "parcels", model.DirectionUp)
	require.NoError(t, err)
	assert.Equal(t, "103", wm)
}

func TestInvalidRowExcludedJobPartial(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.store.PutFieldConfiguration(ctx, &model.FieldConfiguration{
		Table: "parcels", Field: "pin", SourceName: "pin", Type: "string",
	}))
	require.NoError(t, e.store.PutFieldConfiguration(ctx, &model.FieldConfiguration{
		Table: "parcels", Field: "dob", SourceName: "dob", Type: "date",
	}))
	require.NoError(t, e.store.PutFieldConfiguration(ctx, &model.FieldConfiguration{
		Table: "parcels", Field: "version", SourceName: "version", Type: "integer",
	}))

	bad := model.ChangeRecord{
		Table: "parcels", Key: "7", PK: model.Row{"pin": "7"}, Op: model.OpUpdate,
		NewRow:      model.Row{"pin": "7", "dob": "not-a-date", "version": int64(107)},
		SourceToken: "107",
	}
	e.det.set = &detect.ChangeSet{Records: []model.ChangeRecord{bad}, NextWatermark: "107"}

	done := e.runJob(t, &model.SyncJob{DataType: "parcels", Direction: model.DirectionUp})
	assert.Equal(t, model.JobPartial, done.Status)
	assert.Equal(t, int64(1), done.Counters.Invalid)
	assert.Equal(t, int64(0), done.Counters.Loaded)

	issues, err := e.store.ListIssues(ctx, model.SeverityHigh, "", 10)
	require.NoError(t, err)
	require.NotEmpty(t, issues)
	assert.Equal(t, "dob", issues[0].Field)

	// the bad row was definitively handled, so the watermark still moves
	wm, err := e.store.GetWatermark(ctx, "parcels", model.DirectionUp)
	require.NoError(t, err)
	assert.Equal(t, "107", wm)
}

func TestConflictSourceWins(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.CompareAndSetWatermark(ctx, "parcels", model.DirectionUp, "", "100"))

	// target modified pk 42 after the last sync (version 120 > 100)
	e.target.rows["42"] = model.Row{"pin": "42", "owner": "TARGET", "version": int64(120)}

	rec := model.ChangeRecord{
		Table: "parcels", Key: "42", PK: model.Row{"pin": "42"}, Op: model.OpUpdate,
		NewRow:      model.Row{"pin": "42", "owner": "SOURCE", "version": int64(150)},
		SourceToken: "150",
	}
	e.det.set = &detect.ChangeSet{Records: []model.ChangeRecord{rec}, NextWatermark: "150"}

	done := e.runJob(t, &model.SyncJob{DataType: "parcels", Direction: model.DirectionUp})
	assert.Equal(t, model.JobSucceeded, done.Status)
	assert.Equal(t, int64(1), done.Counters.Conflicts)
	assert.Equal(t, int64(0), done.Counters.ConflictsExcluded)
	assert.Equal(t, int64(1), done.Counters.Loaded)
	assert.Equal(t, "SOURCE", e.target.rows["42"]["owner"])

	conflicts, err := e.store.ListConflicts(ctx, model.ResolutionSourceWins, "parcels")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "42", conflicts[0].PK)
}

func TestBeforeImageConflictWithoutTokenColumn(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.cfg.Tables[0].Strategy = config.StrategyRowHash
	e.cfg.Tables[0].TokenColumn = ""

	// P-1 was edited on the target since the before-image; P-2 was not
	e.target.rows["P-1"] = model.Row{"pin": "P-1", "status": "TARGET-EDIT"}
	e.target.rows["P-2"] = model.Row{"pin": "P-2", "status": "UNTOUCHED"}

	records := []model.ChangeRecord{
		{
			Table: "parcels", Key: "P-1", PK: model.Row{"pin": "P-1"}, Op: model.OpUpdate,
			OldRow:      model.Row{"pin": "P-1", "status": "ORIGINAL"},
			NewRow:      model.Row{"pin": "P-1", "status": "SOURCE-EDIT"},
			SourceToken: "a1",
		},
		{
			Table: "parcels", Key: "P-2", PK: model.Row{"pin": "P-2"}, Op: model.OpUpdate,
			OldRow:      model.Row{"pin": "P-2", "status": "UNTOUCHED"},
			NewRow:      model.Row{"pin": "P-2", "status": "SOURCE-EDIT"},
			SourceToken: "a2",
		},
	}
	e.det.set = &detect.ChangeSet{Records: records, NextWatermark: "a2"}

	done := e.runJob(t, &model.SyncJob{DataType: "parcels", Direction: model.DirectionUp})
	assert.Equal(t, model.JobSucceeded, done.Status)
	assert.Equal(t, int64(1), done.Counters.Conflicts)
	assert.Equal(t, int64(2), done.Counters.Loaded)
	assert.Equal(t, "SOURCE-EDIT", e.target.rows["P-1"]["status"])
	assert.Equal(t, "SOURCE-EDIT", e.target.rows["P-2"]["status"])

	conflicts, err := e.store.ListConflicts(ctx, model.ResolutionSourceWins, "parcels")
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "P-1", conflicts[0].PK)
}

func TestManualPolicyExcludesAndWarns(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.CompareAndSetWatermark(ctx, "parcels", model.DirectionUp, "", "100"))
	e.cfg.Tables[0].ConflictPolicy = config.PolicyManual

	e.target.rows["42"] = model.Row{"pin": "42", "owner": "TARGET", "version": int64(120)}
	rec := model.ChangeRecord{
		Table: "parcels", Key: "42", PK: model.Row{"pin": "42"}, Op: model.OpUpdate,
		NewRow:      model.Row{"pin": "42", "owner": "SOURCE", "version": int64(150)},
		SourceToken: "150",
	}
	e.det.set = &detect.ChangeSet{Records: []model.ChangeRecord{rec}, NextWatermark: "150"}

	done := e.runJob(t, &model.SyncJob{DataType: "parcels", Direction: model.DirectionUp})
	assert.Equal(t, model.JobPartial, done.Status)
	assert.Equal(t, int64(1), done.Counters.ConflictsExcluded)
	assert.Equal(t, "TARGET", e.target.rows["42"]["owner"])

	pending, err := e.store.ListConflicts(ctx, model.ResolutionPending, "parcels")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	logs, err := e.store.Logs(ctx, done.ID, store.LogQuery{Level: model.LogWarn})
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestDuplicatePairRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first := &model.SyncJob{DataType: "parcels", Direction: model.DirectionDown}
	require.NoError(t, e.orch.Submit(ctx, first))

	second := &model.SyncJob{DataType: "parcels", Direction: model.DirectionDown}
	err := e.orch.Submit(ctx, second)
	require.Error(t, err)
	assert.True(t, syncerrors.IsKind(err, syncerrors.KindConflict))

	// the other direction is an independent pair
	other := &model.SyncJob{DataType: "parcels", Direction: model.DirectionUp}
	assert.NoError(t, e.orch.Submit(ctx, other))
}

func TestQueueFullFailsJobWithoutWedgingPair(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for i := 0; i < cap(e.orch.queue); i++ {
		e.orch.queue <- fmt.Sprintf("filler-%d", i)
	}

	job := &model.SyncJob{DataType: "parcels", Direction: model.DirectionUp}
	err := e.orch.Submit(ctx, job)
	require.Error(t, err)
	assert.True(t, syncerrors.IsKind(err, syncerrors.KindTransient))

	// the rejected job must not linger as pending
	rejected, err := e.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, rejected.Status)

	// with queue space back, the same pair is submittable again
	for i := 0; i < cap(e.orch.queue); i++ {
		<-e.orch.queue
	}
	retry := &model.SyncJob{DataType: "parcels", Direction: model.DirectionUp}
	require.NoError(t, e.orch.Submit(ctx, retry))
}

func TestDryRunSkipsLoadAndWatermark(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.det.set = &detect.ChangeSet{Records: upserts(2, 101), NextWatermark: "102"}
	done := e.runJob(t, &model.SyncJob{DataType: "parcels", Direction: model.DirectionUp, DryRun: true})

	assert.Equal(t, model.JobSucceeded, done.Status)
	assert.Equal(t, int64(2), done.Counters.Extracted)
	assert.Equal(t, int64(0), done.Counters.Loaded)
	assert.Empty(t, e.target.rows)

	wm, err := e.store.GetWatermark(ctx, "parcels", model.DirectionUp)
	require.NoError(t, err)
	assert.Equal(t, "", wm)
}

func TestTransientExtractFailureFailsRetriable(t *testing.T) {
	e := newEnv(t)
	e.cfg.MaxRetries = 0
	e.cfg.RetryBackoffInitialMS = 1
	e.det.err = syncerrors.New(syncerrors.KindTransient, "detect", "source unreachable")

	done := e.runJob(t, &model.SyncJob{DataType: "parcels", Direction: model.DirectionUp})
	assert.Equal(t, model.JobFailed, done.Status)
	assert.Equal(t, string(syncerrors.KindTransient), done.ErrorKind)
}

func TestUnknownDataTypeRejected(t *testing.T) {
	e := newEnv(t)
	err := e.orch.Submit(context.Background(), &model.SyncJob{
		DataType: "ghosts", Direction: model.DirectionUp,
	})
	require.Error(t, err)
	assert.True(t, syncerrors.IsKind(err, syncerrors.KindConfig))
}

func TestFailedSubBatchYieldsPartialAndBoundedWatermark(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	records := upserts(4, 101) // sub-batches of 2: [101,102] [103,104]
	calls := 0
	e.target.applyFn = func(recs []model.ChangeRecord) error {
		calls++
		if recs[0].Key == records[2].Key {
			return syncerrors.New(syncerrors.KindData, "load", "constraint violation")
		}
		return nil
	}
	e.det.set = &detect.ChangeSet{Records: records, NextWatermark: "104"}

	done := e.runJob(t, &model.SyncJob{DataType: "parcels", Direction: model.DirectionUp})
	assert.Equal(t, model.JobPartial, done.Status)
	assert.Equal(t, int64(2), done.Counters.Loaded)

	// watermark stops before the failed sub-batch
	wm, err := e.store.GetWatermark(ctx, "parcels", model.DirectionUp)
	require.NoError(t, err)
	assert.Equal(t, "102", wm)
}
