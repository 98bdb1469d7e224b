package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBeginJobSerializesPerPair(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &model.SyncJob{DataType: "parcels", Direction: model.DirectionDown}
	require.NoError(t, s.BeginJob(ctx, first))
	require.NotEmpty(t, first.ID)

	// same pair is rejected while the first job is not terminal
	second := &model.SyncJob{DataType: "parcels", Direction: model.DirectionDown}
	err := s.BeginJob(ctx, second)
	require.Error(t, err)
	assert.Equal(t, syncerrors.KindConflict, syncerrors.KindOf(err))

	// a different pair is fine
	other := &model.SyncJob{DataType: "parcels", Direction: model.DirectionUp}
	require.NoError(t, s.BeginJob(ctx, other))

	// once terminal, the pair frees up
	require.NoError(t, s.MarkJobRunning(ctx, first.ID))
	require.NoError(t, s.FinishJob(ctx, first.ID, model.JobSucceeded, model.JobCounters{Loaded: 3}, "", ""))
	require.NoError(t, s.BeginJob(ctx, second))
}

func TestActivePairUniqueIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := &model.SyncJob{DataType: "parcels", Direction: model.DirectionDown}
	require.NoError(t, s.BeginJob(ctx, job))

	// simulate a racing writer that slipped past BeginJob's existence
	// check: the database itself must reject a second active row
	dup := &model.SyncJob{
		ID: "racing-writer", DataType: "parcels", Direction: model.DirectionDown,
		Status: model.JobPending, CreatedAt: time.Now(),
	}
	err := s.DB().Create(dup).Error
	require.Error(t, err)
	assert.True(t, errors.Is(err, gorm.ErrDuplicatedKey))

	// terminal rows are outside the index, so history accumulates freely
	done := &model.SyncJob{
		ID: "older-run", DataType: "parcels", Direction: model.DirectionDown,
		Status: model.JobSucceeded, CreatedAt: time.Now(),
	}
	require.NoError(t, s.DB().Create(done).Error)
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := &model.SyncJob{DataType: "levies", Direction: model.DirectionUp}
	require.NoError(t, s.BeginJob(ctx, job))
	require.NoError(t, s.MarkJobRunning(ctx, job.ID))

	// running twice is a conflict
	err := s.MarkJobRunning(ctx, job.ID)
	assert.Equal(t, syncerrors.KindConflict, syncerrors.KindOf(err))

	counters := model.JobCounters{Extracted: 10, Transformed: 10, Valid: 9, Invalid: 1, Loaded: 9}
	require.NoError(t, s.FinishJob(ctx, job.ID, model.JobPartial, counters, "data", "1 invalid row"))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPartial, got.Status)
	assert.Equal(t, int64(9), got.Counters.Loaded)
	assert.Equal(t, "data", got.ErrorKind)
	assert.NotNil(t, got.EndedAt)

	// finish rejects non-terminal statuses
	err = s.FinishJob(ctx, job.ID, model.JobRunning, counters, "", "")
	require.Error(t, err)
}

func TestCancelFlag(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := &model.SyncJob{DataType: "parcels", Direction: model.DirectionDown}
	require.NoError(t, s.BeginJob(ctx, job))

	accepted, err := s.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, accepted)

	flagged, err := s.CancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, flagged)

	// cancel on a terminal job is not accepted
	require.NoError(t, s.FinishJob(ctx, job.ID, model.JobCancelled, model.JobCounters{}, "", ""))
	accepted, err = s.RequestCancel(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestWatermarkCAS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	token, err := s.GetWatermark(ctx, "parcels", model.DirectionUp)
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, s.CompareAndSetWatermark(ctx, "parcels", model.DirectionUp, "", "100"))
	require.NoError(t, s.CompareAndSetWatermark(ctx, "parcels", model.DirectionUp, "100", "103"))

	// stale prev loses the race
	err = s.CompareAndSetWatermark(ctx, "parcels", model.DirectionUp, "100", "110")
	assert.Equal(t, syncerrors.KindConflict, syncerrors.KindOf(err))

	// regression is fatal
	err = s.CompareAndSetWatermark(ctx, "parcels", model.DirectionUp, "103", "99")
	assert.Equal(t, syncerrors.KindIntegrity, syncerrors.KindOf(err))

	token, err = s.GetWatermark(ctx, "parcels", model.DirectionUp)
	require.NoError(t, err)
	assert.Equal(t, "103", token)
}

func TestMappingsCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fields := map[string]string{"pin": "ParcelId", "owner": "OwnerName"}
	require.NoError(t, s.CreateMapping(ctx, "parcels", "Default", fields, false))

	// duplicate without overwrite
	err := s.CreateMapping(ctx, "parcels", "DEFAULT", fields, false)
	assert.Equal(t, syncerrors.KindExists, syncerrors.KindOf(err))

	// case-insensitive lookup
	got, err := s.GetMapping(ctx, "parcels", "dEfAuLt")
	require.NoError(t, err)
	assert.Equal(t, fields, got)

	// overwrite replaces
	require.NoError(t, s.CreateMapping(ctx, "parcels", "default",
		map[string]string{"pin": "PIN"}, true))
	got, err = s.GetMapping(ctx, "parcels", "default")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"pin": "PIN"}, got)

	all, err := s.ListMappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, all["parcels"])

	require.NoError(t, s.DeleteMapping(ctx, "parcels", "default"))
	_, err = s.GetMapping(ctx, "parcels", "default")
	assert.True(t, syncerrors.IsNotFound(err))
	err = s.DeleteMapping(ctx, "parcels", "default")
	assert.True(t, syncerrors.IsNotFound(err))
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	payload := map[string]interface{}{"rows": []interface{}{"a", "b"}}
	hash, err := s.SaveCheckpoint(ctx, "job-1", "load", 0, payload)
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	committed, err := s.CommittedCheckpoints(ctx, "job-1", "load")
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: hash}, committed)

	var restored map[string]interface{}
	require.NoError(t, s.LoadCheckpoint(ctx, "job-1", "load", 0, &restored))
	assert.Len(t, restored["rows"], 2)

	// identical payload hashes identically (replay detection)
	hash2, _, err := HashPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, hash, hash2)
}

func TestConflicts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := &model.SyncConflict{
		JobID: "job-1", Table: "parcels", PK: "42",
		LocalVersion: `{"val":"target"}`, RemoteVersion: `{"val":"source"}`,
	}
	require.NoError(t, s.CreateConflict(ctx, c))
	assert.Equal(t, model.ResolutionPending, c.Resolution)

	pending, err := s.ListConflicts(ctx, model.ResolutionPending, "parcels")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.ResolveConflict(ctx, c.ID, model.ResolutionSourceWins, "operator-9"))
	got, err := s.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionSourceWins, got.Resolution)
	assert.NotNil(t, got.ResolvedAt)

	// resolving twice fails
	err = s.ResolveConflict(ctx, c.ID, model.ResolutionTargetWins, "operator-9")
	assert.True(t, syncerrors.IsNotFound(err))
}

func TestNotificationTransitionGuard(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n := &model.Notification{AlertID: "a1", Target: "ops@example.gov", Channel: model.ChannelEmail}
	require.NoError(t, s.CreateNotification(ctx, n))
	assert.Equal(t, model.NotifyPending, n.Status)

	require.NoError(t, s.TransitionNotification(ctx, n.ID, model.NotifySent, 1, ""))
	require.NoError(t, s.TransitionNotification(ctx, n.ID, model.NotifyDelivered, 1, ""))

	// delivered -> sent violates the DAG
	err := s.TransitionNotification(ctx, n.ID, model.NotifySent, 2, "")
	assert.Equal(t, syncerrors.KindIntegrity, syncerrors.KindOf(err))

	require.NoError(t, s.TransitionNotification(ctx, n.ID, model.NotifyRead, 1, ""))
	got, err := s.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ReadAt)
}

func TestAlertCounters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alert := &model.QualityAlert{
		Name: "null-rate", SeverityThreshold: model.SeverityHigh,
		Channels: `["log"]`, Recipients: `["ops"]`, Enabled: true,
	}
	require.NoError(t, s.PutAlert(ctx, alert))

	require.NoError(t, s.IncrementTriggered(ctx, alert.ID))
	require.NoError(t, s.IncrementTriggered(ctx, alert.ID))

	got, err := s.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TriggeredCount)
}

func TestSchedules(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sched := &model.SyncSchedule{
		Name: "parcels-nightly", DataType: "parcels",
		Direction: model.DirectionDown, Spec: "0 2 * * *", Enabled: true,
	}
	require.NoError(t, s.PutSchedule(ctx, sched))

	require.NoError(t, s.SetScheduleEnabled(ctx, "parcels-nightly", false))
	got, err := s.GetSchedule(ctx, "parcels-nightly")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	fired := time.Now()
	next := fired.Add(24 * time.Hour)
	require.NoError(t, s.RecordScheduleFire(ctx, "parcels-nightly", fired, next))
	got, err = s.GetSchedule(ctx, "parcels-nightly")
	require.NoError(t, err)
	require.NotNil(t, got.LastFired)
	require.NotNil(t, got.NextFire)

	err = s.SetScheduleEnabled(ctx, "missing", true)
	assert.True(t, syncerrors.IsNotFound(err))
}

func TestRowHashBaseline(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutRowHashes(ctx, "parcels", map[string]string{
		"1": "aaaa", "2": "bbbb",
	}))
	hashes, err := s.RowHashes(ctx, "parcels")
	require.NoError(t, err)
	assert.Len(t, hashes, 2)

	// update one, delete one
	require.NoError(t, s.PutRowHashes(ctx, "parcels", map[string]string{
		"1": "cccc", "2": "",
	}))
	hashes, err = s.RowHashes(ctx, "parcels")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "cccc"}, hashes)
}

func TestRetentionSweep(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendLog(ctx, "job-1", model.LogInfo, "loader", "old entry", nil))
	// age the row directly; the store itself never rewrites logs
	s.DB().Model(&model.SyncLog{}).Where("1 = 1").
		Update("created_at", time.Now().Add(-48*time.Hour))
	require.NoError(t, s.AppendLog(ctx, "job-1", model.LogInfo, "loader", "fresh entry", nil))

	purged, err := s.RetentionSweep(ctx, 24*time.Hour, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	logs, err := s.Logs(ctx, "job-1", LogQuery{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "fresh entry", logs[0].Message)
}

func TestLogLevelFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendLog(ctx, "j", model.LogDebug, "detector", "noise", nil))
	require.NoError(t, s.AppendLog(ctx, "j", model.LogWarn, "resolver", "conflict created",
		map[string]interface{}{"table": "parcels"}))
	require.NoError(t, s.AppendLog(ctx, "j", model.LogError, "loader", "sub-batch failed", nil))

	logs, err := s.Logs(ctx, "j", LogQuery{Level: model.LogWarn})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, model.LogWarn, logs[0].Level)
	assert.Contains(t, logs[0].Detail, "parcels")

	last, err := s.LastErrorLog(ctx, "j")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "sub-batch failed", last.Message)
}
