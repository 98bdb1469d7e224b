package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/countygov/syncbridge/pkg/config"
	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/store"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

type fakeSubmitter struct {
	jobs []*model.SyncJob
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, job *model.SyncJob) error {
	if f.err != nil {
		return f.err
	}
	job.ID = "job-1"
	f.jobs = append(f.jobs, job)
	return nil
}

func newScheduler(t *testing.T) (*Scheduler, *store.Store, *fakeSubmitter) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	sub := &fakeSubmitter{}
	return New(s, sub, config.Default(), zap.NewNop()), s, sub
}

func put(t *testing.T, s *store.Store, sched model.SyncSchedule) {
	t.Helper()
	require.NoError(t, s.PutSchedule(context.Background(), &sched))
}

func TestParseSpec(t *testing.T) {
	_, err := ParseSpec("*/5 * * * *")
	assert.NoError(t, err)
	_, err = ParseSpec("@every 15m")
	assert.NoError(t, err)
	_, err = ParseSpec("@hourly")
	assert.NoError(t, err)

	_, err = ParseSpec("not a cron line")
	require.Error(t, err)
	assert.True(t, syncerrors.IsKind(err, syncerrors.KindConfig))
}

func TestFirstSweepArmsWithoutFiring(t *testing.T) {
	sched, s, sub := newScheduler(t)
	ctx := context.Background()
	put(t, s, model.SyncSchedule{
		Name: "parcels-up", DataType: "parcels",
		Direction: model.DirectionUp, Spec: "@every 1h", Enabled: true,
	})

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sched.Sweep(ctx, now))
	assert.Empty(t, sub.jobs)

	got, err := s.GetSchedule(ctx, "parcels-up")
	require.NoError(t, err)
	require.NotNil(t, got.NextFire)
	assert.Equal(t, now.Add(time.Hour), got.NextFire.UTC())
}

func TestDueScheduleFires(t *testing.T) {
	sched, s, sub := newScheduler(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	put(t, s, model.SyncSchedule{
		Name: "parcels-up", DataType: "parcels",
		Direction: model.DirectionUp, Spec: "@every 1h",
		Enabled: true, NextFire: &due,
	})

	require.NoError(t, sched.Sweep(ctx, now))
	require.Len(t, sub.jobs, 1)
	assert.Equal(t, "parcels", sub.jobs[0].DataType)
	assert.Equal(t, model.DirectionUp, sub.jobs[0].Direction)

	got, err := s.GetSchedule(ctx, "parcels-up")
	require.NoError(t, err)
	require.NotNil(t, got.LastFired)
	assert.Equal(t, now, got.LastFired.UTC())
	assert.Equal(t, now.Add(time.Hour), got.NextFire.UTC())
}

func TestMissedFiresCoalesceIntoOneJob(t *testing.T) {
	sched, s, sub := newScheduler(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	// five hourly fires missed while down
	due := now.Add(-5 * time.Hour)
	put(t, s, model.SyncSchedule{
		Name: "parcels-up", DataType: "parcels",
		Direction: model.DirectionUp, Spec: "@every 1h",
		Enabled: true, NextFire: &due,
	})

	require.NoError(t, sched.Sweep(ctx, now))
	assert.Len(t, sub.jobs, 1)

	// next fire restarts from now, not from the missed instants
	got, err := s.GetSchedule(ctx, "parcels-up")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), got.NextFire.UTC())
}

func TestBusyPairDefersWithoutAdvancing(t *testing.T) {
	sched, s, sub := newScheduler(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	put(t, s, model.SyncSchedule{
		Name: "parcels-up", DataType: "parcels",
		Direction: model.DirectionUp, Spec: "@every 1h",
		Enabled: true, NextFire: &due,
	})

	sub.err = syncerrors.New(syncerrors.KindConflict, "store", "pair active")
	require.NoError(t, sched.Sweep(ctx, now))
	assert.Empty(t, sub.jobs)

	got, err := s.GetSchedule(ctx, "parcels-up")
	require.NoError(t, err)
	assert.Equal(t, due, got.NextFire.UTC())

	// pair frees up: the next sweep fires the pending schedule
	sub.err = nil
	require.NoError(t, sched.Sweep(ctx, now.Add(time.Minute)))
	assert.Len(t, sub.jobs, 1)
}

func TestDisabledScheduleSkipped(t *testing.T) {
	sched, s, sub := newScheduler(t)
	ctx := context.Background()
	due := time.Date(2026, 6, 1, 11, 0, 0, 0, time.UTC)
	put(t, s, model.SyncSchedule{
		Name: "parcels-up", DataType: "parcels",
		Direction: model.DirectionUp, Spec: "@every 1h",
		Enabled: false, NextFire: &due,
	})

	require.NoError(t, sched.Sweep(ctx, due.Add(time.Hour)))
	assert.Empty(t, sub.jobs)
}
