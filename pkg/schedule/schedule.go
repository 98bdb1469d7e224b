// Package schedule fires recurring sync jobs from persisted schedule
// entries. A single dispatcher goroutine sweeps the schedule table on a
// fixed tick; firing is serialized per (data-type, direction) pair by
// the job store, so a schedule whose pair is still busy simply waits
// for a later sweep.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/countygov/syncbridge/pkg/config"
	"github.com/countygov/syncbridge/pkg/metrics"
	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/store"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// Submitter accepts new sync jobs. Satisfied by the orchestrator.
type Submitter interface {
	Submit(ctx context.Context, job *model.SyncJob) error
}

var specParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec validates a schedule expression: standard five-field cron
// or a descriptor such as "@every 15m" / "@hourly".
func ParseSpec(spec string) (cron.Schedule, error) {
	sched, err := specParser.Parse(spec)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindConfig, "schedule",
			fmt.Sprintf("invalid schedule spec %q", spec))
	}
	return sched, nil
}

// Scheduler is the dispatcher. Run it in exactly one goroutine.
type Scheduler struct {
	store *store.Store
	jobs  Submitter
	tick  time.Duration
	clock func() time.Time
	log   *zap.Logger
}

func New(s *store.Store, jobs Submitter, cfg *config.Config, log *zap.Logger) *Scheduler {
	tick := time.Duration(cfg.Scheduler.TickIntervalS) * time.Second
	if tick <= 0 {
		tick = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store: s,
		jobs:  jobs,
		tick:  tick,
		clock: time.Now,
		log:   log.Named("scheduler"),
	}
}

// Run sweeps until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.log.Info("scheduler started", zap.Duration("tick", s.tick))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx, s.clock()); err != nil {
				s.log.Error("schedule sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep fires every enabled schedule whose next-fire instant has
// passed. Fires missed while the process was down are coalesced: one
// catch-up job runs and next-fire is recomputed from now, not replayed
// interval by interval.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) error {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for i := range schedules {
		sched := &schedules[i]
		if !sched.Enabled {
			continue
		}
		if err := s.visit(ctx, sched, now); err != nil {
			s.log.Warn("schedule dispatch failed",
				zap.String("schedule", sched.Name), zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) visit(ctx context.Context, sched *model.SyncSchedule, now time.Time) error {
	expr, err := ParseSpec(sched.Spec)
	if err != nil {
		return err
	}

	// first sighting: arm the schedule without firing
	if sched.NextFire == nil {
		return s.store.SetScheduleNextFire(ctx, sched.Name, expr.Next(now))
	}
	due := *sched.NextFire
	if due.After(now) {
		return nil
	}

	kind := "fire"
	if expr.Next(due).Before(now) {
		// more than one interval elapsed since the due instant
		kind = "catch_up"
	}

	job := &model.SyncJob{
		DataType:  sched.DataType,
		Direction: sched.Direction,
	}
	if err := s.jobs.Submit(ctx, job); err != nil {
		if syncerrors.IsKind(err, syncerrors.KindConflict) {
			// pair still busy; leave next-fire in the past so a later
			// sweep retries, which folds the miss into one catch-up
			s.log.Debug("schedule deferred, pair active",
				zap.String("schedule", sched.Name))
			return nil
		}
		return err
	}

	metrics.SchedulerFires.WithLabelValues(sched.Name, kind).Inc()
	s.log.Info("schedule fired",
		zap.String("schedule", sched.Name),
		zap.String("job_id", job.ID),
		zap.String("kind", kind))
	return s.store.RecordScheduleFire(ctx, sched.Name, now, expr.Next(now))
}
