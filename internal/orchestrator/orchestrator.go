// Package orchestrator drives sync jobs through their phases: extract,
// transform, validate, conflict-check, load, audit. A small worker pool
// executes jobs; the store serializes jobs per (data-type, direction)
// pair, and the watermark only advances past fully-committed work.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/countygov/syncbridge/pkg/config"
	"github.com/countygov/syncbridge/pkg/detect"
	"github.com/countygov/syncbridge/pkg/load"
	"github.com/countygov/syncbridge/pkg/mapping"
	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/retry"
	"github.com/countygov/syncbridge/pkg/store"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// QualityRunner runs post-load quality checks for a table.
type QualityRunner interface {
	PostLoad(ctx context.Context, jobID, table string)
}

// Alerter receives completed-job reports for alert evaluation.
type Alerter interface {
	JobCompleted(ctx context.Context, job *model.SyncJob)
}

// DetectorFactory builds the change detector for a table.
type DetectorFactory func(table *config.TableSync) (detect.Detector, error)

// Deps wires the orchestrator's collaborators. Quality and Alerts may be
// nil; everything else is required.
type Deps struct {
	Cfg       *config.Config
	Store     *store.Store
	Target    load.Target
	Mappings  *mapping.Loader
	Detectors DetectorFactory
	Quality   QualityRunner
	Alerts    Alerter
	Clock     func() time.Time
	Log       *zap.Logger
}

// Orchestrator owns the job queue and worker pool.
type Orchestrator struct {
	deps  Deps
	queue chan string

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	timers  []*time.Timer
}

// New builds an orchestrator. Workers start on Run.
func New(deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Orchestrator{
		deps:  deps,
		queue: make(chan string, 64),
	}
}

// Run starts the worker pool and blocks until ctx is done and all
// in-flight jobs have finished.
func (o *Orchestrator) Run(ctx context.Context) {
	for i := 0; i < o.deps.Cfg.WorkerCount; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
	<-ctx.Done()
	o.mu.Lock()
	o.stopped = true
	for _, t := range o.timers {
		t.Stop()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-o.queue:
			o.Execute(ctx, jobID)
		}
	}
}

// Submit creates and enqueues a job. The store rejects the submission
// with a conflict error when another job for the pair is still active.
func (o *Orchestrator) Submit(ctx context.Context, job *model.SyncJob) error {
	if _, ok := o.deps.Cfg.TableFor(job.DataType); !ok {
		return syncerrors.Newf(syncerrors.KindConfig, "orchestrator",
			"no table configured for data type %q", job.DataType)
	}
	if !job.Direction.Valid() {
		return syncerrors.Newf(syncerrors.KindConfig, "orchestrator",
			"unknown direction %q", job.Direction)
	}
	if err := o.deps.Store.BeginJob(ctx, job); err != nil {
		if syncerrors.IsKind(err, syncerrors.KindConflict) {
			o.deps.Log.Info("job rejected, pair already active",
				zap.String("data_type", job.DataType),
				zap.String("direction", string(job.Direction)))
		}
		return err
	}

	select {
	case o.queue <- job.ID:
	default:
		// queue full: no worker will ever see this job, and a pending
		// row blocks the pair, so fail it before reporting back
		if err := o.deps.Store.FinishJob(ctx, job.ID, model.JobFailed,
			model.JobCounters{}, string(syncerrors.KindTransient), "job queue full"); err != nil {
			o.deps.Log.Error("failing queue-full job", zap.String("job_id", job.ID), zap.Error(err))
		}
		return syncerrors.Newf(syncerrors.KindTransient, "orchestrator",
			"job queue full, job %s not enqueued", job.ID)
	}
	return nil
}

// Cancel requests cooperative cancellation of a job.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (bool, error) {
	return o.deps.Store.RequestCancel(ctx, jobID)
}

// scheduleRetry re-submits a failed job's parameters after a delay.
func (o *Orchestrator) scheduleRetry(job *model.SyncJob, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	o.deps.Log.Info("scheduling retry job",
		zap.String("failed_job_id", job.ID),
		zap.Duration("delay", delay))

	retryJob := &model.SyncJob{
		DataType:    job.DataType,
		Direction:   job.Direction,
		MappingName: job.MappingName,
		DryRun:      job.DryRun,
	}
	t := time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.Submit(ctx, retryJob); err != nil {
			o.deps.Log.Warn("retry job submission failed", zap.Error(err))
		}
	})
	o.timers = append(o.timers, t)
}

func (o *Orchestrator) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: o.deps.Cfg.MaxRetries + 1,
		Initial:     o.deps.Cfg.RetryInitial(),
		Max:         o.deps.Cfg.RetryMax(),
	}
}
