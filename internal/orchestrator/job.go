package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/countygov/syncbridge/pkg/config"
	"github.com/countygov/syncbridge/pkg/conflict"
	"github.com/countygov/syncbridge/pkg/detect"
	"github.com/countygov/syncbridge/pkg/load"
	"github.com/countygov/syncbridge/pkg/metrics"
	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/retry"
	"github.com/countygov/syncbridge/pkg/syncerrors"
	"github.com/countygov/syncbridge/pkg/transform"
	"github.com/countygov/syncbridge/pkg/validate"
)

// jobRun is the per-execution state threaded through the phases.
type jobRun struct {
	o     *Orchestrator
	job   *model.SyncJob
	table *config.TableSync
	log   *zap.Logger

	startWatermark string
	set            *detect.ChangeSet
	batch          []model.ChangeRecord
	counters       model.JobCounters
	pendingConf    int
	loadRes        *load.Result
}

// Execute runs one job to a terminal state. Safe to call for a jobID
// that already finished; the running-state guard makes it a no-op.
func (o *Orchestrator) Execute(ctx context.Context, jobID string) {
	job, err := o.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		o.deps.Log.Error("job lookup failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	table, ok := o.deps.Cfg.TableFor(job.DataType)
	if !ok {
		o.finishFailed(ctx, job, syncerrors.Newf(syncerrors.KindConfig, "orchestrator",
			"no table configured for data type %q", job.DataType), model.JobCounters{})
		return
	}
	if err := o.deps.Store.MarkJobRunning(ctx, jobID); err != nil {
		o.deps.Log.Warn("job not startable", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()

	run := &jobRun{
		o:     o,
		job:   job,
		table: table,
		log: o.deps.Log.With(
			zap.String("job_id", job.ID),
			zap.String("data_type", job.DataType),
			zap.String("direction", string(job.Direction))),
	}

	jctx, cancel := context.WithTimeout(ctx, o.deps.Cfg.JobTimeout())
	defer cancel()
	stopWatch := run.watchCancellation(jctx, cancel)
	defer stopWatch()

	err = run.phases(jctx)
	run.finalize(ctx, err)
}

// watchCancellation polls the store's cancel flag and cancels the job
// context when it is set. The loader observes the context at sub-batch
// boundaries, which is what makes cancellation cooperative.
func (r *jobRun) watchCancellation(ctx context.Context, cancel context.CancelFunc) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				requested, err := r.o.deps.Store.CancelRequested(ctx, r.job.ID)
				if err == nil && requested {
					r.log.Info("cancel requested, stopping at next sub-batch boundary")
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(stop); <-done }
}

func (r *jobRun) phases(ctx context.Context) error {
	if err := r.extract(ctx); err != nil {
		return err
	}
	if err := r.transformPhase(ctx); err != nil {
		return err
	}
	if err := r.validatePhase(ctx); err != nil {
		return err
	}
	if err := r.conflictPhase(ctx); err != nil {
		return err
	}
	return r.loadPhase(ctx)
}

func (r *jobRun) extract(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() { metrics.ObservePhase(r.job.DataType, "extract", timer.Stop()) }()

	wm, err := r.o.deps.Store.GetWatermark(ctx, r.job.DataType, r.job.Direction)
	if err != nil {
		return err
	}
	r.startWatermark = wm

	detector, err := r.o.deps.Detectors(r.table)
	if err != nil {
		return err
	}
	limit := r.o.deps.Cfg.MaxSubBatch * 100

	err = retry.Do(ctx, r.o.retryPolicy(), func() error {
		set, derr := detector.Detect(ctx, wm, limit)
		if derr != nil {
			return derr
		}
		r.set = set
		return nil
	}, func(attempt int, err error) {
		r.counters.Retried++
		r.log.Warn("extract retry", zap.Int("attempt", attempt), zap.Error(err))
	})
	if err != nil {
		return err
	}

	r.batch = r.set.Records
	r.counters.Extracted = int64(len(r.batch))
	metrics.RowsProcessed.WithLabelValues(r.job.DataType, "extract", "ok").
		Add(float64(len(r.batch)))
	r.appendLog(ctx, model.LogInfo, "extract",
		fmt.Sprintf("extracted %d changes since watermark %q", len(r.batch), wm), nil)
	r.savePhaseCheckpoint(ctx, "extract")
	return nil
}

func (r *jobRun) transformPhase(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() { metrics.ObservePhase(r.job.DataType, "transform", timer.Stop()) }()

	fields, err := r.o.deps.Store.FieldConfigurations(ctx, r.table.Name)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		// no field configuration: rows pass through unmapped
		r.counters.Transformed = int64(len(r.batch))
		r.appendLog(ctx, model.LogInfo, "transform",
			"no field configuration, rows pass through", nil)
		return nil
	}

	var mappingFields map[string]string
	if r.job.MappingName != "" {
		mappingFields, err = r.o.deps.Mappings.Get(ctx, r.job.DataType, r.job.MappingName)
		if err != nil {
			return err
		}
	}
	tr, err := transform.New(r.table.Name, mappingFields, fields)
	if err != nil {
		return err
	}

	var issues []model.QualityIssue
	kept := r.batch[:0]
	for _, rec := range r.batch {
		res := tr.Apply(rec)
		for _, fi := range res.Issues {
			sev := model.SeverityWarn
			if fi.Mandatory {
				sev = model.SeverityHigh
			}
			issues = append(issues, model.QualityIssue{
				JobID:         r.job.ID,
				Table:         r.table.Name,
				Field:         fi.Field,
				RecordID:      rec.Key,
				ObservedValue: fi.Value,
				Severity:      sev,
				Message:       fi.Reason,
			})
		}
		if !res.Valid {
			r.counters.Invalid++
			metrics.RowsProcessed.WithLabelValues(r.job.DataType, "transform", "invalid").Inc()
			continue
		}
		if rec.Op != model.OpDelete {
			rec.NewRow = res.Row
		}
		kept = append(kept, rec)
		r.counters.Transformed++
	}
	r.batch = kept

	if err := r.o.deps.Store.CreateIssues(ctx, issues); err != nil {
		return err
	}
	r.savePhaseCheckpoint(ctx, "transform")
	return nil
}

func (r *jobRun) validatePhase(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() { metrics.ObservePhase(r.job.DataType, "validate", timer.Stop()) }()

	rules, err := r.o.deps.Store.ListRules(ctx, r.table.Name, true)
	if err != nil {
		return err
	}
	v := validate.New(r.table.Name, rules, r.o.deps.Target)

	rows := make([]validate.BatchRow, len(r.batch))
	for i, rec := range r.batch {
		rows[i] = validate.BatchRow{
			Index:       i,
			Key:         rec.Key,
			SourceToken: rec.SourceToken,
			Op:          rec.Op,
			Row:         rec.NewRow,
		}
	}
	out, err := v.Evaluate(ctx, rows)
	if err != nil {
		return err
	}

	for i := range out.Issues {
		out.Issues[i].JobID = r.job.ID
		metrics.QualityIssuesTotal.
			WithLabelValues("validation", string(out.Issues[i].Severity)).Inc()
	}
	if err := r.o.deps.Store.CreateIssues(ctx, out.Issues); err != nil {
		return err
	}

	kept := r.batch[:0]
	for i, rec := range r.batch {
		if out.Invalid[i] {
			r.counters.Invalid++
			metrics.RowsProcessed.WithLabelValues(r.job.DataType, "validate", "invalid").Inc()
			continue
		}
		kept = append(kept, rec)
	}
	r.batch = kept
	r.counters.Valid = int64(len(r.batch))
	r.savePhaseCheckpoint(ctx, "validate")
	return nil
}

func (r *jobRun) conflictPhase(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() { metrics.ObservePhase(r.job.DataType, "conflict", timer.Stop()) }()

	resolver, err := conflict.New(r.table.Name, r.table.EffectivePolicy(r.o.deps.Cfg),
		r.table.ModifiedColumn)
	if err != nil {
		return err
	}

	kept := r.batch[:0]
	for _, rec := range r.batch {
		if rec.Op != model.OpUpdate {
			kept = append(kept, rec)
			continue
		}
		targetRow, found, err := r.o.deps.Target.FetchRow(ctx, r.table.Name, r.table.PKColumns, rec.PK)
		if err != nil {
			return err
		}
		if !found || !r.targetModified(rec, targetRow) {
			kept = append(kept, rec)
			continue
		}

		decision := resolver.Resolve(rec, conflict.TargetRow{
			Row:        targetRow,
			Token:      r.targetToken(targetRow),
			ModifiedAt: r.targetModifiedAt(targetRow),
		})
		r.counters.Conflicts++
		decision.Conflict.JobID = r.job.ID
		if err := r.o.deps.Store.CreateConflict(ctx, decision.Conflict); err != nil {
			return err
		}
		metrics.ConflictsTotal.
			WithLabelValues(r.table.Name, string(decision.Conflict.Resolution)).Inc()

		switch decision.Outcome {
		case conflict.OutcomeApply:
			rec.NewRow = decision.Row
			kept = append(kept, rec)
		case conflict.OutcomeKeepTarget:
			r.counters.ConflictsExcluded++
		case conflict.OutcomeExcluded:
			r.counters.ConflictsExcluded++
			r.pendingConf++
			r.appendLog(ctx, model.LogWarn, "conflict",
				fmt.Sprintf("row %s excluded pending manual resolution", rec.Key),
				map[string]interface{}{"conflict_id": decision.Conflict.ID})
		}
	}
	r.batch = kept
	r.savePhaseCheckpoint(ctx, "conflict")
	return nil
}

// targetModified decides whether the target row changed since the last
// sync. With a token column the committed watermark is the boundary;
// otherwise the record's before-image is compared field by field.
func (r *jobRun) targetModified(rec model.ChangeRecord, targetRow model.Row) bool {
	if r.table.TokenColumn != "" {
		if r.startWatermark == "" {
			return false
		}
		return model.CompareTokens(r.targetToken(targetRow), r.startWatermark) > 0
	}
	// no before-image means no basis for comparison
	if len(rec.OldRow) == 0 {
		return false
	}
	for field, before := range rec.OldRow {
		after, ok := targetRow[field]
		if !ok {
			continue
		}
		if !valuesEqual(before, after) {
			return true
		}
	}
	return false
}

func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func (r *jobRun) targetToken(targetRow model.Row) string {
	if r.table.TokenColumn == "" {
		return ""
	}
	switch t := targetRow[r.table.TokenColumn].(type) {
	case nil:
		return ""
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case int64:
		return strconv.FormatInt(t, 10)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func (r *jobRun) targetModifiedAt(targetRow model.Row) time.Time {
	if r.table.ModifiedColumn == "" {
		return time.Time{}
	}
	if ts, ok := targetRow[r.table.ModifiedColumn].(time.Time); ok {
		return ts
	}
	return time.Time{}
}

func (r *jobRun) loadPhase(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() { metrics.ObservePhase(r.job.DataType, "load", timer.Stop()) }()

	if r.job.DryRun {
		r.appendLog(ctx, model.LogInfo, "load",
			fmt.Sprintf("dry run: %d rows would load", len(r.batch)), nil)
		return nil
	}

	loader := load.New(r.o.deps.Target, r.o.deps.Store, r.o.retryPolicy(),
		r.o.deps.Cfg.MaxSubBatch, r.log)
	res, err := loader.Apply(ctx, r.job.ID, r.table.Name, r.table.PKColumns, r.batch)
	r.loadRes = res
	if res != nil {
		r.counters.Loaded = int64(res.Loaded + res.Replayed)
		r.counters.Retried += int64(res.Retries)
		metrics.RowsProcessed.WithLabelValues(r.job.DataType, "load", "ok").
			Add(float64(res.Loaded))
	}
	if err != nil {
		return err
	}

	r.commitWatermark(ctx)
	if len(res.Failed) == 0 && len(r.set.Baseline) > 0 {
		if err := r.o.deps.Store.PutRowHashes(ctx, r.table.Name, r.set.Baseline); err != nil {
			return err
		}
	}
	return nil
}

// commitWatermark advances the watermark to the highest token that is
// definitively handled: the full change set when every sub-batch
// committed, otherwise the last token before the first failed sub-batch.
func (r *jobRun) commitWatermark(ctx context.Context) {
	next := r.set.NextWatermark
	if r.loadRes != nil && len(r.loadRes.Failed) > 0 {
		firstFailed := r.loadRes.Failed[0].Seq
		boundary := firstFailed * r.o.deps.Cfg.MaxSubBatch
		if boundary == 0 {
			return
		}
		next = r.batch[boundary-1].SourceToken
	}
	if next == "" || next == r.startWatermark {
		return
	}
	err := r.o.deps.Store.CompareAndSetWatermark(ctx, r.job.DataType, r.job.Direction,
		r.startWatermark, next)
	if err != nil {
		r.log.Error("watermark commit failed", zap.Error(err))
		r.appendLog(ctx, model.LogError, "orchestrator",
			"watermark commit failed: "+err.Error(), nil)
		return
	}
	r.appendLog(ctx, model.LogInfo, "orchestrator",
		fmt.Sprintf("watermark advanced %q -> %q", r.startWatermark, next), nil)
}

func (r *jobRun) finalize(ctx context.Context, phaseErr error) {
	o := r.o
	var status model.JobStatus
	var errKind, errDetail string

	cancelled, _ := o.deps.Store.CancelRequested(ctx, r.job.ID)
	switch {
	case phaseErr != nil && cancelled &&
		(errors.Is(phaseErr, context.Canceled) || syncerrors.IsKind(phaseErr, syncerrors.KindTransient)):
		status = model.JobCancelled
		errKind = "cancelled"
		errDetail = "cancelled by request"
		// a cancelled load still advances past its committed prefix
		if r.loadRes != nil && r.loadRes.Loaded+r.loadRes.Replayed > 0 && len(r.loadRes.Failed) == 0 {
			committed := r.loadRes.Loaded + r.loadRes.Replayed
			if committed <= len(r.batch) {
				r.set.NextWatermark = r.batch[committed-1].SourceToken
				r.loadRes.Failed = nil
				r.commitWatermark(ctx)
			}
		}
	case phaseErr != nil:
		status = model.JobFailed
		errKind = string(syncerrors.KindOf(phaseErr))
		errDetail = phaseErr.Error()
		r.appendLog(ctx, model.LogError, "orchestrator", errDetail, nil)
	case r.loadRes != nil && len(r.loadRes.Failed) > 0:
		status = model.JobPartial
		errKind = string(syncerrors.KindOf(r.loadRes.Failed[0].Err))
		errDetail = fmt.Sprintf("%d sub-batches failed", len(r.loadRes.Failed))
	case r.counters.Invalid > 0 || r.pendingConf > 0:
		status = model.JobPartial
	default:
		status = model.JobSucceeded
	}

	if err := o.deps.Store.FinishJob(ctx, r.job.ID, status, r.counters, errKind, errDetail); err != nil {
		r.log.Error("finish job failed", zap.Error(err))
	}
	metrics.JobsTotal.WithLabelValues(r.job.DataType, string(r.job.Direction), string(status)).Inc()
	r.log.Info("job finished",
		zap.String("status", string(status)),
		zap.Int64("extracted", r.counters.Extracted),
		zap.Int64("loaded", r.counters.Loaded),
		zap.Int64("invalid", r.counters.Invalid),
		zap.Int64("conflicts", r.counters.Conflicts))

	if status == model.JobFailed && syncerrors.IsRetriable(phaseErr) {
		o.scheduleRetry(r.job, o.retryPolicy().Delay(1))
	}

	if !r.job.DryRun && status != model.JobFailed && r.counters.Loaded > 0 {
		r.captureStats(ctx)
		if o.deps.Quality != nil {
			o.deps.Quality.PostLoad(ctx, r.job.ID, r.table.Name)
		}
	}
	if o.deps.Alerts != nil {
		if done, err := o.deps.Store.GetJob(ctx, r.job.ID); err == nil {
			o.deps.Alerts.JobCompleted(ctx, done)
		}
	}
}

// finishFailed terminates a job that never got to run its phases.
func (o *Orchestrator) finishFailed(ctx context.Context, job *model.SyncJob, err error,
	counters model.JobCounters) {
	_ = o.deps.Store.MarkJobRunning(ctx, job.ID)
	if ferr := o.deps.Store.FinishJob(ctx, job.ID, model.JobFailed, counters,
		string(syncerrors.KindOf(err)), err.Error()); ferr != nil {
		o.deps.Log.Error("finish job failed", zap.String("job_id", job.ID), zap.Error(ferr))
	}
	metrics.JobsTotal.WithLabelValues(job.DataType, string(job.Direction), "failed").Inc()
}

// captureStats profiles the loaded rows per field and saves snapshots
// for the anomaly baselines.
func (r *jobRun) captureStats(ctx context.Context) {
	if len(r.batch) == 0 {
		return
	}
	type agg struct {
		count, nulls int64
		sum, sumSq   float64
		numeric      int64
		cats         map[string]int64
	}
	fields := map[string]*agg{}
	for _, rec := range r.batch {
		if rec.Op == model.OpDelete {
			continue
		}
		for f, v := range rec.NewRow {
			a := fields[f]
			if a == nil {
				a = &agg{cats: map[string]int64{}}
				fields[f] = a
			}
			a.count++
			if v == nil {
				a.nulls++
				continue
			}
			if n, ok := toNumber(v); ok {
				a.numeric++
				a.sum += n
				a.sumSq += n * n
				continue
			}
			if len(a.cats) < 64 {
				a.cats[fmt.Sprintf("%v", v)]++
			}
		}
	}

	now := r.o.deps.Clock()
	snaps := make([]model.StatSnapshot, 0, len(fields))
	for f, a := range fields {
		snap := model.StatSnapshot{
			Table:      r.table.Name,
			Field:      f,
			Count:      a.count,
			NullCount:  a.nulls,
			CapturedAt: now,
		}
		if a.numeric > 0 {
			mean := a.sum / float64(a.numeric)
			snap.Mean = mean
			variance := a.sumSq/float64(a.numeric) - mean*mean
			if variance > 0 {
				snap.StdDev = math.Sqrt(variance)
			}
		}
		if len(a.cats) > 0 {
			if b, err := json.Marshal(a.cats); err == nil {
				snap.Categories = string(b)
			}
		}
		snaps = append(snaps, snap)
	}
	if err := r.o.deps.Store.SaveStatSnapshots(ctx, snaps); err != nil {
		r.log.Warn("stat snapshot save failed", zap.Error(err))
	}
}

func (r *jobRun) appendLog(ctx context.Context, level model.LogLevel, component, msg string,
	detail map[string]interface{}) {
	if err := r.o.deps.Store.AppendLog(ctx, r.job.ID, level, component, msg, detail); err != nil {
		r.log.Warn("audit log append failed", zap.Error(err))
	}
}

// savePhaseCheckpoint records the batch at a phase boundary. Failures
// are logged, not fatal: the loader's sub-batch checkpoints carry the
// replay guarantee.
func (r *jobRun) savePhaseCheckpoint(ctx context.Context, stage string) {
	committed, err := r.o.deps.Store.CommittedCheckpoints(ctx, r.job.ID, stage)
	if err == nil && len(committed) > 0 {
		return
	}
	if _, err := r.o.deps.Store.SaveCheckpoint(ctx, r.job.ID, stage, 0, r.batch); err != nil {
		r.log.Debug("phase checkpoint save failed",
			zap.String("stage", stage), zap.Error(err))
	}
}

func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
