package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// BeginJob creates a pending job for the pair, enforcing at-most-one
// non-terminal job per (data-type, direction). Returns a conflict error
// when another job is still active.
func (s *Store) BeginJob(ctx context.Context, job *model.SyncJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = model.JobPending
	job.CreatedAt = time.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active model.SyncJob
		err := tx.Where("data_type = ? AND direction = ? AND status IN ?",
			job.DataType, job.Direction,
			[]model.JobStatus{model.JobPending, model.JobRunning}).
			First(&active).Error
		if err == nil {
			return syncerrors.Newf(syncerrors.KindConflict, "store",
				"job %s already active for (%s, %s)", active.ID, job.DataType, job.Direction).
				WithDetail("active_job_id", active.ID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "check active job")
		}
		if err := tx.Create(job).Error; err != nil {
			// the active-pair unique index catches races the First
			// above cannot see under Read Committed
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return syncerrors.Newf(syncerrors.KindConflict, "store",
					"job already active for (%s, %s)", job.DataType, job.Direction)
			}
			return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "create job")
		}
		return nil
	})
	return err
}

// MarkJobRunning transitions a pending job to running.
func (s *Store) MarkJobRunning(ctx context.Context, jobID string) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.SyncJob{}).
		Where("id = ? AND status = ?", jobID, model.JobPending).
		Updates(map[string]interface{}{"status": model.JobRunning, "started_at": now})
	if res.Error != nil {
		return syncerrors.Wrap(res.Error, syncerrors.KindTransient, "store", "mark job running")
	}
	if res.RowsAffected == 0 {
		return syncerrors.Newf(syncerrors.KindConflict, "store", "job %s is not pending", jobID)
	}
	return nil
}

// FinishJob records the terminal status, counters, and error detail.
func (s *Store) FinishJob(ctx context.Context, jobID string, status model.JobStatus,
	counters model.JobCounters, errKind, errDetail string) error {
	if !status.Terminal() {
		return syncerrors.Newf(syncerrors.KindInternal, "store",
			"finish with non-terminal status %s", status)
	}
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.SyncJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":                   status,
			"ended_at":                 now,
			"error_kind":               errKind,
			"error_detail":             errDetail,
			"count_extracted":          counters.Extracted,
			"count_transformed":        counters.Transformed,
			"count_valid":              counters.Valid,
			"count_invalid":            counters.Invalid,
			"count_loaded":             counters.Loaded,
			"count_conflicts":          counters.Conflicts,
			"count_conflicts_excluded": counters.ConflictsExcluded,
			"count_retried":            counters.Retried,
		})
	if res.Error != nil {
		return syncerrors.Wrap(res.Error, syncerrors.KindTransient, "store", "finish job")
	}
	return nil
}

// UpdateJobCounters persists an in-flight counter snapshot.
func (s *Store) UpdateJobCounters(ctx context.Context, jobID string, counters model.JobCounters) error {
	res := s.db.WithContext(ctx).Model(&model.SyncJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"count_extracted":          counters.Extracted,
			"count_transformed":        counters.Transformed,
			"count_valid":              counters.Valid,
			"count_invalid":            counters.Invalid,
			"count_loaded":             counters.Loaded,
			"count_conflicts":          counters.Conflicts,
			"count_conflicts_excluded": counters.ConflictsExcluded,
			"count_retried":            counters.Retried,
		})
	if res.Error != nil {
		return syncerrors.Wrap(res.Error, syncerrors.KindTransient, "store", "update counters")
	}
	return nil
}

// AppendJobNotes adds post-mortem notes to a terminal job without touching
// anything else.
func (s *Store) AppendJobNotes(ctx context.Context, jobID, notes string) error {
	res := s.db.WithContext(ctx).Model(&model.SyncJob{}).
		Where("id = ?", jobID).
		Update("notes", notes)
	if res.Error != nil {
		return syncerrors.Wrap(res.Error, syncerrors.KindTransient, "store", "append notes")
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*model.SyncJob, error) {
	var job model.SyncJob
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, syncerrors.Newf(syncerrors.KindNotFound, "store", "job %s not found", jobID)
	}
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "get job")
	}
	return &job, nil
}

// ActiveJob returns the currently pending/running job for a pair, if any.
func (s *Store) ActiveJob(ctx context.Context, dataType string, dir model.Direction) (*model.SyncJob, error) {
	var job model.SyncJob
	err := s.db.WithContext(ctx).
		Where("data_type = ? AND direction = ? AND status IN ?", dataType, dir,
			[]model.JobStatus{model.JobPending, model.JobRunning}).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "active job")
	}
	return &job, nil
}

// JobQuery filters ListJobs.
type JobQuery struct {
	Status model.JobStatus
	Since  time.Time
	Until  time.Time
	Limit  int
}

// ListJobs returns jobs matching the query, newest first.
func (s *Store) ListJobs(ctx context.Context, q JobQuery) ([]model.SyncJob, error) {
	tx := s.db.WithContext(ctx).Model(&model.SyncJob{}).Order("created_at DESC")
	if q.Status != "" {
		tx = tx.Where("status = ?", q.Status)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("created_at >= ?", q.Since)
	}
	if !q.Until.IsZero() {
		tx = tx.Where("created_at < ?", q.Until)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var jobs []model.SyncJob
	if err := tx.Find(&jobs).Error; err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "list jobs")
	}
	return jobs, nil
}

// RequestCancel flags a running job for cooperative cancellation. The
// orchestrator polls this flag at sub-batch boundaries.
func (s *Store) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.SyncJob{}).
		Where("id = ? AND status IN ?", jobID,
			[]model.JobStatus{model.JobPending, model.JobRunning}).
		Update("cancel_requested", true)
	if res.Error != nil {
		return false, syncerrors.Wrap(res.Error, syncerrors.KindTransient, "store", "request cancel")
	}
	return res.RowsAffected > 0, nil
}

// CancelRequested reports whether a cancel has been requested for the job.
func (s *Store) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var job model.SyncJob
	err := s.db.WithContext(ctx).Select("cancel_requested").First(&job, "id = ?", jobID).Error
	if err != nil {
		return false, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "cancel requested")
	}
	return job.CancelRequested, nil
}
