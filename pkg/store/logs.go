package store

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// AppendLog writes one append-only job event. Structured detail is
// serialized as JSON; a nil detail stores an empty string.
func (s *Store) AppendLog(ctx context.Context, jobID string, level model.LogLevel,
	component, message string, detail map[string]interface{}) error {
	entry := model.SyncLog{
		JobID:     jobID,
		Level:     level,
		Component: component,
		Message:   message,
		CreatedAt: time.Now(),
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err == nil {
			entry.Detail = string(raw)
		}
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "append log")
	}
	return nil
}

// LogQuery filters Logs.
type LogQuery struct {
	Level  model.LogLevel // minimum level; empty means all
	Since  time.Time
	Offset int
	Limit  int
}

// Logs returns events for a job, oldest first, paged.
func (s *Store) Logs(ctx context.Context, jobID string, q LogQuery) ([]model.SyncLog, error) {
	tx := s.db.WithContext(ctx).Model(&model.SyncLog{}).
		Where("job_id = ?", jobID).
		Order("id ASC")
	if q.Level != "" {
		levels := make([]model.LogLevel, 0, 4)
		for _, l := range []model.LogLevel{model.LogDebug, model.LogInfo, model.LogWarn, model.LogError} {
			if l.Rank() >= q.Level.Rank() {
				levels = append(levels, l)
			}
		}
		tx = tx.Where("level IN ?", levels)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("created_at >= ?", q.Since)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var logs []model.SyncLog
	if err := tx.Find(&logs).Error; err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "list logs")
	}
	return logs, nil
}

// LastErrorLog returns the most recent error-level event for a job, or nil.
func (s *Store) LastErrorLog(ctx context.Context, jobID string) (*model.SyncLog, error) {
	var entry model.SyncLog
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND level = ?", jobID, model.LogError).
		Order("id DESC").
		Limit(1).
		Find(&entry).Error
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "last error log")
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}
