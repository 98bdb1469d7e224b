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

// CreateConflict records a sync conflict.
func (s *Store) CreateConflict(ctx context.Context, c *model.SyncConflict) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now()
	}
	if c.Resolution == "" {
		c.Resolution = model.ResolutionPending
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "create conflict")
	}
	return nil
}

// GetConflict fetches a conflict by ID.
func (s *Store) GetConflict(ctx context.Context, id string) (*model.SyncConflict, error) {
	var c model.SyncConflict
	err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, syncerrors.Newf(syncerrors.KindNotFound, "store", "conflict %s not found", id)
	}
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "get conflict")
	}
	return &c, nil
}

// ListConflicts returns conflicts filtered by resolution status and table.
func (s *Store) ListConflicts(ctx context.Context, resolution model.ConflictResolution,
	table string) ([]model.SyncConflict, error) {
	tx := s.db.WithContext(ctx).Model(&model.SyncConflict{}).Order("detected_at DESC")
	if resolution != "" {
		tx = tx.Where("resolution = ?", resolution)
	}
	if table != "" {
		tx = tx.Where("table_name = ?", table)
	}
	var out []model.SyncConflict
	if err := tx.Find(&out).Error; err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "list conflicts")
	}
	return out, nil
}

// ResolveConflict records the resolution of a pending conflict.
func (s *Store) ResolveConflict(ctx context.Context, id string,
	resolution model.ConflictResolution, resolverID string) error {
	if resolution == model.ResolutionPending {
		return syncerrors.New(syncerrors.KindConfig, "store", "cannot resolve to pending")
	}
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.SyncConflict{}).
		Where("id = ? AND resolution = ?", id, model.ResolutionPending).
		Updates(map[string]interface{}{
			"resolution":  resolution,
			"resolver_id": resolverID,
			"resolved_at": now,
		})
	if res.Error != nil {
		return syncerrors.Wrap(res.Error, syncerrors.KindTransient, "store", "resolve conflict")
	}
	if res.RowsAffected == 0 {
		return syncerrors.Newf(syncerrors.KindNotFound, "store",
			"conflict %s not found or already resolved", id)
	}
	return nil
}
