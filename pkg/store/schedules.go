package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// PutSchedule creates or replaces a named schedule.
func (s *Store) PutSchedule(ctx context.Context, sched *model.SyncSchedule) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.SyncSchedule
		err := tx.Where("name = ?", sched.Name).First(&existing).Error
		switch {
		case err == nil:
			sched.ID = existing.ID
			sched.LastFired = existing.LastFired
			sched.UpdatedAt = time.Now()
			if err := tx.Save(sched).Error; err != nil {
				return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "update schedule")
			}
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			sched.UpdatedAt = time.Now()
			if err := tx.Create(sched).Error; err != nil {
				return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "create schedule")
			}
			return nil
		default:
			return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "lookup schedule")
		}
	})
}

// GetSchedule fetches a schedule by name.
func (s *Store) GetSchedule(ctx context.Context, name string) (*model.SyncSchedule, error) {
	var sched model.SyncSchedule
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&sched).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, syncerrors.Newf(syncerrors.KindNotFound, "store", "schedule %s not found", name)
	}
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "get schedule")
	}
	return &sched, nil
}

// ListSchedules returns all schedules.
func (s *Store) ListSchedules(ctx context.Context) ([]model.SyncSchedule, error) {
	var out []model.SyncSchedule
	if err := s.db.WithContext(ctx).Order("name").Find(&out).Error; err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "list schedules")
	}
	return out, nil
}

// SetScheduleEnabled pauses or resumes a schedule.
func (s *Store) SetScheduleEnabled(ctx context.Context, name string, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&model.SyncSchedule{}).
		Where("name = ?", name).
		Update("enabled", enabled)
	if res.Error != nil {
		return syncerrors.Wrap(res.Error, syncerrors.KindTransient, "store", "set schedule enabled")
	}
	if res.RowsAffected == 0 {
		return syncerrors.Newf(syncerrors.KindNotFound, "store", "schedule %s not found", name)
	}
	return nil
}

// RecordScheduleFire updates last-fired and next-fire after dispatch.
func (s *Store) RecordScheduleFire(ctx context.Context, name string, fired, next time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.SyncSchedule{}).
		Where("name = ?", name).
		Updates(map[string]interface{}{"last_fired": fired, "next_fire": next})
	if res.Error != nil {
		return syncerrors.Wrap(res.Error, syncerrors.KindTransient, "store", "record schedule fire")
	}
	return nil
}

// SetScheduleNextFire updates only the next-fire instant.
func (s *Store) SetScheduleNextFire(ctx context.Context, name string, next time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.SyncSchedule{}).
		Where("name = ?", name).
		Update("next_fire", next)
	if res.Error != nil {
		return syncerrors.Wrap(res.Error, syncerrors.KindTransient, "store", "set next fire")
	}
	return nil
}
