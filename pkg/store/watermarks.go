package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// GetWatermark returns the committed token for a pair; empty string when
// the pair has never synced.
func (s *Store) GetWatermark(ctx context.Context, dataType string, dir model.Direction) (string, error) {
	var wm model.Watermark
	err := s.db.WithContext(ctx).
		Where("data_type = ? AND direction = ?", dataType, dir).
		First(&wm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", syncerrors.Wrap(err, syncerrors.KindTransient, "store", "get watermark")
	}
	return wm.Token, nil
}

// CompareAndSetWatermark advances the watermark from prev to next. The
// update succeeds only when the stored token still equals prev, which
// serializes committers per pair. Regressions are integrity errors.
func (s *Store) CompareAndSetWatermark(ctx context.Context, dataType string,
	dir model.Direction, prev, next string) error {
	if prev != "" && model.CompareTokens(next, prev) <= 0 {
		return syncerrors.Newf(syncerrors.KindIntegrity, "store",
			"watermark regression for (%s, %s): %s -> %s", dataType, dir, prev, next)
	}

	if prev == "" {
		wm := model.Watermark{
			DataType:  dataType,
			Direction: dir,
			Token:     next,
			UpdatedAt: time.Now(),
		}
		err := s.db.WithContext(ctx).Create(&wm).Error
		if err != nil {
			// Row appeared concurrently; fall through to the guarded update
			// against the empty token, which will report the lost race.
			res := s.db.WithContext(ctx).Model(&model.Watermark{}).
				Where("data_type = ? AND direction = ? AND token = ?", dataType, dir, "").
				Updates(map[string]interface{}{"token": next, "updated_at": time.Now()})
			if res.Error != nil {
				return syncerrors.Wrap(res.Error, syncerrors.KindTransient, "store", "set watermark")
			}
			if res.RowsAffected == 0 {
				return syncerrors.Newf(syncerrors.KindConflict, "store",
					"watermark for (%s, %s) changed concurrently", dataType, dir)
			}
		}
		return nil
	}

	res := s.db.WithContext(ctx).Model(&model.Watermark{}).
		Where("data_type = ? AND direction = ? AND token = ?", dataType, dir, prev).
		Updates(map[string]interface{}{"token": next, "updated_at": time.Now()})
	if res.Error != nil {
		return syncerrors.Wrap(res.Error, syncerrors.KindTransient, "store", "cas watermark")
	}
	if res.RowsAffected == 0 {
		return syncerrors.Newf(syncerrors.KindConflict, "store",
			"watermark for (%s, %s) no longer at %s", dataType, dir, prev)
	}
	return nil
}
