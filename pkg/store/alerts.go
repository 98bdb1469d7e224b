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

// PutAlert creates or replaces an alert policy.
func (s *Store) PutAlert(ctx context.Context, alert *model.QualityAlert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	alert.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(alert).Error; err != nil {
		return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "put alert")
	}
	return nil
}

// GetAlert fetches an alert policy by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*model.QualityAlert, error) {
	var alert model.QualityAlert
	err := s.db.WithContext(ctx).First(&alert, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, syncerrors.Newf(syncerrors.KindNotFound, "store", "alert %s not found", id)
	}
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "get alert")
	}
	return &alert, nil
}

// ListAlerts returns alert policies, optionally enabled only.
func (s *Store) ListAlerts(ctx context.Context, enabledOnly bool) ([]model.QualityAlert, error) {
	tx := s.db.WithContext(ctx).Model(&model.QualityAlert{}).Order("name")
	if enabledOnly {
		tx = tx.Where("enabled = ?", true)
	}
	var out []model.QualityAlert
	if err := tx.Find(&out).Error; err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "list alerts")
	}
	return out, nil
}

// IncrementTriggered atomically bumps the firing counter. Called for every
// match, including throttled ones.
func (s *Store) IncrementTriggered(ctx context.Context, alertID string) error {
	res := s.db.WithContext(ctx).Model(&model.QualityAlert{}).
		Where("id = ?", alertID).
		Update("triggered_count", gorm.Expr("triggered_count + 1"))
	if res.Error != nil {
		return syncerrors.Wrap(res.Error, syncerrors.KindTransient, "store", "increment triggered")
	}
	return nil
}

// MarkAlertFired sets the last-fired instant after a dispatched firing.
func (s *Store) MarkAlertFired(ctx context.Context, alertID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.QualityAlert{}).
		Where("id = ?", alertID).
		Update("last_fired_at", at)
	if res.Error != nil {
		return syncerrors.Wrap(res.Error, syncerrors.KindTransient, "store", "mark alert fired")
	}
	return nil
}

// CreateNotification appends a delivery record in pending state.
func (s *Store) CreateNotification(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = model.NotifyPending
	}
	n.CreatedAt = time.Now()
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "create notification")
	}
	return nil
}

// TransitionNotification moves a notification along the permitted delivery
// DAG, recording attempt counts and errors as it goes.
func (s *Store) TransitionNotification(ctx context.Context, id string,
	to model.NotificationStatus, attempts int, lastError string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n model.Notification
		if err := tx.First(&n, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return syncerrors.Newf(syncerrors.KindNotFound, "store", "notification %s not found", id)
			}
			return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "get notification")
		}
		if !model.CanTransition(n.Status, to) {
			return syncerrors.Newf(syncerrors.KindIntegrity, "store",
				"notification %s cannot move %s -> %s", id, n.Status, to)
		}

		now := time.Now()
		updates := map[string]interface{}{
			"status":     to,
			"attempts":   attempts,
			"last_error": lastError,
		}
		switch to {
		case model.NotifySent:
			updates["sent_at"] = now
		case model.NotifyDelivered:
			updates["delivered_at"] = now
		case model.NotifyRead:
			updates["read_at"] = now
		}
		if err := tx.Model(&model.Notification{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "transition notification")
		}
		return nil
	})
}

// GetNotification fetches a delivery record.
func (s *Store) GetNotification(ctx context.Context, id string) (*model.Notification, error) {
	var n model.Notification
	err := s.db.WithContext(ctx).First(&n, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, syncerrors.Newf(syncerrors.KindNotFound, "store", "notification %s not found", id)
	}
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "get notification")
	}
	return &n, nil
}

// ListNotifications returns delivery records by status, newest first.
func (s *Store) ListNotifications(ctx context.Context, status model.NotificationStatus,
	limit int) ([]model.Notification, error) {
	tx := s.db.WithContext(ctx).Model(&model.Notification{}).Order("created_at DESC")
	if status != "" {
		tx = tx.Where("status = ?", status)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var out []model.Notification
	if err := tx.Find(&out).Error; err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "list notifications")
	}
	return out, nil
}
