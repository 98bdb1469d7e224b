package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// GetTableConfiguration fetches a table configuration by table name.
func (s *Store) GetTableConfiguration(ctx context.Context, table string) (*model.TableConfiguration, error) {
	var tc model.TableConfiguration
	err := s.db.WithContext(ctx).Where("table_name = ?", table).First(&tc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, syncerrors.Newf(syncerrors.KindNotFound, "store",
			"table configuration %s not found", table)
	}
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "get table configuration")
	}
	return &tc, nil
}

// PutTableConfiguration creates or versions a table configuration.
func (s *Store) PutTableConfiguration(ctx context.Context, tc *model.TableConfiguration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.TableConfiguration
		err := tx.Where("table_name = ?", tc.Table).First(&existing).Error
		switch {
		case err == nil:
			tc.ID = existing.ID
			tc.Version = existing.Version + 1
			if err := tx.Save(tc).Error; err != nil {
				return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "update table configuration")
			}
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			tc.Version = 1
			if err := tx.Create(tc).Error; err != nil {
				return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "create table configuration")
			}
			return nil
		default:
			return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "lookup table configuration")
		}
	})
}

// ListTableConfigurations returns all table configurations.
func (s *Store) ListTableConfigurations(ctx context.Context) ([]model.TableConfiguration, error) {
	var out []model.TableConfiguration
	if err := s.db.WithContext(ctx).Order("table_name").Find(&out).Error; err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "list table configurations")
	}
	return out, nil
}

// FieldConfigurations returns the field configurations for a table.
func (s *Store) FieldConfigurations(ctx context.Context, table string) ([]model.FieldConfiguration, error) {
	var out []model.FieldConfiguration
	err := s.db.WithContext(ctx).
		Where("table_name = ?", table).
		Order("field").
		Find(&out).Error
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "list field configurations")
	}
	return out, nil
}

// PutFieldConfiguration creates or replaces a (table, field) configuration.
func (s *Store) PutFieldConfiguration(ctx context.Context, fc *model.FieldConfiguration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.FieldConfiguration
		err := tx.Where("table_name = ? AND field = ?", fc.Table, fc.Field).First(&existing).Error
		switch {
		case err == nil:
			fc.ID = existing.ID
			if err := tx.Save(fc).Error; err != nil {
				return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "update field configuration")
			}
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(fc).Error; err != nil {
				return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "create field configuration")
			}
			return nil
		default:
			return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "lookup field configuration")
		}
	})
}
