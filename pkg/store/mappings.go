package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// ListMappings returns every mapping name grouped by data type.
func (s *Store) ListMappings(ctx context.Context) (map[string][]string, error) {
	var mappings []model.Mapping
	if err := s.db.WithContext(ctx).Order("data_type, name").Find(&mappings).Error; err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "list mappings")
	}
	out := make(map[string][]string)
	for _, m := range mappings {
		out[m.DataType] = append(out[m.DataType], m.Name)
	}
	return out, nil
}

// GetMapping returns the target-to-source field map for (data-type, name).
// Names are case-insensitive.
func (s *Store) GetMapping(ctx context.Context, dataType, name string) (map[string]string, error) {
	var m model.Mapping
	err := s.db.WithContext(ctx).
		Where("data_type = ? AND name = ?", dataType, strings.ToLower(name)).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, syncerrors.Newf(syncerrors.KindNotFound, "store",
			"mapping %s/%s not found", dataType, name)
	}
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "get mapping")
	}
	fields := make(map[string]string)
	if err := json.Unmarshal([]byte(m.Fields), &fields); err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindIntegrity, "store", "decode mapping fields")
	}
	return fields, nil
}

// CreateMapping stores a named field map. Fails when the name exists and
// overwrite is false.
func (s *Store) CreateMapping(ctx context.Context, dataType, name string,
	fields map[string]string, overwrite bool) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return syncerrors.Wrap(err, syncerrors.KindInternal, "store", "encode mapping fields")
	}
	lower := strings.ToLower(name)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Mapping
		err := tx.Where("data_type = ? AND name = ?", dataType, lower).First(&existing).Error
		switch {
		case err == nil:
			if !overwrite {
				return syncerrors.Newf(syncerrors.KindExists, "store",
					"mapping %s/%s already exists", dataType, name)
			}
			existing.Fields = string(raw)
			existing.UpdatedAt = time.Now()
			if err := tx.Save(&existing).Error; err != nil {
				return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "update mapping")
			}
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			m := model.Mapping{
				DataType:  dataType,
				Name:      lower,
				Fields:    string(raw),
				UpdatedAt: time.Now(),
			}
			if err := tx.Create(&m).Error; err != nil {
				return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "create mapping")
			}
			return nil
		default:
			return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "lookup mapping")
		}
	})
}

// DeleteMapping removes a named mapping.
func (s *Store) DeleteMapping(ctx context.Context, dataType, name string) error {
	res := s.db.WithContext(ctx).
		Where("data_type = ? AND name = ?", dataType, strings.ToLower(name)).
		Delete(&model.Mapping{})
	if res.Error != nil {
		return syncerrors.Wrap(res.Error, syncerrors.KindTransient, "store", "delete mapping")
	}
	if res.RowsAffected == 0 {
		return syncerrors.Newf(syncerrors.KindNotFound, "store",
			"mapping %s/%s not found", dataType, name)
	}
	return nil
}
