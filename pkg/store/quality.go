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

// PutRule creates or replaces a quality rule.
func (s *Store) PutRule(ctx context.Context, rule *model.QualityRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "put rule")
	}
	return nil
}

// GetRule fetches a rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (*model.QualityRule, error) {
	var rule model.QualityRule
	err := s.db.WithContext(ctx).First(&rule, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, syncerrors.Newf(syncerrors.KindNotFound, "store", "rule %s not found", id)
	}
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "get rule")
	}
	return &rule, nil
}

// ListRules returns rules, optionally restricted to one table and to
// enabled rules only.
func (s *Store) ListRules(ctx context.Context, table string, enabledOnly bool) ([]model.QualityRule, error) {
	tx := s.db.WithContext(ctx).Model(&model.QualityRule{}).Order("name")
	if table != "" {
		tx = tx.Where("table_name = ?", table)
	}
	if enabledOnly {
		tx = tx.Where("enabled = ?", true)
	}
	var out []model.QualityRule
	if err := tx.Find(&out).Error; err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "list rules")
	}
	return out, nil
}

// CreateIssues persists a batch of quality issues.
func (s *Store) CreateIssues(ctx context.Context, issues []model.QualityIssue) error {
	if len(issues) == 0 {
		return nil
	}
	for i := range issues {
		if issues[i].ID == "" {
			issues[i].ID = uuid.NewString()
		}
		if issues[i].Status == "" {
			issues[i].Status = model.IssueOpen
		}
		if issues[i].DetectedAt.IsZero() {
			issues[i].DetectedAt = time.Now()
		}
	}
	if err := s.db.WithContext(ctx).CreateInBatches(issues, 200).Error; err != nil {
		return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "create issues")
	}
	return nil
}

// ListIssues returns issues filtered by severity and status, newest first.
func (s *Store) ListIssues(ctx context.Context, severity model.Severity,
	status model.IssueStatus, limit int) ([]model.QualityIssue, error) {
	tx := s.db.WithContext(ctx).Model(&model.QualityIssue{}).Order("detected_at DESC")
	if severity != "" {
		tx = tx.Where("severity = ?", severity)
	}
	if status != "" {
		tx = tx.Where("status = ?", status)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var out []model.QualityIssue
	if err := tx.Find(&out).Error; err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "list issues")
	}
	return out, nil
}

// SetIssueStatus advances an issue's lifecycle.
func (s *Store) SetIssueStatus(ctx context.Context, id string, status model.IssueStatus) error {
	updates := map[string]interface{}{"status": status}
	if status == model.IssueResolved {
		updates["resolved_at"] = time.Now()
	}
	res := s.db.WithContext(ctx).Model(&model.QualityIssue{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return syncerrors.Wrap(res.Error, syncerrors.KindTransient, "store", "set issue status")
	}
	if res.RowsAffected == 0 {
		return syncerrors.Newf(syncerrors.KindNotFound, "store", "issue %s not found", id)
	}
	return nil
}

// CreateAnomalies persists detector findings.
func (s *Store) CreateAnomalies(ctx context.Context, anomalies []model.DataAnomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	for i := range anomalies {
		if anomalies[i].ID == "" {
			anomalies[i].ID = uuid.NewString()
		}
		if anomalies[i].Status == "" {
			anomalies[i].Status = model.IssueOpen
		}
		if anomalies[i].DetectedAt.IsZero() {
			anomalies[i].DetectedAt = time.Now()
		}
	}
	if err := s.db.WithContext(ctx).CreateInBatches(anomalies, 200).Error; err != nil {
		return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "create anomalies")
	}
	return nil
}

// ListAnomalies returns anomalies filtered by status.
func (s *Store) ListAnomalies(ctx context.Context, status model.IssueStatus,
	limit int) ([]model.DataAnomaly, error) {
	tx := s.db.WithContext(ctx).Model(&model.DataAnomaly{}).Order("detected_at DESC")
	if status != "" {
		tx = tx.Where("status = ?", status)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var out []model.DataAnomaly
	if err := tx.Find(&out).Error; err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "list anomalies")
	}
	return out, nil
}

// SaveStatSnapshots appends profile rows captured post-load.
func (s *Store) SaveStatSnapshots(ctx context.Context, snaps []model.StatSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	for i := range snaps {
		if snaps[i].CapturedAt.IsZero() {
			snaps[i].CapturedAt = time.Now()
		}
	}
	if err := s.db.WithContext(ctx).CreateInBatches(snaps, 200).Error; err != nil {
		return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "save stat snapshots")
	}
	return nil
}

// StatFields lists the fields with at least one snapshot for a table.
func (s *Store) StatFields(ctx context.Context, table string) ([]string, error) {
	var out []string
	err := s.db.WithContext(ctx).Model(&model.StatSnapshot{}).
		Where("table_name = ?", table).
		Distinct("field").
		Order("field").
		Pluck("field", &out).Error
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "stat fields")
	}
	return out, nil
}

// RecentStatSnapshots returns the newest n snapshots for (table, field),
// newest first. Detectors use these as their baseline window.
func (s *Store) RecentStatSnapshots(ctx context.Context, table, field string,
	n int) ([]model.StatSnapshot, error) {
	var out []model.StatSnapshot
	err := s.db.WithContext(ctx).
		Where("table_name = ? AND field = ?", table, field).
		Order("captured_at DESC").
		Limit(n).
		Find(&out).Error
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "recent stat snapshots")
	}
	return out, nil
}

// RowHashes returns the hash baseline for a table keyed by row key.
func (s *Store) RowHashes(ctx context.Context, table string) (map[string]string, error) {
	var rows []model.RowHashBaseline
	err := s.db.WithContext(ctx).
		Where("table_name = ?", table).
		Find(&rows).Error
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "row hashes")
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Hash
	}
	return out, nil
}

// PutRowHashes upserts baseline hashes; an empty hash deletes the key.
func (s *Store) PutRowHashes(ctx context.Context, table string, hashes map[string]string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for key, hash := range hashes {
			if hash == "" {
				if err := tx.Where("table_name = ? AND key = ?", table, key).
					Delete(&model.RowHashBaseline{}).Error; err != nil {
					return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "delete row hash")
				}
				continue
			}
			var existing model.RowHashBaseline
			err := tx.Where("table_name = ? AND key = ?", table, key).First(&existing).Error
			switch {
			case err == nil:
				existing.Hash = hash
				existing.UpdatedAt = time.Now()
				if err := tx.Save(&existing).Error; err != nil {
					return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "update row hash")
				}
			case errors.Is(err, gorm.ErrRecordNotFound):
				row := model.RowHashBaseline{
					Table:     table,
					Key:       key,
					Hash:      hash,
					UpdatedAt: time.Now(),
				}
				if err := tx.Create(&row).Error; err != nil {
					return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "create row hash")
				}
			default:
				return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "lookup row hash")
			}
		}
		return nil
	})
}
