// Package store implements the audit and log store: the persistence layer
// for jobs, logs, schedules, watermarks, mappings, conflicts, checkpoints,
// and quality entities. Logs, checkpoints, and notifications are
// append-only; nothing here rewrites history outside the explicit
// retention sweep.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// Store is the audit store handle. Safe for concurrent use; gorm manages
// the underlying pool.
type Store struct {
	db *gorm.DB
}

// Open connects to the audit database and migrates the schema. DSNs
// beginning with postgres:// (or containing host=) open Postgres; anything
// else is treated as a SQLite path.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "store", "open audit db")
	}

	if err := db.AutoMigrate(
		&model.SyncJob{},
		&model.SyncLog{},
		&model.SyncSchedule{},
		&model.Watermark{},
		&model.Mapping{},
		&model.TableConfiguration{},
		&model.FieldConfiguration{},
		&model.SyncConflict{},
		&model.CheckpointSnapshot{},
		&model.QualityRule{},
		&model.QualityIssue{},
		&model.DataAnomaly{},
		&model.QualityAlert{},
		&model.Notification{},
		&model.RowHashBaseline{},
		&model.StatSnapshot{},
	); err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindIntegrity, "store", "migrate audit schema")
	}

	// Postgres runs Read Committed, so the check-then-insert in BeginJob
	// can interleave; this index makes the one-active-job-per-pair
	// invariant hold at the database. SQLite and Postgres both support
	// partial unique indexes.
	if err := db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_jobs_active_pair
		 ON sync_jobs (data_type, direction)
		 WHERE status IN ('pending', 'running')`).Error; err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindIntegrity, "store", "create active-pair index")
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying gorm handle for tests.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping verifies the audit database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "audit db handle")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return syncerrors.Wrap(err, syncerrors.KindTransient, "store", "audit db ping")
	}
	return nil
}

// Close releases the underlying connections.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RetentionSweep deletes sync logs and terminal notifications older than
// the given ages. This is the only deletion path for either table.
func (s *Store) RetentionSweep(ctx context.Context, logAge, notificationAge time.Duration) (int64, error) {
	var purged int64

	res := s.db.WithContext(ctx).
		Where("created_at < ?", time.Now().Add(-logAge)).
		Delete(&model.SyncLog{})
	if res.Error != nil {
		return purged, syncerrors.Wrap(res.Error, syncerrors.KindTransient, "store", "sweep sync_log")
	}
	purged += res.RowsAffected

	res = s.db.WithContext(ctx).
		Where("created_at < ? AND status IN ?",
			time.Now().Add(-notificationAge),
			[]model.NotificationStatus{model.NotifyDelivered, model.NotifyFailed, model.NotifyRead}).
		Delete(&model.Notification{})
	if res.Error != nil {
		return purged, syncerrors.Wrap(res.Error, syncerrors.KindTransient, "store", "sweep notification")
	}
	purged += res.RowsAffected

	return purged, nil
}
