// Package model defines the persistent and in-flight data model for
// syncbridge: jobs, logs, schedules, watermarks, mappings, conflicts,
// checkpoints, and the quality/alerting entities. Persisted types carry
// gorm tags; the audit store owns migration.
package model

import (
	"time"
)

// Direction is the sync direction for a job or schedule.
type Direction string

const (
	// DirectionUp moves data from the source of record outward
	DirectionUp Direction = "up"
	// DirectionDown moves data from the authoritative target back down
	DirectionDown Direction = "down"
)

// Valid reports whether the direction is a recognized value.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// JobStatus is the lifecycle state of a SyncJob.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobPartial   JobStatus = "partial"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobPartial, JobFailed, JobCancelled:
		return true
	}
	return false
}

// JobCounters tracks per-phase row counts for a job.
type JobCounters struct {
	Extracted         int64 `json:"extracted"`
	Transformed       int64 `json:"transformed"`
	Valid             int64 `json:"valid"`
	Invalid           int64 `json:"invalid"`
	Loaded            int64 `json:"loaded"`
	Conflicts         int64 `json:"conflicts"`
	ConflictsExcluded int64 `json:"conflicts_excluded"`
	Retried           int64 `json:"retried"`
}

// SyncJob is one sync run for a (data-type, direction) pair. Immutable
// after reaching a terminal status except for post-mortem notes.
type SyncJob struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	DataType    string    `gorm:"index:idx_job_pair;size:128" json:"data_type"`
	Direction   Direction `gorm:"index:idx_job_pair;size:8" json:"direction"`
	Status      JobStatus `gorm:"index;size:16" json:"status"`
	MappingName string    `gorm:"size:128" json:"mapping_name,omitempty"`
	DryRun      bool      `json:"dry_run"`
	UserID      *string   `gorm:"size:64" json:"user_id,omitempty"`
	ErrorKind   string    `gorm:"size:32" json:"error_kind,omitempty"`
	ErrorDetail string    `gorm:"type:text" json:"error_detail,omitempty"`
	Notes       string    `gorm:"type:text" json:"notes,omitempty"`
	CancelRequested bool  `json:"cancel_requested"`
	Counters    JobCounters `gorm:"embedded;embeddedPrefix:count_" json:"counters"`
	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// LogLevel is the severity of a SyncLog entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

var logLevelRank = map[LogLevel]int{
	LogDebug: 0,
	LogInfo:  1,
	LogWarn:  2,
	LogError: 3,
}

// Rank returns a comparable ordering for log levels; unknown levels sort lowest.
func (l LogLevel) Rank() int { return logLevelRank[l] }

// SyncLog is an append-only job event. Never mutated after insert.
type SyncLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	JobID     string    `gorm:"index;size:36" json:"job_id"`
	Level     LogLevel  `gorm:"index;size:8" json:"level"`
	Component string    `gorm:"size:32" json:"component"`
	Message   string    `gorm:"type:text" json:"message"`
	Detail    string    `gorm:"type:text" json:"detail,omitempty"` // structured detail as JSON
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableConfiguration describes a sync target table. Versioned on edit.
type TableConfiguration struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Table     string    `gorm:"column:table_name;uniqueIndex;size:128" json:"table"`
	PKColumns string    `gorm:"type:text" json:"pk_columns"` // ordered JSON array
	Defaults  string    `gorm:"type:text" json:"defaults,omitempty"`
	Lookups   string    `gorm:"type:text" json:"lookups,omitempty"`
	Enabled   bool      `gorm:"index" json:"enabled"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FieldConfiguration maps a target (table, field) to its source column,
// declared type, and sanitization rule.
type FieldConfiguration struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	Table        string `gorm:"column:table_name;uniqueIndex:uniq_table_field;size:128" json:"table"`
	Field        string `gorm:"uniqueIndex:uniq_table_field;size:128" json:"field"`
	SourceName   string `gorm:"size:128" json:"source_name"`
	Type         string `gorm:"size:32" json:"type"`
	Nullable     bool   `json:"nullable"`
	SanitizeRule string `gorm:"size:64" json:"sanitize_rule,omitempty"`
	DefaultValue *string `gorm:"type:text" json:"default_value,omitempty"`
}

// Mapping is a named per-data-type field map, target field to source field.
// Names are stored lower-cased; lookups are case-insensitive.
type Mapping struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	DataType  string    `gorm:"uniqueIndex:uniq_dtype_name;size:128" json:"data_type"`
	Name      string    `gorm:"uniqueIndex:uniq_dtype_name;size:128" json:"name"`
	Fields    string    `gorm:"type:text" json:"fields"` // JSON {target: source}
	UpdatedAt time.Time `json:"updated_at"`
}

// Watermark is the highest fully-committed source token for a
// (data-type, direction) pair. Advanced only by compare-and-set.
type Watermark struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	DataType  string    `gorm:"uniqueIndex:uniq_wm_pair;size:128" json:"data_type"`
	Direction Direction `gorm:"uniqueIndex:uniq_wm_pair;size:8" json:"direction"`
	Token     string    `gorm:"size:256" json:"token"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConflictResolution is the outcome recorded on a SyncConflict.
type ConflictResolution string

const (
	ResolutionPending    ConflictResolution = "pending"
	ResolutionSourceWins ConflictResolution = "source-wins"
	ResolutionTargetWins ConflictResolution = "target-wins"
	ResolutionMerged     ConflictResolution = "merged"
	ResolutionManual     ConflictResolution = "manual"
)

// SyncConflict records a concurrent modification of the same row on both
// sides. Mutated only by a resolution action.
type SyncConflict struct {
	ID            string             `gorm:"primaryKey;size:36" json:"id"`
	JobID         string             `gorm:"index;size:36" json:"job_id"`
	Table         string             `gorm:"column:table_name;index;size:128" json:"table"`
	PK            string             `gorm:"size:512" json:"pk"`
	LocalVersion  string             `gorm:"type:text" json:"local_version"`  // target row JSON
	RemoteVersion string             `gorm:"type:text" json:"remote_version"` // source row JSON
	Resolution    ConflictResolution `gorm:"index;size:16" json:"resolution"`
	ResolverID    *string            `gorm:"size:64" json:"resolver_id,omitempty"`
	DetectedAt    time.Time          `gorm:"index" json:"detected_at"`
	ResolvedAt    *time.Time         `json:"resolved_at,omitempty"`
}

// CheckpointSnapshot marks a committed unit of work inside a job. The
// loader uses (job, stage, seq, hash) to skip already-committed sub-batches
// on replay. Payload is a zstd-compressed JSON snapshot.
type CheckpointSnapshot struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	JobID       string    `gorm:"uniqueIndex:uniq_ckpt;size:36" json:"job_id"`
	Stage       string    `gorm:"uniqueIndex:uniq_ckpt;size:16" json:"stage"`
	Seq         int       `gorm:"uniqueIndex:uniq_ckpt" json:"seq"`
	ContentHash string    `gorm:"index;size:64" json:"content_hash"`
	Payload     []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// Severity classifies quality findings.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarn:     1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns a comparable ordering for severities.
func (s Severity) Rank() int { return severityRank[s] }

// CheckType enumerates supported quality rule checks.
type CheckType string

const (
	CheckCompleteness CheckType = "completeness"
	CheckRange        CheckType = "range"
	CheckFormat       CheckType = "format"
	CheckReferential  CheckType = "referential"
	CheckUniqueness   CheckType = "uniqueness"
	CheckCustom       CheckType = "custom"
)

// QualityRule is a named, parameterized predicate over a target table.
type QualityRule struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:128" json:"name"`
	CheckType CheckType `gorm:"size:16" json:"check_type"`
	Table     string    `gorm:"column:table_name;index;size:128" json:"table"`
	Field     string    `gorm:"size:128" json:"field,omitempty"`
	Params    string    `gorm:"type:text" json:"params,omitempty"` // JSON bounds/regex/predicate
	Severity  Severity  `gorm:"size:8" json:"severity"`
	Schedule  string    `gorm:"size:64" json:"schedule,omitempty"` // cron spec for standalone runs
	Enabled   bool      `gorm:"index" json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IssueStatus is the lifecycle of a QualityIssue or DataAnomaly.
type IssueStatus string

const (
	IssueOpen         IssueStatus = "open"
	IssueAcknowledged IssueStatus = "acknowledged"
	IssueResolved     IssueStatus = "resolved"
)

// QualityIssue is one finding from a rule evaluation.
type QualityIssue struct {
	ID            string      `gorm:"primaryKey;size:36" json:"id"`
	RuleID        string      `gorm:"index;size:36" json:"rule_id"`
	JobID         string      `gorm:"index;size:36" json:"job_id,omitempty"`
	Table         string      `gorm:"column:table_name;index;size:128" json:"table"`
	Field         string      `gorm:"size:128" json:"field,omitempty"`
	RecordID      string      `gorm:"size:512" json:"record_id,omitempty"`
	ObservedValue string      `gorm:"type:text" json:"observed_value,omitempty"`
	Severity      Severity    `gorm:"index;size:8" json:"severity"`
	Message       string      `gorm:"type:text" json:"message,omitempty"`
	Status        IssueStatus `gorm:"index;size:16" json:"status"`
	DetectedAt    time.Time   `gorm:"index" json:"detected_at"`
	ResolvedAt    *time.Time  `json:"resolved_at,omitempty"`
}

// DetectorType enumerates anomaly detectors.
type DetectorType string

const (
	DetectorZScore    DetectorType = "zscore"
	DetectorFreqDrift DetectorType = "freq-drift"
	DetectorNullDrift DetectorType = "null-drift"
)

// DataAnomaly is a statistical outlier flagged by a detector.
type DataAnomaly struct {
	ID         string       `gorm:"primaryKey;size:36" json:"id"`
	Detector   DetectorType `gorm:"size:16" json:"detector"`
	Table      string       `gorm:"column:table_name;index;size:128" json:"table"`
	Field      string       `gorm:"size:128" json:"field"`
	Observed   float64      `json:"observed"`
	Baseline   float64      `json:"baseline"`
	Score      float64      `json:"score"`
	Severity   Severity     `gorm:"index;size:8" json:"severity"`
	Status     IssueStatus  `gorm:"index;size:16" json:"status"`
	DetectedAt time.Time    `gorm:"index" json:"detected_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

// QualityAlert links issue/anomaly patterns to notification channels.
type QualityAlert struct {
	ID                string     `gorm:"primaryKey;size:36" json:"id"`
	Name              string     `gorm:"uniqueIndex;size:128" json:"name"`
	RulePattern       string     `gorm:"size:256" json:"rule_pattern,omitempty"` // glob over rule names; empty matches all
	TablePattern      string     `gorm:"size:256" json:"table_pattern,omitempty"`
	SeverityThreshold Severity   `gorm:"size:8" json:"severity_threshold"`
	Channels          string     `gorm:"type:text" json:"channels"`   // JSON array of channel names
	Recipients        string     `gorm:"type:text" json:"recipients"` // JSON array
	MinIntervalS      int        `json:"min_interval_s"`
	Enabled           bool       `gorm:"index" json:"enabled"`
	TriggeredCount    int64      `json:"triggered_count"`
	LastFiredAt       *time.Time `json:"last_fired_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelLog     Channel = "log"
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelInApp   Channel = "in-app"
)

// KnownChannel reports whether the channel is recognized.
func KnownChannel(c Channel) bool {
	switch c {
	case ChannelLog, ChannelEmail, ChannelWebhook, ChannelInApp:
		return true
	}
	return false
}

// NotificationStatus is the delivery state of a notification.
type NotificationStatus string

const (
	NotifyPending   NotificationStatus = "pending"
	NotifySent      NotificationStatus = "sent"
	NotifyDelivered NotificationStatus = "delivered"
	NotifyFailed    NotificationStatus = "failed"
	NotifyRead      NotificationStatus = "read"
)

// notifyTransitions is the permitted delivery-state DAG. read is reached
// only from delivered, by in-app acknowledgement.
var notifyTransitions = map[NotificationStatus][]NotificationStatus{
	NotifyPending:   {NotifySent, NotifyFailed},
	NotifySent:      {NotifyDelivered, NotifyFailed},
	NotifyDelivered: {NotifyRead},
	NotifyFailed:    {},
	NotifyRead:      {},
}

// CanTransition reports whether a notification may move from one delivery
// state to another.
func CanTransition(from, to NotificationStatus) bool {
	for _, next := range notifyTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Notification is one delivery attempt stream for an alert firing.
type Notification struct {
	ID          string             `gorm:"primaryKey;size:36" json:"id"`
	AlertID     string             `gorm:"index;size:36" json:"alert_id"`
	Target      string             `gorm:"size:256" json:"target"`
	Channel     Channel            `gorm:"size:16" json:"channel"`
	Subject     string             `gorm:"size:256" json:"subject"`
	Body        string             `gorm:"type:text" json:"body"`
	Status      NotificationStatus `gorm:"index;size:16" json:"status"`
	Attempts    int                `json:"attempts"`
	LastError   string             `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt   time.Time          `gorm:"index" json:"created_at"`
	SentAt      *time.Time         `json:"sent_at,omitempty"`
	DeliveredAt *time.Time         `json:"delivered_at,omitempty"`
	ReadAt      *time.Time         `json:"read_at,omitempty"`
}

// SyncSchedule is a recurring or one-shot sync trigger.
type SyncSchedule struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Name      string     `gorm:"uniqueIndex;size:128" json:"name"`
	DataType  string     `gorm:"size:128" json:"data_type"`
	Direction Direction  `gorm:"size:8" json:"direction"`
	Spec      string     `gorm:"size:64" json:"spec"` // cron expression or @every interval
	Enabled   bool       `gorm:"index" json:"enabled"`
	LastFired *time.Time `json:"last_fired,omitempty"`
	NextFire  *time.Time `gorm:"index" json:"next_fire,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// RowHashBaseline stores the last observed content hash per source row,
// used by the row-hash change detection strategy.
type RowHashBaseline struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Table     string    `gorm:"column:table_name;uniqueIndex:uniq_rowhash;size:128" json:"table"`
	Key       string    `gorm:"uniqueIndex:uniq_rowhash;size:512" json:"key"`
	Hash      string    `gorm:"size:20" json:"hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatSnapshot is a per-(table, field) profile captured post-load. Anomaly
// detectors read these as their baseline window.
type StatSnapshot struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Table      string    `gorm:"column:table_name;index:idx_stat_tf;size:128" json:"table"`
	Field      string    `gorm:"index:idx_stat_tf;size:128" json:"field"`
	Count      int64     `json:"count"`
	NullCount  int64     `json:"null_count"`
	Mean       float64   `json:"mean"`
	StdDev     float64   `json:"std_dev"`
	Categories string    `gorm:"type:text" json:"categories,omitempty"` // JSON {value: count}
	CapturedAt time.Time `gorm:"index" json:"captured_at"`
}
