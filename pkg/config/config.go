// Package config provides the configuration system for syncbridge.
// Configuration is a single YAML document decoded strictly: any key the
// schema does not recognize fails startup with a config error.
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// Strategy names accepted for change detection.
const (
	StrategyTimestamp = "timestamp"
	StrategyVersion   = "version"
	StrategyRowHash   = "rowhash"
	StrategyCDCTail   = "cdctail"
)

// Conflict policy names accepted per table and as the default.
const (
	PolicySourceWins = "source-wins"
	PolicyTargetWins = "target-wins"
	PolicyNewestWins = "newest-wins"
	PolicyMerged     = "merged"
	PolicyManual     = "manual"
)

// Config is the root configuration document.
type Config struct {
	SourceConnStr string `yaml:"source_conn_str"`
	TargetConnStr string `yaml:"target_conn_str"`
	AuditConnStr  string `yaml:"audit_conn_str"`

	WorkerCount           int `yaml:"worker_count"`
	MaxSubBatch           int `yaml:"max_sub_batch"`
	MaxRetries            int `yaml:"max_retries"`
	RetryBackoffInitialMS int `yaml:"retry_backoff_initial_ms"`
	RetryBackoffMaxMS     int `yaml:"retry_backoff_max_ms"`
	JobTimeoutS           int `yaml:"job_timeout_s"`

	ChangeDetectionStrategy string `yaml:"change_detection_strategy"`
	ConflictPolicyDefault   string `yaml:"conflict_policy_default"`

	AlertChannels AlertChannels `yaml:"alert_channels"`

	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retention RetentionConfig `yaml:"retention"`
	Kafka     KafkaConfig     `yaml:"kafka"`

	Tables []TableSync `yaml:"tables"`
}

// AlertChannels holds per-channel delivery settings.
type AlertChannels struct {
	Email   EmailChannel   `yaml:"email"`
	Webhook WebhookChannel `yaml:"webhook"`
	Log     LogChannel     `yaml:"log"`
	InApp   InAppChannel   `yaml:"in_app"`
}

// EmailChannel configures SMTP delivery.
type EmailChannel struct {
	Enabled  bool   `yaml:"enabled"`
	SMTPAddr string `yaml:"smtp_addr"`
	From     string `yaml:"from"`
}

// WebhookChannel configures HTTP POST delivery.
type WebhookChannel struct {
	Enabled   bool          `yaml:"enabled"`
	TimeoutMS int           `yaml:"timeout_ms"`
	Headers   map[string]string `yaml:"headers"`
}

// LogChannel configures delivery into the process log.
type LogChannel struct {
	Enabled bool `yaml:"enabled"`
}

// InAppChannel configures stored in-app notifications.
type InAppChannel struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Encoding    string `yaml:"encoding"`
	Development bool   `yaml:"development"`
}

// HTTPConfig configures the operator HTTP surface.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// SchedulerConfig configures the schedule dispatcher.
type SchedulerConfig struct {
	TickIntervalS int `yaml:"tick_interval_s"`
}

// RetentionConfig sets the ages used by the retention sweep. Sweeps run
// only when explicitly invoked; nothing is purged implicitly.
type RetentionConfig struct {
	SyncLogDays      int `yaml:"sync_log_days"`
	NotificationDays int `yaml:"notification_days"`
}

// KafkaConfig configures the CDC-tail consumer.
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	GroupID     string   `yaml:"group_id"`
	TopicPrefix string   `yaml:"topic_prefix"`
}

// TableSync declares one synced table.
type TableSync struct {
	Name             string   `yaml:"name"`
	DataType         string   `yaml:"data_type"`
	Strategy         string   `yaml:"strategy"`     // empty falls back to change_detection_strategy
	TokenColumn      string   `yaml:"token_column"` // timestamp/version column
	PKColumns        []string `yaml:"pk_columns"`
	ConflictPolicy   string   `yaml:"conflict_policy"`    // empty falls back to conflict_policy_default
	Topic            string   `yaml:"topic"`              // cdctail only
	SoftDeleteColumn string   `yaml:"soft_delete_column"` // polling strategies surface deletes through this flag
	ModifiedColumn   string   `yaml:"modified_column"`    // newest-wins timestamp source
}

// Default returns a configuration populated with spec defaults.
func Default() *Config {
	return &Config{
		WorkerCount:             4,
		MaxSubBatch:             1000,
		MaxRetries:              3,
		RetryBackoffInitialMS:   500,
		RetryBackoffMaxMS:       30000,
		JobTimeoutS:             3600,
		ChangeDetectionStrategy: StrategyTimestamp,
		ConflictPolicyDefault:   PolicySourceWins,
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
		HTTP: HTTPConfig{
			Listen: ":8085",
		},
		Scheduler: SchedulerConfig{
			TickIntervalS: 15,
		},
		Retention: RetentionConfig{
			SyncLogDays:      30,
			NotificationDays: 90,
		},
		AlertChannels: AlertChannels{
			Log:     LogChannel{Enabled: true},
			InApp:   InAppChannel{Enabled: true},
			Webhook: WebhookChannel{TimeoutMS: 10000},
		},
	}
}

// Load reads, strictly decodes, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindConfig, "config", "read config file")
	}
	return Parse(data)
}

// Parse decodes configuration bytes over the defaults. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindConfig, "config", "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option values and cross-field consistency.
func (c *Config) Validate() error {
	if c.SourceConnStr == "" {
		return syncerrors.New(syncerrors.KindConfig, "config", "source_conn_str is required")
	}
	if c.TargetConnStr == "" {
		return syncerrors.New(syncerrors.KindConfig, "config", "target_conn_str is required")
	}
	if c.AuditConnStr == "" {
		return syncerrors.New(syncerrors.KindConfig, "config", "audit_conn_str is required")
	}
	if c.WorkerCount <= 0 {
		return syncerrors.New(syncerrors.KindConfig, "config", "worker_count must be positive")
	}
	if c.MaxSubBatch <= 0 {
		return syncerrors.New(syncerrors.KindConfig, "config", "max_sub_batch must be positive")
	}
	if c.MaxRetries < 0 {
		return syncerrors.New(syncerrors.KindConfig, "config", "max_retries must not be negative")
	}
	if c.RetryBackoffInitialMS <= 0 || c.RetryBackoffMaxMS < c.RetryBackoffInitialMS {
		return syncerrors.New(syncerrors.KindConfig, "config",
			"retry backoff must satisfy 0 < initial <= max")
	}
	if !validStrategy(c.ChangeDetectionStrategy) {
		return syncerrors.Newf(syncerrors.KindConfig, "config",
			"unknown change_detection_strategy %q", c.ChangeDetectionStrategy)
	}
	if !validPolicy(c.ConflictPolicyDefault) {
		return syncerrors.Newf(syncerrors.KindConfig, "config",
			"unknown conflict_policy_default %q", c.ConflictPolicyDefault)
	}
	seen := make(map[string]bool, len(c.Tables))
	for i := range c.Tables {
		t := &c.Tables[i]
		if t.Name == "" {
			return syncerrors.New(syncerrors.KindConfig, "config", "table name is required")
		}
		if seen[t.Name] {
			return syncerrors.Newf(syncerrors.KindConfig, "config", "duplicate table %q", t.Name)
		}
		seen[t.Name] = true
		if t.DataType == "" {
			t.DataType = t.Name
		}
		if len(t.PKColumns) == 0 {
			return syncerrors.Newf(syncerrors.KindConfig, "config",
				"table %q needs pk_columns", t.Name)
		}
		if t.Strategy != "" && !validStrategy(t.Strategy) {
			return syncerrors.Newf(syncerrors.KindConfig, "config",
				"table %q: unknown strategy %q", t.Name, t.Strategy)
		}
		if t.ConflictPolicy != "" && !validPolicy(t.ConflictPolicy) {
			return syncerrors.Newf(syncerrors.KindConfig, "config",
				"table %q: unknown conflict_policy %q", t.Name, t.ConflictPolicy)
		}
		needsToken := t.Strategy == StrategyTimestamp || t.Strategy == StrategyVersion ||
			(t.Strategy == "" && (c.ChangeDetectionStrategy == StrategyTimestamp ||
				c.ChangeDetectionStrategy == StrategyVersion))
		if needsToken && t.TokenColumn == "" {
			return syncerrors.Newf(syncerrors.KindConfig, "config",
				"table %q: token_column required for its strategy", t.Name)
		}
		if t.EffectiveStrategy(c) == StrategyCDCTail && t.Topic == "" && c.Kafka.TopicPrefix == "" {
			return syncerrors.Newf(syncerrors.KindConfig, "config",
				"table %q: cdctail needs a topic or kafka.topic_prefix", t.Name)
		}
	}
	return nil
}

// EffectiveStrategy resolves the per-table strategy against the global
// default.
func (t *TableSync) EffectiveStrategy(c *Config) string {
	if t.Strategy != "" {
		return t.Strategy
	}
	return c.ChangeDetectionStrategy
}

// EffectivePolicy resolves the per-table conflict policy against the global
// default.
func (t *TableSync) EffectivePolicy(c *Config) string {
	if t.ConflictPolicy != "" {
		return t.ConflictPolicy
	}
	return c.ConflictPolicyDefault
}

// TableFor finds the table declaration for a data type.
func (c *Config) TableFor(dataType string) (*TableSync, bool) {
	for i := range c.Tables {
		if c.Tables[i].DataType == dataType {
			return &c.Tables[i], true
		}
	}
	return nil, false
}

// RetryInitial returns the initial retry backoff as a duration.
func (c *Config) RetryInitial() time.Duration {
	return time.Duration(c.RetryBackoffInitialMS) * time.Millisecond
}

// RetryMax returns the retry backoff ceiling as a duration.
func (c *Config) RetryMax() time.Duration {
	return time.Duration(c.RetryBackoffMaxMS) * time.Millisecond
}

// JobTimeout returns the per-job timeout as a duration.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutS) * time.Second
}

func validStrategy(s string) bool {
	switch s {
	case StrategyTimestamp, StrategyVersion, StrategyRowHash, StrategyCDCTail:
		return true
	}
	return false
}

func validPolicy(p string) bool {
	switch p {
	case PolicySourceWins, PolicyTargetWins, PolicyNewestWins, PolicyMerged, PolicyManual:
		return true
	}
	return false
}
