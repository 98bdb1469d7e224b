package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countygov/syncbridge/pkg/syncerrors"
)

const minimalYAML = `
source_conn_str: "assessor:pw@tcp(10.0.0.5:3306)/prod_clone"
target_conn_str: "postgres://sync:pw@10.0.0.8:5432/training"
audit_conn_str: "file:audit.db"
tables:
  - name: parcels
    pk_columns: [pin]
    token_column: updated_at
`

func TestParseMinimal(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	// defaults fill in
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 1000, cfg.MaxSubBatch)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryInitial())
	assert.Equal(t, 30*time.Second, cfg.RetryMax())
	assert.Equal(t, time.Hour, cfg.JobTimeout())
	assert.Equal(t, StrategyTimestamp, cfg.ChangeDetectionStrategy)
	assert.Equal(t, PolicySourceWins, cfg.ConflictPolicyDefault)

	tbl, ok := cfg.TableFor("parcels")
	require.True(t, ok)
	assert.Equal(t, StrategyTimestamp, tbl.EffectiveStrategy(cfg))
	assert.Equal(t, PolicySourceWins, tbl.EffectivePolicy(cfg))
}

func TestParseRejectsUnknownKey(t *testing.T) {
	_, err := Parse([]byte(minimalYAML + "\nshard_count: 3\n"))
	require.Error(t, err)
	assert.Equal(t, syncerrors.KindConfig, syncerrors.KindOf(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing source",
			mutate:  func(c *Config) { c.SourceConnStr = "" },
			wantErr: "source_conn_str",
		},
		{
			name:    "missing audit",
			mutate:  func(c *Config) { c.AuditConnStr = "" },
			wantErr: "audit_conn_str",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.WorkerCount = 0 },
			wantErr: "worker_count",
		},
		{
			name:    "backoff ceiling below initial",
			mutate:  func(c *Config) { c.RetryBackoffMaxMS = 100 },
			wantErr: "retry backoff",
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *Config) { c.ChangeDetectionStrategy = "binlog" },
			wantErr: "change_detection_strategy",
		},
		{
			name:    "unknown policy",
			mutate:  func(c *Config) { c.ConflictPolicyDefault = "coin-flip" },
			wantErr: "conflict_policy_default",
		},
		{
			name:    "table without pk",
			mutate:  func(c *Config) { c.Tables[0].PKColumns = nil },
			wantErr: "pk_columns",
		},
		{
			name:    "timestamp strategy without token column",
			mutate:  func(c *Config) { c.Tables[0].TokenColumn = "" },
			wantErr: "token_column",
		},
		{
			name: "cdctail without topic",
			mutate: func(c *Config) {
				c.Tables[0].Strategy = StrategyCDCTail
				c.Tables[0].Topic = ""
			},
			wantErr: "topic",
		},
		{
			name: "duplicate table",
			mutate: func(c *Config) {
				c.Tables = append(c.Tables, c.Tables[0])
			},
			wantErr: "duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(minimalYAML))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, syncerrors.KindConfig, syncerrors.KindOf(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPerTableOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
source_conn_str: "s"
target_conn_str: "t"
audit_conn_str: "a"
change_detection_strategy: rowhash
conflict_policy_default: target-wins
kafka:
  brokers: ["broker-1:9092"]
  group_id: syncbridge
  topic_prefix: cdc.
tables:
  - name: parcels
    pk_columns: [pin]
    strategy: cdctail
    conflict_policy: merged
  - name: levies
    pk_columns: [levy_id]
`))
	require.NoError(t, err)

	parcels, _ := cfg.TableFor("parcels")
	assert.Equal(t, StrategyCDCTail, parcels.EffectiveStrategy(cfg))
	assert.Equal(t, PolicyMerged, parcels.EffectivePolicy(cfg))

	levies, _ := cfg.TableFor("levies")
	assert.Equal(t, StrategyRowHash, levies.EffectiveStrategy(cfg))
	assert.Equal(t, PolicyTargetWins, levies.EffectivePolicy(cfg))
}

func TestDataTypeDefaultsToName(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "parcels", cfg.Tables[0].DataType)
}
