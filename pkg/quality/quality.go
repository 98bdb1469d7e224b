// Package quality evaluates data-quality rules against target tables
// and watches field statistics for anomalies. It runs on two triggers:
// the orchestrator calls PostLoad after a successful load, and Run
// fires rules on their own cron schedules. The engine keeps no state
// between runs beyond the snapshots it reads from the audit store.
package quality

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/countygov/syncbridge/pkg/config"
	"github.com/goccy/go-json"

	"github.com/countygov/syncbridge/pkg/metrics"
	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/schedule"
	"github.com/countygov/syncbridge/pkg/store"
	"github.com/countygov/syncbridge/pkg/syncerrors"
	"github.com/countygov/syncbridge/pkg/validate"
)

// AlertSink receives findings for alert evaluation. Satisfied by
// alert.Manager.
type AlertSink interface {
	IssueFound(ctx context.Context, issue model.QualityIssue, ruleName string)
	AnomalyFound(ctx context.Context, a model.DataAnomaly)
}

// TargetReader is the read access the engine needs on the target.
type TargetReader interface {
	ScanTable(ctx context.Context, table string, limit int) ([]model.Row, error)
	Exists(ctx context.Context, table, field string, value interface{}) (bool, error)
}

// Thresholds tune the anomaly detectors.
type Thresholds struct {
	ZScore        float64 // standard deviations before a mean shift fires
	FreqDrift     float64 // L1 distance over category frequencies
	NullRateDrift float64 // absolute null-rate delta
	Window        int     // baseline snapshots per field
}

func DefaultThresholds() Thresholds {
	return Thresholds{ZScore: 3, FreqDrift: 0.3, NullRateDrift: 0.15, Window: 12}
}

// scanLimit bounds a standalone rule evaluation.
const scanLimit = 10000

// Engine is the quality rule and anomaly engine.
type Engine struct {
	store      *store.Store
	target     TargetReader
	cfg        *config.Config
	thresholds Thresholds
	alerts     AlertSink
	clock      func() time.Time
	log        *zap.Logger
}

func New(s *store.Store, target TargetReader, cfg *config.Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:      s,
		target:     target,
		cfg:        cfg,
		thresholds: DefaultThresholds(),
		clock:      time.Now,
		log:        log.Named("quality"),
	}
}

// SetThresholds overrides the detector defaults.
func (e *Engine) SetThresholds(t Thresholds) { e.thresholds = t }

// SetAlerts routes findings to an alert manager. Nil disables routing.
func (e *Engine) SetAlerts(a AlertSink) { e.alerts = a }

// PostLoad runs the anomaly detectors for a table after a load. Errors
// are logged, never propagated: quality findings must not fail a job
// that already committed.
func (e *Engine) PostLoad(ctx context.Context, jobID, table string) {
	anomalies, err := e.DetectAnomalies(ctx, table)
	if err != nil {
		e.log.Warn("post-load anomaly scan failed",
			zap.String("job_id", jobID), zap.String("table", table), zap.Error(err))
		return
	}
	if len(anomalies) > 0 {
		e.log.Info("post-load anomalies detected",
			zap.String("job_id", jobID), zap.String("table", table),
			zap.Int("count", len(anomalies)))
	}
}

// DetectAnomalies compares each field's newest statistics snapshot
// against its baseline window and persists every finding.
func (e *Engine) DetectAnomalies(ctx context.Context, table string) ([]model.DataAnomaly, error) {
	fields, err := e.store.StatFields(ctx, table)
	if err != nil {
		return nil, err
	}

	var found []model.DataAnomaly
	for _, field := range fields {
		snaps, err := e.store.RecentStatSnapshots(ctx, table, field, e.thresholds.Window+1)
		if err != nil {
			return nil, err
		}
		if len(snaps) < 2 {
			continue
		}
		latest, baseline := snaps[0], snaps[1:]
		found = append(found, e.meanShift(table, field, latest, baseline)...)
		found = append(found, e.nullDrift(table, field, latest, baseline)...)
		found = append(found, e.freqDrift(table, field, latest, baseline)...)
	}

	if err := e.store.CreateAnomalies(ctx, found); err != nil {
		return nil, err
	}
	for _, a := range found {
		metrics.AnomaliesTotal.WithLabelValues(string(a.Detector)).Inc()
		if e.alerts != nil {
			e.alerts.AnomalyFound(ctx, a)
		}
	}
	return found, nil
}

// meanShift is the rolling z-score detector: the newest mean against
// the mean and spread of the baseline means.
func (e *Engine) meanShift(table, field string, latest model.StatSnapshot,
	baseline []model.StatSnapshot) []model.DataAnomaly {
	if len(baseline) < 3 {
		return nil
	}
	var sum float64
	for _, s := range baseline {
		sum += s.Mean
	}
	mu := sum / float64(len(baseline))
	var sq float64
	for _, s := range baseline {
		d := s.Mean - mu
		sq += d * d
	}
	sigma := math.Sqrt(sq / float64(len(baseline)))
	if sigma == 0 {
		return nil
	}
	score := math.Abs(latest.Mean-mu) / sigma
	if score < e.thresholds.ZScore {
		return nil
	}
	return []model.DataAnomaly{{
		Detector: model.DetectorZScore,
		Table:    table,
		Field:    field,
		Observed: latest.Mean,
		Baseline: mu,
		Score:    score,
		Severity: e.severityFor(score, e.thresholds.ZScore),
	}}
}

func (e *Engine) nullDrift(table, field string, latest model.StatSnapshot,
	baseline []model.StatSnapshot) []model.DataAnomaly {
	obs := nullRate(latest)
	var sum float64
	n := 0
	for _, s := range baseline {
		if s.Count > 0 {
			sum += nullRate(s)
			n++
		}
	}
	if n == 0 || latest.Count == 0 {
		return nil
	}
	base := sum / float64(n)
	score := math.Abs(obs - base)
	if score < e.thresholds.NullRateDrift {
		return nil
	}
	return []model.DataAnomaly{{
		Detector: model.DetectorNullDrift,
		Table:    table,
		Field:    field,
		Observed: obs,
		Baseline: base,
		Score:    score,
		Severity: e.severityFor(score, e.thresholds.NullRateDrift),
	}}
}

// freqDrift measures L1 distance between the newest category frequency
// distribution and the aggregate of the baseline window.
func (e *Engine) freqDrift(table, field string, latest model.StatSnapshot,
	baseline []model.StatSnapshot) []model.DataAnomaly {
	obs := categories(latest)
	if len(obs) == 0 {
		return nil
	}
	base := map[string]float64{}
	var baseTotal float64
	for _, s := range baseline {
		for v, c := range categories(s) {
			base[v] += c
			baseTotal += c
		}
	}
	if baseTotal == 0 {
		return nil
	}
	var obsTotal float64
	for _, c := range obs {
		obsTotal += c
	}

	var dist float64
	seen := map[string]bool{}
	for v, c := range obs {
		dist += math.Abs(c/obsTotal - base[v]/baseTotal)
		seen[v] = true
	}
	for v, c := range base {
		if !seen[v] {
			dist += c / baseTotal
		}
	}
	if dist < e.thresholds.FreqDrift {
		return nil
	}
	return []model.DataAnomaly{{
		Detector: model.DetectorFreqDrift,
		Table:    table,
		Field:    field,
		Observed: dist,
		Baseline: 0,
		Score:    dist,
		Severity: e.severityFor(dist, e.thresholds.FreqDrift),
	}}
}

// severityFor grades a finding: double the threshold is high.
func (e *Engine) severityFor(score, threshold float64) model.Severity {
	if score >= 2*threshold {
		return model.SeverityHigh
	}
	return model.SeverityWarn
}

func nullRate(s model.StatSnapshot) float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.NullCount) / float64(s.Count)
}

func categories(s model.StatSnapshot) map[string]float64 {
	if s.Categories == "" {
		return nil
	}
	var counts map[string]int64
	if err := json.Unmarshal([]byte(s.Categories), &counts); err != nil {
		return nil
	}
	out := make(map[string]float64, len(counts))
	for v, c := range counts {
		out[v] = float64(c)
	}
	return out
}

// EvaluateRule runs one rule against a scan of its target table,
// outside any sync job. The rule runs even when disabled: an operator
// asking for an evaluation wants an answer.
func (e *Engine) EvaluateRule(ctx context.Context, ruleID string) ([]model.QualityIssue, error) {
	rule, err := e.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	rows, err := e.target.ScanTable(ctx, rule.Table, scanLimit)
	if err != nil {
		return nil, err
	}

	pkCols := e.tablePK(rule.Table)
	batch := make([]validate.BatchRow, len(rows))
	for i, row := range rows {
		key := fmt.Sprintf("%d", i)
		if len(pkCols) > 0 {
			key = model.PKKey(row, pkCols)
		}
		batch[i] = validate.BatchRow{Index: i, Key: key, Op: model.OpUpdate, Row: row}
	}

	armed := *rule
	armed.Enabled = true
	v := validate.New(rule.Table, []model.QualityRule{armed}, e.target)
	outcome, err := v.Evaluate(ctx, batch)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateIssues(ctx, outcome.Issues); err != nil {
		return nil, err
	}
	for _, is := range outcome.Issues {
		metrics.QualityIssuesTotal.
			WithLabelValues(string(rule.CheckType), string(is.Severity)).Inc()
		if e.alerts != nil {
			e.alerts.IssueFound(ctx, is, rule.Name)
		}
	}
	e.log.Info("rule evaluated",
		zap.String("rule", rule.Name),
		zap.Int("rows", len(rows)),
		zap.Int("issues", len(outcome.Issues)))
	return outcome.Issues, nil
}

func (e *Engine) tablePK(table string) []string {
	for i := range e.cfg.Tables {
		if e.cfg.Tables[i].Name == table {
			return e.cfg.Tables[i].PKColumns
		}
	}
	return nil
}

// Run fires scheduled rules until the context is cancelled. Fires are
// armed in memory only; after a restart each schedule waits one full
// interval before its first run.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	next := map[string]time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepRules(ctx, e.clock(), next)
		}
	}
}

func (e *Engine) sweepRules(ctx context.Context, now time.Time, next map[string]time.Time) {
	rules, err := e.store.ListRules(ctx, "", true)
	if err != nil {
		e.log.Warn("rule sweep failed", zap.Error(err))
		return
	}
	for _, rule := range rules {
		if rule.Schedule == "" {
			continue
		}
		expr, err := schedule.ParseSpec(rule.Schedule)
		if err != nil {
			e.log.Warn("rule has invalid schedule",
				zap.String("rule", rule.Name), zap.Error(err))
			continue
		}
		due, armed := next[rule.ID]
		if !armed {
			next[rule.ID] = expr.Next(now)
			continue
		}
		if due.After(now) {
			continue
		}
		if _, err := e.EvaluateRule(ctx, rule.ID); err != nil {
			if !syncerrors.IsKind(err, syncerrors.KindNotFound) {
				e.log.Warn("scheduled rule evaluation failed",
					zap.String("rule", rule.Name), zap.Error(err))
			}
		}
		next[rule.ID] = expr.Next(now)
	}
}
