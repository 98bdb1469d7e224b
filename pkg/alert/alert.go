// Package alert maps quality findings and job outcomes onto alert
// policies and fans matching firings out as notifications. A policy
// matches on a severity threshold plus optional glob patterns over
// rule names and tables. Firings are throttled per alert by a minimum
// interval, but the triggered counter advances on every match,
// throttled or not.
package alert

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/countygov/syncbridge/pkg/metrics"
	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/store"
)

// Deliverer sends one stored notification. Satisfied by notify.Dispatcher.
type Deliverer interface {
	Deliver(ctx context.Context, id string) error
}

// Manager evaluates alert policies.
type Manager struct {
	store      *store.Store
	dispatcher Deliverer
	clock      func() time.Time
	log        *zap.Logger
}

func New(s *store.Store, dispatcher Deliverer, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:      s,
		dispatcher: dispatcher,
		clock:      time.Now,
		log:        log.Named("alert"),
	}
}

// trigger is one thing that may fire alerts.
type trigger struct {
	severity model.Severity
	rule     string // rule or detector name, matched against rule_pattern
	table    string
	subject  string
	body     string
}

// JobCompleted evaluates policies against a finished job report.
// Failed jobs trigger at high severity, partial at warn, the rest at
// info.
func (m *Manager) JobCompleted(ctx context.Context, job *model.SyncJob) {
	sev := model.SeverityInfo
	switch job.Status {
	case model.JobFailed:
		sev = model.SeverityHigh
	case model.JobPartial:
		sev = model.SeverityWarn
	}
	m.evaluate(ctx, trigger{
		severity: sev,
		rule:     "job:" + job.DataType,
		table:    job.DataType,
		subject:  fmt.Sprintf("sync job %s %s", job.ID, job.Status),
		body: fmt.Sprintf(
			"job %s (%s %s) finished %s: extracted=%d loaded=%d invalid=%d conflicts=%d error=%s",
			job.ID, job.DataType, job.Direction, job.Status,
			job.Counters.Extracted, job.Counters.Loaded,
			job.Counters.Invalid, job.Counters.Conflicts, job.ErrorDetail),
	})
}

// IssueFound evaluates policies against one quality issue.
func (m *Manager) IssueFound(ctx context.Context, issue model.QualityIssue, ruleName string) {
	m.evaluate(ctx, trigger{
		severity: issue.Severity,
		rule:     ruleName,
		table:    issue.Table,
		subject:  fmt.Sprintf("quality issue on %s.%s", issue.Table, issue.Field),
		body:     issue.Message,
	})
}

// AnomalyFound evaluates policies against one detector finding.
func (m *Manager) AnomalyFound(ctx context.Context, a model.DataAnomaly) {
	m.evaluate(ctx, trigger{
		severity: a.Severity,
		rule:     string(a.Detector),
		table:    a.Table,
		subject:  fmt.Sprintf("%s anomaly on %s.%s", a.Detector, a.Table, a.Field),
		body: fmt.Sprintf("observed %.4f against baseline %.4f (score %.2f)",
			a.Observed, a.Baseline, a.Score),
	})
}

func (m *Manager) evaluate(ctx context.Context, tr trigger) {
	alerts, err := m.store.ListAlerts(ctx, true)
	if err != nil {
		m.log.Warn("alert evaluation failed", zap.Error(err))
		return
	}
	now := m.clock()
	for i := range alerts {
		al := &alerts[i]
		if !matches(al, tr) {
			continue
		}
		// every match counts, throttled or not
		if err := m.store.IncrementTriggered(ctx, al.ID); err != nil {
			m.log.Warn("triggered count not recorded",
				zap.String("alert", al.Name), zap.Error(err))
		}
		if throttled(al, now) {
			metrics.AlertsFired.WithLabelValues(al.Name, "throttled").Inc()
			m.log.Debug("alert throttled", zap.String("alert", al.Name))
			continue
		}
		metrics.AlertsFired.WithLabelValues(al.Name, "dispatched").Inc()
		m.dispatch(ctx, al, tr)
	}
}

func matches(al *model.QualityAlert, tr trigger) bool {
	if tr.severity.Rank() < al.SeverityThreshold.Rank() {
		return false
	}
	if !globMatch(al.RulePattern, tr.rule) {
		return false
	}
	return globMatch(al.TablePattern, tr.table)
}

// globMatch is path.Match with empty-pattern-matches-all; a malformed
// pattern matches nothing.
func globMatch(pattern, name string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

func throttled(al *model.QualityAlert, now time.Time) bool {
	if al.MinIntervalS <= 0 || al.LastFiredAt == nil {
		return false
	}
	return now.Sub(*al.LastFiredAt) < time.Duration(al.MinIntervalS)*time.Second
}

func (m *Manager) dispatch(ctx context.Context, al *model.QualityAlert, tr trigger) {
	channels, err := decodeList(al.Channels)
	if err != nil {
		m.log.Warn("alert has bad channels list",
			zap.String("alert", al.Name), zap.Error(err))
		return
	}
	recipients, err := decodeList(al.Recipients)
	if err != nil {
		m.log.Warn("alert has bad recipients list",
			zap.String("alert", al.Name), zap.Error(err))
		return
	}

	for _, ch := range channels {
		channel := model.Channel(ch)
		if !model.KnownChannel(channel) {
			m.log.Warn("alert names unknown channel",
				zap.String("alert", al.Name), zap.String("channel", ch))
			continue
		}
		for _, rcpt := range recipients {
			n := &model.Notification{
				AlertID: al.ID,
				Channel: channel,
				Target:  rcpt,
				Subject: tr.subject,
				Body:    tr.body,
			}
			if err := m.store.CreateNotification(ctx, n); err != nil {
				m.log.Warn("notification not recorded",
					zap.String("alert", al.Name), zap.Error(err))
				continue
			}
			if err := m.dispatcher.Deliver(ctx, n.ID); err != nil {
				// the dispatcher already recorded the failure
				m.log.Debug("notification delivery failed",
					zap.String("notification", n.ID), zap.Error(err))
			}
		}
	}
	if err := m.store.MarkAlertFired(ctx, al.ID, m.clock()); err != nil {
		m.log.Warn("alert fire time not recorded",
			zap.String("alert", al.Name), zap.Error(err))
	}
}

func decodeList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Test fires an alert unconditionally with a synthetic trigger, so an
// operator can verify its channel wiring end to end.
func (m *Manager) Test(ctx context.Context, alertID string) error {
	al, err := m.store.GetAlert(ctx, alertID)
	if err != nil {
		return err
	}
	m.dispatch(ctx, al, trigger{
		severity: al.SeverityThreshold,
		rule:     "test",
		table:    "test",
		subject:  "test firing for alert " + al.Name,
		body:     "manually requested test notification",
	})
	return nil
}
