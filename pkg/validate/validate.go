// Package validate runs quality rules against a transformed batch before
// load. Rule evaluation is side-effect-free: findings are returned to the
// caller, which persists them at the phase boundary. A row is valid when
// no rule of severity high or above fires on it.
package validate

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// BatchRow is one transformed row under validation.
type BatchRow struct {
	Index       int
	Key         string
	SourceToken string
	Op          model.ChangeOp
	Row         model.Row
}

// TargetIndex answers existence questions against the target database.
type TargetIndex interface {
	// Exists reports whether any target row has the given value in field.
	Exists(ctx context.Context, table, field string, value interface{}) (bool, error)
}

// Outcome is the result of validating a batch.
type Outcome struct {
	Issues  []model.QualityIssue
	Invalid map[int]bool // batch index -> excluded
}

// Validator evaluates the enabled rules for one table.
type Validator struct {
	table string
	rules []model.QualityRule
	index TargetIndex
}

// New builds a validator from the rule set. Rules for other tables or
// with enabled=false are dropped here so evaluation has no per-row
// filtering to do.
func New(table string, rules []model.QualityRule, index TargetIndex) *Validator {
	kept := make([]model.QualityRule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled && r.Table == table {
			kept = append(kept, r)
		}
	}
	return &Validator{table: table, rules: kept, index: index}
}

// Evaluate runs every applicable rule over the batch. Tombstones are
// skipped: there is no row content to validate.
func (v *Validator) Evaluate(ctx context.Context, batch []BatchRow) (*Outcome, error) {
	out := &Outcome{Invalid: make(map[int]bool)}

	live := make([]BatchRow, 0, len(batch))
	for _, r := range batch {
		if r.Op != model.OpDelete {
			live = append(live, r)
		}
	}

	for _, rule := range v.rules {
		issues, err := v.evaluateRule(ctx, rule, live)
		if err != nil {
			return nil, err
		}
		for _, issue := range issues {
			out.Issues = append(out.Issues, issue)
			if issue.RecordID != "" && issue.Severity.Rank() >= model.SeverityHigh.Rank() {
				for _, r := range live {
					if r.Key == issue.RecordID {
						out.Invalid[r.Index] = true
					}
				}
			}
		}
	}
	return out, nil
}

func (v *Validator) evaluateRule(ctx context.Context, rule model.QualityRule,
	rows []BatchRow) ([]model.QualityIssue, error) {
	switch rule.CheckType {
	case model.CheckCompleteness:
		return v.checkCompleteness(rule, rows)
	case model.CheckRange:
		return v.checkRange(rule, rows)
	case model.CheckFormat:
		return v.checkFormat(rule, rows)
	case model.CheckReferential:
		return v.checkReferential(ctx, rule, rows)
	case model.CheckUniqueness:
		return v.checkUniqueness(ctx, rule, rows)
	case model.CheckCustom:
		return v.checkCustom(rule, rows)
	default:
		return nil, syncerrors.Newf(syncerrors.KindConfig, "validate",
			"rule %s has unknown check type %q", rule.Name, rule.CheckType)
	}
}

func (v *Validator) issue(rule model.QualityRule, key string, observed, msg string) model.QualityIssue {
	return model.QualityIssue{
		RuleID:        rule.ID,
		Table:         v.table,
		Field:         rule.Field,
		RecordID:      key,
		ObservedValue: observed,
		Severity:      rule.Severity,
		Message:       msg,
	}
}

type completenessParams struct {
	Threshold float64 `json:"threshold"`
}

// checkCompleteness fails the batch when the null rate of the field
// exceeds the threshold. The finding carries no record ID: it is a batch
// property, not a row property.
func (v *Validator) checkCompleteness(rule model.QualityRule, rows []BatchRow) ([]model.QualityIssue, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	var p completenessParams
	if err := decodeParams(rule, &p); err != nil {
		return nil, err
	}

	nulls := 0
	for _, r := range rows {
		if val, ok := r.Row[rule.Field]; !ok || val == nil {
			nulls++
		}
	}
	rate := float64(nulls) / float64(len(rows))
	if rate > p.Threshold {
		return []model.QualityIssue{v.issue(rule, "",
			fmt.Sprintf("%.4f", rate),
			fmt.Sprintf("null rate %.2f%% exceeds threshold %.2f%%", rate*100, p.Threshold*100))}, nil
	}
	return nil, nil
}

type rangeParams struct {
	Min    *float64 `json:"min"`
	Max    *float64 `json:"max"`
	After  string   `json:"after"`
	Before string   `json:"before"`
}

func (v *Validator) checkRange(rule model.QualityRule, rows []BatchRow) ([]model.QualityIssue, error) {
	var p rangeParams
	if err := decodeParams(rule, &p); err != nil {
		return nil, err
	}

	var after, before time.Time
	if p.After != "" {
		t, err := time.Parse(time.RFC3339, p.After)
		if err != nil {
			return nil, syncerrors.Newf(syncerrors.KindConfig, "validate",
				"rule %s: bad after bound %q", rule.Name, p.After)
		}
		after = t
	}
	if p.Before != "" {
		t, err := time.Parse(time.RFC3339, p.Before)
		if err != nil {
			return nil, syncerrors.Newf(syncerrors.KindConfig, "validate",
				"rule %s: bad before bound %q", rule.Name, p.Before)
		}
		before = t
	}

	var issues []model.QualityIssue
	for _, r := range rows {
		val, ok := r.Row[rule.Field]
		if !ok || val == nil {
			continue
		}

		if ts, isTime := val.(time.Time); isTime {
			if (!after.IsZero() && ts.Before(after)) || (!before.IsZero() && ts.After(before)) {
				issues = append(issues, v.issue(rule, r.Key, ts.Format(time.RFC3339),
					"timestamp outside allowed window"))
			}
			continue
		}

		f, numeric := toFloat(val)
		if !numeric {
			continue
		}
		// NaN and infinity always fail a range rule
		if math.IsNaN(f) || math.IsInf(f, 0) {
			issues = append(issues, v.issue(rule, r.Key, fmt.Sprintf("%v", val),
				"value is not finite"))
			continue
		}
		if (p.Min != nil && f < *p.Min) || (p.Max != nil && f > *p.Max) {
			issues = append(issues, v.issue(rule, r.Key, fmt.Sprintf("%v", val),
				"value outside allowed range"))
		}
	}
	return issues, nil
}

type formatParams struct {
	Pattern string `json:"pattern"`
}

// checkFormat requires a full regex match. Timestamps are rendered in
// RFC3339 before matching so datetime rules stay timezone-aware.
func (v *Validator) checkFormat(rule model.QualityRule, rows []BatchRow) ([]model.QualityIssue, error) {
	var p formatParams
	if err := decodeParams(rule, &p); err != nil {
		return nil, err
	}
	re, err := regexp.Compile("^(?:" + p.Pattern + ")$")
	if err != nil {
		return nil, syncerrors.Newf(syncerrors.KindConfig, "validate",
			"rule %s: bad pattern %q", rule.Name, p.Pattern)
	}

	var issues []model.QualityIssue
	for _, r := range rows {
		val, ok := r.Row[rule.Field]
		if !ok || val == nil {
			continue
		}
		var s string
		switch t := val.(type) {
		case string:
			s = t
		case time.Time:
			s = t.Format(time.RFC3339)
		default:
			s = fmt.Sprintf("%v", t)
		}
		if !re.MatchString(s) {
			issues = append(issues, v.issue(rule, r.Key, s, "value does not match required format"))
		}
	}
	return issues, nil
}

type referentialParams struct {
	RefTable string `json:"ref_table"`
	RefField string `json:"ref_field"`
}

// checkReferential verifies foreign keys against the effective post-load
// set: the target database plus the values this batch itself introduces,
// so a batch may carry its own parents.
func (v *Validator) checkReferential(ctx context.Context, rule model.QualityRule,
	rows []BatchRow) ([]model.QualityIssue, error) {
	var p referentialParams
	if err := decodeParams(rule, &p); err != nil {
		return nil, err
	}
	if p.RefTable == "" || p.RefField == "" {
		return nil, syncerrors.Newf(syncerrors.KindConfig, "validate",
			"rule %s: referential needs ref_table and ref_field", rule.Name)
	}

	inBatch := make(map[string]bool)
	if p.RefTable == v.table {
		for _, r := range rows {
			if val, ok := r.Row[p.RefField]; ok && val != nil {
				inBatch[fmt.Sprintf("%v", val)] = true
			}
		}
	}

	var issues []model.QualityIssue
	for _, r := range rows {
		val, ok := r.Row[rule.Field]
		if !ok || val == nil {
			continue
		}
		if inBatch[fmt.Sprintf("%v", val)] {
			continue
		}
		exists, err := v.index.Exists(ctx, p.RefTable, p.RefField, val)
		if err != nil {
			return nil, err
		}
		if !exists {
			issues = append(issues, v.issue(rule, r.Key, fmt.Sprintf("%v", val),
				fmt.Sprintf("no %s.%s matches", p.RefTable, p.RefField)))
		}
	}
	return issues, nil
}

// checkUniqueness flags duplicates within the batch and against the
// target. The deterministic tie-break keeps the first occurrence by
// (source-token, pk); later duplicates are flagged.
func (v *Validator) checkUniqueness(ctx context.Context, rule model.QualityRule,
	rows []BatchRow) ([]model.QualityIssue, error) {
	ordered := make([]BatchRow, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		if c := model.CompareTokens(ordered[i].SourceToken, ordered[j].SourceToken); c != 0 {
			return c < 0
		}
		return ordered[i].Key < ordered[j].Key
	})

	seen := make(map[string]bool)
	var issues []model.QualityIssue
	for _, r := range ordered {
		val, ok := r.Row[rule.Field]
		if !ok || val == nil {
			continue
		}
		s := fmt.Sprintf("%v", val)
		if seen[s] {
			issues = append(issues, v.issue(rule, r.Key, s, "duplicate value within batch"))
			continue
		}
		seen[s] = true

		exists, err := v.index.Exists(ctx, v.table, rule.Field, val)
		if err != nil {
			return nil, err
		}
		if exists && r.Op == model.OpInsert {
			issues = append(issues, v.issue(rule, r.Key, s, "value already present in target"))
		}
	}
	return issues, nil
}

type customParams struct {
	Predicate string `json:"predicate"`
}

// CustomPredicate is a registered row predicate; it returns a reason when
// the row fails, empty when it passes.
type CustomPredicate func(row model.Row, field string) string

var customPredicates = map[string]CustomPredicate{
	"nonempty": func(row model.Row, field string) string {
		if val, ok := row[field]; !ok || val == nil || val == "" {
			return "value is empty"
		}
		return ""
	},
}

// RegisterPredicate adds a named custom predicate. Registration happens
// at startup, before any evaluation.
func RegisterPredicate(name string, p CustomPredicate) {
	customPredicates[name] = p
}

func (v *Validator) checkCustom(rule model.QualityRule, rows []BatchRow) ([]model.QualityIssue, error) {
	var p customParams
	if err := decodeParams(rule, &p); err != nil {
		return nil, err
	}
	pred, ok := customPredicates[p.Predicate]
	if !ok {
		return nil, syncerrors.Newf(syncerrors.KindConfig, "validate",
			"rule %s: unknown predicate %q", rule.Name, p.Predicate)
	}

	var issues []model.QualityIssue
	for _, r := range rows {
		if reason := pred(r.Row, rule.Field); reason != "" {
			issues = append(issues, v.issue(rule, r.Key,
				fmt.Sprintf("%v", r.Row[rule.Field]), reason))
		}
	}
	return issues, nil
}

func decodeParams(rule model.QualityRule, dst interface{}) error {
	if rule.Params == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(rule.Params), dst); err != nil {
		return syncerrors.Wrap(err, syncerrors.KindConfig, "validate",
			fmt.Sprintf("rule %s: bad params", rule.Name))
	}
	return nil
}

func toFloat(val interface{}) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
