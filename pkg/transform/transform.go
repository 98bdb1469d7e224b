// Package transform turns source change records into typed target rows.
// The per-field pipeline is: resolve source name through the field map,
// coerce to the declared type, apply the sanitization rule, fill the
// default when absent, and reject the row when a non-nullable target
// still has no value. Field errors never abort a batch; they surface as
// warn-severity quality issues and, for mandatory fields, invalidate the
// single row.
package transform

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// FieldIssue localizes a per-field failure to (field, value, reason).
type FieldIssue struct {
	Field     string
	Value     string
	Reason    string
	Mandatory bool
}

// Result is the outcome of transforming one change record.
type Result struct {
	Row    model.Row
	Issues []FieldIssue
	Valid  bool
}

// Transformer applies one table's field configuration and mapping.
type Transformer struct {
	table   string
	mapping map[string]string // target field -> source field
	fields  []model.FieldConfiguration
}

// New builds a transformer. When the mapping lacks an entry for a
// configured field, the field's configured source name is used.
func New(table string, mapping map[string]string, fields []model.FieldConfiguration) (*Transformer, error) {
	if len(fields) == 0 {
		return nil, syncerrors.Newf(syncerrors.KindConfig, "transform",
			"table %s has no field configuration", table)
	}
	return &Transformer{table: table, mapping: mapping, fields: fields}, nil
}

// Apply transforms a single change record. Tombstones pass through with
// no field work: the loader only needs the key.
func (t *Transformer) Apply(rec model.ChangeRecord) Result {
	if rec.Op == model.OpDelete {
		return Result{Row: nil, Valid: true}
	}

	out := make(model.Row, len(t.fields))
	var issues []FieldIssue
	valid := true

	for _, fc := range t.fields {
		sourceName := fc.SourceName
		if mapped, ok := t.mapping[fc.Field]; ok && mapped != "" {
			sourceName = mapped
		}

		raw, present := rec.NewRow[sourceName]
		if !present || raw == nil {
			if fc.DefaultValue != nil {
				coerced, err := Coerce(*fc.DefaultValue, fc.Type)
				if err == nil {
					out[fc.Field] = coerced
					continue
				}
			}
			if !fc.Nullable {
				issues = append(issues, FieldIssue{
					Field:     fc.Field,
					Reason:    "missing value for non-nullable field",
					Mandatory: true,
				})
				valid = false
			} else {
				out[fc.Field] = nil
			}
			continue
		}

		coerced, err := Coerce(raw, fc.Type)
		if err != nil {
			issues = append(issues, FieldIssue{
				Field:     fc.Field,
				Value:     fmt.Sprintf("%v", raw),
				Reason:    err.Error(),
				Mandatory: !fc.Nullable,
			})
			if !fc.Nullable {
				valid = false
			}
			continue
		}

		if fc.SanitizeRule != "" {
			coerced, err = Sanitize(coerced, fc.SanitizeRule)
			if err != nil {
				issues = append(issues, FieldIssue{
					Field:  fc.Field,
					Value:  fmt.Sprintf("%v", raw),
					Reason: err.Error(),
				})
			}
		}

		out[fc.Field] = coerced
	}

	return Result{Row: out, Issues: issues, Valid: valid}
}

var decimalType = regexp.MustCompile(`^decimal\((\d+)\)$`)

// Coerce converts a raw source value to the declared target type. The
// type vocabulary: string|text, integer, decimal(N), boolean, date,
// timestamp, json.
func Coerce(raw interface{}, typ string) (interface{}, error) {
	switch {
	case typ == "string" || typ == "text":
		return coerceString(raw), nil
	case typ == "integer":
		return coerceInteger(raw)
	case typ == "boolean":
		return coerceBool(raw)
	case typ == "date":
		return coerceDate(raw)
	case typ == "timestamp":
		return coerceTimestamp(raw)
	case typ == "json":
		return coerceJSON(raw)
	case decimalType.MatchString(typ):
		m := decimalType.FindStringSubmatch(typ)
		scale, _ := strconv.Atoi(m[1])
		return coerceDecimal(raw, scale)
	default:
		return nil, fmt.Errorf("unknown declared type %q", typ)
	}
}

func coerceString(raw interface{}) string {
	if s, ok := raw.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", raw)
}

func coerceInteger(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("value %v is not integral", v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q as integer", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to integer", raw)
	}
}

// coerceDecimal normalizes to a fixed-point string with the declared
// scale, avoiding float drift on money and rate fields.
func coerceDecimal(raw interface{}, scale int) (string, error) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return "", fmt.Errorf("cannot parse %q as decimal", v)
		}
		f = parsed
	default:
		return "", fmt.Errorf("cannot coerce %T to decimal", raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("decimal value %v is not finite", f)
	}
	return strconv.FormatFloat(f, 'f', scale, 64), nil
}

func coerceBool(raw interface{}) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case int:
		if v == 0 || v == 1 {
			return v == 1, nil
		}
	case int64:
		if v == 0 || v == 1 {
			return v == 1, nil
		}
	case float64:
		if v == 0 || v == 1 {
			return v == 1, nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
	}
	return false, fmt.Errorf("cannot coerce %v to boolean", raw)
}

func coerceDate(raw interface{}) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.Truncate(24 * time.Hour), nil
	case string:
		d, err := time.Parse("2006-01-02", strings.TrimSpace(v))
		if err != nil {
			return time.Time{}, fmt.Errorf("cannot parse %q as ISO-8601 date", v)
		}
		return d, nil
	default:
		return time.Time{}, fmt.Errorf("cannot coerce %T to date", raw)
	}
}

func coerceTimestamp(raw interface{}) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts, nil
		}
		// no offset: assume UTC
		if ts, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC); err == nil {
			return ts, nil
		}
		if ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
			return ts, nil
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as ISO-8601 timestamp", v)
	default:
		return time.Time{}, fmt.Errorf("cannot coerce %T to timestamp", raw)
	}
}

func coerceJSON(raw interface{}) (map[string]interface{}, error) {
	switch v := raw.(type) {
	case map[string]interface{}:
		return v, nil
	case string:
		out := make(map[string]interface{})
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return nil, fmt.Errorf("cannot parse value as JSON object")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to JSON object", raw)
	}
}
