// Package conflict settles rows that were modified on both sides since
// the last sync. Resolution is pure: the resolver returns a decision and
// the orchestrator persists the SyncConflict and the warn log when one
// stays pending.
package conflict

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/countygov/syncbridge/pkg/config"
	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// TargetRow is the current state of the colliding row on the target side.
type TargetRow struct {
	Row        model.Row
	Token      string
	ModifiedAt time.Time
}

// Outcome says what the loader should do with the record.
type Outcome string

const (
	// OutcomeApply loads Decision.Row in place of the original record.
	OutcomeApply Outcome = "apply"
	// OutcomeKeepTarget drops the record; the target row stands.
	OutcomeKeepTarget Outcome = "keep-target"
	// OutcomeExcluded drops the record pending manual resolution.
	OutcomeExcluded Outcome = "excluded"
)

// Decision is the result of resolving one collision.
type Decision struct {
	Outcome  Outcome
	Row      model.Row           // set when Outcome is OutcomeApply
	Conflict *model.SyncConflict // always recorded; Resolution reflects the policy
}

// Resolver applies one table's conflict policy.
type Resolver struct {
	table          string
	policy         string
	modifiedColumn string
}

// New builds a resolver. modifiedColumn names the row field carrying the
// modification timestamp for newest-wins; when empty, newest-wins falls
// back to comparing change tokens.
func New(table, policy, modifiedColumn string) (*Resolver, error) {
	switch policy {
	case config.PolicySourceWins, config.PolicyTargetWins, config.PolicyNewestWins,
		config.PolicyMerged, config.PolicyManual:
	default:
		return nil, syncerrors.Newf(syncerrors.KindConfig, "conflict",
			"table %s: unknown conflict policy %q", table, policy)
	}
	return &Resolver{table: table, policy: policy, modifiedColumn: modifiedColumn}, nil
}

// Resolve settles one collision between rec and the target row it would
// overwrite. A SyncConflict is produced for every collision; whether it
// is already resolved depends on the policy.
func (r *Resolver) Resolve(rec model.ChangeRecord, target TargetRow) Decision {
	base := r.conflict(rec, target)

	switch r.policy {
	case config.PolicySourceWins:
		base.Resolution = model.ResolutionSourceWins
		return Decision{Outcome: OutcomeApply, Row: rec.NewRow, Conflict: base}

	case config.PolicyTargetWins:
		base.Resolution = model.ResolutionTargetWins
		return Decision{Outcome: OutcomeKeepTarget, Conflict: base}

	case config.PolicyNewestWins:
		if r.sourceIsNewest(rec, target) {
			base.Resolution = model.ResolutionSourceWins
			return Decision{Outcome: OutcomeApply, Row: rec.NewRow, Conflict: base}
		}
		base.Resolution = model.ResolutionTargetWins
		return Decision{Outcome: OutcomeKeepTarget, Conflict: base}

	case config.PolicyMerged:
		merged, collided := mergeRows(rec, target)
		if collided {
			base.Resolution = model.ResolutionPending
			return Decision{Outcome: OutcomeExcluded, Conflict: base}
		}
		base.Resolution = model.ResolutionMerged
		return Decision{Outcome: OutcomeApply, Row: merged, Conflict: base}

	default: // manual
		base.Resolution = model.ResolutionPending
		return Decision{Outcome: OutcomeExcluded, Conflict: base}
	}
}

func (r *Resolver) conflict(rec model.ChangeRecord, target TargetRow) *model.SyncConflict {
	return &model.SyncConflict{
		Table:         r.table,
		PK:            rec.Key,
		LocalVersion:  rowJSON(target.Row),
		RemoteVersion: rowJSON(rec.NewRow),
	}
}

// sourceIsNewest compares modification times; ties go to source. Without
// a usable timestamp on either side the change tokens decide.
func (r *Resolver) sourceIsNewest(rec model.ChangeRecord, target TargetRow) bool {
	if r.modifiedColumn != "" {
		if srcTS, ok := rowTime(rec.NewRow, r.modifiedColumn); ok && !target.ModifiedAt.IsZero() {
			return !srcTS.Before(target.ModifiedAt)
		}
	}
	return model.CompareTokens(rec.SourceToken, target.Token) >= 0
}

// mergeRows builds the field-wise merge: a non-null source value wins
// unless both sides changed the same field to different values. The base
// for "changed" is the record's old row; without one, any divergent
// non-null pair counts as a collision.
func mergeRows(rec model.ChangeRecord, target TargetRow) (model.Row, bool) {
	out := target.Row.Clone()
	if out == nil {
		out = model.Row{}
	}
	for field, srcVal := range rec.NewRow {
		if srcVal == nil {
			continue
		}
		tgtVal, tgtHas := target.Row[field]
		if !tgtHas || tgtVal == nil || equalValues(srcVal, tgtVal) {
			out[field] = srcVal
			continue
		}
		if rec.OldRow != nil {
			oldVal := rec.OldRow[field]
			srcChanged := !equalValues(srcVal, oldVal)
			tgtChanged := !equalValues(tgtVal, oldVal)
			switch {
			case srcChanged && !tgtChanged:
				out[field] = srcVal
				continue
			case !srcChanged:
				// target-only edit, keep target
				continue
			}
		}
		return nil, true
	}
	return out, false
}

func equalValues(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func rowTime(row model.Row, column string) (time.Time, bool) {
	val, ok := row[column]
	if !ok || val == nil {
		return time.Time{}, false
	}
	switch t := val.(type) {
	case time.Time:
		return t, true
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func rowJSON(row model.Row) string {
	if row == nil {
		return "null"
	}
	b, err := json.Marshal(row)
	if err != nil {
		return fmt.Sprintf("%v", map[string]interface{}(row))
	}
	return string(b)
}
