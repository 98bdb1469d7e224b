package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Row is one tabular row keyed by column name.
type Row map[string]interface{}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// ChangeOp is the operation carried by a ChangeRecord.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeRecord is one detected row change, alive from detection until it is
// loaded or discarded. A delete is a tombstone: PK set, NewRow nil.
type ChangeRecord struct {
	Table       string   `json:"table"`
	Key         string   `json:"key"` // canonical PK tuple, see PKKey
	PK          Row      `json:"pk"`
	Op          ChangeOp `json:"op"`
	OldRow      Row      `json:"old_row,omitempty"`
	NewRow      Row      `json:"new_row,omitempty"`
	SourceToken string   `json:"source_token"`
}

// PKKey builds the canonical string form of a primary-key tuple using the
// ordered PK column list. Values are joined with an unlikely separator so
// composite keys compare lexicographically column by column.
func PKKey(pk Row, columns []string) string {
	parts := make([]string, 0, len(columns))
	for _, col := range columns {
		parts = append(parts, toKeyString(pk[col]))
	}
	return strings.Join(parts, "\x1f")
}

func toKeyString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// CompareTokens orders two source tokens. Numeric tokens (versions, LSNs,
// epoch stamps) compare numerically; anything else compares as a string,
// which is correct for ISO-8601 timestamps.
func CompareTokens(a, b string) int {
	an, aerr := strconv.ParseUint(a, 10, 64)
	bn, berr := strconv.ParseUint(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

// SortChangeRecords orders a batch by (source-token, pk), the canonical
// change-set ordering. Deletes keep the position their token gives them.
func SortChangeRecords(records []ChangeRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if c := CompareTokens(records[i].SourceToken, records[j].SourceToken); c != 0 {
			return c < 0
		}
		return records[i].Key < records[j].Key
	})
}
