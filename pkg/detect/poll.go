package detect

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/countygov/syncbridge/pkg/config"
	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// pollDetector implements timestamp and version polling. Both strategies
// scan `token > watermark` ordered by (token, pk); they differ only in
// how the token renders. Polling cannot distinguish an insert from an
// update, so live rows come back as updates and the loader upserts;
// deletions are visible only through a soft-delete column.
type pollDetector struct {
	db            *sql.DB
	driver        string
	table         string
	tokenCol      string
	pkCols        []string
	softDeleteCol string
	numericToken  bool
}

func newPollDetector(db *sql.DB, driver string, table *config.TableSync, numeric bool) (*pollDetector, error) {
	if db == nil {
		return nil, syncerrors.Newf(syncerrors.KindConfig, "detect",
			"table %s: polling strategy needs a source connection", table.Name)
	}
	return &pollDetector{
		db:            db,
		driver:        driver,
		table:         table.Name,
		tokenCol:      table.TokenColumn,
		pkCols:        table.PKColumns,
		softDeleteCol: table.SoftDeleteColumn,
		numericToken:  numeric,
	}, nil
}

func (d *pollDetector) Detect(ctx context.Context, watermark string, limit int) (*ChangeSet, error) {
	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(quoteIdent(d.driver, d.table))
	args := make([]interface{}, 0, 1)
	if watermark != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(quoteIdent(d.driver, d.tokenCol))
		sb.WriteString(" > ")
		sb.WriteString(placeholder(d.driver, 1))
		args = append(args, watermark)
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(quoteIdent(d.driver, d.tokenCol))
	for _, pk := range d.pkCols {
		sb.WriteString(", ")
		sb.WriteString(quoteIdent(d.driver, pk))
	}
	sb.WriteString(" LIMIT ")
	sb.WriteString(strconv.Itoa(limit))

	rows, err := d.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "detect",
			fmt.Sprintf("source unreachable polling %s", d.table))
	}
	defer rows.Close()

	set := &ChangeSet{NextWatermark: watermark}
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		token := tokenString(row[d.tokenCol])
		pk := pkOf(row, d.pkCols)
		rec := model.ChangeRecord{
			Table:       d.table,
			Key:         model.PKKey(pk, d.pkCols),
			PK:          pk,
			Op:          model.OpUpdate,
			NewRow:      row,
			SourceToken: token,
		}
		if d.softDeleteCol != "" && truthy(row[d.softDeleteCol]) {
			rec.Op = model.OpDelete
			rec.OldRow = row
			rec.NewRow = nil
		}
		set.Records = append(set.Records, rec)
		if model.CompareTokens(token, set.NextWatermark) > 0 {
			set.NextWatermark = token
		}
	}
	if err := rows.Err(); err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "detect",
			fmt.Sprintf("source read failed polling %s", d.table))
	}
	model.SortChangeRecords(set.Records)
	return set, nil
}

// scanRow reads the current result row into a column-keyed map. Byte
// slices come back as strings; drivers that return []byte for text do so
// per driver, not per schema.
func scanRow(rows *sql.Rows) (model.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "detect", "read columns")
	}
	vals := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindTransient, "detect", "scan row")
	}
	row := make(model.Row, len(cols))
	for i, col := range cols {
		if b, ok := vals[i].([]byte); ok {
			row[col] = string(b)
			continue
		}
		row[col] = vals[i]
	}
	return row, nil
}

func pkOf(row model.Row, cols []string) model.Row {
	pk := make(model.Row, len(cols))
	for _, c := range cols {
		pk[c] = row[c]
	}
	return pk
}

// tokenString renders a change token canonically so tokens from the same
// column always compare consistently.
func tokenString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case int:
		return t != 0
	case string:
		return t == "1" || strings.EqualFold(t, "true") || strings.EqualFold(t, "y")
	}
	return false
}

func quoteIdent(driver, ident string) string {
	if driver == "mysql" {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

func placeholder(driver string, n int) string {
	if driver == "postgres" {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}
