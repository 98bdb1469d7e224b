package load

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// Target is the write side of the sync: it applies batches atomically
// and answers the lookups validation and conflict detection need.
type Target interface {
	// ApplyBatch applies every record in one transaction. Partial
	// failure rolls the whole sub-batch back.
	ApplyBatch(ctx context.Context, table string, pkCols []string, records []model.ChangeRecord) error
	// FetchRow returns the current target row for a primary key.
	FetchRow(ctx context.Context, table string, pkCols []string, pk model.Row) (model.Row, bool, error)
	// Exists reports whether any row has value in field.
	Exists(ctx context.Context, table, field string, value interface{}) (bool, error)
	Ping(ctx context.Context) error
	Close()
}

// PgxTarget is the Postgres target over a pgx pool.
type PgxTarget struct {
	pool *pgxpool.Pool
}

// NewPgxTarget connects to the target database.
func NewPgxTarget(ctx context.Context, connStr string) (*PgxTarget, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.KindConfig, "load", "parse target conn string")
	}
	return &PgxTarget{pool: pool}, nil
}

func (t *PgxTarget) ApplyBatch(ctx context.Context, table string, pkCols []string,
	records []model.ChangeRecord) error {
	tx, err := t.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(err, "begin target transaction")
	}
	defer tx.Rollback(ctx)

	for _, rec := range records {
		if rec.Op == model.OpDelete {
			if err := deleteRow(ctx, tx, table, pkCols, rec.PK); err != nil {
				return err
			}
			continue
		}
		if err := upsertRow(ctx, tx, table, pkCols, rec.NewRow); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err, "commit sub-batch")
	}
	return nil
}

func upsertRow(ctx context.Context, tx pgx.Tx, table string, pkCols []string, row model.Row) error {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	// deterministic column order keeps statements cacheable
	sort.Strings(cols)

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(pgIdent(table))
	sb.WriteString(" (")
	args := make([]interface{}, 0, len(cols))
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(pgIdent(c))
		args = append(args, row[c])
	}
	sb.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("$" + strconv.Itoa(i+1))
	}
	sb.WriteString(") ON CONFLICT (")
	for i, c := range pkCols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(pgIdent(c))
	}
	sb.WriteString(") DO UPDATE SET ")
	first := true
	for _, c := range cols {
		if contains(pkCols, c) {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString(pgIdent(c))
		sb.WriteString(" = EXCLUDED.")
		sb.WriteString(pgIdent(c))
	}
	if first {
		// pk-only table: nothing to update, keep idempotence
		sb.Reset()
		return insertIgnore(ctx, tx, table, pkCols, row)
	}

	if _, err := tx.Exec(ctx, sb.String(), args...); err != nil {
		return classify(err, "upsert into "+table)
	}
	return nil
}

func insertIgnore(ctx context.Context, tx pgx.Tx, table string, pkCols []string, row model.Row) error {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(pgIdent(table))
	sb.WriteString(" (")
	args := make([]interface{}, 0, len(pkCols))
	for i, c := range pkCols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(pgIdent(c))
		args = append(args, row[c])
	}
	sb.WriteString(") VALUES (")
	for i := range pkCols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("$" + strconv.Itoa(i+1))
	}
	sb.WriteString(") ON CONFLICT DO NOTHING")
	if _, err := tx.Exec(ctx, sb.String(), args...); err != nil {
		return classify(err, "insert into "+table)
	}
	return nil
}

func deleteRow(ctx context.Context, tx pgx.Tx, table string, pkCols []string, pk model.Row) error {
	var sb strings.Builder
	sb.WriteString("DELETE FROM ")
	sb.WriteString(pgIdent(table))
	sb.WriteString(" WHERE ")
	args := make([]interface{}, 0, len(pkCols))
	for i, c := range pkCols {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(pgIdent(c))
		sb.WriteString(" = $" + strconv.Itoa(i+1))
		args = append(args, pk[c])
	}
	if _, err := tx.Exec(ctx, sb.String(), args...); err != nil {
		return classify(err, "delete from "+table)
	}
	return nil
}

func (t *PgxTarget) FetchRow(ctx context.Context, table string, pkCols []string,
	pk model.Row) (model.Row, bool, error) {
	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(pgIdent(table))
	sb.WriteString(" WHERE ")
	args := make([]interface{}, 0, len(pkCols))
	for i, c := range pkCols {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(pgIdent(c))
		sb.WriteString(" = $" + strconv.Itoa(i+1))
		args = append(args, pk[c])
	}

	rows, err := t.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, false, classify(err, "fetch row from "+table)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}

	descs := rows.FieldDescriptions()
	vals, err := rows.Values()
	if err != nil {
		return nil, false, classify(err, "read row from "+table)
	}
	row := make(model.Row, len(descs))
	for i, d := range descs {
		row[string(d.Name)] = vals[i]
	}
	return row, true, nil
}

// ScanTable reads up to limit rows from a target table. The quality
// engine uses it to evaluate rules outside a sync job.
func (t *PgxTarget) ScanTable(ctx context.Context, table string, limit int) ([]model.Row, error) {
	query := fmt.Sprintf("SELECT * FROM %s LIMIT $1", pgIdent(table))
	rows, err := t.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, classify(err, "scan "+table)
	}
	defer rows.Close()

	var out []model.Row
	for rows.Next() {
		descs := rows.FieldDescriptions()
		vals, err := rows.Values()
		if err != nil {
			return nil, classify(err, "read row from "+table)
		}
		row := make(model.Row, len(descs))
		for i, d := range descs {
			row[string(d.Name)] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "scan "+table)
	}
	return out, nil
}

func (t *PgxTarget) Exists(ctx context.Context, table, field string, value interface{}) (bool, error) {
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)",
		pgIdent(table), pgIdent(field))
	var exists bool
	if err := t.pool.QueryRow(ctx, query, value).Scan(&exists); err != nil {
		return false, classify(err, "existence check on "+table)
	}
	return exists, nil
}

func (t *PgxTarget) Ping(ctx context.Context) error {
	if err := t.pool.Ping(ctx); err != nil {
		return syncerrors.Wrap(err, syncerrors.KindTransient, "load", "target unreachable")
	}
	return nil
}

func (t *PgxTarget) Close() {
	t.pool.Close()
}

// classify maps a Postgres error onto the error taxonomy: deadlocks,
// serialization failures, and connection loss retry; constraint
// violations are data errors; undefined columns or tables are schema
// mismatches and fatal.
func classify(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01" || // serialization, deadlock
			pgErr.Code == "55P03" || // lock not available
			strings.HasPrefix(pgErr.Code, "53") || // resources
			strings.HasPrefix(pgErr.Code, "08"): // connection
			return syncerrors.Wrap(err, syncerrors.KindTransient, "load", msg)
		case strings.HasPrefix(pgErr.Code, "23"): // constraint violation
			return syncerrors.Wrap(err, syncerrors.KindData, "load", msg)
		case strings.HasPrefix(pgErr.Code, "42"): // undefined table/column
			return syncerrors.Wrap(err, syncerrors.KindIntegrity, "load", msg)
		}
		return syncerrors.Wrap(err, syncerrors.KindInternal, "load", msg)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// non-Postgres errors at this layer are network-level
	return syncerrors.Wrap(err, syncerrors.KindTransient, "load", msg)
}

func pgIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

