package postgres

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/jakechorley/escort-dispatch/pkg/db"
	"github.com/jakechorley/escort-dispatch/pkg/sheetssql"
)

// Schema returns the table schema the store was opened with
func (d *DB) Schema() *sheetssql.Schema {
	return d.schema
}

// LoadTable reads every row of a table in append order
func (d *DB) LoadTable(ctx context.Context, name string) (*sheetssql.Table, error) {
	ts, ok := d.schema.Table(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", db.ErrUnknownTable, name)
	}
	return loadTable(ctx, d.pool, *ts)
}

// ReplaceRows atomically drops the rows matched by remove and appends add
func (d *DB) ReplaceRows(ctx context.Context, name string, remove func(sheetssql.Row) bool, add []sheetssql.Row) (db.CommitResult, error) {
	return d.Commit(ctx, db.Mutation{Table: name, Remove: remove, Append: add})
}

// Commit applies every mutation inside one transaction. Touched tables are
// locked in name order for the duration, so guards see the committed state.
func (d *DB) Commit(ctx context.Context, mutations ...db.Mutation) (db.CommitResult, error) {
	names := make([]string, 0, len(mutations))
	seen := make(map[string]bool, len(mutations))
	for _, m := range mutations {
		if _, ok := d.schema.Table(m.Table); !ok {
			return db.CommitResult{}, fmt.Errorf("%w: %s", db.ErrUnknownTable, m.Table)
		}
		if !seen[m.Table] {
			seen[m.Table] = true
			names = append(names, m.Table)
		}
	}
	sort.Strings(names)

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return db.CommitResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, name := range names {
		if _, err := tx.Exec(ctx, lockSQL(name)); err != nil {
			return db.CommitResult{}, fmt.Errorf("failed to lock %s: %w", name, err)
		}
	}

	load := func(name string) (*sheetssql.Table, error) {
		ts, _ := d.schema.Table(name)
		return loadTable(ctx, tx, *ts)
	}

	plans, result, err := db.PlanCommit(load, mutations)
	if err != nil {
		return db.CommitResult{}, err
	}

	for _, p := range plans {
		ts := p.After.Schema
		if len(p.RemovedKeys) > 0 {
			if _, err := tx.Exec(ctx, deleteSQL(ts), p.RemovedKeys); err != nil {
				return db.CommitResult{}, fmt.Errorf("failed to delete from %s: %w", ts.Name, err)
			}
		}
		query := insertSQL(ts)
		for _, row := range p.Appended {
			if _, err := tx.Exec(ctx, query, rowArgs(ts, row)...); err != nil {
				return db.CommitResult{}, fmt.Errorf("failed to insert into %s: %w", ts.Name, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return db.CommitResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	d.logger.Debug("Committed tables",
		zap.Strings("tables", result.Tables),
		zap.Int("removed", result.Removed),
		zap.Int("appended", result.Appended))

	return result, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadTable(ctx context.Context, q querier, ts sheetssql.TableSchema) (*sheetssql.Table, error) {
	rows, err := q.Query(ctx, selectSQL(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", ts.Name, err)
	}
	defer rows.Close()

	var out []sheetssql.Row
	for rows.Next() {
		values := make([]string, len(ts.Columns))
		dest := make([]any, len(values))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", ts.Name, err)
		}
		row := make(sheetssql.Row, len(ts.Columns))
		for i, col := range ts.Columns {
			row[col.Name] = values[i]
		}
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", ts.Name, err)
	}

	return sheetssql.NewTable(ts, out)
}

func quotedColumns(ts sheetssql.TableSchema) string {
	cols := make([]string, len(ts.Columns))
	for i, col := range ts.Columns {
		cols[i] = pgx.Identifier{col.Name}.Sanitize()
	}
	return strings.Join(cols, ", ")
}

func selectSQL(ts sheetssql.TableSchema) string {
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY seq", quotedColumns(ts), pgx.Identifier{ts.Name}.Sanitize())
}

func insertSQL(ts sheetssql.TableSchema) string {
	params := make([]string, len(ts.Columns))
	for i := range ts.Columns {
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{ts.Name}.Sanitize(), quotedColumns(ts), strings.Join(params, ", "))
}

func deleteSQL(ts sheetssql.TableSchema) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1)",
		pgx.Identifier{ts.Name}.Sanitize(), pgx.Identifier{ts.Key}.Sanitize())
}

func lockSQL(name string) string {
	return fmt.Sprintf("LOCK TABLE %s IN EXCLUSIVE MODE", pgx.Identifier{name}.Sanitize())
}

func rowArgs(ts sheetssql.TableSchema, row sheetssql.Row) []any {
	args := make([]any, len(ts.Columns))
	for i, col := range ts.Columns {
		args[i] = row[col.Name]
	}
	return args
}
