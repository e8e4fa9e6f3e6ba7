package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jakechorley/escort-dispatch/pkg/lock"
	"github.com/jakechorley/escort-dispatch/pkg/sheetssql"
)

// DB provides the record store using SheetsSQL.
// A commit holds a lock on every touched table, re-reads them, computes the new
// content in memory and writes it back in a single batch update.
type DB struct {
	ssql   *sheetssql.DB
	locker lock.Locker
	logger *zap.Logger
}

// NewDB creates a new database instance
func NewDB(ssql *sheetssql.DB, locker lock.Locker, logger *zap.Logger) *DB {
	return &DB{
		ssql:   ssql,
		locker: locker,
		logger: logger,
	}
}

// Schema returns the schema of the underlying spreadsheet
func (db *DB) Schema() *sheetssql.Schema {
	return db.ssql.Schema()
}

// LoadTable reads the named table
func (db *DB) LoadTable(ctx context.Context, name string) (*sheetssql.Table, error) {
	if _, ok := db.ssql.Schema().Table(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	table, err := db.ssql.ReadTable(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load table %s: %w", name, err)
	}
	return table, nil
}

// ReplaceRows atomically drops the rows matched by remove and appends add
func (db *DB) ReplaceRows(ctx context.Context, name string, remove func(sheetssql.Row) bool, add []sheetssql.Row) (CommitResult, error) {
	return db.Commit(ctx, Mutation{Table: name, Remove: remove, Append: add})
}

// Commit applies every mutation in one write, or none of them
func (db *DB) Commit(ctx context.Context, mutations ...Mutation) (CommitResult, error) {
	keys := make([]string, 0, len(mutations))
	for _, m := range mutations {
		if _, ok := db.ssql.Schema().Table(m.Table); !ok {
			return CommitResult{}, fmt.Errorf("%w: %s", ErrUnknownTable, m.Table)
		}
		keys = append(keys, lock.TableKey(m.Table))
	}

	unlock, err := lock.AcquireAll(ctx, db.locker, keys...)
	if err != nil {
		return CommitResult{}, fmt.Errorf("failed to lock tables: %w", err)
	}
	defer unlock()

	plans, result, err := PlanCommit(db.ssql.ReadTable, mutations)
	if err != nil {
		return CommitResult{}, err
	}

	tables := make([]*sheetssql.Table, 0, len(plans))
	for _, p := range plans {
		tables = append(tables, p.After)
	}

	if err := db.ssql.WriteTables(tables...); err != nil {
		db.logger.Error("Commit failed, previous rows left intact",
			zap.Strings("tables", result.Tables),
			zap.Error(err))
		return CommitResult{}, fmt.Errorf("failed to commit %v: %w", result.Tables, err)
	}

	db.logger.Debug("Committed tables",
		zap.Strings("tables", result.Tables),
		zap.Int("removed", result.Removed),
		zap.Int("appended", result.Appended))

	return result, nil
}
