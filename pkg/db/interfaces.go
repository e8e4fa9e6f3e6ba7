package db

import (
	"context"
	"errors"

	"github.com/jakechorley/escort-dispatch/pkg/sheetssql"
)

var (
	// ErrGuardFailed is returned when a mutation's guard rejects the current rows.
	// Nothing is written when it occurs.
	ErrGuardFailed = errors.New("commit guard rejected current state")

	// ErrUnknownTable is returned for a table that is not in the schema
	ErrUnknownTable = errors.New("unknown table")
)

// Mutation replaces a range of rows in one table: every row matched by Remove
// is dropped and Append is added. Guard, if set, is evaluated against the
// freshly loaded table inside the atomic section before anything is written.
type Mutation struct {
	Table  string
	Remove func(sheetssql.Row) bool
	Append []sheetssql.Row
	Guard  func(current *sheetssql.Table) error
}

// CommitResult summarises a successful commit
type CommitResult struct {
	Tables   []string
	Removed  int
	Appended int
}

// RecordStore is the only way business logic reads or writes tables.
// Every implementation guarantees that a commit is all-or-nothing and that a
// table is never observable in a cleared or partially rewritten state.
// Both the SheetsSQL-backed db.DB and postgres.DB implement this interface.
type RecordStore interface {
	Schema() *sheetssql.Schema
	LoadTable(ctx context.Context, name string) (*sheetssql.Table, error)
	ReplaceRows(ctx context.Context, name string, remove func(sheetssql.Row) bool, add []sheetssql.Row) (CommitResult, error)
	Commit(ctx context.Context, mutations ...Mutation) (CommitResult, error)
}
