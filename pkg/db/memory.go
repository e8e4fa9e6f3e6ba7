package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/jakechorley/escort-dispatch/pkg/sheetssql"
)

// MemoryStore is an in-process RecordStore. Commits swap whole tables under a
// single mutex, so readers only ever see fully committed states.
type MemoryStore struct {
	mu     sync.RWMutex
	schema *sheetssql.Schema
	tables map[string]*sheetssql.Table
}

// NewMemoryStore creates an empty store for every table in schema
func NewMemoryStore(schema *sheetssql.Schema) *MemoryStore {
	tables := make(map[string]*sheetssql.Table, len(schema.Tables))
	for _, ts := range schema.Tables {
		t, _ := sheetssql.NewTable(ts, nil)
		tables[ts.Name] = t
	}
	return &MemoryStore{
		schema: schema,
		tables: tables,
	}
}

// Schema returns the store's schema
func (m *MemoryStore) Schema() *sheetssql.Schema {
	return m.schema
}

// LoadTable returns a private copy of the named table
func (m *MemoryStore) LoadTable(ctx context.Context, name string) (*sheetssql.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return t.Clone(), nil
}

// ReplaceRows atomically drops the rows matched by remove and appends add
func (m *MemoryStore) ReplaceRows(ctx context.Context, name string, remove func(sheetssql.Row) bool, add []sheetssql.Row) (CommitResult, error) {
	return m.Commit(ctx, Mutation{Table: name, Remove: remove, Append: add})
}

// Commit applies every mutation or none of them
func (m *MemoryStore) Commit(ctx context.Context, mutations ...Mutation) (CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	load := func(name string) (*sheetssql.Table, error) {
		t, ok := m.tables[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
		}
		return t, nil
	}

	plans, result, err := PlanCommit(load, mutations)
	if err != nil {
		return CommitResult{}, err
	}

	for _, p := range plans {
		m.tables[p.Name] = p.After
	}
	return result, nil
}
