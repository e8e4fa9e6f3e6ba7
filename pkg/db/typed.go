package db

import (
	"context"
	"fmt"

	"github.com/jakechorley/escort-dispatch/pkg/sheetssql"
)

// Load reads every row of the table that T maps to
func Load[T any](ctx context.Context, store RecordStore) ([]T, error) {
	var model T
	name := sheetssql.TableName(model)
	table, err := store.LoadTable(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}
	rows, err := sheetssql.DecodeAll[T](table.Rows)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return rows, nil
}

// Replace builds a mutation on the table T maps to. Rows that cannot be
// decoded are never matched by remove.
func Replace[T any](remove func(T) bool, add ...T) (Mutation, error) {
	var model T
	m := Mutation{Table: sheetssql.TableName(model)}

	if remove != nil {
		m.Remove = func(r sheetssql.Row) bool {
			v, err := sheetssql.Decode[T](r)
			if err != nil {
				return false
			}
			return remove(v)
		}
	}

	rows, err := sheetssql.EncodeAll(add)
	if err != nil {
		return Mutation{}, fmt.Errorf("failed to encode %s rows: %w", m.Table, err)
	}
	m.Append = rows
	return m, nil
}

// Append builds a mutation that only adds rows to the table T maps to
func Append[T any](add ...T) (Mutation, error) {
	return Replace[T](nil, add...)
}

// Upsert builds a mutation that replaces the rows sharing a key with add
func Upsert[T any](add ...T) (Mutation, error) {
	var model T
	key, err := sheetssql.KeyColumn(model)
	if err != nil {
		return Mutation{}, err
	}

	m, err := Replace[T](nil, add...)
	if err != nil {
		return Mutation{}, err
	}

	keys := make(map[string]struct{}, len(m.Append))
	for _, r := range m.Append {
		keys[r[key]] = struct{}{}
	}
	m.Remove = func(r sheetssql.Row) bool {
		_, hit := keys[r[key]]
		return hit
	}
	return m, nil
}
