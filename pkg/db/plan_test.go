package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakechorley/escort-dispatch/pkg/sheetssql"
)

func riderTable(t *testing.T, rows ...sheetssql.Row) *sheetssql.Table {
	t.Helper()
	schema, err := NewSchema()
	require.NoError(t, err)
	ts, ok := schema.Table(TableRider)
	require.True(t, ok)
	table, err := sheetssql.NewTable(*ts, rows)
	require.NoError(t, err)
	return table
}

func TestPlanCommit_SequentialMutationsOnOneTable(t *testing.T) {
	current := riderTable(t,
		sheetssql.Row{"id": "r1", "name": "Alice"},
		sheetssql.Row{"id": "r2", "name": "Bob"},
	)
	loads := 0
	load := func(name string) (*sheetssql.Table, error) {
		loads++
		return current, nil
	}

	plans, result, err := PlanCommit(load, []Mutation{
		{Table: TableRider, Append: []sheetssql.Row{{"id": "r3", "name": "Cara"}}},
		{Table: TableRider, Remove: func(r sheetssql.Row) bool { return r["id"] == "r1" }},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, loads)
	require.Len(t, plans, 1)

	plan := plans[0]
	assert.Equal(t, []string{"r1"}, plan.RemovedKeys)
	require.Len(t, plan.Appended, 1)
	assert.Equal(t, "r3", plan.Appended[0]["id"])
	assert.Equal(t, 2, plan.After.Len())
	assert.Equal(t, 2, plan.Before.Len())

	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, 1, result.Appended)
}

func TestPlanCommit_AppendThenRemoveNeverReachesStorage(t *testing.T) {
	current := riderTable(t)
	load := func(string) (*sheetssql.Table, error) { return current, nil }

	plans, _, err := PlanCommit(load, []Mutation{
		{Table: TableRider, Append: []sheetssql.Row{{"id": "r9", "name": "Temp"}}},
		{Table: TableRider, Remove: func(r sheetssql.Row) bool { return r["id"] == "r9" }},
	})
	require.NoError(t, err)
	assert.Empty(t, plans[0].Appended)
	assert.Empty(t, plans[0].RemovedKeys)
	assert.Equal(t, 0, plans[0].After.Len())
}

func TestPlanCommit_GuardSeesEarlierMutations(t *testing.T) {
	current := riderTable(t)
	load := func(string) (*sheetssql.Table, error) { return current, nil }

	var seen int
	_, _, err := PlanCommit(load, []Mutation{
		{Table: TableRider, Append: []sheetssql.Row{{"id": "r1"}}},
		{Table: TableRider, Guard: func(t *sheetssql.Table) error {
			seen = t.Len()
			return nil
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestUpsert_ReplacesRowWithSameKey(t *testing.T) {
	current := riderTable(t,
		sheetssql.Row{"id": "r1", "name": "Alice"},
		sheetssql.Row{"id": "r2", "name": "Bob"},
	)

	m, err := Upsert(Rider{ID: "r1", Name: "Alicia"})
	require.NoError(t, err)

	next, stats, err := current.Replace(m.Remove, m.Append)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)

	row, ok := next.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "Alicia", row["name"])
	assert.Equal(t, 1, next.Index["r1"])
}

func TestUpsert_UsesDeclaredKeyColumn(t *testing.T) {
	m, err := Upsert(ConfirmationToken{Token: "abc", Action: "confirm"})
	require.NoError(t, err)
	assert.Equal(t, TableConfirmationToken, m.Table)

	assert.True(t, m.Remove(sheetssql.Row{"token": "abc"}))
	assert.False(t, m.Remove(sheetssql.Row{"token": "xyz"}))
}
