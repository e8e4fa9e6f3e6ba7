package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/sheets/v4"

	"github.com/jakechorley/escort-dispatch/pkg/lock"
	"github.com/jakechorley/escort-dispatch/pkg/sheetssql"
)

// fakeSheets is an in-memory spreadsheet that records batch writes
type fakeSheets struct {
	mu         sync.Mutex
	sheets     map[string][][]interface{}
	writeCalls int
	failWrites error
}

func newFakeSheets() *fakeSheets {
	return &fakeSheets{sheets: make(map[string][][]interface{})}
}

func (f *fakeSheets) GetValues(spreadsheetID, sheetRange string) ([][]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := sheetRange
	limit := -1
	if i := strings.Index(sheetRange, "!"); i >= 0 {
		name = sheetRange[:i]
		limit = 2
	}
	values, ok := f.sheets[name]
	if !ok {
		return nil, fmt.Errorf("no sheet %s", name)
	}
	if limit >= 0 && len(values) > limit {
		values = values[:limit]
	}
	out := make([][]interface{}, len(values))
	for i, row := range values {
		out[i] = append([]interface{}(nil), row...)
	}
	return out, nil
}

func (f *fakeSheets) AppendRows(spreadsheetID, sheetRange string, values [][]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sheets[sheetRange] = append(f.sheets[sheetRange], values...)
	return nil
}

func (f *fakeSheets) BatchUpdateValues(spreadsheetID string, data []*sheets.ValueRange) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writeCalls++
	if f.failWrites != nil {
		return f.failWrites
	}
	for _, vr := range data {
		parts := strings.SplitN(vr.Range, "!", 2)
		cell := strings.SplitN(parts[1], ":", 2)[0]
		start, _ := strconv.Atoi(strings.TrimLeft(cell, "ABCDEFGHIJKLMNOPQRSTUVWXYZ"))
		sheet := f.sheets[parts[0]]
		for i, row := range vr.Values {
			idx := start - 1 + i
			for len(sheet) <= idx {
				sheet = append(sheet, []interface{}{})
			}
			sheet[idx] = append([]interface{}(nil), row...)
		}
		f.sheets[parts[0]] = sheet
	}
	return nil
}

func (f *fakeSheets) CreateSheet(spreadsheetID, sheetTitle string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sheets[sheetTitle] = nil
	return int64(len(f.sheets)), nil
}

func (f *fakeSheets) ListSheets(spreadsheetID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.sheets))
	for name := range f.sheets {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeSheets) snapshot(name string) [][]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]interface{}, len(f.sheets[name]))
	for i, row := range f.sheets[name] {
		out[i] = append([]interface{}(nil), row...)
	}
	return out
}

func newSheetsStore(t *testing.T) (*DB, *fakeSheets) {
	t.Helper()
	schema, err := NewSchema()
	require.NoError(t, err)
	fake := newFakeSheets()
	ssql, err := sheetssql.NewDB(fake, "dispatch-sheet", schema)
	require.NoError(t, err)
	return NewDB(ssql, lock.NewLocalLocker(lock.DefaultWait), zap.NewNop()), fake
}

func newMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	schema, err := NewSchema()
	require.NoError(t, err)
	return NewMemoryStore(schema)
}

// stores runs a test against every in-process RecordStore implementation
func stores(t *testing.T) map[string]RecordStore {
	sheetsStore, _ := newSheetsStore(t)
	return map[string]RecordStore{
		"memory": newMemoryStore(t),
		"sheets": sheetsStore,
	}
}

func TestRecordStore_ReplaceRowsRemovesAndAppends(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			add, err := Append(
				Rider{ID: "r1", Name: "Alice", Status: "Active"},
				Rider{ID: "r2", Name: "Bob", Status: "Active"},
				Rider{ID: "r3", Name: "Cara", Status: "Active"},
			)
			require.NoError(t, err)
			_, err = store.Commit(ctx, add)
			require.NoError(t, err)

			res, err := store.ReplaceRows(ctx, TableRider,
				func(r sheetssql.Row) bool { return r["id"] == "r2" },
				[]sheetssql.Row{{"id": "r2", "name": "Bob", "status": "Inactive"}})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Removed)
			assert.Equal(t, 1, res.Appended)

			riders, err := Load[Rider](ctx, store)
			require.NoError(t, err)
			require.Len(t, riders, 3)
			assert.Equal(t, "r1", riders[0].ID)
			assert.Equal(t, "r3", riders[1].ID)
			assert.Equal(t, "r2", riders[2].ID)
			assert.Equal(t, "Inactive", riders[2].Status)
		})
	}
}

func TestRecordStore_CommitSpansTables(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			req, err := Append(Request{ID: "1", EventDate: "2025-03-01", RidersNeeded: 1, Status: "Unassigned"})
			require.NoError(t, err)
			_, err = store.Commit(ctx, req)
			require.NoError(t, err)

			asg, err := Append(Assignment{ID: "a1", RequestID: "1", RiderID: "r1", Status: "Pending"})
			require.NoError(t, err)
			upd, err := Upsert(Request{ID: "1", EventDate: "2025-03-01", RidersNeeded: 1, Status: "Assigned", AssignedRiderIDs: "r1"})
			require.NoError(t, err)

			res, err := store.Commit(ctx, asg, upd)
			require.NoError(t, err)
			assert.Equal(t, []string{TableAssignment, TableRequest}, res.Tables)

			requests, err := Load[Request](ctx, store)
			require.NoError(t, err)
			require.Len(t, requests, 1)
			assert.Equal(t, "Assigned", requests[0].Status)
			assert.Equal(t, "r1", requests[0].AssignedRiderIDs)

			assignments, err := Load[Assignment](ctx, store)
			require.NoError(t, err)
			require.Len(t, assignments, 1)
		})
	}
}

func TestRecordStore_GuardFailureWritesNothing(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			tok, err := Append(ConfirmationToken{Token: "t1", Action: "confirm"})
			require.NoError(t, err)
			_, err = store.Commit(ctx, tok)
			require.NoError(t, err)

			log, err := Append(ResponseLog{ID: "l1", Token: "t1"})
			require.NoError(t, err)
			consume, err := Upsert(ConfirmationToken{Token: "t1", Action: "confirm", ConsumedAt: "2025-01-01T00:00:00Z"})
			require.NoError(t, err)
			consume.Guard = func(current *sheetssql.Table) error {
				return errors.New("already consumed")
			}

			_, err = store.Commit(ctx, log, consume)
			require.ErrorIs(t, err, ErrGuardFailed)

			logs, err := Load[ResponseLog](ctx, store)
			require.NoError(t, err)
			assert.Empty(t, logs)

			tokens, err := Load[ConfirmationToken](ctx, store)
			require.NoError(t, err)
			require.Len(t, tokens, 1)
			assert.Empty(t, tokens[0].ConsumedAt)
		})
	}
}

func TestRecordStore_DuplicateKeyRejected(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			add, err := Append(Rider{ID: "r1", Name: "Alice"})
			require.NoError(t, err)
			_, err = store.Commit(ctx, add)
			require.NoError(t, err)

			_, err = store.Commit(ctx, add)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "duplicate key")

			riders, err := Load[Rider](ctx, store)
			require.NoError(t, err)
			assert.Len(t, riders, 1)
		})
	}
}

func TestRecordStore_UnknownTable(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.LoadTable(context.Background(), "nope")
			assert.ErrorIs(t, err, ErrUnknownTable)

			_, err = store.Commit(context.Background(), Mutation{Table: "nope"})
			assert.ErrorIs(t, err, ErrUnknownTable)
		})
	}
}

func TestRecordStore_ConcurrentCommitsLoseNothing(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var wg sync.WaitGroup
			errs := make(chan error, 20)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					m, err := Append(ResponseLog{ID: fmt.Sprintf("l%d", i)})
					if err != nil {
						errs <- err
						return
					}
					_, err = store.Commit(ctx, m)
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			logs, err := Load[ResponseLog](ctx, store)
			require.NoError(t, err)
			assert.Len(t, logs, 20)
		})
	}
}

func TestDB_FailedWriteLeavesSheetUntouched(t *testing.T) {
	store, fake := newSheetsStore(t)
	ctx := context.Background()

	add, err := Append(
		Rider{ID: "r1", Name: "Alice"},
		Rider{ID: "r2", Name: "Bob"},
	)
	require.NoError(t, err)
	_, err = store.Commit(ctx, add)
	require.NoError(t, err)

	before := fake.snapshot(TableRider)
	fake.failWrites = errors.New("quota exceeded")

	_, err = store.ReplaceRows(ctx, TableRider, func(sheetssql.Row) bool { return true }, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Equal(t, before, fake.snapshot(TableRider))

	fake.failWrites = nil
	riders, err := Load[Rider](ctx, store)
	require.NoError(t, err)
	assert.Len(t, riders, 2)
}

func TestDB_ShrinkingCommitIsOneWrite(t *testing.T) {
	store, fake := newSheetsStore(t)
	ctx := context.Background()

	add, err := Append(
		Rider{ID: "r1", Name: "Alice"},
		Rider{ID: "r2", Name: "Bob"},
		Rider{ID: "r3", Name: "Cara"},
	)
	require.NoError(t, err)
	_, err = store.Commit(ctx, add)
	require.NoError(t, err)

	writes := fake.writeCalls
	_, err = store.ReplaceRows(ctx, TableRider, func(r sheetssql.Row) bool { return r["id"] != "r1" }, nil)
	require.NoError(t, err)
	assert.Equal(t, writes+1, fake.writeCalls)

	riders, err := Load[Rider](ctx, store)
	require.NoError(t, err)
	require.Len(t, riders, 1)
	assert.Equal(t, "r1", riders[0].ID)
}

func TestMemoryStore_LoadReturnsCopy(t *testing.T) {
	store := newMemoryStore(t)
	ctx := context.Background()

	add, err := Append(Rider{ID: "r1", Name: "Alice"})
	require.NoError(t, err)
	_, err = store.Commit(ctx, add)
	require.NoError(t, err)

	table, err := store.LoadTable(ctx, TableRider)
	require.NoError(t, err)
	table.Rows[0]["name"] = "Mallory"

	again, err := store.LoadTable(ctx, TableRider)
	require.NoError(t, err)
	assert.Equal(t, "Alice", again.Rows[0]["name"])
}
