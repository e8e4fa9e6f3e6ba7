package assignment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jakechorley/escort-dispatch/pkg/core/model"
	"github.com/jakechorley/escort-dispatch/pkg/core/notify"
	"github.com/jakechorley/escort-dispatch/pkg/core/tokens"
	"github.com/jakechorley/escort-dispatch/pkg/db"
	"github.com/jakechorley/escort-dispatch/pkg/lock"
)

var t0 = time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC)

type sentMessage struct {
	recipient, subject, body string
}

type mockNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (m *mockNotifier) Send(ctx context.Context, recipient, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMessage{recipient, subject, body})
	return nil
}

type mockCalendar struct {
	mu     sync.Mutex
	events []notify.MirrorEvent
	err    error
}

func (m *mockCalendar) UpsertEvent(ctx context.Context, ev notify.MirrorEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}

type failingCommitStore struct {
	db.RecordStore
}

func (failingCommitStore) Commit(context.Context, ...db.Mutation) (db.CommitResult, error) {
	return db.CommitResult{}, errors.New("sheets quota exceeded")
}

type harness struct {
	t        *testing.T
	store    *db.MemoryStore
	locker   *lock.LocalLocker
	notifier *mockNotifier
	calendar *mockCalendar
	engine   *Engine
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	schema, err := db.NewSchema()
	require.NoError(t, err)

	h := &harness{
		t:        t,
		store:    db.NewMemoryStore(schema),
		locker:   lock.NewLocalLocker(time.Second),
		notifier: &mockNotifier{},
		calendar: &mockCalendar{},
	}

	var mu sync.Mutex
	n := 0
	newID := func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("a-%d", n)
	}
	now := func() time.Time { return t0 }

	minter := tokens.NewService(h.store, h.locker, "https://dispatch.example.org/confirm", 72*time.Hour, zap.NewNop(), tokens.WithClock(now))
	h.engine = NewEngine(h.store, h.locker, minter, cfg, zap.NewNop(),
		WithNotifier(h.notifier),
		WithCalendar(h.calendar),
		WithClock(now),
		WithIDGenerator(newID))

	h.seed(
		db.Rider{ID: "R1", Name: "Alice", Email: "alice@example.com"},
		db.Rider{ID: "R2", Name: "Bob", Email: "bob@example.com", Status: "Active"},
		db.Rider{ID: "R3", Name: "Carol", Email: "carol@example.com"},
		db.Rider{ID: "R4", Name: "Dan", Email: "dan@example.com", Status: "Inactive"},
	)
	return h
}

func (h *harness) seed(rows ...any) {
	h.t.Helper()
	var mutations []db.Mutation
	for _, row := range rows {
		var m db.Mutation
		var err error
		switch r := row.(type) {
		case db.Request:
			m, err = db.Append(r)
		case db.Rider:
			m, err = db.Append(r)
		case db.Assignment:
			m, err = db.Append(r)
		case db.Availability:
			m, err = db.Append(r)
		default:
			h.t.Fatalf("cannot seed %T", row)
		}
		require.NoError(h.t, err)
		mutations = append(mutations, m)
	}
	_, err := h.store.Commit(context.Background(), mutations...)
	require.NoError(h.t, err)
}

func (h *harness) request(id string) db.Request {
	h.t.Helper()
	rows, err := db.Load[db.Request](context.Background(), h.store)
	require.NoError(h.t, err)
	for _, r := range rows {
		if r.ID == id {
			return r
		}
	}
	h.t.Fatalf("request %s not found", id)
	return db.Request{}
}

func (h *harness) assignments(requestID string) []db.Assignment {
	h.t.Helper()
	rows, err := db.Load[db.Assignment](context.Background(), h.store)
	require.NoError(h.t, err)
	var out []db.Assignment
	for _, r := range rows {
		if r.RequestID == requestID {
			out = append(out, r)
		}
	}
	return out
}

func (h *harness) tokenCount() int {
	h.t.Helper()
	rows, err := db.Load[db.ConfirmationToken](context.Background(), h.store)
	require.NoError(h.t, err)
	return len(rows)
}

// assertConsistent checks that the request's rider list is exactly the set of
// riders with a non-cancelled assignment on it
func (h *harness) assertConsistent(requestID string) {
	h.t.Helper()
	var live []string
	for _, a := range h.assignments(requestID) {
		if a.Status != string(model.AssignmentCancelled) {
			live = append(live, a.RiderID)
		}
	}
	listed := model.SplitIDs(h.request(requestID).AssignedRiderIDs)
	sort.Strings(live)
	sort.Strings(listed)
	assert.Equal(h.t, live, listed, "request %s rider list", requestID)
}

func (h *harness) snapshotTables() map[string]int {
	h.t.Helper()
	out := make(map[string]int)
	for _, name := range []string{db.TableRequest, db.TableAssignment, db.TableConfirmationToken} {
		table, err := h.store.LoadTable(context.Background(), name)
		require.NoError(h.t, err)
		out[name] = table.Len()
	}
	return out
}

func morningRequest(id string, needed int) db.Request {
	return db.Request{ID: id, EventDate: "2025-03-01", StartTime: "10:00", EndTime: "12:00", RidersNeeded: needed, StartLocation: "Library", EndLocation: "Station"}
}
