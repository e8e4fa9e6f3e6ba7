// Package reconcile applies rider confirm and decline responses to
// assignments exactly once, keeping an audit trail of every response.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jakechorley/escort-dispatch/pkg/core/model"
	"github.com/jakechorley/escort-dispatch/pkg/db"
	"github.com/jakechorley/escort-dispatch/pkg/lock"
	"github.com/jakechorley/escort-dispatch/pkg/sheetssql"
)

// DefaultDedupeWindow is how long a repeated response counts as a duplicate
const DefaultDedupeWindow = 10 * time.Minute

// Event is a rider response from a redeemed token or a parsed message. It
// names the assignment directly or through the request and rider.
type Event struct {
	AssignmentID string
	RequestID    string
	RiderID      string
	Action       model.Action
	Source       model.Source
	Token        string
	Timestamp    time.Time
	RawPayload   string
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNoChange  Outcome = "no_change"
)

type Result struct {
	Outcome    Outcome                `json:"outcome"`
	Assignment model.Assignment       `json:"assignment"`
	Previous   model.AssignmentStatus `json:"previous"`
	LogID      string                 `json:"logId"`
}

type Config struct {
	Location     *time.Location
	DedupeWindow time.Duration
}

type Option func(*Reconciler)

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(r *Reconciler) { r.newID = newID }
}

type Reconciler struct {
	store  db.RecordStore
	locker lock.Locker
	logger *zap.Logger
	cfg    Config
	now    func() time.Time
	newID  func() string
}

func NewReconciler(store db.RecordStore, locker lock.Locker, cfg Config, logger *zap.Logger, opts ...Option) *Reconciler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = DefaultDedupeWindow
	}
	r := &Reconciler{
		store:  store,
		locker: locker,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type snapshot struct {
	assignments []db.Assignment
	riders      []db.Rider
	log         []db.ResponseLog
}

func (r *Reconciler) load(ctx context.Context) (*snapshot, error) {
	var s snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := db.Load[db.Assignment](gctx, r.store)
		s.assignments = rows
		return err
	})
	g.Go(func() error {
		rows, err := db.Load[db.Rider](gctx, r.store)
		s.riders = rows
		return err
	})
	g.Go(func() error {
		rows, err := db.Load[db.ResponseLog](gctx, r.store)
		s.log = rows
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Reconcile applies ev to its assignment. Confirm moves Pending or Declined
// to Confirmed; Decline moves Pending or Confirmed to Declined and leaves the
// rider on the request until a dispatcher unassigns them. Every event is
// written to the response log, duplicates and failures included.
func (r *Reconciler) Reconcile(ctx context.Context, ev Event) (*Result, error) {
	const op = "reconcile"

	if !ev.Action.IsValid() {
		return nil, model.ValidationError(op, "unknown action %q", ev.Action)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	log := r.logger.With(
		zap.String("source", string(ev.Source)),
		zap.String("action", string(ev.Action)),
		zap.String("assignment_id", ev.AssignmentID),
		zap.String("request_id", ev.RequestID),
		zap.String("rider_id", ev.RiderID))

	// Step 1: find the request so the right lock can be taken
	snap, err := r.load(ctx)
	if err != nil {
		return nil, model.StoreError(op, err)
	}
	target, err := r.resolve(ev, snap.assignments)
	if err != nil {
		r.logUnresolved(ctx, ev, err)
		return nil, model.UnresolvedError(op, "%v", err)
	}

	// Step 2: re-read under the request lock
	unlock, err := r.locker.Acquire(ctx, lock.RequestKey(target.RequestID))
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return nil, model.ConcurrencyError(op, err)
		}
		return nil, model.StoreError(op, err)
	}
	defer unlock()

	snap, err = r.load(ctx)
	if err != nil {
		return nil, model.StoreError(op, err)
	}
	row, ok := findAssignment(snap.assignments, target.ID)
	if !ok {
		err := fmt.Errorf("assignment %s no longer exists", target.ID)
		r.logUnresolved(ctx, ev, err)
		return nil, model.UnresolvedError(op, "%v", err)
	}
	a, err := model.AssignmentFromRow(row, r.cfg.Location)
	if err != nil {
		return nil, model.ValidationError(op, "%v", err)
	}
	if ev.RiderID != "" && ev.RiderID != a.RiderID {
		err := fmt.Errorf("rider %s does not hold assignment %s", ev.RiderID, a.ID)
		r.logUnresolved(ctx, ev, err)
		return nil, model.UnresolvedError(op, "%v", err)
	}

	entry := model.ResponseRecord{
		ID:           r.newID(),
		Timestamp:    ev.Timestamp,
		Source:       ev.Source,
		RiderID:      a.RiderID,
		RiderName:    riderName(snap.riders, a.RiderID),
		RequestID:    a.RequestID,
		AssignmentID: a.ID,
		Action:       ev.Action,
		Token:        ev.Token,
		RawPayload:   ev.RawPayload,
	}
	result := &Result{Assignment: a, Previous: a.Status, LogID: entry.ID}

	// Step 3: duplicates are logged as ignored and change nothing
	if r.isDuplicate(ev, a, snap.log) {
		entry.Outcome = model.LogIgnored
		if err := r.appendLog(ctx, op, entry); err != nil {
			return nil, err
		}
		log.Info("Duplicate response ignored")
		result.Outcome = OutcomeDuplicate
		return result, nil
	}

	// Step 4: check the transition
	next := ev.Action.Target()
	if a.Status.IsTerminal() {
		entry.Outcome = model.LogRejected
		if err := r.appendLog(ctx, op, entry); err != nil {
			return nil, err
		}
		log.Warn("Response for closed assignment", zap.String("status", string(a.Status)))
		return nil, model.ValidationError(op, "cannot %s assignment %s: it is %s", ev.Action, a.ID, a.Status)
	}
	if a.Status == next {
		entry.Outcome = model.LogIgnored
		if err := r.appendLog(ctx, op, entry); err != nil {
			return nil, err
		}
		log.Info("Assignment already in requested state", zap.String("status", string(a.Status)))
		result.Outcome = OutcomeNoChange
		return result, nil
	}

	// Step 5: apply and log in one commit, guarded against a concurrent change
	now := r.now().UTC()
	previous := a.Status
	a.Status = next
	switch next {
	case model.AssignmentConfirmed:
		a.ConfirmedAt = now
	case model.AssignmentDeclined:
		a.DeclinedAt = now
	}
	entry.Outcome = model.LogApplied

	update, err := db.Upsert(a.Row())
	if err != nil {
		return nil, model.StoreError(op, err)
	}
	update.Guard = statusUnchanged(a.ID, previous)
	appendEntry, err := db.Append(entry.Row())
	if err != nil {
		return nil, model.StoreError(op, err)
	}
	if _, err := r.store.Commit(ctx, update, appendEntry); err != nil {
		log.Error("Failed to apply response", zap.Error(err))
		if errors.Is(err, db.ErrGuardFailed) {
			return nil, model.ConcurrencyError(op, err)
		}
		return nil, model.StoreError(op, err)
	}

	log.Info("Response applied",
		zap.String("from", string(previous)),
		zap.String("to", string(next)))

	result.Outcome = OutcomeApplied
	result.Assignment = a
	return result, nil
}

// resolve finds the assignment an event refers to. Without an assignment id
// the rider's live assignment on the request is used.
func (r *Reconciler) resolve(ev Event, rows []db.Assignment) (db.Assignment, error) {
	if ev.AssignmentID != "" {
		a, ok := findAssignment(rows, ev.AssignmentID)
		if !ok {
			return db.Assignment{}, fmt.Errorf("assignment %s not found", ev.AssignmentID)
		}
		return a, nil
	}
	if ev.RequestID == "" || ev.RiderID == "" {
		return db.Assignment{}, fmt.Errorf("event names no assignment")
	}

	var live, closed []db.Assignment
	for _, a := range rows {
		if a.RequestID != ev.RequestID || a.RiderID != ev.RiderID {
			continue
		}
		if strings.EqualFold(a.Status, string(model.AssignmentCancelled)) {
			closed = append(closed, a)
			continue
		}
		live = append(live, a)
	}
	switch {
	case len(live) == 1:
		return live[0], nil
	case len(live) > 1:
		return db.Assignment{}, fmt.Errorf("rider %s has %d live assignments on request %s", ev.RiderID, len(live), ev.RequestID)
	case len(closed) > 0:
		// the newest cancelled row, so the response is rejected against real history
		sort.SliceStable(closed, func(i, j int) bool { return closed[i].CreatedAt < closed[j].CreatedAt })
		return closed[len(closed)-1], nil
	}
	return db.Assignment{}, fmt.Errorf("rider %s is not assigned to request %s", ev.RiderID, ev.RequestID)
}

// isDuplicate reports whether ev repeats a response already applied: the
// same token, or the same action as the assignment's latest applied response
// within the dedupe window
func (r *Reconciler) isDuplicate(ev Event, a model.Assignment, entries []db.ResponseLog) bool {
	var latest *db.ResponseLog
	var latestAt time.Time
	for i := range entries {
		e := &entries[i]
		if e.Outcome != string(model.LogApplied) || e.AssignmentID != a.ID {
			continue
		}
		if ev.Token != "" && e.Token == ev.Token {
			return true
		}
		ts, err := model.ParseTimestamp(e.Timestamp)
		if err != nil {
			continue
		}
		if latest == nil || !ts.Before(latestAt) {
			latest, latestAt = e, ts
		}
	}
	if latest == nil || latest.Action != string(ev.Action) || latest.RiderID != a.RiderID {
		return false
	}
	gap := ev.Timestamp.Sub(latestAt)
	if gap < 0 {
		gap = -gap
	}
	return gap <= r.cfg.DedupeWindow
}

func statusUnchanged(assignmentID string, status model.AssignmentStatus) func(*sheetssql.Table) error {
	return func(current *sheetssql.Table) error {
		row, ok := current.Get(assignmentID)
		if !ok {
			return fmt.Errorf("assignment %s was removed", assignmentID)
		}
		if !strings.EqualFold(row["status"], string(status)) {
			return fmt.Errorf("assignment %s changed to %s", assignmentID, row["status"])
		}
		return nil
	}
}

func (r *Reconciler) appendLog(ctx context.Context, op string, entry model.ResponseRecord) error {
	m, err := db.Append(entry.Row())
	if err != nil {
		return model.StoreError(op, err)
	}
	if _, err := r.store.Commit(ctx, m); err != nil {
		r.logger.Error("Failed to write response log", zap.String("log_id", entry.ID), zap.Error(err))
		return model.StoreError(op, err)
	}
	return nil
}

// logUnresolved records an event that could not be matched. A failure to
// write the record is logged; the caller still gets the unresolved error.
func (r *Reconciler) logUnresolved(ctx context.Context, ev Event, cause error) {
	r.logger.Warn("Unresolved response",
		zap.String("source", string(ev.Source)),
		zap.String("assignment_id", ev.AssignmentID),
		zap.String("request_id", ev.RequestID),
		zap.String("rider_id", ev.RiderID),
		zap.Error(cause))

	entry := model.ResponseRecord{
		ID:           r.newID(),
		Timestamp:    ev.Timestamp,
		Source:       ev.Source,
		RiderID:      ev.RiderID,
		RequestID:    ev.RequestID,
		AssignmentID: ev.AssignmentID,
		Action:       ev.Action,
		Token:        ev.Token,
		Outcome:      model.LogUnresolved,
		RawPayload:   ev.RawPayload,
	}
	if err := r.appendLog(ctx, "reconcile", entry); err != nil {
		r.logger.Error("Unresolved response was not recorded", zap.Error(err))
	}
}

// RecordRejected logs a response that never reached an assignment, such as
// a click on an expired or already used link. The rider and assignment are
// taken from ev where the token still identified them.
func (r *Reconciler) RecordRejected(ctx context.Context, ev Event, reason string) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	payload := "reason=" + reason
	if ev.RawPayload != "" {
		payload = ev.RawPayload + "; " + payload
	}

	var name string
	if ev.RiderID != "" {
		if snap, err := r.load(ctx); err == nil {
			name = riderName(snap.riders, ev.RiderID)
		}
	}
	entry := model.ResponseRecord{
		ID:           r.newID(),
		Timestamp:    ev.Timestamp,
		Source:       ev.Source,
		RiderID:      ev.RiderID,
		RiderName:    name,
		RequestID:    ev.RequestID,
		AssignmentID: ev.AssignmentID,
		Action:       ev.Action,
		Token:        ev.Token,
		Outcome:      model.LogRejected,
		RawPayload:   payload,
	}
	return r.appendLog(ctx, "record rejected", entry)
}

func findAssignment(rows []db.Assignment, id string) (db.Assignment, bool) {
	for _, a := range rows {
		if a.ID == id {
			return a, true
		}
	}
	return db.Assignment{}, false
}

func riderName(riders []db.Rider, id string) string {
	for _, r := range riders {
		if r.ID == id {
			return r.Name
		}
	}
	return ""
}
