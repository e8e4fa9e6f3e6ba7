// Package assignment computes and commits the rider set of escort requests.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jakechorley/escort-dispatch/pkg/core/model"
	"github.com/jakechorley/escort-dispatch/pkg/core/notify"
	"github.com/jakechorley/escort-dispatch/pkg/core/tokens"
	"github.com/jakechorley/escort-dispatch/pkg/db"
	"github.com/jakechorley/escort-dispatch/pkg/lock"
	"github.com/jakechorley/escort-dispatch/pkg/sheetssql"
)

// DefaultNotificationTimeout bounds each notifier and calendar call
const DefaultNotificationTimeout = 10 * time.Second

// TokenMinter creates confirmation tokens that the engine commits alongside assignments
type TokenMinter interface {
	MintPair(a model.Assignment) (tokens.Pair, error)
	Links(p tokens.Pair) tokens.Links
}

type Config struct {
	Location *time.Location
	// PartialStatus is the request status when some but not all riders are assigned
	PartialStatus       model.RequestStatus
	NotificationTimeout time.Duration
	// Blackouts are RRULEs for days on which nobody may be assigned
	Blackouts []string
}

type Option func(*Engine)

func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

func WithCalendar(c notify.CalendarMirror) Option {
	return func(e *Engine) {
		if c != nil {
			e.calendar = c
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

type Engine struct {
	store    db.RecordStore
	locker   lock.Locker
	tokens   TokenMinter
	notifier notify.Notifier
	calendar notify.CalendarMirror
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
	newID    func() string
}

func NewEngine(store db.RecordStore, locker lock.Locker, minter TokenMinter, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.PartialStatus == "" {
		cfg.PartialStatus = model.RequestPending
	}
	if cfg.NotificationTimeout <= 0 {
		cfg.NotificationTimeout = DefaultNotificationTimeout
	}
	e := &Engine{
		store:    store,
		locker:   locker,
		tokens:   minter,
		notifier: notify.NopNotifier{},
		calendar: notify.NopCalendar{},
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// snapshot is every row an operation reads, loaded once per operation
type snapshot struct {
	riders       []db.Rider
	assignments  []db.Assignment
	availability []db.Availability
}

func (e *Engine) loadSnapshot(ctx context.Context, withAvailability bool) (*snapshot, error) {
	var s snapshot
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rows, err := db.Load[db.Rider](gctx, e.store)
		s.riders = rows
		return err
	})
	g.Go(func() error {
		rows, err := db.Load[db.Assignment](gctx, e.store)
		s.assignments = rows
		return err
	})
	if withAvailability {
		g.Go(func() error {
			rows, err := db.Load[db.Availability](gctx, e.store)
			s.availability = rows
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (e *Engine) loadRequest(ctx context.Context, op, requestID string) (model.Request, error) {
	table, err := e.store.LoadTable(ctx, db.TableRequest)
	if err != nil {
		return model.Request{}, model.StoreError(op, err)
	}
	row, ok := table.Get(requestID)
	if !ok {
		return model.Request{}, model.ValidationError(op, "request %s not found", requestID)
	}
	r, err := sheetssql.Decode[db.Request](row)
	if err != nil {
		return model.Request{}, model.ValidationError(op, "request %s: %v", requestID, err)
	}
	req, err := model.RequestFromRow(r, e.cfg.Location)
	if err != nil {
		return model.Request{}, model.ValidationError(op, "%v", err)
	}
	return req, nil
}

// requestAssignments returns the request's assignments, failing on any row
// that cannot be read since its state decides the outcome
func (e *Engine) requestAssignments(op, requestID string, rows []db.Assignment) ([]model.Assignment, error) {
	var out []model.Assignment
	for _, r := range rows {
		if r.RequestID != requestID {
			continue
		}
		a, err := model.AssignmentFromRow(r, e.cfg.Location)
		if err != nil {
			return nil, model.ValidationError(op, "%v", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (e *Engine) ridersByID(rows []db.Rider) map[string]model.Rider {
	riders := make(map[string]model.Rider, len(rows))
	for _, r := range rows {
		rider, err := model.RiderFromRow(r)
		if err != nil {
			e.logger.Warn("Skipping unreadable rider", zap.String("rider_id", r.ID), zap.Error(err))
			continue
		}
		riders[rider.ID] = rider
	}
	return riders
}

func (e *Engine) lockRequest(ctx context.Context, op, requestID string) (lock.Unlock, error) {
	unlock, err := e.locker.Acquire(ctx, lock.RequestKey(requestID))
	if err != nil {
		return nil, lockError(op, err)
	}
	return unlock, nil
}

func lockError(op string, err error) error {
	if errors.Is(err, lock.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return model.ConcurrencyError(op, err)
	}
	return model.StoreError(op, err)
}

func (e *Engine) commit(ctx context.Context, op string, mutations ...db.Mutation) error {
	result, err := e.store.Commit(ctx, mutations...)
	if err != nil {
		e.logger.Error("Commit failed", zap.String("op", op), zap.Error(err))
		if errors.Is(err, db.ErrGuardFailed) || errors.Is(err, lock.ErrTimeout) {
			return model.ConcurrencyError(op, err)
		}
		return model.StoreError(op, err)
	}
	e.logger.Debug("Committed",
		zap.String("op", op),
		zap.Strings("tables", result.Tables),
		zap.Int("removed", result.Removed),
		zap.Int("appended", result.Appended))
	return nil
}

// statusFor applies the request status rule to an assigned rider count
func (e *Engine) statusFor(current model.RequestStatus, assigned, needed int) model.RequestStatus {
	if needed < 1 {
		needed = 1
	}
	switch {
	case current.IsTerminal():
		return current
	case assigned >= needed:
		return model.RequestAssigned
	case assigned == 0:
		return model.RequestUnassigned
	default:
		return e.cfg.PartialStatus
	}
}

func mutationsFor(assignments []model.Assignment, req *model.Request) ([]db.Mutation, error) {
	var out []db.Mutation
	if len(assignments) > 0 {
		rows := make([]db.Assignment, len(assignments))
		for i, a := range assignments {
			rows[i] = a.Row()
		}
		m, err := db.Upsert(rows...)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if req != nil {
		m, err := db.Upsert(req.Row())
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// notifyCtx bounds a side effect call without inheriting the caller's cancellation
func (e *Engine) notifyCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.NotificationTimeout)
}

func (e *Engine) send(ctx context.Context, rider model.Rider, msg notify.Message) string {
	if rider.Email == "" {
		e.logger.Warn("Rider has no email address", zap.String("rider_id", rider.ID))
		return fmt.Sprintf("rider %s has no email address", rider.ID)
	}
	nctx, cancel := e.notifyCtx(ctx)
	defer cancel()
	if err := e.notifier.Send(nctx, rider.Email, msg.Subject, msg.Body); err != nil {
		e.logger.Warn("Failed to notify rider",
			zap.String("rider_id", rider.ID),
			zap.String("email", rider.Email),
			zap.Error(err))
		return fmt.Sprintf("failed to notify rider %s: %v", rider.ID, err)
	}
	return ""
}

func (e *Engine) mirror(ctx context.Context, req model.Request, riders map[string]model.Rider) string {
	assigned := make([]model.Rider, 0, len(req.AssignedRiderIDs))
	for _, id := range req.AssignedRiderIDs {
		if r, ok := riders[id]; ok {
			assigned = append(assigned, r)
		} else {
			assigned = append(assigned, model.Rider{ID: id, Name: id})
		}
	}
	nctx, cancel := e.notifyCtx(ctx)
	defer cancel()
	if err := e.calendar.UpsertEvent(nctx, notify.CalendarEvent(req, assigned)); err != nil {
		e.logger.Warn("Failed to update calendar", zap.String("request_id", req.ID), zap.Error(err))
		return fmt.Sprintf("failed to update calendar for request %s: %v", req.ID, err)
	}
	return ""
}
