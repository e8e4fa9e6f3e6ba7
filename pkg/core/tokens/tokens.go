// Package tokens issues and redeems single-use confirmation tokens.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jakechorley/escort-dispatch/pkg/core/model"
	"github.com/jakechorley/escort-dispatch/pkg/db"
	"github.com/jakechorley/escort-dispatch/pkg/lock"
	"github.com/jakechorley/escort-dispatch/pkg/sheetssql"
)

const tokenBytes = 32

// DefaultTTL is used when the service is created without a TTL
const DefaultTTL = 72 * time.Hour

// Links is the pair of URLs sent to a rider for one assignment
type Links struct {
	AssignmentID string `json:"assignmentId"`
	RiderID      string `json:"riderId"`
	ConfirmURL   string `json:"confirmUrl"`
	DeclineURL   string `json:"declineUrl"`
}

// Pair is the confirm and decline token minted for one assignment
type Pair struct {
	Confirm model.ConfirmationToken
	Decline model.ConfirmationToken
}

type Option func(*Service)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRandom replaces the entropy source, for tests
func WithRandom(r io.Reader) Option {
	return func(s *Service) { s.random = r }
}

type Service struct {
	store   db.RecordStore
	locker  lock.Locker
	logger  *zap.Logger
	baseURL string
	ttl     time.Duration
	now     func() time.Time
	random  io.Reader
}

func NewService(store db.RecordStore, locker lock.Locker, baseURL string, ttl time.Duration, logger *zap.Logger, opts ...Option) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Service{
		store:   store,
		locker:  locker,
		logger:  logger,
		baseURL: baseURL,
		ttl:     ttl,
		now:     time.Now,
		random:  rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mint creates a token in memory. Nothing is persisted until the token is
// passed to Mutation and committed.
func (s *Service) Mint(a model.Assignment, action model.Action) (model.ConfirmationToken, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return model.ConfirmationToken{}, fmt.Errorf("failed to generate token: %w", err)
	}
	now := s.now().UTC()
	return model.ConfirmationToken{
		Token:        base64.RawURLEncoding.EncodeToString(buf),
		AssignmentID: a.ID,
		RequestID:    a.RequestID,
		RiderID:      a.RiderID,
		Action:       action,
		IssuedAt:     now,
		ExpiresAt:    now.Add(s.ttl),
	}, nil
}

// MintPair creates the confirm and decline tokens for an assignment
func (s *Service) MintPair(a model.Assignment) (Pair, error) {
	confirm, err := s.Mint(a, model.ActionConfirm)
	if err != nil {
		return Pair{}, err
	}
	decline, err := s.Mint(a, model.ActionDecline)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Confirm: confirm, Decline: decline}, nil
}

// Mutation appends tokens to the token table, for use inside a larger commit
func Mutation(tokens ...model.ConfirmationToken) (db.Mutation, error) {
	rows := make([]db.ConfirmationToken, len(tokens))
	for i, t := range tokens {
		rows[i] = t.Row()
	}
	return db.Append(rows...)
}

// Issue mints and persists a single token
func (s *Service) Issue(ctx context.Context, a model.Assignment, action model.Action) (model.ConfirmationToken, error) {
	const op = "issue token"
	if !action.IsValid() {
		return model.ConfirmationToken{}, model.ValidationError(op, "unknown action %q", action)
	}
	t, err := s.Mint(a, action)
	if err != nil {
		return model.ConfirmationToken{}, model.StoreError(op, err)
	}
	m, err := Mutation(t)
	if err != nil {
		return model.ConfirmationToken{}, model.StoreError(op, err)
	}
	if _, err := s.store.Commit(ctx, m); err != nil {
		return model.ConfirmationToken{}, model.StoreError(op, err)
	}
	s.logger.Debug("Issued token",
		zap.String("assignment_id", a.ID),
		zap.String("action", string(action)),
		zap.Time("expires_at", t.ExpiresAt))
	return t, nil
}

// IssueForAssignment persists a fresh link pair for an existing assignment.
// Earlier tokens stay valid until used or expired.
func (s *Service) IssueForAssignment(ctx context.Context, assignmentID string) (Links, error) {
	const op = "issue confirmation links"

	rows, err := db.Load[db.Assignment](ctx, s.store)
	if err != nil {
		return Links{}, model.StoreError(op, err)
	}
	var found *db.Assignment
	for i := range rows {
		if rows[i].ID == assignmentID {
			found = &rows[i]
			break
		}
	}
	if found == nil {
		return Links{}, model.ValidationError(op, "assignment %s not found", assignmentID)
	}
	a, err := model.AssignmentFromRow(*found, time.UTC)
	if err != nil {
		return Links{}, model.ValidationError(op, "%v", err)
	}
	if a.Status.IsTerminal() {
		return Links{}, model.ValidationError(op, "assignment %s is %s", a.ID, a.Status)
	}

	pair, err := s.MintPair(a)
	if err != nil {
		return Links{}, model.StoreError(op, err)
	}
	m, err := Mutation(pair.Confirm, pair.Decline)
	if err != nil {
		return Links{}, model.StoreError(op, err)
	}
	if _, err := s.store.Commit(ctx, m); err != nil {
		return Links{}, model.StoreError(op, err)
	}

	s.logger.Info("Issued confirmation links",
		zap.String("assignment_id", a.ID),
		zap.String("rider_id", a.RiderID))
	return s.Links(pair), nil
}

// URL builds the link that redeems a token
func (s *Service) URL(t model.ConfirmationToken) string {
	q := url.Values{}
	q.Set("action", string(t.Action))
	q.Set("token", t.Token)
	sep := "?"
	if strings.Contains(s.baseURL, "?") {
		sep = "&"
	}
	return s.baseURL + sep + q.Encode()
}

func (s *Service) Links(p Pair) Links {
	return Links{
		AssignmentID: p.Confirm.AssignmentID,
		RiderID:      p.Confirm.RiderID,
		ConfirmURL:   s.URL(p.Confirm),
		DeclineURL:   s.URL(p.Decline),
	}
}

// Redeem consumes a token for the given action. A token presented with the
// wrong action is rejected as invalid and left unconsumed.
func (s *Service) Redeem(ctx context.Context, token string, action model.Action) (model.ConfirmationToken, error) {
	return s.consume(ctx, token, action)
}

// ValidateAndConsume consumes a token whatever its action. Exactly one of any
// number of concurrent calls for the same token succeeds.
func (s *Service) ValidateAndConsume(ctx context.Context, token string) (model.ConfirmationToken, error) {
	return s.consume(ctx, token, "")
}

func (s *Service) consume(ctx context.Context, token string, action model.Action) (model.ConfirmationToken, error) {
	const op = "redeem token"

	token = strings.TrimSpace(token)
	if token == "" {
		return model.ConfirmationToken{}, model.TokenError(op, model.ReasonInvalid)
	}

	unlock, err := s.locker.Acquire(ctx, lock.TokenKey(token))
	if err != nil {
		return model.ConfirmationToken{}, model.ConcurrencyError(op, err)
	}
	defer unlock()

	table, err := s.store.LoadTable(ctx, db.TableConfirmationToken)
	if err != nil {
		return model.ConfirmationToken{}, model.StoreError(op, err)
	}
	row, ok := table.Get(token)
	if !ok {
		return model.ConfirmationToken{}, model.TokenError(op, model.ReasonInvalid)
	}
	t, err := decode(row)
	if err != nil {
		s.logger.Warn("Unreadable token row", zap.Error(err))
		return model.ConfirmationToken{}, model.TokenError(op, model.ReasonInvalid)
	}

	// expiry is checked before use, so a used token replayed late reports expired
	now := s.now().UTC()
	if now.After(t.ExpiresAt) {
		if !t.Consumed() {
			t.ConsumedAt, t.Outcome = now, model.TokenExpired
			if err := s.markConsumed(ctx, t); err != nil && !errors.Is(err, db.ErrGuardFailed) {
				return t, model.StoreError(op, err)
			}
			s.logger.Info("Token expired", zap.String("assignment_id", t.AssignmentID))
		}
		return t, model.TokenError(op, model.ReasonExpired)
	}
	if t.Consumed() {
		if t.Outcome == model.TokenExpired {
			return t, model.TokenError(op, model.ReasonExpired)
		}
		return t, model.TokenError(op, model.ReasonAlreadyUsed)
	}
	if action != "" && t.Action != action {
		return t, model.TokenError(op, model.ReasonInvalid)
	}

	t.ConsumedAt, t.Outcome = now, model.TokenUsed
	if err := s.markConsumed(ctx, t); err != nil {
		if errors.Is(err, db.ErrGuardFailed) {
			return t, model.TokenError(op, model.ReasonAlreadyUsed)
		}
		return t, model.StoreError(op, err)
	}

	s.logger.Info("Token redeemed",
		zap.String("assignment_id", t.AssignmentID),
		zap.String("rider_id", t.RiderID),
		zap.String("action", string(t.Action)))
	return t, nil
}

// markConsumed rewrites the token row, guarded so that a token consumed by
// another process since it was read is never consumed twice.
func (s *Service) markConsumed(ctx context.Context, t model.ConfirmationToken) error {
	m, err := db.Upsert(t.Row())
	if err != nil {
		return err
	}
	m.Guard = func(current *sheetssql.Table) error {
		row, ok := current.Get(t.Token)
		if !ok {
			return fmt.Errorf("token no longer exists")
		}
		if strings.TrimSpace(row["consumed_at"]) != "" {
			return fmt.Errorf("token already consumed")
		}
		return nil
	}
	_, err = s.store.Commit(ctx, m)
	return err
}

// PurgeExpired deletes tokens that expired before olderThan, used or not
func (s *Service) PurgeExpired(ctx context.Context, olderThan time.Time) (int, error) {
	const op = "purge tokens"
	m, err := db.Replace(func(r db.ConfirmationToken) bool {
		expires, err := model.ParseTimestamp(r.ExpiresAt)
		return err == nil && !expires.IsZero() && expires.Before(olderThan)
	})
	if err != nil {
		return 0, model.StoreError(op, err)
	}
	result, err := s.store.Commit(ctx, m)
	if err != nil {
		return 0, model.StoreError(op, err)
	}
	s.logger.Info("Purged expired tokens", zap.Int("count", result.Removed))
	return result.Removed, nil
}

func decode(row sheetssql.Row) (model.ConfirmationToken, error) {
	r, err := sheetssql.Decode[db.ConfirmationToken](row)
	if err != nil {
		return model.ConfirmationToken{}, err
	}
	return model.TokenFromRow(r)
}
