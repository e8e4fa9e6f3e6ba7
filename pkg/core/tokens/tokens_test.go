package tokens

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jakechorley/escort-dispatch/pkg/core/model"
	"github.com/jakechorley/escort-dispatch/pkg/db"
	"github.com/jakechorley/escort-dispatch/pkg/lock"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// noLocker grants every lock at once so only the store guard prevents double redemption
type noLocker struct{}

func (noLocker) Acquire(context.Context, string) (lock.Unlock, error) {
	return func() {}, nil
}

type failingCommitStore struct {
	db.RecordStore
	err error
}

func (f failingCommitStore) Commit(context.Context, ...db.Mutation) (db.CommitResult, error) {
	return db.CommitResult{}, f.err
}

func newTestService(t *testing.T, locker lock.Locker) (*Service, *db.MemoryStore, *clock) {
	t.Helper()
	schema, err := db.NewSchema()
	require.NoError(t, err)
	store := db.NewMemoryStore(schema)
	c := &clock{now: t0}
	if locker == nil {
		locker = lock.NewLocalLocker(time.Second)
	}
	svc := NewService(store, locker, "https://dispatch.example.org/confirm", time.Hour, zap.NewNop(), WithClock(c.Now))
	return svc, store, c
}

func testAssignment() model.Assignment {
	return model.Assignment{ID: "a-1", RequestID: "Q1", RiderID: "R1", Status: model.AssignmentPending}
}

func TestMint_TokensAreUniqueAndURLSafe(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	pair, err := svc.MintPair(testAssignment())
	require.NoError(t, err)

	assert.NotEqual(t, pair.Confirm.Token, pair.Decline.Token)
	assert.Len(t, pair.Confirm.Token, 43)
	assert.NotContains(t, pair.Confirm.Token, "+")
	assert.NotContains(t, pair.Confirm.Token, "/")
	assert.Equal(t, model.ActionConfirm, pair.Confirm.Action)
	assert.Equal(t, model.ActionDecline, pair.Decline.Action)
	assert.Equal(t, t0.Add(time.Hour), pair.Confirm.ExpiresAt)
}

func TestMint_ShortEntropyFails(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	svc.random = bytes.NewReader([]byte{1, 2, 3})

	_, err := svc.Mint(testAssignment(), model.ActionConfirm)
	assert.Error(t, err)
}

func TestLinks(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	pair, err := svc.MintPair(testAssignment())
	require.NoError(t, err)

	links := svc.Links(pair)
	assert.Equal(t, "a-1", links.AssignmentID)

	u, err := url.Parse(links.DeclineURL)
	require.NoError(t, err)
	assert.Equal(t, "dispatch.example.org", u.Host)
	assert.Equal(t, "/confirm", u.Path)
	assert.Equal(t, "decline", u.Query().Get("action"))
	assert.Equal(t, pair.Decline.Token, u.Query().Get("token"))

	svc.baseURL = "https://dispatch.example.org/confirm?org=north"
	u, err = url.Parse(svc.URL(pair.Confirm))
	require.NoError(t, err)
	assert.Equal(t, "north", u.Query().Get("org"))
	assert.Equal(t, "confirm", u.Query().Get("action"))
}

func TestValidateAndConsume_ValidThenAlreadyUsed(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testAssignment(), model.ActionConfirm)
	require.NoError(t, err)

	got, err := svc.ValidateAndConsume(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "a-1", got.AssignmentID)
	assert.Equal(t, model.TokenUsed, got.Outcome)
	assert.Equal(t, t0, got.ConsumedAt)

	_, err = svc.ValidateAndConsume(ctx, issued.Token)
	assert.Equal(t, model.ReasonAlreadyUsed, model.TokenReasonOf(err))
}

func TestValidateAndConsume_Invalid(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	for _, token := range []string{"", "   ", "does-not-exist"} {
		_, err := svc.ValidateAndConsume(ctx, token)
		assert.Equal(t, model.ReasonInvalid, model.TokenReasonOf(err), "token %q", token)
	}
}

func TestValidateAndConsume_ExpiredIsMarkedConsumed(t *testing.T) {
	svc, store, c := newTestService(t, nil)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testAssignment(), model.ActionConfirm)
	require.NoError(t, err)

	c.Advance(time.Hour + time.Second)

	_, err = svc.ValidateAndConsume(ctx, issued.Token)
	assert.Equal(t, model.ReasonExpired, model.TokenReasonOf(err))

	rows, err := db.Load[db.ConfirmationToken](ctx, store)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "expired", rows[0].Outcome)
	assert.NotEmpty(t, rows[0].ConsumedAt)

	// never silently reusable, even if the clock moves back
	c.Advance(-2 * time.Hour)
	_, err = svc.ValidateAndConsume(ctx, issued.Token)
	assert.Equal(t, model.ReasonExpired, model.TokenReasonOf(err))
}

func TestValidateAndConsume_UsedTokenReplayedAfterExpiry(t *testing.T) {
	svc, store, c := newTestService(t, nil)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testAssignment(), model.ActionConfirm)
	require.NoError(t, err)

	_, err = svc.ValidateAndConsume(ctx, issued.Token)
	require.NoError(t, err)
	_, err = svc.ValidateAndConsume(ctx, issued.Token)
	assert.Equal(t, model.ReasonAlreadyUsed, model.TokenReasonOf(err))

	c.Advance(time.Hour + time.Second)
	_, err = svc.ValidateAndConsume(ctx, issued.Token)
	assert.Equal(t, model.ReasonExpired, model.TokenReasonOf(err))

	// the original use stays on record
	rows, err := db.Load[db.ConfirmationToken](ctx, store)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "used", rows[0].Outcome)
}

func TestRedeem_WrongActionDoesNotConsume(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testAssignment(), model.ActionConfirm)
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, issued.Token, model.ActionDecline)
	assert.Equal(t, model.ReasonInvalid, model.TokenReasonOf(err))

	got, err := svc.Redeem(ctx, issued.Token, model.ActionConfirm)
	require.NoError(t, err)
	assert.Equal(t, model.ActionConfirm, got.Action)
}

func TestValidateAndConsume_ConcurrentRedemption(t *testing.T) {
	lockers := map[string]lock.Locker{
		"local lock":  nil,
		"store guard": noLocker{},
	}

	for name, locker := range lockers {
		t.Run(name, func(t *testing.T) {
			svc, _, _ := newTestService(t, locker)
			ctx := context.Background()

			issued, err := svc.Issue(ctx, testAssignment(), model.ActionConfirm)
			require.NoError(t, err)

			const attempts = 8
			var wg sync.WaitGroup
			errs := make([]error, attempts)
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = svc.ValidateAndConsume(ctx, issued.Token)
				}(i)
			}
			wg.Wait()

			valid := 0
			for _, err := range errs {
				if err == nil {
					valid++
					continue
				}
				assert.Equal(t, model.ReasonAlreadyUsed, model.TokenReasonOf(err))
			}
			assert.Equal(t, 1, valid)
		})
	}
}

func TestValidateAndConsume_StoreFailureIsNotSuccess(t *testing.T) {
	svc, store, _ := newTestService(t, nil)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testAssignment(), model.ActionConfirm)
	require.NoError(t, err)

	svc.store = failingCommitStore{RecordStore: store, err: errors.New("quota exceeded")}
	_, err = svc.ValidateAndConsume(ctx, issued.Token)
	assert.True(t, model.IsKind(err, model.KindStore))

	svc.store = store
	_, err = svc.ValidateAndConsume(ctx, issued.Token)
	assert.NoError(t, err, "failed redemption leaves the token usable")
}

func TestValidateAndConsume_LockTimeout(t *testing.T) {
	locker := lock.NewLocalLocker(20 * time.Millisecond)
	svc, _, _ := newTestService(t, locker)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testAssignment(), model.ActionConfirm)
	require.NoError(t, err)

	unlock, err := locker.Acquire(ctx, lock.TokenKey(issued.Token))
	require.NoError(t, err)
	defer unlock()

	_, err = svc.ValidateAndConsume(ctx, issued.Token)
	assert.True(t, model.IsKind(err, model.KindConcurrency))
	assert.True(t, model.Retryable(err))
}

func TestIssueForAssignment(t *testing.T) {
	svc, store, _ := newTestService(t, nil)
	ctx := context.Background()

	m, err := db.Append(
		db.Assignment{ID: "a-1", RequestID: "Q1", RiderID: "R1", Status: "Pending", EventDate: "2025-03-01"},
		db.Assignment{ID: "a-2", RequestID: "Q1", RiderID: "R2", Status: "Cancelled", EventDate: "2025-03-01"},
	)
	require.NoError(t, err)
	_, err = store.Commit(ctx, m)
	require.NoError(t, err)

	links, err := svc.IssueForAssignment(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "R1", links.RiderID)

	rows, err := db.Load[db.ConfirmationToken](ctx, store)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	_, err = svc.IssueForAssignment(ctx, "a-2")
	assert.True(t, model.IsKind(err, model.KindValidation))

	_, err = svc.IssueForAssignment(ctx, "missing")
	assert.True(t, model.IsKind(err, model.KindValidation))
}

func TestPurgeExpired(t *testing.T) {
	svc, store, c := newTestService(t, nil)
	ctx := context.Background()

	old, err := svc.Issue(ctx, testAssignment(), model.ActionConfirm)
	require.NoError(t, err)
	c.Advance(2 * time.Hour)
	fresh, err := svc.Issue(ctx, testAssignment(), model.ActionDecline)
	require.NoError(t, err)

	n, err := svc.PurgeExpired(ctx, c.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	table, err := store.LoadTable(ctx, db.TableConfirmationToken)
	require.NoError(t, err)
	_, ok := table.Get(old.Token)
	assert.False(t, ok)
	_, ok = table.Get(fresh.Token)
	assert.True(t, ok)
}
