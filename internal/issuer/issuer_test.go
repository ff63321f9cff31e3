/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package issuer

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kentakayama/token-bot/internal/domain"
	"github.com/kentakayama/token-bot/internal/domain/model"
	"github.com/kentakayama/token-bot/internal/infra/sqlite"
	"github.com/kentakayama/token-bot/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// repeatReader yields the same bytes forever.
type repeatReader struct {
	pattern []byte
	off     int
}

func (r *repeatReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.pattern[r.off%len(r.pattern)]
		r.off++
	}
	return len(p), nil
}

var (
	digits1234567890 = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 0}
	digits9876543210 = []byte{9, 8, 7, 6, 5, 4, 3, 2, 1, 0}
)

func newTestMetrics(t *testing.T) *metrics.Metrics {
	t.Helper()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

// stubRepo keeps tokens in memory. Its insert can be held back on release,
// or made to lose against a token stored by another writer.
type stubRepo struct {
	mu     sync.Mutex
	tokens []*model.Token

	entered chan struct{} // signalled when CreateIfNoActive starts, if set
	release chan struct{} // CreateIfNoActive waits for it, if set
	winner  *model.Token  // stored in place of the caller's token, reporting a lost insert
	refuse  bool          // report a lost insert without storing anything
}

func (r *stubRepo) Create(_ context.Context, t *model.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tokens {
		if existing.Value == t.Value {
			return domain.ErrDuplicateToken
		}
	}
	r.tokens = append(r.tokens, t)
	return nil
}

func (r *stubRepo) CreateIfNoActive(ctx context.Context, t *model.Token, now time.Time) (bool, error) {
	if r.entered != nil {
		r.entered <- struct{}{}
	}
	if r.release != nil {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-r.release:
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.refuse:
		return false, nil
	case r.winner != nil:
		r.tokens = append(r.tokens, r.winner)
		return false, nil
	}
	for _, existing := range r.tokens {
		if existing.OwnerID == t.OwnerID && existing.IsActive(now) {
			return false, nil
		}
	}
	r.tokens = append(r.tokens, t)
	return true, nil
}

func (r *stubRepo) FindActiveByOwner(_ context.Context, ownerID int64, now time.Time) (*model.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.OwnerID == ownerID && t.IsActive(now) {
			return t, nil
		}
	}
	return nil, nil
}

func (r *stubRepo) FindByValue(_ context.Context, value string) (*model.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.Value == value {
			return t, nil
		}
	}
	return nil, nil
}

func (r *stubRepo) ListByOwner(_ context.Context, ownerID int64) ([]*model.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Token
	for _, t := range r.tokens {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *stubRepo) RetireExpired(context.Context, time.Time, time.Time) (int64, error) {
	return 0, nil
}

func newTestRepo(t *testing.T, path string) *sqlite.TokenRepository {
	t.Helper()
	db, err := sqlite.InitDB(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.CloseDB(db) })
	return sqlite.NewTokenRepository(db)
}

func TestGetOrIssue_Scenario(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	random := io.MultiReader(bytes.NewReader(digits1234567890), bytes.NewReader(digits9876543210))
	iss := New(newTestRepo(t, ":memory:"), WithClock(clock.Now), WithRandom(random))

	first, isNew, err := iss.GetOrIssue(ctx, 42, "alice")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "1234567890", first.Value)
	assert.Equal(t, int64(42), first.OwnerID)
	assert.Equal(t, "alice", first.OwnerLabel)
	assert.True(t, clock.Now().Equal(first.IssuedAt))
	assert.Equal(t, 24*time.Hour, first.ExpiresAt.Sub(first.IssuedAt))

	// same owner before expiry gets the same token back
	clock.Advance(time.Hour)
	again, isNew, err := iss.GetOrIssue(ctx, 42, "alice")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.Value, again.Value)
	assert.True(t, first.ExpiresAt.Equal(again.ExpiresAt))

	// 24h+1s after issuance the token has lapsed and a new one is minted
	clock.Advance(23*time.Hour + time.Second)
	renewed, isNew, err := iss.GetOrIssue(ctx, 42, "alice")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "9876543210", renewed.Value)
	assert.NotEqual(t, first.Value, renewed.Value)
	assert.Equal(t, 24*time.Hour, renewed.ExpiresAt.Sub(renewed.IssuedAt))
}

func TestGetOrIssue_TwiceInSuccession(t *testing.T) {
	ctx := context.Background()
	iss := New(newTestRepo(t, ":memory:"))

	for ownerID := int64(1); ownerID <= 20; ownerID++ {
		first, isNew, err := iss.GetOrIssue(ctx, ownerID, "user")
		require.NoError(t, err)
		require.True(t, isNew)
		require.True(t, IsValidValue(first.Value))
		require.Equal(t, Validity, first.ExpiresAt.Sub(first.IssuedAt))

		second, isNew, err := iss.GetOrIssue(ctx, ownerID, "user")
		require.NoError(t, err)
		require.False(t, isNew)
		require.Equal(t, first.Value, second.Value)
	}
}

func TestGetOrIssue_OwnersAreIndependent(t *testing.T) {
	ctx := context.Background()
	random := io.MultiReader(bytes.NewReader(digits1234567890), bytes.NewReader(digits9876543210))
	iss := New(newTestRepo(t, ":memory:"), WithRandom(random))

	a, isNew, err := iss.GetOrIssue(ctx, 42, "alice")
	require.NoError(t, err)
	assert.True(t, isNew)

	b, isNew, err := iss.GetOrIssue(ctx, 43, "bob")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, a.Value, b.Value)
}

func TestGetOrIssue_RetriesOnCollision(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	repo := newTestRepo(t, ":memory:")

	// another owner already holds the first value the source will produce
	require.NoError(t, repo.Create(ctx, &model.Token{
		Value:     "1234567890",
		OwnerID:   7,
		IssuedAt:  clock.Now(),
		ExpiresAt: clock.Now().Add(Validity),
	}))

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	random := io.MultiReader(bytes.NewReader(digits1234567890), bytes.NewReader(digits9876543210))
	iss := New(repo, WithClock(clock.Now), WithRandom(random), WithMetrics(m))

	token, isNew, err := iss.GetOrIssue(ctx, 42, "alice")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "9876543210", token.Value)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokensIssued))

	// the colliding row belongs to its original owner still
	got, err := repo.FindByValue(ctx, "1234567890")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.OwnerID)
}

func TestGetOrIssue_TokenSpaceExhausted(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	repo := newTestRepo(t, ":memory:")
	require.NoError(t, repo.Create(ctx, &model.Token{
		Value:     "1234567890",
		OwnerID:   7,
		IssuedAt:  clock.Now(),
		ExpiresAt: clock.Now().Add(Validity),
	}))

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	iss := New(repo,
		WithClock(clock.Now),
		WithRandom(&repeatReader{pattern: digits1234567890}),
		WithMaxAttempts(3),
		WithMetrics(m),
	)

	token, isNew, err := iss.GetOrIssue(ctx, 42, "alice")
	require.ErrorIs(t, err, domain.ErrTokenSpaceExhausted)
	assert.Nil(t, token)
	assert.False(t, isNew)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IssueFailures.WithLabelValues(metrics.ReasonExhausted)))

	// the failure does not leave anything behind for the owner
	got, err := repo.FindActiveByOwner(ctx, 42, clock.Now())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetOrIssue_StorageUnavailable(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.InitDB(ctx, ":memory:")
	require.NoError(t, err)
	repo := sqlite.NewTokenRepository(db)
	require.NoError(t, sqlite.CloseDB(db))

	iss := New(repo)
	_, _, err = iss.GetOrIssue(ctx, 42, "alice")
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestGetOrIssue_RandomFailure(t *testing.T) {
	m := newTestMetrics(t)
	iss := New(newTestRepo(t, ":memory:"), WithRandom(bytes.NewReader(nil)), WithMetrics(m))

	_, _, err := iss.GetOrIssue(context.Background(), 42, "alice")
	require.ErrorIs(t, err, ErrRandomSource)
	assert.NotErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IssueFailures.WithLabelValues(metrics.ReasonRandom)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.IssueFailures.WithLabelValues(metrics.ReasonInternal)))

	// a later request with a working source still succeeds
	iss = New(iss.repo)
	_, isNew, err := iss.GetOrIssue(context.Background(), 42, "alice")
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestGetOrIssue_ConcurrentSameOwner(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, filepath.Join(t.TempDir(), "tokens.db"))
	iss := New(repo)

	const workers = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		values = map[string]int{}
		minted int
	)
	start := make(chan struct{})
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			token, isNew, err := iss.GetOrIssue(ctx, 42, "alice")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			values[token.Value]++
			if isNew {
				minted++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Len(t, values, 1)
	assert.Equal(t, 1, minted)

	tokens, err := repo.ListByOwner(ctx, 42)
	require.NoError(t, err)
	assert.Len(t, tokens, 1)
}

func TestGetOrIssue_ConcurrentIssuersSameStore(t *testing.T) {
	// two issuers model two processes sharing one database file
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.db")
	issuers := []*Issuer{New(newTestRepo(t, path)), New(newTestRepo(t, path))}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		values = map[string]struct{}{}
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(iss *Issuer) {
			defer wg.Done()
			token, _, err := iss.GetOrIssue(ctx, 42, "alice")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			values[token.Value] = struct{}{}
			mu.Unlock()
		}(issuers[w%2])
	}
	wg.Wait()

	assert.Len(t, values, 1)
}

func TestGetOrIssue_WaiterOutlivesCanceledCaller(t *testing.T) {
	repo := &stubRepo{entered: make(chan struct{}, 1), release: make(chan struct{})}
	m := newTestMetrics(t)
	iss := New(repo, WithRandom(&repeatReader{pattern: digits1234567890}), WithMetrics(m))

	firstCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := iss.GetOrIssue(firstCtx, 42, "alice")
		firstErr <- err
	}()
	<-repo.entered

	type result struct {
		token *model.Token
		isNew bool
		err   error
	}
	second := make(chan result, 1)
	go func() {
		token, isNew, err := iss.GetOrIssue(context.Background(), 42, "alice")
		second <- result{token, isNew, err}
	}()
	// give the second caller time to join the running issuance
	time.Sleep(50 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(repo.release)

	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, "1234567890", res.token.Value)
	assert.True(t, res.isNew)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IssueFailures.WithLabelValues(metrics.ReasonCanceled)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokensIssued))
}

func TestGetOrIssue_LostInsertReturnsStoredToken(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	stored := &model.Token{
		Value:     "5555555555",
		OwnerID:   42,
		IssuedAt:  clock.Now(),
		ExpiresAt: clock.Now().Add(Validity),
	}
	m := newTestMetrics(t)
	iss := New(&stubRepo{winner: stored}, WithClock(clock.Now), WithMaxAttempts(1), WithMetrics(m))

	token, isNew, err := iss.GetOrIssue(ctx, 42, "alice")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "5555555555", token.Value)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TokensIssued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokensReused))
}

func TestGetOrIssue_LostInsertWithoutActiveToken(t *testing.T) {
	m := newTestMetrics(t)
	iss := New(&stubRepo{refuse: true}, WithMetrics(m))

	_, _, err := iss.GetOrIssue(context.Background(), 42, "alice")
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.NotErrorIs(t, err, domain.ErrTokenSpaceExhausted)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IssueFailures.WithLabelValues(metrics.ReasonStorage)))
}

func TestGetOrIssue_CanceledBeforeLookup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := newTestMetrics(t)
	iss := New(newTestRepo(t, ":memory:"), WithMetrics(m))

	_, _, err := iss.GetOrIssue(ctx, 42, "alice")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IssueFailures.WithLabelValues(metrics.ReasonCanceled)))
}
