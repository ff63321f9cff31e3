/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package issuer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/kentakayama/token-bot/internal/domain"
	"github.com/kentakayama/token-bot/internal/domain/model"
	"github.com/kentakayama/token-bot/internal/domain/service"
	"github.com/kentakayama/token-bot/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// Validity is how long an issued token stays active.
	Validity = 24 * time.Hour

	// DefaultMaxAttempts bounds value regeneration after collisions.
	DefaultMaxAttempts = 5
)

// Issuer hands out the active token of an owner, minting one when needed.
type Issuer struct {
	repo        service.TokenRepository
	random      io.Reader
	now         func() time.Time
	maxAttempts int
	metrics     *metrics.Metrics
	logger      *zap.Logger

	// collapses concurrent minting for the same owner within this process
	inflight singleflight.Group
}

type Option func(*Issuer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// WithRandom replaces crypto/rand.Reader as the digit source.
func WithRandom(r io.Reader) Option {
	return func(i *Issuer) { i.random = r }
}

func WithMaxAttempts(n int) Option {
	return func(i *Issuer) {
		if n > 0 {
			i.maxAttempts = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Issuer) { i.metrics = m }
}

func WithLogger(logger *zap.Logger) Option {
	return func(i *Issuer) {
		if logger != nil {
			i.logger = logger
		}
	}
}

func New(repo service.TokenRepository, opts ...Option) *Issuer {
	i := &Issuer{
		repo:        repo,
		random:      rand.Reader,
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ErrRandomSource marks failures of the digit source.
var ErrRandomSource = errors.New("random source failed")

type issuance struct {
	token  *model.Token
	minted bool

	// handed to the first caller that collects a minted token
	claimed atomic.Bool
}

// GetOrIssue returns the owner's active token, or mints and stores a new one.
// isNew is true only for the one caller that collects a freshly minted token.
//
// Concurrent callers for the same owner share one minting run. That run is
// detached from their cancellation, and each caller stops waiting when its
// own ctx is done.
func (i *Issuer) GetOrIssue(ctx context.Context, ownerID int64, ownerLabel string) (*model.Token, bool, error) {
	logger := i.logger.With(zap.Int64("owner_id", ownerID))

	existing, err := i.repo.FindActiveByOwner(ctx, ownerID, i.now().UTC())
	if err != nil {
		return nil, false, i.fail(logger, fmt.Errorf("find active token: %w", err))
	}
	if existing != nil {
		i.metrics.Reused()
		logger.Debug("reusing active token", zap.Time("expires_at", existing.ExpiresAt))
		return existing, false, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := i.inflight.DoChan(strconv.FormatInt(ownerID, 10), func() (any, error) {
		return i.issue(shared, ownerID, ownerLabel)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, false, i.fail(logger, fmt.Errorf("wait for token: %w", ctx.Err()))
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, false, i.fail(logger, res.Err)
	}

	iss := res.Val.(*issuance)
	isNew := iss.minted && iss.claimed.CompareAndSwap(false, true)
	if !isNew {
		i.metrics.Reused()
	}
	return iss.token, isNew, nil
}

func (i *Issuer) fail(logger *zap.Logger, err error) error {
	i.metrics.Failed(failureReason(err))
	logger.Error("token issuance failed", zap.Error(err))
	return err
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.ReasonCanceled
	case errors.Is(err, domain.ErrTokenSpaceExhausted):
		return metrics.ReasonExhausted
	case errors.Is(err, domain.ErrStorageUnavailable):
		return metrics.ReasonStorage
	case errors.Is(err, ErrRandomSource):
		return metrics.ReasonRandom
	default:
		return metrics.ReasonInternal
	}
}

// issue mints a token for the owner. Only value collisions count against
// maxAttempts; losing the insert to another writer returns that writer's token.
func (i *Issuer) issue(ctx context.Context, ownerID int64, ownerLabel string) (*issuance, error) {
	now := i.now().UTC()

	// another request may have minted while we were waiting
	existing, err := i.repo.FindActiveByOwner(ctx, ownerID, now)
	if err != nil {
		return nil, fmt.Errorf("find active token: %w", err)
	}
	if existing != nil {
		return &issuance{token: existing}, nil
	}

	for attempt := 1; attempt <= i.maxAttempts; attempt++ {
		value, err := GenerateValue(i.random)
		if err != nil {
			return nil, fmt.Errorf("generate token value: %w: %w", ErrRandomSource, err)
		}
		issuedAt := now.Truncate(time.Second)
		t := &model.Token{
			Value:      value,
			OwnerID:    ownerID,
			OwnerLabel: ownerLabel,
			IssuedAt:   issuedAt,
			ExpiresAt:  issuedAt.Add(Validity),
		}

		inserted, err := i.repo.CreateIfNoActive(ctx, t, now)
		switch {
		case errors.Is(err, domain.ErrDuplicateToken):
			i.logger.Warn("token value collision, drawing again",
				zap.Int64("owner_id", ownerID),
				zap.Int("attempt", attempt),
			)
			continue
		case err != nil:
			return nil, fmt.Errorf("store token: %w", err)
		case !inserted:
			return i.lostRace(ctx, ownerID, now)
		}

		i.metrics.Issued(attempt)
		i.logger.Info("issued token",
			zap.Int64("owner_id", ownerID),
			zap.Int("attempts", attempt),
			zap.Time("expires_at", t.ExpiresAt),
		)
		return &issuance{token: t, minted: true}, nil
	}
	return nil, fmt.Errorf("%d attempts for owner %d: %w", i.maxAttempts, ownerID, domain.ErrTokenSpaceExhausted)
}

// lostRace reads the token another writer stored between our lookup and insert.
func (i *Issuer) lostRace(ctx context.Context, ownerID int64, now time.Time) (*issuance, error) {
	existing, err := i.repo.FindActiveByOwner(ctx, ownerID, now)
	if err != nil {
		return nil, fmt.Errorf("find active token: %w", err)
	}
	if existing == nil {
		return nil, fmt.Errorf("owner %d has no active token after a conflicting insert: %w", ownerID, domain.ErrStorageUnavailable)
	}
	i.logger.Debug("another writer issued the token", zap.Int64("owner_id", ownerID))
	return &issuance{token: existing}, nil
}
