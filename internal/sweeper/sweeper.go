/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sweeper

import (
	"context"
	"time"

	"github.com/kentakayama/token-bot/internal/domain/service"
	"github.com/kentakayama/token-bot/internal/metrics"
	"go.uber.org/zap"
)

// Sweeper periodically retires tokens that expired more than Retention ago.
// It runs beside the request path and never blocks issuance.
type Sweeper struct {
	repo      service.TokenRepository
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

type Config struct {
	Interval  time.Duration
	Retention time.Duration
	Now       func() time.Time
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

func New(repo service.TokenRepository, cfg Config) *Sweeper {
	s := &Sweeper{
		repo:      repo,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		now:       cfg.Now,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// SweepOnce retires every token whose expiry is older than the retention
// window and returns how many were removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.retention)
	n, err := s.repo.RetireExpired(ctx, cutoff, now)
	if err != nil {
		return 0, err
	}
	s.metrics.Retired(n)
	if n > 0 {
		s.logger.Info("retired expired tokens", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// Run sweeps every interval until ctx is done. A zero interval disables it.
// Failed passes are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info("token sweeper disabled")
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("token sweep failed", zap.Error(err))
			}
		}
	}
}
