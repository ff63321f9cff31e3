/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package cli

import (
	"context"
	"encoding/hex"
	"os"
	"os/signal"
	"syscall"

	"github.com/kentakayama/token-bot/internal/infra/sqlite"
	"github.com/kentakayama/token-bot/internal/issuer"
	"github.com/kentakayama/token-bot/internal/metrics"
	"github.com/kentakayama/token-bot/internal/receipt"
	"github.com/kentakayama/token-bot/internal/server"
	"github.com/kentakayama/token-bot/internal/sweeper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	cose "github.com/veraison/go-cose"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type serveCmd struct {
	Addr string `kong:"name='addr',help='listen address, overrides SERVER_ADDR'"`
}

func (c *serveCmd) Run(cfg *Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.run(ctx, cfg)
}

func (c *serveCmd) run(ctx context.Context, cfg *Config) error {
	logger := cfg.logger()

	db, repo, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer sqlite.CloseDB(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	signer, err := loadSigner(cfg.Env.ReceiptKeyPath, logger)
	if err != nil {
		return err
	}

	iss := issuer.New(repo,
		issuer.WithMaxAttempts(cfg.Env.MaxIssueAttempts),
		issuer.WithMetrics(m),
		issuer.WithLogger(logger.Named("issuer")),
	)

	addr := cfg.Env.ServerAddr
	if c.Addr != "" {
		addr = c.Addr
	}
	srv, err := server.New(server.Options{
		Addr:     addr,
		Issuer:   iss,
		Signer:   signer,
		Gatherer: reg,
		Logger:   logger.Named("http"),
	})
	if err != nil {
		return err
	}

	sw := sweeper.New(repo, sweeper.Config{
		Interval:  cfg.Env.SweepInterval,
		Retention: cfg.Env.SweepRetention,
		Metrics:   m,
		Logger:    logger.Named("sweeper"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error { return sw.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Env.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// loadSigner reads the receipt key, or makes an ephemeral one when no path is set.
func loadSigner(path string, logger *zap.Logger) (*receipt.Signer, error) {
	load := receipt.GenerateKey
	if path != "" {
		load = func() (*cose.Key, error) { return receipt.LoadKey(path) }
	}
	key, err := load()
	if err != nil {
		return nil, err
	}

	signer, err := receipt.NewSigner(key)
	if err != nil {
		return nil, err
	}
	kid := hex.EncodeToString(signer.KeyID())
	if path == "" {
		logger.Warn("RECEIPT_KEY_PATH not set, receipts are signed with an ephemeral key", zap.String("kid", kid))
	} else {
		logger.Info("loaded receipt key", zap.String("kid", kid))
	}
	return signer, nil
}
