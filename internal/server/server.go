/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/kentakayama/token-bot/internal/receipt"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Options carries the collaborators of the HTTP adapter.
type Options struct {
	Addr     string
	Issuer   TokenIssuer
	Signer   *receipt.Signer     // optional; without it signed receipts are refused
	Gatherer prometheus.Gatherer // optional; without it /metrics is not served
	Logger   *zap.Logger
}

// Server wires the HTTP listener and request handling stack.
type Server struct {
	handler *handler
	http    *http.Server
	logger  *zap.Logger
}

// New constructs a Server using the provided options.
func New(opts Options) (*Server, error) {
	if opts.Issuer == nil {
		return nil, errors.New("server: issuer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	h := newHandler(opts.Issuer, opts.Signer, opts.Gatherer, logger)

	httpSrv := &http.Server{
		Addr:              opts.Addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &Server{
		handler: h,
		http:    httpSrv,
		logger:  logger,
	}, nil
}

// ListenAndServe starts the HTTP server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("serving token requests", zap.String("addr", s.http.Addr))

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve accepts connections on l until the server is shut down.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("serving token requests", zap.String("addr", l.Addr().String()))

	err := s.http.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully takes down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the request router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}
