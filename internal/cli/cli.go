/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package cli

import (
	"context"
	"database/sql"
	"io"
	"os"

	"github.com/kentakayama/token-bot/internal/config"
	"github.com/kentakayama/token-bot/internal/infra/sqlite"
	"go.uber.org/zap"
)

// Config is bound into every command's Run method.
type Config struct {
	Env    *config.Config
	Logger *zap.Logger
	Out    io.Writer
}

func (c *Config) out() io.Writer {
	if c.Out == nil {
		return os.Stdout
	}
	return c.Out
}

func (c *Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

type Grammar struct {
	Serve         serveCmd         `kong:"cmd,help='serve start and reissue requests over HTTP'"`
	Issue         issueCmd         `kong:"cmd,help='return the active token of an owner, minting one if needed'"`
	Tokens        tokensCmd        `kong:"cmd,help='list the stored tokens of an owner'"`
	Sweep         sweepCmd         `kong:"cmd,help='retire expired tokens once'"`
	Keygen        keygenCmd        `kong:"cmd,help='generate a receipt signing key'"`
	VerifyReceipt verifyReceiptCmd `kong:"cmd,name='verify-receipt',help='verify a signed issuance receipt'"`
}

var CLI Grammar

func openDB(ctx context.Context, cfg *Config) (*sql.DB, *sqlite.TokenRepository, error) {
	db, err := sqlite.InitDB(ctx, cfg.Env.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	return db, sqlite.NewTokenRepository(db), nil
}
