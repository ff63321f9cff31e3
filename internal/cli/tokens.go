/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package cli

import (
	"context"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/kentakayama/token-bot/internal/infra/sqlite"
)

type tokensCmd struct {
	OwnerID int64 `kong:"required,name='owner-id',help='owner whose tokens are listed'"`
}

func (c *tokensCmd) Run(cfg *Config) error {
	ctx := context.Background()
	db, repo, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer sqlite.CloseDB(db)

	tokens, err := repo.ListByOwner(ctx, c.OwnerID)
	if err != nil {
		return err
	}

	now := time.Now()
	t := table.NewWriter()
	t.SetOutputMirror(cfg.out())
	t.AppendHeader(table.Row{"Token", "OwnerLabel", "IssuedAt", "ExpiresAt", "Active"})
	for _, tok := range tokens {
		t.AppendRow(table.Row{
			tok.Value,
			tok.OwnerLabel,
			tok.IssuedAt.Format(time.RFC3339),
			tok.ExpiresAt.Format(time.RFC3339),
			tok.IsActive(now),
		})
	}
	t.Render()
	return nil
}
