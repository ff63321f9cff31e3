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
	"github.com/kentakayama/token-bot/internal/issuer"
	"go.uber.org/zap"
)

type issueCmd struct {
	OwnerID    int64  `kong:"required,name='owner-id',help='durable identifier of the requesting user'"`
	OwnerLabel string `kong:"name='owner-label',help='display name of the requesting user'"`
	Reissue    bool   `kong:"name='reissue',help='log the request as a reissue trigger'"`
}

func (c *issueCmd) Run(cfg *Config) error {
	ctx := context.Background()
	db, repo, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer sqlite.CloseDB(db)

	trigger := "start"
	if c.Reissue {
		trigger = "reissue"
	}
	iss := issuer.New(repo,
		issuer.WithMaxAttempts(cfg.Env.MaxIssueAttempts),
		issuer.WithLogger(cfg.logger().Named("issuer").With(zap.String("trigger", trigger))),
	)
	token, isNew, err := iss.GetOrIssue(ctx, c.OwnerID, c.OwnerLabel)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(cfg.out())
	t.AppendHeader(table.Row{"Token", "OwnerID", "ExpiresAt", "New"})
	t.AppendRow(table.Row{token.Value, token.OwnerID, token.ExpiresAt.Format(time.RFC3339), isNew})
	t.Render()
	return nil
}
