/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/kentakayama/token-bot/internal/infra/sqlite"
	"github.com/kentakayama/token-bot/internal/sweeper"
)

type sweepCmd struct {
	Retention string `kong:"name='retention',help='keep tokens expired for less than this duration, overrides SWEEP_RETENTION'"`
}

func (c *sweepCmd) Run(cfg *Config) error {
	ctx := context.Background()
	db, repo, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer sqlite.CloseDB(db)

	retention := cfg.Env.SweepRetention
	if c.Retention != "" {
		d, err := time.ParseDuration(c.Retention)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid retention %q", c.Retention)
		}
		retention = d
	}
	n, err := sweeper.New(repo, sweeper.Config{
		Retention: retention,
		Logger:    cfg.logger().Named("sweeper"),
	}).SweepOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cfg.out(), "retired %d tokens\n", n)
	return nil
}
