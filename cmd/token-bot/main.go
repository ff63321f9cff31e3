/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package main

import (
	"github.com/alecthomas/kong"
	"github.com/kentakayama/token-bot/internal/cli"
	"github.com/kentakayama/token-bot/internal/config"
	"github.com/kentakayama/token-bot/internal/logging"
	"go.uber.org/zap"
)

func main() {
	kc := kong.Parse(&cli.CLI,
		kong.Name("token-bot"),
		kong.Description("Issues short-lived numeric login tokens to chat users."),
	)

	cfg, err := config.Load()
	kc.FatalIfErrorf(err)
	kc.FatalIfErrorf(cfg.Validate())

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	kc.FatalIfErrorf(err)

	err = kc.Run(&cli.Config{Env: cfg, Logger: logger})
	if err != nil {
		logger.Error("command failed", zap.Error(err))
	}
	_ = logger.Sync()
	kc.FatalIfErrorf(err)
}
