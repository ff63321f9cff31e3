/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config captures the tunables required to start the token service.
type Config struct {
	// Server settings
	ServerAddr      string
	ShutdownTimeout time.Duration

	// Database
	DatabasePath string

	// Issuance
	MaxIssueAttempts int

	// Sweeper; a zero interval disables it
	SweepInterval  time.Duration
	SweepRetention time.Duration

	// Receipts; an empty path means an ephemeral key
	ReceiptKeyPath string

	// Logging
	LogLevel       string
	LogDevelopment bool
}

// Load reads the configuration from the environment, after loading a .env
// file when one exists. Values that cannot be parsed are reported together.
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		ServerAddr:       getEnv("SERVER_ADDR", ":8080"),
		ShutdownTimeout:  getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second, &errs),
		DatabasePath:     getEnv("DATABASE_PATH", "tokens.db"),
		MaxIssueAttempts: getEnvInt("MAX_ISSUE_ATTEMPTS", 5, &errs),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", time.Hour, &errs),
		SweepRetention:   getEnvDuration("SWEEP_RETENTION", 7*24*time.Hour, &errs),
		ReceiptKeyPath:   getEnv("RECEIPT_KEY_PATH", ""),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogDevelopment:   getEnvBool("LOG_DEVELOPMENT", false, &errs),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("SERVER_ADDR must not be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH must not be empty")
	}
	if c.MaxIssueAttempts < 1 {
		return fmt.Errorf("invalid MAX_ISSUE_ATTEMPTS value: %d", c.MaxIssueAttempts)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("invalid SWEEP_INTERVAL value: %s", c.SweepInterval)
	}
	if c.SweepRetention < 0 {
		return fmt.Errorf("invalid SWEEP_RETENTION value: %s", c.SweepRetention)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LOG_LEVEL value: %q", c.LogLevel)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool, errs *[]error) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s value: %q", key, value))
		return defaultValue
	}
	return b
}

func getEnvInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s value: %q", key, value))
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s value: %q", key, value))
		return defaultValue
	}
	return d
}
