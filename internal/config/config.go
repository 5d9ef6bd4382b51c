// Keeper is an escrow deal timing service.
// Copyright (C) 2026 The Keeper Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads runtime configuration for the keeper binaries from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"keeper/internal/logging"
)

// Notification drivers.
const (
	NotifyDriverNoop    = "noop"
	NotifyDriverDialect = "dialect"
)

// Config holds runtime configuration shared by the webhook and worker
// binaries. One Config feeds both so a deployment cannot drift between
// the producer and consumer side of the queues.
type Config struct {
	HTTPAddr             string // HTTP_ADDR
	RedisURL             string // REDIS_URL (required)
	WebhookSecret        string // HELIUS_WEBHOOK_SECRET (required, do not log value)
	ActionsBaseURL       string // ACTIONS_BASEURL (required)
	RPCURL               string // RPC_URL (empty disables chain correlation)
	WorkerConcurrency    int    // WORKER_CONCURRENCY
	LogLevel             string // LOG_LEVEL: debug|info|warn|error
	AutoFinalizeRelease  bool   // AUTO_FINALIZE_RELEASE
	AutoFinalizeRefund   bool   // AUTO_FINALIZE_REFUND
	NotifyDriver         string // NOTIFY_DRIVER: noop|dialect
	NotifyDialectKey     string // NOTIFY_DIALECT_KEY (do not log value)
	NotifyDialectBaseURL string // NOTIFY_DIALECT_BASEURL
}

// defaultConfig returns the defaults applied before the environment is
// consulted.
func defaultConfig() Config {
	return Config{
		HTTPAddr:          ":8080",
		WorkerConcurrency: 5,
		LogLevel:          "info",
		NotifyDriver:      NotifyDriverNoop,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// getenvBool parses a permissive boolean: true, 1, yes, and on (any
// case) are true, everything else including garbage is false.
func getenvBool(key string) bool {
	return ParseBool(os.Getenv(key))
}

// ParseBool reports whether v spells an affirmative flag value.
func ParseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// Load builds the Config from the environment and validates it. Missing
// required variables and malformed values are returned as errors so the
// binaries can fail at boot instead of at the first webhook.
func Load() (Config, error) {
	def := defaultConfig()

	cfg := Config{
		HTTPAddr:             getenv("HTTP_ADDR", def.HTTPAddr),
		RedisURL:             os.Getenv("REDIS_URL"),
		WebhookSecret:        os.Getenv("HELIUS_WEBHOOK_SECRET"),
		ActionsBaseURL:       os.Getenv("ACTIONS_BASEURL"),
		RPCURL:               os.Getenv("RPC_URL"),
		WorkerConcurrency:    getenvInt("WORKER_CONCURRENCY", def.WorkerConcurrency),
		LogLevel:             getenv("LOG_LEVEL", def.LogLevel),
		AutoFinalizeRelease:  getenvBool("AUTO_FINALIZE_RELEASE"),
		AutoFinalizeRefund:   getenvBool("AUTO_FINALIZE_REFUND"),
		NotifyDriver:         getenv("NOTIFY_DRIVER", def.NotifyDriver),
		NotifyDialectKey:     os.Getenv("NOTIFY_DIALECT_KEY"),
		NotifyDialectBaseURL: os.Getenv("NOTIFY_DIALECT_BASEURL"),
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks required variables and value constraints.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("HELIUS_WEBHOOK_SECRET is required")
	}
	if c.ActionsBaseURL == "" {
		return fmt.Errorf("ACTIONS_BASEURL is required")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LOG_LEVEL: must be 'debug', 'info', 'warn', or 'error', got %q", c.LogLevel)
	}

	switch c.NotifyDriver {
	case NotifyDriverNoop:
	case NotifyDriverDialect:
		if c.NotifyDialectKey == "" {
			return fmt.Errorf("NOTIFY_DIALECT_KEY is required when NOTIFY_DRIVER is 'dialect'")
		}
		if c.NotifyDialectBaseURL == "" {
			return fmt.Errorf("NOTIFY_DIALECT_BASEURL is required when NOTIFY_DRIVER is 'dialect'")
		}
		// Path joining downstream assumes a trailing slash.
		if !strings.HasSuffix(c.NotifyDialectBaseURL, "/") {
			c.NotifyDialectBaseURL += "/"
		}
	default:
		return fmt.Errorf("invalid NOTIFY_DRIVER: must be 'noop' or 'dialect', got %q", c.NotifyDriver)
	}

	return nil
}

// LogRedacted logs the effective configuration with secrets masked.
func (c Config) LogRedacted(log *zap.Logger) {
	log.Info("configuration loaded",
		zap.String("http_addr", c.HTTPAddr),
		zap.String("redis_url", logging.RedactURL(c.RedisURL)),
		zap.String("webhook_secret", logging.RedactSecret(c.WebhookSecret)),
		zap.String("actions_baseurl", c.ActionsBaseURL),
		zap.String("rpc_url", logging.RedactURL(c.RPCURL)),
		zap.Int("worker_concurrency", c.WorkerConcurrency),
		zap.String("log_level", c.LogLevel),
		zap.Bool("auto_finalize_release", c.AutoFinalizeRelease),
		zap.Bool("auto_finalize_refund", c.AutoFinalizeRefund),
		zap.String("notify_driver", c.NotifyDriver),
		zap.String("notify_dialect_key", logging.RedactSecret(c.NotifyDialectKey)),
		zap.String("notify_dialect_baseurl", c.NotifyDialectBaseURL),
	)
}
