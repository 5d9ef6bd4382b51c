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

// keeper-webhook is the intake side of the escrow timing engine: it
// receives provider webhooks, verifies and normalizes them, and
// schedules the resulting timers on the shared queues. Timer firing is
// the job of keeper-worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"keeper/internal/chain"
	"keeper/internal/config"
	"keeper/internal/dealapi"
	"keeper/internal/engine"
	"keeper/internal/logging"
	"keeper/internal/notify"
	"keeper/internal/queue"
	"keeper/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "keeper-webhook: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	cfg.LogRedacted(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := queue.Open(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect queue substrate: %w", err)
	}
	defer func() { _ = client.Close() }()

	notifier, err := notify.New(cfg, log)
	if err != nil {
		return err
	}

	var chainClient webhook.ChainLookup
	if cfg.RPCURL != "" {
		chainClient = chain.New(cfg.RPCURL, log)
	}

	router := webhook.NewRouter(
		dealapi.New(cfg.ActionsBaseURL, log),
		engine.New(client, log),
		notifier,
		chainClient,
		webhook.NewReplayStore(client.Redis()),
		log,
	)
	server := webhook.NewServer(cfg.WebhookSecret, router, client.Redis(), log)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("webhook server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sg, _ := errgroup.WithContext(shutdownCtx)
		sg.Go(func() error { return httpServer.Shutdown(shutdownCtx) })
		sg.Go(client.Close)
		return sg.Wait()
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}
