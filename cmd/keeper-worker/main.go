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

// keeper-worker is the firing side of the escrow timing engine: one
// worker per queue consumes due timers and runs the deadline, reminder,
// and escalation processors. On SIGINT/SIGTERM it stops dequeuing, lets
// in-flight jobs finish, and closes everything concurrently.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"keeper/internal/config"
	"keeper/internal/dealapi"
	"keeper/internal/engine"
	"keeper/internal/logging"
	"keeper/internal/metrics"
	"keeper/internal/notify"
	"keeper/internal/policy"
	"keeper/internal/process"
	"keeper/internal/queue"
)

// depthEvery is how often queue depth gauges are refreshed.
const depthEvery = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "keeper-worker: %v\n", err)
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

	api := dealapi.New(cfg.ActionsBaseURL, log)
	gate := policy.NewGate(cfg.AutoFinalizeRelease, cfg.AutoFinalizeRefund)
	eng := engine.New(client, log)

	handlers := map[string]queue.Handler{
		queue.Deadlines:  process.NewDeadline(api, eng, gate, notifier, log).Handle,
		queue.Reminders:  process.NewReminder(api, notifier, log).Handle,
		queue.Escalation: process.NewEscalation(api, gate, notifier, log).Handle,
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, handler := range handlers {
		worker := queue.NewWorker(client, queue.WorkerConfig{
			Queue:       name,
			Concurrency: cfg.WorkerConcurrency,
		}, handler, log)

		g.Go(func() error {
			if err := worker.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			consumeEvents(worker, log)
			return nil
		})
	}
	g.Go(func() error {
		publishDepths(gctx, client)
		return nil
	})

	log.Info("workers started",
		zap.Int("queues", len(handlers)),
		zap.Int("concurrency", cfg.WorkerConcurrency))

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}

// consumeEvents drains one worker's telemetry stream into logs and
// metrics until the worker closes it.
func consumeEvents(w *queue.Worker, log *zap.Logger) {
	for ev := range w.Events() {
		switch ev.Type {
		case queue.EventCompleted:
			metrics.ObserveJob(ev.Queue, "completed", ev.Took)
			log.Debug("job completed",
				zap.String("queue", ev.Queue),
				zap.String("job_id", ev.JobID),
				zap.Duration("took", ev.Took))
		case queue.EventRetried:
			metrics.ObserveJob(ev.Queue, "retried", ev.Took)
			log.Warn("job retried",
				zap.String("queue", ev.Queue),
				zap.String("job_id", ev.JobID),
				zap.Int("attempts", ev.Attempts),
				zap.Duration("next_in", ev.Delay),
				zap.String("error", ev.Err))
		case queue.EventFailed:
			metrics.ObserveJob(ev.Queue, "failed", ev.Took)
			log.Error("job failed",
				zap.String("queue", ev.Queue),
				zap.String("job_id", ev.JobID),
				zap.Int("attempts", ev.Attempts),
				zap.String("error", ev.Err))
		case queue.EventStalled:
			metrics.ObserveJob(ev.Queue, "stalled", 0)
			log.Warn("job reclaimed from stalled worker",
				zap.String("queue", ev.Queue),
				zap.String("job_id", ev.JobID))
		case queue.EventActive, queue.EventWaiting:
			log.Debug("job state change",
				zap.String("queue", ev.Queue),
				zap.String("job_id", ev.JobID),
				zap.String("state", string(ev.Type)))
		}
	}
}

// publishDepths refreshes the queue depth gauges until shutdown.
func publishDepths(ctx context.Context, client *queue.Client) {
	ticker := time.NewTicker(depthEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range []string{queue.Deadlines, queue.Reminders, queue.Escalation} {
				counts, err := queue.New(client, name).Counts(ctx)
				if err != nil {
					continue
				}
				metrics.SetQueueDepth(name, "waiting", counts.Waiting)
				metrics.SetQueueDepth(name, "delayed", counts.Delayed)
				metrics.SetQueueDepth(name, "active", counts.Active)
				metrics.SetQueueDepth(name, "failed", counts.Failed)
			}
		}
	}
}
