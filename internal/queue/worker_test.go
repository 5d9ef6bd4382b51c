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

package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testWorkerConfig(queue string) WorkerConfig {
	return WorkerConfig{
		Queue:        queue,
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
		ReclaimEvery: 50 * time.Millisecond,
		LeaseTTL:     2 * time.Second,
	}
}

// drainEvents collects the full event stream after Run has returned.
func drainEvents(w *Worker) map[EventType]int {
	seen := make(map[EventType]int)
	for ev := range w.Events() {
		seen[ev.Type]++
	}
	return seen
}

func TestWorkerCompletesJob(t *testing.T) {
	c := testClient(t)
	q := New(c, Deadlines)

	payloadCh := make(chan []byte, 1)
	handler := func(ctx context.Context, job Job) error {
		select {
		case payloadCh <- job.Payload:
		default:
		}
		return nil
	}

	w := NewWorker(c, testWorkerConfig(Deadlines), handler, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if _, err := q.Add(context.Background(), map[string]string{"dealId": "D-1"}, AddOpts{JobID: "deadline:D-1:1:delivery:0"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	select {
	case payload := <-payloadCh:
		if string(payload) != `{"dealId":"D-1"}` {
			t.Errorf("unexpected payload: %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler was never invoked")
	}

	waitFor(t, 2*time.Second, "job completion", func() bool {
		counts, err := q.Counts(context.Background())
		return err == nil && counts.Completed == 1 && counts.Active == 0
	})

	cancel()
	<-done

	seen := drainEvents(w)
	if seen[EventActive] == 0 || seen[EventCompleted] == 0 {
		t.Errorf("expected active and completed events, got %v", seen)
	}
}

func TestWorkerRetriesThenFails(t *testing.T) {
	c := testClient(t)
	q := New(c, Reminders)

	var calls atomic.Int32
	handler := func(ctx context.Context, job Job) error {
		calls.Add(1)
		return fmt.Errorf("notifier unavailable")
	}

	w := NewWorker(c, testWorkerConfig(Reminders), handler, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if _, err := q.Add(context.Background(), "x", AddOpts{
		JobID:    "reminder:D-2:1:seller:deadline-upcoming",
		Attempts: 3,
		Backoff:  10 * time.Millisecond,
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	waitFor(t, 3*time.Second, "job to exhaust its attempts", func() bool {
		counts, err := q.Counts(context.Background())
		return err == nil && counts.Failed == 1
	})

	cancel()
	<-done

	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	seen := drainEvents(w)
	if seen[EventRetried] != 2 {
		t.Errorf("expected 2 retried events, got %v", seen)
	}
	if seen[EventFailed] != 1 {
		t.Errorf("expected 1 failed event, got %v", seen)
	}
}

func TestWorkerFailsFastOnUnprocessable(t *testing.T) {
	c := testClient(t)
	q := New(c, Escalation)

	var calls atomic.Int32
	handler := func(ctx context.Context, job Job) error {
		calls.Add(1)
		return fmt.Errorf("decode payload: %w", ErrUnprocessable)
	}

	w := NewWorker(c, testWorkerConfig(Escalation), handler, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if _, err := q.Add(context.Background(), "not-a-job", AddOpts{
		JobID:    "escalation:D-3:no-ack:REVIEW",
		Attempts: 5,
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	waitFor(t, 2*time.Second, "unprocessable job to fail", func() bool {
		counts, err := q.Counts(context.Background())
		return err == nil && counts.Failed == 1
	})

	cancel()
	<-done

	if got := calls.Load(); got != 1 {
		t.Errorf("expected a single attempt, got %d", got)
	}
	seen := drainEvents(w)
	if seen[EventRetried] != 0 {
		t.Errorf("expected no retries, got %v", seen)
	}
}

func TestWorkerHonorsDelay(t *testing.T) {
	c := testClient(t)
	q := New(c, Deadlines)

	started := time.Now()
	ranAt := make(chan time.Duration, 1)
	handler := func(ctx context.Context, job Job) error {
		select {
		case ranAt <- time.Since(started):
		default:
		}
		return nil
	}

	w := NewWorker(c, testWorkerConfig(Deadlines), handler, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	if _, err := q.Add(context.Background(), "x", AddOpts{JobID: "deadline:D-4:1:delivery:0", Delay: 80 * time.Millisecond}); err != nil {
		t.Fatalf("add: %v", err)
	}

	select {
	case elapsed := <-ranAt:
		if elapsed < 75*time.Millisecond {
			t.Errorf("job ran after %s, before its delay elapsed", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("delayed job never ran")
	}
}

func TestWorkerLimitsConcurrency(t *testing.T) {
	c := testClient(t)
	q := New(c, Reminders)

	var inFlight, peak atomic.Int32
	handler := func(ctx context.Context, job Job) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	cfg := testWorkerConfig(Reminders)
	cfg.Concurrency = 1
	w := NewWorker(c, cfg, handler, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("reminder:D-5:%d:both:deadline-upcoming", i)
		if _, err := q.Add(context.Background(), "x", AddOpts{JobID: id}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	waitFor(t, 5*time.Second, "all jobs to finish", func() bool {
		counts, err := q.Counts(context.Background())
		return err == nil && counts.Completed == 4
	})

	cancel()
	<-done

	if peak.Load() > 1 {
		t.Errorf("expected at most 1 job in flight, saw %d", peak.Load())
	}
}
