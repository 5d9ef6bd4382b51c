package queue

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

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnprocessable marks handler errors that retrying cannot fix, such
// as a payload that does not parse. The worker fails the job on the
// spot instead of burning the remaining attempts.
var ErrUnprocessable = errors.New("unprocessable job")

// Handler processes one claimed job. A nil return completes the job; an
// error schedules a retry unless it wraps ErrUnprocessable or the
// attempts are exhausted.
type Handler func(ctx context.Context, job Job) error

// Job is one claimed unit of work handed to a Handler.
type Job struct {
	ID          string
	Queue       string
	Payload     []byte
	Attempts    int // attempts made, including this one
	MaxAttempts int
}

// EventType labels worker telemetry events.
type EventType string

const (
	EventWaiting   EventType = "waiting"
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventRetried   EventType = "retried"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
)

// Event is one worker telemetry event. The runtime turns these into
// structured logs and counters; dropping one loses a data point, never
// a job.
type Event struct {
	Type     EventType
	Queue    string
	JobID    string
	Attempts int
	Delay    time.Duration
	Took     time.Duration
	Err      string
}

// WorkerConfig controls polling, leases, and concurrency for one worker.
type WorkerConfig struct {
	// Queue is the queue to consume. Required.
	Queue string

	// Concurrency is the number of jobs processed at once.
	Concurrency int

	// PollInterval is how often delayed jobs are promoted and the wait
	// list is drained.
	PollInterval time.Duration

	// LeaseTTL is how long a claimed job stays leased without a
	// heartbeat before another worker may reclaim it.
	LeaseTTL time.Duration

	// ReclaimEvery is how often expired leases are swept.
	ReclaimEvery time.Duration

	// HandlerTimeout bounds one handler invocation.
	HandlerTimeout time.Duration

	// PromoteBatch caps how many jobs one sweep moves.
	PromoteBatch int
}

// Worker consumes one queue: it promotes due jobs, claims them under a
// lease, runs the handler with bounded concurrency, and applies the
// retry policy.
type Worker struct {
	c       *Client
	q       *Queue
	cfg     WorkerConfig
	handler Handler
	log     *zap.Logger
	now     func() time.Time

	events chan Event
	sem    chan struct{}
	wg     sync.WaitGroup
}

// NewWorker constructs a worker for cfg.Queue.
func NewWorker(c *Client, cfg WorkerConfig, handler Handler, log *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.ReclaimEvery <= 0 {
		cfg.ReclaimEvery = 15 * time.Second
	}
	if cfg.HandlerTimeout <= 0 || cfg.HandlerTimeout >= cfg.LeaseTTL {
		cfg.HandlerTimeout = cfg.LeaseTTL / 2
	}
	if cfg.PromoteBatch <= 0 {
		cfg.PromoteBatch = 128
	}
	return &Worker{
		c:       c,
		q:       New(c, cfg.Queue),
		cfg:     cfg,
		handler: handler,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		events:  make(chan Event, 256),
		sem:     make(chan struct{}, cfg.Concurrency),
	}
}

// Events returns the telemetry stream. The channel closes after Run
// returns and all in-flight jobs have finished.
func (w *Worker) Events() <-chan Event {
	return w.events
}

// Run consumes the queue until ctx is canceled, then waits for in-flight
// handlers to finish.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker starting",
		zap.String("queue", w.cfg.Queue),
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Duration("lease_ttl", w.cfg.LeaseTTL))
	defer w.log.Info("worker stopped", zap.String("queue", w.cfg.Queue))

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	reclaim := time.NewTicker(w.cfg.ReclaimEvery)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			close(w.events)
			return ctx.Err()
		case <-reclaim.C:
			w.reclaimStalled(ctx)
		case <-poll.C:
			w.drain(ctx)
		}
	}
}

// drain promotes due jobs and claims work until the queue is empty or
// every concurrency slot is busy.
func (w *Worker) drain(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	promoted, err := w.q.promote(ctx, w.now(), w.cfg.PromoteBatch)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warn("promote failed", zap.String("queue", w.cfg.Queue), zap.Error(err))
		}
		return
	}
	for _, id := range promoted {
		w.emit(Event{Type: EventWaiting, Queue: w.cfg.Queue, JobID: id})
	}

	for {
		select {
		case w.sem <- struct{}{}:
		default:
			return
		}

		job, err := w.q.pop(ctx, w.now().Add(w.cfg.LeaseTTL))
		if err != nil || job == nil {
			<-w.sem
			if err != nil && ctx.Err() == nil {
				w.log.Warn("pop failed", zap.String("queue", w.cfg.Queue), zap.Error(err))
			}
			return
		}

		w.wg.Add(1)
		go w.runJob(ctx, *job)
	}
}

func (w *Worker) runJob(ctx context.Context, job Job) {
	defer w.wg.Done()
	defer func() { <-w.sem }()

	w.emit(Event{Type: EventActive, Queue: job.Queue, JobID: job.ID, Attempts: job.Attempts})

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, job.ID)

	start := w.now()
	jctx, cancel := context.WithTimeout(ctx, w.cfg.HandlerTimeout)
	err := w.handler(jctx, job)
	cancel()
	stopHeartbeat()
	took := w.now().Sub(start)

	// Bookkeeping still has to land while the process shuts down,
	// otherwise a completed job would be reclaimed and run twice.
	bctx, bcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer bcancel()

	if err == nil {
		if cerr := w.q.complete(bctx, job.ID, w.now()); cerr != nil {
			w.log.Error("complete bookkeeping failed",
				zap.String("queue", job.Queue), zap.String("job_id", job.ID), zap.Error(cerr))
		}
		w.emit(Event{Type: EventCompleted, Queue: job.Queue, JobID: job.ID, Attempts: job.Attempts, Took: took})
		return
	}

	force := errors.Is(err, ErrUnprocessable)
	delay, rerr := w.q.retryOrFail(bctx, job.ID, err, w.now(), force)
	if rerr != nil {
		w.log.Error("retry bookkeeping failed",
			zap.String("queue", job.Queue), zap.String("job_id", job.ID), zap.Error(rerr))
		return
	}
	if delay < 0 {
		w.emit(Event{Type: EventFailed, Queue: job.Queue, JobID: job.ID, Attempts: job.Attempts, Err: err.Error(), Took: took})
		return
	}
	w.emit(Event{Type: EventRetried, Queue: job.Queue, JobID: job.ID, Attempts: job.Attempts, Err: err.Error(), Delay: delay, Took: took})
}

// heartbeat extends the lease of an active job until its handler
// returns.
func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	t := time.NewTicker(w.cfg.LeaseTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.q.extendLease(ctx, jobID, w.now().Add(w.cfg.LeaseTTL)); err != nil && ctx.Err() == nil {
				w.log.Warn("lease extension failed",
					zap.String("queue", w.cfg.Queue), zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}
}

func (w *Worker) reclaimStalled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ids, err := w.q.reclaim(ctx, w.now(), w.cfg.PromoteBatch)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warn("reclaim failed", zap.String("queue", w.cfg.Queue), zap.Error(err))
		}
		return
	}
	for _, id := range ids {
		w.emit(Event{Type: EventStalled, Queue: w.cfg.Queue, JobID: id})
	}
}

// emit publishes a telemetry event without ever blocking job flow.
func (w *Worker) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
	}
}
