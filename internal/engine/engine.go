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

// Package engine turns deal snapshots into pending timer jobs. Plans
// describe the timers a deal needs; the engine applies them to the
// queues, resolves deadline nonces so a moved deadline supersedes its
// predecessor, and cancels everything when a deal ends.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"keeper/internal/queue"
	"keeper/pkg/escrow"
)

// Engine owns the timer set of every deal.
type Engine struct {
	rdb        *redis.Client
	deadlines  *queue.Queue
	reminders  *queue.Queue
	escalation *queue.Queue
	log        *zap.Logger
	now        func() time.Time
}

// New returns an Engine on the given queue client.
func New(c *queue.Client, log *zap.Logger) *Engine {
	return &Engine{
		rdb:        c.Redis(),
		deadlines:  queue.New(c, queue.Deadlines),
		reminders:  queue.New(c, queue.Reminders),
		escalation: queue.New(c, queue.Escalation),
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ApplyResult summarizes one Apply for logging.
type ApplyResult struct {
	Scheduled  int // jobs newly enqueued
	Deduped    int // jobs that already existed under the same identity
	Superseded int // prior deadline schedules cancelled by a moved deadline
}

// Apply establishes every timer in the plan. Re-applying a plan, or
// applying two plans that describe the same logical timers, is safe:
// identities dedupe on the queue and deadline nonces only move when the
// target time moves.
func (e *Engine) Apply(ctx context.Context, plan Plan) (ApplyResult, error) {
	var res ApplyResult
	now := e.now()

	for _, d := range plan.Deadlines {
		resolved, superseded, err := e.resolveDeadline(ctx, d)
		if err != nil {
			return res, err
		}
		if superseded {
			res.Superseded++
		}
		added, err := e.deadlines.Add(ctx, resolved, queue.AddOpts{
			JobID: resolved.JobID(),
			Delay: delayUntil(resolved.DeadlineAt, now),
		})
		if err != nil {
			return res, fmt.Errorf("schedule deadline for deal %s: %w", d.DealID, err)
		}
		e.count(&res, added)
		e.log.Debug("deadline scheduled",
			zap.String("deal_id", resolved.DealID),
			zap.String("job_id", resolved.JobID()),
			zap.Bool("added", added))
	}

	for _, r := range plan.Reminders {
		added, err := e.reminders.Add(ctx, r, queue.AddOpts{
			JobID: r.JobID(),
			Delay: delayUntil(r.NotifyAt, now),
		})
		if err != nil {
			return res, fmt.Errorf("schedule reminder for deal %s: %w", r.DealID, err)
		}
		e.count(&res, added)
	}

	for _, esc := range plan.Escalations {
		added, err := e.escalation.Add(ctx, esc.Job, queue.AddOpts{
			JobID: esc.Job.JobID(),
			Delay: delayUntil(esc.At, now),
		})
		if err != nil {
			return res, fmt.Errorf("schedule escalation for deal %s: %w", esc.Job.DealID, err)
		}
		e.count(&res, added)
	}

	return res, nil
}

// Enqueue adds a single escalation to run immediately. Processors use
// it when a deadline elapses; the identity dedupes against any copy the
// full-plan path scheduled ahead of time.
func (e *Engine) Enqueue(ctx context.Context, job escrow.EscalationJob) (bool, error) {
	added, err := e.escalation.Add(ctx, job, queue.AddOpts{JobID: job.JobID()})
	if err != nil {
		return false, fmt.Errorf("enqueue escalation for deal %s: %w", job.DealID, err)
	}
	return added, nil
}

// CancelAll removes every pending timer belonging to the deal, across
// all three queues, and forgets the deal's deadline schedule state. It
// returns how many jobs were removed.
func (e *Engine) CancelAll(ctx context.Context, dealID string) (int, error) {
	removed := 0
	for _, q := range []*queue.Queue{e.deadlines, e.reminders, e.escalation} {
		ids, err := q.PendingIDs(ctx)
		if err != nil {
			return removed, fmt.Errorf("cancel timers for deal %s: %w", dealID, err)
		}
		for _, id := range ids {
			if !belongsTo(id, dealID) {
				continue
			}
			ok, err := q.CancelByID(ctx, id)
			if err != nil {
				return removed, fmt.Errorf("cancel %s: %w", id, err)
			}
			if ok {
				removed++
			}
		}
	}

	err := e.rdb.Del(ctx,
		scheduleKey(dealID, escrow.DeadlineDelivery),
		scheduleKey(dealID, escrow.DeadlineDispute),
	).Err()
	if err != nil {
		return removed, fmt.Errorf("clear schedule state for deal %s: %w", dealID, err)
	}

	if removed > 0 {
		e.log.Info("timers cancelled",
			zap.String("deal_id", dealID),
			zap.Int("removed", removed))
	}
	return removed, nil
}

// resolveDeadline assigns the job its nonce. The first schedule of a
// (deal, kind) pair gets nonce 0. Re-scheduling the same target time
// reuses the stored nonce so the queue dedupes. A moved target time
// bumps the nonce and cancels the superseded identity, so a stale timer
// can never fire for a deadline that no longer exists.
func (e *Engine) resolveDeadline(ctx context.Context, job escrow.DeadlineJob) (escrow.DeadlineJob, bool, error) {
	res, err := scheduleScript.Run(ctx, e.rdb,
		[]string{scheduleKey(job.DealID, job.Kind)},
		job.DeadlineAt,
	).Int64Slice()
	if err != nil {
		return job, false, fmt.Errorf("resolve nonce for deal %s %s deadline: %w", job.DealID, job.Kind, err)
	}
	if len(res) != 3 {
		return job, false, fmt.Errorf("resolve nonce for deal %s %s deadline: unexpected reply", job.DealID, job.Kind)
	}

	job.Nonce = res[0]
	prevAt, prevNonce := res[1], res[2]
	if prevAt < 0 {
		return job, false, nil
	}

	prior := escrow.DeadlineJob{DealID: job.DealID, DeadlineAt: prevAt, Kind: job.Kind, Nonce: prevNonce}
	if _, err := e.deadlines.CancelByID(ctx, prior.JobID()); err != nil {
		return job, false, fmt.Errorf("cancel superseded deadline %s: %w", prior.JobID(), err)
	}
	e.log.Info("deadline superseded",
		zap.String("deal_id", job.DealID),
		zap.String("kind", string(job.Kind)),
		zap.Int64("was_at", prevAt),
		zap.Int64("now_at", job.DeadlineAt),
		zap.Int64("nonce", job.Nonce))
	return job, true, nil
}

func (e *Engine) count(res *ApplyResult, added bool) {
	if added {
		res.Scheduled++
	} else {
		res.Deduped++
	}
}

// scheduleScript reads and updates the stored (target time, nonce) pair
// for one deal and deadline kind in a single step, so two producers
// scheduling concurrently agree on the nonce.
//
// KEYS: schedule hash. ARGV: target unix seconds.
// Returns {nonce to use, superseded at, superseded nonce}; the last two
// are -1 when nothing is superseded.
var scheduleScript = redis.NewScript(`
local at = tonumber(ARGV[1])
local prevAt = redis.call('HGET', KEYS[1], 'at')
if not prevAt then
  redis.call('HSET', KEYS[1], 'at', at, 'nonce', 0)
  return {0, -1, -1}
end
local prevNonce = tonumber(redis.call('HGET', KEYS[1], 'nonce'))
if tonumber(prevAt) == at then
  return {prevNonce, -1, -1}
end
local nonce = prevNonce + 1
redis.call('HSET', KEYS[1], 'at', at, 'nonce', nonce)
return {nonce, tonumber(prevAt), prevNonce}
`)

func scheduleKey(dealID string, kind escrow.DeadlineKind) string {
	return "keeper:sched:" + dealID + ":" + string(kind)
}

// belongsTo reports whether a job identity names the deal. Identities
// are <family>:<dealId>:..., so the deal id is always the second
// segment.
func belongsTo(jobID, dealID string) bool {
	rest, ok := strings.CutPrefix(jobID, "deadline:")
	if !ok {
		rest, ok = strings.CutPrefix(jobID, "reminder:")
	}
	if !ok {
		rest, ok = strings.CutPrefix(jobID, "escalation:")
	}
	if !ok {
		return false
	}
	return strings.HasPrefix(rest, dealID+":")
}

// delayUntil converts an absolute unix-seconds target into a queue
// delay, flooring past targets at zero.
func delayUntil(at int64, now time.Time) time.Duration {
	d := time.Duration(at-now.Unix()) * time.Second
	if d < 0 {
		return 0
	}
	return d
}
