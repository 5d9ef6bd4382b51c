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
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Retry and retention defaults, applied when AddOpts leaves them zero.
const (
	DefaultMaxAttempts = 5
	DefaultBackoff     = time.Second

	keepCompleted = time.Hour
	keepFailed    = 24 * time.Hour
	maxKept       = 1000
)

// Queue is a handle on one named queue.
type Queue struct {
	name string
	c    *Client
}

// New returns a handle on the named queue.
func New(c *Client, name string) *Queue {
	return &Queue{name: name, c: c}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// AddOpts control one enqueue.
type AddOpts struct {
	// JobID is the job's stable identity. Required.
	JobID string

	// Delay until the job becomes runnable. Negative values run the
	// job immediately.
	Delay time.Duration

	// Attempts is the total tries before the job fails for good.
	// Zero means DefaultMaxAttempts.
	Attempts int

	// Backoff is the first retry delay; later retries double it.
	// Zero means DefaultBackoff.
	Backoff time.Duration
}

// Add enqueues payload under opts.JobID. If a pending job with that
// identity already exists the call is a no-op and returns false. The
// payload is stored as JSON.
func (q *Queue) Add(ctx context.Context, payload any, opts AddOpts) (bool, error) {
	if opts.JobID == "" {
		return false, fmt.Errorf("add to %s: job id is required", q.name)
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload for %s: %w", opts.JobID, err)
	}

	now := time.Now().UnixMilli()
	fireAt := now + opts.Delay.Milliseconds()

	keys := []string{
		jobKey(q.name, opts.JobID),
		delayedKey(q.name),
		waitKey(q.name),
		completedKey(q.name),
		failedKey(q.name),
	}
	added, err := addScript.Run(ctx, q.c.rdb, keys,
		opts.JobID,
		string(body),
		opts.Attempts,
		opts.Backoff.Milliseconds(),
		fireAt,
		now,
	).Int()
	if err != nil {
		return false, fmt.Errorf("add %s: %w", opts.JobID, err)
	}
	return added == 1, nil
}

// CancelByID removes a pending job. Unknown, active, and finished jobs
// are ignored: cancelling twice, or cancelling something already
// running, returns false with no error.
func (q *Queue) CancelByID(ctx context.Context, jobID string) (bool, error) {
	keys := []string{
		jobKey(q.name, jobID),
		delayedKey(q.name),
		waitKey(q.name),
	}
	removed, err := cancelScript.Run(ctx, q.c.rdb, keys, jobID).Int()
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", jobID, err)
	}
	return removed == 1, nil
}

// Counts reports the queue's size per state.
type Counts struct {
	Delayed   int64
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
}

// Counts returns the current number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.c.rdb.Pipeline()
	delayed := pipe.ZCard(ctx, delayedKey(q.name))
	waiting := pipe.LLen(ctx, waitKey(q.name))
	active := pipe.ZCard(ctx, activeKey(q.name))
	completed := pipe.ZCard(ctx, completedKey(q.name))
	failed := pipe.ZCard(ctx, failedKey(q.name))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("counts for %s: %w", q.name, err)
	}
	return Counts{
		Delayed:   delayed.Val(),
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// PendingIDs lists the identities of all delayed and waiting jobs. The
// scheduling engine uses it to find a deal's outstanding timers; queues
// stay small enough that a full listing is cheap.
func (q *Queue) PendingIDs(ctx context.Context) ([]string, error) {
	pipe := q.c.rdb.Pipeline()
	delayed := pipe.ZRange(ctx, delayedKey(q.name), 0, -1)
	waiting := pipe.LRange(ctx, waitKey(q.name), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("pending ids for %s: %w", q.name, err)
	}
	ids := make([]string, 0, len(delayed.Val())+len(waiting.Val()))
	ids = append(ids, delayed.Val()...)
	ids = append(ids, waiting.Val()...)
	return ids, nil
}

// promote moves due delayed jobs to the wait list and returns their ids.
func (q *Queue) promote(ctx context.Context, now time.Time, limit int) ([]string, error) {
	keys := []string{delayedKey(q.name), waitKey(q.name)}
	ids, err := promoteScript.Run(ctx, q.c.rdb, keys,
		jobKeyPrefix(q.name),
		strconv.FormatInt(now.UnixMilli(), 10),
		limit,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("promote %s: %w", q.name, err)
	}
	return ids, nil
}

// reclaim returns lease-expired active jobs to the wait list.
func (q *Queue) reclaim(ctx context.Context, now time.Time, limit int) ([]string, error) {
	keys := []string{activeKey(q.name), waitKey(q.name)}
	ids, err := reclaimScript.Run(ctx, q.c.rdb, keys,
		jobKeyPrefix(q.name),
		strconv.FormatInt(now.UnixMilli(), 10),
		limit,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("reclaim %s: %w", q.name, err)
	}
	return ids, nil
}

// pop claims the next waiting job, if any.
func (q *Queue) pop(ctx context.Context, leaseUntil time.Time) (*Job, error) {
	keys := []string{waitKey(q.name), activeKey(q.name)}
	res, err := popScript.Run(ctx, q.c.rdb, keys,
		jobKeyPrefix(q.name),
		strconv.FormatInt(leaseUntil.UnixMilli(), 10),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("pop from %s: %w", q.name, err)
	}
	if len(res) < 4 {
		return nil, nil
	}

	job := &Job{Queue: q.name}
	if s, ok := res[0].(string); ok {
		job.ID = s
	}
	if s, ok := res[1].(string); ok {
		job.Payload = []byte(s)
	}
	job.Attempts = toInt(res[2])
	job.MaxAttempts = toInt(res[3])
	return job, nil
}

// extendLease pushes the lease expiry of an active job forward.
func (q *Queue) extendLease(ctx context.Context, jobID string, leaseUntil time.Time) error {
	err := q.c.rdb.ZAddXX(ctx, activeKey(q.name), redis.Z{
		Score:  float64(leaseUntil.UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("extend lease for %s: %w", jobID, err)
	}
	return nil
}

// complete finishes a job successfully.
func (q *Queue) complete(ctx context.Context, jobID string, now time.Time) error {
	keys := []string{jobKey(q.name, jobID), activeKey(q.name), completedKey(q.name)}
	err := completeScript.Run(ctx, q.c.rdb, keys,
		jobID,
		strconv.FormatInt(now.UnixMilli(), 10),
		keepCompleted.Milliseconds(),
		maxKept,
	).Err()
	if err != nil {
		return fmt.Errorf("complete %s: %w", jobID, err)
	}
	return nil
}

// retryOrFail reschedules a failed attempt or buries the job. It
// returns the retry delay, or -1 when the job failed for good.
func (q *Queue) retryOrFail(ctx context.Context, jobID string, jobErr error, now time.Time, force bool) (time.Duration, error) {
	forceFlag := "0"
	if force {
		forceFlag = "1"
	}
	keys := []string{jobKey(q.name, jobID), activeKey(q.name), delayedKey(q.name), failedKey(q.name)}
	delayMs, err := retryScript.Run(ctx, q.c.rdb, keys,
		jobID,
		strconv.FormatInt(now.UnixMilli(), 10),
		truncate(jobErr.Error(), 512),
		keepFailed.Milliseconds(),
		maxKept,
		forceFlag,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("retry %s: %w", jobID, err)
	}
	if delayMs < 0 {
		return -1, nil
	}
	return time.Duration(delayMs) * time.Millisecond, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
