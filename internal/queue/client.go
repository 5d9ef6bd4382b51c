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

// Package queue implements the delayed job queues the scheduling engine
// and the timer processors share. Jobs live in Redis: a hash per job
// keyed by the job's stable identity, a sorted set of delayed jobs by
// fire time, a list of jobs ready to run, and a sorted set of active
// jobs by lease expiry. Adds deduplicate on the job identity, so any
// number of producers scheduling the same timer converge on one pending
// copy.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Queue names. Exactly three queues exist; every job identity's first
// segment names the queue family it belongs to.
const (
	Deadlines  = "deadlines"
	Reminders  = "reminders"
	Escalation = "escalation"
)

// Client owns the Redis connection shared by all queues of one process.
type Client struct {
	rdb *redis.Client

	closeOnce sync.Once
	closeErr  error
}

// Open connects to Redis using a redis:// URL and verifies the
// connection with a ping before handing it out.
func Open(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close releases the Redis connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rdb.Close()
	})
	return c.closeErr
}

// Redis exposes the underlying connection for neighbors that share the
// same Redis (schedule state, replay suppression). Queue internals stay
// behind the Queue and Worker types.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Key layout. Everything the queues store lives under keeper:q:<queue>.
func jobKeyPrefix(queue string) string { return "keeper:q:" + queue + ":job:" }

func jobKey(queue, id string) string    { return jobKeyPrefix(queue) + id }
func delayedKey(queue string) string    { return "keeper:q:" + queue + ":delayed" }
func waitKey(queue string) string       { return "keeper:q:" + queue + ":wait" }
func activeKey(queue string) string     { return "keeper:q:" + queue + ":active" }
func completedKey(queue string) string  { return "keeper:q:" + queue + ":completed" }
func failedKey(queue string) string     { return "keeper:q:" + queue + ":failed" }
