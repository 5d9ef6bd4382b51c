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

import "github.com/redis/go-redis/v9"

// Every state transition a job can take runs as one Lua script, so two
// workers or producers racing on the same identity always observe a
// consistent hash, set, and list together.

// addScript enqueues a job unless a pending copy of the identity already
// exists. A finished copy left behind by retention is replaced.
//
// KEYS: job hash, delayed zset, wait list, completed zset, failed zset
// ARGV: id, payload, max attempts, backoff ms, fire-at ms, now ms
// Returns 1 if enqueued, 0 if a pending copy already existed.
var addScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'delayed' or state == 'waiting' or state == 'active' then
  return 0
end
if state then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[4], ARGV[1])
  redis.call('ZREM', KEYS[5], ARGV[1])
end
redis.call('HSET', KEYS[1],
  'payload', ARGV[2],
  'attempts', 0,
  'max_attempts', ARGV[3],
  'backoff_ms', ARGV[4],
  'enqueued_at', ARGV[6])
if tonumber(ARGV[5]) <= tonumber(ARGV[6]) then
  redis.call('HSET', KEYS[1], 'state', 'waiting')
  redis.call('RPUSH', KEYS[3], ARGV[1])
else
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[2], tonumber(ARGV[5]), ARGV[1])
end
return 1
`)

// cancelScript removes a pending job. Active and finished jobs are left
// alone so cancellation stays idempotent and never yanks a running
// handler.
//
// KEYS: job hash, delayed zset, wait list
// ARGV: id
// Returns 1 if a pending job was removed, 0 otherwise.
var cancelScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'delayed' then
  redis.call('ZREM', KEYS[2], ARGV[1])
  redis.call('DEL', KEYS[1])
  return 1
end
if state == 'waiting' then
  redis.call('LREM', KEYS[3], 0, ARGV[1])
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// promoteScript moves delayed jobs whose fire time has passed onto the
// wait list.
//
// KEYS: delayed zset, wait list
// ARGV: job key prefix, now ms, batch limit
// Returns the promoted ids.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
  redis.call('HSET', ARGV[1] .. id, 'state', 'waiting')
end
return due
`)

// popScript claims the next waiting job for a worker and grants it a
// lease. The LPOP is what makes a job identity run on at most one
// worker at a time.
//
// KEYS: wait list, active zset
// ARGV: job key prefix, lease expiry ms
// Returns {} when idle, else {id, payload, attempts, max attempts}.
var popScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return {}
end
local jobKey = ARGV[1] .. id
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), id)
redis.call('HSET', jobKey, 'state', 'active')
local attempts = redis.call('HINCRBY', jobKey, 'attempts', 1)
local payload = redis.call('HGET', jobKey, 'payload')
local max = redis.call('HGET', jobKey, 'max_attempts')
return {id, payload, attempts, max}
`)

// reclaimScript returns jobs whose lease expired to the wait list. A
// worker that died mid-job loses its lease and the job runs again
// elsewhere.
//
// KEYS: active zset, wait list
// ARGV: job key prefix, now ms, batch limit
// Returns the reclaimed ids.
var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
  redis.call('HSET', ARGV[1] .. id, 'state', 'waiting')
end
return expired
`)

// completeScript finishes a job and applies completed-set retention.
//
// KEYS: job hash, active zset, completed zset
// ARGV: id, now ms, retention ms, max kept
var completeScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'completed', 'finished_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', tonumber(ARGV[2]) - tonumber(ARGV[3]))
local extra = redis.call('ZCARD', KEYS[3]) - tonumber(ARGV[4])
if extra > 0 then
  redis.call('ZREMRANGEBYRANK', KEYS[3], 0, extra - 1)
end
return 1
`)

// retryScript either reschedules a failed attempt with exponential
// backoff or, when attempts are exhausted (or the error was marked
// unprocessable), moves the job to the failed set with retention.
//
// KEYS: job hash, active zset, delayed zset, failed zset
// ARGV: id, now ms, error, retention ms, max kept, force fail flag
// Returns the retry delay in ms, or -1 when the job failed for good.
var retryScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'last_error', ARGV[3])

local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0')
local max = tonumber(redis.call('HGET', KEYS[1], 'max_attempts') or '1')
local backoff = tonumber(redis.call('HGET', KEYS[1], 'backoff_ms') or '1000')

if ARGV[6] ~= '1' and attempts < max then
  local delay = backoff * 2 ^ (attempts - 1)
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[3], tonumber(ARGV[2]) + delay, ARGV[1])
  return delay
end

redis.call('HSET', KEYS[1], 'state', 'failed', 'finished_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('ZADD', KEYS[4], tonumber(ARGV[2]), ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[4], '-inf', tonumber(ARGV[2]) - tonumber(ARGV[4]))
local extra = redis.call('ZCARD', KEYS[4]) - tonumber(ARGV[5])
if extra > 0 then
  redis.call('ZREMRANGEBYRANK', KEYS[4], 0, extra - 1)
end
return -1
`)
