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

package webhook

import (
	"context"
	"fmt"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// replayTTL is how long an event id is remembered. Providers redeliver
// within minutes; a day covers extended outages on their side.
const replayTTL = 24 * time.Hour

// ReplayStore remembers which event ids have been processed. The
// Redis set is the authority so replays are suppressed across
// processes; a local cache in front keeps the hot path off the network
// for the common redeliver-immediately case.
type ReplayStore struct {
	rdb   *redis.Client
	local *cache.Cache
}

// NewReplayStore returns a store on the given Redis connection.
func NewReplayStore(rdb *redis.Client) *ReplayStore {
	return &ReplayStore{
		rdb:   rdb,
		local: cache.New(replayTTL, time.Hour),
	}
}

// Seen marks the event id processed and reports whether it already was.
func (s *ReplayStore) Seen(ctx context.Context, id string) (bool, error) {
	if _, found := s.local.Get(id); found {
		return true, nil
	}

	fresh, err := s.rdb.SetNX(ctx, "keeper:webhook:seen:"+id, 1, replayTTL).Result()
	if err != nil {
		return false, fmt.Errorf("replay check for %s: %w", id, err)
	}
	s.local.SetDefault(id, struct{}{})
	return !fresh, nil
}
