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

// Package process holds the three timer processors. Each one is a pure
// decision over (payload, fresh snapshot, now, policy): the queue
// guarantees single delivery per identity, the processors hold no state
// between jobs, and transient port errors surface so the queue retries.
package process

import (
	"context"
	"encoding/json"
	"fmt"

	"keeper/internal/dealapi"
	"keeper/internal/queue"
	"keeper/pkg/escrow"
)

// Decisions reported in Result.Action.
const (
	ActionNoop     = "noop"
	ActionEscalate = "escalate"
	ActionRemind   = "remind"
)

// Escalation routes reported in Result.Route.
const (
	RoutePrepared = "prepared"
	RouteReview   = "review"
)

// DealAPI is the slice of the deal service the processors need. The
// snapshot is authoritative; payloads only say which deal and when, the
// snapshot says what the deal looks like now.
type DealAPI interface {
	GetDealSnapshot(ctx context.Context, dealID string) (escrow.DealSnapshot, error)
	PrepareFinalize(ctx context.Context, dealID string, action escrow.SuggestedAction) (dealapi.FinalizeLinks, error)
}

// Escalator enqueues an escalation under its stable identity.
type Escalator interface {
	Enqueue(ctx context.Context, job escrow.EscalationJob) (bool, error)
}

// PolicyGate answers whether an action may be finalized automatically.
type PolicyGate interface {
	AllowsAutoFinalize(action escrow.SuggestedAction) bool
}

// Result is what one processed job decided, for logging and metrics.
type Result struct {
	Action    string
	DealID    string
	Reason    escrow.EscalationReason
	Suggested escrow.SuggestedAction
	Route     string
}

// parsePayload unmarshals and validates a queued payload. Failures are
// unprocessable: retrying cannot fix a payload that never parsed.
func parsePayload[T interface{ Validate() error }](job queue.Job, out *T) error {
	if err := json.Unmarshal(job.Payload, out); err != nil {
		return fmt.Errorf("%w: parse %s payload: %v", queue.ErrUnprocessable, job.Queue, err)
	}
	if err := (*out).Validate(); err != nil {
		return fmt.Errorf("%w: invalid %s payload: %v", queue.ErrUnprocessable, job.Queue, err)
	}
	return nil
}
