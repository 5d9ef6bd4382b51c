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

// Package escrow holds the deal model shared by the webhook intake, the
// scheduling engine, and the queue processors: deal states, timer job
// payloads with their stable identities, and normalized on-chain events.
package escrow

// DealState is the lifecycle state of an escrow deal as reported by the
// deal API.
type DealState string

const (
	StateInit      DealState = "INIT"
	StateFunded    DealState = "FUNDED"
	StateDelivered DealState = "DELIVERED"
	StateDisputed  DealState = "DISPUTED"
	StateResolved  DealState = "RESOLVED"
	StateReleased  DealState = "RELEASED"
	StateRefunded  DealState = "REFUNDED"
)

// Terminal reports whether the state ends the deal lifecycle. Deals in a
// terminal state must never receive new timers, and pending timers for
// them are suppressed or cancelled.
func (s DealState) Terminal() bool {
	switch s {
	case StateResolved, StateReleased, StateRefunded:
		return true
	default:
		return false
	}
}

// Known reports whether s is one of the defined lifecycle states.
func (s DealState) Known() bool {
	switch s {
	case StateInit, StateFunded, StateDelivered, StateDisputed,
		StateResolved, StateReleased, StateRefunded:
		return true
	default:
		return false
	}
}

// DealSnapshot is the authoritative view of a deal fetched from the deal
// API at processing time. Timestamps are unix seconds; zero means the
// field is not set for this deal.
type DealSnapshot struct {
	ID           string    `json:"id" validate:"required"`
	State        DealState `json:"state" validate:"required,oneof=INIT FUNDED DELIVERED DISPUTED RESOLVED RELEASED REFUNDED"`
	DeliveryBy   int64     `json:"deliveryBy" validate:"gte=0"`
	DisputeUntil int64     `json:"disputeUntil" validate:"gte=0"`
}

// Validate checks the snapshot against the declared constraints.
func (s DealSnapshot) Validate() error {
	return validate.Struct(s)
}
