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

package escrow

// EffectKind classifies what a normalized provider event means for a
// deal. The set is closed: intake drops provider entries it cannot map,
// so every consumer can switch exhaustively over these five values.
type EffectKind string

const (
	EffectDealFunded    EffectKind = "deal-funded"
	EffectDealDelivered EffectKind = "deal-delivered"
	EffectDealDisputed  EffectKind = "deal-disputed"
	EffectDealReleased  EffectKind = "deal-released"
	EffectDealRefunded  EffectKind = "deal-refunded"
)

// Effect is the deal-level meaning extracted from a provider event.
type Effect struct {
	Kind   EffectKind `json:"kind" validate:"oneof=deal-funded deal-delivered deal-disputed deal-released deal-refunded"`
	DealID string     `json:"dealId" validate:"required"`
}

// Event is one normalized entry from a provider webhook batch. ID is the
// replay-stable identity computed by ComputeWebhookID; Sig is the on-chain
// transaction signature the entry was derived from. When is unix seconds.
type Event struct {
	ID     string `json:"id" validate:"required,len=64,hexadecimal"`
	Sig    string `json:"sig" validate:"required"`
	Slot   int64  `json:"slot" validate:"gte=0"`
	When   int64  `json:"when" validate:"gte=0"`
	Effect Effect `json:"effect"`
}

// Validate checks the event and its nested effect.
func (e Event) Validate() error {
	return validate.Struct(e)
}
