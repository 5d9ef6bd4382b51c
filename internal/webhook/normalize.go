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
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"keeper/pkg/escrow"
)

// ErrMalformed reports a request body that is not JSON at all. Anything
// parseable but unusable is dropped entry by entry instead.
var ErrMalformed = errors.New("malformed json")

// effectForType maps provider type codes onto the internal effect set.
// Lookup is case-insensitive; the internal kebab names double as
// aliases so replaying normalized events through intake round-trips.
var effectForType = map[string]escrow.EffectKind{
	"deal_funded":    escrow.EffectDealFunded,
	"deal_delivered": escrow.EffectDealDelivered,
	"deal_disputed":  escrow.EffectDealDisputed,
	"deal_released":  escrow.EffectDealReleased,
	"deal_refunded":  escrow.EffectDealRefunded,
	"deal-funded":    escrow.EffectDealFunded,
	"deal-delivered": escrow.EffectDealDelivered,
	"deal-disputed":  escrow.EffectDealDisputed,
	"deal-released":  escrow.EffectDealReleased,
	"deal-refunded":  escrow.EffectDealRefunded,
}

// Normalize parses a raw provider delivery into validated events.
// Intake is best-effort by design: the provider batches unrelated
// transactions together, so entries that lack a signature, carry an
// unknown type, or fail validation are dropped silently rather than
// failing the delivery. Only a body that is not JSON is an error.
// Events come back in input order with their original batch indices
// folded into their ids.
func Normalize(raw []byte, webhookID string) ([]escrow.Event, error) {
	entries, err := decodeEntries(raw)
	if err != nil {
		return nil, err
	}

	events := make([]escrow.Event, 0, len(entries))
	for i, entry := range entries {
		sig := probeString(entry, "signature", "sig", "txSignature")
		if sig == "" {
			continue
		}
		kind, ok := effectForType[strings.ToLower(probeString(entry, "type", "event"))]
		if !ok {
			continue
		}

		ev := escrow.Event{
			ID:   escrow.ComputeWebhookID(webhookID, sig, i),
			Sig:  sig,
			Slot: probeInt(entry, "slot"),
			When: probeInt(entry, "timestamp", "blockTime"),
			Effect: escrow.Effect{
				Kind:   kind,
				DealID: probeString(entry, "dealId", "deal_id", "deal"),
			},
		}
		if err := ev.Validate(); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// decodeEntries accepts the three shapes providers send: a top-level
// array, an object wrapping an "events" array, or a single object.
func decodeEntries(raw []byte) ([]map[string]json.RawMessage, error) {
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err == nil {
		return entries, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, ErrMalformed
	}
	if wrapped, ok := obj["events"]; ok {
		if err := json.Unmarshal(wrapped, &entries); err == nil {
			return entries, nil
		}
		return nil, ErrMalformed
	}
	return []map[string]json.RawMessage{obj}, nil
}

// probeString returns the first of the named keys holding a string.
func probeString(entry map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := entry[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

// probeInt returns the first of the named keys holding an integer,
// accepting numbers that arrive as JSON strings.
func probeInt(entry map[string]json.RawMessage, keys ...string) int64 {
	for _, key := range keys {
		raw, ok := entry[key]
		if !ok {
			continue
		}
		var n int64
		if err := json.Unmarshal(raw, &n); err == nil {
			return n
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil {
				return v
			}
		}
	}
	return 0
}
