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
	"errors"
	"testing"

	"keeper/pkg/escrow"
)

func TestNormalizeTopLevelArray(t *testing.T) {
	raw := []byte(`[
		{"type":"DEAL_FUNDED","signature":"sig-1","slot":100,"timestamp":1700000000,"dealId":"D-1"},
		{"type":"DEAL_DELIVERED","sig":"sig-2","slot":101,"blockTime":1700000060,"deal_id":"D-2"}
	]`)

	events, err := Normalize(raw, "wh-1")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	if events[0].Effect.Kind != escrow.EffectDealFunded || events[0].Effect.DealID != "D-1" {
		t.Errorf("unexpected first event %+v", events[0])
	}
	if events[0].Sig != "sig-1" || events[0].Slot != 100 || events[0].When != 1700000000 {
		t.Errorf("unexpected first event fields %+v", events[0])
	}
	if events[1].Effect.Kind != escrow.EffectDealDelivered || events[1].Effect.DealID != "D-2" {
		t.Errorf("unexpected second event %+v", events[1])
	}

	// Ids carry the original batch index.
	if events[0].ID != escrow.ComputeWebhookID("wh-1", "sig-1", 0) {
		t.Errorf("unexpected id for first event")
	}
	if events[1].ID != escrow.ComputeWebhookID("wh-1", "sig-2", 1) {
		t.Errorf("unexpected id for second event")
	}
}

func TestNormalizeEventsWrapper(t *testing.T) {
	raw := []byte(`{"events":[{"type":"DEAL_DISPUTED","txSignature":"sig-9","slot":5,"timestamp":1700000000,"deal":"D-9"}]}`)

	events, err := Normalize(raw, "wh-2")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Effect.Kind != escrow.EffectDealDisputed || events[0].Effect.DealID != "D-9" {
		t.Errorf("unexpected event %+v", events[0])
	}
}

func TestNormalizeSingleObject(t *testing.T) {
	raw := []byte(`{"type":"deal-released","signature":"sig-3","slot":7,"timestamp":1700000000,"dealId":"D-3"}`)

	events, err := Normalize(raw, "")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(events) != 1 || events[0].Effect.Kind != escrow.EffectDealReleased {
		t.Fatalf("expected one deal-released event, got %+v", events)
	}
}

func TestNormalizeDropsUnusableEntries(t *testing.T) {
	raw := []byte(`[
		{"type":"DEAL_FUNDED","slot":1,"timestamp":1,"dealId":"D-1"},
		{"type":"SWAP","signature":"sig-2","slot":2,"timestamp":2,"dealId":"D-2"},
		{"type":"DEAL_FUNDED","signature":"sig-3","slot":3,"timestamp":3},
		{"type":"DEAL_FUNDED","signature":"sig-4","slot":4,"timestamp":4,"dealId":"D-4"}
	]`)

	events, err := Normalize(raw, "wh-3")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	// No signature, unknown type, and no deal id all drop silently.
	if len(events) != 1 {
		t.Fatalf("expected 1 surviving event, got %d", len(events))
	}
	if events[0].Sig != "sig-4" {
		t.Errorf("wrong survivor %+v", events[0])
	}
	// The survivor keeps its original index, not a compacted one.
	if events[0].ID != escrow.ComputeWebhookID("wh-3", "sig-4", 3) {
		t.Errorf("expected id computed from original index 3")
	}
}

func TestNormalizeCaseInsensitiveTypes(t *testing.T) {
	raw := []byte(`[{"type":"Deal_Refunded","signature":"sig-5","slot":1,"timestamp":1,"dealId":"D-5"}]`)
	events, err := Normalize(raw, "wh")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(events) != 1 || events[0].Effect.Kind != escrow.EffectDealRefunded {
		t.Errorf("expected case-insensitive type mapping, got %+v", events)
	}
}

func TestNormalizeStringSlot(t *testing.T) {
	raw := []byte(`[{"type":"DEAL_FUNDED","signature":"sig-6","slot":"42","timestamp":"1700000000","dealId":"D-6"}]`)
	events, err := Normalize(raw, "wh")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(events) != 1 || events[0].Slot != 42 || events[0].When != 1700000000 {
		t.Errorf("expected string numbers to parse, got %+v", events)
	}
}

func TestNormalizeMalformedJSON(t *testing.T) {
	if _, err := Normalize([]byte(`{not json`), "wh"); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
	if _, err := Normalize([]byte(`"just a string"`), "wh"); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for non-object JSON, got %v", err)
	}
}

func TestNormalizeEmptyBatch(t *testing.T) {
	events, err := Normalize([]byte(`[]`), "wh")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}
