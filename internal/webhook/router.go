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
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"keeper/internal/chain"
	"keeper/internal/engine"
	"keeper/internal/metrics"
	"keeper/internal/notify"
	"keeper/pkg/escrow"
)

// DealAPI is the slice of the deal service the router needs.
type DealAPI interface {
	GetDealSnapshot(ctx context.Context, dealID string) (escrow.DealSnapshot, error)
}

// ChainLookup correlates an event's transaction signature with the
// chain. Advisory only; the router logs the answer and moves on.
type ChainLookup interface {
	SignatureStatus(ctx context.Context, sig string) (*chain.Status, error)
}

// Router turns normalized events into scheduled timers.
type Router struct {
	api      DealAPI
	engine   *engine.Engine
	notifier notify.Notifier
	chain    ChainLookup // nil disables correlation
	replay   *ReplayStore
	log      *zap.Logger
	now      func() time.Time
}

// NewRouter wires a router. chainClient may be nil.
func NewRouter(api DealAPI, eng *engine.Engine, notifier notify.Notifier, chainClient ChainLookup, replay *ReplayStore, log *zap.Logger) *Router {
	return &Router{
		api:      api,
		engine:   eng,
		notifier: notifier,
		chain:    chainClient,
		replay:   replay,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// BatchResult counts the verdicts of one delivery.
type BatchResult struct {
	Accepted int `json:"accepted"`
	Ignored  int `json:"ignored"`
}

// HandleBatch processes the events of one verified delivery in order.
// Event failures are isolated: a failing event is logged and counted as
// ignored, the rest of the batch proceeds.
func (r *Router) HandleBatch(ctx context.Context, events []escrow.Event) BatchResult {
	var res BatchResult
	for _, ev := range events {
		if err := r.handleEvent(ctx, ev); err != nil {
			res.Ignored++
			verdict := "ignored"
			if errors.Is(err, errReplay) {
				verdict = "replay"
			} else {
				r.log.Warn("event failed",
					zap.String("event_id", ev.ID),
					zap.String("effect", string(ev.Effect.Kind)),
					zap.String("deal_id", ev.Effect.DealID),
					zap.Error(err))
			}
			metrics.IncWebhookEvent(string(ev.Effect.Kind), verdict)
			continue
		}
		res.Accepted++
		metrics.IncWebhookEvent(string(ev.Effect.Kind), "accepted")
	}
	return res
}

var errReplay = errors.New("replayed event")

func (r *Router) handleEvent(ctx context.Context, ev escrow.Event) error {
	seen, err := r.replay.Seen(ctx, ev.ID)
	if err != nil {
		return err
	}
	if seen {
		r.log.Debug("event replayed", zap.String("event_id", ev.ID))
		return errReplay
	}

	r.correlate(ctx, ev)

	snap, err := r.api.GetDealSnapshot(ctx, ev.Effect.DealID)
	if err != nil {
		return fmt.Errorf("snapshot for deal %s: %w", ev.Effect.DealID, err)
	}

	if snap.State.Terminal() {
		if _, err := r.engine.CancelAll(ctx, snap.ID); err != nil {
			return err
		}
	}

	// Exhaustive over the effect sum; a new kind without a case here
	// is a bug and fails the event loudly.
	switch ev.Effect.Kind {
	case escrow.EffectDealFunded, escrow.EffectDealDelivered:
		plan := engine.PlanForEvent(ev, snap, r.now())
		applied, err := r.engine.Apply(ctx, plan)
		if err != nil {
			return err
		}
		r.log.Info("timers scheduled",
			zap.String("deal_id", snap.ID),
			zap.String("effect", string(ev.Effect.Kind)),
			zap.Int("scheduled", applied.Scheduled),
			zap.Int("deduped", applied.Deduped),
			zap.Int("superseded", applied.Superseded))
		return nil

	case escrow.EffectDealDisputed:
		err := r.notifier.NotifyReviewer(ctx, notify.ReviewerNote{
			DealID:    snap.ID,
			Reason:    escrow.EscalationNoAck,
			Suggested: escrow.SuggestReview,
		})
		if err != nil {
			return fmt.Errorf("notify reviewer of dispute on deal %s: %w", snap.ID, err)
		}
		return nil

	case escrow.EffectDealReleased, escrow.EffectDealRefunded:
		err := r.notifier.NotifyParties(ctx, notify.PartyNote{
			DealID: snap.ID,
			Event:  string(ev.Effect.Kind),
		})
		if err != nil {
			return fmt.Errorf("notify parties of %s on deal %s: %w", ev.Effect.Kind, snap.ID, err)
		}
		return nil

	default:
		return fmt.Errorf("unhandled effect kind %q", ev.Effect.Kind)
	}
}

// correlate asks the chain about the event's signature. Any failure,
// including an open breaker, degrades to a log line.
func (r *Router) correlate(ctx context.Context, ev escrow.Event) {
	if r.chain == nil {
		return
	}
	status, err := r.chain.SignatureStatus(ctx, ev.Sig)
	if err != nil {
		r.log.Debug("chain correlation unavailable",
			zap.String("sig", ev.Sig),
			zap.Error(err))
		return
	}
	if status.Failed() {
		r.log.Warn("webhook event references a failed transaction",
			zap.String("event_id", ev.ID),
			zap.String("sig", ev.Sig),
			zap.Int64("slot", status.Slot))
		return
	}
	r.log.Debug("chain correlation",
		zap.String("sig", ev.Sig),
		zap.Int64("slot", status.Slot),
		zap.String("confirmation", status.ConfirmationStatus))
}
