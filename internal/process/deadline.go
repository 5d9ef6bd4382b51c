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

package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"keeper/internal/dealapi"
	"keeper/internal/metrics"
	"keeper/internal/notify"
	"keeper/internal/queue"
	"keeper/pkg/escrow"
)

// Deadline decides what happens when a deal's deadline fires: nothing,
// if the deal moved on or the deadline has not actually elapsed, or an
// escalation otherwise.
type Deadline struct {
	api       DealAPI
	escalator Escalator
	gate      PolicyGate
	notifier  notify.Notifier
	log       *zap.Logger
	now       func() time.Time
}

// NewDeadline wires the deadline processor.
func NewDeadline(api DealAPI, escalator Escalator, gate PolicyGate, notifier notify.Notifier, log *zap.Logger) *Deadline {
	return &Deadline{
		api:       api,
		escalator: escalator,
		gate:      gate,
		notifier:  notifier,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle adapts the processor to the queue worker.
func (p *Deadline) Handle(ctx context.Context, job queue.Job) error {
	var payload escrow.DeadlineJob
	if err := parsePayload(job, &payload); err != nil {
		return err
	}

	res, err := p.Process(ctx, payload)
	if err != nil {
		return err
	}
	metrics.IncDecision("deadline", res.Action)
	p.log.Info("deadline processed",
		zap.String("deal_id", res.DealID),
		zap.String("kind", string(payload.Kind)),
		zap.String("action", res.Action),
		zap.String("reason", string(res.Reason)),
		zap.String("suggested", string(res.Suggested)))
	return nil
}

// Process applies the decision table to a fresh snapshot.
func (p *Deadline) Process(ctx context.Context, job escrow.DeadlineJob) (Result, error) {
	res := Result{Action: ActionNoop, DealID: job.DealID}

	snap, err := p.api.GetDealSnapshot(ctx, job.DealID)
	if err != nil {
		if errors.Is(err, dealapi.ErrNotFound) {
			// The deal is gone; there is nothing left to decide and
			// retrying will not bring it back.
			p.log.Warn("deadline fired for unknown deal", zap.String("deal_id", job.DealID))
			return res, nil
		}
		return res, err
	}

	reason, suggested, escalate := decide(job.Kind, snap.State, job.DeadlineAt <= p.now().Unix())
	if !escalate {
		return res, nil
	}

	// Policy may veto the automatic suggestion; a human reviews instead.
	if suggested != escrow.SuggestReview && !p.gate.AllowsAutoFinalize(suggested) {
		suggested = escrow.SuggestReview
	}

	escalation := escrow.EscalationJob{DealID: job.DealID, Reason: reason, Suggested: suggested}
	added, err := p.escalator.Enqueue(ctx, escalation)
	if err != nil {
		return res, err
	}
	if !added {
		p.log.Debug("escalation already pending", zap.String("job_id", escalation.JobID()))
	}

	if suggested == escrow.SuggestReview {
		err := p.notifier.NotifyReviewer(ctx, notify.ReviewerNote{
			DealID:    job.DealID,
			Reason:    reason,
			Suggested: escrow.SuggestReview,
		})
		if err != nil {
			return res, fmt.Errorf("notify reviewer for deal %s: %w", job.DealID, err)
		}
	}

	res.Action = ActionEscalate
	res.Reason = reason
	res.Suggested = suggested
	return res, nil
}

// decide is the deadline decision table. It answers what an elapsed (or
// not yet elapsed) deadline of the given kind means for a deal in the
// given state.
func decide(kind escrow.DeadlineKind, state escrow.DealState, elapsed bool) (escrow.EscalationReason, escrow.SuggestedAction, bool) {
	switch kind {
	case escrow.DeadlineDelivery:
		switch state {
		case escrow.StateDelivered, escrow.StateReleased, escrow.StateRefunded, escrow.StateResolved:
			return "", "", false
		}
		if !elapsed {
			return "", "", false
		}
		return escrow.EscalationNoDelivery, escrow.SuggestReview, true

	case escrow.DeadlineDispute:
		switch state {
		case escrow.StateResolved, escrow.StateReleased, escrow.StateRefunded:
			return "", "", false
		}
		if !elapsed {
			return "", "", false
		}
		// An undisputed deal whose window closed can release the funds;
		// anything murkier goes to a human.
		if state == escrow.StateFunded || state == escrow.StateDelivered {
			return escrow.EscalationDeadlineExpired, escrow.SuggestRelease, true
		}
		return escrow.EscalationDeadlineExpired, escrow.SuggestReview, true

	default:
		return "", "", false
	}
}
