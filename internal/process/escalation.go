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
	"fmt"

	"go.uber.org/zap"

	"keeper/internal/metrics"
	"keeper/internal/notify"
	"keeper/internal/queue"
	"keeper/pkg/escrow"
)

// Escalation routes an elapsed-deadline escalation: either the deal
// service prepares a finalization for approval, or a human reviewer is
// asked to decide. Nothing here signs or submits transactions; the
// prepared finalization is a link a human approves elsewhere.
type Escalation struct {
	api      DealAPI
	gate     PolicyGate
	notifier notify.Notifier
	log      *zap.Logger
}

// NewEscalation wires the escalation processor.
func NewEscalation(api DealAPI, gate PolicyGate, notifier notify.Notifier, log *zap.Logger) *Escalation {
	return &Escalation{
		api:      api,
		gate:     gate,
		notifier: notifier,
		log:      log,
	}
}

// Handle adapts the processor to the queue worker.
func (p *Escalation) Handle(ctx context.Context, job queue.Job) error {
	var payload escrow.EscalationJob
	if err := parsePayload(job, &payload); err != nil {
		return err
	}

	res, err := p.Process(ctx, payload)
	if err != nil {
		return err
	}
	metrics.IncDecision("escalation", res.Route)
	p.log.Info("escalation processed",
		zap.String("deal_id", res.DealID),
		zap.String("reason", string(payload.Reason)),
		zap.String("suggested", string(payload.Suggested)),
		zap.String("route", res.Route))
	return nil
}

// Process prepares the suggested finalization when policy allows it,
// downgrading to review on denial or on any preparation failure.
func (p *Escalation) Process(ctx context.Context, job escrow.EscalationJob) (Result, error) {
	res := Result{
		Action:    ActionEscalate,
		DealID:    job.DealID,
		Reason:    job.Reason,
		Suggested: job.Suggested,
		Route:     RouteReview,
	}

	auto := (job.Suggested == escrow.SuggestRelease || job.Suggested == escrow.SuggestRefund) &&
		p.gate.AllowsAutoFinalize(job.Suggested)

	if auto {
		links, err := p.api.PrepareFinalize(ctx, job.DealID, job.Suggested)
		if err != nil {
			// Preparation failing is not fatal to the escalation: the
			// reviewer still hears about the deal, just without links.
			p.log.Warn("prepare finalize failed, routing to review",
				zap.String("deal_id", job.DealID),
				zap.String("action", string(job.Suggested)),
				zap.Error(err))
		} else {
			res.Route = RoutePrepared

			err = p.notifier.NotifyReviewer(ctx, notify.ReviewerNote{
				DealID:      job.DealID,
				Reason:      job.Reason,
				Suggested:   job.Suggested,
				ApprovalURL: links.ApprovalURL,
				BlinkURL:    links.BlinkURL,
			})
			if err != nil {
				return res, fmt.Errorf("notify reviewer for deal %s: %w", job.DealID, err)
			}
			err = p.notifier.NotifyParties(ctx, notify.PartyNote{
				DealID:      job.DealID,
				Event:       "finalize-prepared",
				ApprovalURL: links.ApprovalURL,
				BlinkURL:    links.BlinkURL,
			})
			if err != nil {
				return res, fmt.Errorf("notify parties for deal %s: %w", job.DealID, err)
			}
			return res, nil
		}
	}

	err := p.notifier.NotifyReviewer(ctx, notify.ReviewerNote{
		DealID:    job.DealID,
		Reason:    job.Reason,
		Suggested: escrow.SuggestReview,
	})
	if err != nil {
		return res, fmt.Errorf("notify reviewer for deal %s: %w", job.DealID, err)
	}
	return res, nil
}
