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

// Reminder sends a scheduled nudge unless the deal has moved past the
// point where the nudge makes sense.
type Reminder struct {
	api      DealAPI
	notifier notify.Notifier
	log      *zap.Logger
	now      func() time.Time
}

// NewReminder wires the reminder processor.
func NewReminder(api DealAPI, notifier notify.Notifier, log *zap.Logger) *Reminder {
	return &Reminder{
		api:      api,
		notifier: notifier,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle adapts the processor to the queue worker.
func (p *Reminder) Handle(ctx context.Context, job queue.Job) error {
	var payload escrow.ReminderJob
	if err := parsePayload(job, &payload); err != nil {
		return err
	}

	res, err := p.Process(ctx, payload)
	if err != nil {
		return err
	}
	metrics.IncDecision("reminder", res.Action)
	p.log.Info("reminder processed",
		zap.String("deal_id", res.DealID),
		zap.String("audience", string(payload.Audience)),
		zap.String("reason", string(payload.Reason)),
		zap.String("action", res.Action))
	return nil
}

// Process sends the reminder, or noops when it is stale: the deal
// ended, the delivery already happened, or the window already closed.
func (p *Reminder) Process(ctx context.Context, job escrow.ReminderJob) (Result, error) {
	res := Result{Action: ActionNoop, DealID: job.DealID}

	snap, err := p.api.GetDealSnapshot(ctx, job.DealID)
	if err != nil {
		if errors.Is(err, dealapi.ErrNotFound) {
			p.log.Warn("reminder fired for unknown deal", zap.String("deal_id", job.DealID))
			return res, nil
		}
		return res, err
	}

	now := p.now().Unix()
	switch {
	case snap.State.Terminal():
		return res, nil
	case job.Reason == escrow.ReminderDeadlineUpcoming && snap.DeliveryBy > 0 && now >= snap.DeliveryBy:
		return res, nil
	case job.Reason == escrow.ReminderDisputeWindowClosing && snap.DisputeUntil > 0 && now >= snap.DisputeUntil:
		return res, nil
	}

	err = p.notifier.SendReminder(ctx, notify.ReminderNote{
		DealID:       job.DealID,
		Audience:     job.Audience,
		Reason:       job.Reason,
		NotifyAt:     now,
		DeliveryBy:   snap.DeliveryBy,
		DisputeUntil: snap.DisputeUntil,
	})
	if err != nil {
		return res, fmt.Errorf("send reminder for deal %s: %w", job.DealID, err)
	}

	res.Action = ActionRemind
	return res, nil
}
