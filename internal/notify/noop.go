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

package notify

import (
	"context"

	"go.uber.org/zap"

	"keeper/internal/metrics"
)

// Noop logs every note instead of delivering it. The default driver:
// deployments without a messaging integration still see every decision
// in the log stream.
type Noop struct {
	log *zap.Logger
}

// NewNoop returns the logging driver.
func NewNoop(log *zap.Logger) *Noop {
	return &Noop{log: log}
}

func (n *Noop) SendReminder(_ context.Context, note ReminderNote) error {
	n.log.Info("reminder (noop driver)",
		zap.String("deal_id", note.DealID),
		zap.String("audience", string(note.Audience)),
		zap.String("reason", string(note.Reason)),
		zap.Int64("notify_at", note.NotifyAt),
		zap.Int64("delivery_by", note.DeliveryBy),
		zap.Int64("dispute_until", note.DisputeUntil))
	metrics.IncNotification(KindReminder, "noop")
	return nil
}

func (n *Noop) NotifyReviewer(_ context.Context, note ReviewerNote) error {
	n.log.Info("reviewer notice (noop driver)",
		zap.String("deal_id", note.DealID),
		zap.String("reason", string(note.Reason)),
		zap.String("suggested", string(note.Suggested)),
		zap.String("approval_url", note.ApprovalURL))
	metrics.IncNotification(KindReviewer, "noop")
	return nil
}

func (n *Noop) NotifyParties(_ context.Context, note PartyNote) error {
	n.log.Info("party notice (noop driver)",
		zap.String("deal_id", note.DealID),
		zap.String("event", note.Event),
		zap.String("approval_url", note.ApprovalURL))
	metrics.IncNotification(KindParties, "noop")
	return nil
}
