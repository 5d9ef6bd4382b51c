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

// Package notify delivers reminders and escalation notices to deal
// participants and reviewers. Delivery is pluggable: the noop driver
// only logs, the dialect driver posts to a messaging API. Notification
// failures are returned to the caller so the queue retry policy applies.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"keeper/internal/config"
	"keeper/pkg/escrow"
)

// Notification kinds, used for metrics and idempotency keys.
const (
	KindReminder = "reminder"
	KindReviewer = "reviewer"
	KindParties  = "parties"
)

// ReminderNote nudges a deal participant about an approaching deadline.
type ReminderNote struct {
	DealID       string                `json:"dealId"`
	Audience     escrow.Audience       `json:"audience"`
	Reason       escrow.ReminderReason `json:"reason"`
	NotifyAt     int64                 `json:"notifyAt"`
	DeliveryBy   int64                 `json:"deliveryBy,omitempty"`
	DisputeUntil int64                 `json:"disputeUntil,omitempty"`
}

// ReviewerNote asks a human reviewer to look at an escalated deal.
type ReviewerNote struct {
	DealID      string                  `json:"dealId"`
	Reason      escrow.EscalationReason `json:"reason"`
	Suggested   escrow.SuggestedAction  `json:"suggested"`
	ApprovalURL string                  `json:"approvalUrl,omitempty"`
	BlinkURL    string                  `json:"blinkUrl,omitempty"`
}

// PartyNote informs buyer and seller that something happened to their
// deal (a finalization was prepared, the deal closed, a dispute opened).
type PartyNote struct {
	DealID      string `json:"dealId"`
	Event       string `json:"event"`
	ApprovalURL string `json:"approvalUrl,omitempty"`
	BlinkURL    string `json:"blinkUrl,omitempty"`
}

// Notifier delivers notes. Implementations must be safe for concurrent
// use and idempotent per note content: processors retry, so the same
// note may be sent more than once.
type Notifier interface {
	SendReminder(ctx context.Context, n ReminderNote) error
	NotifyReviewer(ctx context.Context, n ReviewerNote) error
	NotifyParties(ctx context.Context, n PartyNote) error
}

// New builds the Notifier selected by cfg.NotifyDriver.
func New(cfg config.Config, log *zap.Logger) (Notifier, error) {
	switch cfg.NotifyDriver {
	case config.NotifyDriverNoop:
		return NewNoop(log), nil
	case config.NotifyDriverDialect:
		return NewDialect(cfg.NotifyDialectBaseURL, cfg.NotifyDialectKey, log), nil
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.NotifyDriver)
	}
}

// idempotencyKey derives a stable key for one note so a retried send
// collapses into the original delivery downstream.
func idempotencyKey(kind string, note any) (string, error) {
	body, err := json.Marshal(note)
	if err != nil {
		return "", fmt.Errorf("marshal %s note: %w", kind, err)
	}
	sum := sha256.Sum256(append([]byte(kind+"|"), body...))
	return hex.EncodeToString(sum[:]), nil
}
