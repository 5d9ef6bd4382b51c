package escrow

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

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DeadlineKind distinguishes the two deadline timers a deal can carry.
type DeadlineKind string

const (
	DeadlineDelivery DeadlineKind = "delivery"
	DeadlineDispute  DeadlineKind = "dispute"
)

// Audience selects who a reminder is addressed to.
type Audience string

const (
	AudienceBuyer  Audience = "buyer"
	AudienceSeller Audience = "seller"
	AudienceBoth   Audience = "both"
)

// ReminderReason is the cause a reminder was scheduled for.
type ReminderReason string

const (
	ReminderDeadlineUpcoming     ReminderReason = "deadline-upcoming"
	ReminderDisputeWindowClosing ReminderReason = "dispute-window-closing"
)

// EscalationReason is the cause an escalation was raised for.
type EscalationReason string

const (
	EscalationDeadlineExpired EscalationReason = "deadline-expired"
	EscalationNoAck           EscalationReason = "no-ack"
	EscalationNoDelivery      EscalationReason = "no-delivery"
)

// SuggestedAction is the resolution an escalation proposes. RELEASE and
// REFUND can be auto-finalized when policy allows; REVIEW always routes
// to a human.
type SuggestedAction string

const (
	SuggestRelease SuggestedAction = "RELEASE"
	SuggestRefund  SuggestedAction = "REFUND"
	SuggestReview  SuggestedAction = "REVIEW"
)

// DeadlineJob is the payload of a job on the deadlines queue. DeadlineAt
// is unix seconds. Nonce versions the schedule: moving a deadline to a
// new time bumps the nonce so the new job cannot collide with a stale
// copy of the old one.
type DeadlineJob struct {
	DealID     string       `json:"dealId" validate:"required"`
	DeadlineAt int64        `json:"deadlineAt" validate:"gt=0"`
	Kind       DeadlineKind `json:"kind" validate:"oneof=delivery dispute"`
	Nonce      int64        `json:"nonce" validate:"gte=0"`
}

// JobID returns the stable identity of the job. Two producers scheduling
// the same deadline compute the same identity and the queue keeps one
// pending copy.
func (j DeadlineJob) JobID() string {
	return fmt.Sprintf("deadline:%s:%d:%s:%d", j.DealID, j.DeadlineAt, j.Kind, j.Nonce)
}

// Validate checks the payload against the declared constraints.
func (j DeadlineJob) Validate() error {
	return validate.Struct(j)
}

// ReminderJob is the payload of a job on the reminders queue. NotifyAt is
// unix seconds.
type ReminderJob struct {
	DealID   string         `json:"dealId" validate:"required"`
	NotifyAt int64          `json:"notifyAt" validate:"gt=0"`
	Audience Audience       `json:"audience" validate:"oneof=buyer seller both"`
	Reason   ReminderReason `json:"reason" validate:"oneof=deadline-upcoming dispute-window-closing"`
}

// JobID returns the stable identity of the job.
func (j ReminderJob) JobID() string {
	return fmt.Sprintf("reminder:%s:%d:%s:%s", j.DealID, j.NotifyAt, j.Audience, j.Reason)
}

// Validate checks the payload against the declared constraints.
func (j ReminderJob) Validate() error {
	return validate.Struct(j)
}

// EscalationJob is the payload of a job on the escalation queue. Its
// identity carries no timestamp: one escalation per deal, reason, and
// suggested action, no matter how many times it is requested.
type EscalationJob struct {
	DealID    string           `json:"dealId" validate:"required"`
	Reason    EscalationReason `json:"reason" validate:"oneof=deadline-expired no-ack no-delivery"`
	Suggested SuggestedAction  `json:"suggested" validate:"oneof=RELEASE REFUND REVIEW"`
}

// JobID returns the stable identity of the job.
func (j EscalationJob) JobID() string {
	return fmt.Sprintf("escalation:%s:%s:%s", j.DealID, j.Reason, j.Suggested)
}

// Validate checks the payload against the declared constraints.
func (j EscalationJob) Validate() error {
	return validate.Struct(j)
}
