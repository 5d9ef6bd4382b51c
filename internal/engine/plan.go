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

package engine

import (
	"time"

	"keeper/pkg/escrow"
)

// Reminder offsets relative to the deadline they announce.
const (
	RemindBeforeDelivery     = 24 * time.Hour
	RemindBeforeDisputeClose = 2 * time.Hour
)

// Plan is a set of timers to establish for one deal. Plans are pure
// data: building one has no side effects, Apply makes it real. Two plans
// for the same logical timers carry the same job identities regardless
// of which code path built them, so applying both is harmless.
type Plan struct {
	DealID      string
	Deadlines   []escrow.DeadlineJob // Nonce is resolved when the plan is applied
	Reminders   []escrow.ReminderJob
	Escalations []TimedEscalation
}

// TimedEscalation schedules an escalation for a future instant. The
// identity carries no timestamp, so the fire time rides alongside.
type TimedEscalation struct {
	Job escrow.EscalationJob
	At  int64 // unix seconds; values in the past fire immediately
}

// Empty reports whether the plan schedules nothing.
func (p Plan) Empty() bool {
	return len(p.Deadlines) == 0 && len(p.Reminders) == 0 && len(p.Escalations) == 0
}

// PlanForEvent derives the timers one accepted webhook event requires,
// given the deal's authoritative snapshot. Terminal deals plan nothing.
//
// A funding starts the delivery clock: the delivery deadline plus a
// seller reminder a day ahead. A delivery starts the dispute clock: the
// dispute deadline plus a buyer reminder two hours before the window
// closes. Disputes and closures schedule nothing; the deadline
// processors and CancelAll handle those paths.
func PlanForEvent(ev escrow.Event, snap escrow.DealSnapshot, now time.Time) Plan {
	p := Plan{DealID: snap.ID}
	if snap.State.Terminal() {
		return p
	}

	switch ev.Effect.Kind {
	case escrow.EffectDealFunded:
		if snap.DeliveryBy > 0 {
			p.Deadlines = append(p.Deadlines, escrow.DeadlineJob{
				DealID:     snap.ID,
				DeadlineAt: snap.DeliveryBy,
				Kind:       escrow.DeadlineDelivery,
			})
			if at := snap.DeliveryBy - int64(RemindBeforeDelivery/time.Second); at > now.Unix() {
				p.Reminders = append(p.Reminders, escrow.ReminderJob{
					DealID:   snap.ID,
					NotifyAt: at,
					Audience: escrow.AudienceSeller,
					Reason:   escrow.ReminderDeadlineUpcoming,
				})
			}
		}
	case escrow.EffectDealDelivered:
		if snap.DisputeUntil > 0 {
			p.Deadlines = append(p.Deadlines, escrow.DeadlineJob{
				DealID:     snap.ID,
				DeadlineAt: snap.DisputeUntil,
				Kind:       escrow.DeadlineDispute,
			})
			if at := snap.DisputeUntil - int64(RemindBeforeDisputeClose/time.Second); at > now.Unix() {
				p.Reminders = append(p.Reminders, escrow.ReminderJob{
					DealID:   snap.ID,
					NotifyAt: at,
					Audience: escrow.AudienceBuyer,
					Reason:   escrow.ReminderDisputeWindowClosing,
				})
			}
		}
	case escrow.EffectDealDisputed, escrow.EffectDealReleased, escrow.EffectDealRefunded:
		// No new timers. Released and refunded deals are terminal and
		// handled by CancelAll before planning; a dispute leaves the
		// dispute deadline in place so an unresolved dispute still
		// escalates to review when the window closes.
	}
	return p
}

// FullPlanOpts tune FullPlan.
type FullPlanOpts struct {
	// RemindBefore are offsets before the delivery deadline at which
	// seller reminders fire. Empty means RemindBeforeDelivery.
	RemindBefore []time.Duration
}

// FullPlan computes a deal's complete timer set from its snapshot alone,
// with no triggering event. Reconciliation and backfill use it: applying
// a full plan on top of event-driven timers converges because both
// paths compute identical job identities for the same logical timer.
//
// For a funded deal whose dispute horizon is already known, the closing
// escalation is scheduled directly; if the dispute deadline fires first
// and enqueues the same escalation, the two collapse into one job.
func FullPlan(snap escrow.DealSnapshot, opts FullPlanOpts, now time.Time) Plan {
	p := Plan{DealID: snap.ID}
	if snap.State.Terminal() {
		return p
	}

	offsets := opts.RemindBefore
	if len(offsets) == 0 {
		offsets = []time.Duration{RemindBeforeDelivery}
	}

	switch snap.State {
	case escrow.StateFunded:
		if snap.DeliveryBy > 0 {
			p.Deadlines = append(p.Deadlines, escrow.DeadlineJob{
				DealID:     snap.ID,
				DeadlineAt: snap.DeliveryBy,
				Kind:       escrow.DeadlineDelivery,
			})
			for _, off := range offsets {
				at := snap.DeliveryBy - int64(off/time.Second)
				if at <= now.Unix() {
					continue
				}
				p.Reminders = append(p.Reminders, escrow.ReminderJob{
					DealID:   snap.ID,
					NotifyAt: at,
					Audience: escrow.AudienceSeller,
					Reason:   escrow.ReminderDeadlineUpcoming,
				})
			}
		}
		if snap.DisputeUntil > 0 {
			p.Escalations = append(p.Escalations, TimedEscalation{
				Job: escrow.EscalationJob{
					DealID:    snap.ID,
					Reason:    escrow.EscalationDeadlineExpired,
					Suggested: escrow.SuggestRelease,
				},
				At: snap.DisputeUntil,
			})
		}
	case escrow.StateDelivered:
		if snap.DisputeUntil > 0 {
			p.Deadlines = append(p.Deadlines, escrow.DeadlineJob{
				DealID:     snap.ID,
				DeadlineAt: snap.DisputeUntil,
				Kind:       escrow.DeadlineDispute,
			})
			if at := snap.DisputeUntil - int64(RemindBeforeDisputeClose/time.Second); at > now.Unix() {
				p.Reminders = append(p.Reminders, escrow.ReminderJob{
					DealID:   snap.ID,
					NotifyAt: at,
					Audience: escrow.AudienceBuyer,
					Reason:   escrow.ReminderDisputeWindowClosing,
				})
			}
		}
	case escrow.StateInit, escrow.StateDisputed:
		// Nothing to plan: INIT has no clocks running yet, and a
		// disputed deal keeps whatever timers it already has.
	}
	return p
}
