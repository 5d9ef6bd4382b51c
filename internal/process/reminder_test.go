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
	"testing"
	"time"

	"go.uber.org/zap"

	"keeper/pkg/escrow"
)

func newReminder(api *fakeAPI, n *fakeNotifier) *Reminder {
	p := NewReminder(api, n, zap.NewNop())
	p.now = func() time.Time { return testNow }
	return p
}

func TestReminderSendsWhenStillRelevant(t *testing.T) {
	deliveryBy := testNow.Unix() + 24*3600
	api := &fakeAPI{snaps: map[string]escrow.DealSnapshot{
		"D-1": {ID: "D-1", State: escrow.StateFunded, DeliveryBy: deliveryBy},
	}}
	n := &fakeNotifier{}
	p := newReminder(api, n)

	res, err := p.Process(context.Background(), escrow.ReminderJob{
		DealID: "D-1", NotifyAt: testNow.Unix(), Audience: escrow.AudienceSeller, Reason: escrow.ReminderDeadlineUpcoming,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Action != ActionRemind {
		t.Errorf("expected remind, got %+v", res)
	}
	if len(n.reminders) != 1 {
		t.Fatalf("expected one reminder note, got %d", len(n.reminders))
	}
	note := n.reminders[0]
	if note.DealID != "D-1" || note.Audience != escrow.AudienceSeller || note.Reason != escrow.ReminderDeadlineUpcoming {
		t.Errorf("unexpected note %+v", note)
	}
	if note.NotifyAt != testNow.Unix() || note.DeliveryBy != deliveryBy {
		t.Errorf("expected note timed at now with snapshot context, got %+v", note)
	}
}

func TestReminderTerminalStateNoops(t *testing.T) {
	for _, state := range []escrow.DealState{escrow.StateResolved, escrow.StateReleased, escrow.StateRefunded} {
		api := &fakeAPI{snaps: map[string]escrow.DealSnapshot{
			"D-2": {ID: "D-2", State: state, DeliveryBy: testNow.Unix() + 3600},
		}}
		n := &fakeNotifier{}
		p := newReminder(api, n)

		res, err := p.Process(context.Background(), escrow.ReminderJob{
			DealID: "D-2", NotifyAt: testNow.Unix(), Audience: escrow.AudienceSeller, Reason: escrow.ReminderDeadlineUpcoming,
		})
		if err != nil {
			t.Fatalf("state %s: %v", state, err)
		}
		if res.Action != ActionNoop || len(n.reminders) != 0 {
			t.Errorf("state %s: expected suppressed reminder, got %+v", state, res)
		}
	}
}

func TestReminderStaleDeliveryDeadlineNoops(t *testing.T) {
	api := &fakeAPI{snaps: map[string]escrow.DealSnapshot{
		"D-3": {ID: "D-3", State: escrow.StateFunded, DeliveryBy: testNow.Unix() - 1},
	}}
	n := &fakeNotifier{}
	p := newReminder(api, n)

	res, err := p.Process(context.Background(), escrow.ReminderJob{
		DealID: "D-3", NotifyAt: testNow.Unix(), Audience: escrow.AudienceSeller, Reason: escrow.ReminderDeadlineUpcoming,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Action != ActionNoop || len(n.reminders) != 0 {
		t.Errorf("expected stale reminder suppressed, got %+v", res)
	}
}

func TestReminderClosedDisputeWindowNoops(t *testing.T) {
	api := &fakeAPI{snaps: map[string]escrow.DealSnapshot{
		"D-4": {ID: "D-4", State: escrow.StateDelivered, DisputeUntil: testNow.Unix()},
	}}
	n := &fakeNotifier{}
	p := newReminder(api, n)

	res, err := p.Process(context.Background(), escrow.ReminderJob{
		DealID: "D-4", NotifyAt: testNow.Unix(), Audience: escrow.AudienceBuyer, Reason: escrow.ReminderDisputeWindowClosing,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Action != ActionNoop || len(n.reminders) != 0 {
		t.Errorf("expected closed-window reminder suppressed, got %+v", res)
	}
}

func TestReminderNotifierFailurePropagates(t *testing.T) {
	api := &fakeAPI{snaps: map[string]escrow.DealSnapshot{
		"D-5": {ID: "D-5", State: escrow.StateFunded, DeliveryBy: testNow.Unix() + 3600},
	}}
	n := &fakeNotifier{err: context.DeadlineExceeded}
	p := newReminder(api, n)

	_, err := p.Process(context.Background(), escrow.ReminderJob{
		DealID: "D-5", NotifyAt: testNow.Unix(), Audience: escrow.AudienceSeller, Reason: escrow.ReminderDeadlineUpcoming,
	})
	if err == nil {
		t.Errorf("expected notifier failure to propagate for retry")
	}
}
