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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"keeper/internal/engine"
	"keeper/internal/notify"
	"keeper/internal/queue"
	"keeper/pkg/escrow"
)

// fakeAPI serves canned snapshots per deal id.
type fakeAPI struct {
	snaps map[string]escrow.DealSnapshot
	errs  map[string]error
	calls int
}

func (f *fakeAPI) GetDealSnapshot(_ context.Context, dealID string) (escrow.DealSnapshot, error) {
	f.calls++
	if err, ok := f.errs[dealID]; ok {
		return escrow.DealSnapshot{}, err
	}
	snap, ok := f.snaps[dealID]
	if !ok {
		return escrow.DealSnapshot{}, errors.New("unknown deal")
	}
	return snap, nil
}

// fakeNotifier records every note.
type fakeNotifier struct {
	reminders []notify.ReminderNote
	reviewer  []notify.ReviewerNote
	parties   []notify.PartyNote
	err       error
}

func (f *fakeNotifier) SendReminder(_ context.Context, n notify.ReminderNote) error {
	f.reminders = append(f.reminders, n)
	return f.err
}

func (f *fakeNotifier) NotifyReviewer(_ context.Context, n notify.ReviewerNote) error {
	f.reviewer = append(f.reviewer, n)
	return f.err
}

func (f *fakeNotifier) NotifyParties(_ context.Context, n notify.PartyNote) error {
	f.parties = append(f.parties, n)
	return f.err
}

type routerFixture struct {
	router   *Router
	client   *queue.Client
	api      *fakeAPI
	notifier *fakeNotifier
	now      time.Time
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := queue.Open(context.Background(), "redis://"+s.Addr())
	if err != nil {
		t.Fatalf("open client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	now := time.Unix(1700000000, 0)
	api := &fakeAPI{snaps: map[string]escrow.DealSnapshot{}, errs: map[string]error{}}
	notifier := &fakeNotifier{}
	r := NewRouter(api, engine.New(c, zap.NewNop()), notifier, nil, NewReplayStore(c.Redis()), zap.NewNop())
	r.now = func() time.Time { return now }
	return &routerFixture{router: r, client: c, api: api, notifier: notifier, now: now}
}

func event(id, dealID string, kind escrow.EffectKind) escrow.Event {
	return escrow.Event{
		ID:     escrow.ComputeWebhookID(id, "sig-"+dealID, 0),
		Sig:    "sig-" + dealID,
		Slot:   10,
		When:   1700000000,
		Effect: escrow.Effect{Kind: kind, DealID: dealID},
	}
}

func (f *routerFixture) pending(t *testing.T, name string) []string {
	t.Helper()
	ids, err := queue.New(f.client, name).PendingIDs(context.Background())
	if err != nil {
		t.Fatalf("pending ids: %v", err)
	}
	return ids
}

func TestHandleBatchSchedulesFundedTimers(t *testing.T) {
	f := newRouterFixture(t)
	deliveryBy := f.now.Unix() + 72*3600
	f.api.snaps["D-1"] = escrow.DealSnapshot{ID: "D-1", State: escrow.StateFunded, DeliveryBy: deliveryBy}

	res := f.router.HandleBatch(context.Background(), []escrow.Event{event("wh", "D-1", escrow.EffectDealFunded)})
	if res.Accepted != 1 || res.Ignored != 0 {
		t.Fatalf("expected accepted=1 ignored=0, got %+v", res)
	}

	deadlines := f.pending(t, queue.Deadlines)
	wantDeadline := escrow.DeadlineJob{DealID: "D-1", DeadlineAt: deliveryBy, Kind: escrow.DeadlineDelivery, Nonce: 0}.JobID()
	if len(deadlines) != 1 || deadlines[0] != wantDeadline {
		t.Errorf("expected deadline %q, got %v", wantDeadline, deadlines)
	}

	reminders := f.pending(t, queue.Reminders)
	wantReminder := escrow.ReminderJob{
		DealID: "D-1", NotifyAt: deliveryBy - 24*3600,
		Audience: escrow.AudienceSeller, Reason: escrow.ReminderDeadlineUpcoming,
	}.JobID()
	if len(reminders) != 1 || reminders[0] != wantReminder {
		t.Errorf("expected reminder %q, got %v", wantReminder, reminders)
	}
}

func TestHandleBatchSuppressesReplays(t *testing.T) {
	f := newRouterFixture(t)
	f.api.snaps["D-2"] = escrow.DealSnapshot{ID: "D-2", State: escrow.StateFunded, DeliveryBy: f.now.Unix() + 3600}

	ev := event("wh", "D-2", escrow.EffectDealFunded)
	res := f.router.HandleBatch(context.Background(), []escrow.Event{ev})
	if res.Accepted != 1 {
		t.Fatalf("first delivery: expected accepted=1, got %+v", res)
	}

	res = f.router.HandleBatch(context.Background(), []escrow.Event{ev})
	if res.Accepted != 0 || res.Ignored != 1 {
		t.Errorf("replay: expected accepted=0 ignored=1, got %+v", res)
	}
	if f.api.calls != 1 {
		t.Errorf("expected a replay to skip the snapshot fetch, got %d calls", f.api.calls)
	}
}

func TestHandleBatchIsolatesEventFailures(t *testing.T) {
	f := newRouterFixture(t)
	f.api.errs["D-3"] = errors.New("deal service down")
	f.api.snaps["D-4"] = escrow.DealSnapshot{ID: "D-4", State: escrow.StateFunded, DeliveryBy: f.now.Unix() + 3600}

	res := f.router.HandleBatch(context.Background(), []escrow.Event{
		event("wh", "D-3", escrow.EffectDealFunded),
		event("wh", "D-4", escrow.EffectDealFunded),
	})
	if res.Accepted != 1 || res.Ignored != 1 {
		t.Errorf("expected accepted=1 ignored=1, got %+v", res)
	}
	if len(f.pending(t, queue.Deadlines)) != 1 {
		t.Errorf("expected the surviving event to schedule its deadline")
	}
}

func TestHandleBatchReleasedCancelsTimersAndNotifiesParties(t *testing.T) {
	f := newRouterFixture(t)
	deliveryBy := f.now.Unix() + 72*3600
	f.api.snaps["D-5"] = escrow.DealSnapshot{ID: "D-5", State: escrow.StateFunded, DeliveryBy: deliveryBy}

	res := f.router.HandleBatch(context.Background(), []escrow.Event{event("wh-a", "D-5", escrow.EffectDealFunded)})
	if res.Accepted != 1 {
		t.Fatalf("funding: %+v", res)
	}

	// The deal closes; its snapshot is now terminal.
	f.api.snaps["D-5"] = escrow.DealSnapshot{ID: "D-5", State: escrow.StateReleased}
	res = f.router.HandleBatch(context.Background(), []escrow.Event{event("wh-b", "D-5", escrow.EffectDealReleased)})
	if res.Accepted != 1 {
		t.Fatalf("release: %+v", res)
	}

	if got := f.pending(t, queue.Deadlines); len(got) != 0 {
		t.Errorf("expected deadlines cancelled, got %v", got)
	}
	if got := f.pending(t, queue.Reminders); len(got) != 0 {
		t.Errorf("expected reminders cancelled, got %v", got)
	}
	if len(f.notifier.parties) != 1 || f.notifier.parties[0].Event != "deal-released" {
		t.Errorf("expected one deal-released party note, got %+v", f.notifier.parties)
	}
}

func TestHandleBatchDisputeNotifiesReviewer(t *testing.T) {
	f := newRouterFixture(t)
	f.api.snaps["D-6"] = escrow.DealSnapshot{ID: "D-6", State: escrow.StateDisputed, DisputeUntil: f.now.Unix() + 3600}

	res := f.router.HandleBatch(context.Background(), []escrow.Event{event("wh", "D-6", escrow.EffectDealDisputed)})
	if res.Accepted != 1 {
		t.Fatalf("expected accepted=1, got %+v", res)
	}
	if len(f.notifier.reviewer) != 1 || f.notifier.reviewer[0].Suggested != escrow.SuggestReview {
		t.Errorf("expected one reviewer note suggesting REVIEW, got %+v", f.notifier.reviewer)
	}
	if len(f.pending(t, queue.Deadlines))+len(f.pending(t, queue.Reminders)) != 0 {
		t.Errorf("expected a dispute to schedule no timers")
	}
}
