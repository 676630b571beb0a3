package auction

import (
	"context"
	"testing"
	"time"

	"github.com/kiliankoe/callfold/internal/events"
)

// Two verified bidders call the opening price, the organizer raises, A calls
// again while B lets the window run out, and A wins at the raised price.
func TestAuctionScenario(t *testing.T) {
	h := newHarness(t, Policy{})
	h.guest(t, "alice", "Alice")
	h.guest(t, "bob", "Bob")

	h.start(t, 100000, 10000)
	alice, _ := startBidder(t, h, "alice")
	bob, bobViews := startBidder(t, h, "bob")

	if err := alice.Call(h.ctx); err != nil {
		t.Fatalf("alice call: %v", err)
	}
	if err := bob.Call(h.ctx); err != nil {
		t.Fatalf("bob call: %v", err)
	}

	price, err := h.ctrl.RaisePrice(h.ctx)
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if price != 110000 {
		t.Fatalf("expected price 110000, got %d", price)
	}
	eventually(t, "bob re-armed", func() bool {
		v := bob.View()
		return v.Price == 110000 && v.Status == StatusWaiting
	})

	if _, err := h.ctrl.StartTimer(h.ctx, h.ctrl.DefaultTimer()); err != nil {
		t.Fatalf("timer: %v", err)
	}
	h.clock.Advance(time.Second)
	if err := alice.Call(h.ctx); err != nil {
		t.Fatalf("alice call at 110000: %v", err)
	}
	eventually(t, "bob sees the window", func() bool {
		v, ok := bobViews.last()
		return ok && v.TimerEnd != nil
	})

	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("bob's auto-fold timer never armed: %v", err)
	}
	h.clock.Advance(30 * time.Second)

	eventually(t, "bob auto-folded", func() bool {
		p := h.participant(t, "bob")
		return p.Status == StatusFold && p.FoldReason == FoldAuto
	})
	if st := h.participant(t, "alice").Status; st != StatusCall {
		t.Fatalf("alice should still be in call, got %s", st)
	}

	w, err := h.ctrl.EndAuction(h.ctx)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if w == nil || w.ParticipantID != "alice" || w.Price != 110000 {
		t.Fatalf("expected alice to win at 110000, got %+v", w)
	}
	eventually(t, "alice sees the win", func() bool { return alice.View().IsWinner })

	want := []events.Type{
		events.ParticipantVerified, events.ParticipantVerified,
		events.AuctionStarted, events.PriceRaised, events.TimerStarted, events.AuctionEnded,
	}
	got := h.events.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected event %d to be %s, got %s", i, want[i], got[i])
		}
	}
}
