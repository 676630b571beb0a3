package auction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kiliankoe/callfold/internal/events"
	"github.com/kiliankoe/callfold/internal/media"
	"github.com/kiliankoe/callfold/internal/store"
)

var epoch = time.Date(2026, 5, 2, 19, 0, 0, 0, time.UTC)

type fakeUploader struct {
	mu     sync.Mutex
	calls  int
	failAt int // 1-based; 0 never fails
}

func (f *fakeUploader) Upload(ctx context.Context, img media.Image) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAt == f.calls {
		return "", errors.New("network unreachable")
	}
	return fmt.Sprintf("https://img.example/%d/%s", f.calls, img.Filename), nil
}

type published struct {
	typ  events.Type
	data any
}

type recorder struct {
	mu   sync.Mutex
	sent []published
}

func (r *recorder) Publish(ctx context.Context, typ events.Type, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, published{typ: typ, data: data})
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.sent))
	for i, p := range r.sent {
		out[i] = p.typ
	}
	return out
}

type harness struct {
	ctx      context.Context
	store    *store.Memory
	clock    *clockwork.FakeClock
	uploader *fakeUploader
	events   *recorder
	registry *Registry
	ctrl     *Controller
	policy   Policy
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	h := &harness{
		ctx:      context.Background(),
		store:    store.NewMemory(),
		clock:    clockwork.NewFakeClockAt(epoch),
		uploader: &fakeUploader{},
		events:   &recorder{},
		policy:   policy.WithDefaults(),
	}
	h.registry = NewRegistry(h.store, h.clock, h.events)
	h.ctrl = NewController(h.store, h.uploader, h.events, h.clock, h.policy)
	t.Cleanup(func() { _ = h.store.Close() })
	return h
}

func validSetup(price, increment int64) Setup {
	return Setup{
		Name:         "Antique clock",
		Description:  "Brass, 19th century",
		Images:       []media.Image{{Filename: "front.jpg", Data: []byte{0xff, 0xd8}}},
		InitialPrice: price,
		Increment:    increment,
	}
}

// guest registers and verifies a participant.
func (h *harness) guest(t *testing.T, id, name string) {
	t.Helper()
	if _, _, err := h.registry.Register(h.ctx, id, name, id+"@example.com"); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	if err := h.registry.Verify(h.ctx, id); err != nil {
		t.Fatalf("verify %s: %v", id, err)
	}
	// distinct registration times keep ordering deterministic
	h.clock.Advance(time.Second)
}

func (h *harness) start(t *testing.T, price, increment int64) {
	t.Helper()
	if _, err := h.ctrl.StartAuction(h.ctx, validSetup(price, increment)); err != nil {
		t.Fatalf("start auction: %v", err)
	}
}

func (h *harness) participant(t *testing.T, id string) Participant {
	t.Helper()
	p, err := h.registry.Get(h.ctx, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return p
}

func (h *harness) document(t *testing.T) Document {
	t.Helper()
	doc, _, err := readDocument(h.ctx, h.store)
	if err != nil {
		t.Fatalf("read document: %v", err)
	}
	return doc
}

func (h *harness) bidder(id string) *Bidder {
	return NewBidder(h.store, h.clock, h.policy, id)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
