package auction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/callfold/internal/store"
)

const (
	expiryCheckTimeout = 10 * time.Second
	expiryRetryDelay   = 2 * time.Second
)

// View is what a bidder's screen shows, derived from the latest pushes.
type View struct {
	ParticipantID string     `json:"participantId"`
	Name          string     `json:"name"`
	Item          Item       `json:"item"`
	Price         int64      `json:"currentPrice"`
	Increment     int64      `json:"increment"`
	Started       bool       `json:"started"`
	Ended         bool       `json:"ended"`
	Status        Status     `json:"status"`
	FoldReason    FoldReason `json:"foldReason,omitempty"`
	Verified      bool       `json:"verified"`
	Active        bool       `json:"active"`
	Eligible      bool       `json:"eligible"`
	CanCall       bool       `json:"canCall"`
	CanFold       bool       `json:"canFold"`
	TimerEnd      *time.Time `json:"timerEnd"`
	Remaining     int        `json:"remaining"`
	Winner        *Winner    `json:"winner"`
	IsWinner      bool       `json:"isWinner"`
	Missing       bool       `json:"missing"`
}

// Bidder is one participant's client session. It mirrors the auction and
// the participant's own record through subscriptions and auto-folds the
// participant when a response window runs out while they are still waiting.
type Bidder struct {
	id     string
	store  store.Store
	clock  clockwork.Clock
	policy Policy

	onChange  func(View)
	onMissing func()

	emitMu  sync.Mutex
	checkMu sync.Mutex

	mu       sync.Mutex
	doc      Document
	self     Participant
	hasSelf  bool
	missing  bool
	notified bool
	started  bool
	closed   bool
	timer    clockwork.Timer
	deadline time.Time
	unsubs   []store.Unsubscribe
}

func NewBidder(st store.Store, clock clockwork.Clock, policy Policy, participantID string) *Bidder {
	return &Bidder{id: participantID, store: st, clock: clock, policy: policy.WithDefaults()}
}

// OnChange registers the callback that receives every new view. Call
// before Start.
func (b *Bidder) OnChange(fn func(View)) { b.onChange = fn }

// OnMissing registers the callback fired once when the participant record
// disappears. Call before Start.
func (b *Bidder) OnMissing(fn func()) { b.onMissing = fn }

func (b *Bidder) ParticipantID() string { return b.id }

// Start primes the session with one-shot reads and then subscribes to the
// auction and the participant record.
func (b *Bidder) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	docSnap, err := b.store.Read(ctx, PathAuction)
	if err != nil {
		return fmt.Errorf("prime auction: %w", err)
	}
	selfSnap, err := b.store.Read(ctx, GuestPath(b.id))
	if err != nil {
		return fmt.Errorf("prime participant: %w", err)
	}
	b.applyDoc(docSnap)
	b.applySelf(selfSnap)

	unsubDoc, err := b.store.Subscribe(ctx, PathAuction, b.applyDoc)
	if err != nil {
		return fmt.Errorf("subscribe auction: %w", err)
	}
	unsubSelf, err := b.store.Subscribe(ctx, GuestPath(b.id), b.applySelf)
	if err != nil {
		unsubDoc()
		return fmt.Errorf("subscribe participant: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		unsubDoc()
		unsubSelf()
		return nil
	}
	b.unsubs = append(b.unsubs, unsubDoc, unsubSelf)
	b.mu.Unlock()
	return nil
}

// Close unsubscribes and cancels a pending auto-fold.
func (b *Bidder) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	unsubs := b.unsubs
	b.unsubs = nil
	b.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func (b *Bidder) View() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.viewLocked(b.clock.Now())
}

// Call commits the participant to the current price.
func (b *Bidder) Call(ctx context.Context) error {
	doc, p, err := b.fresh(ctx)
	if err != nil {
		return err
	}
	now := b.clock.Now()
	if err := b.canRespond(doc, p); err != nil {
		return err
	}
	if doc.WindowExpired(now) || (b.policy.CallMode == CallWindowed && !doc.WindowOpen(now)) {
		return ErrWindowClosed
	}
	if err := b.store.Update(ctx, GuestPath(b.id), map[string]any{
		"status":     StatusCall,
		"foldReason": nil,
		"timestamp":  now.UTC(),
	}); err != nil {
		return fmt.Errorf("call: %w", err)
	}
	log.Info().Str("participantId", b.id).Int64("price", doc.CurrentPrice).Msg("participant called")
	return nil
}

// Fold withdraws the participant for the rest of the auction.
func (b *Bidder) Fold(ctx context.Context) error {
	doc, p, err := b.fresh(ctx)
	if err != nil {
		return err
	}
	if err := b.canRespond(doc, p); err != nil {
		return err
	}
	if err := b.store.Update(ctx, GuestPath(b.id), map[string]any{
		"status":     StatusFold,
		"foldReason": FoldManual,
		"timestamp":  b.clock.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("fold: %w", err)
	}
	log.Info().Str("participantId", b.id).Int64("price", doc.CurrentPrice).Msg("participant folded")
	return nil
}

// CheckExpiry folds the participant with reason auto when the response
// window has passed and they are still waiting. It re-reads the store and
// is safe to call any number of times; it reports whether it wrote a fold.
func (b *Bidder) CheckExpiry(ctx context.Context) (bool, error) {
	b.checkMu.Lock()
	defer b.checkMu.Unlock()

	doc, p, err := b.fresh(ctx)
	if err != nil {
		return false, err
	}
	now := b.clock.Now()
	if !doc.Running() || !doc.WindowExpired(now) {
		return false, nil
	}
	if !p.Eligible() || p.Status != StatusWaiting {
		return false, nil
	}
	if err := b.store.Update(ctx, GuestPath(b.id), map[string]any{
		"status":     StatusFold,
		"foldReason": FoldAuto,
		"timestamp":  now.UTC(),
	}); err != nil {
		return false, fmt.Errorf("auto-fold: %w", err)
	}
	log.Info().Str("participantId", b.id).Time("timerEnd", *doc.TimerEnd).Msg("participant auto-folded")
	return true, nil
}

func (b *Bidder) fresh(ctx context.Context) (Document, Participant, error) {
	doc, _, err := readDocument(ctx, b.store)
	if err != nil {
		return Document{}, Participant{}, err
	}
	p, ok := doc.Guests[b.id]
	if !ok || p == nil {
		return doc, Participant{}, ErrParticipantNotFound
	}
	return doc, *p, nil
}

func (b *Bidder) canRespond(doc Document, p Participant) error {
	if !p.Eligible() {
		return ErrNotEligible
	}
	if doc.Ended {
		return ErrAuctionEnded
	}
	if !doc.Started {
		return ErrRoundClosed
	}
	if p.Status != StatusWaiting {
		return ErrAlreadyDecided
	}
	return nil
}

func (b *Bidder) applyDoc(snap store.Snapshot) {
	doc, _, err := decodeDocument(snap)
	if err != nil {
		log.Warn().Err(err).Str("participantId", b.id).Msg("ignoring undecodable auction push")
		return
	}
	doc.Guests = nil
	b.apply(func() { b.doc = doc })
}

func (b *Bidder) applySelf(snap store.Snapshot) {
	p, ok, err := decodeParticipant(snap, b.id)
	if err != nil {
		log.Warn().Err(err).Str("participantId", b.id).Msg("ignoring undecodable participant push")
		return
	}
	b.apply(func() {
		b.self, b.hasSelf = p, ok
		b.missing = !ok
		if ok {
			b.notified = false
		}
	})
}

// apply mutates the mirrored state, reschedules the deadline and emits the
// resulting view. emitMu keeps views in the order their state was built.
func (b *Bidder) apply(mutate func()) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	mutate()
	b.rescheduleLocked()
	view := b.viewLocked(b.clock.Now())
	fireMissing := b.missing && !b.notified
	if fireMissing {
		b.notified = true
	}
	onChange, onMissing := b.onChange, b.onMissing
	b.mu.Unlock()

	if onChange != nil {
		onChange(view)
	}
	if fireMissing {
		log.Info().Str("participantId", b.id).Msg("participant record missing")
		if onMissing != nil {
			onMissing()
		}
	}
}

// rescheduleLocked keeps exactly one timer armed against timerEnd while the
// participant could still be auto-folded.
func (b *Bidder) rescheduleLocked() {
	armed := b.doc.Running() && b.doc.TimerEnd != nil &&
		b.hasSelf && b.self.Eligible() && b.self.Status == StatusWaiting
	if !armed {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.deadline = time.Time{}
		return
	}
	if b.timer != nil && b.deadline.Equal(*b.doc.TimerEnd) {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	deadline := *b.doc.TimerEnd
	b.deadline = deadline
	d := deadline.Sub(b.clock.Now())
	if d < 0 {
		d = 0
	}
	b.timer = b.clock.AfterFunc(d, func() { b.expire(deadline) })
}

// expire runs the auto-fold check for deadline. A failed check is retried
// while that deadline is still the one being watched.
func (b *Bidder) expire(deadline time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), expiryCheckTimeout)
	defer cancel()
	_, err := b.CheckExpiry(ctx)
	if err == nil || errors.Is(err, ErrParticipantNotFound) {
		return
	}
	log.Warn().Err(err).Str("participantId", b.id).Dur("retryIn", expiryRetryDelay).Msg("auto-fold check failed")

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.timer == nil || !b.deadline.Equal(deadline) {
		return
	}
	b.timer = b.clock.AfterFunc(expiryRetryDelay, func() { b.expire(deadline) })
}

func (b *Bidder) viewLocked(now time.Time) View {
	v := View{
		ParticipantID: b.id,
		Item:          b.doc.Item,
		Price:         b.doc.CurrentPrice,
		Increment:     b.doc.Increment,
		Started:       b.doc.Started,
		Ended:         b.doc.Ended,
		TimerEnd:      b.doc.TimerEnd,
		Winner:        b.doc.Winner,
		Missing:       b.missing,
	}
	if b.hasSelf {
		v.Name = b.self.Name
		v.Status = b.self.Status
		v.FoldReason = b.self.FoldReason
		v.Verified = b.self.Verified
		v.Active = b.self.Active
		v.Eligible = b.self.Eligible()
	}
	if b.doc.TimerEnd != nil && now.Before(*b.doc.TimerEnd) {
		left := b.doc.TimerEnd.Sub(now)
		v.Remaining = int((left + time.Second - 1) / time.Second)
	}
	respondable := v.Eligible && b.doc.Running() && v.Status == StatusWaiting
	v.CanFold = respondable
	v.CanCall = respondable && !b.doc.WindowExpired(now) &&
		(b.policy.CallMode != CallWindowed || b.doc.WindowOpen(now))
	v.IsWinner = b.doc.Winner != nil && b.doc.Winner.ParticipantID == b.id
	return v
}
