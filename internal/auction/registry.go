package auction

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/callfold/internal/events"
	"github.com/kiliankoe/callfold/internal/store"
)

// Registry admits guests and lets the organizer verify them. A participant
// is eligible to respond only when verified and active.
type Registry struct {
	store  store.Store
	clock  clockwork.Clock
	events events.Publisher
}

func NewRegistry(st store.Store, clock clockwork.Clock, pub events.Publisher) *Registry {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Registry{store: st, clock: clock, events: pub}
}

// Register creates a pending record for id unless one exists. It never
// overwrites an existing record and reports whether it created one.
func (r *Registry) Register(ctx context.Context, id, name, email string) (Participant, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Participant{}, false, fmt.Errorf("%w: empty id", ErrInvalidParticipant)
	}
	existing, ok, err := readParticipant(ctx, r.store, id)
	if err != nil {
		return Participant{}, false, err
	}
	if ok {
		return existing, false, nil
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = displayName(email)
	}
	p := Participant{
		ID:           id,
		Name:         name,
		Email:        strings.TrimSpace(email),
		Active:       true,
		Status:       StatusPending,
		RegisteredAt: r.clock.Now().UTC(),
	}
	if err := r.store.Write(ctx, GuestPath(id), p); err != nil {
		return Participant{}, false, fmt.Errorf("register %s: %w", id, err)
	}
	log.Info().Str("participantId", id).Str("name", p.Name).Msg("participant registered")
	return p, true, nil
}

// Verify admits a participant into bidding. Verifying twice is harmless: a
// participant who already responded keeps their status.
func (r *Registry) Verify(ctx context.Context, id string) error {
	p, ok, err := readParticipant(ctx, r.store, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrParticipantNotFound
	}
	fields := map[string]any{"verified": true, "active": true}
	if !p.Verified || p.Status == StatusPending || p.Status == "" {
		fields["status"] = StatusWaiting
		fields["foldReason"] = nil
	}
	if err := r.store.Update(ctx, GuestPath(id), fields); err != nil {
		return fmt.Errorf("verify %s: %w", id, err)
	}
	if !p.Verified {
		log.Info().Str("participantId", id).Msg("participant verified")
		r.events.Publish(ctx, events.ParticipantVerified, map[string]string{"participantId": id, "name": p.Name})
	}
	return nil
}

func (r *Registry) SetActive(ctx context.Context, id string, active bool) error {
	if _, ok, err := readParticipant(ctx, r.store, id); err != nil {
		return err
	} else if !ok {
		return ErrParticipantNotFound
	}
	if err := r.store.Update(ctx, GuestPath(id), map[string]any{"active": active}); err != nil {
		return fmt.Errorf("set active %s: %w", id, err)
	}
	log.Info().Str("participantId", id).Bool("active", active).Msg("participant activity changed")
	return nil
}

// Remove deletes a participant record. A connected bidder notices the
// record is gone and is sent back to registration.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if _, ok, err := readParticipant(ctx, r.store, id); err != nil {
		return err
	} else if !ok {
		return ErrParticipantNotFound
	}
	if err := r.store.Remove(ctx, GuestPath(id)); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	log.Info().Str("participantId", id).Msg("participant removed")
	r.events.Publish(ctx, events.ParticipantRemoved, map[string]string{"participantId": id})
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (Participant, error) {
	p, ok, err := readParticipant(ctx, r.store, id)
	if err != nil {
		return Participant{}, err
	}
	if !ok {
		return Participant{}, ErrParticipantNotFound
	}
	return p, nil
}

// List returns every participant in registration order.
func (r *Registry) List(ctx context.Context) ([]Participant, error) {
	snap, err := r.store.Read(ctx, PathGuests)
	if err != nil {
		return nil, fmt.Errorf("read participants: %w", err)
	}
	guests := map[string]*Participant{}
	if !snap.IsNull() {
		if err := snap.Decode(&guests); err != nil {
			return nil, fmt.Errorf("decode participants: %w", err)
		}
	}
	for id, p := range guests {
		if p == nil {
			delete(guests, id)
			continue
		}
		p.ID = id
	}
	return ordered(guests), nil
}

func displayName(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	if email != "" {
		return email
	}
	return "Guest"
}
