package auction

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/callfold/internal/events"
	"github.com/kiliankoe/callfold/internal/media"
	"github.com/kiliankoe/callfold/internal/store"
)

// Setup is what the organizer submits to open an auction.
type Setup struct {
	Name         string
	Description  string
	Images       []media.Image
	InitialPrice int64
	Increment    int64
}

func (s Setup) validate() error {
	switch {
	case strings.TrimSpace(s.Name) == "":
		return fmt.Errorf("%w: item name is required", ErrInvalidSetup)
	case strings.TrimSpace(s.Description) == "":
		return fmt.Errorf("%w: item description is required", ErrInvalidSetup)
	case len(s.Images) == 0:
		return fmt.Errorf("%w: at least one image is required", ErrInvalidSetup)
	case s.InitialPrice <= 0:
		return fmt.Errorf("%w: initial price must be positive", ErrInvalidSetup)
	case s.Increment <= 0:
		return fmt.Errorf("%w: increment must be positive", ErrInvalidSetup)
	}
	return nil
}

// Controller runs the organizer's side of the auction: start, raise, timer
// and end. Every step is a read followed by independent writes; concurrent
// organizers are not coordinated.
type Controller struct {
	store    store.Store
	uploader media.Uploader
	events   events.Publisher
	clock    clockwork.Clock
	policy   Policy
}

func NewController(st store.Store, up media.Uploader, pub events.Publisher, clock clockwork.Clock, policy Policy) *Controller {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Controller{store: st, uploader: up, events: pub, clock: clock, policy: policy.WithDefaults()}
}

func (c *Controller) Policy() Policy { return c.policy }

// StartAuction uploads the images and opens a fresh auction. Nothing is
// written unless every upload succeeded.
func (c *Controller) StartAuction(ctx context.Context, setup Setup) (Document, error) {
	if err := setup.validate(); err != nil {
		return Document{}, err
	}
	doc, _, err := readDocument(ctx, c.store)
	if err != nil {
		return Document{}, err
	}
	if doc.Started {
		return Document{}, ErrAuctionInProgress
	}

	urls := make([]string, 0, len(setup.Images))
	for i, img := range setup.Images {
		url, err := c.uploader.Upload(ctx, img)
		if err != nil {
			log.Warn().Err(err).Int("image", i).Str("filename", img.Filename).Msg("image upload failed")
			return Document{}, fmt.Errorf("%w: image %d: %w", ErrUploadFailed, i+1, err)
		}
		urls = append(urls, url)
	}

	now := c.clock.Now().UTC()
	fresh := Document{
		Item: Item{
			Name:        strings.TrimSpace(setup.Name),
			Description: strings.TrimSpace(setup.Description),
			Images:      urls,
		},
		CurrentPrice: setup.InitialPrice,
		Increment:    setup.Increment,
		Started:      true,
		StartedAt:    &now,
	}
	// Every field is written so the previous auction leaves nothing behind;
	// the guests sibling is kept.
	if err := c.store.Update(ctx, PathAuction, map[string]any{
		"item":         fresh.Item,
		"currentPrice": fresh.CurrentPrice,
		"increment":    fresh.Increment,
		"started":      true,
		"ended":        false,
		"timerEnd":     nil,
		"winner":       nil,
		"startedAt":    now,
	}); err != nil {
		return Document{}, fmt.Errorf("write auction: %w", err)
	}

	guests, err := c.participants(ctx)
	if err != nil {
		return Document{}, err
	}
	for _, p := range guests {
		if !p.Eligible() {
			continue
		}
		if err := c.store.Update(ctx, GuestPath(p.ID), map[string]any{
			"status":     StatusWaiting,
			"foldReason": nil,
			"timestamp":  now,
		}); err != nil {
			return Document{}, fmt.Errorf("reset participant %s: %w", p.ID, err)
		}
	}

	log.Info().
		Str("item", fresh.Item.Name).
		Int64("price", fresh.CurrentPrice).
		Int64("increment", fresh.Increment).
		Int("images", len(urls)).
		Msg("auction started")
	c.events.Publish(ctx, events.AuctionStarted, fresh)
	return fresh, nil
}

// RaisePrice moves the price up by one increment and clears the response
// window. Participant statuses change according to the raise policy.
func (c *Controller) RaisePrice(ctx context.Context) (int64, error) {
	doc, _, err := readDocument(ctx, c.store)
	if err != nil {
		return 0, err
	}
	if err := runningErr(doc); err != nil {
		return 0, err
	}

	price := doc.CurrentPrice + doc.Increment
	if err := c.store.Update(ctx, PathAuction, map[string]any{
		"currentPrice": price,
		"timerEnd":     nil,
	}); err != nil {
		return 0, fmt.Errorf("raise price: %w", err)
	}

	if err := c.applyRaisePolicy(ctx, doc); err != nil {
		return price, err
	}

	log.Info().Int64("price", price).Str("policy", string(c.policy.RaisePolicy)).Msg("price raised")
	c.events.Publish(ctx, events.PriceRaised, map[string]int64{"currentPrice": price, "increment": doc.Increment})
	return price, nil
}

func (c *Controller) applyRaisePolicy(ctx context.Context, doc Document) error {
	if c.policy.RaisePolicy == RaiseKeep {
		return nil
	}
	now := c.clock.Now().UTC()
	for _, p := range ordered(doc.Guests) {
		if !p.Eligible() {
			continue
		}
		var fields map[string]any
		switch {
		case p.Status == StatusCall:
			fields = map[string]any{"status": StatusWaiting, "foldReason": nil, "timestamp": now}
		case p.Status == StatusWaiting && c.policy.RaisePolicy == RaiseFoldNonCallers:
			fields = map[string]any{"status": StatusFold, "foldReason": FoldAuto, "timestamp": now}
		default:
			continue
		}
		if err := c.store.Update(ctx, GuestPath(p.ID), fields); err != nil {
			return fmt.Errorf("apply raise to %s: %w", p.ID, err)
		}
	}
	return nil
}

// StartTimer opens a response window of d from now. Participants who
// already answered keep their answer.
func (c *Controller) StartTimer(ctx context.Context, d time.Duration) (time.Time, error) {
	if d <= 0 {
		return time.Time{}, ErrInvalidDuration
	}
	doc, _, err := readDocument(ctx, c.store)
	if err != nil {
		return time.Time{}, err
	}
	if err := runningErr(doc); err != nil {
		return time.Time{}, err
	}
	end := c.clock.Now().Add(d).UTC()
	if err := c.store.Update(ctx, PathAuction, map[string]any{"timerEnd": end}); err != nil {
		return time.Time{}, fmt.Errorf("start timer: %w", err)
	}
	log.Info().Time("timerEnd", end).Dur("window", d).Msg("response timer started")
	c.events.Publish(ctx, events.TimerStarted, map[string]any{"timerEnd": end, "currentPrice": doc.CurrentPrice})
	return end, nil
}

// DefaultTimer is the window used when the organizer does not pick one.
func (c *Controller) DefaultTimer() time.Duration {
	return c.policy.TimerDuration()
}

// EndAuction closes the auction and records the winner, or no winner when
// nobody eligible is in call.
func (c *Controller) EndAuction(ctx context.Context) (*Winner, error) {
	doc, _, err := readDocument(ctx, c.store)
	if err != nil {
		return nil, err
	}
	if !doc.Started {
		if doc.Ended {
			return nil, ErrAuctionEnded
		}
		return nil, ErrAuctionNotRunning
	}

	w := SelectWinner(doc, c.policy.TieBreak)
	if err := c.store.Update(ctx, PathAuction, map[string]any{
		"ended":    true,
		"started":  false,
		"timerEnd": nil,
		"winner":   w,
	}); err != nil {
		return nil, fmt.Errorf("end auction: %w", err)
	}

	ev := log.Info().Int64("price", doc.CurrentPrice)
	if w != nil {
		ev = ev.Str("winnerId", w.ParticipantID).Str("winner", w.Name)
	}
	ev.Msg("auction ended")
	c.events.Publish(ctx, events.AuctionEnded, map[string]any{"winner": w, "price": doc.CurrentPrice})
	return w, nil
}

// Snapshot returns the document and participants for the organizer's
// monitor.
func (c *Controller) Snapshot(ctx context.Context) (State, error) {
	snap, err := c.store.Read(ctx, PathAuction)
	if err != nil {
		return State{}, fmt.Errorf("read auction: %w", err)
	}
	return StateFromSnapshot(snap)
}

func (c *Controller) participants(ctx context.Context) ([]Participant, error) {
	doc, _, err := readDocument(ctx, c.store)
	if err != nil {
		return nil, err
	}
	return ordered(doc.Guests), nil
}

// SelectWinner picks the winning caller among eligible participants, or
// nil when nobody eligible is in call.
func SelectWinner(doc Document, tie TieBreak) *Winner {
	callers := make([]Participant, 0, len(doc.Guests))
	for _, p := range ordered(doc.Guests) {
		if p.Eligible() && p.Status == StatusCall {
			callers = append(callers, p)
		}
	}
	if len(callers) == 0 {
		return nil
	}
	if tie != TieOrder {
		sort.SliceStable(callers, func(i, j int) bool {
			ti, tj := callTime(callers[i]), callTime(callers[j])
			if !ti.Equal(tj) {
				return ti.Before(tj)
			}
			return callers[i].ID < callers[j].ID
		})
	}
	last := callers[len(callers)-1]
	return &Winner{
		ParticipantID: last.ID,
		Name:          last.Name,
		Email:         last.Email,
		Price:         doc.CurrentPrice,
	}
}

func callTime(p Participant) time.Time {
	if p.Timestamp == nil {
		return time.Time{}
	}
	return *p.Timestamp
}

func runningErr(doc Document) error {
	if doc.Ended {
		return ErrAuctionEnded
	}
	if !doc.Started {
		return ErrAuctionNotRunning
	}
	return nil
}
