package auction

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/callfold/internal/store"
)

const sweepMaxRetries = 3

// Sweeper enforces response windows on the server: when timerEnd passes it
// folds every eligible participant still waiting, whether or not their
// client is connected.
type Sweeper struct {
	store store.Store
	clock clockwork.Clock
	wake  chan struct{}
}

func NewSweeper(st store.Store, clock clockwork.Clock) *Sweeper {
	return &Sweeper{store: st, clock: clock, wake: make(chan struct{}, 1)}
}

// Run sleeps until the current deadline, sweeps, and repeats until ctx is
// cancelled. Deadline changes wake it early.
func (s *Sweeper) Run(ctx context.Context) error {
	unsub, err := s.store.Subscribe(ctx, store.Join(PathAuction, "timerEnd"), func(store.Snapshot) {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe deadline: %w", err)
	}
	defer unsub()

	log.Info().Msg("auto-fold sweeper started")
	var swept time.Time
	retries := 0
	for {
		select {
		case <-s.wake:
		default:
		}

		doc, _, err := readDocument(ctx, s.store)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			retries++
			if retries > sweepMaxRetries {
				log.Error().Err(err).Msg("error reading deadline after retries")
				return err
			}
			log.Error().Err(err).Int("retry", retries).Msg("error reading deadline, retrying")
			if !s.sleep(ctx, time.Duration(retries)*time.Second) {
				return nil
			}
			continue
		}
		retries = 0

		if !doc.Running() || doc.TimerEnd == nil || doc.TimerEnd.Equal(swept) {
			if !s.idle(ctx) {
				log.Info().Msg("auto-fold sweeper stopped")
				return nil
			}
			continue
		}

		if wait := doc.TimerEnd.Sub(s.clock.Now()); wait > 0 {
			if !s.sleep(ctx, wait) {
				log.Info().Msg("auto-fold sweeper stopped")
				return nil
			}
			continue
		}

		n, err := s.Sweep(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("sweep failed")
			if !s.sleep(ctx, time.Second) {
				return nil
			}
			continue
		}
		swept = *doc.TimerEnd
		log.Info().Int("folded", n).Time("timerEnd", swept).Msg("response window closed")
	}
}

// Sweep folds every eligible waiting participant if the window has passed
// and returns how many it folded.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	doc, _, err := readDocument(ctx, s.store)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	if !doc.Running() || !doc.WindowExpired(now) {
		return 0, nil
	}
	n := 0
	for _, p := range ordered(doc.Guests) {
		if !p.Eligible() || p.Status != StatusWaiting {
			continue
		}
		if err := s.store.Update(ctx, GuestPath(p.ID), map[string]any{
			"status":     StatusFold,
			"foldReason": FoldAuto,
			"timestamp":  now.UTC(),
		}); err != nil {
			return n, fmt.Errorf("auto-fold %s: %w", p.ID, err)
		}
		n++
	}
	return n, nil
}

// sleep waits for d, a wake-up or cancellation; false means cancelled.
func (s *Sweeper) sleep(ctx context.Context, d time.Duration) bool {
	t := s.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return true
	case <-s.wake:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Sweeper) idle(ctx context.Context) bool {
	select {
	case <-s.wake:
		return true
	case <-ctx.Done():
		return false
	}
}
