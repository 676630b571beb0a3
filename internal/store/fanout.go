package store

import (
	"sync"
)

// Fanout dispatches change notifications to local subscribers. Each
// subscription owns a goroutine and a one-slot mailbox holding the latest
// undelivered snapshot, so a slow callback never blocks writers and never
// sees values out of order.
type Fanout struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	next   uint64
	closed bool
}

func NewFanout() *Fanout {
	return &Fanout{subs: make(map[uint64]*Subscription)}
}

type Subscription struct {
	id   uint64
	path string
	fn   func(Snapshot)
	fan  *Fanout

	mu      sync.Mutex
	pending *Snapshot
	offered bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// Add registers fn for changes related to path. Nothing is delivered until
// the first Offer or Prime.
func (f *Fanout) Add(path string, fn func(Snapshot)) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	f.next++
	s := &Subscription{
		id:   f.next,
		path: path,
		fn:   fn,
		fan:  f,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	f.subs[s.id] = s
	go s.run()
	return s, nil
}

// Notify offers a fresh snapshot to every subscription related to the
// changed path. read is called once per interested subscription.
func (f *Fanout) Notify(changed string, read func(path string) Snapshot) {
	f.mu.Lock()
	targets := make([]*Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		if Related(s.path, changed) {
			targets = append(targets, s)
		}
	}
	f.mu.Unlock()

	for _, s := range targets {
		s.Offer(read(s.path))
	}
}

// Len reports the number of live subscriptions.
func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close cancels all subscriptions and rejects new ones.
func (f *Fanout) Close() {
	f.mu.Lock()
	subs := make([]*Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.closed = true
	f.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
}

func (s *Subscription) Path() string { return s.path }

// Offer replaces the pending snapshot and wakes the delivery goroutine.
func (s *Subscription) Offer(snap Snapshot) {
	s.mu.Lock()
	s.pending = &snap
	s.offered = true
	s.mu.Unlock()
	s.signal()
}

// Prime offers the initial snapshot unless a change notification already
// got there first; that notification is at least as fresh.
func (s *Subscription) Prime(snap Snapshot) {
	s.mu.Lock()
	if s.offered {
		s.mu.Unlock()
		return
	}
	s.pending = &snap
	s.offered = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel stops delivery. A callback already running is allowed to finish.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.fan.mu.Lock()
		delete(s.fan.subs, s.id)
		s.fan.mu.Unlock()
	})
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			s.mu.Lock()
			snap := s.pending
			s.pending = nil
			s.mu.Unlock()
			if snap == nil {
				continue
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(*snap)
		}
	}
}
