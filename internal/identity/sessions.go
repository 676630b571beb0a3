package identity

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type Session struct {
	Token     string    `json:"token"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"createdAt"`
}

// Sessions maps bearer tokens to users. Listeners are told about every
// sign-in and sign-out.
type Sessions struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu        sync.Mutex
	byToken   map[string]Session
	listeners []func(u User, signedIn bool)
}

// NewSessions keeps sessions for ttl; zero means until sign-out.
func NewSessions(clock clockwork.Clock, ttl time.Duration) *Sessions {
	return &Sessions{clock: clock, ttl: ttl, byToken: make(map[string]Session)}
}

func (s *Sessions) OnAuthChange(fn func(u User, signedIn bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Sessions) Create(u User) Session {
	sess := Session{Token: uuid.NewString(), User: u, CreatedAt: s.clock.Now().UTC()}
	s.mu.Lock()
	s.byToken[sess.Token] = sess
	ls := append([]func(User, bool){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range ls {
		fn(u, true)
	}
	return sess
}

func (s *Sessions) Resolve(token string) (User, error) {
	if token == "" {
		return User{}, ErrUnauthenticated
	}
	s.mu.Lock()
	sess, ok := s.byToken[token]
	expired := ok && s.ttl > 0 && s.clock.Since(sess.CreatedAt) > s.ttl
	if expired {
		delete(s.byToken, token)
	}
	s.mu.Unlock()
	if !ok || expired {
		return User{}, ErrUnauthenticated
	}
	return sess.User, nil
}

// Revoke signs the session out. Unknown tokens are ignored.
func (s *Sessions) Revoke(token string) {
	s.mu.Lock()
	sess, ok := s.byToken[token]
	delete(s.byToken, token)
	ls := append([]func(User, bool){}, s.listeners...)
	s.mu.Unlock()
	if !ok {
		return
	}
	for _, fn := range ls {
		fn(sess.User, false)
	}
}

// RevokeUser signs out every session of the user and returns how many.
func (s *Sessions) RevokeUser(id string) int {
	s.mu.Lock()
	var tokens []string
	for tok, sess := range s.byToken {
		if sess.User.ID == id {
			tokens = append(tokens, tok)
		}
	}
	s.mu.Unlock()
	for _, tok := range tokens {
		s.Revoke(tok)
	}
	return len(tokens)
}
