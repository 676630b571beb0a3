package identity

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestGuestIDIsStable(t *testing.T) {
	ctx := context.Background()
	a, err := GuestProvider{}.SignIn(ctx, Credentials{Name: "Alice", Email: "Alice@Example.com "})
	require.NoError(t, err)
	b, err := GuestProvider{}.SignIn(ctx, Credentials{Name: "Alice B.", Email: "alice@example.com"})
	require.NoError(t, err)

	require.Equal(t, a.ID, b.ID)
	require.Equal(t, "alice@example.com", a.Email)
	require.Equal(t, RoleGuest, a.Role)

	c, err := GuestProvider{}.SignIn(ctx, Credentials{Email: "bob@example.com"})
	require.NoError(t, err)
	require.NotEqual(t, a.ID, c.ID)
}

func TestGuestRequiresEmail(t *testing.T) {
	_, err := GuestProvider{}.SignIn(context.Background(), Credentials{Name: "x"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAccountProvider(t *testing.T) {
	ctx := context.Background()
	p := NewAccountProvider(map[string]string{"Host@Example.com": "s3cret"})

	u, err := p.SignIn(ctx, Credentials{Email: "host@example.com", Password: "s3cret"})
	require.NoError(t, err)
	require.Equal(t, RoleAdmin, u.Role)
	require.Equal(t, "admin:host@example.com", u.ID)

	_, err = p.SignIn(ctx, Credentials{Email: "host@example.com", Password: "wrong"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = p.SignIn(ctx, Credentials{Email: "other@example.com", Password: "s3cret"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAdmitChecksAllowList(t *testing.T) {
	ctx := context.Background()
	p := NewAccountProvider(map[string]string{"host@example.com": "pw", "helper@example.com": "pw"})
	allow := NewAllowList([]string{" HOST@example.com", ""})
	require.Equal(t, 1, allow.Len())

	u, err := Admit(ctx, p, allow, Credentials{Email: "host@example.com", Password: "pw"})
	require.NoError(t, err)
	require.Equal(t, "host@example.com", u.Email)

	_, err = Admit(ctx, p, allow, Credentials{Email: "helper@example.com", Password: "pw"})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = Admit(ctx, p, allow, Credentials{Email: "host@example.com", Password: "nope"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAllowListRejectsGuests(t *testing.T) {
	allow := NewAllowList([]string{"alice@example.com"})
	guest, err := GuestProvider{}.SignIn(context.Background(), Credentials{Email: "alice@example.com"})
	require.NoError(t, err)
	require.False(t, allow.IsAdmin(guest))
}

func TestSessionsLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSessions(clock, time.Hour)

	var changes []bool
	s.OnAuthChange(func(u User, signedIn bool) {
		require.Equal(t, "g1", u.ID)
		changes = append(changes, signedIn)
	})

	sess := s.Create(User{ID: "g1", Role: RoleGuest})
	require.NotEmpty(t, sess.Token)

	u, err := s.Resolve(sess.Token)
	require.NoError(t, err)
	require.Equal(t, "g1", u.ID)

	s.Revoke(sess.Token)
	s.Revoke(sess.Token)
	_, err = s.Resolve(sess.Token)
	require.ErrorIs(t, err, ErrUnauthenticated)
	require.Equal(t, []bool{true, false}, changes)
}

func TestSessionsExpire(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewSessions(clock, time.Hour)
	sess := s.Create(User{ID: "g1"})

	clock.Advance(59 * time.Minute)
	_, err := s.Resolve(sess.Token)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = s.Resolve(sess.Token)
	require.ErrorIs(t, err, ErrUnauthenticated)

	_, err = s.Resolve("")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestRevokeUser(t *testing.T) {
	s := NewSessions(clockwork.NewFakeClock(), 0)
	a := s.Create(User{ID: "g1"})
	b := s.Create(User{ID: "g1"})
	c := s.Create(User{ID: "g2"})

	require.Equal(t, 2, s.RevokeUser("g1"))
	for _, tok := range []string{a.Token, b.Token} {
		_, err := s.Resolve(tok)
		require.ErrorIs(t, err, ErrUnauthenticated)
	}
	_, err := s.Resolve(c.Token)
	require.NoError(t, err)
}
