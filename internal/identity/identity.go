// Package identity signs guests and organizers in and keeps their sessions.
package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUnauthenticated    = errors.New("not signed in")
	ErrForbidden          = errors.New("not allowed")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Role string

const (
	RoleGuest Role = "guest"
	RoleAdmin Role = "admin"
)

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

type Credentials struct {
	Name     string
	Email    string
	Password string
}

type Provider interface {
	SignIn(ctx context.Context, c Credentials) (User, error)
}

// guestNamespace seeds the stable ids derived from guest emails.
var guestNamespace = uuid.MustParse("6f1c9a52-3b8e-4c57-9d0f-2a41e7b3c6d8")

// GuestProvider signs guests in by email. The same email always maps to the
// same participant id, so a guest who reconnects finds their record again.
// It checks no secret; put a real identity provider in front for anything
// beyond a trusted room.
type GuestProvider struct{}

func (GuestProvider) SignIn(_ context.Context, c Credentials) (User, error) {
	email := normalizeEmail(c.Email)
	if email == "" || !strings.Contains(email, "@") {
		return User{}, ErrInvalidCredentials
	}
	name := strings.TrimSpace(c.Name)
	return User{ID: GuestID(email), Name: name, Email: email, Role: RoleGuest}, nil
}

func GuestID(email string) string {
	return uuid.NewSHA1(guestNamespace, []byte(normalizeEmail(email))).String()
}

// AccountProvider checks organizer passwords.
type AccountProvider struct {
	accounts map[string]string
}

// NewAccountProvider takes email to password pairs.
func NewAccountProvider(accounts map[string]string) *AccountProvider {
	m := make(map[string]string, len(accounts))
	for email, pw := range accounts {
		m[normalizeEmail(email)] = pw
	}
	return &AccountProvider{accounts: m}
}

func (a *AccountProvider) SignIn(_ context.Context, c Credentials) (User, error) {
	email := normalizeEmail(c.Email)
	pw, ok := a.accounts[email]
	if !ok || c.Password == "" || subtle.ConstantTimeCompare([]byte(pw), []byte(c.Password)) != 1 {
		return User{}, ErrInvalidCredentials
	}
	name := c.Name
	if name == "" {
		name = email
	}
	return User{ID: "admin:" + email, Name: name, Email: email, Role: RoleAdmin}, nil
}

type Authorizer interface {
	IsAdmin(u User) bool
}

// AllowList admits organizers by id or email.
type AllowList struct {
	allowed map[string]struct{}
}

func NewAllowList(entries []string) *AllowList {
	a := &AllowList{allowed: make(map[string]struct{}, len(entries))}
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			a.allowed[e] = struct{}{}
		}
	}
	return a
}

func (a *AllowList) IsAdmin(u User) bool {
	if u.Role != RoleAdmin {
		return false
	}
	if _, ok := a.allowed[strings.ToLower(u.ID)]; ok {
		return true
	}
	_, ok := a.allowed[normalizeEmail(u.Email)]
	return ok
}

func (a *AllowList) Len() int { return len(a.allowed) }

// Admit signs an organizer in and checks the allow-list.
func Admit(ctx context.Context, p Provider, authz Authorizer, c Credentials) (User, error) {
	u, err := p.SignIn(ctx, c)
	if err != nil {
		return User{}, err
	}
	if !authz.IsAdmin(u) {
		return User{}, ErrForbidden
	}
	return u, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
