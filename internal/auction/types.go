package auction

import (
	"time"

	"github.com/kiliankoe/callfold/internal/store"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusWaiting Status = "waiting"
	StatusCall    Status = "call"
	StatusFold    Status = "fold"
)

type FoldReason string

const (
	FoldManual FoldReason = "manual"
	FoldAuto   FoldReason = "auto"
)

const (
	PathAuction = "auction"
	PathGuests  = "auction/guests"
)

func GuestPath(id string) string {
	return store.Join(PathGuests, id)
}

type Item struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Images      []string `json:"images"`
}

type Winner struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Price         int64  `json:"price"`
}

// Document is the shared auction record. Guests is only filled when the
// whole auction path is read.
type Document struct {
	Item         Item       `json:"item"`
	CurrentPrice int64      `json:"currentPrice"`
	Increment    int64      `json:"increment"`
	Started      bool       `json:"started"`
	Ended        bool       `json:"ended"`
	TimerEnd     *time.Time `json:"timerEnd"`
	Winner       *Winner    `json:"winner"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`

	Guests map[string]*Participant `json:"guests,omitempty"`
}

// Running reports whether price changes and responses are accepted.
func (d Document) Running() bool {
	return d.Started && !d.Ended
}

// WindowOpen reports whether a response window is set and not yet expired.
func (d Document) WindowOpen(now time.Time) bool {
	return d.TimerEnd != nil && now.Before(*d.TimerEnd)
}

// WindowExpired reports whether a response window was set and has passed.
func (d Document) WindowExpired(now time.Time) bool {
	return d.TimerEnd != nil && !now.Before(*d.TimerEnd)
}

// Public strips participant records for display screens.
func (d Document) Public() Document {
	d.Guests = nil
	return d
}

type Participant struct {
	ID           string     `json:"id,omitempty"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	Verified     bool       `json:"verified"`
	Active       bool       `json:"active"`
	Status       Status     `json:"status"`
	FoldReason   FoldReason `json:"foldReason,omitempty"`
	Timestamp    *time.Time `json:"timestamp"`
	RegisteredAt time.Time  `json:"registeredAt"`
}

// Eligible reports whether the participant may respond and win.
func (p Participant) Eligible() bool {
	return p.Verified && p.Active
}

// State is the admin's view: the document plus every participant in
// registration order.
type State struct {
	Exists       bool          `json:"exists"`
	Auction      Document      `json:"auction"`
	Participants []Participant `json:"participants"`
}
