// Package events announces auction lifecycle changes to external consumers
// (display walls, notifiers). Delivery is best effort: a failed publish is
// logged and never fails the operation that caused it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

type Type string

const (
	AuctionStarted      Type = "AuctionStarted"
	PriceRaised         Type = "PriceRaised"
	TimerStarted        Type = "TimerStarted"
	AuctionEnded        Type = "AuctionEnded"
	ParticipantVerified Type = "ParticipantVerified"
	ParticipantRemoved  Type = "ParticipantRemoved"
)

// SubjectPrefix is prepended to the event type to form the NATS subject.
const SubjectPrefix = "auction.events."

type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, typ Type, data any)
}

// New builds an envelope for typ with a fresh id.
func New(typ Type, at time.Time, data any) (Event, error) {
	ev := Event{ID: uuid.NewString(), Type: typ, Timestamp: at.UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		ev.Data = raw
	}
	return ev, nil
}

func Subject(typ Type) string {
	return SubjectPrefix + string(typ)
}

type Noop struct{}

func (Noop) Publish(context.Context, Type, any) {}

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subj string, data []byte) error
}

type NATSPublisher struct {
	nc  conn
	now func() time.Time
}

func NewNATS(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc, now: time.Now}
}

// Connect dials NATS with reconnect handling and returns a publisher and
// the connection, which the caller drains on shutdown.
func Connect(url string) (*NATSPublisher, *nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("callfold"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Error().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewNATS(nc), nc, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, typ Type, data any) {
	ev, err := New(typ, p.now(), data)
	if err != nil {
		log.Warn().Err(err).Str("type", string(typ)).Msg("dropping auction event")
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Str("type", string(typ)).Msg("dropping auction event")
		return
	}
	if err := p.nc.Publish(Subject(typ), raw); err != nil {
		log.Warn().Err(err).Str("type", string(typ)).Msg("failed to publish auction event")
		return
	}
	log.Debug().Str("subject", Subject(typ)).Str("eventId", ev.ID).Msg("published auction event")
}
