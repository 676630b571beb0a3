package auction

import (
	"context"
	"fmt"
	"sort"

	"github.com/kiliankoe/callfold/internal/store"
)

func readDocument(ctx context.Context, st store.Store) (Document, bool, error) {
	snap, err := st.Read(ctx, PathAuction)
	if err != nil {
		return Document{}, false, fmt.Errorf("read auction: %w", err)
	}
	return decodeDocument(snap)
}

func decodeDocument(snap store.Snapshot) (Document, bool, error) {
	var d Document
	if snap.IsNull() {
		return d, false, nil
	}
	if err := snap.Decode(&d); err != nil {
		return Document{}, false, fmt.Errorf("decode auction: %w", err)
	}
	for id, p := range d.Guests {
		if p == nil {
			delete(d.Guests, id)
			continue
		}
		p.ID = id
	}
	return d, true, nil
}

func readParticipant(ctx context.Context, st store.Store, id string) (Participant, bool, error) {
	snap, err := st.Read(ctx, GuestPath(id))
	if err != nil {
		return Participant{}, false, fmt.Errorf("read participant %s: %w", id, err)
	}
	return decodeParticipant(snap, id)
}

func decodeParticipant(snap store.Snapshot, id string) (Participant, bool, error) {
	var p Participant
	if snap.IsNull() {
		return p, false, nil
	}
	if err := snap.Decode(&p); err != nil {
		return Participant{}, false, fmt.Errorf("decode participant %s: %w", id, err)
	}
	p.ID = id
	return p, true, nil
}

// ordered returns the participants by registration time, then id.
func ordered(guests map[string]*Participant) []Participant {
	out := make([]Participant, 0, len(guests))
	for _, p := range guests {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// StateFromSnapshot builds the organizer's view from a push of the auction
// path.
func StateFromSnapshot(snap store.Snapshot) (State, error) {
	doc, ok, err := decodeDocument(snap)
	if err != nil {
		return State{}, err
	}
	return State{Exists: ok, Auction: doc.Public(), Participants: ordered(doc.Guests)}, nil
}
