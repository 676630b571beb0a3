// Package store is the shared auction document: a JSON tree addressed by
// slash-separated paths, with one-shot reads, merging writes and push
// subscriptions. Every client of the auction talks to the others only
// through a Store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrNotFound    = errors.New("store: path not found")
	ErrInvalidPath = errors.New("store: invalid path")
	ErrClosed      = errors.New("store: closed")
)

// Unsubscribe stops a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// Store is the read/write/subscribe surface every actor uses.
//
// Update merges fields into the node at path and leaves siblings untouched;
// a nil field value is written as an explicit null. Subscribe delivers the
// value at path once immediately and again after every committed change at,
// above or below path. Deliveries to one subscriber are ordered and
// coalesced: a slow subscriber skips intermediate values, never goes back.
type Store interface {
	Write(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	Read(ctx context.Context, path string) (Snapshot, error)
	Subscribe(ctx context.Context, path string, fn func(Snapshot)) (Unsubscribe, error)
}

// Snapshot is the value at a path at some instant. A path that was never
// written has Exists == false; a path written as null has Exists == true
// and Value == "null".
type Snapshot struct {
	Path   string          `json:"path"`
	Exists bool            `json:"exists"`
	Value  json.RawMessage `json:"value,omitempty"`
}

func (s Snapshot) IsNull() bool {
	return !s.Exists || string(s.Value) == "null"
}

// Decode unmarshals the value into v. It returns ErrNotFound when the path
// does not exist; a null value leaves v untouched.
func (s Snapshot) Decode(v any) error {
	if !s.Exists {
		return ErrNotFound
	}
	return json.Unmarshal(s.Value, v)
}

// Join builds a path from segments, ignoring empty ones.
func Join(parts ...string) string {
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		for _, s := range strings.Split(p, "/") {
			if s != "" {
				segs = append(segs, s)
			}
		}
	}
	return strings.Join(segs, "/")
}

// Clean normalises a path and rejects segments that cannot be keys.
func Clean(path string) (string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", nil
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" || s == "." || s == ".." {
			return "", ErrInvalidPath
		}
	}
	return path, nil
}

func split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Related reports whether a change at one path can affect the value seen at
// the other, i.e. one is an ancestor of (or equal to) the other.
func Related(a, b string) bool {
	if a == "" || b == "" || a == b {
		return true
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	return strings.HasPrefix(b, a+"/")
}
