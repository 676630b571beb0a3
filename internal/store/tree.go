package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Tree is the in-memory form of the document. Interior nodes are
// map[string]any; leaves are whatever encoding/json produces with
// UseNumber, so integer prices survive round trips exactly.
//
// Tree is not safe for concurrent use; backends guard it.
type Tree struct {
	root map[string]any
}

func NewTree() *Tree {
	return &Tree{root: map[string]any{}}
}

// ParseTree decodes a JSON object produced by MarshalJSON.
func ParseTree(raw []byte) (*Tree, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return NewTree(), nil
	}
	v, err := decode(raw)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("store: document root is %T, want object", v)
	}
	return &Tree{root: m}, nil
}

func (t *Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.root)
}

// Get returns the node at path and whether it exists.
func (t *Tree) Get(path string) (any, bool) {
	var node any = t.root
	for _, seg := range split(path) {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		node, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// Snapshot captures the value at path.
func (t *Tree) Snapshot(path string) Snapshot {
	v, ok := t.Get(path)
	if !ok {
		return Snapshot{Path: path}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Snapshot{Path: path}
	}
	return Snapshot{Path: path, Exists: true, Value: raw}
}

// Set replaces the value at path, creating intermediate objects and
// replacing any non-object found on the way.
func (t *Tree) Set(path string, value any) error {
	v, err := Normalize(value)
	if err != nil {
		return err
	}
	segs := split(path)
	if len(segs) == 0 {
		m, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("store: root must be an object, got %T", v)
		}
		t.root = m
		return nil
	}
	parent := t.ensure(segs[:len(segs)-1])
	parent[segs[len(segs)-1]] = v
	return nil
}

// Merge sets each field on the object at path. A nil field value becomes
// an explicit null.
func (t *Tree) Merge(path string, fields map[string]any) error {
	norm := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == "" {
			return ErrInvalidPath
		}
		nv, err := Normalize(v)
		if err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		norm[k] = nv
	}
	node := t.ensure(split(path))
	for k, v := range norm {
		node[k] = v
	}
	return nil
}

// Delete removes the value at path. Deleting the root empties the document.
func (t *Tree) Delete(path string) {
	segs := split(path)
	if len(segs) == 0 {
		t.root = map[string]any{}
		return
	}
	var node any = t.root
	for _, seg := range segs[:len(segs)-1] {
		m, ok := node.(map[string]any)
		if !ok {
			return
		}
		if node, ok = m[seg]; !ok {
			return
		}
	}
	if m, ok := node.(map[string]any); ok {
		delete(m, segs[len(segs)-1])
	}
}

func (t *Tree) ensure(segs []string) map[string]any {
	node := t.root
	for _, seg := range segs {
		next, ok := node[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[seg] = next
		}
		node = next
	}
	return node
}

// Normalize converts an arbitrary Go value into the tree's JSON form.
func Normalize(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("store: encode value: %w", err)
	}
	return decode(raw)
}

func decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("store: decode value: %w", err)
	}
	return v, nil
}
