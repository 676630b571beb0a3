package store

import (
	"context"
	"sync"
)

// Memory is a process-local Store. Notifications are offered while the
// write lock is held, so every subscriber observes commits in order.
type Memory struct {
	mu   sync.Mutex
	tree *Tree
	fan  *Fanout
}

func NewMemory() *Memory {
	return &Memory{tree: NewTree(), fan: NewFanout()}
}

func (m *Memory) Write(ctx context.Context, path string, value any) error {
	return m.mutate(ctx, path, func(t *Tree, p string) error { return t.Set(p, value) })
}

func (m *Memory) Update(ctx context.Context, path string, fields map[string]any) error {
	return m.mutate(ctx, path, func(t *Tree, p string) error { return t.Merge(p, fields) })
}

func (m *Memory) Remove(ctx context.Context, path string) error {
	return m.mutate(ctx, path, func(t *Tree, p string) error {
		t.Delete(p)
		return nil
	})
}

func (m *Memory) Read(ctx context.Context, path string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	p, err := Clean(path)
	if err != nil {
		return Snapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Snapshot(p), nil
}

func (m *Memory) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, err := m.fan.Add(p, fn)
	if err != nil {
		return nil, err
	}
	sub.Prime(m.tree.Snapshot(p))
	return sub.Cancel, nil
}

// Close cancels every subscription.
func (m *Memory) Close() error {
	m.fan.Close()
	return nil
}

func (m *Memory) mutate(ctx context.Context, path string, apply func(*Tree, string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := Clean(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := apply(m.tree, p); err != nil {
		return err
	}
	m.fan.Notify(p, m.tree.Snapshot)
	return nil
}
