package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps the state in process. Used by tests and the -once mode
// when no durable store is configured.
type MemoryStore struct {
	mu      sync.Mutex
	state   *Snapshot
	commits int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: NewSnapshot()}
}

func (m *MemoryStore) Load(_ context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone(), nil
}

func (m *MemoryStore) Commit(_ context.Context, cs *Changeset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state.Clone()
	if err := next.Apply(cs); err != nil {
		return err
	}
	m.state = next
	m.commits++
	return nil
}

// Commits returns how many commits succeeded.
func (m *MemoryStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

func (m *MemoryStore) Close() error { return nil }
