package counterstore

import (
	"context"
	"sync"
)

// MemoryStore keeps states in process memory. State is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

// Get returns a copy of the stored state.
func (m *MemoryStore) Get(_ context.Context, key string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[key]
	if !ok {
		return State{}, ErrNotFound
	}
	return st.Clone(), nil
}

// Put stores a copy of state.
func (m *MemoryStore) Put(_ context.Context, key string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = state.Clone()
	return nil
}

// Delete removes key.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
