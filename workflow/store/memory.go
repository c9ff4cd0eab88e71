package store

import (
	"context"
	"sync"

	"github.com/dshills/stepflow/workflow"
)

// MemStore is an in-memory Store.
//
// States are stored encoded, so a saved state is isolated from later
// changes made by the caller and every Load returns a fresh copy.
//
// Data is lost when the process exits. MemStore is safe for concurrent use.
type MemStore struct {
	mu     sync.RWMutex
	states map[string][]byte
	closed bool
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{states: make(map[string][]byte)}
}

// Save implements Store.
func (m *MemStore) Save(ctx context.Context, runID string, state *workflow.State) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.states[runID] = data
	return nil
}

// Load implements Store.
func (m *MemStore) Load(ctx context.Context, runID string) (*workflow.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	data, ok := m.states[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return decodeState(data)
}

// Delete implements Store.
func (m *MemStore) Delete(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.states, runID)
	return nil
}

// Runs returns the saved run ids in no particular order.
func (m *MemStore) Runs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	return ids
}

// Close implements Store. Later operations return ErrClosed.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.states = nil
	return nil
}
