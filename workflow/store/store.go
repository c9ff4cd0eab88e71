// Package store persists workflow run states so that a run can be resumed
// later, possibly by another process.
//
// The engine never calls a Store. Callers save the State carried by a
// Response and pass it back through Resume or workflow.WithRestoredState.
//
// Implementations:
//   - MemStore: in-process, for tests and single-shot tools
//   - SQLiteStore: single-file database, zero setup
//   - MySQLStore: shared database for several workers
//   - RedisStore: shared cache with optional expiry
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dshills/stepflow/workflow"
)

// ErrNotFound is returned when no state is saved for a run id.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Store persists one state per run id.
type Store interface {
	// Save replaces the state saved for runID.
	Save(ctx context.Context, runID string, state *workflow.State) error

	// Load returns the state saved for runID, or ErrNotFound.
	Load(ctx context.Context, runID string) (*workflow.State, error)

	// Delete removes the state saved for runID. Deleting a missing run is
	// not an error.
	Delete(ctx context.Context, runID string) error

	// Close releases the store's resources.
	Close() error
}

func encodeState(state *workflow.State) ([]byte, error) {
	if state == nil {
		return nil, errors.New("state is nil")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return data, nil
}

func decodeState(data []byte) (*workflow.State, error) {
	state, err := workflow.ParseState(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if state == nil {
		return nil, ErrNotFound
	}
	return state, nil
}
