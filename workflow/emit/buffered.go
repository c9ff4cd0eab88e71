package emit

import "sync"

// BufferedEmitter stores events in memory, grouped by run.
//
// It is used by tests and by callers that want to inspect the full event
// history of a run after it finished.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events
}

// HistoryFilter narrows GetHistoryWithFilter. Zero fields do not filter.
type HistoryFilter struct {
	StepID   string // Filter by step ID
	Type     string // Filter by event type
	MinIndex *int   // Minimum step index
	MaxIndex *int   // Maximum step index
}

// NewBufferedEmitter creates an empty buffered emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// GetHistory returns a copy of all events recorded for runID.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter returns the events for runID that match filter.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[runID] {
		if matchesFilter(event, filter) {
			result = append(result, event)
		}
	}
	return result
}

// StepOrder returns the step IDs of step_started events for runID, in order.
func (b *BufferedEmitter) StepOrder(runID string) []string {
	var order []string
	for _, ev := range b.GetHistoryWithFilter(runID, HistoryFilter{Type: TypeStepStarted}) {
		order = append(order, ev.StepID)
	}
	return order
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.StepID != "" && event.StepID != filter.StepID {
		return false
	}
	if filter.Type != "" && event.Type != filter.Type {
		return false
	}
	if filter.MinIndex != nil && event.StepIndex < *filter.MinIndex {
		return false
	}
	if filter.MaxIndex != nil && event.StepIndex > *filter.MaxIndex {
		return false
	}
	return true
}

// Clear removes the history for runID, or everything when runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, runID)
	}
}
