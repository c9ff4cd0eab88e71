package emit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBufferedEmitter_StoresEvents verifies events are stored per run.
func TestBufferedEmitter_StoresEvents(t *testing.T) {
	t.Run("isolates events by runID", func(t *testing.T) {
		emitter := NewBufferedEmitter()

		emitter.Emit(Event{RunID: "run-001", Type: TypeProgress})
		emitter.Emit(Event{RunID: "run-002", Type: TypeData})
		emitter.Emit(Event{RunID: "run-001", Type: TypeStatus})

		require.Len(t, emitter.GetHistory("run-001"), 2)
		require.Len(t, emitter.GetHistory("run-002"), 1)
		assert.Empty(t, emitter.GetHistory("missing"))
		assert.NotNil(t, emitter.GetHistory("missing"))
	})

	t.Run("returns a copy", func(t *testing.T) {
		emitter := NewBufferedEmitter()
		emitter.Emit(Event{RunID: "r", StepID: "a"})

		history := emitter.GetHistory("r")
		history[0].StepID = "mutated"

		assert.Equal(t, "a", emitter.GetHistory("r")[0].StepID)
	})

	t.Run("concurrent emits", func(t *testing.T) {
		emitter := NewBufferedEmitter()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				emitter.Emit(Event{RunID: "r"})
			}()
		}
		wg.Wait()
		assert.Len(t, emitter.GetHistory("r"), 50)
	})
}

// TestBufferedEmitter_Filter verifies history filtering.
func TestBufferedEmitter_Filter(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(StepStarted("a", "A", 0, 3))
	emitter.Emit(StepCompleted("a", "A", 0, 3, 0))
	emitter.Emit(StepStarted("b", "B", 1, 3))
	emitter.Emit(StepFailed("b", "B", 1, 3, 0, nil))
	emitter.Emit(StepStarted("c", "C", 2, 3))

	t.Run("by type", func(t *testing.T) {
		got := emitter.GetHistoryWithFilter("", HistoryFilter{Type: TypeStepStarted})
		assert.Len(t, got, 3)
	})

	t.Run("by step", func(t *testing.T) {
		got := emitter.GetHistoryWithFilter("", HistoryFilter{StepID: "b"})
		assert.Len(t, got, 2)
	})

	t.Run("by index range", func(t *testing.T) {
		lo, hi := 1, 1
		got := emitter.GetHistoryWithFilter("", HistoryFilter{MinIndex: &lo, MaxIndex: &hi})
		assert.Len(t, got, 2)
	})

	t.Run("step order", func(t *testing.T) {
		assert.Equal(t, []string{"a", "b", "c"}, emitter.StepOrder(""))
	})

	t.Run("clear", func(t *testing.T) {
		emitter.Clear("")
		assert.Empty(t, emitter.GetHistory(""))
	})
}

// TestMultiEmitter verifies fan out and nil filtering.
func TestMultiEmitter(t *testing.T) {
	a, b := NewBufferedEmitter(), NewBufferedEmitter()
	m := NewMultiEmitter(a, nil, b, NewNullEmitter())

	m.Emit(Event{RunID: "r", Type: TypeData})

	assert.Len(t, a.GetHistory("r"), 1)
	assert.Len(t, b.GetHistory("r"), 1)
}
