package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Context is the mutable bag a run threads through its steps.
//
// Data holds step outputs keyed by step id (replaced wholesale by a success
// handler). State accumulates key/value updates merged from every step.
// Variables is the validated input and is not modified by the engine.
//
// A Context belongs to exactly one in-flight run and is not safe for
// concurrent use.
type Context struct {
	Data      map[string]interface{} `json:"data"`
	State     map[string]interface{} `json:"state"`
	Variables map[string]interface{} `json:"variables"`
}

// NewContext returns a context with empty data and state.
func NewContext(variables map[string]interface{}) *Context {
	c := &Context{Variables: variables}
	c.ensure(variables)
	return c
}

// ensure replaces nil maps with empty ones. Nil variables default to input.
func (c *Context) ensure(input map[string]interface{}) {
	if c.Data == nil {
		c.Data = make(map[string]interface{})
	}
	if c.State == nil {
		c.State = make(map[string]interface{})
	}
	if c.Variables == nil {
		c.Variables = input
	}
	if c.Variables == nil {
		c.Variables = make(map[string]interface{})
	}
}

// Get returns a state value.
func (c *Context) Get(key string) (interface{}, bool) {
	if c == nil || c.State == nil {
		return nil, false
	}
	v, ok := c.State[key]
	return v, ok
}

// Set writes a state value.
func (c *Context) Set(key string, value interface{}) {
	if c.State == nil {
		c.State = make(map[string]interface{})
	}
	c.State[key] = value
}

// StepData returns the data a step stored in the context.
func (c *Context) StepData(stepID string) (interface{}, bool) {
	if c == nil || c.Data == nil {
		return nil, false
	}
	v, ok := c.Data[stepID]
	return v, ok
}

// Merge shallow-merges update into State, last write wins. A nested
// "set_env" map is flattened into State instead of being stored as a key.
func (c *Context) Merge(update map[string]interface{}) {
	for k, v := range update {
		if k == setEnvKey {
			if env, ok := v.(map[string]interface{}); ok {
				for ek, ev := range env {
					c.Set(ek, ev)
				}
				continue
			}
		}
		c.Set(k, v)
	}
}

const setEnvKey = "set_env"

// StateValue returns a typed state value. The second result is false when
// the key is missing or holds a different type.
func StateValue[T any](c *Context, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// StepStatus is the recorded outcome of one step in a run.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepSkipped StepStatus = "skipped"
	StepError   StepStatus = "error"
)

// StepRecord is the entry kept in State.StepResults for one step id.
// Re-running a step overwrites its record.
type StepRecord struct {
	Status StepStatus  `json:"status"`
	Result *StepResult `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// State is the resumable snapshot of a run. Callers persist it and pass it
// back through WithRestoredState to continue later.
type State struct {
	Context     *Context              `json:"context"`
	StepResults map[string]StepRecord `json:"stepResults"`
	LastStepID  string                `json:"lastStepId,omitempty"`

	// LastStepIndex is the index of the last completed step, or -1 when no
	// step has completed. It is the resumption pointer.
	LastStepIndex int `json:"lastStepIndex"`
}

func newState(input map[string]interface{}) *State {
	return &State{
		Context:       NewContext(input),
		StepResults:   make(map[string]StepRecord),
		LastStepIndex: -1,
	}
}

// rehydrate returns a usable state from a possibly nil or partial one.
// It never fails. The caller's State and Context structs are left as they
// were; the maps they hold are reused.
func rehydrate(s *State, input map[string]interface{}) *State {
	if s == nil {
		return newState(input)
	}
	cp := *s
	if s.Context != nil {
		ctx := *s.Context
		cp.Context = &ctx
	} else {
		cp.Context = &Context{}
	}
	cp.Context.ensure(input)
	if cp.StepResults == nil {
		cp.StepResults = make(map[string]StepRecord)
	}
	return &cp
}

func (s *State) record(stepID string, rec StepRecord) {
	s.StepResults[stepID] = rec
}

func (s *State) advance(stepID string, index int) {
	s.LastStepID = stepID
	s.LastStepIndex = index
}

// Clone returns a deep copy made through a JSON round trip. It fails when
// the state holds values that cannot be encoded.
func (s *State) Clone() (*State, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	return ParseState(data)
}

// ParseState decodes a persisted state. It accepts "null", a missing or
// null context and partially populated maps; a nil state decodes to nil.
// A missing lastStepIndex means no step has completed.
// Missing context maps are filled in when the state is restored into a run.
func ParseState(data []byte) (*State, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	s := &State{LastStepIndex: -1}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if s.StepResults == nil {
		s.StepResults = make(map[string]StepRecord)
	}
	return s, nil
}
