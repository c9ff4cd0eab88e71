package workflow

import (
	"errors"
	"fmt"
)

// StepResult is the structured output of a step. State is merged into the
// run's context state and Data is stored under the step id.
type StepResult struct {
	Data  interface{}            `json:"data,omitempty"`
	State map[string]interface{} `json:"state,omitempty"`
}

// OutcomeKind discriminates Outcome values.
type OutcomeKind int

const (
	// KindVoid means the step produced nothing.
	KindVoid OutcomeKind = iota
	// KindResult carries a StepResult.
	KindResult
	// KindStateUpdate carries a bare state update map.
	KindStateUpdate
	// KindRetry asks the engine to run the step again.
	KindRetry
	// KindNext asks the engine to continue at another step.
	KindNext
	// KindSuccess ends the run successfully with a payload.
	KindSuccess
)

func (k OutcomeKind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindResult:
		return "result"
	case KindStateUpdate:
		return "state_update"
	case KindRetry:
		return "retry"
	case KindNext:
		return "next"
	case KindSuccess:
		return "success"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is what a step's Execute function returns. Build one with Void,
// Result, StateUpdate, Retry, Next or Success. The zero value is Void.
type Outcome struct {
	kind    OutcomeKind
	result  StepResult
	target  string
	payload interface{}
}

// Void returns an outcome with no output.
func Void() Outcome { return Outcome{} }

// Result returns a structured step result.
func Result(r StepResult) Outcome { return Outcome{kind: KindResult, result: r} }

// Data returns a result with only data.
func Data(v interface{}) Outcome { return Result(StepResult{Data: v}) }

// StateUpdate returns a bare state update. It is equivalent to
// Result(StepResult{State: m}); a nested "set_env" map is flattened into
// the state when merged.
func StateUpdate(m map[string]interface{}) Outcome {
	return Outcome{kind: KindStateUpdate, result: StepResult{State: m}}
}

// Retry asks the engine to run the step again. The number of retries is
// bounded by the step configuration.
func Retry() Outcome { return Outcome{kind: KindRetry} }

// Next asks the engine to continue at stepID instead of the following step.
// An unknown id fails the run.
func Next(stepID string) Outcome { return Outcome{kind: KindNext, target: stepID} }

// Success ends the run immediately with payload as the response data.
func Success(payload interface{}) Outcome { return Outcome{kind: KindSuccess, payload: payload} }

// Kind returns the variant.
func (o Outcome) Kind() OutcomeKind { return o.kind }

// Target returns the step id of a Next outcome.
func (o Outcome) Target() string { return o.target }

// Payload returns the payload of a Success outcome.
func (o Outcome) Payload() interface{} { return o.payload }

// StepResult returns the normalized result for Void, Result and
// StateUpdate outcomes.
func (o Outcome) StepResult() StepResult { return o.result }

// IsMarker reports whether the outcome is a control marker rather than output.
func (o Outcome) IsMarker() bool {
	return o.kind == KindRetry || o.kind == KindNext || o.kind == KindSuccess
}

// normalize folds the output variants into a StepResult outcome.
func (o Outcome) normalize() Outcome {
	switch o.kind {
	case KindStateUpdate:
		return Result(o.result)
	case KindVoid:
		return Outcome{kind: KindVoid}
	}
	return o
}

// controlSignal carries a marker through an error return.
type controlSignal struct {
	outcome Outcome
}

func (s *controlSignal) Error() string {
	switch s.outcome.kind {
	case KindRetry:
		return "workflow: retry requested"
	case KindSuccess:
		return "workflow: completed early"
	default:
		return "workflow: control signal " + s.outcome.kind.String()
	}
}

// RetrySignal returns an error that makes the engine retry the step, for
// step code that reports failures by returning errors.
func RetrySignal() error { return &controlSignal{outcome: Retry()} }

// Complete returns an error that ends the run successfully with payload.
// It behaves exactly like returning Success(payload).
func Complete(payload interface{}) error { return &controlSignal{outcome: Success(payload)} }

// signalOutcome decodes an error produced by RetrySignal or Complete.
func signalOutcome(err error) (Outcome, bool) {
	var s *controlSignal
	if !errors.As(err, &s) {
		return Outcome{}, false
	}
	return s.outcome, true
}
