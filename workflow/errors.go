package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Category classifies a step failure for callers and dashboards.
type Category string

const (
	CategoryBusiness    Category = "business"
	CategoryTimeout     Category = "timeout"
	CategoryExpectation Category = "expectation"
	CategoryRetry       Category = "retry"
	CategoryInternal    Category = "internal"
)

// Error codes set by the engine. User code may use any other code.
const (
	CodeStepFailed         = "STEP_FAILED"
	CodeStepTimeout        = "STEP_TIMEOUT"
	CodeExpectationFailed  = "EXPECTATION_FAILED"
	CodeMaxRetriesExceeded = "MAX_RETRIES_EXCEEDED"
	CodeCanceled           = "CANCELED"
)

// Error is a step failure. Steps may return one directly to control the
// category, code, recoverability and metadata seen by the caller; any other
// error returned by a step is wrapped into one.
//
// Errors are matched by code, so errors.Is(err, ErrStepTimeout) reports
// whether err is a step timeout regardless of its message.
type Error struct {
	Category Category
	Code     string
	Message  string
	Metadata map[string]interface{}

	// Populated by the engine when the error leaves a step.
	StepID    string
	StepName  string
	Attempt   int
	Duration  time.Duration
	Timestamp time.Time

	Cause error

	recoverable *bool
}

// Sentinel errors for errors.Is matching.
var (
	ErrStepTimeout        = &Error{Category: CategoryTimeout, Code: CodeStepTimeout, Message: "step timeout"}
	ErrExpectationFailed  = &Error{Category: CategoryExpectation, Code: CodeExpectationFailed, Message: "expectation failed"}
	ErrMaxRetriesExceeded = &Error{Category: CategoryRetry, Code: CodeMaxRetriesExceeded, Message: "max retries exceeded"}
)

// NewError creates a business error with a code.
func NewError(code, message string) *Error {
	return &Error{Category: CategoryBusiness, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Message == "" && e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same non-empty code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Code == "" {
		return false
	}
	return t.Code == e.Code
}

// Recoverable reports whether the error may be absorbed by recovery.
// Errors are recoverable until marked otherwise.
func (e *Error) Recoverable() bool {
	return e.recoverable == nil || *e.recoverable
}

// WithRecoverable sets recoverability and returns e.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.recoverable = &recoverable
	return e
}

// WithMeta adds a metadata entry and returns e.
func (e *Error) WithMeta(key string, value interface{}) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithCategory sets the category and returns e.
func (e *Error) WithCategory(c Category) *Error {
	e.Category = c
	return e
}

func (e *Error) recoverableSet() bool {
	return e.recoverable != nil
}

// Info converts the error into its response form.
func (e *Error) Info() *ErrorInfo {
	code := e.Code
	if code == "" {
		code = CodeStepFailed
	}
	category := e.Category
	if category == "" {
		category = CategoryBusiness
	}
	return &ErrorInfo{
		Category:    category,
		Code:        code,
		Message:     e.Error(),
		Recoverable: e.Recoverable(),
		Metadata:    e.Metadata,
	}
}

// asError returns err as an *Error, wrapping it when needed. The returned
// pointer is shared with err when err already wraps an *Error so that
// annotations survive across attempts.
func asError(err error) *Error {
	var we *Error
	if errors.As(err, &we) && we != ErrStepTimeout && we != ErrExpectationFailed && we != ErrMaxRetriesExceeded {
		return we
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return (&Error{Category: CategoryInternal, Code: CodeCanceled, Message: err.Error(), Cause: err}).WithRecoverable(false)
	}
	return &Error{Category: CategoryBusiness, Message: err.Error(), Cause: err}
}

// annotate attaches step metadata once. Later attempts only update Attempt.
func (e *Error) annotate(s *Step, attempt int, d time.Duration) {
	e.Attempt = attempt
	if e.StepID != "" {
		return
	}
	e.StepID = s.cfg.ID
	e.StepName = s.cfg.Name
	e.Duration = d
	e.Timestamp = time.Now()
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	for k, v := range map[string]interface{}{
		"step":      s.cfg.Name,
		"stepId":    s.cfg.ID,
		"duration":  d.Milliseconds(),
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
	} {
		if _, ok := e.Metadata[k]; !ok {
			e.Metadata[k] = v
		}
	}
}

func timeoutError(d time.Duration) *Error {
	return &Error{
		Category: CategoryTimeout,
		Code:     CodeStepTimeout,
		Message:  fmt.Sprintf("Step timeout after %dms", d.Milliseconds()),
	}
}

func expectationError(err error) *Error {
	return &Error{
		Category: CategoryExpectation,
		Code:     CodeExpectationFailed,
		Message:  "Expectation failed: " + err.Error(),
		Cause:    err,
	}
}

// Programmer errors. These are returned from Run as the error value and are
// never converted into a Response.
var (
	ErrValidation   = errors.New("workflow: invalid input")
	ErrUnknownStep  = errors.New("workflow: unknown step")
	ErrInfiniteLoop = errors.New("workflow: possible infinite loop")
	ErrInvalidStep  = errors.New("workflow: invalid step configuration")
)

// ValidationError reports input that failed the workflow's input schema.
type ValidationError struct {
	Workflow string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow %q: input validation failed: %v", e.Workflow, e.Err)
}

func (e *ValidationError) Unwrap() []error { return []error{ErrValidation, e.Err} }

// UnknownStepError reports a reference to a step id that does not exist.
type UnknownStepError struct {
	StepID string
	// Ref describes where the reference came from, e.g. "next" or "startFromStep".
	Ref string
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("workflow: %s references unknown step %q", e.Ref, e.StepID)
}

func (e *UnknownStepError) Unwrap() error { return ErrUnknownStep }

// InfiniteLoopError reports a run that reached the iteration limit.
type InfiniteLoopError struct {
	Iterations int
	StepID     string
}

func (e *InfiniteLoopError) Error() string {
	return fmt.Sprintf("workflow: possible infinite loop: %d iterations reached at step %q", e.Iterations, e.StepID)
}

func (e *InfiniteLoopError) Unwrap() error { return ErrInfiniteLoop }

// ConfigError reports an invalid step or workflow definition.
type ConfigError struct {
	StepID string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("workflow: step %q: %s", e.StepID, e.Reason)
	}
	return "workflow: " + e.Reason
}

func (e *ConfigError) Unwrap() error { return ErrInvalidStep }
