package emit

import (
	"encoding/json"
	"time"
)

// Event types understood by the host that reads the event pipe.
const (
	TypeProgress          = "progress"
	TypeStepStarted       = "step_started"
	TypeStepCompleted     = "step_completed"
	TypeStepFailed        = "step_failed"
	TypeScreenshot        = "screenshot"
	TypeData              = "data"
	TypeStatus            = "status"
	TypeLog               = "log"
	TypeWorkflowStarted   = "workflow_started"
	TypeWorkflowCompleted = "workflow_completed"
	TypeWorkflowFailed    = "workflow_failed"
)

// Event represents an observability event emitted during workflow execution.
//
// Step lifecycle events carry the step identity and position. Every other
// event type keeps its payload in Meta, which is flattened into the wire
// object by MarshalJSON.
type Event struct {
	// Type is one of the Type* constants.
	Type string

	// Timestamp defaults to the emission time when zero.
	Timestamp time.Time

	// RunID identifies the workflow execution that emitted this event.
	// It is not part of the wire format.
	RunID string

	// StepID and StepName identify the step for step_* events.
	StepID   string
	StepName string

	// StepIndex is the zero-based position of the step; TotalSteps the
	// number of steps in the workflow.
	StepIndex  int
	TotalSteps int

	// Duration of the step for step_completed and step_failed.
	Duration time.Duration

	// Error message for step_failed and workflow_failed.
	Error string

	// Meta contains type-specific fields, for example "current" and
	// "total" for progress or "key" and "value" for data.
	Meta map[string]interface{}
}

// IsStepEvent reports whether the event describes a step lifecycle transition.
func (e Event) IsStepEvent() bool {
	switch e.Type {
	case TypeStepStarted, TypeStepCompleted, TypeStepFailed:
		return true
	}
	return false
}

// MarshalJSON encodes the event in the pipe wire format:
// {"__mcp_event__":true,"type":...,"timestamp":...,<fields>}.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Meta)+8)
	for k, v := range e.Meta {
		out[k] = v
	}

	out["__mcp_event__"] = true
	out["type"] = e.Type
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	out["timestamp"] = ts.UTC().Format(time.RFC3339Nano)

	if e.IsStepEvent() {
		out["stepId"] = e.StepID
		out["stepName"] = e.StepName
		out["stepIndex"] = e.StepIndex
		out["totalSteps"] = e.TotalSteps
		if e.Type != TypeStepStarted {
			out["duration"] = e.Duration.Milliseconds()
		}
	}
	if e.Error != "" {
		out["error"] = e.Error
	}

	return json.Marshal(out)
}

// Progress builds a progress event. A zero total is omitted.
func Progress(current, total float64, message string) Event {
	meta := map[string]interface{}{"current": current}
	if total > 0 {
		meta["total"] = total
	}
	if message != "" {
		meta["message"] = message
	}
	return Event{Type: TypeProgress, Timestamp: time.Now(), Meta: meta}
}

// StepStarted builds a step_started event.
func StepStarted(stepID, stepName string, index, total int) Event {
	return Event{
		Type:       TypeStepStarted,
		Timestamp:  time.Now(),
		StepID:     stepID,
		StepName:   stepName,
		StepIndex:  index,
		TotalSteps: total,
	}
}

// StepCompleted builds a step_completed event.
func StepCompleted(stepID, stepName string, index, total int, d time.Duration) Event {
	ev := StepStarted(stepID, stepName, index, total)
	ev.Type = TypeStepCompleted
	ev.Duration = d
	return ev
}

// StepFailed builds a step_failed event.
func StepFailed(stepID, stepName string, index, total int, d time.Duration, err error) Event {
	ev := StepStarted(stepID, stepName, index, total)
	ev.Type = TypeStepFailed
	ev.Duration = d
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// Screenshot builds a screenshot event. Either path or b64 should be set.
func Screenshot(path, b64, annotation, element string) Event {
	meta := map[string]interface{}{}
	for k, v := range map[string]string{
		"path":       path,
		"base64":     b64,
		"annotation": annotation,
		"element":    element,
	} {
		if v != "" {
			meta[k] = v
		}
	}
	return Event{Type: TypeScreenshot, Timestamp: time.Now(), Meta: meta}
}

// Data builds a custom key/value data event.
func Data(key string, value interface{}) Event {
	return Event{
		Type:      TypeData,
		Timestamp: time.Now(),
		Meta:      map[string]interface{}{"key": key, "value": value},
	}
}

// Status builds an overlay status event. The host reads the text from
// "message", the display time from "duration" and the placement from
// "element".
func Status(text string, duration time.Duration, position string) Event {
	meta := map[string]interface{}{"message": text}
	if duration > 0 {
		meta["duration"] = duration.Milliseconds()
	}
	if position != "" {
		meta["element"] = position
	}
	return Event{Type: TypeStatus, Timestamp: time.Now(), Meta: meta}
}

// Log builds a log event, used when log lines are forwarded over the event
// channel instead of the log channel.
func Log(level, message string, data interface{}) Event {
	meta := map[string]interface{}{"level": level, "message": message}
	if data != nil {
		meta["data"] = data
	}
	return Event{Type: TypeLog, Timestamp: time.Now(), Meta: meta}
}
