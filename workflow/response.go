package workflow

import (
	"encoding/json"
	"io"
)

// Status is the final status of a run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// ErrorInfo is the structured error carried by an error Response.
type ErrorInfo struct {
	Category    Category               `json:"category"`
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Recoverable bool                   `json:"recoverable"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Response is the single result of a run. Business failures are reported
// here with StatusError; Run only returns a Go error for programmer errors.
type Response struct {
	Status  Status      `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`

	LastStepID    string `json:"lastStepId,omitempty"`
	LastStepIndex int    `json:"lastStepIndex"`

	// State is the snapshot to persist for resumption.
	State *State `json:"state,omitempty"`
}

// OK reports whether the run succeeded.
func (r *Response) OK() bool { return r != nil && r.Status == StatusSuccess }

// ResultEnvelope is the machine-readable line a workflow process prints on
// stdout when it finishes.
type ResultEnvelope struct {
	Metadata Metadata       `json:"metadata"`
	Result   EnvelopeResult `json:"result"`
	State    *State         `json:"state"`
}

// EnvelopeResult is the result section of a ResultEnvelope.
type EnvelopeResult struct {
	Status        Status      `json:"status"`
	Message       string      `json:"message,omitempty"`
	Data          interface{} `json:"data"`
	Error         string      `json:"error,omitempty"`
	LastStepID    string      `json:"last_step_id,omitempty"`
	LastStepIndex *int        `json:"last_step_index,omitempty"`
}

// Envelope wraps resp with the workflow metadata.
func (w *Workflow) Envelope(resp *Response) ResultEnvelope {
	env := ResultEnvelope{
		Metadata: w.Metadata(),
		Result: EnvelopeResult{
			Status:     resp.Status,
			Message:    resp.Message,
			Data:       resp.Data,
			LastStepID: resp.LastStepID,
		},
		State: resp.State,
	}
	if resp.LastStepIndex >= 0 {
		idx := resp.LastStepIndex
		env.Result.LastStepIndex = &idx
	}
	if resp.Error != nil {
		env.Result.Error = resp.Error.Message
	}
	return env
}

// WriteResult writes the envelope for resp to out as a single JSON line.
func (w *Workflow) WriteResult(out io.Writer, resp *Response) error {
	line, err := json.Marshal(w.Envelope(resp))
	if err != nil {
		return err
	}
	_, err = out.Write(append(line, '\n'))
	return err
}
