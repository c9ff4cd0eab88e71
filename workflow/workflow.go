// Package workflow runs user-authored steps in sequence with runtime
// branching, bounded retries, early success and resumption from a saved
// state.
//
// A workflow is built once and run many times:
//
//	wf, err := workflow.New("checkout").
//		Input(workflow.AnyInput()).
//		Step(workflow.StepConfig{ID: "login", Execute: login}).
//		Step(workflow.StepConfig{ID: "pay", Execute: pay, Retries: 2}).
//		Build()
//	resp, err := wf.Run(ctx, input, driver, logger)
//
// Run returns a Go error only for programmer errors: invalid input, unknown
// step references and the iteration limit. Step failures are reported in
// the Response.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/stepflow/workflow/emit"
)

// DefaultMaxIterations bounds the number of step executions in one run.
const DefaultMaxIterations = 1000

// SuccessContext is passed to the workflow success handler.
type SuccessContext struct {
	Input         map[string]interface{}
	Context       *Context
	Logger        *zap.Logger
	Duration      time.Duration
	LastStepID    string
	LastStepIndex int
}

// SuccessHandler runs after the last step. A non-nil result replaces the
// context data. An error fails the run.
type SuccessHandler func(ctx context.Context, sc *SuccessContext) (interface{}, error)

// FailureContext is passed to the workflow error handler.
type FailureContext struct {
	Err   *Error
	Input map[string]interface{}

	Context *Context
	Logger  *zap.Logger

	// StepID and StepIndex identify the failing step.
	StepID    string
	StepIndex int
	State     *State
}

// FailureHandler may replace the default error response. A nil response
// keeps the default; a returned error is logged and the default is used.
type FailureHandler func(ctx context.Context, fc *FailureContext) (*Response, error)

// Workflow is an immutable, validated sequence of steps.
type Workflow struct {
	name        string
	description string
	version     string
	schema      InputSchema

	steps []*Step
	index map[string]int

	onSuccess SuccessHandler
	onError   FailureHandler

	emitter       emit.Emitter
	metrics       *Metrics
	maxIterations int
}

// Builder assembles a Workflow. Errors are collected and reported by Build.
type Builder struct {
	w    *Workflow
	errs []error
}

// New starts a workflow definition.
func New(name string) *Builder {
	return &Builder{w: &Workflow{
		name:          name,
		maxIterations: DefaultMaxIterations,
	}}
}

// Description sets the description shown in metadata.
func (b *Builder) Description(d string) *Builder { b.w.description = d; return b }

// Version sets the version shown in metadata.
func (b *Builder) Version(v string) *Builder { b.w.version = v; return b }

// Input sets the input schema. It is required.
func (b *Builder) Input(schema InputSchema) *Builder { b.w.schema = schema; return b }

// Step appends a step built from cfg.
func (b *Builder) Step(cfg StepConfig) *Builder {
	s, err := NewStep(cfg)
	if err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	b.w.steps = append(b.w.steps, s)
	return b
}

// Steps appends prebuilt steps.
func (b *Builder) Steps(steps ...*Step) *Builder {
	for _, s := range steps {
		if s == nil {
			b.errs = append(b.errs, &ConfigError{Reason: "nil step"})
			continue
		}
		b.w.steps = append(b.w.steps, s)
	}
	return b
}

// OnSuccess sets the workflow success handler.
func (b *Builder) OnSuccess(h SuccessHandler) *Builder { b.w.onSuccess = h; return b }

// OnError sets the workflow error handler. It is skipped for ranged and
// resumed runs.
func (b *Builder) OnError(h FailureHandler) *Builder { b.w.onError = h; return b }

// Emitter sets the default event sink. Runs may override it with WithEmitter.
func (b *Builder) Emitter(e emit.Emitter) *Builder { b.w.emitter = e; return b }

// Metrics enables Prometheus metrics.
func (b *Builder) Metrics(m *Metrics) *Builder { b.w.metrics = m; return b }

// MaxIterations overrides DefaultMaxIterations.
func (b *Builder) MaxIterations(n int) *Builder { b.w.maxIterations = n; return b }

// Build validates the definition.
func (b *Builder) Build() (*Workflow, error) {
	w := b.w
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if w.name == "" {
		return nil, &ConfigError{Reason: "workflow name is required"}
	}
	if w.schema == nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("workflow %q has no input schema", w.name)}
	}
	if len(w.steps) == 0 {
		return nil, &ConfigError{Reason: fmt.Sprintf("workflow %q has no steps", w.name)}
	}
	if w.maxIterations <= 0 {
		return nil, &ConfigError{Reason: "max iterations must be positive"}
	}

	w.index = make(map[string]int, len(w.steps))
	for i, s := range w.steps {
		if _, dup := w.index[s.ID()]; dup {
			return nil, &ConfigError{StepID: s.ID(), Reason: "duplicate step id"}
		}
		w.index[s.ID()] = i
	}
	for _, s := range w.steps {
		if next := s.cfg.Next; next != "" {
			if _, ok := w.index[next]; !ok {
				return nil, &UnknownStepError{StepID: next, Ref: fmt.Sprintf("step %q next", s.ID())}
			}
		}
	}
	if w.emitter == nil {
		w.emitter = emit.NewNullEmitter()
	}
	return w, nil
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Steps returns the steps in order.
func (w *Workflow) Steps() []*Step {
	out := make([]*Step, len(w.steps))
	copy(out, w.steps)
	return out
}

// StepIndex returns the index of a step id.
func (w *Workflow) StepIndex(id string) (int, bool) {
	i, ok := w.index[id]
	return i, ok
}

// RunOption configures a single run.
type RunOption func(*runOptions)

type runOptions struct {
	startFrom   string
	endAt       string
	restored    *State
	hasRestored bool
	startIndex  *int
	runID       string
	emitter     emit.Emitter
}

func (o runOptions) ranged() bool {
	return o.startFrom != "" || o.endAt != "" || o.hasRestored || o.startIndex != nil
}

func startAtIndex(i int) RunOption {
	return func(o *runOptions) { o.startIndex = &i }
}

// WithStartFromStep starts the run at stepID.
func WithStartFromStep(stepID string) RunOption {
	return func(o *runOptions) { o.startFrom = stepID }
}

// WithEndAtStep stops the run after stepID.
func WithEndAtStep(stepID string) RunOption {
	return func(o *runOptions) { o.endAt = stepID }
}

// WithRestoredState continues from a saved state. A nil or partial state
// is accepted. s itself is not modified, but the run writes into the maps
// it holds; restore a Clone to keep the saved state intact.
func WithRestoredState(s *State) RunOption {
	return func(o *runOptions) {
		o.restored = s
		o.hasRestored = true
	}
}

// WithRunID sets the run id used in events and logs. Defaults to a UUID.
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// WithEmitter overrides the workflow's event sink for this run.
func WithEmitter(e emit.Emitter) RunOption {
	return func(o *runOptions) { o.emitter = e }
}

// ResumeOptions returns the options that continue a run after the last
// completed step recorded in state. When that step was the final one the
// resumed run executes nothing and succeeds with the restored state.
func (w *Workflow) ResumeOptions(state *State) []RunOption {
	opts := []RunOption{WithRestoredState(state)}
	if state == nil || state.LastStepIndex < 0 {
		return opts
	}
	next := state.LastStepIndex + 1
	if next < len(w.steps) {
		return append(opts, WithStartFromStep(w.steps[next].ID()))
	}
	return append(opts, startAtIndex(len(w.steps)))
}

func (w *Workflow) newEnv(input map[string]interface{}, driver interface{}, logger *zap.Logger, o runOptions) *runEnv {
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := o.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	events := o.emitter
	if events == nil {
		events = w.emitter
	}
	return &runEnv{
		wf:     w,
		runID:  runID,
		input:  input,
		driver: driver,
		logger: logger.With(zap.String("workflow", w.name), zap.String("run_id", runID)),
		events: events,
		start:  time.Now(),
	}
}

// Run validates input and executes the workflow.
//
// With WithStartFromStep, WithEndAtStep or WithRestoredState the run is
// delegated to a Runner and the workflow error handler is skipped.
func (w *Workflow) Run(ctx context.Context, input interface{}, driver interface{}, logger *zap.Logger, opts ...RunOption) (*Response, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	vars, err := w.schema.SafeParse(input)
	if err != nil {
		return nil, &ValidationError{Workflow: w.name, Err: err}
	}

	env := w.newEnv(vars, driver, logger, o)

	if o.ranged() {
		r := newRunner(w, env, RunnerOptions{
			StartFromStep: o.startFrom,
			EndAtStep:     o.endAt,
			RestoredState: o.restored,
		})
		r.startIndex = o.startIndex
		res, err := r.Run(ctx)
		if err != nil {
			return nil, err
		}
		return res.Response(), nil
	}

	env.state = newState(vars)
	return w.runAll(ctx, env)
}

// runAll is the default loop over every step.
func (w *Workflow) runAll(ctx context.Context, env *runEnv) (*Response, error) {
	state := env.state
	w.metrics.RunStarted()
	env.logger.Info("Workflow started", zap.Int("steps", len(w.steps)))
	env.emit(emit.Event{Type: emit.TypeWorkflowStarted, Timestamp: env.start, Meta: map[string]interface{}{"workflow": w.name}})

	i, iterations := 0, 0
	for i < len(w.steps) {
		if err := env.guard(iterations, i); err != nil {
			env.finish(StatusError)
			return nil, err
		}
		iterations++

		step := w.steps[i]
		out, skipped, werr := env.execStep(ctx, i)
		if werr != nil {
			state.record(step.ID(), StepRecord{Status: StepError, Error: werr.Error()})
			return w.fail(ctx, env, werr, i), nil
		}
		if skipped {
			state.record(step.ID(), StepRecord{Status: StepSkipped})
			i++
			continue
		}

		switch out.Kind() {
		case KindSuccess:
			state.record(step.ID(), StepRecord{Status: StepSuccess})
			state.advance(step.ID(), i)
			env.applySuccess(out.Payload())
			env.logger.Info("Workflow completed early", zap.String("step", step.ID()))
			env.finish(StatusSuccess)
			return &Response{
				Status:        StatusSuccess,
				Message:       fmt.Sprintf("Workflow completed early at step %s", step.Name()),
				Data:          out.Payload(),
				LastStepID:    step.ID(),
				LastStepIndex: i,
				State:         state,
			}, nil

		case KindNext:
			target, err := env.resolve(out.Target(), fmt.Sprintf("step %q next()", step.ID()))
			if err != nil {
				env.finish(StatusError)
				return nil, err
			}
			state.record(step.ID(), StepRecord{Status: StepSuccess})
			state.advance(step.ID(), i)
			env.logger.Info("Jumping to step", zap.String("from", step.ID()), zap.String("to", out.Target()))
			i = target

		default:
			env.recordResult(i, out)
			if next := step.next(env.input, state.Context); next != "" {
				target, err := env.resolve(next, fmt.Sprintf("step %q next", step.ID()))
				if err != nil {
					env.finish(StatusError)
					return nil, err
				}
				i = target
				continue
			}
			i++
		}
	}

	return w.succeed(ctx, env)
}

func (w *Workflow) succeed(ctx context.Context, env *runEnv) (*Response, error) {
	state := env.state
	var data interface{} = state.Context.Data
	if w.onSuccess != nil {
		result, err := w.onSuccess(ctx, &SuccessContext{
			Input:         env.input,
			Context:       state.Context,
			Logger:        env.logger,
			Duration:      time.Since(env.start),
			LastStepID:    state.LastStepID,
			LastStepIndex: state.LastStepIndex,
		})
		if err != nil {
			werr := asError(err)
			if !werr.recoverableSet() {
				werr.WithRecoverable(false)
			}
			return w.fail(ctx, env, werr, state.LastStepIndex), nil
		}
		if result != nil {
			data = result
			if m, ok := result.(map[string]interface{}); ok {
				state.Context.Data = m
			}
		}
	}

	env.logger.Info("Workflow completed", zap.Duration("duration", time.Since(env.start)))
	env.finish(StatusSuccess)
	return &Response{
		Status:        StatusSuccess,
		Message:       fmt.Sprintf("Workflow %s completed", w.name),
		Data:          data,
		LastStepID:    state.LastStepID,
		LastStepIndex: state.LastStepIndex,
		State:         state,
	}, nil
}

// fail builds the error response, letting the error handler override it.
func (w *Workflow) fail(ctx context.Context, env *runEnv, werr *Error, index int) *Response {
	env.finish(StatusError)
	state := env.state

	if w.onError != nil {
		fc := &FailureContext{
			Err:       werr,
			Input:     env.input,
			Context:   state.Context,
			Logger:    env.logger,
			StepIndex: index,
			State:     state,
		}
		if index >= 0 && index < len(w.steps) {
			fc.StepID = w.steps[index].ID()
		}
		resp, err := w.onError(ctx, fc)
		if err != nil {
			env.logger.Error("Workflow error handler failed", zap.Error(err))
		} else if resp != nil {
			return resp
		}
	}

	return errorResponse(state, werr)
}

func errorResponse(state *State, werr *Error) *Response {
	return &Response{
		Status:        StatusError,
		Message:       werr.Error(),
		Error:         werr.Info(),
		Data:          state.Context.Data,
		LastStepID:    state.LastStepID,
		LastStepIndex: state.LastStepIndex,
		State:         state,
	}
}
