package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dshills/stepflow/workflow/emit"
)

// RunnerOptions selects the window of steps a Runner executes and the state
// it starts from.
type RunnerOptions struct {
	// StartFromStep is the first step to run. Empty means the first step.
	StartFromStep string
	// EndAtStep is the last step to run, inclusive. Empty means the last step.
	EndAtStep string
	// RestoredState is a previously saved state. Nil or partial states are
	// filled with empty containers.
	RestoredState *State
}

// RunResult is the outcome of a Runner.
type RunResult struct {
	Status        Status
	Message       string
	Data          interface{}
	Err           *Error
	LastStepID    string
	LastStepIndex int
	State         *State
}

// Response converts the result into a workflow Response.
func (r *RunResult) Response() *Response {
	resp := &Response{
		Status:        r.Status,
		Message:       r.Message,
		Data:          r.Data,
		LastStepID:    r.LastStepID,
		LastStepIndex: r.LastStepIndex,
		State:         r.State,
	}
	if r.Err != nil {
		resp.Error = r.Err.Info()
	}
	return resp
}

// Runner executes a window of a workflow's steps, optionally resuming from a
// saved state. It never persists anything; callers save State() themselves.
//
// Next outcomes that point outside the window are logged and ignored so a
// resumed run never escapes its window. The workflow error and success
// handlers are not called.
type Runner struct {
	wf         *Workflow
	env        *runEnv
	opts       RunnerOptions
	startIndex *int
}

// NewRunner creates a runner for w. Input is used as the context variables
// when the restored state carries none; it is not validated again.
func NewRunner(w *Workflow, input map[string]interface{}, driver interface{}, logger *zap.Logger, opts RunnerOptions, runOpts ...RunOption) *Runner {
	var o runOptions
	for _, opt := range runOpts {
		opt(&o)
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	return newRunner(w, w.newEnv(input, driver, logger, o), opts)
}

func newRunner(w *Workflow, env *runEnv, opts RunnerOptions) *Runner {
	env.state = rehydrate(opts.RestoredState, env.input)
	return &Runner{wf: w, env: env, opts: opts}
}

// State returns the run state. It is live and changes while Run executes.
func (r *Runner) State() *State {
	return r.env.state
}

func (r *Runner) bounds() (int, int, error) {
	start, end := 0, len(r.wf.steps)-1
	if r.startIndex != nil {
		start = *r.startIndex
	}
	if r.opts.StartFromStep != "" {
		i, err := r.env.resolve(r.opts.StartFromStep, "startFromStep")
		if err != nil {
			return 0, 0, err
		}
		start = i
	}
	if r.opts.EndAtStep != "" {
		i, err := r.env.resolve(r.opts.EndAtStep, "endAtStep")
		if err != nil {
			return 0, 0, err
		}
		end = i
	}
	return start, end, nil
}

// Run executes the window. It returns an error only for unknown step ids
// and the iteration limit.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	start, end, err := r.bounds()
	if err != nil {
		return nil, err
	}

	env, state := r.env, r.env.state
	r.wf.metrics.RunStarted()
	env.logger.Info("Runner started",
		zap.Int("start", start),
		zap.Int("end", end),
		zap.Int("last_step_index", state.LastStepIndex),
	)
	env.emit(emit.Event{
		Type:      emit.TypeWorkflowStarted,
		Timestamp: env.start,
		Meta:      map[string]interface{}{"workflow": r.wf.name, "start": start, "end": end},
	})

	i, iterations := start, 0
	for i <= end {
		if err := env.guard(iterations, i); err != nil {
			env.finish(StatusError)
			return nil, err
		}
		iterations++

		step := r.wf.steps[i]
		out, skipped, werr := env.execStep(ctx, i)
		if werr != nil {
			state.record(step.ID(), StepRecord{Status: StepError, Error: werr.Error()})
			env.finish(StatusError)
			return &RunResult{
				Status:        StatusError,
				Message:       werr.Error(),
				Data:          state.Context.Data,
				Err:           werr,
				LastStepID:    state.LastStepID,
				LastStepIndex: state.LastStepIndex,
				State:         state,
			}, nil
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
			env.finish(StatusSuccess)
			return &RunResult{
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
			if target < start || target > end {
				env.logger.Warn("Ignoring jump outside of the step window",
					zap.String("from", step.ID()),
					zap.String("to", out.Target()),
				)
				env.recordResult(i, out)
				i++
				continue
			}
			// The redirecting step gets no step result, only the position.
			state.advance(step.ID(), i)
			i = target

		default:
			env.recordResult(i, out)
			next := step.next(env.input, state.Context)
			if next == "" {
				i++
				continue
			}
			target, err := env.resolve(next, fmt.Sprintf("step %q next", step.ID()))
			if err != nil {
				env.finish(StatusError)
				return nil, err
			}
			if target < start || target > end {
				env.logger.Warn("Ignoring branch outside of the step window",
					zap.String("from", step.ID()),
					zap.String("to", next),
				)
				i++
				continue
			}
			i = target
		}
	}

	env.finish(StatusSuccess)
	return &RunResult{
		Status:        StatusSuccess,
		Message:       r.message(start, end),
		Data:          state.Context.Data,
		LastStepID:    state.LastStepID,
		LastStepIndex: state.LastStepIndex,
		State:         state,
	}, nil
}

func (r *Runner) message(start, end int) string {
	if start > end || start >= len(r.wf.steps) {
		return "No steps to execute"
	}
	return fmt.Sprintf("Executed steps %s to %s", r.wf.steps[start].ID(), r.wf.steps[end].ID())
}
