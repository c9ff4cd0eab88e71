package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/stepflow/workflow/emit"
)

// runEnv carries the per-run collaborators shared by the default loop and
// the Runner.
type runEnv struct {
	wf     *Workflow
	runID  string
	input  map[string]interface{}
	driver interface{}
	logger *zap.Logger
	events emit.Emitter
	state  *State
	start  time.Time
}

func (e *runEnv) retried(s *Step, reason string) {
	if e == nil {
		return
	}
	e.wf.metrics.IncrementRetries(e.wf.name, s.ID(), reason)
}

func (e *runEnv) emit(ev emit.Event) {
	ev.RunID = e.runID
	e.events.Emit(ev)
}

// runEmitter stamps events emitted by step code with the run id.
type runEmitter struct{ env *runEnv }

func (r runEmitter) Emit(ev emit.Event) { r.env.emit(ev) }

func (e *runEnv) stepContext() *StepContext {
	return &StepContext{
		Driver:  e.driver,
		Input:   e.input,
		Context: e.state.Context,
		Logger:  e.logger,
		Events:  runEmitter{env: e},
		RunID:   e.runID,
	}
}

// execStep runs the step at index i with events and metrics. The bool
// result reports a condition skip.
func (e *runEnv) execStep(ctx context.Context, i int) (Outcome, bool, *Error) {
	step := e.wf.steps[i]
	total := len(e.wf.steps)
	sc := e.stepContext()

	if !step.shouldRun(sc) {
		e.wf.metrics.RecordStep(e.wf.name, step.ID(), StepSkipped, 0)
		return Void(), true, nil
	}

	e.logger.Info("Executing step",
		zap.String("step", step.ID()),
		zap.Int("index", i),
		zap.Int("total", total),
	)
	e.emit(emit.StepStarted(step.ID(), step.Name(), i, total))

	start := time.Now()
	out, werr := step.execute(ctx, sc, e)
	d := time.Since(start)

	if werr != nil {
		e.logger.Error("Step failed",
			zap.String("step", step.ID()),
			zap.String("code", werr.Info().Code),
			zap.Duration("duration", d),
			zap.Error(werr),
		)
		e.emit(emit.StepFailed(step.ID(), step.Name(), i, total, d, werr))
		e.wf.metrics.RecordStep(e.wf.name, step.ID(), StepError, d)
		return out, false, werr
	}

	e.logger.Debug("Step completed",
		zap.String("step", step.ID()),
		zap.String("outcome", out.Kind().String()),
		zap.Duration("duration", d),
	)
	e.emit(emit.StepCompleted(step.ID(), step.Name(), i, total, d))
	e.emit(emit.Progress(float64(i+1), float64(total), fmt.Sprintf("Completed step %s", step.Name())))
	e.wf.metrics.RecordStep(e.wf.name, step.ID(), StepSuccess, d)
	return out, false, nil
}

// resolve maps a step id to its index.
func (e *runEnv) resolve(stepID, ref string) (int, error) {
	i, ok := e.wf.index[stepID]
	if !ok {
		return 0, &UnknownStepError{StepID: stepID, Ref: ref}
	}
	return i, nil
}

// recordResult stores a normal completion in the state.
func (e *runEnv) recordResult(i int, out Outcome) {
	step := e.wf.steps[i]
	rec := StepRecord{Status: StepSuccess}
	if out.Kind() == KindResult {
		res := out.StepResult()
		rec.Result = &res
	}
	e.state.record(step.ID(), rec)
	e.state.advance(step.ID(), i)
}

// applySuccess stores an early-success payload as the context data.
func (e *runEnv) applySuccess(payload interface{}) {
	if m, ok := payload.(map[string]interface{}); ok {
		e.state.Context.Data = m
	}
}

func (e *runEnv) guard(iterations, i int) error {
	if iterations < e.wf.maxIterations {
		return nil
	}
	e.logger.Error("Iteration limit reached", zap.Int("iterations", iterations))
	return &InfiniteLoopError{Iterations: iterations, StepID: e.wf.steps[i].ID()}
}

func (e *runEnv) finish(status Status) {
	e.wf.metrics.RunFinished(e.wf.name, status)
	typ := emit.TypeWorkflowCompleted
	if status != StatusSuccess {
		typ = emit.TypeWorkflowFailed
	}
	e.emit(emit.Event{
		Type:      typ,
		Timestamp: time.Now(),
		Meta: map[string]interface{}{
			"workflow":   e.wf.name,
			"durationMs": time.Since(e.start).Milliseconds(),
		},
	})
}
