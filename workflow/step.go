package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/stepflow/workflow/emit"
)

const (
	// DefaultRetryDelay is the base backoff delay when Retries is set
	// without RetryDelay.
	DefaultRetryDelay = time.Second

	// DefaultMaxRetrySignals bounds Retry outcomes for steps that do not
	// configure Retries or MaxRetrySignals.
	DefaultMaxRetrySignals = 100
)

// ExecuteFunc is the body of a step.
type ExecuteFunc func(ctx context.Context, sc *StepContext) (Outcome, error)

// ConditionFunc decides whether a step runs. Returning false skips it.
type ConditionFunc func(input map[string]interface{}, wc *Context) bool

// ExpectFunc checks the data a step produced. A non-nil error fails the
// step with "Expectation failed: <message>".
type ExpectFunc func(data interface{}, wc *Context) error

// NextFunc picks the step to continue with after a normal completion.
// An empty return continues with the following step.
type NextFunc func(input map[string]interface{}, wc *Context) string

// ErrorHandler recovers from a step failure. Returning nil, or a Recovery
// with Recoverable set, marks the failure handled; the step then resolves
// with the outcome of the handler's last successful Retry call, or Void.
type ErrorHandler func(ctx context.Context, ec *ErrorContext) *Recovery

// Recovery is the verdict of an ErrorHandler.
type Recovery struct {
	Recoverable bool
	// Reason becomes the error code when the error has none.
	Reason string
}

// Fail returns a Recovery that rethrows the error as non-recoverable.
func Fail(reason string) *Recovery {
	return &Recovery{Recoverable: false, Reason: reason}
}

// StepContext is passed to every step invocation.
type StepContext struct {
	// Driver is the automation handle. The engine never inspects it.
	Driver interface{}
	// Input holds the validated workflow input.
	Input   map[string]interface{}
	Context *Context
	Logger  *zap.Logger
	// Events reports progress to the host. Never nil during a run.
	Events emit.Emitter

	RunID  string
	StepID string
	// Attempt is zero on the first invocation and counts every re-run.
	Attempt int
}

func (sc *StepContext) logger() *zap.Logger {
	if sc.Logger == nil {
		return zap.NewNop()
	}
	return sc.Logger
}

// ErrorContext is passed to a step's ErrorHandler.
type ErrorContext struct {
	Err     *Error
	Driver  interface{}
	Input   map[string]interface{}
	Context *Context
	Logger  *zap.Logger
	Attempt int

	retry func(ctx context.Context) (Outcome, error)
}

// Retry runs the step once more, including its own retry signals, and
// returns the result. Calls are bounded by the step's retry limit; past it
// Retry returns an error matching ErrMaxRetriesExceeded.
func (ec *ErrorContext) Retry(ctx context.Context) (Outcome, error) {
	return ec.retry(ctx)
}

// StepConfig defines a step. It is copied by NewStep and immutable after.
type StepConfig struct {
	ID          string
	Name        string
	Description string

	Execute   ExecuteFunc
	OnError   ErrorHandler
	Expect    ExpectFunc
	Condition ConditionFunc

	// Retries re-runs a failing step up to Retries times with exponential
	// backoff RetryDelay*2^attempt, capped at RetryMaxDelay when set. It is
	// ignored when OnError is set. Retry outcomes consume the same budget.
	Retries       int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// MaxRetrySignals bounds immediate re-runs requested by Retry outcomes
	// when Retries is not set. Zero means DefaultMaxRetrySignals. Setting
	// both Retries and MaxRetrySignals is rejected.
	MaxRetrySignals int

	// Timeout bounds each invocation of Execute. Zero means no limit. A
	// timed out body is abandoned, not stopped; it should watch ctx.
	Timeout time.Duration

	// Next or NextFunc jump to another step after a normal completion.
	// A Next outcome returned by Execute takes precedence.
	Next     string
	NextFunc NextFunc
}

// Step is a validated, immutable step definition.
type Step struct {
	cfg StepConfig
}

// NewStep validates cfg and returns a Step.
func NewStep(cfg StepConfig) (*Step, error) {
	switch {
	case cfg.ID == "":
		return nil, &ConfigError{Reason: "step id is required"}
	case cfg.Execute == nil:
		return nil, &ConfigError{StepID: cfg.ID, Reason: "execute function is required"}
	case cfg.Retries < 0 || cfg.MaxRetrySignals < 0:
		return nil, &ConfigError{StepID: cfg.ID, Reason: "retry limits must not be negative"}
	case cfg.Retries > 0 && cfg.MaxRetrySignals > 0:
		return nil, &ConfigError{StepID: cfg.ID, Reason: "retries and maxRetrySignals are mutually exclusive"}
	case cfg.Next != "" && cfg.NextFunc != nil:
		return nil, &ConfigError{StepID: cfg.ID, Reason: "next and nextFunc are mutually exclusive"}
	case cfg.Timeout < 0 || cfg.RetryDelay < 0:
		return nil, &ConfigError{StepID: cfg.ID, Reason: "durations must not be negative"}
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.Retries > 0 && cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Step{cfg: cfg}, nil
}

// MustStep is like NewStep but panics on an invalid configuration.
func MustStep(cfg StepConfig) *Step {
	s, err := NewStep(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// ID returns the step id.
func (s *Step) ID() string { return s.cfg.ID }

// Name returns the display name.
func (s *Step) Name() string { return s.cfg.Name }

// Config returns a copy of the step configuration.
func (s *Step) Config() StepConfig { return s.cfg }

// next resolves the declarative branch target, or "" to fall through.
func (s *Step) next(input map[string]interface{}, wc *Context) string {
	if s.cfg.NextFunc != nil {
		return s.cfg.NextFunc(input, wc)
	}
	return s.cfg.Next
}

// retryLimit is the budget shared by Retry outcomes and handler retries.
func (s *Step) retryLimit() int {
	switch {
	case s.cfg.Retries > 0:
		return s.cfg.Retries
	case s.cfg.MaxRetrySignals > 0:
		return s.cfg.MaxRetrySignals
	default:
		return DefaultMaxRetrySignals
	}
}

// Run executes the step outside a workflow. A skipped step returns Void.
func (s *Step) Run(ctx context.Context, sc *StepContext) (Outcome, error) {
	if !s.shouldRun(sc) {
		return Void(), nil
	}
	out, err := s.execute(ctx, sc, nil)
	if err != nil {
		return out, err
	}
	return out, nil
}

// shouldRun evaluates the step condition.
func (s *Step) shouldRun(sc *StepContext) bool {
	if s.cfg.Condition == nil {
		return true
	}
	if sc.Context == nil {
		sc.Context = NewContext(sc.Input)
	}
	if s.cfg.Condition(sc.Input, sc.Context) {
		return true
	}
	sc.logger().Info("Skipping step, condition not met", zap.String("step", s.cfg.ID))
	return false
}

// attempts tracks re-runs across the retry loop and handler retries.
type attempts struct {
	invocations int
	retries     int
}

// execute runs the step with retries and recovery, without checking its
// condition. A returned error is always non-recoverable.
func (s *Step) execute(ctx context.Context, sc *StepContext, env *runEnv) (Outcome, *Error) {
	if sc.Context == nil {
		sc.Context = NewContext(sc.Input)
	}
	if sc.Events == nil {
		sc.Events = emit.NewNullEmitter()
	}
	sc.StepID = s.cfg.ID
	logger := sc.logger().With(zap.String("step", s.cfg.ID))

	att := &attempts{}
	out, werr := s.attemptLoop(ctx, sc, att, env, logger)
	if werr == nil {
		return out, nil
	}

	if s.cfg.OnError == nil || ctx.Err() != nil || errors.Is(werr, ErrMaxRetriesExceeded) {
		if !werr.recoverableSet() {
			werr.WithRecoverable(false)
		}
		return Void(), werr
	}

	var last Outcome
	ec := &ErrorContext{
		Err:     werr,
		Driver:  sc.Driver,
		Input:   sc.Input,
		Context: sc.Context,
		Logger:  logger,
		Attempt: werr.Attempt,
	}
	ec.retry = func(ctx context.Context) (Outcome, error) {
		if att.retries >= s.retryLimit() {
			ec.Err = s.exhausted(att)
			return Void(), ec.Err
		}
		att.retries++
		env.retried(s, "handler")
		out, rerr := s.attemptLoop(ctx, sc, att, env, logger)
		if rerr != nil {
			ec.Err = rerr
			ec.Attempt = rerr.Attempt
			return Void(), rerr
		}
		last = out
		return out, nil
	}

	logger.Warn("Step failed, invoking error handler",
		zap.Error(werr),
		zap.Int("attempt", werr.Attempt),
	)
	rec := s.cfg.OnError(ctx, ec)
	if rec != nil && !rec.Recoverable {
		final := ec.Err
		final.WithRecoverable(false)
		if final.Code == "" && rec.Reason != "" {
			final.Code = rec.Reason
		}
		return Void(), final
	}

	logger.Info("Step error handled", zap.String("resolved", last.Kind().String()))
	return last, nil
}

// attemptLoop invokes the step until it produces a non-retry outcome, the
// retry budget runs out, or it fails without a configured retry.
func (s *Step) attemptLoop(ctx context.Context, sc *StepContext, att *attempts, env *runEnv, logger *zap.Logger) (Outcome, *Error) {
	for {
		if err := ctx.Err(); err != nil {
			werr := asError(err)
			werr.annotate(s, att.invocations, 0)
			return Void(), werr
		}

		sc.Attempt = att.invocations
		att.invocations++
		out, werr := s.attemptOnce(ctx, sc)

		if werr == nil && out.Kind() != KindRetry {
			return out, nil
		}

		if werr == nil {
			if att.retries >= s.retryLimit() {
				return Void(), s.exhausted(att)
			}
			logger.Info("Step requested retry", zap.Int("attempt", sc.Attempt))
			env.retried(s, "signal")
			if s.cfg.Retries > 0 {
				if err := s.backoff(ctx, att.retries); err != nil {
					return Void(), asError(err)
				}
			}
			att.retries++
			continue
		}

		if s.cfg.OnError != nil || s.cfg.Retries == 0 || ctx.Err() != nil ||
			(werr.recoverableSet() && !werr.Recoverable()) {
			return Void(), werr
		}

		if att.retries >= s.cfg.Retries {
			if werr.Code != "" && werr.Code != CodeMaxRetriesExceeded {
				werr.WithMeta("originalCode", werr.Code)
			}
			werr.Code = CodeMaxRetriesExceeded
			werr.WithRecoverable(false)
			logger.Error("Step failed after retries",
				zap.Int("retries", s.cfg.Retries),
				zap.Error(werr),
			)
			return Void(), werr
		}

		logger.Warn("Step failed, retrying",
			zap.Int("attempt", sc.Attempt),
			zap.Duration("delay", s.delay(att.retries)),
			zap.Error(werr),
		)
		env.retried(s, "backoff")
		if err := s.backoff(ctx, att.retries); err != nil {
			return Void(), werr
		}
		att.retries++
	}
}

// attemptOnce runs Execute once, normalizes its output into the context
// and checks the expectation.
func (s *Step) attemptOnce(ctx context.Context, sc *StepContext) (Outcome, *Error) {
	start := time.Now()
	out, err := s.invoke(ctx, sc)
	if err != nil {
		if sig, ok := signalOutcome(err); ok {
			return sig, nil
		}
		return Void(), s.fail(err, sc.Attempt, time.Since(start))
	}
	if out.IsMarker() {
		return out, nil
	}

	out = out.normalize()
	res := out.StepResult()
	sc.Context.Merge(res.State)
	if res.Data != nil {
		sc.Context.Data[s.cfg.ID] = res.Data
	}

	if s.cfg.Expect != nil {
		if err := s.cfg.Expect(res.Data, sc.Context); err != nil {
			return Void(), s.fail(expectationError(err), sc.Attempt, time.Since(start))
		}
	}
	return out, nil
}

// invoke calls Execute, racing it against the step timeout. Each timed
// invocation gets its own copy of sc; once the deadline passes the body is
// abandoned and whatever it still writes through the shared Context is
// undefined.
func (s *Step) invoke(ctx context.Context, sc *StepContext) (Outcome, error) {
	if s.cfg.Timeout <= 0 {
		return s.cfg.Execute(ctx, sc)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	inv := *sc
	done := make(chan invocation, 1)
	go func() {
		out, err := s.cfg.Execute(timeoutCtx, &inv)
		done <- invocation{out: out, err: err}
	}()

	select {
	case r := <-done:
		return s.settle(ctx, timeoutCtx, r)
	case <-timeoutCtx.Done():
		select {
		case r := <-done:
			return s.settle(ctx, timeoutCtx, r)
		default:
		}
		if err := ctx.Err(); err != nil {
			return Void(), err
		}
		return Void(), timeoutError(s.cfg.Timeout)
	}
}

type invocation struct {
	out Outcome
	err error
}

// settle reports a finished invocation. Control signals pass through even
// when the deadline has expired; any other error after the deadline is a
// timeout.
func (s *Step) settle(ctx, timeoutCtx context.Context, r invocation) (Outcome, error) {
	if _, ok := signalOutcome(r.err); ok {
		return r.out, r.err
	}
	if r.err != nil && ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
		return Void(), timeoutError(s.cfg.Timeout)
	}
	return r.out, r.err
}

// fail converts err into a private *Error annotated with step metadata.
// User errors are copied so that shared error values are never mutated.
func (s *Step) fail(err error, attempt int, d time.Duration) *Error {
	werr := asError(err)
	if werr.StepID == "" {
		cp := *werr
		if werr.Metadata != nil {
			cp.Metadata = make(map[string]interface{}, len(werr.Metadata))
			for k, v := range werr.Metadata {
				cp.Metadata[k] = v
			}
		}
		werr = &cp
	}
	werr.annotate(s, attempt, d)
	return werr
}

func (s *Step) exhausted(att *attempts) *Error {
	werr := &Error{
		Category: CategoryRetry,
		Code:     CodeMaxRetriesExceeded,
		Message:  fmt.Sprintf("step %q exceeded %d retries", s.cfg.ID, s.retryLimit()),
	}
	werr.annotate(s, att.invocations-1, 0)
	return werr.WithRecoverable(false)
}

// delay computes RetryDelay * 2^attempt, capped at RetryMaxDelay.
func (s *Step) delay(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := s.cfg.RetryDelay * (1 << attempt)
	if s.cfg.RetryMaxDelay > 0 && d > s.cfg.RetryMaxDelay {
		d = s.cfg.RetryMaxDelay
	}
	return d
}

func (s *Step) backoff(ctx context.Context, attempt int) error {
	d := s.delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metadata describes a step without running it.
func (s *Step) Metadata() StepMetadata {
	return StepMetadata{
		ID:          s.cfg.ID,
		Name:        s.cfg.Name,
		Description: s.cfg.Description,
	}
}
