package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dshills/stepflow/workflow"
)

// Resume continues the run saved under runID and saves the resulting state
// back under the same id.
//
// When nothing is saved for runID the workflow runs from the beginning in
// its default mode. Otherwise it restarts after the last completed step,
// so a step that failed is executed again. Extra options are applied after
// the resumption options.
func Resume(ctx context.Context, st Store, wf *workflow.Workflow, runID string, input interface{}, driver interface{}, logger *zap.Logger, opts ...workflow.RunOption) (*workflow.Response, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("run_id", runID))

	saved, err := st.Load(ctx, runID)
	switch {
	case errors.Is(err, ErrNotFound):
		logger.Info("No saved state, starting run")
	case err != nil:
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	default:
		logger.Info("Resuming run",
			zap.String("last_step_id", saved.LastStepID),
			zap.Int("last_step_index", saved.LastStepIndex),
		)
	}

	runOpts := []workflow.RunOption{workflow.WithRunID(runID)}
	if saved != nil {
		runOpts = append(runOpts, wf.ResumeOptions(saved)...)
	}
	runOpts = append(runOpts, opts...)

	resp, err := wf.Run(ctx, input, driver, logger, runOpts...)
	if err != nil {
		return nil, err
	}
	if resp.State != nil {
		if err := st.Save(ctx, runID, resp.State); err != nil {
			return resp, fmt.Errorf("save run %s: %w", runID, err)
		}
	}
	return resp, nil
}
