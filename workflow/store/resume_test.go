package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dshills/stepflow/workflow"
)

// flakyCheckout fails at "pay" until allowed.
func flakyCheckout(t *testing.T, allow *bool, calls *[]string) *workflow.Workflow {
	step := func(id string, fn func() error) workflow.StepConfig {
		return workflow.StepConfig{ID: id, Execute: func(ctx context.Context, sc *workflow.StepContext) (workflow.Outcome, error) {
			*calls = append(*calls, id)
			if fn != nil {
				if err := fn(); err != nil {
					return workflow.Void(), err
				}
			}
			return workflow.StateUpdate(map[string]interface{}{id: true}), nil
		}}
	}
	wf, err := workflow.New("checkout").
		Input(workflow.AnyInput()).
		Step(step("login", nil)).
		Step(step("pay", func() error {
			if !*allow {
				return errors.New("gateway down")
			}
			return nil
		})).
		Step(step("ship", nil)).
		Build()
	require.NoError(t, err)
	return wf
}

func TestResume(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore()
	allow := false
	var calls []string
	wf := flakyCheckout(t, &allow, &calls)
	logger := zaptest.NewLogger(t)

	resp, err := Resume(ctx, st, wf, "order-7", map[string]interface{}{"order": 7}, nil, logger)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusError, resp.Status)
	assert.Equal(t, []string{"login", "pay"}, calls)

	saved, err := st.Load(ctx, "order-7")
	require.NoError(t, err)
	assert.Equal(t, "login", saved.LastStepID)
	assert.Equal(t, 0, saved.LastStepIndex)

	allow = true
	calls = nil
	resp, err = Resume(ctx, st, wf, "order-7", map[string]interface{}{"order": 7}, nil, logger)
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, []string{"pay", "ship"}, calls)
	assert.Equal(t, map[string]interface{}{"login": true, "pay": true, "ship": true}, resp.State.Context.State)

	saved, err = st.Load(ctx, "order-7")
	require.NoError(t, err)
	assert.Equal(t, 2, saved.LastStepIndex)

	calls = nil
	resp, err = Resume(ctx, st, wf, "order-7", nil, nil, logger)
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Empty(t, calls)
}

func TestResume_ProgrammerError(t *testing.T) {
	st := NewMemStore()
	wf, err := workflow.New("strict").
		Input(workflow.SchemaFunc(func(interface{}) (map[string]interface{}, error) {
			return nil, errors.New("bad input")
		})).
		Step(workflow.StepConfig{ID: "a", Execute: func(ctx context.Context, sc *workflow.StepContext) (workflow.Outcome, error) {
			return workflow.Void(), nil
		}}).
		Build()
	require.NoError(t, err)

	resp, err := Resume(context.Background(), st, wf, "run-1", nil, nil, nil)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, workflow.ErrValidation)
	assert.Empty(t, st.Runs())
}

func TestResume_LoadError(t *testing.T) {
	st := NewMemStore()
	require.NoError(t, st.Close())

	var calls []string
	allow := true
	_, err := Resume(context.Background(), st, flakyCheckout(t, &allow, &calls), "run-1", nil, nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, calls)
}
