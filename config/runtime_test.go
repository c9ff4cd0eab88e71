package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/stepflow/workflow"
	"github.com/dshills/stepflow/workflow/store"
)

func testConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.Log.OutputPaths = []string{filepath.Join(t.TempDir(), "stepflow.log")}
	return cfg
}

func TestLogConfig_Build(t *testing.T) {
	cfg := LogConfig{Level: "warn", Format: "console", OutputPaths: []string{filepath.Join(t.TempDir(), "out.log")}}
	logger, err := cfg.Build(nil)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))
	assert.True(t, logger.Core().Enabled(1))

	_, err = LogConfig{Level: "loud", Format: "json"}.Build(nil)
	assert.Error(t, err)
}

func TestStoreConfig_Open(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		st, err := StoreConfig{Driver: "memory"}.Open(ctx)
		require.NoError(t, err)
		defer st.Close()
		assert.IsType(t, &store.MemStore{}, st)
	})

	t.Run("sqlite", func(t *testing.T) {
		st, err := StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "runs.db")}.Open(ctx)
		require.NoError(t, err)
		defer st.Close()
		assert.IsType(t, &store.SQLiteStore{}, st)
	})

	t.Run("redis", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		st, err := StoreConfig{Driver: "redis", Redis: RedisConfig{Addr: mr.Addr(), Prefix: "t:"}}.Open(ctx)
		require.NoError(t, err)
		defer st.Close()

		require.NoError(t, st.Save(ctx, "run-1", &workflow.State{Context: workflow.NewContext(nil)}))
		assert.True(t, mr.Exists("t:run:run-1"))
	})

	t.Run("redis unreachable", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		addr := mr.Addr()
		mr.Close()

		_, err = StoreConfig{Driver: "redis", Redis: RedisConfig{Addr: addr}}.Open(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to ping redis")
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := StoreConfig{Driver: "etcd"}.Open(ctx)
		assert.Error(t, err)
	})
}

func TestTelemetryConfig_TracerProvider(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("disabled", func(t *testing.T) {
		tp, err := TelemetryConfig{}.TracerProvider(ctx)
		require.NoError(t, err)
		_, span := tp.Tracer("test").Start(ctx, "noop")
		assert.False(t, span.IsRecording())
		span.End()
		assert.NoError(t, tp.Shutdown(ctx))
	})

	t.Run("enabled", func(t *testing.T) {
		cfg := DefaultConfig().Telemetry
		cfg.Enabled = true
		tp, err := cfg.TracerProvider(ctx)
		require.NoError(t, err)
		_, span := tp.Tracer("test").Start(ctx, "step")
		assert.True(t, span.IsRecording())
		span.End()
		// Nothing listens on the endpoint; only construction is checked.
		shutdownCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	})
}

func TestSetup(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Engine.MaxIterations = 3
	cfg.Metrics.Enabled = true

	rt, err := Setup(ctx, cfg)
	require.NoError(t, err)
	defer rt.Close(ctx)

	require.NotNil(t, rt.Metrics)
	assert.NotNil(t, rt.Events)

	calls := 0
	loop, err := rt.Apply(workflow.New("loop").Input(workflow.AnyInput())).
		Step(workflow.StepConfig{ID: "again", Execute: func(ctx context.Context, sc *workflow.StepContext) (workflow.Outcome, error) {
			calls++
			return workflow.Next("again"), nil
		}}).
		Build()
	require.NoError(t, err)

	_, err = loop.Run(ctx, nil, nil, rt.Logger)
	assert.ErrorIs(t, err, workflow.ErrInfiniteLoop)
	assert.Equal(t, 3, calls)

	ok, err := rt.Apply(workflow.New("ok").Input(workflow.AnyInput())).
		Step(workflow.StepConfig{ID: "done", Execute: func(ctx context.Context, sc *workflow.StepContext) (workflow.Outcome, error) {
			return workflow.Void(), nil
		}}).
		Build()
	require.NoError(t, err)

	resp, err := ok.Run(ctx, nil, nil, rt.Logger)
	require.NoError(t, err)
	assert.True(t, resp.OK())

	count, err := testutil.GatherAndCount(rt.Registry, "stepflow_runs_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1)
}

func TestSetup_MetricsDisabled(t *testing.T) {
	ctx := context.Background()
	rt, err := Setup(ctx, testConfig(t))
	require.NoError(t, err)
	assert.Nil(t, rt.Metrics)
	assert.NoError(t, rt.Close(ctx))
}

func TestSetup_StoreError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "mysql"
	cfg.Store.DSN = "not a dsn"

	rt, err := Setup(context.Background(), cfg)
	assert.Nil(t, rt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open store")
}
