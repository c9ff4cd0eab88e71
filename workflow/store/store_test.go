package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/stepflow/workflow"
)

func sampleState() *workflow.State {
	s := &workflow.State{
		Context: workflow.NewContext(map[string]interface{}{"user": "ann"}),
		StepResults: map[string]workflow.StepRecord{
			"login": {Status: workflow.StepSuccess, Result: &workflow.StepResult{Data: "ok"}},
			"pay":   {Status: workflow.StepError, Error: "card declined"},
		},
		LastStepID:    "login",
		LastStepIndex: 0,
	}
	s.Context.Set("token", "abc")
	s.Context.Data["login"] = "ok"
	return s
}

func setupRedis(t *testing.T, opts RedisOptions) (*miniredis.Miniredis, *RedisStore) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewRedisStore(client, opts)
}

// testStoreContract runs the behavior every Store must share.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("save and load", func(t *testing.T) {
		st := newStore(t)
		defer st.Close()

		want := sampleState()
		require.NoError(t, st.Save(ctx, "run-1", want))

		got, err := st.Load(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "login", got.LastStepID)
		assert.Equal(t, 0, got.LastStepIndex)
		assert.Equal(t, "abc", got.Context.State["token"])
		assert.Equal(t, "ann", got.Context.Variables["user"])
		assert.Equal(t, "ok", got.Context.Data["login"])
		assert.Equal(t, workflow.StepError, got.StepResults["pay"].Status)
		assert.Equal(t, "card declined", got.StepResults["pay"].Error)
		require.NotNil(t, got.StepResults["login"].Result)
		assert.Equal(t, "ok", got.StepResults["login"].Result.Data)
	})

	t.Run("load missing", func(t *testing.T) {
		st := newStore(t)
		defer st.Close()

		_, err := st.Load(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("save replaces", func(t *testing.T) {
		st := newStore(t)
		defer st.Close()

		first := sampleState()
		require.NoError(t, st.Save(ctx, "run-1", first))

		second := sampleState()
		second.LastStepID = "pay"
		second.LastStepIndex = 1
		require.NoError(t, st.Save(ctx, "run-1", second))

		got, err := st.Load(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "pay", got.LastStepID)
		assert.Equal(t, 1, got.LastStepIndex)
	})

	t.Run("saved state is isolated", func(t *testing.T) {
		st := newStore(t)
		defer st.Close()

		s := sampleState()
		require.NoError(t, st.Save(ctx, "run-1", s))
		s.Context.Set("token", "changed")

		got, err := st.Load(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "abc", got.Context.State["token"])
	})

	t.Run("runs are independent", func(t *testing.T) {
		st := newStore(t)
		defer st.Close()

		a, b := sampleState(), sampleState()
		b.LastStepID = "other"
		require.NoError(t, st.Save(ctx, "a", a))
		require.NoError(t, st.Save(ctx, "b", b))

		got, err := st.Load(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "login", got.LastStepID)
	})

	t.Run("delete", func(t *testing.T) {
		st := newStore(t)
		defer st.Close()

		require.NoError(t, st.Save(ctx, "run-1", sampleState()))
		require.NoError(t, st.Delete(ctx, "run-1"))
		_, err := st.Load(ctx, "run-1")
		assert.ErrorIs(t, err, ErrNotFound)

		assert.NoError(t, st.Delete(ctx, "never-saved"))
	})

	t.Run("nil state", func(t *testing.T) {
		st := newStore(t)
		defer st.Close()
		assert.Error(t, st.Save(ctx, "run-1", nil))
	})

	t.Run("closed", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Close())

		assert.ErrorIs(t, st.Save(ctx, "run-1", sampleState()), ErrClosed)
		_, err := st.Load(ctx, "run-1")
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, st.Delete(ctx, "run-1"), ErrClosed)
		assert.NoError(t, st.Close())
	})
}

func TestMemStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store { return NewMemStore() })

	t.Run("runs", func(t *testing.T) {
		st := NewMemStore()
		require.NoError(t, st.Save(context.Background(), "a", sampleState()))
		require.NoError(t, st.Save(context.Background(), "b", sampleState()))
		assert.ElementsMatch(t, []string{"a", "b"}, st.Runs())
	})
}

func TestSQLiteStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		st, err := NewSQLiteStore(":memory:")
		require.NoError(t, err)
		return st
	})

	t.Run("file database survives reopen", func(t *testing.T) {
		ctx := context.Background()
		path := t.TempDir() + "/runs.db"

		st, err := NewSQLiteStore(path)
		require.NoError(t, err)
		assert.Equal(t, path, st.Path())
		require.NoError(t, st.Ping(ctx))
		require.NoError(t, st.Save(ctx, "run-1", sampleState()))
		require.NoError(t, st.Close())

		reopened, err := NewSQLiteStore(path)
		require.NoError(t, err)
		defer reopened.Close()

		got, err := reopened.Load(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "login", got.LastStepID)
	})
}

func TestRedisStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		_, st := setupRedis(t, RedisOptions{})
		return st
	})

	t.Run("key layout", func(t *testing.T) {
		mr, st := setupRedis(t, RedisOptions{Prefix: "test:"})
		defer st.Close()

		require.NoError(t, st.Save(context.Background(), "run-1", sampleState()))
		assert.True(t, mr.Exists("test:run:run-1"))
		assert.Zero(t, mr.TTL("test:run:run-1"))
	})

	t.Run("ttl expires states", func(t *testing.T) {
		mr, st := setupRedis(t, RedisOptions{TTL: time.Minute})
		defer st.Close()
		ctx := context.Background()

		require.NoError(t, st.Save(ctx, "run-1", sampleState()))
		assert.Equal(t, time.Minute, mr.TTL(DefaultRedisPrefix+"run:run-1"))

		mr.FastForward(2 * time.Minute)
		_, err := st.Load(ctx, "run-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("server errors are wrapped", func(t *testing.T) {
		mr, st := setupRedis(t, RedisOptions{})
		defer st.Close()

		mr.SetError("ERR server unavailable")
		_, err := st.Load(context.Background(), "run-1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
		assert.Contains(t, err.Error(), "failed to load state")

		mr.SetError("")
		assert.NoError(t, st.Ping(context.Background()))
	})
}
