package host

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/GoCodeAlone/forgeit/config"
	"github.com/GoCodeAlone/modular"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContainer(t *testing.T) *Container {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app := modular.NewStdApplication(modular.NewStdConfigProvider(nil), logger)
	return NewContainer(app, nil)
}

func TestContainersHaveDistinctScopes(t *testing.T) {
	a, b := newTestContainer(t), newTestContainer(t)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, a.ID(), a.Scope().ID())
	assert.Same(t, a.Scope(), a.BridgeScope())
}

func TestComponents(t *testing.T) {
	c := newTestContainer(t)
	reg := c.Components()

	assert.False(t, reg.Has("kafka.messaging"))
	require.NoError(t, reg.Register("kafka.messaging", "impl"))
	assert.True(t, reg.Has("kafka.messaging"))
	assert.Error(t, reg.Register("kafka.messaging", "again"))
	assert.Contains(t, reg.Names(), "kafka.messaging")

	got, err := Lookup[string](reg, "kafka.messaging")
	require.NoError(t, err)
	assert.Equal(t, "impl", got)

	_, err = Lookup[int](reg, "kafka.messaging")
	assert.Error(t, err)
	_, err = Lookup[string](reg, "missing")
	assert.Error(t, err)
}

func TestLifecycleHookOrder(t *testing.T) {
	c := newTestContainer(t)
	var calls []string
	record := func(name string) Hook {
		return func(context.Context) error {
			calls = append(calls, name)
			return nil
		}
	}
	c.OnStart("a", record("start-a"))
	c.OnStart("b", record("start-b"))
	c.OnReset("r", record("reset"))
	c.OnStop("a", record("stop-a"))
	c.OnStop("b", record("stop-b"))

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Reset(ctx))
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, c.Stop(ctx))

	assert.Equal(t, []string{"start-a", "start-b", "reset", "stop-b", "stop-a"}, calls)
	assert.Error(t, c.Start(ctx))
}

func TestStopJoinsErrors(t *testing.T) {
	c := newTestContainer(t)
	boom := errors.New("boom")
	ran := false
	c.OnStop("first", func(context.Context) error { ran = true; return nil })
	c.OnStop("second", func(context.Context) error { return boom })

	err := c.Stop(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.True(t, ran, "later hooks still run after a failure")
}

func TestStartAbortsOnFailure(t *testing.T) {
	c := newTestContainer(t)
	boom := errors.New("boom")
	second := false
	c.OnStart("first", func(context.Context) error { return boom })
	c.OnStart("second", func(context.Context) error { second = true; return nil })

	err := c.Start(context.Background())
	assert.True(t, errors.Is(err, boom))
	assert.False(t, second)
}

func TestPublishOverlaysEnvironment(t *testing.T) {
	c := newTestContainer(t)
	key := config.ModuleKey("kafka", "bootstrap-servers")

	before := c.Environment()
	c.Publish(map[string]string{key: "localhost:19092"})

	assert.Equal(t, "localhost:19092", c.Environment().String(key, ""))
	assert.Equal(t, "", before.String(key, ""))
}

func TestStartPendingRunsLateHooks(t *testing.T) {
	c := newTestContainer(t)
	ctx := context.Background()
	var ran []string
	c.OnStart("early", func(context.Context) error { ran = append(ran, "early"); return nil })

	require.NoError(t, c.StartPending(ctx))
	assert.Empty(t, ran)

	require.NoError(t, c.Start(ctx))
	c.OnStart("late", func(context.Context) error { ran = append(ran, "late"); return nil })
	require.NoError(t, c.StartPending(ctx))
	require.NoError(t, c.StartPending(ctx))
	assert.Equal(t, []string{"early", "late"}, ran)

	require.NoError(t, c.Stop(ctx))
	assert.Error(t, c.StartPending(ctx))
}
