package plugin

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xypriss/xypriss/router"
)

func newTestCtx() *router.Context {
	rec := httptest.NewRecorder()
	return &router.Context{
		Writer: router.NewResponseWriter(rec),
		Route:  &router.Route{Method: "GET", Path: "/x"},
		Params: map[string]any{},
	}
}

func TestRegister_RejectsEmptyName(t *testing.T) {
	t.Parallel()

	r := New(zerolog.Nop())
	err := r.Register(Plugin{Name: ""})
	require.Error(t, err)
}

func TestRegister_RejectsDuplicateName(t *testing.T) {
	t.Parallel()

	r := New(zerolog.Nop())
	require.NoError(t, r.Register(Plugin{Name: "a"}))
	require.Error(t, r.Register(Plugin{Name: "a"}))
}

func TestRunOnRequest_HonorsPriorityOrder(t *testing.T) {
	t.Parallel()

	r := New(zerolog.Nop())
	var order []string
	require.NoError(t, r.Register(Plugin{
		Name: "second", Priority: 10,
		Hooks: Hooks{OnRequest: func(ctx *router.Context) (bool, error) {
			order = append(order, "second")
			return false, nil
		}},
	}))
	require.NoError(t, r.Register(Plugin{
		Name: "first", Priority: 1,
		Hooks: Hooks{OnRequest: func(ctx *router.Context) (bool, error) {
			order = append(order, "first")
			return false, nil
		}},
	}))

	_, err := r.RunOnRequest(newTestCtx())
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRunOnRequest_ShortCircuitsOnHandled(t *testing.T) {
	t.Parallel()

	r := New(zerolog.Nop())
	var secondRan bool
	require.NoError(t, r.Register(Plugin{
		Name: "blocker", Priority: 1,
		Hooks: Hooks{OnRequest: func(ctx *router.Context) (bool, error) { return true, nil }},
	}))
	require.NoError(t, r.Register(Plugin{
		Name: "trailing", Priority: 2,
		Hooks: Hooks{OnRequest: func(ctx *router.Context) (bool, error) {
			secondRan = true
			return false, nil
		}},
	}))

	handled, err := r.RunOnRequest(newTestCtx())
	require.NoError(t, err)
	assert.True(t, handled)
	assert.False(t, secondRan)
}

func TestRunIsolated_RecoversPanicAndCountsFailure(t *testing.T) {
	t.Parallel()

	r := New(zerolog.Nop())
	require.NoError(t, r.Register(Plugin{
		Name: "unstable", Priority: 1,
		Hooks: Hooks{OnRequest: func(ctx *router.Context) (bool, error) {
			panic("boom")
		}},
	}))
	require.NoError(t, r.Register(Plugin{
		Name: "healthy", Priority: 2,
		Hooks: Hooks{OnRequest: func(ctx *router.Context) (bool, error) { return true, nil }},
	}))

	handled, err := r.RunOnRequest(newTestCtx())
	require.NoError(t, err)
	assert.True(t, handled, "the healthy plugin after the panicking one should still run")

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "unstable", stats[0].Name)
	assert.EqualValues(t, 1, stats[0].Failures)
}

func TestRunIsolated_CountsReturnedError(t *testing.T) {
	t.Parallel()

	r := New(zerolog.Nop())
	require.NoError(t, r.Register(Plugin{
		Name: "failer", Priority: 1,
		Hooks: Hooks{OnResponse: func(ctx *router.Context, timing time.Duration) error {
			return errors.New("boom")
		}},
	}))

	r.RunOnResponse(newTestCtx(), time.Millisecond)

	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.EqualValues(t, 1, stats[0].Calls)
	assert.EqualValues(t, 1, stats[0].Failures)
}

func TestUnregister_RemovesPlugin(t *testing.T) {
	t.Parallel()

	r := New(zerolog.Nop())
	require.NoError(t, r.Register(Plugin{Name: "a"}))
	r.Unregister("a")
	require.NoError(t, r.Register(Plugin{Name: "a"}))
}

func TestShared_PersistsAcrossHookCalls(t *testing.T) {
	t.Parallel()

	r := New(zerolog.Nop())
	r.Shared().Store("decision", "allow")

	v, ok := r.Shared().Load("decision")
	require.True(t, ok)
	assert.Equal(t, "allow", v)
}

func TestRunOnServerStartStop_InvokeEveryPlugin(t *testing.T) {
	t.Parallel()

	r := New(zerolog.Nop())
	var started, stopped bool
	require.NoError(t, r.Register(Plugin{
		Name: "lifecycle",
		Hooks: Hooks{
			OnServerStart: func(ctx context.Context) error { started = true; return nil },
			OnServerStop:  func(ctx context.Context) error { stopped = true; return nil },
		},
	}))

	r.RunOnServerStart(context.Background())
	r.RunOnServerStop(context.Background())
	assert.True(t, started)
	assert.True(t, stopped)
}
