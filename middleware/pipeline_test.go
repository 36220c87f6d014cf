package middleware

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xypriss/xypriss/router"
)

func newTestContext(chain []router.HandlerFunc) *router.Context {
	rec := httptest.NewRecorder()
	return &router.Context{
		Writer: router.NewResponseWriter(rec),
		Route:  &router.Route{Method: "GET", Path: "/x", Chain: chain},
		Params: map[string]any{},
	}
}

func TestPipeline_RunsChainInOrder(t *testing.T) {
	t.Parallel()

	var order []int
	chain := []router.HandlerFunc{
		func(ctx *router.Context) error { order = append(order, 0); return nil },
		func(ctx *router.Context) error { order = append(order, 1); return nil },
	}
	p := New(nil, zerolog.Nop())
	require.NoError(t, p.Run(newTestContext(chain)))
	assert.Equal(t, []int{0, 1}, order)
}

func TestPipeline_ShortCircuitsOnCommit(t *testing.T) {
	t.Parallel()

	var ran2 bool
	chain := []router.HandlerFunc{
		func(ctx *router.Context) error {
			ctx.Writer.WriteHeader(200)
			return nil
		},
		func(ctx *router.Context) error { ran2 = true; return nil },
	}
	p := New(nil, zerolog.Nop())
	require.NoError(t, p.Run(newTestContext(chain)))
	assert.False(t, ran2)
}

func TestPipeline_ReportsFailureSite(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	chain := []router.HandlerFunc{
		func(ctx *router.Context) error { return nil },
		func(ctx *router.Context) error { return boom },
		func(ctx *router.Context) error { t.Fatal("unreachable"); return nil },
	}

	var gotSite FailureSite
	var gotErr error
	p := New(func(ctx *router.Context, site FailureSite, err error) {
		gotSite = site
		gotErr = err
	}, zerolog.Nop())

	err := p.Run(newTestContext(chain))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, gotSite.HandlerIndex)
	assert.Equal(t, 3, gotSite.ChainLength)
	assert.ErrorIs(t, gotErr, boom)
}
