package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xypriss/xypriss/request"
	"github.com/xypriss/xypriss/router"
)

func newTestServer(t *testing.T) (*Server, *router.Router) {
	t.Helper()
	rt := router.New()
	_, err := rt.Register("GET", "/widgets/:id", func(ctx *router.Context) error {
		id, _ := ctx.Param("id")
		ctx.Writer.WriteHeader(http.StatusOK)
		_, _ = ctx.Writer.Write([]byte("widget " + id))
		return nil
	})
	require.NoError(t, err)

	s := New(Config{
		Router:  rt,
		Request: request.New(request.Config{GlobalConcurrency: 10, PerIPConcurrency: 10}, nil),
		Log:     zerolog.Nop(),
	}, nil)
	return s, rt
}

func TestServeHTTP_RoutesToHandler(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/widgets/42", nil)
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "widget 42", rec.Body.String())
}

func TestServeHTTP_UnknownRouteReturns400(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/nope", nil)
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTP_AdminStatusEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	s.cfg.AdminEnabled = true
	s.admin = newAdminMux(s)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/XyPriss/status", nil)
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "online")
}

func TestServeHTTP_RejectsOverCapacity(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)
	s.cfg.Request = request.New(request.Config{GlobalConcurrency: 1, PerIPConcurrency: 1}, nil)

	blockingRouter := router.New()
	release := make(chan struct{})
	_, err := blockingRouter.Register("GET", "/slow", func(ctx *router.Context) error {
		<-release
		ctx.Writer.WriteHeader(http.StatusOK)
		return nil
	})
	require.NoError(t, err)
	s.cfg.Router = blockingRouter

	go func() {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/slow", nil)
		req.RemoteAddr = "10.0.0.1:1111"
		s.ServeHTTP(rec, req)
	}()

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/slow", nil)
		req.RemoteAddr = "10.0.0.2:2222"
		s.ServeHTTP(rec, req)
		return rec.Code == http.StatusTooManyRequests
	}, time.Second, 10*time.Millisecond)

	close(release)
}
