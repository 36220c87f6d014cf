// Package server wires the Route Engine, Middleware Pipeline, Hybrid
// Secure Cache, Worker Task Pool, Cluster Supervisor, Request Manager and
// Plugin Registry into one http.Handler. A Server is what both the
// single-process and the cluster-worker entrypoints ultimately run.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/xypriss/xypriss/cache"
	"github.com/xypriss/xypriss/cluster"
	"github.com/xypriss/xypriss/middleware"
	"github.com/xypriss/xypriss/plugin"
	"github.com/xypriss/xypriss/pool"
	"github.com/xypriss/xypriss/request"
	"github.com/xypriss/xypriss/router"
	"github.com/xypriss/xypriss/xyerrors"
)

// Config bundles every subsystem a Server needs. Router, Request and Log
// are required; the rest are optional and simply skipped if nil/zero.
type Config struct {
	Router      *router.Router
	Request     *request.Manager
	Log         zerolog.Logger
	Cache       *cache.Cache
	Pool        *pool.Pool
	Plugins     *plugin.Registry
	Cluster     *cluster.Supervisor
	Compression CompressionConfig
	AdminPrefix string // defaults to "/XyPriss"
	AdminEnabled bool
}

func (c *Config) applyDefaults() {
	if c.AdminPrefix == "" {
		c.AdminPrefix = "/XyPriss"
	}
}

// Server is the framework's http.Handler.
type Server struct {
	cfg    Config
	pipe   *middleware.Pipeline
	admin  *adminMux
	metrics *serverMetrics
}

// New builds a Server from cfg. onError (may be nil) receives handler
// failures from the middleware pipeline's error boundary.
func New(cfg Config, onError middleware.ErrorHandler) *Server {
	cfg.applyDefaults()
	m := newServerMetrics()
	s := &Server{
		cfg:     cfg,
		pipe:    middleware.New(onError, cfg.Log),
		metrics: m,
	}
	s.admin = newAdminMux(s)
	return s
}

// ServeHTTP implements http.Handler: payload checks and concurrency
// admission, then route resolution, plugin pre-hooks (which receive the
// resolved route and params, if any), the middleware chain, and plugin
// post-hooks, in that order.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminEnabled && len(r.URL.Path) >= len(s.cfg.AdminPrefix) && r.URL.Path[:len(s.cfg.AdminPrefix)] == s.cfg.AdminPrefix {
		s.admin.ServeHTTP(w, r)
		return
	}

	started := time.Now()
	tracker := s.cfg.Request.StartTracking(r.Method, r.URL.Path)
	w.Header().Set("X-Request-Id", tracker.ID())
	tracker.Mark(request.StageReceived)

	if err := s.cfg.Request.CheckPayload(r); err != nil {
		s.writeError(w, err)
		return
	}

	release, err := s.cfg.Request.Admit(r)
	if err != nil {
		s.metrics.rejections.Inc()
		if s.cfg.Plugins != nil {
			ctx := &router.Context{Request: r, Writer: router.NewResponseWriter(w), Method: r.Method, Path: r.URL.Path}
			info := plugin.RateLimitInfo{IP: r.RemoteAddr, Blocked: true}
			s.cfg.Plugins.RunOnRateLimit(ctx, info)
		}
		s.writeError(w, err)
		return
	}
	defer release()

	rw := router.NewResponseWriter(w)

	if s.cfg.Plugins != nil {
		route, params, resolveErr := s.cfg.Router.Resolve(r.Method, r.URL.Path)
		ctx := &router.Context{Request: r, Writer: rw, Method: r.Method, Path: r.URL.Path}
		if resolveErr == nil {
			ctx.Route = route
			ctx.Params = params
		}
		handled, hookErr := s.cfg.Plugins.RunOnRequest(ctx)
		if hookErr == nil && handled {
			s.finish(ctx, tracker, started)
			return
		}
		if resolveErr != nil {
			s.writeError(w, resolveErr)
			return
		}
		s.runChain(ctx, tracker, started)
		return
	}

	route, params, resolveErr := s.cfg.Router.Resolve(r.Method, r.URL.Path)
	if resolveErr != nil {
		s.writeError(w, resolveErr)
		return
	}
	ctx := &router.Context{Request: r, Writer: rw, Method: r.Method, Path: r.URL.Path, Route: route, Params: params}
	s.runChain(ctx, tracker, started)
}

func (s *Server) runChain(ctx *router.Context, tracker *request.Tracker, started time.Time) {
	tracker.Mark(request.StageRouted)

	timeoutCtx, cancel := s.cfg.Request.WithTimeout(ctx.Request.Context(), ctx.Method, ctx.Path)
	defer cancel()
	ctx.Request = ctx.Request.WithContext(timeoutCtx)

	if err := s.pipe.Run(ctx); err != nil {
		s.metrics.errors.Inc()
		if !ctx.Writer.Committed() {
			s.writeError(ctx.Writer.ResponseWriter, err)
		}
	}
	tracker.Mark(request.StageHandled)
	s.finish(ctx, tracker, started)
}

func (s *Server) finish(ctx *router.Context, tracker *request.Tracker, started time.Time) {
	elapsed := time.Since(started)
	s.metrics.requests.Inc()
	s.metrics.duration.Observe(elapsed.Seconds())

	if s.cfg.Plugins != nil {
		s.cfg.Plugins.RunOnResponse(ctx, elapsed)
		s.cfg.Plugins.RunOnResponseTime(ctx, float64(elapsed.Microseconds())/1000.0)
	}
	tracker.Mark(request.StageCompleted)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.metrics.errors.Inc()
	status := http.StatusInternalServerError
	switch xyerrors.KindOf(err) {
	case xyerrors.KindValidation:
		status = http.StatusBadRequest
	case xyerrors.KindCapacity:
		status = http.StatusTooManyRequests
	case xyerrors.KindTimeout:
		status = http.StatusRequestTimeout
	case xyerrors.KindIntegrity:
		status = http.StatusUnprocessableEntity
	}
	http.Error(w, err.Error(), status)
}

// Run starts an *http.Server bound to addr, decorated with the compression
// middleware if enabled, and blocks until it returns (ctx cancellation
// triggers a graceful shutdown).
func (s *Server) Run(ctx context.Context, addr string) error {
	if s.cfg.Plugins != nil {
		s.cfg.Plugins.RunOnServerStart(ctx)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.cfg.Plugins.RunOnServerStop(shutdownCtx)
		}()
	}

	var handler http.Handler = s
	if s.cfg.Compression.Enabled {
		handler = CompressionMiddleware(handler, s.cfg.Compression.Algorithms)
	}

	httpServer := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
