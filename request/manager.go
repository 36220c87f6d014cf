// Package request implements the Request Manager: per-route timeouts,
// global and per-IP concurrency caps, lifecycle-stage timing, payload
// limits and a network-quality gate that sheds load under sustained
// congestion.
package request

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/google/uuid"
	"github.com/tomasen/realip"

	"github.com/xypriss/xypriss/xyerrors"
)

// Stage marks a point in a request's lifecycle, used for timing telemetry.
type Stage string

const (
	StageReceived  Stage = "received"
	StageRouted    Stage = "routed"
	StageHandled   Stage = "handled"
	StageCompleted Stage = "completed"
)

// Config tunes the Request Manager.
type Config struct {
	// DefaultTimeout applies to any route without a specific override.
	DefaultTimeout time.Duration
	RouteTimeouts  map[string]time.Duration // "METHOD path" -> timeout

	GlobalConcurrency int
	PerIPConcurrency  int

	MaxBodyBytes int64
	MaxURLLength int

	// SlowStageThreshold triggers a telemetry callback when any lifecycle
	// stage takes longer than this to reach.
	SlowStageThreshold time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.GlobalConcurrency == 0 {
		c.GlobalConcurrency = 10_000
	}
	if c.PerIPConcurrency == 0 {
		c.PerIPConcurrency = 100
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.MaxURLLength == 0 {
		c.MaxURLLength = 8192
	}
	if c.SlowStageThreshold == 0 {
		c.SlowStageThreshold = 2 * time.Second
	}
}

// StageEvent is reported to the onSlowStage callback given to New when a
// stage transition exceeds SlowStageThreshold.
type StageEvent struct {
	Method   string
	Path     string
	Stage    Stage
	Elapsed  time.Duration
}

// Manager enforces the request lifecycle policy for one server.
type Manager struct {
	cfg Config

	globalSem chan struct{}
	ipLimiter *limiter.Limiter

	mu       sync.Mutex
	perIP    map[string]int64

	quality *qualityGate

	onSlowStage func(StageEvent)
}

// New builds a Manager. onSlowStage may be nil.
func New(cfg Config, onSlowStage func(StageEvent)) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:         cfg,
		globalSem:   make(chan struct{}, cfg.GlobalConcurrency),
		ipLimiter:   tollbooth.NewLimiter(float64(cfg.PerIPConcurrency), nil),
		perIP:       make(map[string]int64),
		quality:     newQualityGate(),
		onSlowStage: onSlowStage,
	}
}

// timeoutFor returns the configured timeout for method+path, falling
// back to Config.DefaultTimeout.
func (m *Manager) timeoutFor(method, path string) time.Duration {
	if t, ok := m.cfg.RouteTimeouts[method+" "+path]; ok {
		return t
	}
	return m.cfg.DefaultTimeout
}

// Admit checks global and per-IP concurrency caps plus the network
// quality gate, returning a release function to call when the request
// finishes, or a CapacityError if the request must be rejected.
func (m *Manager) Admit(r *http.Request) (func(), error) {
	if !m.quality.allow() {
		return nil, xyerrors.Capacity("request: shedding load, network quality degraded")
	}

	select {
	case m.globalSem <- struct{}{}:
	default:
		return nil, xyerrors.Capacity("request: global concurrency limit of %d reached", m.cfg.GlobalConcurrency)
	}

	ip := realip.FromRequest(r)
	if m.ipLimiter.LimitReached(ip) {
		<-m.globalSem
		return nil, xyerrors.Capacity("request: rate limit exceeded for %s", ip)
	}

	m.mu.Lock()
	if m.perIP[ip] >= int64(m.cfg.PerIPConcurrency) {
		m.mu.Unlock()
		<-m.globalSem
		return nil, xyerrors.Capacity("request: per-IP concurrency limit of %d reached for %s", m.cfg.PerIPConcurrency, ip)
	}
	m.perIP[ip]++
	m.mu.Unlock()

	release := func() {
		<-m.globalSem
		m.mu.Lock()
		m.perIP[ip]--
		if m.perIP[ip] <= 0 {
			delete(m.perIP, ip)
		}
		m.mu.Unlock()
	}
	return release, nil
}

// CheckPayload validates r's content length and URL length against the
// configured limits.
func (m *Manager) CheckPayload(r *http.Request) error {
	if r.ContentLength > m.cfg.MaxBodyBytes {
		return xyerrors.Validation("request: body of %d bytes exceeds limit of %d", r.ContentLength, m.cfg.MaxBodyBytes)
	}
	if len(r.URL.String()) > m.cfg.MaxURLLength {
		return xyerrors.Validation("request: URL length exceeds limit of %d", m.cfg.MaxURLLength)
	}
	return nil
}

// WithTimeout returns a context bounded by the route's configured
// timeout, and a cancel function the caller must always invoke.
func (m *Manager) WithTimeout(ctx context.Context, method, path string) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeoutFor(method, path))
}

// Tracker times a single request's lifecycle stages.
type Tracker struct {
	m        *Manager
	id       string
	method   string
	path     string
	start    time.Time
	lastMark time.Time
}

// StartTracking begins lifecycle timing for one request, assigning it a
// unique ID usable as a correlation ID across logs and the response's
// X-Request-Id header.
func (m *Manager) StartTracking(method, path string) *Tracker {
	now := time.Now()
	return &Tracker{m: m, id: uuid.NewString(), method: method, path: path, start: now, lastMark: now}
}

// ID returns this request's correlation ID.
func (t *Tracker) ID() string { return t.id }

// Mark records reaching stage, reporting a StageEvent if the elapsed
// time since the previous mark exceeds SlowStageThreshold.
func (t *Tracker) Mark(stage Stage) {
	now := time.Now()
	elapsed := now.Sub(t.lastMark)
	t.lastMark = now
	if elapsed > t.m.cfg.SlowStageThreshold && t.m.onSlowStage != nil {
		t.m.onSlowStage(StageEvent{Method: t.method, Path: t.path, Stage: stage, Elapsed: elapsed})
	}
}

// Total returns the elapsed time since StartTracking.
func (t *Tracker) Total() time.Duration { return time.Since(t.start) }
