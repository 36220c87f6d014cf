package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xypriss/xypriss/router"
	"github.com/xypriss/xypriss/xyerrors"
)

// Stats tracks how many times a plugin's hooks ran and failed.
type Stats struct {
	Name    string
	Calls   int64
	Failures int64
}

type registeredPlugin struct {
	Plugin
	mu       sync.Mutex
	calls    int64
	failures int64
}

// Registry holds the set of registered plugins and invokes their hooks in
// priority order. It also serves as the "plugin-manager handle" plugins
// receive for coordinating with each other via Shared.
type Registry struct {
	log zerolog.Logger

	mu      sync.RWMutex
	plugins []*registeredPlugin
	byName  map[string]*registeredPlugin

	shared sync.Map // inter-plugin coordination key/value store
}

// New builds an empty Registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		log:    logger,
		byName: make(map[string]*registeredPlugin),
	}
}

// Register adds p to the registry, rejecting a duplicate name.
func (r *Registry) Register(p Plugin) error {
	if p.Name == "" {
		return xyerrors.Validation("plugin: name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name]; exists {
		return xyerrors.Validation("plugin: %q is already registered", p.Name)
	}

	rp := &registeredPlugin{Plugin: p}
	r.byName[p.Name] = rp
	r.plugins = append(r.plugins, rp)
	sort.SliceStable(r.plugins, func(i, j int) bool {
		return r.plugins[i].Priority < r.plugins[j].Priority
	})
	return nil
}

// Unregister removes a plugin by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byName, name)
	for i, rp := range r.plugins {
		if rp.Name == name {
			r.plugins = append(r.plugins[:i], r.plugins[i+1:]...)
			break
		}
	}
}

// Shared exposes a process-wide key/value store plugins can use to hand
// state to one another (e.g. a security plugin publishing a decision a
// logging plugin later reads).
func (r *Registry) Shared() *sync.Map { return &r.shared }

// Stats returns a call/failure snapshot per registered plugin, in
// priority order.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Stats, 0, len(r.plugins))
	for _, rp := range r.plugins {
		rp.mu.Lock()
		out = append(out, Stats{Name: rp.Name, Calls: rp.calls, Failures: rp.failures})
		rp.mu.Unlock()
	}
	return out
}

func (r *Registry) snapshot() []*registeredPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*registeredPlugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// runIsolated invokes fn, recovering from a panic and counting both
// panics and returned errors against rp, without letting either stop
// the caller's loop over the remaining plugins.
func (r *Registry) runIsolated(rp *registeredPlugin, fn func() error) error {
	rp.mu.Lock()
	rp.calls++
	rp.mu.Unlock()

	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("plugin %q panicked: %v", rp.Name, rec)
			}
		}()
		err = fn()
	}()

	if err != nil {
		rp.mu.Lock()
		rp.failures++
		rp.mu.Unlock()
		r.log.Error().Str("plugin", rp.Name).Err(err).Msg("plugin: hook failed")
	}
	return err
}

// RunOnServerStart invokes every plugin's OnServerStart hook in priority
// order, continuing past individual failures.
func (r *Registry) RunOnServerStart(ctx context.Context) {
	for _, rp := range r.snapshot() {
		if rp.Hooks.OnServerStart == nil {
			continue
		}
		_ = r.runIsolated(rp, func() error { return rp.Hooks.OnServerStart(ctx) })
	}
}

// RunOnServerStop invokes every plugin's OnServerStop hook in priority
// order, continuing past individual failures.
func (r *Registry) RunOnServerStop(ctx context.Context) {
	for _, rp := range r.snapshot() {
		if rp.Hooks.OnServerStop == nil {
			continue
		}
		_ = r.runIsolated(rp, func() error { return rp.Hooks.OnServerStop(ctx) })
	}
}

// RunOnRequest invokes OnRequest hooks in priority order until one
// reports handled=true, at which point the caller should short-circuit
// its own pipeline.
func (r *Registry) RunOnRequest(ctx *router.Context) (handled bool, err error) {
	for _, rp := range r.snapshot() {
		if rp.Hooks.OnRequest == nil {
			continue
		}
		var h bool
		hookErr := r.runIsolated(rp, func() error {
			var innerErr error
			h, innerErr = rp.Hooks.OnRequest(ctx)
			return innerErr
		})
		if hookErr != nil {
			continue
		}
		if h {
			return true, nil
		}
	}
	return false, nil
}

// RunOnResponse invokes OnResponse hooks in priority order.
func (r *Registry) RunOnResponse(ctx *router.Context, timing time.Duration) {
	for _, rp := range r.snapshot() {
		if rp.Hooks.OnResponse == nil {
			continue
		}
		_ = r.runIsolated(rp, func() error { return rp.Hooks.OnResponse(ctx, timing) })
	}
}

// RunOnRateLimit invokes OnRateLimit hooks in priority order.
func (r *Registry) RunOnRateLimit(ctx *router.Context, info RateLimitInfo) {
	for _, rp := range r.snapshot() {
		if rp.Hooks.OnRateLimit == nil {
			continue
		}
		_ = r.runIsolated(rp, func() error { return rp.Hooks.OnRateLimit(ctx, info) })
	}
}

// RunOnResponseTime invokes OnResponseTime hooks in priority order.
func (r *Registry) RunOnResponseTime(ctx *router.Context, ms float64) {
	for _, rp := range r.snapshot() {
		if rp.Hooks.OnResponseTime == nil {
			continue
		}
		_ = r.runIsolated(rp, func() error { return rp.Hooks.OnResponseTime(ctx, ms) })
	}
}
