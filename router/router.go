// Package router implements the radix-tree Route Engine: typed parameter
// matching, wildcard segments, priority-based ambiguity resolution and a
// predictive cache for hot routes, backed by per-route EWMA statistics.
package router

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xypriss/xypriss/xyerrors"
)

// Router is the top-level Route Engine. A single instance is expected per
// server (or per cluster worker); it is safe for concurrent use.
type Router struct {
	mu    sync.RWMutex
	trees map[string]*node // method -> root

	// static indexes fully-literal routes for O(1) lookup, bypassing the
	// trie descent entirely for the common case of a fixed path.
	static map[string]map[string]*Route

	registry *MatcherRegistry
	cache    *predictiveCache
	stats    *Stats

	onWarning func(string)
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithMatcherRegistry supplies a pre-populated matcher registry instead of
// the built-in defaults.
func WithMatcherRegistry(r *MatcherRegistry) Option {
	return func(rt *Router) { rt.registry = r }
}

// WithWarningHandler receives non-fatal registration warnings (ambiguous
// parameter collisions, unknown matcher kinds).
func WithWarningHandler(fn func(string)) Option {
	return func(rt *Router) { rt.onWarning = fn }
}

// New returns an empty Router ready to accept registrations.
func New(opts ...Option) *Router {
	rt := &Router{
		trees:  make(map[string]*node),
		static: make(map[string]map[string]*Route),
		cache:  newPredictiveCache(),
		stats:  NewStats(),
	}
	for _, o := range opts {
		o(rt)
	}
	if rt.registry == nil {
		rt.registry = NewMatcherRegistry()
	}
	return rt
}

// priorityOf scores a compiled route (Route.Priority, printed by
// Visualize): literal segments outrank kind-bound parameters, which
// outrank bare parameters, which outrank a trailing wildcard. Resolution
// order itself comes from node.match, not from this score.
func priorityOf(segs []segment) int {
	score := 0
	for _, s := range segs {
		switch s.kind {
		case segLiteral:
			score += 4
		case segParam:
			if s.kindName != "" {
				score += 2
			} else {
				score += 1
			}
		case segWildcard:
			score += 0
		}
	}
	return score
}

// Register compiles and inserts a route. chain must contain at least one
// handler, the last of which is treated as the route's terminal handler;
// any earlier entries are route-local middleware run before it.
func (rt *Router) Register(method, path string, chain ...HandlerFunc) (*Route, error) {
	if method == "" {
		return nil, xyerrors.Validation("router: method must not be empty")
	}
	if !strings.HasPrefix(path, "/") {
		return nil, xyerrors.Validation("router: path %q must start with /", path)
	}
	if len(chain) == 0 {
		return nil, xyerrors.Validation("router: route %s %s has no handlers", method, path)
	}

	method = strings.ToUpper(method)
	segs, err := splitPath(path)
	if err != nil {
		return nil, errors.Wrap(err, "router: register")
	}

	isStatic := true
	paramNames := make([]string, 0, len(segs))
	for _, s := range segs {
		if s.kind != segLiteral {
			isStatic = false
		}
		if s.kind == segParam || s.kind == segWildcard {
			paramNames = append(paramNames, s.param)
		}
	}

	route := &Route{
		Method:     method,
		Path:       path,
		IsStatic:   isStatic,
		ParamNames: paramNames,
		Chain:      chain,
		Priority:   priorityOf(segs),
		Metadata:   make(map[string]any),
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	root, ok := rt.trees[method]
	if !ok {
		root = newNode()
		rt.trees[method] = root
	}
	terminal := root.insert(segs, rt.registry, rt.onWarning)
	if terminal.routes == nil {
		terminal.routes = make(map[string]*Route, 1)
	}
	if _, exists := terminal.routes[method]; exists {
		return nil, xyerrors.Validation("router: route %s %s already registered", method, path)
	}
	terminal.routes[method] = route

	if isStatic {
		m, ok := rt.static[method]
		if !ok {
			m = make(map[string]*Route)
			rt.static[method] = m
		}
		m[path] = route
	}

	return route, nil
}

// RouteSpec is one entry in a RegisterBatch call.
type RouteSpec struct {
	Method  string
	Path    string
	Handlers []HandlerFunc
}

// RegisterBatch registers every spec, stopping at the first error. Routes
// registered before the failing entry remain registered — batch
// registration is not transactional, matching startup-time route table
// construction where a config error should fail fast and loud.
func (rt *Router) RegisterBatch(specs []RouteSpec) ([]*Route, error) {
	routes := make([]*Route, 0, len(specs))
	for _, s := range specs {
		r, err := rt.Register(s.Method, s.Path, s.Handlers...)
		if err != nil {
			return routes, err
		}
		routes = append(routes, r)
	}
	return routes, nil
}

// Resolve finds the route matching method and path, returning its
// compiled route and extracted typed parameters. It checks the static
// fast path, then the predictive cache, before falling back to a trie
// descent; a successful trie match is offered to the cache for possible
// admission.
func (rt *Router) Resolve(method, path string) (*Route, map[string]any, error) {
	start := time.Now()
	method = strings.ToUpper(method)

	rt.mu.RLock()
	if m, ok := rt.static[method]; ok {
		if r, ok := m[path]; ok {
			rt.mu.RUnlock()
			rt.stats.recordResolve(routeKey(r), true, time.Since(start))
			return r, map[string]any{}, nil
		}
	}
	rt.mu.RUnlock()

	if r, rawParams, ok := rt.cache.lookup(method, path); ok {
		typed := rt.extractTyped(r, rawParams)
		rt.stats.recordResolve(routeKey(r), true, time.Since(start))
		return r, typed, nil
	}

	rt.mu.RLock()
	root, ok := rt.trees[method]
	rt.mu.RUnlock()
	if !ok {
		rt.stats.recordResolve(method+" "+path, false, time.Since(start))
		return nil, nil, xyerrors.Validation("router: no route for %s %s", method, path)
	}

	parts := splitRequestPath(path)
	raw := make(map[string]string, len(*parts))
	route := root.match(method, *parts, 0, rt.registry, raw)
	putParts(parts)

	if route == nil {
		rt.stats.recordResolve(method+" "+path, false, time.Since(start))
		return nil, nil, xyerrors.Validation("router: no route for %s %s", method, path)
	}

	rt.cache.observe(method, path, route, raw)
	typed := rt.extractTyped(route, raw)
	rt.stats.recordResolve(routeKey(route), false, time.Since(start))
	return route, typed, nil
}

// extractTyped runs each parameter's matcher Extract function (falling
// back to the raw string for kinds without one, or unknown kinds).
func (rt *Router) extractTyped(route *Route, raw map[string]string) map[string]any {
	typed := make(map[string]any, len(raw))
	segs, _ := splitPath(route.Path)
	kindByName := make(map[string]string, len(segs))
	for _, s := range segs {
		if s.kind == segParam {
			kindByName[s.param] = s.kindName
		}
	}
	for name, val := range raw {
		kind := kindByName[name]
		if kind == "" {
			typed[name] = val
			continue
		}
		if m, ok := rt.registry.Lookup(kind); ok && m.Extract != nil {
			typed[name] = m.Extract(val)
		} else {
			typed[name] = val
		}
	}
	return typed
}

// Remove deletes a previously registered route, invalidating any cached
// resolution for it.
func (rt *Router) Remove(method, path string) error {
	method = strings.ToUpper(method)
	segs, err := splitPath(path)
	if err != nil {
		return errors.Wrap(err, "router: remove")
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	root, ok := rt.trees[method]
	if !ok {
		return xyerrors.Validation("router: no route for %s %s", method, path)
	}
	terminal := root.insert(segs, rt.registry, nil)
	if terminal.routes == nil {
		return xyerrors.Validation("router: no route for %s %s", method, path)
	}
	removed, ok := terminal.routes[method]
	if !ok {
		return xyerrors.Validation("router: no route for %s %s", method, path)
	}
	delete(terminal.routes, method)

	if m, ok := rt.static[method]; ok {
		delete(m, path)
	}
	rt.cache.invalidate(method, path)
	rt.cache.mu.Lock()
	for k, e := range rt.cache.entries {
		if e.route == removed {
			delete(rt.cache.entries, k)
		}
	}
	rt.cache.mu.Unlock()
	return nil
}

// List returns every registered route across all methods, in no
// particular order.
func (rt *Router) List() []*Route {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var out []*Route
	for _, root := range rt.trees {
		root.walk(func(r *Route) { out = append(out, r) })
	}
	return out
}

// Visualize renders a flat, human-readable dump of every route and its
// priority score, primarily for debugging and the admin diagnostics
// surface.
func (rt *Router) Visualize() string {
	routes := rt.List()
	var b strings.Builder
	for _, r := range routes {
		fmt.Fprintf(&b, "%-6s %-40s priority=%d static=%v params=%v\n",
			r.Method, r.Path, r.Priority, r.IsStatic, r.ParamNames)
	}
	return b.String()
}

// Stats returns a snapshot of router-wide and per-route counters.
func (rt *Router) Stats() Snapshot { return rt.stats.Snapshot() }

// CacheSize reports how many entries are currently admitted into the
// predictive cache, for diagnostics.
func (rt *Router) CacheSize() int { return rt.cache.size() }

func routeKey(r *Route) string { return r.Method + " " + r.Path }
