package router

import (
	"sync"
	"sync/atomic"
	"time"
)

// ewmaAlpha is the smoothing factor for resolve-time tracking (spec §4.1
// stats: exponentially weighted moving average).
const ewmaAlpha = 0.1

// Stats aggregates router-wide and per-route counters. All fields are safe
// for concurrent use; per-route breakdowns are guarded by a mutex since
// the route set is dynamic, while the global counters use atomics on the
// hot path.
type Stats struct {
	hits       atomic.Int64
	misses     atomic.Int64
	executions atomic.Int64

	mu          sync.Mutex
	resolveEWMA float64
	perRoute    map[string]*routeStats
}

type routeStats struct {
	hits       int64
	executions int64
	lastNanos  int64
}

// NewStats returns an empty Stats.
func NewStats() *Stats {
	return &Stats{perRoute: make(map[string]*routeStats)}
}

// recordResolve folds one resolution's latency into the EWMA and the
// route's own counters.
func (s *Stats) recordResolve(routeKey string, hit bool, d time.Duration) {
	if hit {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := float64(d.Nanoseconds())
	if s.resolveEWMA == 0 {
		s.resolveEWMA = elapsed
	} else {
		s.resolveEWMA = ewmaAlpha*elapsed + (1-ewmaAlpha)*s.resolveEWMA
	}
	rs, ok := s.perRoute[routeKey]
	if !ok {
		rs = &routeStats{}
		s.perRoute[routeKey] = rs
	}
	rs.hits++
	rs.lastNanos = d.Nanoseconds()
}

// recordExecution increments the executed-handler-chain counter for a
// resolved route, distinct from a resolve hit (a route can be resolved
// from the predictive cache without yet having finished executing).
func (s *Stats) recordExecution(routeKey string) {
	s.executions.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok := s.perRoute[routeKey]; ok {
		rs.executions++
	}
}

// Snapshot is the read-only view returned by Stats.Snapshot.
type Snapshot struct {
	Hits            int64
	Misses          int64
	Executions      int64
	ResolveEWMANanos float64
	Routes          map[string]RouteSnapshot
}

// RouteSnapshot is one route's entry within a Snapshot.
type RouteSnapshot struct {
	Hits        int64
	Executions  int64
	LastNanos   int64
}

// Snapshot returns a point-in-time copy of all counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	routes := make(map[string]RouteSnapshot, len(s.perRoute))
	for k, v := range s.perRoute {
		routes[k] = RouteSnapshot{Hits: v.hits, Executions: v.executions, LastNanos: v.lastNanos}
	}
	return Snapshot{
		Hits:             s.hits.Load(),
		Misses:           s.misses.Load(),
		Executions:       s.executions.Load(),
		ResolveEWMANanos: s.resolveEWMA,
		Routes:           routes,
	}
}
