// Package plugin implements the Plugin Registry: a typed table of
// lifecycle hooks that external collaborators (body parsers, log
// shippers, fingerprinting middleware and the like) attach to without the
// core framework knowing anything about them. Hooks run in ascending
// priority order; a hook that panics or errors is isolated, counted
// against its plugin, and never takes down its neighbours.
package plugin

import (
	"context"
	"time"

	"github.com/xypriss/xypriss/router"
)

// RateLimitInfo describes a rate-limit decision passed to OnRateLimit
// hooks, e.g. by the Request Manager's per-IP gate.
type RateLimitInfo struct {
	IP      string
	Limit   int
	Window  time.Duration
	Blocked bool
}

// Hooks is the subset of lifecycle callbacks a plugin implements. Every
// field is optional; a nil field is simply skipped.
type Hooks struct {
	// OnServerStart/OnServerStop run once, at process boundaries.
	OnServerStart func(ctx context.Context) error
	OnServerStop  func(ctx context.Context) error

	// OnRequest runs before routing completes. Returning handled=true
	// short-circuits the remaining chain (the hook is expected to have
	// written its own response via ctx.Writer).
	OnRequest func(ctx *router.Context) (handled bool, err error)

	// OnResponse runs after a handler chain finishes, given its timing.
	OnResponse func(ctx *router.Context, timing time.Duration) error

	// OnRateLimit runs whenever the Request Manager rejects or flags a
	// request for rate limiting.
	OnRateLimit func(ctx *router.Context, info RateLimitInfo) error

	// OnResponseTime runs with the final response latency in milliseconds,
	// distinct from OnResponse so metrics-only plugins can skip the
	// heavier per-response hook entirely.
	OnResponseTime func(ctx *router.Context, ms float64) error
}

// Plugin is a named, versioned bundle of hooks plus its run priority.
// Lower Priority values run first.
type Plugin struct {
	Name     string
	Version  string
	Priority int
	Hooks    Hooks
}
