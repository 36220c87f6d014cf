// Package pool implements the two-tier (CPU/IO) worker task pool: a
// priority queue per tier, elastic worker counts between a configured
// min and max, linear-backoff retries, graceful draining and
// work-stealing between tiers under global backpressure.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xypriss/xypriss/xyerrors"
)

// Config tunes a Pool's two sub-pools.
type Config struct {
	CPUMin, CPUMax int
	IOMin, IOMax   int

	// DefaultMaxRetries applies to tasks that leave Task.MaxRetries at 0.
	DefaultMaxRetries int
	// RetryBackoff is the linear backoff unit: attempt N waits N*RetryBackoff.
	RetryBackoff time.Duration

	// DrainGracePeriod bounds how long Shutdown waits for in-flight and
	// already-queued tasks to finish before abandoning the rest.
	DrainGracePeriod time.Duration

	// StealThreshold is the fraction of combined CPU+IO capacity in use
	// above which idle workers in one tier pull tasks from the other.
	StealThreshold float64

	// IdleTimeout is how long a surge worker (above Min) waits for work
	// before exiting.
	IdleTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.CPUMin == 0 {
		c.CPUMin = 2
	}
	if c.CPUMax == 0 {
		c.CPUMax = c.CPUMin * 4
	}
	if c.IOMin == 0 {
		c.IOMin = 4
	}
	if c.IOMax == 0 {
		c.IOMax = c.IOMin * 8
	}
	if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	if c.DrainGracePeriod == 0 {
		c.DrainGracePeriod = 10 * time.Second
	}
	if c.StealThreshold == 0 {
		c.StealThreshold = 0.75
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
}

// Pool is the two-tier worker task pool.
type Pool struct {
	cfg Config
	log zerolog.Logger

	cpu *subPool
	io  *subPool

	draining atomic.Bool
	wg       sync.WaitGroup
}

// New builds a Pool and starts each sub-pool's minimum worker count.
func New(cfg Config, logger zerolog.Logger) *Pool {
	cfg.applyDefaults()
	p := &Pool{cfg: cfg, log: logger}
	p.cpu = newSubPool(KindCPU, cfg.CPUMin, cfg.CPUMax, cfg.IdleTimeout)
	p.io = newSubPool(KindIO, cfg.IOMin, cfg.IOMax, cfg.IdleTimeout)
	p.cpu.peer = p.io
	p.io.peer = p.cpu
	p.cpu.stealThreshold = cfg.StealThreshold
	p.io.stealThreshold = cfg.StealThreshold

	for i := 0; i < cfg.CPUMin; i++ {
		p.spawn(p.cpu)
	}
	for i := 0; i < cfg.IOMin; i++ {
		p.spawn(p.io)
	}
	return p
}

// Submit enqueues task and returns a channel delivering its Result once
// it completes (including after exhausting retries). A task with
// Timeout == 0 (set explicitly or left unset) is rejected as a validation
// error — callers that don't want a deadline pass NoTimeout.
func (p *Pool) Submit(task *Task) (<-chan Result, error) {
	if p.draining.Load() {
		return nil, xyerrors.Capacity("pool: rejecting submission, pool is draining")
	}
	if task.Fn == nil {
		return nil, xyerrors.Validation("pool: task.Fn must not be nil")
	}
	if task.Timeout == 0 {
		return nil, xyerrors.Validation("pool: task.Timeout must not be a literal zero; use pool.NoTimeout for no deadline")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	sp := p.cpu
	if task.Kind == KindIO {
		sp = p.io
	}

	resultCh := make(chan Result, 1)
	maxRetries := task.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = p.cfg.DefaultMaxRetries
	case maxRetries == NoRetries:
		maxRetries = 0
	}

	p.wg.Add(1)
	sp.enqueue(task, resultCh, maxRetries, p.cfg.RetryBackoff, p.log)
	p.maybeScaleUp(sp)
	return resultCh, nil
}

// spawn starts one worker goroutine for sp, tracked by the pool's
// WaitGroup so Shutdown can wait for in-flight work to drain.
func (p *Pool) spawn(sp *subPool) {
	sp.incWorkers()
	go func() {
		defer sp.decWorkers()
		sp.runWorker(p)
	}()
}

// maybeScaleUp spawns an additional worker on sp if it is under its max
// and the queue has a backlog, matching the elasticity invariant.
func (p *Pool) maybeScaleUp(sp *subPool) {
	if sp.workers() >= sp.max {
		return
	}
	if sp.queueLen() <= sp.workers() {
		return
	}
	p.spawn(sp)
}

// Stats reports point-in-time occupancy for both sub-pools.
type Stats struct {
	CPUWorkers, CPUMax, CPUQueued int
	IOWorkers, IOMax, IOQueued    int
}

// Stats returns current worker and queue counts for both tiers.
func (p *Pool) Stats() Stats {
	return Stats{
		CPUWorkers: p.cpu.workers(),
		CPUMax:     p.cpu.max,
		CPUQueued:  p.cpu.queueLen(),
		IOWorkers:  p.io.workers(),
		IOMax:      p.io.max,
		IOQueued:   p.io.queueLen(),
	}
}

// Shutdown stops accepting new submissions and waits up to
// DrainGracePeriod for outstanding work to complete before returning.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.draining.Store(true)
	p.cpu.stopAccepting()
	p.io.stopAccepting()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace, cancel := context.WithTimeout(ctx, p.cfg.DrainGracePeriod)
	defer cancel()

	select {
	case <-done:
		return nil
	case <-grace.Done():
		return xyerrors.Timeout("pool: shutdown grace period elapsed with tasks still in flight")
	}
}
