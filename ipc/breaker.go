package ipc

import (
	"sync"
	"sync/atomic"
	"time"
)

// Breaker guards a worker's control-plane connection: once consecutive
// failures cross Threshold, Allow refuses further sends until Timeout has
// elapsed since the last failure, giving a worker stuck failing to
// heartbeat room to recover instead of being hammered with retries.
type Breaker struct {
	threshold uint32
	timeout   time.Duration

	failures    atomic.Uint32
	mu          sync.Mutex
	lastFailure time.Time
}

// NewBreaker returns a Breaker. threshold is the number of consecutive
// failures before tripping; timeout is how long it stays open.
func NewBreaker(threshold uint32, timeout time.Duration) *Breaker {
	return &Breaker{threshold: threshold, timeout: timeout}
}

// Allow reports whether a send should proceed.
func (b *Breaker) Allow() bool {
	if b.failures.Load() < b.threshold {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Since(b.lastFailure) > b.timeout
}

// RecordSuccess resets the failure count.
func (b *Breaker) RecordSuccess() { b.failures.Store(0) }

// RecordFailure increments the failure count and, once it crosses
// threshold, starts the open-circuit timeout.
func (b *Breaker) RecordFailure() {
	n := b.failures.Add(1)
	if n >= b.threshold {
		b.mu.Lock()
		b.lastFailure = time.Now()
		b.mu.Unlock()
	}
}
