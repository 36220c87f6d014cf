package pool

import (
	"context"
	"time"
)

// Kind selects which sub-pool a Task is scheduled on.
type Kind int

const (
	// KindCPU routes to the CPU-bound sub-pool, sized by Config.CPUMin/CPUMax.
	KindCPU Kind = iota
	// KindIO routes to the IO-bound sub-pool, sized larger to absorb
	// blocking waits on network/disk.
	KindIO
)

func (k Kind) String() string {
	if k == KindIO {
		return "io"
	}
	return "cpu"
}

// NoTimeout marks a Task as having no execution deadline. The zero value
// of Timeout is deliberately NOT treated as "no deadline" — Submit
// rejects it, since a task built with a zero-value struct that meant to
// set a real deadline and forgot is a much more likely bug than a task
// that genuinely wants to run forever.
const NoTimeout time.Duration = -1

// Task is one unit of work submitted to a Pool.
type Task struct {
	// ID identifies this task in logs and Result; Submit assigns one if
	// left empty.
	ID string

	// Fn is executed by a worker goroutine. It receives a context carrying
	// Task.Timeout (if set) and must respect cancellation.
	Fn func(ctx context.Context) error

	Kind     Kind
	Priority int // higher runs first; ties are FIFO

	// Timeout must be either NoTimeout or a positive duration; Submit
	// rejects a literal zero value as a validation error.
	Timeout time.Duration

	// MaxRetries overrides the pool's default retry count for this task.
	// Zero means "use the pool default"; to force zero retries, use
	// NoRetries instead of the literal 0.
	MaxRetries int
}

// NoRetries forces a task to never be retried, overriding the pool's
// default retry count. MaxRetries' zero value means "use the pool
// default" instead, so an explicit sentinel is needed for this case.
const NoRetries = -1

// Result is delivered on the channel returned by Pool.Submit.
type Result struct {
	TaskID   string
	Err      error
	Attempts int
}
