package cluster

import (
	"net/http"
	"sync/atomic"

	"github.com/xypriss/xypriss/xyerrors"
)

// Balancer selects a healthy worker to route a request to. This mirrors
// a reverse-proxy upstream balancer, just selecting among this process's
// own cluster workers instead of arbitrary backend URLs.
type Balancer interface {
	Select(workers []*Worker, r *http.Request) *Worker
}

// NewBalancer returns the Balancer for strategy: "round-robin" (default)
// or "weighted-least-connections".
func NewBalancer(strategy string) (Balancer, error) {
	switch strategy {
	case "round-robin", "":
		return &roundRobinBalancer{}, nil
	case "weighted-least-connections":
		return &weightedLeastConnBalancer{}, nil
	default:
		return nil, xyerrors.Validation("cluster: unknown balancing strategy %q", strategy)
	}
}

// selectAlive narrows workers down to those currently healthy (running
// and heartbeating on schedule) before handing them to fn — an unhealthy
// worker is never selected, per spec.
func selectAlive(workers []*Worker, fn func([]*Worker) *Worker) *Worker {
	alive := make([]*Worker, 0, len(workers))
	for _, w := range workers {
		if w.IsHealthy() {
			alive = append(alive, w)
		}
	}
	if len(alive) == 0 {
		return nil
	}
	return fn(alive)
}

type roundRobinBalancer struct{ counter uint64 }

func (b *roundRobinBalancer) Select(workers []*Worker, _ *http.Request) *Worker {
	return selectAlive(workers, func(pool []*Worker) *Worker {
		n := atomic.AddUint64(&b.counter, 1)
		return pool[(n-1)%uint64(len(pool))]
	})
}

// weightedLeastConnBalancer picks the worker with the lowest
// active-connections-per-weight ratio, breaking ties by the lower PID so
// selection stays deterministic among otherwise-equal candidates.
type weightedLeastConnBalancer struct{}

func (b *weightedLeastConnBalancer) Select(workers []*Worker, _ *http.Request) *Worker {
	return selectAlive(workers, func(pool []*Worker) *Worker {
		best := pool[0]
		bestScore := loadScore(best)
		for _, w := range pool[1:] {
			score := loadScore(w)
			switch {
			case score < bestScore:
				best, bestScore = w, score
			case score == bestScore && w.PID() < best.PID():
				best, bestScore = w, score
			}
		}
		return best
	})
}

func loadScore(w *Worker) float64 {
	weight := w.Weight
	if weight <= 0 {
		weight = 1
	}
	return float64(w.active()) / float64(weight)
}
