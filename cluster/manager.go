// Package cluster implements the Cluster Supervisor: a master process
// that re-execs its own binary as HTTP-serving worker processes, health
// checks them over heartbeats, restarts crashed workers with a cooldown
// against crash loops, and load-balances incoming requests across them.
package cluster

import (
	"context"
	"encoding/hex"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/xypriss/xypriss/ipc"
	"github.com/xypriss/xypriss/xyerrors"
)

const (
	maxRapidRestarts   = 5
	rapidRestartWindow = 10 * time.Second
	respawnCooldown    = 30 * time.Second

	// heartbeatInterval is how often a worker is expected to report
	// liveness over the control plane (see cluster/heartbeat.go).
	heartbeatInterval = 10 * time.Second
	// missedHeartbeatLimit is how many consecutive intervals a worker may
	// miss before it's marked Unhealthy and reaped.
	missedHeartbeatLimit = 3
)

// Config configures the Supervisor.
type Config struct {
	WorkerCount int
	BasePort    int
	Strategy    string
	Respawn     bool

	MaxMemoryMB int
	MaxCPUPct   int
	EnforceHardLimits bool

	MemoryCheckInterval time.Duration
	ShutdownGrace       time.Duration

	// RescueMode enables memory-pressure intelligence: when every worker
	// has died and RescueMode is set, the supervisor logs at a higher
	// severity and retries spawning without backing off, on the theory
	// that an empty cluster is worse than a crash loop.
	RescueMode bool

	// IPCEncryptionKey seals the heartbeat/metrics channel if non-empty.
	IPCEncryptionKey []byte

	// ControlSocket is the unix socket workers dial back to report
	// heartbeats and metrics. Empty disables the control plane (workers
	// still serve HTTP directly; the supervisor just can't see them).
	ControlSocket string

	// IPCBreakerThreshold/IPCBreakerTimeout guard each worker's control
	// connection: after this many consecutive receive failures, the
	// supervisor stops attempting to push messages to that worker until
	// the timeout passes.
	IPCBreakerThreshold uint32
	IPCBreakerTimeout   time.Duration

	Env Env
}

func (c *Config) applyDefaults() {
	if c.WorkerCount == 0 {
		c.WorkerCount = runtime.NumCPU()
	}
	if c.BasePort == 0 {
		c.BasePort = 9000
	}
	if c.MemoryCheckInterval == 0 {
		c.MemoryCheckInterval = 5 * time.Second
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.IPCBreakerThreshold == 0 {
		c.IPCBreakerThreshold = 5
	}
	if c.IPCBreakerTimeout == 0 {
		c.IPCBreakerTimeout = 30 * time.Second
	}
}

// Supervisor owns the worker pool and its balancer.
type Supervisor struct {
	cfg      Config
	log      zerolog.Logger
	balancer Balancer

	mu              sync.RWMutex
	workers         []*Worker
	lastRespawnTime []time.Time

	rescueActive bool

	control *controlPlane

	stop chan struct{}
}

// New builds a Supervisor with cfg.WorkerCount workers, not yet started.
func New(cfg Config, logger zerolog.Logger) (*Supervisor, error) {
	cfg.applyDefaults()
	balancer, err := NewBalancer(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	workers := make([]*Worker, cfg.WorkerCount)
	for i := range workers {
		workers[i] = NewWorker(i, cfg.BasePort+i)
	}

	return &Supervisor{
		cfg:             cfg,
		log:             logger,
		balancer:        balancer,
		workers:         workers,
		lastRespawnTime: make([]time.Time, cfg.WorkerCount),
		stop:            make(chan struct{}),
	}, nil
}

// Start spawns every worker and launches the monitor loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Info().Int("workers", len(s.workers)).Str("strategy", s.cfg.Strategy).Msg("cluster: starting")

	if s.cfg.ControlSocket != "" {
		cp, err := newControlPlane(s.cfg.ControlSocket, s.cfg.IPCEncryptionKey, s.cfg.IPCBreakerThreshold, s.cfg.IPCBreakerTimeout, s.log)
		if err != nil {
			return xyerrors.Fatal(err, "cluster: control plane listen failed")
		}
		s.control = cp
		go cp.serve(ctx, s)
	}

	for _, w := range s.workers {
		if err := w.Spawn(ctx, s.workerEnv()); err != nil {
			s.log.Error().Int("worker", w.ID).Err(err).Msg("cluster: spawn failed")
		}
	}
	go s.monitorLoop(ctx)
	return nil
}

// workerEnv returns the environment passed to every spawned worker,
// extended with the control-plane socket path and encryption key so the
// worker can dial back and report heartbeats (see cluster/heartbeat.go).
func (s *Supervisor) workerEnv() Env {
	env := make(Env, len(s.cfg.Env)+2)
	for k, v := range s.cfg.Env {
		env[k] = v
	}
	if s.cfg.ControlSocket != "" {
		env["CONTROL_SOCKET"] = s.cfg.ControlSocket
		if len(s.cfg.IPCEncryptionKey) > 0 {
			env["IPC_KEY"] = hex.EncodeToString(s.cfg.IPCEncryptionKey)
		}
	}
	return env
}

// workerByID returns the worker with the given ID, or nil.
func (s *Supervisor) workerByID(id int) *Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workers {
		if w.ID == id {
			return w
		}
	}
	return nil
}

// Broadcast pushes a control-plane message to every worker currently
// connected to the control plane, skipping any whose breaker is open.
func (s *Supervisor) Broadcast(msgType ipc.MessageType, payload any) {
	if s.control == nil {
		return
	}
	s.control.broadcast(msgType, payload)
}

// RouteMetrics returns the aggregated per-worker metrics last reported
// over the control plane, keyed by worker ID.
func (s *Supervisor) RouteMetrics() map[int]ipc.MetricsPayload {
	if s.control == nil {
		return nil
	}
	return s.control.snapshotMetrics()
}

func (s *Supervisor) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MemoryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.checkWorkers(ctx)
		}
	}
}

func (s *Supervisor) checkWorkers(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	aliveCount := 0
	for _, w := range s.workers {
		if w.IsHealthy() && s.cfg.ControlSocket != "" && w.SinceHeartbeat() > missedHeartbeatLimit*heartbeatInterval {
			if w.MarkUnhealthy() {
				s.log.Warn().Int("worker", w.ID).Dur("since_heartbeat", w.SinceHeartbeat()).
					Msg("cluster: worker missed heartbeats, marking unhealthy and reaping")
			}
			_ = w.Kill(s.cfg.ShutdownGrace)
		}

		if !w.IsAlive() {
			s.handleDeadWorker(ctx, w)
			continue
		}
		aliveCount++
		s.enforceResourceLimits(w)
	}

	if aliveCount == 0 && s.cfg.RescueMode && !s.rescueActive {
		s.rescueActive = true
		s.log.Warn().Msg("cluster: all workers down, rescue mode active — respawning without backoff")
	} else if aliveCount > 0 {
		s.rescueActive = false
	}
}

func (s *Supervisor) handleDeadWorker(ctx context.Context, w *Worker) {
	s.log.Warn().Int("worker", w.ID).Int("exit_code", w.ExitCode()).Msg("cluster: worker died")
	if !s.cfg.Respawn {
		return
	}

	now := time.Now()
	if !s.rescueActive && w.Restarts >= maxRapidRestarts {
		since := now.Sub(s.lastRespawnTime[w.ID])
		if since < respawnCooldown {
			s.log.Warn().Int("worker", w.ID).Dur("remaining", respawnCooldown-since).
				Msg("cluster: worker in crash-loop cooldown")
			return
		}
		w.Restarts = 0
	}

	w.Restarts++
	s.lastRespawnTime[w.ID] = now
	if err := w.Spawn(ctx, s.workerEnv()); err != nil {
		s.log.Error().Int("worker", w.ID).Err(err).Msg("cluster: respawn failed")
	}
}

func (s *Supervisor) enforceResourceLimits(w *Worker) {
	pid := w.PID()
	if pid == 0 {
		return
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}

	if s.cfg.MaxMemoryMB > 0 {
		if mem, err := p.MemoryInfo(); err == nil {
			memMB := mem.RSS / 1024 / 1024
			if memMB > uint64(s.cfg.MaxMemoryMB) {
				s.log.Warn().Int("worker", w.ID).Uint64("rss_mb", memMB).Msg("cluster: worker over memory limit")
				if s.cfg.EnforceHardLimits {
					_ = w.Kill(s.cfg.ShutdownGrace)
				}
			}
		}
	}

	if s.cfg.MaxCPUPct > 0 {
		if cpu, err := p.CPUPercent(); err == nil && int(cpu) > s.cfg.MaxCPUPct {
			s.log.Warn().Int("worker", w.ID).Float64("cpu_pct", cpu).Msg("cluster: worker over cpu limit")
			if s.cfg.EnforceHardLimits {
				_ = w.Kill(s.cfg.ShutdownGrace)
			}
		}
	}
}

// Workers returns the current worker set. Callers must not mutate it.
func (s *Supervisor) Workers() []*Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workers
}

// Balancer exposes the configured Balancer for HTTP-level routing.
func (s *Supervisor) Balancer() Balancer { return s.balancer }

// PIDs returns the OS process IDs of every currently alive worker.
func (s *Supervisor) PIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pids := make([]int, 0, len(s.workers))
	for _, w := range s.workers {
		if pid := w.PID(); pid != 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}

// Stop signals the monitor loop to exit and terminates every worker.
func (s *Supervisor) Stop() {
	close(s.stop)
	if s.control != nil {
		s.control.close()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if w.IsAlive() {
			s.log.Info().Int("worker", w.ID).Msg("cluster: stopping worker")
			_ = w.Kill(s.cfg.ShutdownGrace)
		}
	}
}
