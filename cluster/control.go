package cluster

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xypriss/xypriss/ipc"
)

// controlPlane accepts worker connections on a unix socket and exchanges
// control-plane messages (heartbeat, metrics, shutdown, broadcast) with
// them. Request/response bodies never cross this channel — each worker
// serves HTTP directly on its own port.
type controlPlane struct {
	ln        net.Listener
	key       []byte
	threshold uint32
	timeout   time.Duration
	log       zerolog.Logger

	mu      sync.RWMutex
	conns   map[int]*ipc.Conn
	breaker map[int]*ipc.Breaker
	metrics map[int]ipc.MetricsPayload
}

func newControlPlane(socketPath string, key []byte, threshold uint32, timeout time.Duration, log zerolog.Logger) (*controlPlane, error) {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return &controlPlane{
		ln:        ln,
		key:       key,
		threshold: threshold,
		timeout:   timeout,
		log:       log,
		conns:     make(map[int]*ipc.Conn),
		breaker:   make(map[int]*ipc.Breaker),
		metrics:   make(map[int]ipc.MetricsPayload),
	}, nil
}

// serve accepts worker connections until ctx is done or the listener is
// closed, dispatching each to its own handler goroutine.
func (cp *controlPlane) serve(ctx context.Context, sup *Supervisor) {
	go func() {
		<-ctx.Done()
		cp.close()
	}()

	for {
		raw, err := cp.ln.Accept()
		if err != nil {
			return
		}
		go cp.handle(raw, sup)
	}
}

func (cp *controlPlane) handle(raw net.Conn, sup *Supervisor) {
	conn, err := ipc.NewConn(raw, cp.key)
	if err != nil {
		cp.log.Error().Err(err).Msg("cluster: control conn setup failed")
		_ = raw.Close()
		return
	}
	defer conn.Close()

	var workerID = -1
	for {
		msg, err := conn.Receive()
		if err != nil {
			if workerID >= 0 {
				cp.breakerFor(workerID).RecordFailure()
			}
			return
		}

		switch msg.Type {
		case ipc.TypeHeartbeat:
			var hb ipc.HeartbeatPayload
			if err := json.Unmarshal(msg.Payload, &hb); err != nil {
				continue
			}
			workerID = hb.WorkerID
			cp.register(workerID, conn)
			cp.breakerFor(workerID).RecordSuccess()
			if w := sup.workerByID(workerID); w != nil {
				w.Heartbeat()
			}

		case ipc.TypeMetrics:
			var m ipc.MetricsPayload
			if err := json.Unmarshal(msg.Payload, &m); err != nil {
				continue
			}
			cp.mu.Lock()
			cp.metrics[m.WorkerID] = m
			cp.mu.Unlock()

		default:
			cp.log.Debug().Str("type", string(msg.Type)).Msg("cluster: unhandled control message")
		}
	}
}

func (cp *controlPlane) register(workerID int, conn *ipc.Conn) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.conns[workerID] = conn
}

func (cp *controlPlane) breakerFor(workerID int) *ipc.Breaker {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	b, ok := cp.breaker[workerID]
	if !ok {
		b = ipc.NewBreaker(cp.threshold, cp.timeout)
		cp.breaker[workerID] = b
	}
	return b
}

// broadcast sends msgType/payload to every registered worker whose
// breaker currently allows it.
func (cp *controlPlane) broadcast(msgType ipc.MessageType, payload any) {
	cp.mu.RLock()
	targets := make(map[int]*ipc.Conn, len(cp.conns))
	for id, c := range cp.conns {
		targets[id] = c
	}
	cp.mu.RUnlock()

	for id, conn := range targets {
		b := cp.breakerFor(id)
		if !b.Allow() {
			continue
		}
		if err := conn.Send(msgType, payload); err != nil {
			b.RecordFailure()
			continue
		}
		b.RecordSuccess()
	}
}

func (cp *controlPlane) snapshotMetrics() map[int]ipc.MetricsPayload {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	out := make(map[int]ipc.MetricsPayload, len(cp.metrics))
	for k, v := range cp.metrics {
		out[k] = v
	}
	return out
}

func (cp *controlPlane) close() {
	_ = cp.ln.Close()
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for _, c := range cp.conns {
		_ = c.Close()
	}
}
