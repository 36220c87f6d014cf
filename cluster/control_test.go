package cluster

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xypriss/xypriss/ipc"
)

func TestControlPlane_HeartbeatUpdatesWorker(t *testing.T) {
	t.Parallel()

	sockPath := filepath.Join(t.TempDir(), "control.sock")
	cp, err := newControlPlane(sockPath, nil, 5, time.Second, zerolog.Nop())
	require.NoError(t, err)
	defer cp.close()

	sup := &Supervisor{workers: []*Worker{NewWorker(0, 9100)}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cp.serve(ctx, sup)

	raw, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer raw.Close()

	conn, err := ipc.NewConn(raw, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Send(ipc.TypeHeartbeat, ipc.HeartbeatPayload{WorkerID: 0, CPU: 1.5, MemoryMB: 64}))

	require.Eventually(t, func() bool {
		return sup.workers[0].SinceHeartbeat() < time.Second
	}, time.Second, 10*time.Millisecond)
}

func TestControlPlane_MetricsSnapshot(t *testing.T) {
	t.Parallel()

	sockPath := filepath.Join(t.TempDir(), "control.sock")
	cp, err := newControlPlane(sockPath, nil, 5, time.Second, zerolog.Nop())
	require.NoError(t, err)
	defer cp.close()

	sup := &Supervisor{workers: []*Worker{NewWorker(0, 9100)}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cp.serve(ctx, sup)

	raw, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer raw.Close()

	conn, err := ipc.NewConn(raw, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Send(ipc.TypeMetrics, ipc.MetricsPayload{WorkerID: 0, RequestCount: 10, ErrorCount: 1, AvgLatencyMs: 4.2}))

	require.Eventually(t, func() bool {
		snap := cp.snapshotMetrics()
		m, ok := snap[0]
		return ok && m.RequestCount == 10
	}, time.Second, 10*time.Millisecond)
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	t.Parallel()

	b := ipc.NewBreaker(2, 50*time.Millisecond)
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.False(t, b.Allow())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, b.Allow())
}
