package cluster

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/xypriss/xypriss/ipc"
	"github.com/xypriss/xypriss/xyerrors"
)

// ReportHeartbeat dials the supervisor's control socket and sends a
// HeartbeatPayload every interval until ctx is canceled. It runs inside a
// worker process (see cli/serve.go's runWorker) as the counterpart to
// Supervisor.checkWorkers' staleness detection — without this, a
// worker's SinceHeartbeat never advances and it is reaped as stuck.
func ReportHeartbeat(ctx context.Context, socketPath string, key []byte, workerID int, interval time.Duration) error {
	if interval <= 0 {
		interval = heartbeatInterval
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return xyerrors.Transient(err, "cluster: worker %d could not dial control socket", workerID)
	}
	ipcConn, err := ipc.NewConn(conn, key)
	if err != nil {
		conn.Close()
		return err
	}
	defer ipcConn.Close()

	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return xyerrors.Fatal(err, "cluster: worker %d could not resolve its own process", workerID)
	}

	send := func() {
		payload := ipc.HeartbeatPayload{WorkerID: workerID}
		if cpu, err := self.CPUPercent(); err == nil {
			payload.CPU = cpu
		}
		if mem, err := self.MemoryInfo(); err == nil {
			payload.MemoryMB = mem.RSS / 1024 / 1024
		}
		_ = ipcConn.Send(ipc.TypeHeartbeat, payload)
	}

	send()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			send()
		}
	}
}
