//go:build !windows

package cluster

import (
	"os/exec"
	"syscall"
)

// terminateGracefully sends SIGTERM, giving the worker a chance to drain
// in-flight requests before Kill escalates to SIGKILL.
func terminateGracefully(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}
