//go:build windows

package cluster

import "os/exec"

// terminateGracefully has no SIGTERM equivalent on Windows; Kill()
// escalates straight to process termination.
func terminateGracefully(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
