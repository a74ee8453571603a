//go:build !windows

package procsup

import (
	"os/exec"
	"syscall"
)

// signalGraceful sends SIGTERM, the graceful half of the 5s-then-kill
// termination sequence in §4.2.
func signalGraceful(cmd *exec.Cmd) error {
	return cmd.Process.Signal(syscall.SIGTERM)
}
