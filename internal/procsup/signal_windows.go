//go:build windows

package procsup

import "os/exec"

// signalGraceful has no SIGTERM equivalent on Windows; Close falls straight
// through to the forceful Kill step of the termination sequence in §4.2.
func signalGraceful(cmd *exec.Cmd) error {
	return nil
}
