//go:build windows

package transport

import "os/exec"

// terminateGracefully kills the process directly: Windows has no SIGTERM
// equivalent reachable without golang.org/x/sys, so Kill() (TerminateProcess)
// is the only portable option here, grounded on the teacher's
// process_windows.go sendGracefulStop, which does the same.
func terminateGracefully(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
