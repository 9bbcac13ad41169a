//go:build windows

package browser

import "os/exec"

// setProcessGroup is a no-op on Windows; job objects would be the
// equivalent isolation primitive but are out of scope here.
func setProcessGroup(cmd *exec.Cmd) {}

func terminateProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
