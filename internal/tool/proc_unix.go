//go:build !windows

package tool

import (
	"os/exec"
	"syscall"
)

// killProcessGroup starts the child in its own group and kills the whole group
// on cancellation so grandchildren do not outlive the timeout.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
