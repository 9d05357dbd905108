//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// killProcessGroup makes a cancelled command take its children down with it.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
