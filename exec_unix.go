//go:build !windows

package bindrelease

import (
	"os/exec"
	"syscall"
)

// killProcessGroup starts c in its own process group and makes context
// cancellation kill the whole group, so compilers and build daemons
// spawned by the tool stop with it.
func killProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
}
