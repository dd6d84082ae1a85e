//go:build !windows && !plan9

package proc

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr puts the child in its own process group, so that an
// interrupt delivered to the parent's terminal does not kill workers
// mid-protocol; the coordinator winds them down itself.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
