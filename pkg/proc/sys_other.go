//go:build windows || plan9

package proc

import "os/exec"

func setSysProcAttr(cmd *exec.Cmd) {}
