//go:build !windows

package executor

import (
	"errors"
	"os/exec"
	"syscall"
)

const (
	scriptExt     = ".sh"
	scriptHeader  = "#!/bin/sh\n"
	scriptNewline = "\n"
	scriptPerm    = 0o755
)

func shellCommand(path string) *exec.Cmd {
	cmd := exec.Command("/bin/sh", path)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// killTree SIGKILLs the process group the script runs in.
func killTree(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return cmd.Process.Kill()
}
