//go:build windows

package executor

import (
	"os/exec"
	"strconv"
)

const (
	scriptExt     = ".bat"
	scriptHeader  = "@echo off\r\n"
	scriptNewline = "\r\n"
	scriptPerm    = 0o644
)

func shellCommand(path string) *exec.Cmd {
	return exec.Command("cmd", "/C", path)
}

// killTree force-kills the script and every process it spawned.
func killTree(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid)).Run(); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
