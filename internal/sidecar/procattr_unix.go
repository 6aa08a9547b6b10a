//go:build unix

package sidecar

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setProcAttr creates a new process group for the sidecar when group is set.
func setProcAttr(cmd *exec.Cmd, group bool) {
	if group {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
}

// killProcess sends SIGKILL to the process or to its whole process group.
func killProcess(p *os.Process, group bool) error {
	if !group {
		return p.Kill()
	}
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// interruptProcess sends SIGTERM to the process or to its whole process group.
func interruptProcess(p *os.Process, group bool) error {
	if !group {
		return p.Signal(syscall.SIGTERM)
	}
	err := syscall.Kill(-p.Pid, syscall.SIGTERM)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

func exitOf(state *os.ProcessState) Exit {
	exit := Exit{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		exit.Signal = ws.Signal().String()
	}
	return exit
}
