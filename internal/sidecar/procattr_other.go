//go:build !unix

package sidecar

import (
	"os"
	"os/exec"
)

// setProcAttr is a no-op, process groups are only used on unix.
func setProcAttr(_ *exec.Cmd, _ bool) {}

func killProcess(p *os.Process, _ bool) error {
	return p.Kill()
}

// interruptProcess falls back to Kill, os.Interrupt is not implemented on windows.
func interruptProcess(p *os.Process, _ bool) error {
	return p.Kill()
}

func exitOf(state *os.ProcessState) Exit {
	return Exit{Code: state.ExitCode()}
}
