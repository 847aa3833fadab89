//go:build !windows

package launcher

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the browser in its own process group so Stop reaches its
// renderer and GPU children too.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func signalGroup(pid int, sig syscall.Signal) error {
	pgid, err := syscall.Getpgid(pid)
	if err == nil && pgid > 0 {
		return syscall.Kill(-pgid, sig)
	}
	return syscall.Kill(pid, sig)
}

func terminate(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

func kill(pid int) error {
	err := signalGroup(pid, syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

// Process groups need no bookkeeping on Unix.
func trackChildren(cmd *exec.Cmd) error { return nil }

func releaseChildren(cmd *exec.Cmd) {}
