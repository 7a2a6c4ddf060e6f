//go:build unix

package runtime

import (
	"os/exec"
	"syscall"
)

// detach puts the process in its own group so it survives the parent.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

func terminate(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func kill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
