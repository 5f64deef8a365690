//go:build !windows

package runner

import (
	"errors"
	"os/exec"
	"syscall"

	"github.com/loykin/fxrunner/internal/launch"
)

// configureSysProcAttr places the server in a new process group so the whole
// tree can be signaled at once.
func configureSysProcAttr(cmd *exec.Cmd, _ launch.Invocation) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateTree(pid int) error { return signalGroup(pid, syscall.SIGTERM) }

func killTree(pid int) error { return signalGroup(pid, syscall.SIGKILL) }

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
