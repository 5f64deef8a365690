//go:build windows

package runner

import (
	"context"
	"os/exec"
	"strings"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/fxrunner/internal/launch"
	"github.com/loykin/fxrunner/internal/priority"
)

const CREATE_NEW_PROCESS_GROUP = 0x00000200

// configureSysProcAttr creates a new process group and passes the command
// line through untouched: cmd.exe parses its own quoting after /c.
func configureSysProcAttr(cmd *exec.Cmd, inv launch.Invocation) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: CREATE_NEW_PROCESS_GROUP,
		CmdLine:       inv.Shell + " " + strings.Join(inv.Args, " "),
	}
}

// Windows has no group signals; both stages terminate every process in the tree.
func terminateTree(pid int) error { return killTree(pid) }

func killTree(pid int) error {
	if pid <= 0 {
		return nil
	}
	ctx := context.Background()
	pids, err := priority.ProcessTree{}.Tree(ctx, int32(pid))
	if err != nil {
		// root already gone
		return nil
	}
	// children first so the wrapper shell cannot respawn anything
	var firstErr error
	for i := len(pids) - 1; i >= 0; i-- {
		p, err := gopsproc.NewProcessWithContext(ctx, pids[i])
		if err != nil {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil && firstErr == nil && pids[i] == int32(pid) {
			firstErr = err
		}
	}
	return firstErr
}
