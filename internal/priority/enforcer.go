package priority

import (
	"context"
	"log/slog"

	"github.com/loykin/fxrunner/internal/metrics"
)

// Setter changes the scheduling priority of a single process.
type Setter interface {
	Set(pid int32, l Level) error
}

// Result summarises one enforcement pass. Failures are never fatal to the caller.
type Result struct {
	Level   Level
	Tree    []int32
	Applied int
	Failed  int
	Skipped bool
	Err     error
}

// Enforcer applies a configured Level to every process in a tree.
type Enforcer struct {
	tree   TreeLister
	setter Setter
	log    *slog.Logger
}

// NewEnforcer wires the OS-backed tree lister and setter.
func NewEnforcer(log *slog.Logger) *Enforcer {
	return NewEnforcerWith(ProcessTree{}, OSSetter{}, log)
}

func NewEnforcerWith(tree TreeLister, setter Setter, log *slog.Logger) *Enforcer {
	if log == nil {
		log = slog.Default()
	}
	return &Enforcer{tree: tree, setter: setter, log: log.With("component", "priority")}
}

// Enforce resolves configured and applies it to root and all its descendants.
// "normal" skips enforcement. Unknown names and enumeration failures only warn.
func (e *Enforcer) Enforce(ctx context.Context, root int32, configured string) Result {
	lvl, err := ParseLevel(configured)
	if err != nil {
		e.log.Warn("invalid process priority, leaving it unchanged", "priority", configured, "error", err)
		metrics.IncPriorityFailure("invalid")
		return Result{Skipped: true, Err: err}
	}
	if lvl == Normal {
		return Result{Level: lvl, Skipped: true}
	}

	pids, err := e.tree.Tree(ctx, root)
	if err != nil {
		e.log.Warn("could not enumerate server process tree", "pid", root, "error", err)
		metrics.IncPriorityFailure("enumerate")
		return Result{Level: lvl, Err: err}
	}

	res := Result{Level: lvl, Tree: pids}
	for _, pid := range pids {
		if err := e.setter.Set(pid, lvl); err != nil {
			e.log.Warn("failed to set process priority", "pid", pid, "priority", lvl.String(), "error", err)
			metrics.IncPriorityFailure("set")
			res.Failed++
			res.Err = err
			continue
		}
		res.Applied++
	}
	metrics.AddPriorityApplied(lvl.String(), res.Applied)
	e.log.Info("process priority applied", "priority", lvl.String(), "processes", res.Applied, "failed", res.Failed)
	return res
}
