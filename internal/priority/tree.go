package priority

import (
	"context"
	"errors"
	"fmt"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// TreeLister enumerates a process and all of its descendants.
type TreeLister interface {
	Tree(ctx context.Context, root int32) ([]int32, error)
}

// ProcessTree walks the live process table through gopsutil. The result is
// rebuilt on every call; children spawned by the start script appear late.
type ProcessTree struct{}

// Tree returns root followed by its descendants in breadth-first order.
func (ProcessTree) Tree(ctx context.Context, root int32) ([]int32, error) {
	rp, err := gopsproc.NewProcessWithContext(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("lookup pid %d: %w", root, err)
	}
	pids := []int32{root}
	seen := map[int32]bool{root: true}
	queue := []*gopsproc.Process{rp}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			if errors.Is(err, gopsproc.ErrorNoChildren) {
				continue
			}
			// the parent may exit while we walk; only the root is mandatory
			if p.Pid == root {
				return nil, fmt.Errorf("children of pid %d: %w", root, err)
			}
			continue
		}
		for _, c := range children {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			pids = append(pids, c.Pid)
			queue = append(queue, c)
		}
	}
	return pids, nil
}
