//go:build !windows

package priority

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var niceValues = map[Level]int{
	Lowest:      19,
	BelowNormal: 10,
	Normal:      0,
	AboveNormal: -5,
	High:        -10,
	Highest:     -20,
}

// OSSetter applies a Level through setpriority(2).
// Negative nice values need CAP_SYS_NICE or root.
type OSSetter struct{}

func (OSSetter) Set(pid int32, l Level) error {
	nice, ok := niceValues[l]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLevel, l)
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, int(pid), nice); err != nil {
		return fmt.Errorf("setpriority pid %d nice %d: %w", pid, nice, err)
	}
	return nil
}
