//go:build windows

package priority

import (
	"fmt"

	"golang.org/x/sys/windows"
)

var priorityClasses = map[Level]uint32{
	Lowest:      windows.IDLE_PRIORITY_CLASS,
	BelowNormal: windows.BELOW_NORMAL_PRIORITY_CLASS,
	Normal:      windows.NORMAL_PRIORITY_CLASS,
	AboveNormal: windows.ABOVE_NORMAL_PRIORITY_CLASS,
	High:        windows.HIGH_PRIORITY_CLASS,
	Highest:     windows.REALTIME_PRIORITY_CLASS,
}

// OSSetter applies a Level through SetPriorityClass.
type OSSetter struct{}

func (OSSetter) Set(pid int32, l Level) error {
	class, ok := priorityClasses[l]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLevel, l)
	}
	h, err := windows.OpenProcess(windows.PROCESS_SET_INFORMATION, false, uint32(pid))
	if err != nil {
		return fmt.Errorf("open pid %d: %w", pid, err)
	}
	defer func() { _ = windows.CloseHandle(h) }()
	if err := windows.SetPriorityClass(h, class); err != nil {
		return fmt.Errorf("set priority class pid %d: %w", pid, err)
	}
	return nil
}
