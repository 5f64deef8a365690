package launch

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrUnsupportedPlatform is returned when the host OS has no known launch recipe.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Platform selects how the start script is wrapped.
type Platform int

const (
	PlatformPOSIX Platform = iota + 1
	PlatformWindows
)

func (p Platform) String() string {
	switch p {
	case PlatformPOSIX:
		return "posix"
	case PlatformWindows:
		return "windows"
	default:
		return "unknown"
	}
}

// ParsePlatform maps a GOOS value to a Platform.
func ParsePlatform(goos string) (Platform, error) {
	switch goos {
	case "windows":
		return PlatformWindows, nil
	case "linux", "darwin", "freebsd", "netbsd", "openbsd", "dragonfly", "solaris", "illumos", "aix":
		return PlatformPOSIX, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, goos)
	}
}

// CurrentPlatform resolves the platform of the running binary.
func CurrentPlatform() (Platform, error) { return ParsePlatform(runtime.GOOS) }
