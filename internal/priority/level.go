package priority

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownLevel is returned for priority names outside the supported set.
var ErrUnknownLevel = errors.New("unknown priority level")

// Level is an OS scheduling class applied to the whole server process tree.
type Level int

const (
	Lowest Level = iota + 1
	BelowNormal
	Normal
	AboveNormal
	High
	Highest
)

var levelNames = map[Level]string{
	Lowest:      "lowest",
	BelowNormal: "below-normal",
	Normal:      "normal",
	AboveNormal: "above-normal",
	High:        "high",
	Highest:     "highest",
}

func (l Level) String() string {
	if n, ok := levelNames[l]; ok {
		return n
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel accepts names case-insensitively; '-', '_' and no separator are
// all valid between words ("belowNormal", "below_normal", "below-normal").
func ParseLevel(s string) (Level, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("-", "", "_", "", " ", "").Replace(key)
	for l, name := range levelNames {
		if strings.ReplaceAll(name, "-", "") == key {
			return l, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
}
