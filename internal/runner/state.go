package runner

// State is the supervisor lifecycle state.
//
// Idle -> Starting -> Running -> Stopping -> Idle
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func allStates() []string {
	return []string{StateIdle.String(), StateStarting.String(), StateRunning.String(), StateStopping.String()}
}
