package client

import "time"

// Status mirrors GET /status.
type Status struct {
	State        string        `json:"state"`
	PID          int           `json:"pid,omitempty"`
	Port         int           `json:"port,omitempty"`
	SessionID    string        `json:"session_id,omitempty"`
	StartedAt    time.Time     `json:"started_at,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	Resources    []string      `json:"resources,omitempty"`
	Hitches      int           `json:"hitches"`
	WorstHitchMs int           `json:"worst_hitch_ms"`
}

// UsageSample is one aggregate reading of the server process tree.
type UsageSample struct {
	Timestamp  time.Time `json:"timestamp"`
	Processes  int       `json:"processes"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
}

// Usage mirrors GET /usage.
type Usage struct {
	Latest  *UsageSample  `json:"latest,omitempty"`
	History []UsageSample `json:"history"`
}

// CommandRequest is the body of POST /command.
type CommandRequest struct {
	Command   string `json:"command"`
	Capture   bool   `json:"capture,omitempty"`
	CaptureMs int    `json:"capture_ms,omitempty"`
}

// CommandResult reports whether the server accepted the command and, for
// captured commands, what it printed.
type CommandResult struct {
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
}

// KillResult carries the warning the daemon returns when termination
// reported an error but the handle was cleared anyway.
type KillResult struct {
	OK      bool   `json:"ok"`
	Warning string `json:"warning,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
