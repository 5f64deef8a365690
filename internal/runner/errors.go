package runner

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Spawn while a process handle is held.
	ErrAlreadyRunning = errors.New("server is already running")
	// ErrClosed is returned after the supervisor has been closed.
	ErrClosed = errors.New("supervisor closed")
	// ErrSpawnAborted is returned by a Spawn that Kill cancelled before the
	// server reached Running.
	ErrSpawnAborted = errors.New("spawn aborted by kill")
)

// ConfigError reports a missing required setting. No process is created.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("server configuration incomplete: %s is not set", e.Field)
}

// ConfigParseError reports that the listening port could not be derived from
// the server config file and no forced port is configured.
type ConfigParseError struct {
	Path string
	Err  error
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("cannot resolve port from %s: %v", e.Path, e.Err)
}

func (e *ConfigParseError) Unwrap() error { return e.Err }

// SpawnError reports that the OS did not produce a usable server process.
type SpawnError struct {
	Cmd string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v", e.Cmd, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Fatal reports that retrying is pointless until the installation is fixed.
func (e *SpawnError) Fatal() bool { return true }

// IsFatal reports whether err, or an error it wraps, is fatal to the host.
func IsFatal(err error) bool {
	var f interface{ Fatal() bool }
	return errors.As(err, &f) && f.Fatal()
}
