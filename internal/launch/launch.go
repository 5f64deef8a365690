package launch

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingServerPath is returned when no server directory was configured.
var ErrMissingServerPath = errors.New("server path is not configured")

const (
	posixShell  = "/bin/sh"
	posixScript = "run.sh"
	winShell    = "cmd.exe"
	winScript   = "run.cmd"
)

// Options is the static configuration the invocation is derived from.
type Options struct {
	ServerPath  string // directory containing the vendor start script
	CommandLine string // extra arguments appended verbatim
	ConfigPath  string
	BaseDir     string
	OneSync     bool

	// Identifiers the server uses to call back into the host.
	HostVersion string
	HostToken   string
	HostAPIPort string
}

// Invocation is a fully resolved launch: interpreter, argument vector and working directory.
type Invocation struct {
	Shell string   `json:"shell"`
	Args  []string `json:"args"`
	Dir   string   `json:"dir"`
}

func (i Invocation) String() string {
	return i.Shell + " " + strings.Join(i.Args, " ")
}

// Build produces the invocation for platform p. It has no side effects and is
// deterministic for identical inputs. Resources are ensured in the given order,
// after the config file has been executed.
func Build(p Platform, opts Options, resources []string) (Invocation, error) {
	if strings.TrimSpace(opts.ServerPath) == "" {
		return Invocation{}, ErrMissingServerPath
	}
	joined := strings.Join(Directives(opts, resources), " ")
	switch p {
	case PlatformPOSIX:
		return Invocation{
			Shell: posixShell,
			Args:  []string{joinPath(opts.ServerPath, posixScript, '/'), joined},
			Dir:   opts.BaseDir,
		}, nil
	case PlatformWindows:
		return Invocation{
			Shell: winShell,
			Args:  []string{"/c", joinPath(opts.ServerPath, winScript, '\\') + " " + joined},
			Dir:   opts.BaseDir,
		}, nil
	default:
		return Invocation{}, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, p)
	}
}

// Directives returns the ordered argument fragments before platform wrapping.
func Directives(opts Options, resources []string) []string {
	out := make([]string, 0, 6+len(resources))
	if opts.OneSync {
		out = append(out, "+set onesync on")
	}
	out = append(out, fmt.Sprintf("+sets txAdmin-version %s +set txAdminServerMode true", quote(opts.HostVersion)))
	if opts.HostToken != "" {
		out = append(out, "+set txAdmin-apiToken "+quote(opts.HostToken))
	}
	if opts.HostAPIPort != "" {
		out = append(out, "+set txAdmin-apiPort "+quote(opts.HostAPIPort))
	}
	if extra := strings.TrimSpace(opts.CommandLine); extra != "" {
		out = append(out, extra)
	}
	out = append(out, "+exec "+quote(opts.ConfigPath))
	for _, r := range resources {
		out = append(out, "+ensure "+quote(r))
	}
	return out
}

func quote(s string) string { return `"` + s + `"` }

func joinPath(dir, file string, sep byte) string {
	dir = strings.TrimRight(dir, `/\`)
	return dir + string(sep) + file
}
