package main

import (
	"time"

	"github.com/spf13/cobra"
)

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

// RemoteFlags select the daemon a client command talks to. Unset values
// fall back to the [api] section of --config.
type RemoteFlags struct {
	APIUrl     string
	Token      string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
	JSON       bool
}

func (f *RemoteFlags) bind(root *cobra.Command) {
	pf := root.PersistentFlags()
	pf.StringVar(&f.APIUrl, "api-url", "", "control API base URL, e.g. http://127.0.0.1:40120/api")
	pf.StringVar(&f.Token, "token", "", "control API bearer token")
	pf.DurationVar(&f.APITimeout, "api-timeout", 0, "request timeout (default 45s)")
	pf.StringVar(&f.CACert, "ca-cert", "", "CA certificate used to verify an HTTPS API")
	pf.BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
	pf.BoolVar(&f.JSON, "json", false, "print raw JSON")
}

type KillFlags struct {
	Reason string
}

type SpawnFlags struct {
	NoAnnounce bool
}

type SendFlags struct {
	Capture bool
	Window  time.Duration
}
