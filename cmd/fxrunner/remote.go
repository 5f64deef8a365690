package main

import (
	"context"
	"fmt"
	"net"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/fxrunner"
	"github.com/loykin/fxrunner/pkg/client"

	itls "github.com/loykin/fxrunner/internal/tls"
)

// newClient builds an API client from flags, filling gaps from the config
// file's [api] section when --config is given.
func newClient(g *GlobalFlags, f *RemoteFlags) (*client.Client, error) {
	cc := client.DefaultConfig()
	if f.APITimeout > 0 {
		cc.Timeout = f.APITimeout
	}
	cc.Token = f.Token
	cc.Insecure = f.Insecure
	caCert := f.CACert

	if g.ConfigPath != "" {
		cfg, err := fxrunner.LoadConfig(g.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		if cc.Token == "" {
			cc.Token = cfg.API.Token
		}
		if f.APIUrl == "" {
			scheme := "http"
			if cfg.API.TLS.Enabled {
				scheme = "https"
				if caCert == "" {
					caCert = itls.CAFile(cfg.API.TLS)
				}
			}
			cc.BaseURL = scheme + "://" + dialAddr(cfg.API.Listen) + cfg.API.BasePath
		}
	}
	if f.APIUrl != "" {
		cc.BaseURL = f.APIUrl
	}
	if caCert != "" && !cc.Insecure {
		cc.TLS = &client.TLSClientConfig{Enabled: true, CACert: caCert}
	}
	return client.New(cc)
}

// dialAddr turns a listen address into one a client can dial.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// withClient runs fn with a client built from the flags.
func withClient(cmd *cobra.Command, g *GlobalFlags, f *RemoteFlags, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := newClient(g, f)
	if err != nil {
		return err
	}
	return fn(cmd.Context(), c)
}

func createStatusCommand(g *GlobalFlags, f *RemoteFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the supervisor state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, f, func(ctx context.Context, c *client.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if f.JSON {
					printJSON(cmd.OutOrStdout(), st)
					return nil
				}
				printStatus(cmd, st)
				return nil
			})
		},
	}
}

func printStatus(cmd *cobra.Command, st client.Status) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "state:\t%s\n", st.State)
	if st.PID > 0 {
		_, _ = fmt.Fprintf(tw, "pid:\t%d\n", st.PID)
		_, _ = fmt.Fprintf(tw, "port:\t%d\n", st.Port)
		_, _ = fmt.Fprintf(tw, "session:\t%s\n", st.SessionID)
		_, _ = fmt.Fprintf(tw, "uptime:\t%s\n", st.Uptime.Truncate(time.Second))
		_, _ = fmt.Fprintf(tw, "resources:\t%s\n", strings.Join(st.Resources, ", "))
	}
	_, _ = fmt.Fprintf(tw, "hitches:\t%d (worst %dms)\n", st.Hitches, st.WorstHitchMs)
	_ = tw.Flush()
}

func createSpawnCommand(g *GlobalFlags, f *RemoteFlags) *cobra.Command {
	sf := &SpawnFlags{}
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Start the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, f, func(ctx context.Context, c *client.Client) error {
				if err := c.Spawn(ctx, !sf.NoAnnounce); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "server spawned")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&sf.NoAnnounce, "quiet", false, "do not announce the start")
	return cmd
}

func createKillCommand(g *GlobalFlags, f *RemoteFlags) *cobra.Command {
	kf := &KillFlags{}
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Stop the server, kicking players first when a reason is given",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, f, func(ctx context.Context, c *client.Client) error {
				res, err := c.Kill(ctx, kf.Reason)
				if err != nil {
					return err
				}
				if res.Warning != "" {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "warning:", res.Warning)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "server stopped")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kf.Reason, "reason", "", "kick message shown to players")
	return cmd
}

func createRestartCommand(g *GlobalFlags, f *RemoteFlags) *cobra.Command {
	kf := &KillFlags{}
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, f, func(ctx context.Context, c *client.Client) error {
				if err := c.Restart(ctx, kf.Reason); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "server restarted")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kf.Reason, "reason", "", "kick message shown to players")
	return cmd
}

func createSendCommand(g *GlobalFlags, f *RemoteFlags) *cobra.Command {
	sf := &SendFlags{}
	cmd := &cobra.Command{
		Use:   "send <command>",
		Short: "Write a command to the server console",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, f, func(ctx context.Context, c *client.Client) error {
				res, err := c.Command(ctx, client.CommandRequest{
					Command:   strings.Join(args, " "),
					Capture:   sf.Capture,
					CaptureMs: int(sf.Window / time.Millisecond),
				})
				if err != nil {
					return err
				}
				if !res.OK {
					return fmt.Errorf("server did not accept the command")
				}
				if f.JSON {
					printJSON(cmd.OutOrStdout(), res)
					return nil
				}
				if sf.Capture {
					_, _ = fmt.Fprint(cmd.OutOrStdout(), res.Output)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&sf.Capture, "capture", false, "return the console output produced by the command")
	cmd.Flags().DurationVar(&sf.Window, "window", 0, "capture window (server default when 0)")
	return cmd
}

func createConsoleCommand(g *GlobalFlags, f *RemoteFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Print recent server console output",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, f, func(ctx context.Context, c *client.Client) error {
				out, err := c.Console(ctx)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprint(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
}

func createUsageCommand(g *GlobalFlags, f *RemoteFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show CPU and memory of the server process tree",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, f, func(ctx context.Context, c *client.Client) error {
				u, err := c.Usage(ctx)
				if err != nil {
					return err
				}
				if f.JSON {
					printJSON(cmd.OutOrStdout(), u)
					return nil
				}
				if u.Latest == nil {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no samples yet")
					return nil
				}
				l := u.Latest
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "processes=%d cpu=%.1f%% memory=%.1fMB threads=%d\n",
					l.Processes, l.CPUPercent, l.MemoryMB, l.NumThreads)
				return nil
			})
		},
	}
}
