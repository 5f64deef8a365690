package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/loykin/fxrunner"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [fxrunner.toml]",
		Short: "Run the supervisor",
		Long: `Run the supervisor and its control API until SIGINT or SIGTERM.
The server is spawned automatically when [server].autostart is set.

Examples:
  fxrunner serve --config fxrunner.toml
  fxrunner serve fxrunner.toml --daemonize --pidfile /run/fxrunner.pid --logfile /var/log/fxrunner.out`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(globalFlags, args)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), path, serveFlags)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the supervisor PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon stdout/stderr to this file")
	return cmd
}

func runServe(ctx context.Context, path string, flags *ServeFlags) error {
	cfg, err := fxrunner.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}

	// one supervisor per config: two would fight over the same server directory
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("another fxrunner is already serving %s", path)
	}
	defer func() { _ = lock.Unlock() }()

	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	fatal := make(chan error, 1)
	host, err := fxrunner.NewHost(cfg, fxrunner.Options{
		OnFatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	log := host.Logger()

	if err := host.Start(); err != nil {
		_ = host.Close()
		return err
	}
	log.Info("fxrunner started", "config", cfg.Source(), "api", host.APIAddr())

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-fatal:
		log.Error("server cannot be spawned, shutting down", "error", runErr)
	}

	if err := host.Close(); err != nil {
		log.Warn("shutdown finished with errors", "error", err)
	}
	return runErr
}

var errNoPort = errors.New("no port could be determined")

func createLaunchSpecCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "launch-spec [fxrunner.toml]",
		Short: "Print the server invocation without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(globalFlags, args)
			if err != nil {
				return err
			}
			cfg, err := fxrunner.LoadConfig(path)
			if err != nil {
				return err
			}
			inv, err := fxrunner.LaunchSpec(cfg)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), inv)
			return nil
		},
	}
}

func createPortCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "port [fxrunner.toml]",
		Short: "Print the port the server will listen on",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(globalFlags, args)
			if err != nil {
				return err
			}
			cfg, err := fxrunner.LoadConfig(path)
			if err != nil {
				return err
			}
			port, err := fxrunner.DetectPort(cfg)
			if err != nil {
				return fmt.Errorf("%w: %v", errNoPort, err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), port)
			return nil
		},
	}
}
