package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	remoteFlags := &RemoteFlags{}

	root := createRootCommand(globalFlags)
	remoteFlags.bind(root)

	root.AddCommand(
		createServeCommand(globalFlags),
		createLaunchSpecCommand(globalFlags),
		createPortCommand(globalFlags),
		createStatusCommand(globalFlags, remoteFlags),
		createSpawnCommand(globalFlags, remoteFlags),
		createKillCommand(globalFlags, remoteFlags),
		createRestartCommand(globalFlags, remoteFlags),
		createSendCommand(globalFlags, remoteFlags),
		createConsoleCommand(globalFlags, remoteFlags),
		createUsageCommand(globalFlags, remoteFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "fxrunner",
		Short: "Game server supervisor",
		Long: `fxrunner launches and supervises a single FXServer instance: it stages
resources, starts and stops the server, enforces process priority and exposes
a control API for sending console commands.

Examples:
  fxrunner serve --config fxrunner.toml      # run the supervisor
  fxrunner launch-spec --config fxrunner.toml
  fxrunner status --config fxrunner.toml     # query the running supervisor
  fxrunner send "say hello" --capture --api-url=http://host:40120/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

// configPath prefers a positional argument over --config.
func configPath(flags *GlobalFlags, args []string) (string, error) {
	p := flags.ConfigPath
	if len(args) > 0 {
		p = args[0]
	}
	if p == "" {
		return "", fmt.Errorf("config file required. Use --config=fxrunner.toml or provide it as argument")
	}
	return p, nil
}
