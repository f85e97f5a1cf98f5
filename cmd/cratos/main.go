// Command cratos is the CLI entrypoint: a one-shot "run" for a single
// request, a "config" surface for inspecting and editing the on-disk
// configuration, and a "gateway serve" that exposes the same orchestrator
// over the WebSocket protocol for long-lived clients.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// version, commit, and date are populated at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "cratos",
		Short:         "cratos runs and configures the agent orchestrator",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the YAML configuration file")

	root.AddCommand(buildRunCmd(&configPath))
	root.AddCommand(buildConfigCmd(&configPath))
	root.AddCommand(buildGatewayCmd(&configPath))

	return root
}

// defaultConfigPath resolves to $XDG_CONFIG_HOME/cratos/config.yaml, or
// $HOME/.config/cratos/config.yaml when XDG_CONFIG_HOME is unset.
func defaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "cratos", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "cratos.yaml"
	}
	return filepath.Join(home, ".config", "cratos", "config.yaml")
}
