package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/first-fluke/cratos/internal/config"
)

func buildConfigCmd(configPath *string) *cobra.Command {
	root := &cobra.Command{
		Use:   "config",
		Short: "Inspect and edit the on-disk configuration",
	}

	root.AddCommand(buildConfigGetCmd(configPath))
	root.AddCommand(buildConfigSetCmd(configPath))
	root.AddCommand(buildConfigListCmd(configPath))
	root.AddCommand(buildConfigResetCmd(configPath))

	return root
}

func buildConfigGetCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Print the value at a dot-notation config path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			value, ok, err := config.GetPath(cfg, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("unknown config path %q", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
}

func buildConfigSetCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set <path> <value>",
		Short: "Set a dot-notation config path and persist it to the override file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set %s: %w", args[0], err)
			}
			if err := config.SaveOverride(*configPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
			return nil
		},
	}
}

func buildConfigListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every dot-notation config path and its current value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths, err := config.ListPaths(cfg)
			if err != nil {
				return err
			}
			for _, key := range config.SortedKeys(paths) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, paths[key])
			}
			return nil
		},
	}
}

func buildConfigResetCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset [path]",
		Short: "Reset one config path, or the whole configuration, to its default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.ResetPath(cfg, config.Default(), path); err != nil {
				return fmt.Errorf("reset %s: %w", path, err)
			}
			if err := config.SaveOverride(*configPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", describeResetTarget(path))
			return nil
		},
	}
}

func describeResetTarget(path string) string {
	if path == "" {
		return "entire configuration"
	}
	return path
}
