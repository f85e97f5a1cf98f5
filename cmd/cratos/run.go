package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/first-fluke/cratos/pkg/models"
)

func buildRunCmd(configPath *string) *cobra.Command {
	var (
		channelType string
		channelID   string
		userID      string
		threadID    string
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "run [text]",
		Short: "Send one request through the orchestrator and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			rt, err := buildRuntime(cfg, *configPath, nil)
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}
			defer rt.Close()

			input := models.OrchestratorInput{
				ChannelType: channelType,
				ChannelID:   channelID,
				UserID:      userID,
				ThreadID:    threadID,
				Text:        strings.Join(args, " "),
			}

			result := rt.orchestrator.Process(cmd.Context(), input)
			return printRunResult(cmd, result, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&channelType, "channel-type", "cli", "channel type recorded against the session key")
	cmd.Flags().StringVar(&channelID, "channel-id", "local", "channel id recorded against the session key")
	cmd.Flags().StringVar(&userID, "user-id", "local", "user id recorded against the session key")
	cmd.Flags().StringVar(&threadID, "thread-id", "", "optional thread id")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the full execution result as JSON instead of just the response text")

	return cmd
}

func printRunResult(cmd *cobra.Command, result models.ExecutionResult, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintln(cmd.OutOrStdout(), result.Response)
	if result.Status != models.StatusCompleted {
		return fmt.Errorf("execution ended with status %q", result.Status)
	}
	return nil
}
