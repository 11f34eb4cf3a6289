package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/obsidianstack/datasync/internal/config"
)

// validateCmd validates a config file without starting the service.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a datasync configuration file without starting the service.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  datasync validate -c config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	push := "disabled"
	if cfg.Realtime.URL != "" {
		push = cfg.Realtime.URL
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  HTTP port:     %d\n", cfg.HTTP.Port)
	fmt.Fprintf(out, "  gRPC port:     %d\n", cfg.GRPC.Port)
	fmt.Fprintf(out, "  Push channel:  %s\n", push)
	fmt.Fprintf(out, "  Poll interval: %s\n", cfg.Scheduler.DefaultInterval)
	fmt.Fprintf(out, "  Sources:       %d\n", len(cfg.Sources))
	for _, src := range cfg.Sources {
		fmt.Fprintf(out, "    - %s (%s, %s)\n", src.WidgetID(), src.DataType, src.Kind)
	}
	return nil
}
