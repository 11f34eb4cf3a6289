// Package main is the entry point for the datasync CLI.
//
// datasync keeps dashboard widgets supplied with data reconciled from a local
// cache, a server-push channel and scheduled polling, and serves the result
// over a REST API and a WebSocket hub.
//
// Usage:
//
//	datasync serve -c config.yaml    # Start the service
//	datasync validate -c config.yaml # Validate configuration
//	datasync version                 # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd only shows help; the work happens in subcommands.
var rootCmd = &cobra.Command{
	Use:   "datasync",
	Short: "Dashboard data synchronization service",
	Long: `datasync keeps dashboard widgets supplied with business-metric data.

Each configured source becomes a widget whose value is reconciled from three
places: a TTL cache, a WebSocket push channel and a polling scheduler with
retries. Widget state is served over REST (/api/v1) and streamed to UI
clients over WebSocket (/ws/widgets).

Example config:
  http: { port: 8080 }
  realtime: { url: ws://push.internal/ws }
  sources:
    - data_type: revenue
      kind: json
      endpoint: https://metrics.internal/api/revenue
      interval: 30s`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already printed the error.
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "datasync %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
