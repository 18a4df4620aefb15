// Command stewardd is the Steward server daemon. It runs the agent team, the
// orchestrator, the recurring-task scheduler and the HTTP API from one YAML
// config file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/steward/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "stewardd",
	Short:         "Steward agent orchestration server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stewardd %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildDate)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "steward.yaml", "path to config file (defaults are used when it does not exist)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
