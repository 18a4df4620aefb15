// Command steward is the Steward CLI client.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/steward/internal/version"
)

const defaultServer = "http://localhost:9090"

var (
	serverURL string
	authToken string
)

var rootCmd = &cobra.Command{
	Use:           "steward",
	Short:         "Steward CLI",
	Long:          "steward talks to a running stewardd: send messages to agents and inspect or drive their projects and tasks.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("steward %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildDate)
	},
}

func client() *Client {
	return newClient(serverURL, authToken)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("STEWARD_SERVER", defaultServer), "steward server URL (or $STEWARD_SERVER)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("STEWARD_TOKEN"), "JWT auth token (or $STEWARD_TOKEN)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(loginCmd, statusCmd, agentsCmd, sendCmd)
	rootCmd.AddCommand(projectsCmd, projectCmd, tasksCmd)
	rootCmd.AddCommand(completeCmd, cancelCmd, assignCmd, nextCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
