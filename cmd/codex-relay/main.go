package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tingly-dev/codex-relay/internal/command"
)

// Build information variables
var (
	// Set by compiler via -ldflags
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "codex-relay",
	Short: "Serve a coding agent's event stream as OpenAI-compatible APIs",
	Long: `codex-relay runs a coding agent backend per request and relays its event
stream as Chat Completions or Responses output, streaming or not.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			logrus.SetLevel(logrus.TraceLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	build := command.BuildInfo{Version: version, GitCommit: gitCommit, BuildTime: buildTime}
	rootCmd.AddCommand(command.ServeCommand(build))
	rootCmd.AddCommand(command.ReplayCommand())
	rootCmd.AddCommand(command.VersionCommand(build))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
