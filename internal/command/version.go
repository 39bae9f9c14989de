package command

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// BuildInfo is stamped into the binary at link time.
type BuildInfo struct {
	Version   string
	GitCommit string
	BuildTime string
}

// VersionCommand prints build information.
func VersionCommand(build BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "codex-relay\n")
			fmt.Fprintf(out, "Version:    %s\n", build.Version)
			fmt.Fprintf(out, "Git Commit: %s\n", build.GitCommit)
			fmt.Fprintf(out, "Build Time: %s\n", build.BuildTime)
			fmt.Fprintf(out, "Go Version: %s\n", runtime.Version())
			fmt.Fprintf(out, "Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
