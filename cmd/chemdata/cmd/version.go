package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/an0mium/chemdata/internal/telemetry"
)

// versionCmd 显示版本和构建信息，版本号在构建时通过 -ldflags 注入 telemetry 包。
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "chemdata version %s\n", telemetry.Version)
		fmt.Fprintf(out, "  Git commit: %s\n", telemetry.GitCommit)
		fmt.Fprintf(out, "  Build date: %s\n", telemetry.BuildDate)
		fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
