package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags "-X ...commands.Version=..."
var Version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Cauldron v%s\n", Version)
		fmt.Fprintln(out, "Linear GPU buffer pools")
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
