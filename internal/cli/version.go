package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"chainwatch/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, version.String())
		fmt.Fprintf(out, "user-agent: %s\n", version.UserAgent())
	},
}
