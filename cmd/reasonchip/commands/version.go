package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SouthPatron/reasonchip/internal/version"
)

// VersionCmd prints the build version.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.VersionTag)
	},
}
