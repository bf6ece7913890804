package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is overridable at link time (-ldflags "-X ... .version=...");
// a fixed fallback keeps `shuru upgrade` meaningful in a dev build.
var version = "dev"

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Print the current version",
	Long: `shuru has no self-update mechanism: binary and asset upgrades are
handled by whatever packaging system installed it. This command exists
for compatibility with that workflow and simply reports the running
version.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("shuru %s\n", version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(upgradeCmd)
}
