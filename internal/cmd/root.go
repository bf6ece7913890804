// Package cmd implements shuru's cobra command surface, per EXTERNAL
// INTERFACES §6: run, checkpoint create/list/delete, init, upgrade.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/shuru-sandbox/shuru/internal/logging"
)

var (
	cfgFile string
	verbose int

	// log is the root logger every subcommand hands down into the
	// packages it wires together, replacing the teacher's package-level
	// Debug() global (see DESIGN.md).
	log logging.Logger = logging.Default("shuru")
)

var rootCmd = &cobra.Command{
	Use:   "shuru",
	Short: "shuru runs a command inside an ephemeral micro-VM sandbox",
	Long: `shuru boots a disposable Apple-Silicon micro-VM, runs a command inside
it with the host directories you name (--mount, or "mounts" in shuru.json)
attached, and tears the VM down when the command exits.

Run a command in a fresh sandbox:
  shuru run -- echo hello

Snapshot a sandbox's rootfs after installing something into it:
  shuru checkpoint create py -- sh -c 'apk add python3'
  shuru run --from py -- python3 -c 'print(2+2)'`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log = logging.New(cmd.ErrOrStderr(), logging.LevelFromVerbosity(verbose), "shuru")
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./shuru.json)")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "increase log verbosity (-v, -vv)")
}
