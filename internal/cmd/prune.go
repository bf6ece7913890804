// Adapted from the teacher's runPrune (which deleted stopped-session
// records from internal/session.Store and, with --artifacts, downloaded
// images): the same "list what's under the scratch directory and remove
// it" shape, rebound from faize's named, persisted session store to
// shuru's instances/<uuid>/ scratch directories, which normally
// self-delete on a clean exit (see run.go's deferred os.RemoveAll) and
// only survive a crash.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shuru-sandbox/shuru/internal/assets"
	"github.com/shuru-sandbox/shuru/internal/shuruerr"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove stale instance scratch directories left behind by crashed sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver, err := assets.NewResolver("")
		if err != nil {
			return err
		}

		entries, err := os.ReadDir(resolver.InstancesDir())
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("no instances to prune")
				return nil
			}
			return shuruerr.IOf("list instances: %v", err)
		}

		removed := 0
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			path := filepath.Join(resolver.InstancesDir(), e.Name())
			if err := os.RemoveAll(path); err != nil {
				fmt.Fprintf(os.Stderr, "shuru: prune %s: %v\n", e.Name(), err)
				continue
			}
			removed++
		}

		if removed == 0 {
			fmt.Println("no stale instances found")
		} else {
			fmt.Printf("removed %d stale instance(s)\n", removed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}
