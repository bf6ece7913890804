package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shuru-sandbox/shuru/internal/assets"
	"github.com/shuru-sandbox/shuru/internal/checkpoint"
	"github.com/shuru-sandbox/shuru/internal/shuruerr"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage named rootfs checkpoints",
}

var checkpointCreateFlags runFlags

var checkpointCreateCmd = &cobra.Command{
	Use:   "create NAME -- <argv...>",
	Short: "Run a command in a sandbox and commit its rootfs as a named checkpoint",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		argv := args[1:]
		code, err := runSandbox(cmd.Context(), cmd, &checkpointCreateFlags, name, argv)
		if err != nil {
			return err
		}
		if code != 0 {
			return shuruerr.New(shuruerr.KindGuestExec,
				fmt.Sprintf("command exited %d, checkpoint %q was not committed", code, name), nil)
		}
		fmt.Printf("checkpoint %q created\n", name)
		return nil
	},
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List committed checkpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := checkpointStore()
		if err != nil {
			return err
		}
		manifests, err := store.List()
		if err != nil {
			return shuruerr.Checkpointf("list: %v", err)
		}
		if len(manifests) == 0 {
			fmt.Println("no checkpoints")
			return nil
		}
		for _, m := range manifests {
			parent := m.Parent
			if parent == "" {
				parent = "-"
			}
			fmt.Printf("%-32s  parent=%-16s  created=%s\n", m.Name, parent, m.CreatedAt.Format("2006-01-02T15:04:05Z"))
		}
		return nil
	},
}

var checkpointDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := checkpointStore()
		if err != nil {
			return err
		}
		if err := store.Delete(args[0]); err != nil {
			return shuruerr.Checkpointf("delete %q: %v", args[0], err)
		}
		fmt.Printf("checkpoint %q deleted\n", args[0])
		return nil
	},
}

func checkpointStore() (*checkpoint.Store, error) {
	resolver, err := assets.NewResolver("")
	if err != nil {
		return nil, err
	}
	return checkpoint.NewStore(resolver.CheckpointsDir())
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointCreateCmd, checkpointListCmd, checkpointDeleteCmd)
	registerRunFlags(checkpointCreateCmd, &checkpointCreateFlags)
}
