package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shuru-sandbox/shuru/internal/assets"
	"github.com/shuru-sandbox/shuru/internal/shuruerr"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the shuru data directory layout",
	Long: `Creates $HOME/.local/share/shuru and its checkpoints/ and instances/
subdirectories. Does not fetch the kernel, rootfs, or initramfs images —
those are expected to already be in place at the paths shuru run resolves
(see SHURU_KERNEL/SHURU_ROOTFS/SHURU_INITRD).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver, err := assets.NewResolver("")
		if err != nil {
			return err
		}

		for _, dir := range []string{resolver.AssetsDir(), resolver.CheckpointsDir(), resolver.InstancesDir()} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return shuruerr.IOf("create %s: %v", dir, err)
			}
		}

		fmt.Printf("initialized %s\n", resolver.DataDir())

		if _, err := resolver.Resolve(); err != nil {
			fmt.Printf("note: %v\n", err)
			fmt.Println("place a kernel at Image, a rootfs at rootfs.ext4 (and optionally an initramfs at initramfs.cpio.gz) under that directory before running shuru run.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "recreate the data directory layout even if it already exists")
}
