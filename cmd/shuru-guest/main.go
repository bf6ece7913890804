// Command shuru-guest is the PID-1 binary baked into every shuru rootfs
// image. It has no CLI surface of its own — the kernel cmdline's init=
// parameter is the only thing that invokes it, and everything it needs
// (mounts, network, forwarded ports) it discovers from inside the VM.
package main

import (
	"fmt"
	"os"

	"github.com/shuru-sandbox/shuru/internal/guestinit"
	"github.com/shuru-sandbox/shuru/internal/logging"
)

func main() {
	logger := logging.New(os.Stderr, logging.LevelInfo, "guest")

	g := guestinit.New(logger)
	if err := g.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "shuru-guest: %v\n", err)
		os.Exit(1)
	}
}
