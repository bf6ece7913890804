// Command shuru is the host-side CLI: boots an ephemeral micro-VM sandbox,
// runs a command inside it, and tears it down on exit.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/shuru-sandbox/shuru/internal/cmd"
	"github.com/shuru-sandbox/shuru/internal/shuruerr"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "shuru: %v\n", err)

		var sErr *shuruerr.Error
		if errors.As(err, &sErr) {
			os.Exit(sErr.ExitCode())
		}
		os.Exit(255)
	}
}
