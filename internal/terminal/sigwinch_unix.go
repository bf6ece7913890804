//go:build darwin || linux

package terminal

import (
	"os"
	"syscall"
)

var sigwinch os.Signal = syscall.SIGWINCH
