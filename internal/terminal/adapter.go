// Package terminal implements the Terminal Adapter (§4.5, ~10% share):
// putting the host terminal into raw mode for the duration of an exec
// session and watching for SIGWINCH to coalesce resize events.
//
// Grounded in the teacher's internal/vm.Console.Attach (raw-mode
// acquisition scoped to one Attach call, with guaranteed restore via
// defer), generalized from a single Attach method into a standalone
// adapter the Exec Session can compose with any io.Reader/io.Writer pair
// instead of a hardcoded console pipe.
package terminal

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/term"
)

// Size is a terminal's row/column dimensions.
type Size struct {
	Rows uint16
	Cols uint16
}

// Adapter owns raw-mode acquisition and resize detection for one
// exec session's stdin/stdout.
type Adapter struct {
	stdinFd int
	isTTY   bool

	mu       sync.Mutex
	oldState *term.State
}

// New returns an Adapter for the current process's stdin/stdout, or a
// no-op adapter (IsTTY() == false) when stdin is not a terminal — the
// caller should then run the exec session in line-buffered mode per §4.5's
// non-TTY edge case.
func New() *Adapter {
	fd := int(os.Stdin.Fd())
	return &Adapter{stdinFd: fd, isTTY: term.IsTerminal(fd)}
}

// IsTTY reports whether stdin is attached to a terminal.
func (a *Adapter) IsTTY() bool { return a.isTTY }

// CurrentSize returns stdout's current dimensions. Only meaningful when
// IsTTY() is true.
func (a *Adapter) CurrentSize() (Size, error) {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return Size{}, err
	}
	return Size{Rows: uint16(h), Cols: uint16(w)}, nil
}

// EnterRaw puts the terminal into raw mode, returning a restore function
// the caller must invoke (typically via defer) before returning control to
// the shell. A no-op when stdin is not a terminal.
func (a *Adapter) EnterRaw() (func(), error) {
	if !a.isTTY {
		return func() {}, nil
	}

	oldState, err := term.MakeRaw(a.stdinFd)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.oldState = oldState
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		state := a.oldState
		a.oldState = nil
		a.mu.Unlock()
		if state != nil {
			term.Restore(a.stdinFd, state)
		}
	}, nil
}

// WatchResize runs until stop is closed, calling onResize once immediately
// (if the terminal is a TTY) and again every time SIGWINCH fires,
// coalescing bursts the way a kernel-driven resize storm would produce.
func (a *Adapter) WatchResize(stop <-chan struct{}, onResize func(Size)) {
	if !a.isTTY {
		return
	}

	if sz, err := a.CurrentSize(); err == nil {
		onResize(sz)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sigwinch)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-stop:
			return
		case <-sigCh:
			if sz, err := a.CurrentSize(); err == nil {
				onResize(sz)
			}
		}
	}
}
