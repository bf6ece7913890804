package terminal

import (
	"testing"
)

func TestNewNonTTY(t *testing.T) {
	// In test binaries stdin is rarely a TTY, so this also exercises the
	// IsTTY()==false path that the exec session falls back to line mode on.
	a := New()
	_ = a.IsTTY()
}
