//go:build !darwin

package vm

import (
	"context"
	"io"

	"github.com/shuru-sandbox/shuru/internal/logging"
	"github.com/shuru-sandbox/shuru/internal/shuruerr"
)

// stubDriver reports a clear error on platforms without
// Virtualization.framework, rather than failing deep inside vz bindings
// that don't build there.
type stubDriver struct{}

// NewDriverForPlatform takes `built any` here (rather than *vmconfig.Built,
// as the darwin build does) because internal/vmconfig itself only builds
// on darwin: its types wrap Code-Hex/vz configuration objects that don't
// exist on other platforms.
func NewDriverForPlatform(built any, logger logging.Logger) (Driver, error) {
	return nil, shuruerr.Bootf("shuru requires macOS (Apple Virtualization.framework)")
}

func (stubDriver) Start(ctx context.Context) error                             { return nil }
func (stubDriver) DialVsock(ctx context.Context, port uint32) (io.ReadWriteCloser, error) {
	return nil, shuruerr.Bootf("shuru requires macOS")
}
func (stubDriver) Stop(ctx context.Context) error { return nil }
func (stubDriver) State() State                   { return StateStopped }
func (stubDriver) Wait() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }

var _ Driver = stubDriver{}
