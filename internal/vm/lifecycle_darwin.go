//go:build darwin

package vm

import (
	"context"
	"errors"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/Code-Hex/vz/v3"

	"github.com/shuru-sandbox/shuru/internal/logging"
	"github.com/shuru-sandbox/shuru/internal/shuruerr"
	"github.com/shuru-sandbox/shuru/internal/vmconfig"
)

// Backoff schedule for vsock connect retries, per §4.3: the guest's init
// needs a moment to boot and bring its vsock listener up before the host's
// first dial attempt can succeed.
const (
	dialInitialBackoff = 20 * time.Millisecond
	dialBackoffFactor  = 1.5
	dialMaxBackoff     = 500 * time.Millisecond
	dialDeadline       = 10 * time.Second
)

// VZDriver drives a single VM instance through Code-Hex/vz.
//
// Adapted from the teacher's internal/vm.VZManager.Start/Stop: the
// multi-session map-of-VMs bookkeeping is dropped (Shuru's VM Lifecycle
// Driver owns exactly one VM per process, matching the one-shot `shuru
// run` model instead of Faize's multi-session daemon-less-but-persistent
// one), and vsock dialing is new — the teacher has no vsock device at all,
// so DialVsock is grounded instead in stwalsh4118-vulcan's
// DialGuest/dialVsockUDS retry-with-backoff shape, adapted to vz's
// VirtioSocketDevice.Connect instead of a UDS.
type VZDriver struct {
	built  *vmconfig.Built
	vm     *vz.VirtualMachine
	logger logging.Logger

	mu    sync.Mutex
	state State
	done  chan struct{}
}

// NewDriver creates a VZDriver from a built VM configuration.
func NewDriver(built *vmconfig.Built, logger logging.Logger) (*VZDriver, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	vm, err := vz.NewVirtualMachine(built.Config)
	if err != nil {
		return nil, shuruerr.Bootf("create virtual machine: %v", err)
	}

	d := &VZDriver{
		built:  built,
		vm:     vm,
		logger: logger,
		state:  StateConfigured,
		done:   make(chan struct{}),
	}

	go d.watchState()

	if built.BootConsole != nil {
		go built.BootConsole.StreamTo(bootConsoleWriter{logger})
	}

	return d, nil
}

type bootConsoleWriter struct{ logger logging.Logger }

func (w bootConsoleWriter) Write(p []byte) (int, error) {
	w.logger.Debug("guest: %s", string(p))
	return len(p), nil
}

func (d *VZDriver) watchState() {
	for state := range d.vm.StateChangedNotify() {
		d.logger.Debug("vm state changed: %v", state)
		if state == vz.VirtualMachineStateStopped || state == vz.VirtualMachineStateError {
			d.setState(StateStopped)
			if d.built.BootConsole != nil {
				d.built.BootConsole.Close()
			}
			d.closeDoneOnce()
			return
		}
	}
}

func (d *VZDriver) closeDoneOnce() {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}

func (d *VZDriver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *VZDriver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *VZDriver) Wait() <-chan struct{} {
	return d.done
}

// Start boots the VM and waits for the framework to report it running.
func (d *VZDriver) Start(ctx context.Context) error {
	d.setState(StateStarting)

	if err := d.vm.Start(); err != nil {
		d.setState(StateStopped)
		return shuruerr.Bootf("start VM: %v", err)
	}

	for {
		switch d.vm.State() {
		case vz.VirtualMachineStateRunning:
			d.setState(StateRunning)
			return nil
		case vz.VirtualMachineStateStopped, vz.VirtualMachineStateError:
			return shuruerr.Bootf("VM failed to reach running state")
		}

		select {
		case <-ctx.Done():
			return shuruerr.Bootf("timed out waiting for VM to boot: %v", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// DialVsock connects to a guest-side vsock port with exponential backoff,
// since the guest's listener only comes up once its init has run.
func (d *VZDriver) DialVsock(ctx context.Context, port uint32) (io.ReadWriteCloser, error) {
	sockets := d.vm.SocketDevices()
	if len(sockets) == 0 {
		return nil, shuruerr.VsockTimeoutf("VM has no vsock device configured")
	}
	socket := sockets[0]

	deadline := time.Now().Add(dialDeadline)
	backoff := dialInitialBackoff

	for {
		conn, err := socket.Connect(port)
		if err == nil {
			return conn, nil
		}

		d.logger.Debug("vsock connect to port %d failed: %v", port, err)

		if !isRetryableDialError(err) {
			return nil, shuruerr.Bootf("connect to guest vsock port %d: %v", port, err)
		}

		if time.Now().After(deadline) {
			return nil, shuruerr.VsockTimeoutf("connect to guest vsock port %d: %v", port, err)
		}

		select {
		case <-ctx.Done():
			return nil, shuruerr.VsockTimeoutf("connect to guest vsock port %d: %v", port, ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * dialBackoffFactor)
		if backoff > dialMaxBackoff {
			backoff = dialMaxBackoff
		}
	}
}

// isRetryableDialError reports whether err is the "guest listener isn't up
// yet" condition DialVsock should keep retrying through, per §4.3: connect
// refused or reset. Anything else (a misconfigured socket device, for
// instance) is fatal and should fail fast instead of spinning to the
// deadline.
func isRetryableDialError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// gracefulStopWait is §4.3's "wait up to 3s for a graceful stop, then force
// it" window. Fixed here rather than left to the caller's ctx deadline, so
// a caller's own (longer) timeout on the Stop call can't stretch out how
// long a graceful shutdown is given before the hard stop fires.
const gracefulStopWait = 3 * time.Second

// Stop requests a graceful shutdown, falling back to a hard stop.
func (d *VZDriver) Stop(ctx context.Context) error {
	d.setState(StateStopping)

	if d.vm.State() == vz.VirtualMachineStateStopped || d.vm.State() == vz.VirtualMachineStateError {
		d.setState(StateStopped)
		return nil
	}

	if d.vm.CanRequestStop() {
		if _, err := d.vm.RequestStop(); err == nil {
			graceCtx, cancel := context.WithTimeout(ctx, gracefulStopWait)
			defer cancel()
			select {
			case <-d.done:
				return nil
			case <-graceCtx.Done():
				// Fall through to a hard stop below.
			}
		}
	}

	if err := d.vm.Stop(); err != nil {
		return shuruerr.Bootf("stop VM: %v", err)
	}

	select {
	case <-d.done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

var _ Driver = (*VZDriver)(nil)

// NewDriverForPlatform is the platform-selected constructor cmd/ uses so
// callers don't need a build-tagged import of their own. built must be a
// *vmconfig.Built; the any-typed signature lets the non-darwin stub share
// the same call site even though it never builds a real vmconfig.Built.
func NewDriverForPlatform(built any, logger logging.Logger) (Driver, error) {
	b, ok := built.(*vmconfig.Built)
	if !ok {
		return nil, shuruerr.Bootf("vm: invalid built configuration type")
	}
	return NewDriver(b, logger)
}
