// Package guestinit implements the Guest Init (§4.7): the PID-1 process
// that boots inside the micro-VM, brings up its own filesystems and
// network, and serves the control (vsock:1024) and port-forward
// (vsock:1025) channels for the lifetime of one `shuru run` session.
//
// Grounded in original_source's shuru-guest/src/main.rs, translated from
// hand-rolled libc/ioctl calls into the idiomatic Go equivalents the rest
// of the corpus uses for the same concerns: golang.org/x/sys/unix for the
// mount/hostname/raw-socket syscalls the standard library doesn't expose,
// github.com/vishvananda/netlink for interface and route configuration
// (aibor-virtrun, maxdollinger-walk.io), github.com/mdlayher/vsock for the
// vsock listeners (stwalsh4118-vulcan's vulcan-guest), and
// github.com/creack/pty for PTY allocation in place of openpty/ioctl.
package guestinit

import (
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/mdlayher/vsock"

	"github.com/shuru-sandbox/shuru/internal/logging"
)

// ControlPort and ForwardPort mirror vmconfig's VsockControlPort/
// VsockForwardPort; duplicated here rather than imported since vmconfig
// is darwin-only and guestinit is the Linux-only binary on the other end
// of the same two ports.
const (
	ControlPort = 1024
	ForwardPort = 1025
)

// Guest holds the running init process's state.
type Guest struct {
	logger logging.Logger
}

// New returns a Guest that logs to logger.
func New(logger logging.Logger) *Guest {
	if logger == nil {
		logger = logging.Default("guest")
	}
	return &Guest{logger: logger}
}

// Run executes the full PID-1 startup sequence from §4.7 and then blocks,
// serving the control and forward vsock listeners until the VM is torn
// down from the host side. It never returns under normal operation.
func (g *Guest) Run() error {
	g.logger.Info("starting as PID 1")

	g.mountPseudoFilesystems()
	g.logger.Info("filesystems mounted")

	if err := setHostname(); err != nil {
		g.logger.Warn("set hostname: %v", err)
	}

	g.setupNetworking()

	cmdline, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		g.logger.Warn("read /proc/cmdline: %v", err)
	}
	specs, err := parseCmdlineMounts(strings.TrimSpace(string(cmdline)))
	if err != nil {
		g.logger.Warn("parse shuru.mounts: %v", err)
	}
	g.applyVirtioFSMounts(specs)

	g.installShutdownHandler()

	controlLn, err := vsock.Listen(ControlPort, nil)
	if err != nil {
		return err
	}
	forwardLn, err := vsock.Listen(ForwardPort, nil)
	if err != nil {
		return err
	}
	g.logger.Info("vsock listening on :%d and :%d", ControlPort, ForwardPort)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.serveControl(controlLn)
	}()
	go func() {
		defer wg.Done()
		g.serveForwards(forwardLn)
	}()

	wg.Wait()
	return nil
}

// installShutdownHandler makes SIGTERM/SIGINT sync and power off
// immediately rather than attempt graceful subprocess teardown, per
// §4.7's "Guest shutdown" rule — the host-side lifecycle driver's
// graceful-stop window is what gives an in-flight command a chance to
// finish, not this handler.
func (g *Guest) installShutdownHandler() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		g.logger.Info("received shutdown signal, syncing and powering off")
		syscall.Sync()
		syscall.Reboot(syscall.LINUX_REBOOT_CMD_POWER_OFF)
	}()
}

var _ net.Listener = (*vsock.Listener)(nil)
