// Package portforward implements the Port Forwarder (§4.7, ~10% share):
// one host TCP listener per PortForward entry, relaying each accepted
// connection over a dedicated vsock connection to the guest's forward
// port, where the Guest Init relays it to the target guest-local port.
//
// Grounded in original_source's shuru-vm/src/sandbox.rs
// start_port_forwarding/handle_forward_connection/relay: bind first (so
// `shuru run -p 8080:80` fails fast if the host port is taken), accept
// loop spawns one goroutine per connection, each connection gets its own
// fresh vsock dial carrying a "connect" header before the byte-for-byte
// splice begins.
package portforward

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/shuru-sandbox/shuru/internal/logging"
	"github.com/shuru-sandbox/shuru/internal/shuruerr"
	"github.com/shuru-sandbox/shuru/internal/wire"
)

// Rule is one parsed "HOST_PORT:GUEST_PORT" forward, per DATA MODEL:
// PortForward.
type Rule struct {
	HostPort  uint16
	GuestPort uint16
}

// ParseRule parses a "host:guest" port-forward spec.
func ParseRule(spec string) (Rule, error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return Rule{}, fmt.Errorf("port forward %q: expected HOST:GUEST", spec)
	}
	hostPort, err := parsePort(parts[0])
	if err != nil {
		return Rule{}, fmt.Errorf("port forward %q: host port: %w", spec, err)
	}
	guestPort, err := parsePort(parts[1])
	if err != nil {
		return Rule{}, fmt.Errorf("port forward %q: guest port: %w", spec, err)
	}
	return Rule{HostPort: hostPort, GuestPort: guestPort}, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("port 0 is not forwardable")
	}
	return uint16(n), nil
}

// Dialer opens a fresh connection to the guest's forward vsock port. The
// VM Lifecycle Driver's DialVsock satisfies this.
type Dialer func(ctx context.Context, port uint32) (io.ReadWriteCloser, error)

// Forwarder runs a set of host listeners for the lifetime of a VM.
type Forwarder struct {
	rules  []Rule
	dial   Dialer
	logger logging.Logger

	wg        sync.WaitGroup
	listeners []net.Listener
}

// New binds a TCP listener for every rule's host port. If any bind fails,
// already-bound listeners are closed and the error is returned — per
// §4.7's "bind first" requirement, a `shuru run` with a conflicting
// host port must fail before the VM ever boots.
func New(rules []Rule, dial Dialer, logger logging.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	f := &Forwarder{rules: rules, dial: dial, logger: logger}

	for _, r := range rules {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", r.HostPort))
		if err != nil {
			f.closeListeners()
			return nil, shuruerr.New(shuruerr.KindPortForward, fmt.Sprintf("bind host port %d", r.HostPort), err)
		}
		f.listeners = append(f.listeners, ln)
	}

	return f, nil
}

func (f *Forwarder) closeListeners() {
	for _, ln := range f.listeners {
		ln.Close()
	}
}

// Serve accepts connections on every bound listener until ctx is
// cancelled, forwarding each to its rule's guest port.
func (f *Forwarder) Serve(ctx context.Context) {
	for i, ln := range f.listeners {
		rule := f.rules[i]
		f.wg.Add(1)
		go f.acceptLoop(ctx, ln, rule)
	}

	go func() {
		<-ctx.Done()
		f.closeListeners()
	}()
}

// Wait blocks until every accept loop has exited (after Serve's ctx is
// cancelled and listeners close).
func (f *Forwarder) Wait() { f.wg.Wait() }

func (f *Forwarder) acceptLoop(ctx context.Context, ln net.Listener, rule Rule) {
	defer f.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Warn("port forward %d: accept: %v", rule.HostPort, err)
			return
		}

		go f.handleConn(ctx, conn, rule)
	}
}

func (f *Forwarder) handleConn(ctx context.Context, hostConn net.Conn, rule Rule) {
	defer hostConn.Close()

	guestConn, err := f.dial(ctx, uint32(forwardPort))
	if err != nil {
		f.logger.Warn("port forward %d->%d: dial guest: %v", rule.HostPort, rule.GuestPort, err)
		return
	}
	defer guestConn.Close()

	codec := wire.NewCodec(guestConn, guestConn)
	if err := codec.WriteMessage(wire.Connect(rule.GuestPort)); err != nil {
		f.logger.Warn("port forward %d->%d: send connect header: %v", rule.HostPort, rule.GuestPort, err)
		return
	}

	splice(hostConn, guestConn)
}

// forwardPort is the guest-side vsock port the Guest Init's forward
// listener accepts on, per vmconfig.VsockForwardPort. Duplicated here as a
// plain constant (rather than importing vmconfig, which is darwin-only) so
// this package stays buildable on every platform the host CLI targets.
const forwardPort = 1025

// splice relays bytes in both directions until either side closes, then
// fully closes both ends; a half-close is not passed on as a half-close.
func splice(a, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)

	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()

	// Whichever direction finishes first (the guest or the host end
	// closing) tears down both ends, so the other direction's blocked
	// Read unblocks instead of leaking — vsock connections don't expose a
	// TCP-style half-close, so a clean full close is the tunnel's
	// equivalent of propagating one side's EOF to the other.
	<-done
	a.Close()
	b.Close()
	<-done
}
