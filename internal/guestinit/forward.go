package guestinit

import (
	"fmt"
	"io"
	"net"

	"github.com/shuru-sandbox/shuru/internal/wire"
)

// serveForwards accepts repeatedly on the forward listener, handling each
// connection independently, per §4.7 step 6. Each connection starts with
// a "connect" header naming the guest-local port to reach; the forwarder
// then splices bytes until either side closes.
func (g *Guest) serveForwards(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go g.handleForward(conn)
	}
}

func (g *Guest) handleForward(conn net.Conn) {
	defer conn.Close()

	codec := wire.NewCodec(conn, conn)
	msg, err := codec.ReadMessage()
	if err != nil {
		g.logger.Warn("forward: read connect header: %v", err)
		return
	}
	if msg.Type != wire.TypeConnect {
		g.logger.Warn("forward: expected connect header, got %q", msg.Type)
		return
	}

	target, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", msg.Port))
	if err != nil {
		g.logger.Warn("forward: dial guest-local port %d: %v", msg.Port, err)
		return
	}
	defer target.Close()

	splice(conn, target)
}

// splice relays bytes in both directions until either side closes, then
// fully closes both ends so the other direction's blocked Read unblocks.
// Mirrors the host-side forwarder's splice (internal/portforward); the
// vsock stream here has no TCP-style half-close either.
func splice(a, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
	a.Close()
	b.Close()
	<-done
}
