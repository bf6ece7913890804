// Package execsession implements the Exec Session (§4.6, ~12% share): the
// host side of one `shuru run`, driving a single exec over the wire
// protocol to the Guest Init and back.
//
// Grounded in original_source's shuru-vm/src/sandbox.rs exec()/shell()
// methods for the message sequence (exec, then a stdin/resize/stdout/
// stderr/exit exchange until the guest reports exit), and in the teacher's
// internal/vm.ConsoleClient.Attach for how a host process couples a
// net.Conn-like transport to os.Stdin/os.Stdout/os.Stderr and a raw-mode
// terminal for the duration of one interactive session.
package execsession

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/shuru-sandbox/shuru/internal/logging"
	"github.com/shuru-sandbox/shuru/internal/shuruerr"
	"github.com/shuru-sandbox/shuru/internal/terminal"
	"github.com/shuru-sandbox/shuru/internal/wire"
)

// Request describes the command to run inside the guest, per
// DATA MODEL: ExecRequest.
type Request struct {
	Argv []string
	Env  map[string]string
	TTY  bool
}

// Conn is the minimal transport Session needs: a vsock connection (or
// anything read/write/close-shaped, for tests).
type Conn io.ReadWriteCloser

// Session runs one exec to completion, streaming stdin/stdout/stderr over
// the wire protocol and relaying terminal resizes.
type Session struct {
	conn   Conn
	codec  *wire.Codec
	term   *terminal.Adapter
	logger logging.Logger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// New wraps conn (already connected to the guest's control port) in a
// Session bound to the given terminal adapter and stdio.
func New(conn Conn, term *terminal.Adapter, logger logging.Logger) *Session {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Session{
		conn:   conn,
		codec:  wire.NewCodec(conn, conn),
		term:   term,
		logger: logger,
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// Run sends req, streams stdio until the guest reports the process exited,
// and returns its exit code.
func (s *Session) Run(ctx context.Context, req *Request) (int, error) {
	rows, cols := uint16(24), uint16(80)
	if s.term.IsTTY() {
		if sz, err := s.term.CurrentSize(); err == nil {
			rows, cols = sz.Rows, sz.Cols
		}
	}

	if err := s.codec.WriteMessage(wire.Exec(req.Argv, req.Env, req.TTY, rows, cols)); err != nil {
		return -1, shuruerr.Protocolf("send exec request: %v", err)
	}

	var restoreTerm func()
	if req.TTY {
		restore, err := s.term.EnterRaw()
		if err != nil {
			return -1, fmt.Errorf("exec session: enter raw mode: %w", err)
		}
		restoreTerm = restore
		defer restoreTerm()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)

	go s.pumpStdin(ctx, stdinForwarder{s.codec})

	if req.TTY {
		go s.term.WatchResize(stop, func(sz terminal.Size) {
			s.codec.WriteMessage(wire.Resize(sz.Rows, sz.Cols))
		})
	}

	exitCh := make(chan int, 1)
	errCh := make(chan error, 1)
	go s.demux(exitCh, errCh)

	select {
	case code := <-exitCh:
		return code, nil
	case err := <-errCh:
		return -1, err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// SendInterrupt writes a single Ctrl-C byte (\x03) to the guest's stdin
// channel, per §4.4/§5: host SIGINT forwards the interrupt character to
// the guest's PTY rather than tearing the VM down. Safe to call
// concurrently with pumpStdin's own writes; wire.Codec.WriteMessage
// serializes them.
func (s *Session) SendInterrupt() error {
	if err := s.codec.WriteMessage(wire.Stdin([]byte{0x03})); err != nil {
		return shuruerr.Protocolf("send interrupt: %v", err)
	}
	return nil
}

type stdinForwarder struct{ codec *wire.Codec }

func (f stdinForwarder) Write(p []byte) (int, error) {
	if err := f.codec.WriteMessage(wire.Stdin(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *Session) pumpStdin(ctx context.Context, w io.Writer) {
	buf := make([]byte, 32*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := s.stdin.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) demux(exitCh chan int, errCh chan error) {
	for {
		msg, err := s.codec.ReadMessage()
		if err != nil {
			if err == io.EOF {
				errCh <- shuruerr.Protocolf("guest closed connection before reporting exit")
				return
			}
			errCh <- shuruerr.Protocolf("read from guest: %v", err)
			return
		}

		switch msg.Type {
		case wire.TypeStdout:
			data, err := msg.DecodedData()
			if err != nil {
				continue
			}
			s.stdout.Write(data)
		case wire.TypeStderr:
			data, err := msg.DecodedData()
			if err != nil {
				continue
			}
			s.stderr.Write(data)
		case wire.TypeExit:
			code := 0
			if msg.Code != nil {
				code = *msg.Code
			}
			exitCh <- code
			return
		case wire.TypeError:
			errCh <- shuruerr.New(shuruerr.KindGuestExec, msg.Message, nil)
			return
		default:
			s.logger.Debug("exec session: ignoring unknown message type %q", msg.Type)
		}
	}
}
