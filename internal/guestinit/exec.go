package guestinit

import (
	"io"
	"net"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/shuru-sandbox/shuru/internal/wire"
)

// defaultPath and defaultHome are applied when the exec request's env
// doesn't set them, per §4.7's "Environment" rules.
const (
	defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	defaultHome = "/root"
)

// serveControl accepts exactly one connection on the control listener and
// runs it to completion, per §4.7 step 6 ("accept exactly one connection
// on :1024"). A single exec request defines the lifetime of a `shuru run`
// session; there is nothing left to serve afterward.
func (g *Guest) serveControl(ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		g.logger.Warn("control: accept: %v", err)
		return
	}
	defer conn.Close()

	codec := wire.NewCodec(conn, conn)

	msg, err := codec.ReadMessage()
	if err != nil {
		g.logger.Warn("control: read exec request: %v", err)
		return
	}
	if msg.Type != wire.TypeExec {
		codec.WriteMessage(wire.ErrorMessage("expected exec as the first message"))
		return
	}
	if len(msg.Argv) == 0 {
		codec.WriteMessage(wire.ErrorMessage("empty argv"))
		return
	}

	tty := msg.TTY != nil && *msg.TTY
	rows, cols := msg.Rows, msg.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	var exitCode int
	if tty {
		exitCode, err = g.runTTY(codec, msg.Argv, msg.Env, rows, cols)
	} else {
		exitCode, err = g.runPiped(codec, msg.Argv, msg.Env)
	}
	if err != nil {
		g.logger.Warn("control: exec %v: %v", msg.Argv, err)
		codec.WriteMessage(wire.ErrorMessage(err.Error()))
		return
	}

	codec.WriteMessage(wire.Exit(exitCode))
}

func buildCmd(argv []string, env map[string]string) *exec.Cmd {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = buildEnv(env)
	return cmd
}

func buildEnv(env map[string]string) []string {
	out := make([]string, 0, len(env)+2)
	hasPath, hasHome := false, false
	for k, v := range env {
		out = append(out, k+"="+v)
		if k == "PATH" {
			hasPath = true
		}
		if k == "HOME" {
			hasHome = true
		}
	}
	if !hasPath {
		out = append(out, "PATH="+defaultPath)
	}
	if !hasHome {
		out = append(out, "HOME="+defaultHome)
	}
	return out
}

// runTTY allocates a PTY, execs argv as its controlling process, and
// pumps stdin/resize/stdout messages over codec until the child exits.
func (g *Guest) runTTY(codec *wire.Codec, argv []string, env map[string]string, rows, cols uint16) (int, error) {
	cmd := buildCmd(argv, env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return 0, err
	}
	defer ptmx.Close()

	var writeMu sync.Mutex
	safeWrite := func(m *wire.Message) { writeMu.Lock(); codec.WriteMessage(m); writeMu.Unlock() }

	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				safeWrite(wire.Stdout(append([]byte(nil), buf[:n]...)))
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		for {
			msg, err := codec.ReadMessage()
			if err != nil {
				ptmx.Close()
				return
			}
			switch msg.Type {
			case wire.TypeStdin:
				data, err := msg.DecodedData()
				if err == nil {
					ptmx.Write(data)
				}
			case wire.TypeResize:
				pty.Setsize(ptmx, &pty.Winsize{Rows: msg.Rows, Cols: msg.Cols})
			}
		}
	}()

	waitErr := cmd.Wait()
	<-outDone

	return exitCodeFromWaitErr(waitErr), nil
}

// runPiped execs argv with its stdout/stderr wired to pipes, streaming
// each as it's produced rather than buffering to completion, per §4.7's
// non-TTY exec rule.
func (g *Guest) runPiped(codec *wire.Codec, argv []string, env map[string]string) (int, error) {
	cmd := buildCmd(argv, env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, err
	}

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	var writeMu sync.Mutex
	safeWrite := func(m *wire.Message) { writeMu.Lock(); codec.WriteMessage(m); writeMu.Unlock() }

	pump := func(r io.Reader, wrap func([]byte) *wire.Message, done chan<- struct{}) {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				safeWrite(wrap(append([]byte(nil), buf[:n]...)))
			}
			if err != nil {
				return
			}
		}
	}

	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go pump(stdout, wire.Stdout, stdoutDone)
	go pump(stderr, wire.Stderr, stderrDone)

	go func() {
		for {
			msg, err := codec.ReadMessage()
			if err != nil {
				stdin.Close()
				return
			}
			if msg.Type == wire.TypeStdin {
				if data, err := msg.DecodedData(); err == nil {
					stdin.Write(data)
				}
			}
		}
	}()

	<-stdoutDone
	<-stderrDone
	waitErr := cmd.Wait()

	return exitCodeFromWaitErr(waitErr), nil
}

// exitCodeFromWaitErr converts cmd.Wait's error into an exit code using
// the wire protocol's "negative means terminated by signal -code"
// convention (see wire.Exit and shuruerr.ExitCodeForSignal).
func exitCodeFromWaitErr(err error) int {
	if err == nil {
		return 0
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return -int(status.Signal())
	}
	return exitErr.ExitCode()
}
