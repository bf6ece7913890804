package portforward

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParseRule(t *testing.T) {
	tests := []struct {
		spec    string
		want    Rule
		wantErr bool
	}{
		{spec: "8080:80", want: Rule{HostPort: 8080, GuestPort: 80}},
		{spec: "1:1", want: Rule{HostPort: 1, GuestPort: 1}},
		{spec: "8080", wantErr: true},
		{spec: "0:80", wantErr: true},
		{spec: "abc:80", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseRule(tt.spec)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseRule(%q) succeeded, want error", tt.spec)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRule(%q): %v", tt.spec, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRule(%q) = %+v, want %+v", tt.spec, got, tt.want)
		}
	}
}

// pipeConn adapts an io.Pipe pair into the io.ReadWriteCloser the forwarder
// expects in place of a real vsock connection.
type pipeConn struct {
	*io.PipeReader
	*io.PipeWriter
}

func (p pipeConn) Read(b []byte) (int, error)  { return p.PipeReader.Read(b) }
func (p pipeConn) Write(b []byte) (int, error) { return p.PipeWriter.Write(b) }
func (p pipeConn) Close() error {
	p.PipeReader.Close()
	return p.PipeWriter.Close()
}

func TestNewBindsAndServeDialsOnAccept(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	hostPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	rule := Rule{HostPort: uint16(hostPort), GuestPort: 80}

	dialed := make(chan struct{}, 1)
	dial := func(ctx context.Context, port uint32) (io.ReadWriteCloser, error) {
		dialed <- struct{}{}
		r, w := io.Pipe()
		go io.Copy(io.Discard, r) // drain so the writer side (the connect header) never blocks
		return pipeConn{PipeReader: r, PipeWriter: w}, nil
	}

	f, err := New([]Rule{rule}, dial, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.Serve(ctx)

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(hostPort))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case <-dialed:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not dial the guest within 2s")
	}

	conn.Close()
	cancel()
	f.Wait()
}

func TestNewFailsFastOnPortConflict(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	hostPort := ln.Addr().(*net.TCPAddr).Port

	_, err = New([]Rule{{HostPort: uint16(hostPort), GuestPort: 80}}, nil, nil)
	if err == nil {
		t.Fatal("expected New to fail when the host port is already bound")
	}
}
