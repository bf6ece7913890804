package wire

import (
	"bytes"
	"strings"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"exec non-tty", Exec([]string{"echo", "hi"}, map[string]string{"FOO": "bar"}, false, 0, 0)},
		{"exec tty", Exec([]string{"/bin/sh"}, nil, true, 24, 80)},
		{"stdin", Stdin([]byte("hello\n"))},
		{"resize", Resize(40, 120)},
		{"stdout", Stdout([]byte{0, 1, 2, 255})},
		{"exit zero", Exit(0)},
		{"exit signal", Exit(-9)},
		{"connect", Connect(8000)},
		{"error", ErrorMessage("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			c := NewCodec(&buf, &buf)

			if err := c.WriteMessage(tt.msg); err != nil {
				t.Fatalf("WriteMessage: %v", err)
			}

			if !strings.HasSuffix(buf.String(), "\n") {
				t.Fatalf("encoded message missing trailing newline: %q", buf.String())
			}
			if strings.Count(buf.String(), "\n") != 1 {
				t.Fatalf("expected exactly one newline, got %q", buf.String())
			}

			got, err := c.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage: %v", err)
			}
			if got.Type != tt.msg.Type {
				t.Fatalf("Type = %q, want %q", got.Type, tt.msg.Type)
			}
		})
	}
}

func TestCodecUnknownTypeDoesNotError(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":"something-from-the-future","whatever":1}` + "\n")
	c := NewCodec(&buf, &buf)

	m, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage should not fail on an unknown type: %v", err)
	}
	if m.Type != "something-from-the-future" {
		t.Fatalf("Type = %q", m.Type)
	}
}

func TestCodecUnknownFieldsIgnored(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":"resize","rows":10,"cols":20,"mystery_field":"x"}` + "\n")
	c := NewCodec(&buf, &buf)

	m, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if m.Rows != 10 || m.Cols != 20 {
		t.Fatalf("Rows/Cols = %d/%d, want 10/20", m.Rows, m.Cols)
	}
}

func TestCodecMessageTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":"stdin","data":"`)
	buf.WriteString(strings.Repeat("A", MaxLineSize+10))
	buf.WriteString(`"}` + "\n")
	c := NewCodec(&buf, &buf)

	if _, err := c.ReadMessage(); err != ErrMessageTooLarge {
		t.Fatalf("ReadMessage error = %v, want ErrMessageTooLarge", err)
	}
}

func TestCodecEOF(t *testing.T) {
	c := NewCodec(strings.NewReader(""), &bytes.Buffer{})
	if _, err := c.ReadMessage(); err == nil {
		t.Fatalf("expected an error on empty stream")
	}
}
