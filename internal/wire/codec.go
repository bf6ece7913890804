package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxLineSize bounds a single encoded message line. ReadMessage stops
// accumulating a line once it grows past this cap, so a misbehaving peer
// cannot force unbounded buffering while the codec scans for the
// terminating '\n'.
const MaxLineSize = 1 << 20 // 1 MiB

// ErrMessageTooLarge is returned by ReadMessage when a line, counting its
// newline, is longer than MaxLineSize.
var ErrMessageTooLarge = fmt.Errorf("wire: message exceeds %d bytes", MaxLineSize)

// Codec frames and parses Messages over a bidirectional byte stream (a
// vsock connection, in practice). Reads and writes are independently
// safe for concurrent use by a reader goroutine and a writer goroutine,
// matching the "control vsock stream is split into independent read/write
// halves" resource model.
type Codec struct {
	r      *bufio.Reader
	w      io.Writer
	writeMu sync.Mutex
}

// NewCodec wraps rw. r and w may be the same underlying connection or, for
// testing, an io.Pipe half.
func NewCodec(r io.Reader, w io.Writer) *Codec {
	return &Codec{r: bufio.NewReaderSize(r, 4096), w: w}
}

// ReadMessage blocks until a full line is available, decodes it as a
// single JSON object, and returns the resulting Message. Reads go through
// a 4096-byte bufio.Reader, which may already hold bytes of the messages
// that follow; later calls return those.
func (c *Codec) ReadMessage() (*Message, error) {
	var line []byte
	var err error
	for {
		var chunk []byte
		chunk, err = c.r.ReadSlice('\n')
		if line = append(line, chunk...); len(line) > MaxLineSize {
			return nil, ErrMessageTooLarge
		}
		if err != bufio.ErrBufferFull {
			break
		}
	}
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		if err != io.EOF {
			return nil, fmt.Errorf("wire: read line: %w", err)
		}
		// Trailing partial line with no newline: treat as EOF for framing
		// purposes, but only after trying to decode what's there.
	}
	var m Message
	if jsonErr := json.Unmarshal(line, &m); jsonErr != nil {
		return nil, fmt.Errorf("wire: decode message: %w", jsonErr)
	}
	return &m, nil
}

// WriteMessage encodes m as a single JSON object followed by '\n' and
// writes it atomically with respect to other WriteMessage calls on the
// same Codec.
func (c *Codec) WriteMessage(m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("wire: encode message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("wire: write message: %w", err)
	}
	return nil
}
