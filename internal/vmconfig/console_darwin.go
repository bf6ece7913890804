//go:build darwin

package vmconfig

import (
	"io"
	"os"

	"github.com/Code-Hex/vz/v3"
)

// bootConsole is a file-handle-backed serial port the guest's kernel and
// Guest Init log to when running with -v/-vv. Adapted from the teacher's
// internal/vm.Console, stripped of the SSH-style escape-sequence handling
// and reattach support that Console needed for Faize's long-lived
// background sessions — a verbose boot console is read-only and lives only
// for the duration of one VM.
type bootConsole struct {
	read  *os.File
	write *os.File
}

func newBootConsole() (*bootConsole, *vz.VirtioConsoleDeviceSerialPortConfiguration, error) {
	readPipe, guestWrite, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	guestRead, writePipe, err := os.Pipe()
	if err != nil {
		readPipe.Close()
		guestWrite.Close()
		return nil, nil, err
	}

	attachment, err := vz.NewFileHandleSerialPortAttachment(guestRead, guestWrite)
	if err != nil {
		readPipe.Close()
		guestWrite.Close()
		guestRead.Close()
		writePipe.Close()
		return nil, nil, err
	}

	serialConfig, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(attachment)
	if err != nil {
		readPipe.Close()
		guestWrite.Close()
		guestRead.Close()
		writePipe.Close()
		return nil, nil, err
	}

	return &bootConsole{read: readPipe, write: writePipe}, serialConfig, nil
}

// StreamTo copies the guest's serial output to w until the console closes.
// Intended to run in its own goroutine for the life of the VM.
func (c *bootConsole) StreamTo(w io.Writer) {
	io.Copy(w, c.read)
}

func (c *bootConsole) Close() {
	c.read.Close()
	c.write.Close()
}
