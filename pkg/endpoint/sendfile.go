package endpoint

import (
	"fmt"
	"os"
)

// KeepAliveState says what happens to a connection after a sendfile task.
type KeepAliveState int

const (
	// KeepAliveNone closes the connection.
	KeepAliveNone KeepAliveState = iota
	// KeepAlivePipelined processes request bytes already buffered.
	KeepAlivePipelined
	// KeepAliveOpen waits for the next request.
	KeepAliveOpen
)

func (k KeepAliveState) String() string {
	switch k {
	case KeepAliveNone:
		return "NONE"
	case KeepAlivePipelined:
		return "PIPELINED"
	case KeepAliveOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// SendfileState is the outcome of a sendfile step.
type SendfileState int

const (
	SendfilePending SendfileState = iota
	SendfileDone
	SendfileError
)

func (s SendfileState) String() string {
	switch s {
	case SendfilePending:
		return "PENDING"
	case SendfileDone:
		return "DONE"
	case SendfileError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// SendfileData is a file range to transmit on a connection.
//
// Pos only grows and Length only shrinks; the task is done when Length
// reaches zero.
type SendfileData struct {
	FileName       string
	Pos            int64
	Length         int64
	KeepAliveState KeepAliveState

	file *os.File
}

// NewSendfileData describes length bytes of name starting at pos.
func NewSendfileData(name string, pos, length int64, keepAlive KeepAliveState) *SendfileData {
	return &SendfileData{FileName: name, Pos: pos, Length: length, KeepAliveState: keepAlive}
}

// Open opens the file once and returns it.
func (d *SendfileData) Open() (*os.File, error) {
	if d.file != nil {
		return d.file, nil
	}
	f, err := os.Open(d.FileName)
	if err != nil {
		return nil, fmt.Errorf("sendfile: open %s: %w", d.FileName, err)
	}
	d.file = f
	return f, nil
}

// Advance records n more bytes sent.
func (d *SendfileData) Advance(n int64) {
	if n <= 0 {
		return
	}
	if n > d.Length {
		n = d.Length
	}
	d.Pos += n
	d.Length -= n
}

// Done reports whether nothing is left to send.
func (d *SendfileData) Done() bool { return d.Length <= 0 }

// CloseFile closes the file if it was opened.
func (d *SendfileData) CloseFile() {
	if d.file != nil {
		_ = d.file.Close()
		d.file = nil
	}
}
