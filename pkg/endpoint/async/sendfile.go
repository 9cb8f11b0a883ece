package async

import (
	"errors"
	"io"
	"os"

	"github.com/marmos91/dittonet/pkg/completion"
	"github.com/marmos91/dittonet/pkg/endpoint"
)

// transfer copies a file to the connection in SendfileSize chunks. It holds
// the write gate from start to finish.
type transfer struct {
	w    *Wrapper
	data *endpoint.SendfileData
	file *os.File
	buf  []byte
}

// ProcessSendfile implements endpoint.SocketWrapper. Chunks are read into a
// buffer and written asynchronously; a Pending result is finished through
// Endpoint.CompleteSendfile.
func (w *Wrapper) ProcessSendfile(d *endpoint.SendfileData) endpoint.SendfileState {
	if d.Done() {
		return endpoint.SendfileDone
	}
	f, err := d.Open()
	if err != nil {
		w.SetError(err)
		return endpoint.SendfileError
	}
	if err := w.writeGate.acquire(w.closing, w.WriteTimeout(), endpoint.ErrWriteTimeout); err != nil {
		w.SetError(err)
		return endpoint.SendfileError
	}

	size := w.Endpoint().Config().SendfileSize
	t := &transfer{
		w:    w,
		data: d,
		file: f,
		buf:  make([]byte, min(int64(size), d.Length)),
	}
	return t.run()
}

// run sends chunks while writes complete inline. It returns Pending when a
// write will complete later; that completion resumes the transfer.
func (t *transfer) run() endpoint.SendfileState {
	state := endpoint.SendfilePending
	completion.Loop(func() bool {
		d := t.data
		if d.Done() {
			state = t.finish(nil)
			return false
		}

		n, err := t.file.ReadAt(t.buf[:min(int64(len(t.buf)), d.Length)], d.Pos)
		if n == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			state = t.finish(err)
			return false
		}

		inline := false
		t.w.write(t.buf[:n], func(m int, err error, mode completion.Mode) {
			if m > 0 {
				d.Advance(int64(m))
				t.w.TouchWrite()
				ep := t.w.Endpoint()
				ep.Metrics().RecordSendfileBytes(ep.Name(), int64(m))
			}
			if mode == completion.Inline {
				if err != nil {
					state = t.finish(err)
					return
				}
				inline = true
				return
			}
			st := endpoint.SendfileError
			if err != nil {
				t.finish(err)
			} else {
				st = t.run()
			}
			if st != endpoint.SendfilePending {
				t.w.Endpoint().CompleteSendfile(t.w, d, st)
			}
		})
		return inline
	})
	return state
}

// finish releases the write gate and returns the final state for err.
func (t *transfer) finish(err error) endpoint.SendfileState {
	t.w.writeGate.release()
	if err != nil {
		t.w.SetError(err)
		return endpoint.SendfileError
	}
	return endpoint.SendfileDone
}
