package fdwrap

import (
	"errors"

	"github.com/marmos91/dittonet/pkg/endpoint"
	"github.com/marmos91/dittonet/pkg/poll"
)

// maxSendfileChunk bounds one sendfile call so a large file cannot starve
// other connections served by the same goroutine.
const maxSendfileChunk = 1 << 20

// ProcessSendfile implements endpoint.SocketWrapper. It sends as much as the
// socket takes and hands the rest of the task to the poller.
func (w *Wrapper) ProcessSendfile(d *endpoint.SendfileData) endpoint.SendfileState {
	st := w.sendfileStep(d)
	if st == endpoint.SendfilePending {
		w.poller.Sendfile(w)
	}
	return st
}

// ContinueSendfile resumes the wrapper's sendfile task once the socket is
// writable. It reports whether the task finished; when it did not, the
// caller keeps waiting for writability.
func (w *Wrapper) ContinueSendfile() bool {
	d := w.SendfileData()
	if d == nil {
		return true
	}
	st := w.sendfileStep(d)
	if st == endpoint.SendfilePending {
		return false
	}
	w.Endpoint().CompleteSendfile(w, d, st)
	return true
}

func (w *Wrapper) sendfileStep(d *endpoint.SendfileData) endpoint.SendfileState {
	if w.channel != nil {
		w.SetError(ErrSendfileOverTLS)
		return endpoint.SendfileError
	}
	if w.IsClosed() {
		return endpoint.SendfileError
	}
	f, err := d.Open()
	if err != nil {
		w.SetError(err)
		return endpoint.SendfileError
	}

	ep := w.Endpoint()
	for !d.Done() {
		offset := d.Pos
		n, err := w.handle.Sendfile(f, &offset, int(min(d.Length, maxSendfileChunk)))
		if n > 0 {
			d.Advance(int64(n))
			w.TouchWrite()
			ep.Metrics().RecordSendfileBytes(ep.Name(), int64(n))
		}
		switch {
		case errors.Is(err, poll.ErrWouldBlock):
			return endpoint.SendfilePending
		case err != nil:
			w.SetError(err)
			return endpoint.SendfileError
		}
	}
	return endpoint.SendfileDone
}
