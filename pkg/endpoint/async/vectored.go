package async

import (
	"github.com/marmos91/dittonet/pkg/completion"
	"github.com/marmos91/dittonet/pkg/endpoint"
)

// CheckResult tells a vectored operation what to do after a transfer.
type CheckResult int

const (
	// CheckContinue issues the next transfer.
	CheckContinue CheckResult = iota

	// CheckDone ends the operation and calls its completion.
	CheckDone

	// CheckNone ends the operation without calling its completion.
	CheckNone
)

func (r CheckResult) String() string {
	switch r {
	case CheckContinue:
		return "CONTINUE"
	case CheckDone:
		return "DONE"
	case CheckNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// CompletionCheck is consulted after every successful transfer of a
// vectored operation.
type CompletionCheck func(op *Operation) CheckResult

// CompleteAll continues until every buffer is full (read) or sent (write).
func CompleteAll(op *Operation) CheckResult {
	if op.Remaining() > 0 {
		return CheckContinue
	}
	return CheckDone
}

// CompleteAny ends after the first transfer that moved data.
func CompleteAny(op *Operation) CheckResult {
	if op.Transferred > 0 {
		return CheckDone
	}
	return CheckContinue
}

// Operation is the state of one ReadMulti or WriteMulti.
type Operation struct {
	Read    bool
	Buffers [][]byte

	// Index and Offset locate the next byte to transfer.
	Index  int
	Offset int

	Transferred int64
	Err         error

	w        *Wrapper
	gate     gate
	check    CompletionCheck
	callback func(op *Operation)
	finished chan struct{}
}

// Remaining returns the bytes left across all buffers.
func (op *Operation) Remaining() int64 {
	var n int64
	for i := op.Index; i < len(op.Buffers); i++ {
		n += int64(len(op.Buffers[i]))
	}
	return n - int64(op.Offset)
}

// advance moves the cursor past n transferred bytes.
func (op *Operation) advance(n int) {
	op.Transferred += int64(n)
	for n > 0 && op.Index < len(op.Buffers) {
		left := len(op.Buffers[op.Index]) - op.Offset
		if n < left {
			op.Offset += n
			return
		}
		n -= left
		op.Index++
		op.Offset = 0
	}
	op.skipEmpty()
}

func (op *Operation) skipEmpty() {
	for op.Index < len(op.Buffers) && op.Offset == len(op.Buffers[op.Index]) {
		op.Index++
		op.Offset = 0
	}
}

// ReadMulti reads into bufs in order. After each read check decides whether
// to go on; done is called once the operation ends, unless check returned
// CheckNone. A blocking call returns after done ran; a non-blocking call
// fails with ErrReadPending when a read is in flight.
func (w *Wrapper) ReadMulti(block bool, bufs [][]byte, check CompletionCheck, done func(op *Operation)) error {
	return w.startMulti(true, block, bufs, check, done)
}

// WriteMulti writes bufs in order, like ReadMulti.
func (w *Wrapper) WriteMulti(block bool, bufs [][]byte, check CompletionCheck, done func(op *Operation)) error {
	return w.startMulti(false, block, bufs, check, done)
}

func (w *Wrapper) startMulti(read, block bool, bufs [][]byte, check CompletionCheck, done func(op *Operation)) error {
	if w.IsClosed() {
		return endpoint.ErrClosed
	}
	if check == nil {
		check = CompleteAll
	}

	g, pending := w.writeGate, endpoint.ErrWritePending
	timeout, timeoutErr := w.WriteTimeout(), endpoint.ErrWriteTimeout
	if read {
		g, pending = w.readGate, endpoint.ErrReadPending
		timeout, timeoutErr = w.ReadTimeout(), endpoint.ErrReadTimeout
	}
	if block {
		if err := g.acquire(w.closing, timeout, timeoutErr); err != nil {
			return err
		}
	} else if !g.tryAcquire() {
		return pending
	}

	op := &Operation{
		Read:     read,
		Buffers:  bufs,
		w:        w,
		gate:     g,
		check:    check,
		callback: done,
		finished: make(chan struct{}),
	}
	op.skipEmpty()

	if read {
		op.drainInbox()
	}
	op.run()

	if block {
		<-op.finished
	}
	return nil
}

// drainInbox moves data left by a background read into the buffers.
func (op *Operation) drainInbox() {
	for op.Index < len(op.Buffers) {
		n, ok, err := op.w.takeInbox(op.Buffers[op.Index][op.Offset:])
		if !ok {
			return
		}
		if err != nil {
			op.Err = err
			return
		}
		op.advance(n)
	}
}

// finish releases the gate and, if notify is set, calls the completion.
func (op *Operation) finish(notify bool) {
	op.gate.release()
	if notify && op.callback != nil {
		op.callback(op)
	}
	close(op.finished)
}

// run issues transfers while they complete inline.
func (op *Operation) run() {
	completion.Loop(func() bool {
		if op.Err != nil || op.Index >= len(op.Buffers) {
			op.finish(true)
			return false
		}

		issue := op.w.write
		if op.Read {
			issue = op.w.read
		}
		inline := false
		issue(op.Buffers[op.Index][op.Offset:], func(n int, err error, mode completion.Mode) {
			if n > 0 {
				op.advance(n)
			}
			if err != nil {
				op.Err = err
				op.finish(true)
				return
			}
			switch r := op.check(op); {
			case r == CheckContinue && op.Index < len(op.Buffers):
				if mode == completion.Inline {
					inline = true
					return
				}
				op.run()
			case r == CheckNone:
				op.finish(false)
			default:
				op.finish(true)
			}
		})
		return inline
	})
}
