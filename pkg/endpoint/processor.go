package endpoint

import (
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/marmos91/dittonet/internal/logger"
)

// ProcessSocket runs one processing unit for w, on the worker pool when
// dispatch is true and inline otherwise. It returns false when the unit
// could not be scheduled, in which case the socket has been closed.
func (e *Endpoint) ProcessSocket(w SocketWrapper, ev SocketEvent, dispatch bool) bool {
	if w == nil || w.IsClosed() {
		return false
	}
	e.metrics.RecordSocketEvent(e.cfg.Name, ev.String())

	unit := func() { e.runProcessor(w, ev) }
	if !dispatch || e.executor == nil {
		unit()
		return true
	}

	if err := e.executor.Execute(unit); err != nil {
		logger.Warn("Endpoint %s: could not dispatch %s for %s: %v", e.cfg.Name, ev, w.ID(), err)
		_ = w.Close()
		return false
	}
	return true
}

// runProcessor is the body of a processing unit. Units for one connection
// never overlap; a unit that finds the connection closed does nothing.
//
// A panic in the unit closes the connection. A *FatalError panic is also
// reported as engine-fatal.
func (e *Endpoint) runProcessor(w SocketWrapper, ev SocketEvent) {
	b := w.base()
	b.processLock.Lock()
	defer func() {
		r := recover()
		if r != nil {
			logger.Error("Endpoint %s: panic processing %s for %s: %v\n%s", e.cfg.Name, ev, w.RemoteAddr(), r, debug.Stack())
			w.SetError(fmt.Errorf("processing %s: panic: %v", ev, r))
			_ = w.Close()
		}
		if w.IsClosed() {
			b.freeBuffers()
		}
		b.processLock.Unlock()

		if fe, ok := r.(*FatalError); ok {
			e.ReportFatal(fe)
		}
	}()

	if w.IsClosed() {
		return
	}
	b.parked.Store(false)

	if !b.handshakeDone.Load() && (ev == EventOpenRead || ev == EventOpenWrite) {
		if !e.handshake(w) {
			return
		}
	}

	state := e.handler.Process(w, ev)
	e.afterProcess(w, ev, state)
}

// handshake advances TLS and reports whether the Handler may run.
func (e *Endpoint) handshake(w SocketWrapper) bool {
	b := w.base()
	res, err := w.Handshake()
	if err != nil {
		e.metrics.RecordHandshake(e.cfg.Name, false, time.Since(b.accepted))
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			logger.Debug("Endpoint %s: peer %s closed during TLS handshake", e.cfg.Name, w.RemoteAddr())
		} else {
			logger.Debug("Endpoint %s: TLS handshake with %s failed: %v", e.cfg.Name, w.RemoteAddr(), err)
		}
		w.SetError(err)
		e.handler.Process(w, EventError)
		_ = w.Close()
		return false
	}

	switch res {
	case HandshakeNeedRead:
		w.RegisterReadInterest()
		return false
	case HandshakeNeedWrite:
		w.RegisterWriteInterest()
		return false
	case HandshakePending:
		return false
	}

	b.handshakeDone.Store(true)
	if w.IsSecure() {
		e.metrics.RecordHandshake(e.cfg.Name, true, time.Since(b.accepted))
		sess := w.Session()
		logger.Debug("Endpoint %s: TLS established with %s (%s, %s, alpn=%q)",
			e.cfg.Name, w.RemoteAddr(), sess.VersionName(), sess.CipherSuite, sess.NegotiatedProtocol)
	}
	return true
}

// afterProcess applies the Handler's verdict.
func (e *Endpoint) afterProcess(w SocketWrapper, ev SocketEvent, state SocketState) {
	b := w.base()

	switch ev {
	case EventError, EventDisconnect, EventStop:
		if state != SocketLong {
			_ = w.Close()
			return
		}
	}

	switch state {
	case SocketClosed:
		_ = w.Close()

	case SocketOpen, SocketUpgraded, SocketUpgrading, SocketAsyncEnd:
		if state == SocketUpgraded || state == SocketUpgrading {
			w.SetUpgraded(true)
		}
		if w.HasDataToWrite() {
			w.RegisterWriteInterest()
			return
		}
		w.RegisterReadInterest()

	case SocketLong, SocketSuspended:
		b.parked.Store(true)
		if hw, ok := b.self.(HangupWatcher); ok {
			hw.WatchHangup()
		}

	case SocketSendfile:
		e.startSendfile(w)
	}
}

// startSendfile hands the wrapper's sendfile task to the backend.
func (e *Endpoint) startSendfile(w SocketWrapper) {
	data := w.SendfileData()
	if data == nil {
		logger.Warn("Endpoint %s: SENDFILE requested for %s without a task", e.cfg.Name, w.ID())
		_ = w.Close()
		return
	}
	if data.Done() {
		e.CompleteSendfile(w, data, SendfileDone)
		return
	}

	if st := w.ProcessSendfile(data); st != SendfilePending {
		e.CompleteSendfile(w, data, st)
	}
}

// CompleteSendfile finishes a sendfile task and applies its keep-alive
// disposition. Backends call it for tasks that returned SendfilePending.
func (e *Endpoint) CompleteSendfile(w SocketWrapper, data *SendfileData, state SendfileState) {
	data.CloseFile()
	w.SetSendfileData(nil)
	e.metrics.RecordSendfile(e.cfg.Name, state.String())

	if state == SendfileError {
		if w.Error() == nil {
			w.SetError(errors.New("sendfile failed"))
		}
		logger.Debug("Endpoint %s: sendfile of %s to %s failed: %v", e.cfg.Name, data.FileName, w.RemoteAddr(), w.Error())
		if !e.ProcessSocket(w, EventError, true) {
			_ = w.Close()
		}
		return
	}

	switch data.KeepAliveState {
	case KeepAliveNone:
		_ = w.Close()
	case KeepAlivePipelined:
		e.ProcessSocket(w, EventOpenRead, true)
	case KeepAliveOpen:
		w.RegisterReadInterest()
	}
}
