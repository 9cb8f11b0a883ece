// Package clienthello inspects the first TLS record of a connection before
// any TLS engine exists.
//
// The endpoint needs the SNI host name to pick a certificate, and the cipher
// and ALPN lists for diagnostics, before the handshake starts. Extract parses
// just enough of the ClientHello to get them. It never blocks, never
// allocates more than the parsed values and never modifies its input.
//
// Wire layout walked by Extract:
//
//	record header   type(1)=22 version(2) length(2)
//	handshake       type(1)=1  length(3)
//	client hello    version(2) random(32)
//	                session_id<0..32>       (1-byte length)
//	                cipher_suites<2..2^16-2> (2-byte length)
//	                compression<1..2^8-1>   (1-byte length)
//	                extensions<0..2^16-1>   (2-byte length, optional)
package clienthello

import (
	"encoding/binary"

	"github.com/marmos91/dittonet/pkg/tlsconf"
)

const (
	recordHeaderLen = 5

	recordTypeHandshake    = 22
	handshakeClientHello   = 1
	handshakeHeaderLen     = 4
	extensionServerName    = 0
	extensionALPN          = 16
	serverNameTypeHostName = 0

	// MaxRecordSize is the largest buffer a full ClientHello record can
	// require: a maximal 16KB plaintext record plus its header.
	MaxRecordSize = 16*1024 + recordHeaderLen
)

// Status is the outcome of an extraction.
type Status int

const (
	// Complete means an SNI host name was found.
	Complete Status = iota

	// NotPresent means the bytes are not a TLS handshake, the hello is
	// fragmented across records, or it carries no SNI. Ciphers and ALPN are
	// still filled in when a hello was parsed.
	NotPresent

	// Underflow means the record is incomplete and the buffer is already at
	// its capacity, so it can never hold the record.
	Underflow

	// NeedRead means the record is incomplete and the buffer has room.
	NeedRead
)

func (s Status) String() string {
	switch s {
	case Complete:
		return "COMPLETE"
	case NotPresent:
		return "NOT_PRESENT"
	case Underflow:
		return "UNDERFLOW"
	case NeedRead:
		return "NEED_READ"
	default:
		return "UNKNOWN"
	}
}

// Result is what Extract found.
type Result struct {
	Status Status

	// SNI is the requested host name; empty unless Status is Complete.
	SNI string

	// Ciphers requested by the client in preference order. Unknown codes
	// are kept as opaque Cipher values.
	Ciphers []tlsconf.Cipher

	// ALPN protocols offered by the client, in order.
	ALPN []string

	// HTTPRequest is set when the bytes look like a plain-text HTTP request
	// line, i.e. a client speaking HTTP to a TLS port.
	HTTPRequest bool
}

// Extract parses data, the bytes read so far from the connection. capacity
// is the size the caller's network buffer may grow to; when len(data) has
// reached it an incomplete record yields Underflow instead of NeedRead.
func Extract(data []byte, capacity int) Result {
	if len(data) > 0 && data[0] != recordTypeHandshake {
		return Result{Status: NotPresent, HTTPRequest: looksLikeHTTP(data)}
	}
	if len(data) < recordHeaderLen {
		return incomplete(data, capacity)
	}

	// SSLv3 and SSLv2-compatible records are not accepted
	major, minor := data[1], data[2]
	if major < 3 || (major == 3 && minor == 0) {
		return Result{Status: NotPresent}
	}

	recordLen := int(binary.BigEndian.Uint16(data[3:5]))
	if len(data) < recordHeaderLen+recordLen {
		return incomplete(data, capacity)
	}
	record := data[recordHeaderLen : recordHeaderLen+recordLen]

	if len(record) < handshakeHeaderLen || record[0] != handshakeClientHello {
		return Result{Status: NotPresent}
	}
	helloLen := int(record[1])<<16 | int(record[2])<<8 | int(record[3])
	if len(record) < handshakeHeaderLen+helloLen {
		// The hello continues in a later record. Give up on SNI rather
		// than buffer an adversarially fragmented hello.
		return Result{Status: NotPresent}
	}

	return parseHello(record[handshakeHeaderLen : handshakeHeaderLen+helloLen])
}

func incomplete(data []byte, capacity int) Result {
	if len(data) >= capacity {
		return Result{Status: Underflow}
	}
	return Result{Status: NeedRead}
}

func parseHello(body []byte) Result {
	res := Result{Status: NotPresent}
	r := reader{buf: body}

	r.skip(2)  // client version
	r.skip(32) // random
	r.skip(int(r.u8()))

	cipherBytes := r.bytes(int(r.u16()))
	if r.err || len(cipherBytes)%2 != 0 {
		return Result{Status: NotPresent}
	}
	res.Ciphers = make([]tlsconf.Cipher, 0, len(cipherBytes)/2)
	for i := 0; i < len(cipherBytes); i += 2 {
		res.Ciphers = append(res.Ciphers, tlsconf.Cipher(binary.BigEndian.Uint16(cipherBytes[i:])))
	}

	r.skip(int(r.u8())) // compression methods
	if r.err {
		return Result{Status: NotPresent}
	}
	if r.remaining() == 0 {
		return res
	}

	ext := reader{buf: r.bytes(int(r.u16()))}
	if r.err {
		return res
	}

	sniSeen := false
	for ext.remaining() > 0 {
		extType := ext.u16()
		payload := ext.bytes(int(ext.u16()))
		if ext.err {
			return res
		}

		switch extType {
		case extensionServerName:
			if sniSeen {
				// Duplicate extensions are illegal; trust neither.
				res.SNI = ""
				res.Status = NotPresent
				return res
			}
			sniSeen = true
			if name, ok := parseServerName(payload); ok {
				res.SNI = name
				res.Status = Complete
			}
		case extensionALPN:
			if protos, ok := parseALPN(payload); ok {
				res.ALPN = protos
			}
		}
	}
	return res
}

// parseServerName returns the first host_name entry of a server_name list.
func parseServerName(payload []byte) (string, bool) {
	r := reader{buf: payload}
	list := reader{buf: r.bytes(int(r.u16()))}
	for !r.err && !list.err && list.remaining() > 0 {
		nameType := list.u8()
		name := list.bytes(int(list.u16()))
		if list.err {
			return "", false
		}
		if nameType == serverNameTypeHostName && len(name) > 0 {
			return string(name), true
		}
	}
	return "", false
}

func parseALPN(payload []byte) ([]string, bool) {
	r := reader{buf: payload}
	list := reader{buf: r.bytes(int(r.u16()))}
	if r.err {
		return nil, false
	}
	var protos []string
	for list.remaining() > 0 {
		p := list.bytes(int(list.u8()))
		if list.err {
			return nil, false
		}
		protos = append(protos, string(p))
	}
	return protos, true
}

// looksLikeHTTP reports whether data starts with an upper-case method token
// followed by a space.
func looksLikeHTTP(data []byte) bool {
	for i, b := range data {
		if b == ' ' {
			return i > 0
		}
		if b < 'A' || b > 'Z' || i >= 16 {
			return false
		}
	}
	return false
}

// reader is a bounds-checked cursor. Any out-of-range access sets err and
// turns further reads into no-ops returning zero values.
type reader struct {
	buf []byte
	off int
	err bool
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) skip(n int) {
	if r.err || n > r.remaining() {
		r.err = true
		return
	}
	r.off += n
}

func (r *reader) u8() uint8 {
	if r.err || r.remaining() < 1 {
		r.err = true
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if r.err || r.remaining() < 2 {
		r.err = true
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) bytes(n int) []byte {
	if r.err || n > r.remaining() {
		r.err = true
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}
