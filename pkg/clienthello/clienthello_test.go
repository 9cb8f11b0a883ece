package clienthello

import (
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittonet/pkg/tlsconf"
)

// captureHello returns the first record a crypto/tls client sends.
func captureHello(t *testing.T, cfg *tls.Config) []byte {
	t.Helper()

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tls.Client(client, cfg).Handshake()
		_ = client.Close()
	}()

	header := make([]byte, recordHeaderLen)
	_, err := io.ReadFull(server, header)
	require.NoError(t, err)
	body := make([]byte, binary.BigEndian.Uint16(header[3:]))
	_, err = io.ReadFull(server, body)
	require.NoError(t, err)

	_ = server.Close()
	<-done
	return append(header, body...)
}

func TestExtractCompleteHello(t *testing.T) {
	hello := captureHello(t, &tls.Config{
		ServerName: "example.com",
		NextProtos: []string{"h2", "http/1.1"},
		MinVersion: tls.VersionTLS12,
	})

	res := Extract(hello, MaxRecordSize)
	assert.Equal(t, Complete, res.Status)
	assert.Equal(t, "example.com", res.SNI)
	assert.Equal(t, []string{"h2", "http/1.1"}, res.ALPN)
	assert.NotEmpty(t, res.Ciphers)
	assert.Contains(t, res.Ciphers, tlsconf.Cipher(tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256))
	assert.False(t, res.HTTPRequest)
}

func TestExtractDoesNotModifyInput(t *testing.T) {
	hello := captureHello(t, &tls.Config{ServerName: "example.com"})
	orig := append([]byte(nil), hello...)
	_ = Extract(hello, MaxRecordSize)
	assert.Equal(t, orig, hello)
}

func TestExtractTruncatedPrefixes(t *testing.T) {
	hello := captureHello(t, &tls.Config{
		ServerName: "example.com",
		NextProtos: []string{"h2", "http/1.1"},
	})

	for n := 0; n < len(hello); n++ {
		prefix := hello[:n]

		res := Extract(prefix, MaxRecordSize)
		require.Equal(t, NeedRead, res.Status, "prefix length %d", n)

		res = Extract(prefix, n)
		require.Equal(t, Underflow, res.Status, "prefix length %d at capacity", n)
	}
}

func TestExtractWithoutSNI(t *testing.T) {
	hello := captureHello(t, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"h2"},
	})

	res := Extract(hello, MaxRecordSize)
	assert.Equal(t, NotPresent, res.Status)
	assert.Empty(t, res.SNI)
	assert.NotEmpty(t, res.Ciphers, "ciphers are reported without SNI")
	assert.Equal(t, []string{"h2"}, res.ALPN)
}

func TestExtractNonTLS(t *testing.T) {
	res := Extract([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"), MaxRecordSize)
	assert.Equal(t, NotPresent, res.Status)
	assert.True(t, res.HTTPRequest)

	res = Extract([]byte{0x00, 0x01, 0x02}, MaxRecordSize)
	assert.Equal(t, NotPresent, res.Status)
	assert.False(t, res.HTTPRequest)

	// A single non-handshake byte is enough to decide
	res = Extract([]byte{0x17}, MaxRecordSize)
	assert.Equal(t, NotPresent, res.Status)
}

// helloBuilder assembles ClientHello records for edge cases.
type helloBuilder struct {
	recordVersion [2]byte
	ciphers       []uint16
	extensions    [][]byte
	noExtensions  bool
}

func ext(typ uint16, payload []byte) []byte {
	b := binary.BigEndian.AppendUint16(nil, typ)
	b = binary.BigEndian.AppendUint16(b, uint16(len(payload)))
	return append(b, payload...)
}

func sniPayload(name string) []byte {
	entry := append([]byte{serverNameTypeHostName}, binary.BigEndian.AppendUint16(nil, uint16(len(name)))...)
	entry = append(entry, name...)
	return append(binary.BigEndian.AppendUint16(nil, uint16(len(entry))), entry...)
}

func (h helloBuilder) body() []byte {
	b := []byte{0x03, 0x03}
	b = append(b, make([]byte, 32)...)
	b = append(b, 0) // empty session id
	b = binary.BigEndian.AppendUint16(b, uint16(2*len(h.ciphers)))
	for _, c := range h.ciphers {
		b = binary.BigEndian.AppendUint16(b, c)
	}
	b = append(b, 1, 0) // null compression
	if !h.noExtensions {
		var exts []byte
		for _, e := range h.extensions {
			exts = append(exts, e...)
		}
		b = binary.BigEndian.AppendUint16(b, uint16(len(exts)))
		b = append(b, exts...)
	}
	return b
}

func (h helloBuilder) record() []byte {
	body := h.body()
	hs := []byte{handshakeClientHello, byte(len(body) >> 16), byte(len(body) >> 8), byte(len(body))}
	hs = append(hs, body...)

	version := h.recordVersion
	if version == [2]byte{} {
		version = [2]byte{3, 1}
	}
	rec := []byte{recordTypeHandshake, version[0], version[1]}
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(hs)))
	return append(rec, hs...)
}

func TestExtractHandBuilt(t *testing.T) {
	t.Run("unknown ciphers kept", func(t *testing.T) {
		res := Extract(helloBuilder{
			ciphers:    []uint16{0x0A0A, 0xC02F},
			extensions: [][]byte{ext(extensionServerName, sniPayload("a.example.com"))},
		}.record(), MaxRecordSize)
		assert.Equal(t, Complete, res.Status)
		assert.Equal(t, "a.example.com", res.SNI)
		assert.Equal(t, []tlsconf.Cipher{0x0A0A, 0xC02F}, res.Ciphers)
		assert.False(t, res.Ciphers[0].Known())
	})

	t.Run("no extensions", func(t *testing.T) {
		res := Extract(helloBuilder{ciphers: []uint16{0xC02F}, noExtensions: true}.record(), MaxRecordSize)
		assert.Equal(t, NotPresent, res.Status)
		assert.Len(t, res.Ciphers, 1)
	})

	t.Run("duplicate SNI", func(t *testing.T) {
		res := Extract(helloBuilder{
			ciphers: []uint16{0xC02F},
			extensions: [][]byte{
				ext(extensionServerName, sniPayload("a.example.com")),
				ext(extensionServerName, sniPayload("b.example.com")),
			},
		}.record(), MaxRecordSize)
		assert.Equal(t, NotPresent, res.Status)
		assert.Empty(t, res.SNI)
	})

	t.Run("unknown extensions skipped", func(t *testing.T) {
		res := Extract(helloBuilder{
			ciphers: []uint16{0xC02F},
			extensions: [][]byte{
				ext(0xFF01, []byte{0}),
				ext(extensionServerName, sniPayload("example.com")),
			},
		}.record(), MaxRecordSize)
		assert.Equal(t, Complete, res.Status)
		assert.Equal(t, "example.com", res.SNI)
	})

	t.Run("SSLv3 record rejected", func(t *testing.T) {
		res := Extract(helloBuilder{
			recordVersion: [2]byte{3, 0},
			ciphers:       []uint16{0xC02F},
			extensions:    [][]byte{ext(extensionServerName, sniPayload("example.com"))},
		}.record(), MaxRecordSize)
		assert.Equal(t, NotPresent, res.Status)
	})

	t.Run("fragmented hello", func(t *testing.T) {
		rec := helloBuilder{
			ciphers:    []uint16{0xC02F},
			extensions: [][]byte{ext(extensionServerName, sniPayload("example.com"))},
		}.record()
		// Shrink the record so it ends before the hello does
		cut := rec[:len(rec)-4]
		binary.BigEndian.PutUint16(cut[3:5], uint16(len(cut)-recordHeaderLen))
		res := Extract(cut, MaxRecordSize)
		assert.Equal(t, NotPresent, res.Status)
	})

	t.Run("malformed extension length", func(t *testing.T) {
		bad := ext(extensionServerName, sniPayload("example.com"))
		binary.BigEndian.PutUint16(bad[2:4], 0xFFFF)
		res := Extract(helloBuilder{ciphers: []uint16{0xC02F}, extensions: [][]byte{bad}}.record(), MaxRecordSize)
		assert.Equal(t, NotPresent, res.Status)
	})

	t.Run("not a client hello", func(t *testing.T) {
		rec := helloBuilder{ciphers: []uint16{0xC02F}}.record()
		rec[recordHeaderLen] = 2 // ServerHello
		res := Extract(rec, MaxRecordSize)
		assert.Equal(t, NotPresent, res.Status)
	})
}
