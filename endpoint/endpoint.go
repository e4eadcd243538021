// Package endpoint implements authenticated, encrypted message channels and
// the multiplexer that carries many logical services over one of them.
//
// A SecureEndpoint sits on any RawConn that preserves message boundaries: a
// TCP stream framed by StreamConn, or reliable datagrams. Connect exchanges
// a ten byte control message carrying the protocol version and a magic
// value, then runs a Noise XX key exchange whose result identifies the peer
// by its Address. A Mux then carries independent ServiceEndpoints keyed by
// 64-bit ids over one SecureEndpoint.
package endpoint

import (
	"errors"
	"fmt"
	"net"

	"github.com/opd-ai/kiribi/codec"
)

// Control flags. Every raw frame starts with one of them.
const (
	FlagInit  byte = 1
	FlagData  byte = 2
	FlagReset byte = 3
	FlagClose byte = 4
)

var (
	// ErrBadMagic is returned when the control message does not carry the magic.
	ErrBadMagic = errors.New("bad voodoo")
	// ErrBadControlFlag is returned when the control message has the wrong flag or size.
	ErrBadControlFlag = errors.New("wrong control flag")
	// ErrHandshakeTimeout is returned by Read and Write when the handshake
	// did not finish in time.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrEndpointClosed is returned by operations on a closed endpoint.
	ErrEndpointClosed = errors.New("endpoint closed")
	// ErrPeerMismatch is returned when the authenticated peer is not the
	// Address that was dialled.
	ErrPeerMismatch = errors.New("authenticated peer does not match expected address")
	// ErrMuxClosed is returned by operations on a disposed Mux.
	ErrMuxClosed = errors.New("mux closed")
)

// Error records a failed endpoint operation.
type Error struct {
	Op   string
	Addr string
	Err  error
}

func (e *Error) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Endpoint is a bidirectional, message oriented channel.
type Endpoint interface {
	Write(p []byte) error
	Read() ([]byte, error)
	IsOpen() bool
	Close() error
}

// RawConn carries unencrypted frames with their boundaries preserved.
type RawConn interface {
	WriteRaw(p []byte) error
	ReadRaw() ([]byte, error)
	Close() error
}

// WriteMessage encodes e and writes it to ep.
func WriteMessage(ep Endpoint, e codec.Encodable) error {
	return ep.Write(codec.Encode(e))
}

// ReadMessage reads one message from ep and decodes it into d.
func ReadMessage(ep Endpoint, d codec.Decodable) error {
	b, err := ep.Read()
	if err != nil {
		return err
	}
	return codec.Decode(b, d)
}

// RemoteAddr returns the network address behind v, or nil if v does not
// expose one.
func RemoteAddr(v any) net.Addr {
	if ra, ok := v.(interface{ RemoteAddr() net.Addr }); ok {
		return ra.RemoteAddr()
	}
	return nil
}

func addrString(v any) string {
	if a := RemoteAddr(v); a != nil {
		return a.String()
	}
	return ""
}
