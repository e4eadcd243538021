package endpoint

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/opd-ai/kiribi/codec"
	"github.com/opd-ai/kiribi/crypto"
	"github.com/opd-ai/kiribi/limits"
)

// StreamConn frames a byte stream with uvarint length prefixes.
type StreamConn struct {
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

// NewStreamConn wraps conn.
func NewStreamConn(conn net.Conn) *StreamConn {
	return &StreamConn{conn: conn, r: bufio.NewReader(conn)}
}

// WriteRaw writes p as one frame.
func (c *StreamConn) WriteRaw(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return codec.WriteFrame(c.conn, p)
}

// ReadRaw reads one frame.
func (c *StreamConn) ReadRaw() ([]byte, error) {
	return codec.ReadFrame(c.r, limits.MaxFrameSize)
}

// Close closes the connection.
func (c *StreamConn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the peer's network address.
func (c *StreamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local network address.
func (c *StreamConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// DialTCP connects to addr and completes the handshake as initiator.
func DialTCP(ctx context.Context, addr string, keys *crypto.KeyPair, opts *Options) (*SecureEndpoint, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, &Error{Op: "dial", Addr: addr, Err: err}
	}
	ep := NewSecureEndpoint(NewStreamConn(conn), keys, opts)
	if err := ep.Connect(ctx, true); err != nil {
		return nil, err
	}
	return ep, nil
}

// AcceptTCP completes the handshake as responder on an accepted connection.
func AcceptTCP(ctx context.Context, conn net.Conn, keys *crypto.KeyPair, opts *Options) (*SecureEndpoint, error) {
	ep := NewSecureEndpoint(NewStreamConn(conn), keys, opts)
	if err := ep.Connect(ctx, false); err != nil {
		return nil, fmt.Errorf("accept %s: %w", conn.RemoteAddr(), err)
	}
	return ep, nil
}
