package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/kiribi/crypto"
	"github.com/opd-ai/kiribi/limits"
	"github.com/opd-ai/kiribi/noise"
	"github.com/sirupsen/logrus"
)

// ProtocolVersion is the highest protocol version this package speaks.
const ProtocolVersion byte = 1

// controlSize is flag + version + magic.
const controlSize = 2 + magicSize

var errConnected = errors.New("connect already called")

// Options configures a SecureEndpoint.
type Options struct {
	// HandshakeTimeout bounds how long Read and Write wait for Connect.
	HandshakeTimeout time.Duration
	// Version is the protocol version offered to the peer.
	Version byte
	// Expect, when not the zero Address, is the only peer Address accepted.
	Expect crypto.Address
}

// NewOptions returns the default endpoint configuration.
func NewOptions() *Options {
	return &Options{
		HandshakeTimeout: 5 * time.Second,
		Version:          ProtocolVersion,
	}
}

func (o *Options) withDefaults() Options {
	d := NewOptions()
	if o == nil {
		return *d
	}
	out := *o
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = d.HandshakeTimeout
	}
	if out.Version == 0 {
		out.Version = d.Version
	}
	return out
}

// SecureEndpoint encrypts messages over a RawConn once Connect succeeded.
// Read and Write called before that wait up to HandshakeTimeout.
type SecureEndpoint struct {
	raw  RawConn
	keys *crypto.KeyPair
	opts Options

	flag atomic.Uint32

	mu        sync.Mutex
	started   bool
	kx        *noise.KeyExchange
	version   byte
	remote    crypto.Address
	ready     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewSecureEndpoint wraps raw. keys is the local static identity.
func NewSecureEndpoint(raw RawConn, keys *crypto.KeyPair, opts *Options) *SecureEndpoint {
	e := &SecureEndpoint{
		raw:    raw,
		keys:   keys,
		opts:   opts.withDefaults(),
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	e.flag.Store(uint32(FlagInit))
	return e
}

// Connect runs the control exchange and the key exchange. The initiator
// speaks first. On failure the endpoint is closed.
func (e *SecureEndpoint) Connect(ctx context.Context, initiator bool) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return e.wrap("connect", errConnected)
	}
	e.started = true
	e.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- e.handshake(initiator)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Connect",
			"initiator": initiator,
			"remote":    addrString(e.raw),
			"error":     err.Error(),
		}).Debug("Secure endpoint handshake failed")
		_ = e.Close()
		return e.wrap("connect", err)
	}
	return nil
}

func (e *SecureEndpoint) handshake(initiator bool) error {
	version, err := e.control(initiator)
	if err != nil {
		return err
	}

	role := noise.Responder
	if initiator {
		role = noise.Initiator
	}
	kx, err := noise.NewKeyExchange(e.keys, role, frames{e})
	if err != nil {
		return err
	}
	if err := kx.Exchange(); err != nil {
		return err
	}
	remote, err := kx.RemoteAddress()
	if err != nil {
		return err
	}
	if !e.opts.Expect.IsZero() && remote != e.opts.Expect {
		return fmt.Errorf("%w: got %s, want %s", ErrPeerMismatch, remote, e.opts.Expect)
	}

	e.mu.Lock()
	e.kx = kx
	e.version = version
	e.remote = remote
	e.mu.Unlock()
	e.flag.Store(uint32(FlagData))
	close(e.ready)

	logrus.WithFields(logrus.Fields{
		"function": "handshake",
		"remote":   remote.String(),
		"version":  version,
	}).Debug("Secure endpoint ready")
	return nil
}

// control exchanges the version and magic and returns the agreed version.
func (e *SecureEndpoint) control(initiator bool) (byte, error) {
	if initiator {
		var req [controlSize]byte
		req[0] = FlagInit
		req[1] = e.opts.Version
		putMagic(req[2:])
		if err := e.raw.WriteRaw(req[:]); err != nil {
			return 0, err
		}

		resp, err := e.raw.ReadRaw()
		if err != nil {
			return 0, err
		}
		if err := checkControl(resp); err != nil {
			return 0, err
		}
		return resp[1], nil
	}

	req, err := e.raw.ReadRaw()
	if err != nil {
		return 0, err
	}
	if err := checkControl(req); err != nil {
		return 0, err
	}
	version := min(req[1], e.opts.Version)
	resp := make([]byte, controlSize)
	resp[0] = FlagInit
	resp[1] = version
	putMagic(resp[2:])
	if err := e.raw.WriteRaw(resp); err != nil {
		return 0, err
	}
	return version, nil
}

func checkControl(b []byte) error {
	if len(b) != controlSize {
		return fmt.Errorf("%w: control message of %d bytes", ErrBadControlFlag, len(b))
	}
	if b[0] != FlagInit {
		return fmt.Errorf("%w: %d", ErrBadControlFlag, b[0])
	}
	if !verifyMagic(b[2:]) {
		return ErrBadMagic
	}
	return nil
}

// await blocks until the handshake finished, the endpoint closed, or the
// handshake timeout elapsed.
func (e *SecureEndpoint) await() error {
	select {
	case <-e.closed:
		return ErrEndpointClosed
	case <-e.ready:
		if !e.IsOpen() {
			return ErrEndpointClosed
		}
		return nil
	default:
	}

	timer := time.NewTimer(e.opts.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-e.closed:
		return ErrEndpointClosed
	case <-e.ready:
		if !e.IsOpen() {
			return ErrEndpointClosed
		}
		return nil
	case <-timer.C:
		return ErrHandshakeTimeout
	}
}

// Write encrypts and sends p as one message.
func (e *SecureEndpoint) Write(p []byte) error {
	if err := e.await(); err != nil {
		return e.wrap("write", err)
	}
	if err := limits.ValidateSecureMessage(p); err != nil {
		return e.wrap("write", err)
	}
	if err := e.kx.Write(p); err != nil {
		if !e.IsOpen() {
			err = ErrEndpointClosed
		}
		return e.wrap("write", err)
	}
	return nil
}

// Read returns the next decrypted message.
func (e *SecureEndpoint) Read() ([]byte, error) {
	if err := e.await(); err != nil {
		return nil, e.wrap("read", err)
	}
	p, err := e.kx.Read()
	if err != nil {
		if !e.IsOpen() {
			err = ErrEndpointClosed
		}
		return nil, e.wrap("read", err)
	}
	return p, nil
}

// WriteRaw sends an unencrypted control frame, such as a lone FlagClose.
func (e *SecureEndpoint) WriteRaw(p []byte) error {
	if !e.IsOpen() {
		return e.wrap("write raw", ErrEndpointClosed)
	}
	return e.raw.WriteRaw(p)
}

// Flag returns FlagInit until the handshake completes and FlagData after.
func (e *SecureEndpoint) Flag() byte {
	return byte(e.flag.Load())
}

// Ready is closed once the handshake completed.
func (e *SecureEndpoint) Ready() <-chan struct{} {
	return e.ready
}

// RemoteAddress returns the authenticated Address of the peer.
func (e *SecureEndpoint) RemoteAddress() (crypto.Address, error) {
	select {
	case <-e.ready:
	default:
		return crypto.NullAddress, noise.ErrHandshakeNotComplete
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote, nil
}

// Version returns the negotiated protocol version, or 0 before Connect.
func (e *SecureEndpoint) Version() byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// RemoteAddr returns the network address of the underlying connection, if known.
func (e *SecureEndpoint) RemoteAddr() net.Addr {
	return RemoteAddr(e.raw)
}

// IsOpen reports whether Close has not been called.
func (e *SecureEndpoint) IsOpen() bool {
	select {
	case <-e.closed:
		return false
	default:
		return true
	}
}

// Close closes the endpoint and the underlying connection.
func (e *SecureEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.closeErr = e.raw.Close()
	})
	return e.closeErr
}

func (e *SecureEndpoint) wrap(op string, err error) error {
	return &Error{Op: op, Addr: addrString(e.raw), Err: err}
}

// frames prefixes every key exchange frame with the current control flag.
type frames struct {
	e *SecureEndpoint
}

func (f frames) WriteFrame(p []byte) error {
	b := make([]byte, 1+len(p))
	b[0] = f.e.Flag()
	copy(b[1:], p)
	return f.e.raw.WriteRaw(b)
}

func (f frames) ReadFrame() ([]byte, error) {
	b, err := f.e.raw.ReadRaw()
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrBadControlFlag)
	}
	if b[0] == FlagClose {
		return nil, ErrEndpointClosed
	}
	return b[1:], nil
}
