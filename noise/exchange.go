package noise

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/flynn/noise"
	"github.com/opd-ai/kiribi/crypto"
	"github.com/sirupsen/logrus"
)

var (
	// ErrHandshakeNotComplete indicates Read or Write was called before Exchange succeeded
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates Exchange was called twice
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrNilKeys indicates no static key pair was supplied
	ErrNilKeys = errors.New("static key pair is required")
)

// Role defines whether we're initiating or responding to the exchange.
type Role uint8

const (
	// Initiator sends the first handshake message
	Initiator Role = iota
	// Responder answers the initiator
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// FrameStream is an ordered, message-oriented duplex channel.
type FrameStream interface {
	WriteFrame(frame []byte) error
	ReadFrame() ([]byte, error)
}

// KeyExchange runs the XX handshake and then encrypts every message written to
// the underlying stream. Writes and reads are each serialized; Noise nonces
// require the stream to preserve message order.
type KeyExchange struct {
	role   Role
	stream FrameStream
	state  *noise.HandshakeState

	hsMu    sync.Mutex
	writeMu sync.Mutex
	readMu  sync.Mutex

	mu       sync.RWMutex
	send     *noise.CipherState
	recv     *noise.CipherState
	remote   [32]byte
	complete bool
}

// NewKeyExchange prepares an exchange using keys as the static key pair.
func NewKeyExchange(keys *crypto.KeyPair, role Role, stream FrameStream) (*KeyExchange, error) {
	if keys == nil {
		return nil, ErrNilKeys
	}

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, keys.Private[:])
	copy(staticKey.Public, keys.Public[:])

	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	})
	if err != nil {
		crypto.ZeroBytes(staticKey.Private)
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return &KeyExchange{
		role:   role,
		stream: stream,
		state:  state,
	}, nil
}

// Exchange performs the three XX messages:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
func (kx *KeyExchange) Exchange() error {
	kx.hsMu.Lock()
	defer kx.hsMu.Unlock()

	if kx.IsComplete() {
		return ErrHandshakeComplete
	}

	var (
		cs1, cs2 *noise.CipherState
		err      error
	)
	if kx.role == Initiator {
		cs1, cs2, err = kx.initiate()
	} else {
		cs1, cs2, err = kx.respond()
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Exchange",
			"role":     kx.role.String(),
			"error":    err.Error(),
		}).Debug("Key exchange failed")
		return err
	}

	kx.mu.Lock()
	// cs1 encrypts initiator to responder traffic.
	if kx.role == Initiator {
		kx.send, kx.recv = cs1, cs2
	} else {
		kx.send, kx.recv = cs2, cs1
	}
	copy(kx.remote[:], kx.state.PeerStatic())
	kx.complete = true
	remote := kx.remote
	kx.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Exchange",
		"role":     kx.role.String(),
		"remote":   crypto.AddressFromPublicKey(remote).String(),
	}).Debug("Key exchange complete")

	return nil
}

func (kx *KeyExchange) initiate() (*noise.CipherState, *noise.CipherState, error) {
	msg, _, _, err := kx.state.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("initiator write e: %w", err)
	}
	if err := kx.stream.WriteFrame(msg); err != nil {
		return nil, nil, err
	}

	reply, err := kx.stream.ReadFrame()
	if err != nil {
		return nil, nil, err
	}
	if _, _, _, err := kx.state.ReadMessage(nil, reply); err != nil {
		return nil, nil, fmt.Errorf("initiator read e, ee, s, es: %w", err)
	}

	final, cs1, cs2, err := kx.state.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("initiator write s, se: %w", err)
	}
	if err := kx.stream.WriteFrame(final); err != nil {
		return nil, nil, err
	}
	return cs1, cs2, nil
}

func (kx *KeyExchange) respond() (*noise.CipherState, *noise.CipherState, error) {
	first, err := kx.stream.ReadFrame()
	if err != nil {
		return nil, nil, err
	}
	if _, _, _, err := kx.state.ReadMessage(nil, first); err != nil {
		return nil, nil, fmt.Errorf("responder read e: %w", err)
	}

	msg, _, _, err := kx.state.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("responder write e, ee, s, es: %w", err)
	}
	if err := kx.stream.WriteFrame(msg); err != nil {
		return nil, nil, err
	}

	final, err := kx.stream.ReadFrame()
	if err != nil {
		return nil, nil, err
	}
	_, cs1, cs2, err := kx.state.ReadMessage(nil, final)
	if err != nil {
		return nil, nil, fmt.Errorf("responder read s, se: %w", err)
	}
	return cs1, cs2, nil
}

// Write encrypts msg and writes it as one frame.
func (kx *KeyExchange) Write(msg []byte) error {
	kx.mu.RLock()
	send := kx.send
	kx.mu.RUnlock()
	if send == nil {
		return ErrHandshakeNotComplete
	}

	kx.writeMu.Lock()
	defer kx.writeMu.Unlock()

	ct, err := send.Encrypt(nil, nil, msg)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	return kx.stream.WriteFrame(ct)
}

// Read reads one frame and decrypts it.
func (kx *KeyExchange) Read() ([]byte, error) {
	kx.mu.RLock()
	recv := kx.recv
	kx.mu.RUnlock()
	if recv == nil {
		return nil, ErrHandshakeNotComplete
	}

	kx.readMu.Lock()
	defer kx.readMu.Unlock()

	ct, err := kx.stream.ReadFrame()
	if err != nil {
		return nil, err
	}
	pt, err := recv.Decrypt(nil, nil, ct)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return pt, nil
}

// IsComplete reports whether Exchange has succeeded.
func (kx *KeyExchange) IsComplete() bool {
	kx.mu.RLock()
	defer kx.mu.RUnlock()
	return kx.complete
}

// RemotePublicKey returns the authenticated static key of the peer.
func (kx *KeyExchange) RemotePublicKey() ([32]byte, error) {
	kx.mu.RLock()
	defer kx.mu.RUnlock()
	if !kx.complete {
		return [32]byte{}, ErrHandshakeNotComplete
	}
	return kx.remote, nil
}

// RemoteAddress returns the Address of the authenticated peer.
func (kx *KeyExchange) RemoteAddress() (crypto.Address, error) {
	key, err := kx.RemotePublicKey()
	if err != nil {
		return crypto.NullAddress, err
	}
	return crypto.AddressFromPublicKey(key), nil
}
