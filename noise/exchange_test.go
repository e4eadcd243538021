package noise

import (
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/kiribi/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStreamClosed = errors.New("stream closed")

type chanStream struct {
	in  chan []byte
	out chan []byte
}

func (s *chanStream) WriteFrame(frame []byte) error {
	b := make([]byte, len(frame))
	copy(b, frame)
	s.out <- b
	return nil
}

func (s *chanStream) ReadFrame() ([]byte, error) {
	select {
	case b := <-s.in:
		return b, nil
	case <-time.After(2 * time.Second):
		return nil, errStreamClosed
	}
}

func streamPair() (*chanStream, *chanStream) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	return &chanStream{in: ba, out: ab}, &chanStream{in: ab, out: ba}
}

func exchangePair(t *testing.T) (*KeyExchange, *KeyExchange, *crypto.KeyPair, *crypto.KeyPair) {
	t.Helper()

	initKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	respKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	a, b := streamPair()
	initiator, err := NewKeyExchange(initKeys, Initiator, a)
	require.NoError(t, err)
	responder, err := NewKeyExchange(respKeys, Responder, b)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- responder.Exchange() }()

	require.NoError(t, initiator.Exchange())
	require.NoError(t, <-errCh)

	return initiator, responder, initKeys, respKeys
}

func TestExchangeAuthenticatesBothSides(t *testing.T) {
	initiator, responder, initKeys, respKeys := exchangePair(t)

	assert.True(t, initiator.IsComplete())
	assert.True(t, responder.IsComplete())

	addr, err := initiator.RemoteAddress()
	require.NoError(t, err)
	assert.Equal(t, respKeys.Address(), addr)

	addr, err = responder.RemoteAddress()
	require.NoError(t, err)
	assert.Equal(t, initKeys.Address(), addr)
}

func TestTransportMessagesBothDirections(t *testing.T) {
	initiator, responder, _, _ := exchangePair(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, initiator.Write([]byte{byte(i), 'a'}))
		got, err := responder.Read()
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i), 'a'}, got)

		require.NoError(t, responder.Write([]byte{byte(i), 'b'}))
		got, err = initiator.Read()
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i), 'b'}, got)
	}
}

func TestWriteBeforeExchange(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	a, _ := streamPair()

	kx, err := NewKeyExchange(keys, Initiator, a)
	require.NoError(t, err)

	assert.ErrorIs(t, kx.Write([]byte("x")), ErrHandshakeNotComplete)
	_, err = kx.Read()
	assert.ErrorIs(t, err, ErrHandshakeNotComplete)
	_, err = kx.RemoteAddress()
	assert.ErrorIs(t, err, ErrHandshakeNotComplete)
}

func TestExchangeTwice(t *testing.T) {
	initiator, _, _, _ := exchangePair(t)
	assert.ErrorIs(t, initiator.Exchange(), ErrHandshakeComplete)
}

func TestNilKeys(t *testing.T) {
	a, _ := streamPair()
	_, err := NewKeyExchange(nil, Initiator, a)
	assert.ErrorIs(t, err, ErrNilKeys)
}

func TestTamperedCiphertextRejected(t *testing.T) {
	initiator, responder, _, _ := exchangePair(t)

	stream := initiator.stream.(*chanStream)
	require.NoError(t, initiator.Write([]byte("hello")))

	ct := <-stream.out
	ct[0] ^= 0x01
	responder.stream.(*chanStream).in <- ct

	_, err := responder.Read()
	assert.Error(t, err)
}
