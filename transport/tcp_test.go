package transport

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/opd-ai/kiribi/crypto"
	"github.com/opd-ai/kiribi/endpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTCP(t *testing.T, keys *crypto.KeyPair) (*TCPProvider, netip.AddrPort, chan endpoint.Endpoint) {
	t.Helper()
	p := NewTCPProvider(keys, NewStaticMapper(nil), "127.0.0.1:0", nil)
	t.Cleanup(func() { _ = p.Shutdown() })

	srv, err := p.Server()
	require.NoError(t, err)
	got := make(chan endpoint.Endpoint, 4)
	srv.Accept(func(ep endpoint.Endpoint) { got <- ep })

	return p, p.Addr().(*net.TCPAddr).AddrPort(), got
}

func TestTCPOpenAccept(t *testing.T) {
	kb := keyPair(t)
	_, addr, got := startTCP(t, kb)

	ka := keyPair(t)
	a := NewTCPProvider(ka, NewStaticMapper(map[crypto.Address]netip.AddrPort{kb.Address(): addr}), "127.0.0.1:0", nil)
	defer a.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ep, err := a.Open(ctx, ConnectionAddress{Address: kb.Address(), ID: 1})
	require.NoError(t, err)
	defer ep.Close()
	require.NoError(t, ep.Write([]byte("hello")))

	var in endpoint.Endpoint
	select {
	case in = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound endpoint")
	}
	defer in.Close()

	msg, err := in.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), msg)

	require.NoError(t, in.Write([]byte("back")))
	msg, err = ep.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("back"), msg)
}

func TestTCPOpenUnmapped(t *testing.T) {
	a := NewTCPProvider(keyPair(t), NewStaticMapper(nil), "127.0.0.1:0", nil)
	defer a.Shutdown()

	_, err := a.Open(context.Background(), ConnectionAddress{Address: keyPair(t).Address()})
	assert.ErrorIs(t, err, ErrUnmapped)
}

func TestTCPOpenWrongPeer(t *testing.T) {
	_, addr, _ := startTCP(t, keyPair(t))

	impostor := keyPair(t).Address()
	a := NewTCPProvider(keyPair(t), NewStaticMapper(map[crypto.Address]netip.AddrPort{impostor: addr}), "127.0.0.1:0", nil)
	defer a.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.Open(ctx, ConnectionAddress{Address: impostor})
	assert.ErrorIs(t, err, endpoint.ErrPeerMismatch)
}

func TestTCPShutdown(t *testing.T) {
	p, _, _ := startTCP(t, keyPair(t))
	srv, err := p.Server()
	require.NoError(t, err)

	require.NoError(t, p.Shutdown())
	assert.False(t, srv.IsOpen())
	assert.NoError(t, p.Shutdown())

	_, err = p.Open(context.Background(), ConnectionAddress{Address: keyPair(t).Address()})
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = p.Server()
	assert.ErrorIs(t, err, ErrShutdown)
}
