package stack

import (
	"bytes"
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/opd-ai/kiribi/crypto"
	"github.com/opd-ai/kiribi/natt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	from netip.AddrPort
	msg  []byte
}

func newStack(t *testing.T, server netip.AddrPort) (*Stack, chan message) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	got := make(chan message, 16)
	opts := NewOptions()
	opts.Server = server
	opts.RegisterMinBackoff = 50 * time.Millisecond
	opts.RegisterMaxBackoff = 200 * time.Millisecond

	s, err := Listen("127.0.0.1:0", kp.Address(), func(from netip.AddrPort, msg []byte) {
		got <- message{from: from, msg: msg}
	}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, got
}

func TestSendWithoutServer(t *testing.T) {
	a, _ := newStack(t, netip.AddrPort{})
	b, got := newStack(t, netip.AddrPort{})
	a.Start(context.Background())
	b.Start(context.Background())

	payload := bytes.Repeat([]byte("kiribi"), 1000)
	select {
	case ok := <-a.Send(b.LocalAddr(), payload):
		require.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not resolve")
	}

	select {
	case m := <-got:
		assert.Equal(t, a.LocalAddr(), m.from)
		assert.Equal(t, payload, m.msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	_, err := a.Connect(context.Background(), b.Self())
	assert.ErrorIs(t, err, ErrNoServer)
	assert.ErrorIs(t, a.Register(), ErrNoServer)
}

func TestRegisterConnectSend(t *testing.T) {
	server, err := natt.NewServer("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer server.Close()

	a, _ := newStack(t, server.Addr())
	b, got := newStack(t, server.Addr())
	a.Start(context.Background())
	b.Start(context.Background())

	for _, s := range []*Stack{a, b} {
		select {
		case <-s.Registered():
		case <-time.After(3 * time.Second):
			t.Fatal("stack did not register")
		}
	}
	ext, ok := b.ExternalAddr()
	require.True(t, ok)
	assert.Equal(t, b.LocalAddr(), ext)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr, err := a.Connect(ctx, b.Self())
	require.NoError(t, err)
	assert.Equal(t, b.LocalAddr(), addr)
	assert.True(t, a.kap.Tracked(addr))

	select {
	case ok := <-a.Send(addr, []byte("hello")):
		require.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not resolve")
	}
	select {
	case m := <-got:
		assert.Equal(t, []byte("hello"), m.msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	a.Untrack(addr)
	assert.False(t, a.kap.Tracked(addr))
}

func TestConnectUnregistered(t *testing.T) {
	server, err := natt.NewServer("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer server.Close()

	a, _ := newStack(t, server.Addr())
	a.Start(context.Background())
	select {
	case <-a.Registered():
	case <-time.After(3 * time.Second):
		t.Fatal("stack did not register")
	}

	_, err = a.Connect(context.Background(), crypto.NullAddress)
	assert.ErrorIs(t, err, natt.ErrNotRegistered)
}

func TestShutdownIdempotent(t *testing.T) {
	a, _ := newStack(t, netip.AddrPort{})
	a.Start(context.Background())
	assert.NoError(t, a.Shutdown())
	assert.NoError(t, a.Shutdown())

	select {
	case ok := <-a.Send(netip.MustParseAddrPort("127.0.0.1:9"), []byte{1}):
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("send after shutdown did not resolve")
	}
}
