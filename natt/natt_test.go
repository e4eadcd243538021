package natt

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/kiribi/crypto"
	"github.com/opd-ai/kiribi/internal/udp"
	"github.com/opd-ai/kiribi/kap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct {
	addr crypto.Address
	tr   *udp.Transport
	proc *Processor
}

func startServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer("127.0.0.1:0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func startNode(t *testing.T, server netip.AddrPort, opts *Options) *node {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	tr, err := udp.Listen("127.0.0.1:0")
	require.NoError(t, err)

	proc := NewProcessor(kp.Address(), server, tr.Send, opts)
	tr.RegisterHandler(Protocol, proc.Process)
	tr.Start()

	t.Cleanup(func() {
		proc.Shutdown()
		_ = tr.Close()
	})
	return &node{addr: kp.Address(), tr: tr, proc: proc}
}

func register(t *testing.T, n *node) {
	t.Helper()
	require.NoError(t, n.proc.Register())
	select {
	case <-n.proc.Registered():
	case <-time.After(2 * time.Second):
		t.Fatal("registration not confirmed")
	}
}

func TestWireLayout(t *testing.T) {
	var a crypto.Address
	a[0], a[19] = 0xaa, 0xbb

	p := addressPacket(0x0102030405060708, CmdCON, a)
	require.Len(t, p, 30)
	assert.Equal(t, Protocol, p[0])
	assert.Equal(t, uint64(0x0102030405060708), packetID(p))
	assert.Equal(t, CmdCON, p[offCmd])
	got, err := packetAddress(p)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	ap := netip.MustParseAddrPort("10.1.2.3:4567")
	s, err := socketPacket(9, CmdADR, ap)
	require.NoError(t, err)
	back, err := packetSocket(s)
	require.NoError(t, err)
	assert.Equal(t, ap, back)

	probe := probePacket(9)
	assert.Len(t, probe, probeSize)
	assert.Equal(t, uint64(9), packetID(probe))

	_, err = packetSocket(probe)
	assert.ErrorIs(t, err, errMalformed)
}

func TestRegisterReportsExternalAddress(t *testing.T) {
	s := startServer(t)
	a := startNode(t, s.Addr(), nil)

	_, ok := a.proc.ExternalAddr()
	assert.False(t, ok)

	register(t, a)

	ext, ok := a.proc.ExternalAddr()
	require.True(t, ok)
	assert.Equal(t, a.tr.LocalAddr(), ext)

	stored, ok := s.Lookup(a.addr)
	require.True(t, ok)
	assert.Equal(t, a.tr.LocalAddr(), stored)

	s.Evict(a.addr)
	_, ok = s.Lookup(a.addr)
	assert.False(t, ok)
}

func TestConnectPunchesBothWays(t *testing.T) {
	s := startServer(t)
	a := startNode(t, s.Addr(), nil)
	b := startNode(t, s.Addr(), nil)
	register(t, a)
	register(t, b)

	var mu sync.Mutex
	var events []Event
	b.proc.OnSession(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key, err := a.proc.Connect(ctx, b.addr)
	require.NoError(t, err)
	assert.Equal(t, b.tr.LocalAddr(), key.Addr)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e.State == StateAvailable && e.Key.Addr == a.tr.LocalAddr() && e.Key.ID == key.ID {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConnectUnregisteredPeer(t *testing.T) {
	s := startServer(t)
	a := startNode(t, s.Addr(), nil)
	register(t, a)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	start := time.Now()
	_, err = a.proc.Connect(context.Background(), kp.Address())
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Less(t, time.Since(start), NewOptions().ServerTimeout+time.Second)
}

func TestConnectServerTimeout(t *testing.T) {
	// A bound socket that never answers.
	silent, err := udp.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	opts := NewOptions()
	opts.ServerTimeout = 100 * time.Millisecond
	a := startNode(t, silent.LocalAddr(), opts)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	_, err = a.proc.Connect(context.Background(), kp.Address())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPunchFailsWithoutPeerProbes(t *testing.T) {
	s := startServer(t)
	a := startNode(t, s.Addr(), nil)
	register(t, a)

	// Registered under a socket that is bound but runs no processor.
	mute, err := udp.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer mute.Close()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, mute.Send(s.Addr(), addressPacket(1, CmdREG, kp.Address())))
	require.Eventually(t, func() bool {
		_, ok := s.Lookup(kp.Address())
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	a.proc.opts.ProbeLimit = 3
	a.proc.opts.ProbeInterval = 10 * time.Millisecond

	_, err = a.proc.Connect(context.Background(), kp.Address())
	assert.ErrorIs(t, err, ErrPunchFailed)
}

func TestShutdownRejectsOperations(t *testing.T) {
	a := startNode(t, netip.MustParseAddrPort("127.0.0.1:9"), nil)
	a.proc.Shutdown()

	assert.ErrorIs(t, a.proc.Register(), ErrShutdown)
	_, err := a.proc.Connect(context.Background(), crypto.NullAddress)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestNoSessionWorkAfterShutdown(t *testing.T) {
	p := NewProcessor(crypto.NullAddress, netip.MustParseAddrPort("127.0.0.1:9"), func(netip.AddrPort, []byte) error { return nil }, nil)
	var mu sync.Mutex
	var events []Event
	p.OnSession(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	p.Shutdown()

	s := p.session(Key{Addr: netip.MustParseAddrPort("127.0.0.1:5000"), ID: 1})
	select {
	case <-s.wait():
	case <-time.After(time.Second):
		t.Fatal("session left open after shutdown")
	}
	assert.False(t, s.available)
	p.tunnel(Key{Addr: netip.MustParseAddrPort("127.0.0.1:5001"), ID: 2})
	p.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, events)
}

func TestServerEchoesKeepAlive(t *testing.T) {
	s := startServer(t)

	c, err := udp.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer c.Close()

	got := make(chan []byte, 1)
	c.RegisterHandler(kap.Protocol, func(_ netip.AddrPort, packet []byte) {
		got <- append([]byte(nil), packet...)
	})
	c.Start()

	require.NoError(t, c.Send(s.Addr(), kap.ServerKeepAlive))
	select {
	case p := <-got:
		assert.Equal(t, kap.ServerKeepAlive, p)
	case <-time.After(2 * time.Second):
		t.Fatal("keep-alive not echoed")
	}
}
