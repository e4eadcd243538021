package rmp

import (
	"bytes"
	"context"
	"crypto/rand"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/kiribi/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA = netip.MustParseAddrPort("10.0.0.1:4000")
	addrB = netip.MustParseAddrPort("10.0.0.2:4000")
)

type received struct {
	from netip.AddrPort
	msg  []byte
}

// pair wires two processors back to back through an in-memory link.
type pair struct {
	a, b *Processor
	out  chan received

	mu   sync.Mutex
	drop func(from netip.AddrPort, packet []byte) bool
}

func fastOptions() *Options {
	opts := NewOptions()
	opts.SessionTimeout = 10 * time.Millisecond
	opts.TimerInterval = 10 * time.Millisecond
	opts.PollInterval = 5 * time.Millisecond
	opts.MaxRetries = 5
	opts.Linger = 50 * time.Millisecond
	return opts
}

func newPair(t *testing.T, opts *Options) *pair {
	t.Helper()
	pr := &pair{out: make(chan received, 16)}

	link := func(from netip.AddrPort, dst func() *Processor) WriteFunc {
		return func(to netip.AddrPort, packet []byte) error {
			pr.mu.Lock()
			drop := pr.drop
			pr.mu.Unlock()
			if drop != nil && drop(from, packet) {
				return nil
			}
			dst().Process(from, packet)
			return nil
		}
	}
	consume := func(from netip.AddrPort, msg []byte) {
		pr.out <- received{from: from, msg: msg}
	}

	pr.a = NewProcessor(link(addrA, func() *Processor { return pr.b }), consume, opts)
	pr.b = NewProcessor(link(addrB, func() *Processor { return pr.a }), consume, opts)
	pr.a.Start()
	pr.b.Start()

	t.Cleanup(func() {
		pr.a.Shutdown()
		pr.b.Shutdown()
	})
	return pr
}

func (pr *pair) setDrop(f func(from netip.AddrPort, packet []byte) bool) {
	pr.mu.Lock()
	pr.drop = f
	pr.mu.Unlock()
}

func randomMessage(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func waitResult(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case ok := <-ch:
		return ok
	case <-time.After(5 * time.Second):
		t.Fatal("send did not resolve")
		return false
	}
}

func TestRoundTripBoundaryLengths(t *testing.T) {
	pr := newPair(t, nil)
	c := limits.MaxChunkSize

	for _, n := range []int{0, 1, c - 1, c, c + 1, 8 * c, 8*c + 1} {
		msg := randomMessage(t, n)

		ok := waitResult(t, pr.a.Send(addrB, msg))
		require.True(t, ok, "length %d", n)

		select {
		case r := <-pr.out:
			assert.Equal(t, addrA, r.from)
			assert.Len(t, r.msg, n)
			assert.True(t, bytes.Equal(msg, r.msg), "length %d", n)
		case <-time.After(time.Second):
			t.Fatalf("message of length %d was not delivered", n)
		}
	}
}

func TestRoundTripWithLoss(t *testing.T) {
	pr := newPair(t, fastOptions())

	var mu sync.Mutex
	seen := make(map[uint32]bool)
	pr.setDrop(func(from netip.AddrPort, packet []byte) bool {
		if from != addrA || packet[5] != CmdDAT {
			return false
		}
		h, err := parseHeader(packet)
		if err != nil {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if h.value%3 == 0 && !seen[h.value] {
			seen[h.value] = true
			return true
		}
		return false
	})

	msg := randomMessage(t, 20*limits.MaxChunkSize+17)
	require.True(t, waitResult(t, pr.a.Send(addrB, msg)))

	select {
	case r := <-pr.out:
		assert.True(t, bytes.Equal(msg, r.msg))
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestConcurrentSendsBothDirections(t *testing.T) {
	pr := newPair(t, nil)

	const n = 6
	results := make([]<-chan bool, 0, 2*n)
	for i := 0; i < n; i++ {
		results = append(results, pr.a.Send(addrB, randomMessage(t, 3000+i)))
		results = append(results, pr.b.Send(addrA, randomMessage(t, 5000+i)))
	}
	for _, ch := range results {
		assert.True(t, waitResult(t, ch))
	}

	fromA, fromB := 0, 0
	for i := 0; i < 2*n; i++ {
		select {
		case r := <-pr.out:
			if r.from == addrA {
				fromA++
			} else {
				fromB++
			}
		case <-time.After(time.Second):
			t.Fatal("missing delivery")
		}
	}
	assert.Equal(t, n, fromA)
	assert.Equal(t, n, fromB)
}

func TestReceiverFailsWhenFinalChunkNeverArrives(t *testing.T) {
	pr := newPair(t, fastOptions())

	msg := randomMessage(t, 3*limits.MaxChunkSize)
	last := uint32(2)
	pr.setDrop(func(from netip.AddrPort, packet []byte) bool {
		if from != addrA || (packet[5] != CmdDAT && packet[5] != CmdRTM) {
			return false
		}
		h, err := parseHeader(packet)
		return err == nil && h.value == last
	})

	result := pr.a.Send(addrB, msg)

	require.Eventually(t, func() bool {
		return pr.b.Stats().Receivers == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return pr.b.Stats().Receivers == 0
	}, 3*time.Second, 5*time.Millisecond)

	assert.False(t, waitResult(t, result))
	assert.Equal(t, 0, pr.a.Stats().Transmitters)

	select {
	case r := <-pr.out:
		t.Fatalf("unexpected delivery of %d bytes", len(r.msg))
	default:
	}
}

func TestSendToSilentPeerFails(t *testing.T) {
	opts := fastOptions()
	p := NewProcessor(func(netip.AddrPort, []byte) error { return nil }, func(netip.AddrPort, []byte) {}, opts)
	p.Start()
	defer p.Shutdown()

	assert.False(t, waitResult(t, p.Send(addrB, []byte("hello"))))
	assert.ErrorIs(t, p.SendWait(context.Background(), addrB, []byte("again")), ErrSendFailed)
}

func TestShutdownResolvesPendingSends(t *testing.T) {
	p := NewProcessor(func(netip.AddrPort, []byte) error { return nil }, func(netip.AddrPort, []byte) {}, nil)
	p.Start()

	result := p.Send(addrB, []byte("pending"))
	require.Eventually(t, func() bool {
		return p.Stats().Transmitters == 1
	}, time.Second, time.Millisecond)

	p.Shutdown()
	assert.False(t, waitResult(t, result))
	assert.False(t, waitResult(t, p.Send(addrB, []byte("late"))))
}

// capture records packets written by a processor that is driven directly,
// without its loop, so session internals can be inspected deterministically.
type capture struct {
	packets [][]byte
}

func (c *capture) write(_ netip.AddrPort, packet []byte) error {
	c.packets = append(c.packets, packet)
	return nil
}

func (c *capture) last() []byte {
	return c.packets[len(c.packets)-1]
}

func TestNAKCarriesMissingChunks(t *testing.T) {
	c := &capture{}
	p := NewProcessor(c.write, func(netip.AddrPort, []byte) {}, nil)

	msg := randomMessage(t, 3*limits.MaxChunkSize)
	p.handlePacket(addrA, packControl(42, CmdSYN, uint32(len(msg))))
	assert.Equal(t, CmdACK, c.last()[5])

	for _, seq := range []uint32{0, 2} {
		off := int(seq) * limits.MaxChunkSize
		p.handlePacket(addrA, packData(42, CmdDAT, seq, msg[off:off+limits.MaxChunkSize]))
	}

	r := p.receivers[sessionKey{addr: addrA, id: 42}]
	require.NotNil(t, r)
	r.timeout()

	nak := c.last()
	require.Len(t, nak, nakSize)
	assert.Equal(t, CmdNAK, nak[5])
	assert.Equal(t, byte(0b010), nak[10])
}

func TestDuplicateSYNRepeatsACK(t *testing.T) {
	c := &capture{}
	p := NewProcessor(c.write, func(netip.AddrPort, []byte) {}, nil)

	p.handlePacket(addrA, packControl(7, CmdSYN, 100))
	p.handlePacket(addrA, packControl(7, CmdSYN, 100))

	require.Len(t, c.packets, 2)
	assert.Equal(t, CmdACK, c.packets[0][5])
	assert.Equal(t, CmdACK, c.packets[1][5])
	assert.Equal(t, 1, p.Stats().Receivers)
}

func TestStrayDataIgnored(t *testing.T) {
	c := &capture{}
	p := NewProcessor(c.write, func(netip.AddrPort, []byte) {}, nil)

	p.handlePacket(addrA, packData(99, CmdDAT, 0, []byte("x")))
	p.handlePacket(addrA, packControl(99, CmdFIN, 0))

	assert.Empty(t, c.packets)
	assert.Equal(t, Stats{}, p.Stats())
}

func TestOversizedSYNRejected(t *testing.T) {
	c := &capture{}
	p := NewProcessor(c.write, func(netip.AddrPort, []byte) {}, nil)

	p.handlePacket(addrA, packControl(5, CmdSYN, limits.MaxRMPMessage+1))

	assert.Empty(t, c.packets)
	assert.Equal(t, 0, p.Stats().Receivers)
}

func TestOversizedSendFailsImmediately(t *testing.T) {
	c := &capture{}
	p := NewProcessor(c.write, func(netip.AddrPort, []byte) {}, nil)
	result := make(chan bool, 1)

	p.handleSend(&sendRequest{to: addrB, msg: make([]byte, limits.MaxRMPMessage+1), result: result})

	ok, open := <-result
	assert.True(t, open)
	assert.False(t, ok)
	_, open = <-result
	assert.False(t, open)
	assert.Empty(t, c.packets)
	assert.Equal(t, 0, p.Stats().Transmitters)
}
