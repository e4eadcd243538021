package udp

import (
	"net/netip"
	"testing"
	"time"

	"github.com/opd-ai/kiribi/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type datagram struct {
	from   netip.AddrPort
	packet []byte
}

func listen(t *testing.T) *Transport {
	t.Helper()
	tr, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestDispatchByTag(t *testing.T) {
	a := listen(t)
	b := listen(t)

	got := make(chan datagram, 4)
	for _, tag := range []byte{1, 3} {
		b.RegisterHandler(tag, func(from netip.AddrPort, packet []byte) {
			cp := append([]byte(nil), packet...)
			got <- datagram{from: from, packet: cp}
		})
	}
	b.Start()

	require.NoError(t, a.Send(b.LocalAddr(), []byte{2, 0xaa}))
	require.NoError(t, a.Send(b.LocalAddr(), []byte{3, 0xbb}))
	require.NoError(t, a.Send(b.LocalAddr(), []byte{1, 0xcc}))

	var tags []byte
	for i := 0; i < 2; i++ {
		select {
		case d := <-got:
			assert.Equal(t, a.LocalAddr(), d.from)
			tags = append(tags, d.packet[0])
		case <-time.After(2 * time.Second):
			t.Fatal("datagram not dispatched")
		}
	}
	assert.ElementsMatch(t, []byte{1, 3}, tags)
}

func TestSendValidation(t *testing.T) {
	a := listen(t)
	to := netip.MustParseAddrPort("127.0.0.1:9")

	assert.ErrorIs(t, a.Send(to, nil), limits.ErrEmptyPacket)
	assert.ErrorIs(t, a.Send(to, make([]byte, limits.MaxPacketSize+1)), limits.ErrPacketTooLarge)
}

func TestCloseWithoutStart(t *testing.T) {
	tr, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	assert.True(t, tr.LocalAddr().IsValid())
	assert.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send(netip.MustParseAddrPort("127.0.0.1:9"), []byte{1}), ErrClosed)
}
