package discovery

import (
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/kiribi/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

func address(t *testing.T) crypto.Address {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp.Address()
}

func TestAnnouncementWireForm(t *testing.T) {
	a := Announcement{Address: address(t), Socket: netip.MustParseAddrPort("192.168.1.20:7000")}
	b, err := a.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, AnnouncementSize)
	assert.Equal(t, a.Address[:], b[:20])
	assert.Equal(t, []byte{0xff, 0xff, 192, 168, 1, 20}, b[20:26])
	assert.Equal(t, []byte{0, 0, 0x1b, 0x58}, b[36:40])

	var back Announcement
	require.NoError(t, back.UnmarshalBinary(b))
	assert.Equal(t, a, back)

	assert.ErrorIs(t, back.UnmarshalBinary(b[:39]), errAnnouncementSize)
}

func TestHandleUpdatesPeerTable(t *testing.T) {
	self := address(t)
	d, err := New(self, netip.MustParseAddrPort("10.0.0.1:7000"), nil)
	require.NoError(t, err)

	peer := Announcement{Address: address(t), Socket: netip.MustParseAddrPort("10.0.0.2:7000")}
	b, err := peer.MarshalBinary()
	require.NoError(t, err)

	assert.True(t, d.handle(b), "first sighting is new")
	assert.False(t, d.handle(b), "repeat is not new")

	got, ok := d.Lookup(peer.Address)
	require.True(t, ok)
	assert.Equal(t, peer.Socket, got)

	moved := Announcement{Address: peer.Address, Socket: netip.MustParseAddrPort("10.0.0.3:7001")}
	b, err = moved.MarshalBinary()
	require.NoError(t, err)
	assert.False(t, d.handle(b))
	got, _ = d.Lookup(peer.Address)
	assert.Equal(t, moved.Socket, got)

	// Our own announcements are ignored.
	assert.False(t, d.handle(d.announce))
	assert.Len(t, d.Peers(), 1)

	assert.False(t, d.handle([]byte{1, 2, 3}))

	d.Remove(peer.Address)
	_, ok = d.Lookup(peer.Address)
	assert.False(t, ok)

	// Stop before Start is harmless.
	assert.NoError(t, d.Stop())
}

// failingReader fails every read with err.
type failingReader struct {
	err   error
	reads atomic.Int32
}

func (r *failingReader) SetReadDeadline(time.Time) error { return nil }

func (r *failingReader) ReadFrom([]byte) (int, *ipv4.ControlMessage, net.Addr, error) {
	r.reads.Add(1)
	return 0, nil, nil, r.err
}

func TestReadStopsOnClosedConn(t *testing.T) {
	d, err := New(address(t), netip.MustParseAddrPort("10.0.0.1:7000"), nil)
	require.NoError(t, err)
	defer d.cancel()

	r := &failingReader{err: net.ErrClosed}
	done := make(chan struct{})
	go func() {
		d.read(r)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read kept looping on a closed conn")
	}
	assert.Equal(t, int32(1), r.reads.Load())
}

func TestReadBacksOffAfterError(t *testing.T) {
	d, err := New(address(t), netip.MustParseAddrPort("10.0.0.1:7000"), nil)
	require.NoError(t, err)

	r := &failingReader{err: errors.New("network is unreachable")}
	done := make(chan struct{})
	go func() {
		d.read(r)
		close(done)
	}()

	time.Sleep(250 * time.Millisecond)
	d.cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read did not stop after cancel")
	}
	assert.LessOrEqual(t, r.reads.Load(), int32(5))
	assert.GreaterOrEqual(t, r.reads.Load(), int32(1))
}
