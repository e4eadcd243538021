// Package discovery finds peers on the local network by multicasting
// announcements of the form Address (20 bytes) + socket address (20 bytes).
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/opd-ai/kiribi/codec"
	"github.com/opd-ai/kiribi/crypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// DefaultGroup is the multicast group announcements are sent to.
const DefaultGroup = "233.0.0.0:4767"

// AnnouncementSize is the size of one announcement datagram.
const AnnouncementSize = crypto.AddressSize + codec.SocketAddressSize

var errAnnouncementSize = errors.New("discovery: announcement must be 40 bytes")

// Announcement advertises where an Address accepts connections.
type Announcement struct {
	Address crypto.Address
	Socket  netip.AddrPort
}

// MarshalBinary encodes a to its wire form.
func (a Announcement) MarshalBinary() ([]byte, error) {
	b := make([]byte, AnnouncementSize)
	copy(b, a.Address[:])
	if err := codec.PutSocketAddress(b[crypto.AddressSize:], a.Socket); err != nil {
		return nil, err
	}
	return b, nil
}

// UnmarshalBinary decodes the wire form.
func (a *Announcement) UnmarshalBinary(b []byte) error {
	if len(b) != AnnouncementSize {
		return errAnnouncementSize
	}
	addr, err := crypto.AddressFromBytes(b[:crypto.AddressSize])
	if err != nil {
		return err
	}
	socket, err := codec.SocketAddress(b[crypto.AddressSize:])
	if err != nil {
		return err
	}
	a.Address, a.Socket = addr, socket
	return nil
}

// Options configures Discovery.
type Options struct {
	// Group is the multicast group, DefaultGroup if empty.
	Group string
	// Interface selects the multicast interface; nil lets the system pick.
	Interface *net.Interface
	// Announcements is how many times one announcement burst is sent.
	Announcements int
	// AnnounceInterval spaces the datagrams of a burst.
	AnnounceInterval time.Duration
}

// NewOptions returns the default discovery configuration.
func NewOptions() *Options {
	return &Options{
		Group:            DefaultGroup,
		Announcements:    3,
		AnnounceInterval: 60 * time.Millisecond,
	}
}

// Discovery maintains the table of peers seen on the local network.
type Discovery struct {
	self     Announcement
	opts     Options
	announce []byte

	mu         sync.Mutex
	peers      map[crypto.Address]netip.AddrPort
	started    bool
	announcing bool
	group      *net.UDPAddr
	conn       net.PacketConn
	pc         *ipv4.PacketConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New prepares discovery for self reachable at socket.
func New(self crypto.Address, socket netip.AddrPort, opts *Options) (*Discovery, error) {
	d := NewOptions()
	if opts == nil {
		opts = d
	}
	o := *opts
	if o.Group == "" {
		o.Group = d.Group
	}
	if o.Announcements <= 0 {
		o.Announcements = d.Announcements
	}
	if o.AnnounceInterval <= 0 {
		o.AnnounceInterval = d.AnnounceInterval
	}

	me := Announcement{Address: self, Socket: socket}
	b, err := me.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("discovery: encode announcement: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Discovery{
		self:     me,
		opts:     o,
		announce: b,
		peers:    make(map[crypto.Address]netip.AddrPort),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start joins the multicast group, starts reading and announces us. Calling
// it again is a no-op.
func (d *Discovery) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}

	group, err := net.ResolveUDPAddr("udp4", d.opts.Group)
	if err != nil {
		return fmt.Errorf("discovery: resolve group: %w", err)
	}
	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(d.ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", group.Port))
	if err != nil {
		return fmt.Errorf("discovery: listen: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(d.opts.Interface, &net.UDPAddr{IP: group.IP}); err != nil {
		conn.Close()
		return fmt.Errorf("discovery: join %s: %w", group, err)
	}
	if d.opts.Interface != nil {
		_ = pc.SetMulticastInterface(d.opts.Interface)
	}
	_ = pc.SetMulticastLoopback(true)

	d.group, d.conn, d.pc = group, conn, pc
	d.started = true

	d.wg.Add(1)
	go d.readLoop()
	d.startAnnounce()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"group":    group.String(),
		"address":  d.self.Address.String(),
		"socket":   d.self.Socket.String(),
	}).Info("LAN discovery started")
	return nil
}

// Lookup returns the socket address announced for a.
func (d *Discovery) Lookup(a crypto.Address) (netip.AddrPort, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ap, ok := d.peers[a]
	return ap, ok
}

// Remove forgets a, typically after a failed connection attempt.
func (d *Discovery) Remove(a crypto.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, a)
}

// Peers returns a snapshot of the peer table.
func (d *Discovery) Peers() map[crypto.Address]netip.AddrPort {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[crypto.Address]netip.AddrPort, len(d.peers))
	for k, v := range d.peers {
		out[k] = v
	}
	return out
}

// Stop leaves the group and waits for background work.
func (d *Discovery) Stop() error {
	d.cancel()
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	d.wg.Wait()
	return err
}

// readRetryDelay spaces reads after a failure that is not a timeout.
var readRetryDelay = 100 * time.Millisecond

// packetReader is the part of *ipv4.PacketConn the read loop uses.
type packetReader interface {
	SetReadDeadline(t time.Time) error
	ReadFrom(b []byte) (int, *ipv4.ControlMessage, net.Addr, error)
}

func (d *Discovery) readLoop() {
	defer d.wg.Done()
	d.read(d.pc)
}

func (d *Discovery) read(pc packetReader) {
	buf := make([]byte, 2048)

	for d.ctx.Err() == nil {
		_ = pc.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, from, err := pc.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || d.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Debug("Discovery read failed")
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}
		if d.handle(buf[:n]) {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"from":     from.String(),
			}).Debug("Discovered new peer")
			d.startAnnounce()
		}
	}
}

// handle records an announcement and reports whether its Address was new.
func (d *Discovery) handle(b []byte) bool {
	var a Announcement
	if err := a.UnmarshalBinary(b); err != nil {
		return false
	}
	if a.Address == d.self.Address {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, exists := d.peers[a.Address]
	d.peers[a.Address] = a.Socket
	return !exists
}

// startAnnounce sends one burst unless a burst is already running.
func (d *Discovery) startAnnounce() {
	d.mu.Lock()
	if d.announcing || d.pc == nil {
		d.mu.Unlock()
		return
	}
	d.announcing = true
	pc, group := d.pc, d.group
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			d.announcing = false
			d.mu.Unlock()
		}()

		for i := 0; i < d.opts.Announcements; i++ {
			if _, err := pc.WriteTo(d.announce, nil, group); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "startAnnounce",
					"error":    err.Error(),
				}).Debug("Discovery announcement failed")
			}
			select {
			case <-time.After(d.opts.AnnounceInterval):
			case <-d.ctx.Done():
				return
			}
		}
	}()
}
