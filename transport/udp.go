package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/kiribi/codec"
	"github.com/opd-ai/kiribi/crypto"
	"github.com/opd-ai/kiribi/endpoint"
	"github.com/opd-ai/kiribi/internal/queue"
	"github.com/opd-ai/kiribi/natt"
	"github.com/opd-ai/kiribi/rmp"
	"github.com/opd-ai/kiribi/stack"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// UDPOptions configures a UDPProvider.
type UDPOptions struct {
	// Listen is the local UDP address; the default picks any port.
	Listen string
	// Server is the NATT rendezvous server. Without one only
	// self-connections and inbound muxes work.
	Server netip.AddrPort
	// SendTimeout bounds one reliable datagram send.
	SendTimeout time.Duration
	// ActivityTimeout disposes a mux whose root carried no data for that
	// long.
	ActivityTimeout time.Duration
	SweepInterval   time.Duration
	// ShutdownDrain is how long Shutdown waits for muxes to say goodbye.
	ShutdownDrain time.Duration

	Stack    *stack.Options
	Endpoint *endpoint.Options
	Mux      *endpoint.MuxOptions
	Clock    clock.Clock
	// Monitor, when set, is started by the provider and triggers a new
	// registration whenever the network comes up. Shutdown stops it.
	Monitor *NetworkMonitor
}

// NewUDPOptions returns the default UDP provider configuration.
func NewUDPOptions() *UDPOptions {
	return &UDPOptions{
		Listen:          "0.0.0.0:0",
		SendTimeout:     30 * time.Second,
		ActivityTimeout: 30 * time.Minute,
		SweepInterval:   3 * time.Second,
		ShutdownDrain:   300 * time.Millisecond,
		Clock:           clock.New(),
	}
}

func (o *UDPOptions) withDefaults() UDPOptions {
	d := NewUDPOptions()
	if o == nil {
		return *d
	}
	out := *o
	if out.Listen == "" {
		out.Listen = d.Listen
	}
	if out.SendTimeout <= 0 {
		out.SendTimeout = d.SendTimeout
	}
	if out.ActivityTimeout <= 0 {
		out.ActivityTimeout = d.ActivityTimeout
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = d.SweepInterval
	}
	if out.ShutdownDrain <= 0 {
		out.ShutdownDrain = d.ShutdownDrain
	}
	if out.Clock == nil {
		out.Clock = d.Clock
	}
	return out
}

// UDPProvider multiplexes every connection to a peer over one secure
// endpoint carried by the datagram stack.
type UDPProvider struct {
	keys    *crypto.KeyPair
	self    crypto.Address
	opts    UDPOptions
	epOpts  endpoint.Options
	clock   clock.Clock
	stack   *stack.Stack
	monitor *NetworkMonitor

	mu        sync.Mutex
	muxes     map[netip.AddrPort]*udpMux
	byAddress map[crypto.Address]*udpMux
	locals    map[int64]*endpoint.PipeEndpoint
	accept    func(endpoint.Endpoint)
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// udpMux is a Mux bound to one remote socket address. conn, ep and
// address are guarded by the provider lock.
type udpMux struct {
	*endpoint.Mux
	addr    netip.AddrPort
	address crypto.Address
	conn    *datagramConn
	ep      *endpoint.SecureEndpoint
}

// NewUDPProvider binds the datagram stack and starts registering with the
// rendezvous server.
func NewUDPProvider(keys *crypto.KeyPair, opts *UDPOptions) (*UDPProvider, error) {
	o := opts.withDefaults()

	stackOpts := stack.NewOptions()
	stackOpts.Clock = o.Clock
	if o.Stack != nil {
		so := *o.Stack
		if so.Clock == nil {
			so.Clock = o.Clock
		}
		stackOpts = &so
	}
	stackOpts.Server = o.Server

	ctx, cancel := context.WithCancel(context.Background())
	p := &UDPProvider{
		keys:      keys,
		self:      keys.Address(),
		opts:      o,
		epOpts:    endpointOptions(o.Endpoint),
		clock:     o.Clock,
		monitor:   o.Monitor,
		muxes:     make(map[netip.AddrPort]*udpMux),
		byAddress: make(map[crypto.Address]*udpMux),
		locals:    make(map[int64]*endpoint.PipeEndpoint),
		ctx:       ctx,
		cancel:    cancel,
	}
	p.epOpts.Expect = crypto.Address{}

	s, err := stack.Listen(o.Listen, p.self, p.consume, stackOpts)
	if err != nil {
		cancel()
		return nil, err
	}
	p.stack = s
	s.OnExpired(p.expired)
	s.Start(ctx)

	p.wg.Add(1)
	go p.sweepLoop()

	if p.monitor != nil {
		p.monitor.OnChange(p.networkChanged)
		p.monitor.Start()
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPProvider",
		"address":  p.self.String(),
		"local":    s.LocalAddr().String(),
	}).Info("UDP provider started")
	return p, nil
}

// LocalAddr returns the bound UDP socket address.
func (p *UDPProvider) LocalAddr() netip.AddrPort {
	return p.stack.LocalAddr()
}

// Registered is closed once the rendezvous server accepted us.
func (p *UDPProvider) Registered() <-chan struct{} {
	return p.stack.Registered()
}

// Open returns service addr.ID on the mux to addr.Address, punching a path
// and handshaking first when no mux exists.
func (p *UDPProvider) Open(ctx context.Context, addr ConnectionAddress) (endpoint.Endpoint, error) {
	if addr.Address == p.self {
		return p.openLocal(addr)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &Error{Op: "open", Addr: addr, Err: ErrShutdown}
	}
	um := p.byAddress[addr.Address]
	p.mu.Unlock()

	if um == nil || um.IsDisposed() {
		socket, err := p.stack.Connect(ctx, addr.Address)
		if err != nil {
			if errors.Is(err, natt.ErrNotRegistered) {
				err = ErrNotRegistered
			}
			return nil, &Error{Op: "open", Addr: addr, Err: err}
		}
		um, err = p.initiate(socket, addr.Address)
		if err != nil {
			return nil, &Error{Op: "open", Addr: addr, Err: err}
		}
	}

	s, err := um.Open(addr.ID)
	if err != nil {
		return nil, &Error{Op: "open", Addr: addr, Err: err}
	}
	return s, nil
}

// initiate returns the live mux for socket or creates one that handshakes
// as initiator, expecting peer.
func (p *UDPProvider) initiate(socket netip.AddrPort, peer crypto.Address) (*udpMux, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrShutdown
	}
	um, ok := p.muxes[socket]
	created := !ok || um.IsDisposed()
	if created {
		um = p.newMux(socket, peer)
		p.muxes[socket] = um
	}
	um.address = peer
	p.byAddress[peer] = um
	ep := um.ep
	p.mu.Unlock()

	if created {
		p.wg.Add(1)
		go p.handshake(um, ep, true)
	}
	return um, nil
}

func (p *UDPProvider) openLocal(addr ConnectionAddress) (endpoint.Endpoint, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &Error{Op: "open", Addr: addr, Err: ErrShutdown}
	}
	if ep, ok := p.locals[addr.ID]; ok && ep.IsOpen() {
		p.mu.Unlock()
		return ep, nil
	}
	local, remote := endpoint.Pipe()
	p.locals[addr.ID] = local
	accept := p.accept
	p.mu.Unlock()

	if accept == nil {
		_ = remote.Close()
	} else {
		go accept(remote)
	}
	return local, nil
}

// newMux builds a mux whose root still has to handshake. Callers hold p.mu.
func (p *UDPProvider) newMux(addr netip.AddrPort, expect crypto.Address) *udpMux {
	conn := newDatagramConn(p, addr)
	opts := p.epOpts
	opts.Expect = expect
	ep := endpoint.NewSecureEndpoint(conn, p.keys, &opts)

	um := &udpMux{addr: addr, conn: conn, ep: ep}
	um.Mux = endpoint.NewMux(ep, p.acceptService, p.opts.Mux)
	um.OnDisposed(func(*endpoint.Mux) { p.evict(um) })
	return um
}

func (p *UDPProvider) handshake(um *udpMux, ep *endpoint.SecureEndpoint, initiator bool) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(p.ctx, p.epOpts.HandshakeTimeout)
	defer cancel()
	if err := ep.Connect(ctx, initiator); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "handshake",
			"remote":    um.addr.String(),
			"initiator": initiator,
			"error":     err.Error(),
		}).Debug("Mux handshake failed")
		p.mu.Lock()
		current := um.ep == ep
		p.mu.Unlock()
		if current {
			um.Dispose(false)
		}
		return
	}

	remote, err := ep.RemoteAddress()
	if err != nil {
		um.Dispose(false)
		return
	}

	var stale *udpMux
	p.mu.Lock()
	if p.muxes[um.addr] != um || um.IsDisposed() {
		p.mu.Unlock()
		return
	}
	um.address = remote
	if old := p.byAddress[remote]; old != nil && old != um {
		stale = old
	}
	p.byAddress[remote] = um
	p.mu.Unlock()

	if stale != nil {
		go stale.Dispose(false)
	}
	p.stack.Track(um.addr)

	logrus.WithFields(logrus.Fields{
		"function":  "handshake",
		"remote":    um.addr.String(),
		"address":   remote.String(),
		"initiator": initiator,
	}).Debug("Mux connected")
}

// reset replaces the root of um with a fresh handshake.
func (p *UDPProvider) reset(um *udpMux, initiator bool) {
	p.mu.Lock()
	if p.closed || p.muxes[um.addr] != um {
		p.mu.Unlock()
		return
	}
	expect := crypto.Address{}
	if initiator {
		expect = um.address
	}
	conn := newDatagramConn(p, um.addr)
	opts := p.epOpts
	opts.Expect = expect
	ep := endpoint.NewSecureEndpoint(conn, p.keys, &opts)
	um.conn, um.ep = conn, ep
	p.mu.Unlock()

	if err := um.Reset(ep); err != nil {
		_ = ep.Close()
		return
	}
	p.wg.Add(1)
	go p.handshake(um, ep, initiator)

	logrus.WithFields(logrus.Fields{
		"function":  "reset",
		"remote":    um.addr.String(),
		"initiator": initiator,
	}).Info("Mux reset")
}

// consume routes reassembled datagram messages by their flag byte.
func (p *UDPProvider) consume(from netip.AddrPort, msg []byte) {
	if len(msg) == 0 {
		return
	}
	from = codec.Normalize(from)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	um := p.muxes[from]
	if um != nil && um.IsDisposed() {
		um = nil
	}
	var conn *datagramConn
	var ep *endpoint.SecureEndpoint
	if um != nil {
		conn, ep = um.conn, um.ep
	}
	p.mu.Unlock()

	switch msg[0] {
	case endpoint.FlagInit:
		switch {
		case um == nil:
			um = p.respond(from)
		case ep.Flag() != endpoint.FlagInit:
			p.reset(um, false)
		}
		if um == nil {
			return
		}
		p.mu.Lock()
		conn = um.conn
		p.mu.Unlock()
		conn.receive(msg)
	case endpoint.FlagData:
		if um == nil {
			logrus.WithFields(logrus.Fields{
				"function": "consume",
				"remote":   from.String(),
			}).Debug("Data without mux, requesting reset")
			p.stack.Send(from, []byte{endpoint.FlagReset})
			return
		}
		conn.receive(msg)
	case endpoint.FlagReset:
		if um != nil {
			p.reset(um, true)
		}
	case endpoint.FlagClose:
		if um != nil {
			go um.Dispose(false)
		}
	default:
		logrus.WithFields(logrus.Fields{
			"function": "consume",
			"remote":   from.String(),
			"flag":     msg[0],
		}).Warn("Unknown endpoint flag")
	}
}

// respond creates a responder mux for an inbound INIT.
func (p *UDPProvider) respond(from netip.AddrPort) *udpMux {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	um := p.newMux(from, crypto.Address{})
	p.muxes[from] = um
	ep := um.ep
	p.mu.Unlock()

	p.wg.Add(1)
	go p.handshake(um, ep, false)
	return um
}

func (p *UDPProvider) acceptService(s *endpoint.ServiceEndpoint) {
	p.mu.Lock()
	accept := p.accept
	p.mu.Unlock()
	if accept == nil {
		_ = s.Close()
		return
	}
	accept(s)
}

func (p *UDPProvider) evict(um *udpMux) {
	p.mu.Lock()
	if p.muxes[um.addr] == um {
		delete(p.muxes, um.addr)
	}
	if p.byAddress[um.address] == um {
		delete(p.byAddress, um.address)
	}
	p.mu.Unlock()
	p.stack.Untrack(um.addr)
}

// expired disposes the muxes whose peers stopped answering keep-alives.
func (p *UDPProvider) expired(addrs []netip.AddrPort) {
	p.mu.Lock()
	var gone []*udpMux
	for _, a := range addrs {
		if um, ok := p.muxes[a]; ok {
			gone = append(gone, um)
		}
	}
	p.mu.Unlock()

	for _, um := range gone {
		logrus.WithFields(logrus.Fields{
			"function": "expired",
			"remote":   um.addr.String(),
		}).Info("Peer keep-alive expired")
		um.Dispose(false)
	}
}

func (p *UDPProvider) networkChanged(up bool) {
	if !up {
		return
	}
	if err := p.stack.Register(); err != nil && !errors.Is(err, stack.ErrNoServer) {
		logrus.WithFields(logrus.Fields{
			"function": "networkChanged",
			"error":    err.Error(),
		}).Warn("Registration after network change failed")
	}
}

func (p *UDPProvider) sweepLoop() {
	defer p.wg.Done()
	ticker := p.clock.Ticker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep disposes every mux inactive for longer than ActivityTimeout.
func (p *UDPProvider) sweep() {
	now := p.clock.Now()

	p.mu.Lock()
	var idle []*udpMux
	for _, um := range p.muxes {
		if um.conn.inactive(now, p.opts.ActivityTimeout) {
			idle = append(idle, um)
		}
	}
	p.mu.Unlock()
	if len(idle) == 0 {
		return
	}

	var g errgroup.Group
	for _, um := range idle {
		um := um
		g.Go(func() error {
			um.Dispose(true)
			return nil
		})
	}
	_ = g.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "sweep",
		"disposed": len(idle),
	}).Debug("Inactive muxes disposed")
}

// Server returns the handle that receives endpoints opened by peers.
func (p *UDPProvider) Server() (ServerEndpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrShutdown
	}
	return &udpServer{p: p}, nil
}

// Shutdown disposes every mux, waits at most ShutdownDrain for them and
// stops the datagram stack.
func (p *UDPProvider) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.accept = nil
	muxes := make([]*udpMux, 0, len(p.muxes))
	for _, um := range p.muxes {
		muxes = append(muxes, um)
	}
	locals := p.locals
	p.locals = make(map[int64]*endpoint.PipeEndpoint)
	p.mu.Unlock()

	if p.monitor != nil {
		p.monitor.Stop()
	}
	p.cancel()

	var g errgroup.Group
	for _, um := range muxes {
		um := um
		g.Go(func() error {
			um.Dispose(true)
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-p.clock.After(p.opts.ShutdownDrain):
		logrus.WithFields(logrus.Fields{
			"function": "Shutdown",
			"muxes":    len(muxes),
		}).Debug("Shutdown drain elapsed")
	}

	err := p.stack.Shutdown()
	p.wg.Wait()
	for _, ep := range locals {
		err = multierr.Append(err, ep.Close())
	}

	logrus.WithFields(logrus.Fields{
		"function": "Shutdown",
		"address":  p.self.String(),
	}).Info("UDP provider stopped")
	return err
}

type udpServer struct {
	p *UDPProvider
}

func (s *udpServer) Accept(f func(endpoint.Endpoint)) {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if !s.p.closed {
		s.p.accept = f
	}
}

func (s *udpServer) IsOpen() bool {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	return !s.p.closed
}

func (s *udpServer) Close() error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.accept = nil
	return nil
}

// datagramConn is the RawConn of a mux root: writes are reliable datagram
// sends and reads come from the provider's dispatch.
type datagramConn struct {
	p      *UDPProvider
	addr   netip.AddrPort
	in     *queue.Queue[[]byte]
	mark   atomic.Int64
	closed atomic.Bool
}

func newDatagramConn(p *UDPProvider, addr netip.AddrPort) *datagramConn {
	c := &datagramConn{p: p, addr: addr, in: queue.New[[]byte]()}
	c.touch()
	return c
}

func (c *datagramConn) WriteRaw(b []byte) error {
	if c.closed.Load() {
		return endpoint.ErrEndpointClosed
	}
	if len(b) > 0 && b[0] == endpoint.FlagData {
		c.touch()
	}
	select {
	case ok := <-c.p.stack.Send(c.addr, b):
		if !ok {
			return fmt.Errorf("send to %s: %w", c.addr, rmp.ErrSendFailed)
		}
		return nil
	case <-c.p.clock.After(c.p.opts.SendTimeout):
		return fmt.Errorf("send to %s: %w", c.addr, ErrSendTimeout)
	}
}

func (c *datagramConn) ReadRaw() ([]byte, error) {
	b, err := c.in.Take(context.Background())
	if errors.Is(err, queue.ErrClosed) {
		return nil, endpoint.ErrEndpointClosed
	}
	return b, err
}

func (c *datagramConn) receive(b []byte) {
	if b[0] == endpoint.FlagData {
		c.touch()
	}
	c.in.Put(b)
}

func (c *datagramConn) touch() {
	c.mark.Store(c.p.clock.Now().UnixNano())
}

func (c *datagramConn) inactive(now time.Time, limit time.Duration) bool {
	return now.Sub(time.Unix(0, c.mark.Load())) > limit
}

func (c *datagramConn) Close() error {
	c.closed.Store(true)
	c.in.Close()
	return nil
}

func (c *datagramConn) RemoteAddr() net.Addr {
	return net.UDPAddrFromAddrPort(c.addr)
}
