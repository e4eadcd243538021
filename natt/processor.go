package natt

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/kiribi/codec"
	"github.com/opd-ai/kiribi/crypto"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotRegistered is returned when the rendezvous server does not know the peer.
	ErrNotRegistered = errors.New("natt: address not registered")
	// ErrTimeout is returned when the rendezvous server does not answer in time.
	ErrTimeout = errors.New("natt: rendezvous server timeout")
	// ErrPunchFailed is returned when no probe from the peer arrived.
	ErrPunchFailed = errors.New("natt: hole punching failed")
	// ErrShutdown is returned by operations on a stopped processor.
	ErrShutdown = errors.New("natt: processor shut down")
)

// WriteFunc writes a single datagram to a remote socket address.
type WriteFunc func(to netip.AddrPort, packet []byte) error

// SessionType distinguishes negotiation events from data arriving on a punched path.
type SessionType uint8

const (
	TypeNATT SessionType = iota
	TypeSocket
)

// SessionState is the outcome carried by an Event.
type SessionState uint8

const (
	StateInit SessionState = iota
	StateFailed
	StateAvailable
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateFailed:
		return "FAILED"
	case StateAvailable:
		return "AVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// Event reports the progress of a session.
type Event struct {
	Key   Key
	Type  SessionType
	State SessionState
}

// Options configures a Processor.
type Options struct {
	// ServerTimeout bounds the wait for ADC or ERR after CON.
	ServerTimeout time.Duration
	// PunchTimeout bounds the wait for a probe session started by Connect.
	PunchTimeout time.Duration
	// TunnelTimeout bounds the wait for a probe session started by TUN.
	TunnelTimeout time.Duration
	// ProbeLimit is the number of probes sent before giving up.
	ProbeLimit int
	// ProbeInterval is the spacing between probes.
	ProbeInterval time.Duration
	// PostProbeLimit is the number of probes still sent once the peer was heard.
	PostProbeLimit int
	// PostProbeInterval is the spacing of those final probes.
	PostProbeInterval time.Duration
	// Clock drives every timer of the processor.
	Clock clock.Clock
}

// NewOptions returns the default negotiation budgets.
func NewOptions() *Options {
	return &Options{
		ServerTimeout:     500 * time.Millisecond,
		PunchTimeout:      5 * time.Second,
		TunnelTimeout:     2 * time.Second,
		ProbeLimit:        30,
		ProbeInterval:     100 * time.Millisecond,
		PostProbeLimit:    3,
		PostProbeInterval: 50 * time.Millisecond,
		Clock:             clock.New(),
	}
}

func (o *Options) withDefaults() Options {
	d := NewOptions()
	if o == nil {
		return *d
	}
	out := *o
	if out.ServerTimeout <= 0 {
		out.ServerTimeout = d.ServerTimeout
	}
	if out.PunchTimeout <= 0 {
		out.PunchTimeout = d.PunchTimeout
	}
	if out.TunnelTimeout <= 0 {
		out.TunnelTimeout = d.TunnelTimeout
	}
	if out.ProbeLimit <= 0 {
		out.ProbeLimit = d.ProbeLimit
	}
	if out.ProbeInterval <= 0 {
		out.ProbeInterval = d.ProbeInterval
	}
	if out.PostProbeLimit <= 0 {
		out.PostProbeLimit = d.PostProbeLimit
	}
	if out.PostProbeInterval <= 0 {
		out.PostProbeInterval = d.PostProbeInterval
	}
	if out.Clock == nil {
		out.Clock = d.Clock
	}
	return out
}

type serverReply struct {
	addr netip.AddrPort
	err  error
}

// Processor is the client side of the protocol.
type Processor struct {
	self   crypto.Address
	server netip.AddrPort
	write  WriteFunc
	opts   Options
	clock  clock.Clock

	mu         sync.Mutex
	sessions   map[Key]*probeSession
	pending    map[uint64]chan serverReply
	external   netip.AddrPort
	registered chan struct{}
	listeners  []func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor creates a processor for the node self using the rendezvous
// server at server. A nil opts selects NewOptions.
func NewProcessor(self crypto.Address, server netip.AddrPort, write WriteFunc, opts *Options) *Processor {
	o := opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		self:       self,
		server:     codec.Normalize(server),
		write:      write,
		opts:       o,
		clock:      o.Clock,
		sessions:   make(map[Key]*probeSession),
		pending:    make(map[uint64]chan serverReply),
		registered: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Protocol returns the datagram tag handled by the processor.
func (p *Processor) Protocol() byte {
	return Protocol
}

// Server returns the rendezvous server address.
func (p *Processor) Server() netip.AddrPort {
	return p.server
}

// OnSession registers a listener for session events. Listeners run on their
// own goroutine and are never called after Shutdown returns.
func (p *Processor) OnSession(f func(Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, f)
}

func (p *Processor) notify(e Event) {
	p.mu.Lock()
	listeners := append([]func(Event){}, p.listeners...)
	p.mu.Unlock()
	if len(listeners) == 0 {
		return
	}

	p.goSafe(func() {
		for _, f := range listeners {
			f(e)
		}
	})
}

// goSafe runs f in a tracked goroutine unless the processor is shut down.
// The check and wg.Add happen under mu so Shutdown cannot miss f.
func (p *Processor) goSafe(f func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		f()
	}()
	return true
}

// Register announces our Address to the rendezvous server.
func (p *Processor) Register() error {
	if p.ctx.Err() != nil {
		return ErrShutdown
	}
	return p.write(p.server, addressPacket(rand.Uint64(), CmdREG, p.self))
}

// Registered is closed once the server confirmed a registration.
func (p *Processor) Registered() <-chan struct{} {
	return p.registered
}

// ExternalAddr returns the address the server observed for us, if any.
func (p *Processor) ExternalAddr() (netip.AddrPort, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.external, p.external.IsValid()
}

// Connect negotiates a direct path to peer and returns the punched session key.
func (p *Processor) Connect(ctx context.Context, peer crypto.Address) (Key, error) {
	if p.ctx.Err() != nil {
		return Key{}, ErrShutdown
	}

	id := rand.Uint64()
	reply := make(chan serverReply, 1)
	p.mu.Lock()
	p.pending[id] = reply
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	start := p.clock.Now()
	if err := p.write(p.server, addressPacket(id, CmdCON, peer)); err != nil {
		return Key{}, fmt.Errorf("natt: send connect request: %w", err)
	}

	var dst netip.AddrPort
	select {
	case r := <-reply:
		if r.err != nil {
			return Key{}, r.err
		}
		dst = r.addr
	case <-p.clock.After(p.opts.ServerTimeout):
		return Key{}, ErrTimeout
	case <-ctx.Done():
		return Key{}, ctx.Err()
	case <-p.ctx.Done():
		return Key{}, ErrShutdown
	}

	key := Key{Addr: dst, ID: id}
	s := p.session(key)

	select {
	case <-s.wait():
	case <-p.clock.After(p.opts.PunchTimeout):
		return Key{}, fmt.Errorf("%w: %s", ErrPunchFailed, dst)
	case <-ctx.Done():
		return Key{}, ctx.Err()
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Connect",
		"peer":      peer.String(),
		"remote":    dst.String(),
		"available": s.available,
		"elapsed":   p.clock.Since(start).String(),
	}).Debug("NATT connect finished")

	if !s.available {
		return Key{}, fmt.Errorf("%w: %s", ErrPunchFailed, dst)
	}
	return key, nil
}

// Process handles a NATT datagram. Packets from the server are control
// replies; nine byte packets from anyone else are probes.
func (p *Processor) Process(from netip.AddrPort, packet []byte) {
	if len(packet) < probeSize {
		return
	}
	from = codec.Normalize(from)

	if from == p.server {
		if len(packet) <= offCmd {
			return
		}
		p.processServer(packet)
		return
	}
	if len(packet) == probeSize {
		p.mark(Key{Addr: from, ID: packetID(packet)})
	}
}

func (p *Processor) processServer(packet []byte) {
	id := packetID(packet)

	switch packet[offCmd] {
	case CmdTUN:
		dst, err := packetSocket(packet)
		if err != nil {
			p.malformed("TUN", err)
			return
		}
		p.tunnel(Key{Addr: dst, ID: id})
	case CmdADR:
		ext, err := packetSocket(packet)
		if err != nil {
			p.malformed("ADR", err)
			return
		}
		p.mu.Lock()
		p.external = ext
		select {
		case <-p.registered:
		default:
			close(p.registered)
		}
		p.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "processServer",
			"external": ext.String(),
		}).Info("Registered with rendezvous server")
	case CmdADC:
		dst, err := packetSocket(packet)
		if err != nil {
			p.malformed("ADC", err)
			return
		}
		p.reply(id, serverReply{addr: dst})
	case CmdERR:
		p.reply(id, serverReply{err: ErrNotRegistered})
	default:
		logrus.WithFields(logrus.Fields{
			"function": "processServer",
			"command":  packet[offCmd],
		}).Debug("Unknown NATT command")
	}
}

func (p *Processor) reply(id uint64, r serverReply) {
	p.mu.Lock()
	ch, ok := p.pending[id]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- r:
	default:
	}
}

// tunnel answers a peer's connect request relayed by the server.
func (p *Processor) tunnel(key Key) {
	s := p.session(key)

	p.goSafe(func() {
		select {
		case <-s.wait():
			logrus.WithFields(logrus.Fields{
				"function":  "tunnel",
				"remote":    key.Addr.String(),
				"available": s.available,
			}).Debug("Tunnel request finished")
		case <-p.clock.After(p.opts.TunnelTimeout):
			logrus.WithFields(logrus.Fields{
				"function": "tunnel",
				"remote":   key.Addr.String(),
			}).Debug("Tunnel request timed out")
		case <-p.ctx.Done():
		}
	})
}

func (p *Processor) malformed(cmd string, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "processServer",
		"command":  cmd,
		"error":    err.Error(),
	}).Warn("Malformed rendezvous server reply")
}

func (p *Processor) send(to netip.AddrPort, packet []byte) {
	if err := p.write(to, packet); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "send",
			"to":       to.String(),
			"error":    err.Error(),
		}).Debug("NATT write failed")
	}
}

// Shutdown stops every probe session and waits for background work.
func (p *Processor) Shutdown() {
	p.mu.Lock()
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
}
