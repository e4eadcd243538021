// Package kap implements the keep-alive protocol that holds NAT mappings open
// and detects peers that disappeared without closing their connections.
//
// A node tracks outgoing entries for peers it talks to and pings each of them
// with a one byte packet every sweep. The peer answers pings from addresses it
// does not track itself by echoing them back. An entry that misses MaxMisses
// consecutive sweeps expires. Separately, {KAP, 0} is sent to the rendezvous
// server at a fixed interval, which echoes it.
package kap

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/kiribi/codec"
	"github.com/sirupsen/logrus"
)

// Protocol is the datagram tag identifying keep-alive packets.
const Protocol byte = 2

var (
	ping = []byte{Protocol}
	// ServerKeepAlive is sent to, and echoed by, the rendezvous server.
	ServerKeepAlive = []byte{Protocol, 0}
)

// WriteFunc writes a single datagram to a remote socket address.
type WriteFunc func(to netip.AddrPort, packet []byte) error

// Options configures a Processor.
type Options struct {
	SweepInterval  time.Duration
	MaxMisses      int
	ServerInterval time.Duration
	Clock          clock.Clock
}

// NewOptions returns the default keep-alive timings.
func NewOptions() *Options {
	return &Options{
		SweepInterval:  5 * time.Second,
		MaxMisses:      4,
		ServerInterval: 24 * time.Second,
		Clock:          clock.New(),
	}
}

type entry struct {
	incoming bool
	hit      bool
	misses   int
}

// expired is evaluated once per sweep.
func (e *entry) expired(maxMisses int) bool {
	if e.hit {
		e.hit = false
		return false
	}
	e.misses++
	return e.misses >= maxMisses
}

// Processor tracks liveness of remote socket addresses.
type Processor struct {
	server netip.AddrPort
	write  WriteFunc
	opts   Options
	clock  clock.Clock

	mu         sync.Mutex
	entries    map[netip.AddrPort]*entry
	onIncoming func(netip.AddrPort)
	onExpired  func([]netip.AddrPort)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
}

// NewProcessor creates a keep-alive processor. server may be the zero
// AddrPort when no rendezvous server is used.
func NewProcessor(server netip.AddrPort, write WriteFunc, opts *Options) *Processor {
	d := NewOptions()
	if opts == nil {
		opts = d
	}
	o := *opts
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	if o.MaxMisses <= 0 {
		o.MaxMisses = d.MaxMisses
	}
	if o.ServerInterval <= 0 {
		o.ServerInterval = d.ServerInterval
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		server:  codec.Normalize(server),
		write:   write,
		opts:    o,
		clock:   o.Clock,
		entries: make(map[netip.AddrPort]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Protocol returns the datagram tag handled by the processor.
func (p *Processor) Protocol() byte {
	return Protocol
}

// OnIncoming is called when a previously unknown address pings us.
func (p *Processor) OnIncoming(f func(netip.AddrPort)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onIncoming = f
}

// OnExpired is called with every address that expired in one sweep.
func (p *Processor) OnExpired(f func([]netip.AddrPort)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExpired = f
}

// Start launches the sweep and the server keep-alive loops.
func (p *Processor) Start() {
	p.startOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.ctx.Err() != nil {
			return
		}
		p.wg.Add(1)
		go p.sweepLoop()
		if p.server.IsValid() {
			p.wg.Add(1)
			go p.serverLoop()
		}
	})
}

// Add tracks an outgoing entry for addr.
func (p *Processor) Add(addr netip.AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[codec.Normalize(addr)] = &entry{}
}

// Remove stops tracking addr.
func (p *Processor) Remove(addr netip.AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, codec.Normalize(addr))
}

// Tracked reports whether addr has a live entry.
func (p *Processor) Tracked(addr netip.AddrPort) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[codec.Normalize(addr)]
	return ok
}

// Process handles a keep-alive datagram.
func (p *Processor) Process(from netip.AddrPort, packet []byte) {
	from = codec.Normalize(from)
	if from == p.server {
		return
	}

	p.mu.Lock()
	e, ok := p.entries[from]
	if !ok {
		e = &entry{incoming: true}
		p.entries[from] = e
	}
	e.hit = true
	e.misses = 0
	incoming := e.incoming
	onIncoming := p.onIncoming
	p.mu.Unlock()

	if !ok && onIncoming != nil {
		p.goSafe(func() { onIncoming(from) })
	}
	if incoming {
		p.send(from, ping)
	}
}

func (p *Processor) sweepLoop() {
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

func (p *Processor) sweep() {
	var expired, outgoing []netip.AddrPort

	p.mu.Lock()
	for addr, e := range p.entries {
		switch {
		case e.expired(p.opts.MaxMisses):
			expired = append(expired, addr)
			delete(p.entries, addr)
		case !e.incoming:
			outgoing = append(outgoing, addr)
		}
	}
	onExpired := p.onExpired
	p.mu.Unlock()

	for _, addr := range outgoing {
		p.send(addr, ping)
	}
	if len(expired) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "sweep",
			"expired":  len(expired),
		}).Debug("Keep-alive entries expired")
		if onExpired != nil {
			p.goSafe(func() { onExpired(expired) })
		}
	}
}

func (p *Processor) serverLoop() {
	defer p.wg.Done()
	ticker := p.clock.Ticker(p.opts.ServerInterval)
	defer ticker.Stop()

	p.send(p.server, ServerKeepAlive)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.send(p.server, ServerKeepAlive)
		}
	}
}

// goSafe runs f in a tracked goroutine unless the processor is shut down.
// The check and wg.Add happen under mu so Shutdown cannot miss f.
func (p *Processor) goSafe(f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		f()
	}()
}

func (p *Processor) send(to netip.AddrPort, packet []byte) {
	if err := p.write(to, packet); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "send",
			"to":       to.String(),
			"error":    err.Error(),
		}).Debug("Keep-alive write failed")
	}
}

// Shutdown stops the loops and waits for pending callbacks.
func (p *Processor) Shutdown() {
	p.mu.Lock()
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
}
