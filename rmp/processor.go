package rmp

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/kiribi/internal/queue"
	"github.com/opd-ai/kiribi/limits"
	"github.com/sirupsen/logrus"
)

var (
	// ErrSendFailed is returned by SendWait when the retry budget is exhausted
	// or the processor shuts down before the message is acknowledged.
	ErrSendFailed = errors.New("rmp: send failed")
)

// WriteFunc writes a single datagram to a remote socket address.
type WriteFunc func(to netip.AddrPort, packet []byte) error

// Consumer receives every completely reassembled message.
type Consumer func(from netip.AddrPort, msg []byte)

// Options configures a Processor.
type Options struct {
	// SessionTimeout is how long a session waits for its peer before retrying.
	SessionTimeout time.Duration
	// TimerInterval is the minimum spacing between timeout sweeps.
	TimerInterval time.Duration
	// PollInterval bounds how long the loop idles before checking timeouts.
	PollInterval time.Duration
	// CheckEvery forces a timeout check after this many queue items.
	CheckEvery int
	// MaxRetries is the number of consecutive timeouts before a session fails.
	MaxRetries int
	// Linger keeps completed receivers so late retransmissions get a FIN.
	Linger time.Duration
	// QueueSize is the capacity of the inbound/send queue.
	QueueSize int
	// Clock drives every timer of the processor.
	Clock clock.Clock
}

// NewOptions returns the default protocol timings.
func NewOptions() *Options {
	return &Options{
		SessionTimeout: 200 * time.Millisecond,
		TimerInterval:  200 * time.Millisecond,
		PollInterval:   25 * time.Millisecond,
		CheckEvery:     200,
		MaxRetries:     25,
		Linger:         5 * time.Second,
		QueueSize:      1024,
		Clock:          clock.New(),
	}
}

func (o *Options) withDefaults() Options {
	d := NewOptions()
	if o == nil {
		return *d
	}
	out := *o
	if out.SessionTimeout <= 0 {
		out.SessionTimeout = d.SessionTimeout
	}
	if out.TimerInterval <= 0 {
		out.TimerInterval = d.TimerInterval
	}
	if out.PollInterval <= 0 {
		out.PollInterval = d.PollInterval
	}
	if out.CheckEvery <= 0 {
		out.CheckEvery = d.CheckEvery
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = d.MaxRetries
	}
	if out.Linger <= 0 {
		out.Linger = d.Linger
	}
	if out.QueueSize <= 0 {
		out.QueueSize = d.QueueSize
	}
	if out.Clock == nil {
		out.Clock = d.Clock
	}
	return out
}

// Stats reports the number of live sessions.
type Stats struct {
	Transmitters int
	Receivers    int
}

type inbound struct {
	from   netip.AddrPort
	packet []byte
}

type sendRequest struct {
	to     netip.AddrPort
	msg    []byte
	result chan bool
}

type delivery struct {
	from netip.AddrPort
	msg  []byte
}

// Processor runs the RMP state machines for one datagram socket.
type Processor struct {
	write    WriteFunc
	consumer Consumer
	opts     Options
	clock    clock.Clock

	queue      chan any
	deliveries *queue.Queue[delivery]

	// Mutated only by the loop; mu guards against concurrent Stats readers.
	mu           sync.Mutex
	transmitters map[sessionKey]*transmitter
	receivers    map[sessionKey]*receiver

	nextID    uint32
	timerMark time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewProcessor creates a processor writing datagrams with write and handing
// reassembled messages to consumer. A nil opts selects NewOptions.
func NewProcessor(write WriteFunc, consumer Consumer, opts *Options) *Processor {
	o := opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		write:        write,
		consumer:     consumer,
		opts:         o,
		clock:        o.Clock,
		queue:        make(chan any, o.QueueSize),
		deliveries:   queue.New[delivery](),
		transmitters: make(map[sessionKey]*transmitter),
		receivers:    make(map[sessionKey]*receiver),
		nextID:       rand.Uint32(),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Protocol returns the datagram tag handled by the processor.
func (p *Processor) Protocol() byte {
	return Protocol
}

// Start launches the processing and delivery goroutines.
func (p *Processor) Start() {
	p.startOnce.Do(func() {
		p.timerMark = p.clock.Now()
		p.wg.Add(2)
		go p.run()
		go p.deliverLoop()

		logrus.WithFields(logrus.Fields{
			"function": "Start",
		}).Debug("RMP processor started")
	})
}

// Process queues an inbound datagram. The packet is copied.
func (p *Processor) Process(from netip.AddrPort, packet []byte) {
	b := make([]byte, len(packet))
	copy(b, packet)
	select {
	case p.queue <- inbound{from: from, packet: b}:
	case <-p.ctx.Done():
	}
}

// Send queues msg for reliable delivery to addr. The returned channel yields
// exactly one value: true once the receiver acknowledged the final segment,
// false on failure or shutdown.
func (p *Processor) Send(to netip.AddrPort, msg []byte) <-chan bool {
	req := &sendRequest{to: to, msg: msg, result: make(chan bool, 1)}

	select {
	case <-p.ctx.Done():
		req.result <- false
		close(req.result)
	default:
		select {
		case p.queue <- req:
		case <-p.ctx.Done():
			req.result <- false
			close(req.result)
		}
	}
	return req.result
}

// SendWait sends msg and blocks until it is acknowledged, fails, or ctx ends.
func (p *Processor) SendWait(ctx context.Context, to netip.AddrPort, msg []byte) error {
	select {
	case ok := <-p.Send(to, msg):
		if !ok {
			return fmt.Errorf("%w: %s", ErrSendFailed, to)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the current session counts.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Transmitters: len(p.transmitters),
		Receivers:    len(p.receivers),
	}
}

// Shutdown stops the processor. Pending sends resolve false and undelivered
// messages are dropped.
func (p *Processor) Shutdown() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.deliveries.Discard()
		p.startOnce.Do(func() {})
		p.wg.Wait()

		// Requests that raced with shutdown never reach a session.
		for {
			select {
			case item := <-p.queue:
				if req, ok := item.(*sendRequest); ok {
					req.result <- false
					close(req.result)
				}
			default:
				logrus.WithFields(logrus.Fields{
					"function": "Shutdown",
				}).Debug("RMP processor stopped")
				return
			}
		}
	})
}

// run is the single goroutine owning all session state.
func (p *Processor) run() {
	defer p.wg.Done()
	defer p.failAll()

	ticker := p.clock.Ticker(p.opts.PollInterval)
	defer ticker.Stop()

	count := 0
	for {
		select {
		case <-p.ctx.Done():
			return
		case item := <-p.queue:
			switch v := item.(type) {
			case inbound:
				p.handlePacket(v.from, v.packet)
			case *sendRequest:
				p.handleSend(v)
			}
			if count%p.opts.CheckEvery == 0 {
				p.checkTimeouts()
			}
			count++
		case <-ticker.C:
			p.checkTimeouts()
			count = 0
		}
	}
}

func (p *Processor) handleSend(req *sendRequest) {
	if err := limits.ValidateRMPMessage(req.msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleSend",
			"to":       req.to.String(),
			"error":    err.Error(),
		}).Warn("Rejecting oversized RMP message")
		req.result <- false
		close(req.result)
		return
	}

	t := &transmitter{result: req.result}
	t.p = p
	t.key = sessionKey{addr: req.to, id: p.nextID}
	t.layout = newLayout(uint32(len(req.msg)))
	t.data = req.msg
	p.nextID++

	p.mu.Lock()
	p.transmitters[t.key] = t
	p.mu.Unlock()

	t.touch(false)
	t.start()
}

func (p *Processor) handlePacket(from netip.AddrPort, packet []byte) {
	h, err := parseHeader(packet)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePacket",
			"from":     from.String(),
			"size":     len(packet),
		}).Debug("Dropping malformed RMP packet")
		return
	}
	key := sessionKey{addr: from, id: h.id}

	if h.cmd < 10 {
		r, ok := p.receivers[key]
		if !ok {
			// Only SYN opens a receiving session.
			if h.cmd != CmdSYN {
				return
			}
			r = &receiver{}
			r.p = p
			r.key = key
			p.mu.Lock()
			p.receivers[key] = r
			p.mu.Unlock()
		}
		r.process(h, packet)
		return
	}

	if t, ok := p.transmitters[key]; ok {
		t.process(h, packet)
	}
}

func (p *Processor) checkTimeouts() {
	if len(p.transmitters) == 0 && len(p.receivers) == 0 {
		return
	}
	now := p.clock.Now()
	if now.Sub(p.timerMark) < p.opts.TimerInterval {
		return
	}
	p.timerMark = now

	for _, t := range p.transmitters {
		t.check(now)
	}
	for _, r := range p.receivers {
		r.check(now)
	}
}

func (p *Processor) removeTransmitter(key sessionKey) {
	p.mu.Lock()
	delete(p.transmitters, key)
	p.mu.Unlock()
}

func (p *Processor) removeReceiver(key sessionKey) {
	p.mu.Lock()
	delete(p.receivers, key)
	p.mu.Unlock()
}

func (p *Processor) failAll() {
	for _, t := range p.transmitters {
		t.fail()
	}
}

func (p *Processor) transmit(to netip.AddrPort, packet []byte) {
	if err := p.write(to, packet); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "transmit",
			"to":       to.String(),
			"error":    err.Error(),
		}).Debug("RMP write failed")
	}
}

func (p *Processor) deliver(from netip.AddrPort, msg []byte) {
	p.deliveries.Put(delivery{from: from, msg: msg})
}

func (p *Processor) deliverLoop() {
	defer p.wg.Done()
	for {
		d, err := p.deliveries.Take(p.ctx)
		if err != nil {
			return
		}
		p.consumer(d.from, d.msg)
	}
}
