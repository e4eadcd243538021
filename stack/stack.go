// Package stack composes the datagram protocols sharing one UDP socket: hole
// punching (natt), keep-alive (kap) and reliable messaging (rmp).
package stack

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"
	"github.com/opd-ai/kiribi/crypto"
	"github.com/opd-ai/kiribi/internal/udp"
	"github.com/opd-ai/kiribi/kap"
	"github.com/opd-ai/kiribi/natt"
	"github.com/opd-ai/kiribi/rmp"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ErrNoServer is returned by operations that need a rendezvous server when
// the stack was built without one.
var ErrNoServer = errors.New("stack: no rendezvous server configured")

// Options configures a Stack.
type Options struct {
	// Server is the NATT rendezvous server. The zero value disables
	// registration and Connect.
	Server netip.AddrPort
	// RegisterMinBackoff and RegisterMaxBackoff bound the delay between
	// registration attempts made by Start.
	RegisterMinBackoff time.Duration
	RegisterMaxBackoff time.Duration

	RMP  *rmp.Options
	NATT *natt.Options
	KAP  *kap.Options

	Clock clock.Clock
}

// NewOptions returns the default stack configuration.
func NewOptions() *Options {
	return &Options{
		RegisterMinBackoff: 500 * time.Millisecond,
		RegisterMaxBackoff: 30 * time.Second,
		Clock:              clock.New(),
	}
}

func (o *Options) withDefaults() Options {
	d := NewOptions()
	if o == nil {
		return *d
	}
	out := *o
	if out.RegisterMinBackoff <= 0 {
		out.RegisterMinBackoff = d.RegisterMinBackoff
	}
	if out.RegisterMaxBackoff < out.RegisterMinBackoff {
		out.RegisterMaxBackoff = d.RegisterMaxBackoff
	}
	if out.Clock == nil {
		out.Clock = d.Clock
	}
	return out
}

// Stack owns the socket and the protocol processors bound to it.
type Stack struct {
	self  crypto.Address
	opts  Options
	clock clock.Clock

	tr   *udp.Transport
	natt *natt.Processor
	rmp  *rmp.Processor
	kap  *kap.Processor

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// Listen binds a stack for self on addr. Reassembled messages are handed to
// consumer in completion order.
func Listen(addr string, self crypto.Address, consumer rmp.Consumer, opts *Options) (*Stack, error) {
	tr, err := udp.Listen(addr)
	if err != nil {
		return nil, err
	}
	return New(tr, self, consumer, opts), nil
}

// New builds a stack on an existing transport. The transport must not have
// been started.
func New(tr *udp.Transport, self crypto.Address, consumer rmp.Consumer, opts *Options) *Stack {
	o := opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	nattOpts := o.NATT
	if nattOpts == nil {
		nattOpts = natt.NewOptions()
		nattOpts.Clock = o.Clock
	}
	rmpOpts := o.RMP
	if rmpOpts == nil {
		rmpOpts = rmp.NewOptions()
		rmpOpts.Clock = o.Clock
	}
	kapOpts := o.KAP
	if kapOpts == nil {
		kapOpts = kap.NewOptions()
		kapOpts.Clock = o.Clock
	}

	s := &Stack{
		self:   self,
		opts:   o,
		clock:  o.Clock,
		tr:     tr,
		ctx:    ctx,
		cancel: cancel,
	}
	s.natt = natt.NewProcessor(self, o.Server, tr.Send, nattOpts)
	s.rmp = rmp.NewProcessor(tr.Send, consumer, rmpOpts)
	s.kap = kap.NewProcessor(o.Server, tr.Send, kapOpts)

	tr.RegisterHandler(s.natt.Protocol(), s.natt.Process)
	tr.RegisterHandler(s.rmp.Protocol(), s.rmp.Process)
	tr.RegisterHandler(s.kap.Protocol(), s.kap.Process)
	return s
}

// Start launches the processors and the socket reader, then keeps
// registering with the rendezvous server until it answers or ctx ends.
func (s *Stack) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.rmp.Start()
		s.kap.Start()
		s.tr.Start()

		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"local":    s.tr.LocalAddr().String(),
			"server":   s.opts.Server.String(),
		}).Info("Datagram stack started")

		if s.opts.Server.IsValid() {
			s.wg.Add(1)
			go s.registerLoop(ctx)
		}
	})
}

func (s *Stack) registerLoop(ctx context.Context) {
	defer s.wg.Done()

	b := &backoff.Backoff{
		Min:    s.opts.RegisterMinBackoff,
		Max:    s.opts.RegisterMaxBackoff,
		Jitter: true,
	}
	for {
		if err := s.natt.Register(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "registerLoop",
				"attempt":  b.Attempt(),
				"error":    err.Error(),
			}).Warn("Registration request failed")
		}

		select {
		case <-s.natt.Registered():
			return
		case <-s.clock.After(b.Duration()):
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// Register sends one registration request to the rendezvous server.
func (s *Stack) Register() error {
	if !s.opts.Server.IsValid() {
		return ErrNoServer
	}
	return s.natt.Register()
}

// Registered is closed once the rendezvous server confirmed a registration.
func (s *Stack) Registered() <-chan struct{} {
	return s.natt.Registered()
}

// Connect punches a path to peer and returns its socket address. The address
// is tracked by the keep-alive processor from then on.
func (s *Stack) Connect(ctx context.Context, peer crypto.Address) (netip.AddrPort, error) {
	if !s.opts.Server.IsValid() {
		return netip.AddrPort{}, ErrNoServer
	}
	key, err := s.natt.Connect(ctx, peer)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("connect %s: %w", peer, err)
	}
	s.kap.Add(key.Addr)
	return key.Addr, nil
}

// Send reliably delivers msg to addr. See rmp.Processor.Send.
func (s *Stack) Send(to netip.AddrPort, msg []byte) <-chan bool {
	return s.rmp.Send(to, msg)
}

// Track starts keep-alive pings toward addr.
func (s *Stack) Track(addr netip.AddrPort) {
	s.kap.Add(addr)
}

// Untrack stops keep-alive for addr.
func (s *Stack) Untrack(addr netip.AddrPort) {
	s.kap.Remove(addr)
}

// OnIncoming is called when an unknown address starts pinging us.
func (s *Stack) OnIncoming(f func(netip.AddrPort)) {
	s.kap.OnIncoming(f)
}

// OnExpired is called with the addresses whose keep-alive expired.
func (s *Stack) OnExpired(f func([]netip.AddrPort)) {
	s.kap.OnExpired(f)
}

// LocalAddr returns the bound socket address.
func (s *Stack) LocalAddr() netip.AddrPort {
	return s.tr.LocalAddr()
}

// ExternalAddr returns the address the rendezvous server observed for us.
func (s *Stack) ExternalAddr() (netip.AddrPort, bool) {
	return s.natt.ExternalAddr()
}

// Self returns the Address the stack registers as.
func (s *Stack) Self() crypto.Address {
	return s.self
}

// Stats returns the reliable messaging session counts.
func (s *Stack) Stats() rmp.Stats {
	return s.rmp.Stats()
}

// Shutdown stops every processor and closes the socket.
func (s *Stack) Shutdown() error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()

		s.natt.Shutdown()
		s.kap.Shutdown()
		s.rmp.Shutdown()
		err = multierr.Append(err, s.tr.Close())

		logrus.WithFields(logrus.Fields{
			"function": "Shutdown",
			"local":    s.tr.LocalAddr().String(),
		}).Info("Datagram stack stopped")
	})
	return err
}
