package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/kiribi/crypto"
	"github.com/opd-ai/kiribi/endpoint"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// TCPProvider opens one secure TCP endpoint per Open call.
type TCPProvider struct {
	keys       *crypto.KeyPair
	mapper     AddressMapper
	listenAddr string
	opts       endpoint.Options

	mu     sync.Mutex
	server *tcpServer
	closed bool
}

// NewTCPProvider resolves peers with mapper and serves on listenAddr.
func NewTCPProvider(keys *crypto.KeyPair, mapper AddressMapper, listenAddr string, opts *endpoint.Options) *TCPProvider {
	return &TCPProvider{
		keys:       keys,
		mapper:     mapper,
		listenAddr: listenAddr,
		opts:       endpointOptions(opts),
	}
}

// Open dials the socket address mapped for addr.Address. The peer must
// authenticate as that Address.
func (p *TCPProvider) Open(ctx context.Context, addr ConnectionAddress) (endpoint.Endpoint, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, &Error{Op: "open", Addr: addr, Err: ErrShutdown}
	}

	if err := p.mapper.Init(ctx); err != nil {
		return nil, &Error{Op: "open", Addr: addr, Err: err}
	}
	socket, err := p.mapper.Lookup(ctx, addr.Address)
	if err != nil {
		return nil, &Error{Op: "open", Addr: addr, Err: err}
	}

	opts := p.opts
	opts.Expect = addr.Address
	ep, err := endpoint.DialTCP(ctx, socket.String(), p.keys, &opts)
	if err != nil {
		return nil, &Error{Op: "open", Addr: addr, Err: err}
	}
	return ep, nil
}

// Server starts listening on first use and registers with the mapper.
func (p *TCPProvider) Server() (ServerEndpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrShutdown
	}
	if p.server != nil && p.server.IsOpen() {
		return p.server, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.HandshakeTimeout)
	defer cancel()
	if err := p.mapper.Init(ctx); err != nil {
		return nil, err
	}
	s, err := listenTCP(p.listenAddr, p.keys, p.opts)
	if err != nil {
		return nil, err
	}
	if err := p.mapper.Register(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server",
			"address":  s.Addr().String(),
			"error":    err.Error(),
		}).Warn("Address registration failed")
	}
	p.server = s
	return s, nil
}

// Addr returns the listening address once Server was called.
func (p *TCPProvider) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server == nil {
		return nil
	}
	return p.server.Addr()
}

// Shutdown closes the server and releases the mapper.
func (p *TCPProvider) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	server := p.server
	p.mu.Unlock()

	var err error
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.HandshakeTimeout)
		defer cancel()
		if uerr := p.mapper.Unregister(ctx); uerr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Shutdown",
				"error":    uerr.Error(),
			}).Debug("Address unregistration failed")
		}
		err = multierr.Append(err, server.Close())
	}
	return multierr.Append(err, p.mapper.Close())
}

func endpointOptions(opts *endpoint.Options) endpoint.Options {
	o := *endpoint.NewOptions()
	if opts != nil {
		o.Expect = opts.Expect
		if opts.HandshakeTimeout > 0 {
			o.HandshakeTimeout = opts.HandshakeTimeout
		}
		if opts.Version != 0 {
			o.Version = opts.Version
		}
	}
	return o
}

// tcpServer accepts connections and completes the handshake as responder.
type tcpServer struct {
	ln   net.Listener
	keys *crypto.KeyPair
	opts endpoint.Options

	mu     sync.Mutex
	accept func(endpoint.Endpoint)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func listenTCP(addr string, keys *crypto.KeyPair, opts endpoint.Options) (*tcpServer, error) {
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	opts.Expect = crypto.Address{}
	ctx, cancel := context.WithCancel(context.Background())
	s := &tcpServer{ln: ln, keys: keys, opts: opts, ctx: ctx, cancel: cancel}
	s.wg.Add(1)
	go s.acceptLoop()

	logrus.WithFields(logrus.Fields{
		"function": "listenTCP",
		"address":  ln.Addr().String(),
	}).Info("TCP endpoint server started")
	return s, nil
}

func (s *tcpServer) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *tcpServer) Accept(f func(endpoint.Endpoint)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accept = f
}

func (s *tcpServer) IsOpen() bool {
	return s.ctx.Err() == nil
}

func (s *tcpServer) Close() error {
	s.cancel()
	err := s.ln.Close()
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *tcpServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
			}).Warn("TCP accept failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *tcpServer) handle(conn net.Conn) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.HandshakeTimeout)
	defer cancel()
	ep, err := endpoint.AcceptTCP(ctx, conn, s.keys, &s.opts)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handle",
			"remote":   conn.RemoteAddr().String(),
			"error":    err.Error(),
		}).Debug("Inbound handshake failed")
		return
	}

	s.mu.Lock()
	accept := s.accept
	s.mu.Unlock()
	if accept == nil {
		_ = ep.Close()
		return
	}
	go accept(ep)
}
