package lookup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opd-ai/kiribi/codec"
	"github.com/opd-ai/kiribi/crypto"
	"github.com/opd-ai/kiribi/endpoint"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// Capacity bounds the registry; the least recently used entry is evicted.
	Capacity int
	// RequestTimeout bounds one handshake plus request and response.
	RequestTimeout time.Duration
	Endpoint       *endpoint.Options
}

// NewServerOptions returns the default server configuration.
func NewServerOptions() *ServerOptions {
	return &ServerOptions{
		Capacity:       65536,
		RequestTimeout: 10 * time.Second,
		Endpoint:       endpoint.NewOptions(),
	}
}

// Server answers lookup requests.
type Server struct {
	ln       net.Listener
	keys     *crypto.KeyPair
	opts     ServerOptions
	registry *lru.Cache[crypto.Address, netip.AddrPort]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer listens on listenAddr and starts serving.
func NewServer(listenAddr string, keys *crypto.KeyPair, opts *ServerOptions) (*Server, error) {
	d := NewServerOptions()
	if opts == nil {
		opts = d
	}
	o := *opts
	if o.Capacity <= 0 {
		o.Capacity = d.Capacity
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}

	registry, err := lru.New[crypto.Address, netip.AddrPort](o.Capacity)
	if err != nil {
		return nil, fmt.Errorf("lookup: create registry: %w", err)
	}
	ln, err := net.Listen("tcp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("lookup: listen %s: %w", listenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ln:       ln,
		keys:     keys,
		opts:     o,
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.wg.Add(1)
	go s.acceptLoop()

	logrus.WithFields(logrus.Fields{
		"function": "NewServer",
		"address":  ln.Addr().String(),
		"identity": keys.Address().String(),
	}).Info("Lookup server started")
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Lookup returns the registered socket address of a.
func (s *Server) Lookup(a crypto.Address) (netip.AddrPort, bool) {
	return s.registry.Peek(a)
}

// Close stops accepting and waits for in-flight requests.
func (s *Server) Close() error {
	s.cancel()
	err := s.ln.Close()
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Server) acceptLoop() {
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
			}).Warn("Lookup accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.handle(conn); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "handle",
					"remote":   conn.RemoteAddr().String(),
					"error":    err.Error(),
				}).Debug("Lookup request failed")
			}
		}()
	}
}

func (s *Server) handle(conn net.Conn) (err error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
	defer cancel()
	_ = conn.SetDeadline(time.Now().Add(s.opts.RequestTimeout))

	ep, err := endpoint.AcceptTCP(ctx, conn, s.keys, s.opts.Endpoint)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, ep.Close()) }()

	caller, err := ep.RemoteAddress()
	if err != nil {
		return err
	}
	var req request
	if err := endpoint.ReadMessage(ep, &req); err != nil {
		return endpoint.WriteMessage(ep, &response{code: RespError, msg: err.Error()})
	}
	return endpoint.WriteMessage(ep, s.serve(caller, conn.RemoteAddr(), &req))
}

func (s *Server) serve(caller crypto.Address, remote net.Addr, req *request) *response {
	switch req.cmd {
	case CmdRegister:
		if req.address != caller {
			return &response{code: RespError, msg: "address does not match authenticated peer"}
		}
		ap, err := codec.FromNetAddr(remote)
		if err != nil {
			return &response{code: RespError, msg: err.Error()}
		}
		socket := netip.AddrPortFrom(ap.Addr(), req.port)
		s.registry.Add(caller, socket)

		logrus.WithFields(logrus.Fields{
			"function": "serve",
			"address":  caller.String(),
			"socket":   socket.String(),
		}).Debug("Registered address")
		return &response{code: RespAck}
	case CmdUnregister:
		if req.address != caller {
			return &response{code: RespError, msg: "address does not match authenticated peer"}
		}
		s.registry.Remove(caller)
		return &response{code: RespAck}
	case CmdLookup:
		socket, ok := s.registry.Get(req.address)
		if !ok {
			return &response{code: RespUnknown}
		}
		return &response{code: RespAck, socket: socket}
	}
	return &response{code: RespError, msg: errBadCommand.Error()}
}
