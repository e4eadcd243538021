package natt

import (
	"fmt"
	"net/netip"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opd-ai/kiribi/crypto"
	"github.com/opd-ai/kiribi/internal/udp"
	"github.com/opd-ai/kiribi/kap"
	"github.com/sirupsen/logrus"
)

// ServerOptions configures a rendezvous Server.
type ServerOptions struct {
	// Capacity bounds the number of registrations kept; the least recently
	// used registration is evicted first.
	Capacity int
}

// NewServerOptions returns the default server configuration.
func NewServerOptions() *ServerOptions {
	return &ServerOptions{Capacity: 65536}
}

// Server is the rendezvous server: it records the observed socket address of
// every registered Address and introduces peers to each other.
type Server struct {
	tr       *udp.Transport
	registry *lru.Cache[crypto.Address, netip.AddrPort]
}

// NewServer binds a rendezvous server to listenAddr and starts serving.
func NewServer(listenAddr string, opts *ServerOptions) (*Server, error) {
	if opts == nil {
		opts = NewServerOptions()
	}
	registry, err := lru.New[crypto.Address, netip.AddrPort](opts.Capacity)
	if err != nil {
		return nil, fmt.Errorf("natt: create registry: %w", err)
	}

	tr, err := udp.Listen(listenAddr)
	if err != nil {
		return nil, err
	}

	s := &Server{tr: tr, registry: registry}
	tr.RegisterHandler(Protocol, s.process)
	tr.RegisterHandler(kap.Protocol, s.keepAlive)
	tr.Start()

	logrus.WithFields(logrus.Fields{
		"function": "NewServer",
		"address":  tr.LocalAddr().String(),
		"capacity": opts.Capacity,
	}).Info("NATT server started")

	return s, nil
}

// Addr returns the bound socket address.
func (s *Server) Addr() netip.AddrPort {
	return s.tr.LocalAddr()
}

// Lookup returns the registered socket address of a.
func (s *Server) Lookup(a crypto.Address) (netip.AddrPort, bool) {
	return s.registry.Peek(a)
}

// Evict forgets the registration of a.
func (s *Server) Evict(a crypto.Address) {
	s.registry.Remove(a)
}

// Close stops the server.
func (s *Server) Close() error {
	return s.tr.Close()
}

func (s *Server) keepAlive(from netip.AddrPort, packet []byte) {
	if len(packet) != len(kap.ServerKeepAlive) {
		return
	}
	s.send(from, kap.ServerKeepAlive)
}

func (s *Server) process(remote netip.AddrPort, packet []byte) {
	if len(packet) < packetLen {
		return
	}
	id := packetID(packet)
	address, err := packetAddress(packet)
	if err != nil {
		return
	}

	switch packet[offCmd] {
	case CmdREG:
		s.registry.Add(address, remote)
		reply, err := socketPacket(id, CmdADR, remote)
		if err != nil {
			return
		}
		s.send(remote, reply)

		logrus.WithFields(logrus.Fields{
			"function": "process",
			"address":  address.String(),
			"remote":   remote.String(),
		}).Debug("Registered peer")
	case CmdCON:
		dst, ok := s.registry.Get(address)
		if !ok {
			s.send(remote, newPacket(id, CmdERR))
			logrus.WithFields(logrus.Fields{
				"function": "process",
				"address":  address.String(),
				"remote":   remote.String(),
			}).Debug("Connect request for unregistered peer")
			return
		}

		// Tell the target who wants it, then tell the requester where the target is.
		if tun, err := socketPacket(id, CmdTUN, remote); err == nil {
			s.send(dst, tun)
		}
		if adc, err := socketPacket(id, CmdADC, dst); err == nil {
			s.send(remote, adc)
		}
	}
}

func (s *Server) send(to netip.AddrPort, packet []byte) {
	if err := s.tr.Send(to, packet); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "send",
			"to":       to.String(),
			"error":    err.Error(),
		}).Debug("NATT server write failed")
	}
}
