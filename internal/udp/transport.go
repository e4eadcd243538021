// Package udp owns a datagram socket and routes inbound packets to handlers
// selected by the protocol tag in the first byte of each packet.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/opd-ai/kiribi/codec"
	"github.com/opd-ai/kiribi/limits"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned when sending on a closed transport.
var ErrClosed = errors.New("udp transport closed")

// Handler processes one inbound datagram. The packet buffer is reused after
// the handler returns; handlers that keep it must copy it.
type Handler func(from netip.AddrPort, packet []byte)

// Transport reads a net.PacketConn and dispatches by protocol tag.
type Transport struct {
	conn     net.PacketConn
	local    netip.AddrPort
	handlers map[byte]Handler
	mu       sync.RWMutex

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
}

// Listen opens a socket on addr. IPv6 is not supported, so the network is
// always udp4.
func Listen(addr string) (*Transport, error) {
	conn, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return New(conn), nil
}

// New wraps an existing connection.
func New(conn net.PacketConn) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	local, _ := codec.FromNetAddr(conn.LocalAddr())
	return &Transport{
		conn:     conn,
		local:    local,
		handlers: make(map[byte]Handler),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// RegisterHandler routes packets whose first byte is tag to h.
func (t *Transport) RegisterHandler(tag byte, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[tag] = h
}

// Start launches the read loop.
func (t *Transport) Start() {
	t.startOnce.Do(func() {
		go t.processPackets()
	})
}

// Send writes packet to addr.
func (t *Transport) Send(to netip.AddrPort, packet []byte) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	if err := limits.ValidatePacket(packet); err != nil {
		return err
	}
	_, err := t.conn.WriteTo(packet, net.UDPAddrFromAddrPort(to))
	return err
}

// LocalAddr returns the bound socket address.
func (t *Transport) LocalAddr() netip.AddrPort {
	return t.local
}

// Close stops the read loop and closes the socket.
func (t *Transport) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.startOnce.Do(func() { close(t.done) })
	<-t.done
	return err
}

func (t *Transport) processPackets() {
	defer close(t.done)
	buffer := make([]byte, 2048)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			t.processIncomingPacket(buffer)
		}
	}
}

func (t *Transport) processIncomingPacket(buffer []byte) {
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		if t.ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "processIncomingPacket",
				"local":    t.local.String(),
				"error":    err.Error(),
			}).Debug("UDP read failed")
			// Avoid spinning on a persistent socket error.
			time.Sleep(10 * time.Millisecond)
		}
		return
	}
	if n == 0 {
		return
	}

	from, err := codec.FromNetAddr(addr)
	if err != nil {
		return
	}

	t.mu.RLock()
	h, ok := t.handlers[buffer[0]]
	t.mu.RUnlock()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "processIncomingPacket",
			"from":     from.String(),
			"tag":      buffer[0],
		}).Debug("No handler for protocol tag")
		return
	}
	h(from, buffer[:n])
}
