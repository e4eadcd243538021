// Package transport opens endpoints to peers named by Address.
//
// Three providers share one interface: TCPProvider dials socket addresses
// found through an AddressMapper, LANProvider does the same with multicast
// discovery, and UDPProvider punches through NATs and multiplexes every
// connection to a peer over one secure endpoint carried by reliable
// datagrams.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/opd-ai/kiribi/crypto"
	"github.com/opd-ai/kiribi/endpoint"
)

var (
	// ErrNotRegistered is returned when the peer is not known to the
	// rendezvous server.
	ErrNotRegistered = errors.New("transport: address not registered")
	// ErrUnmapped is returned when no socket address is known for a peer.
	ErrUnmapped = errors.New("transport: no socket address for peer")
	// ErrShutdown is returned by a provider after Shutdown.
	ErrShutdown = errors.New("transport: provider shut down")
	// ErrSendTimeout is returned when a datagram send was not acknowledged
	// in time.
	ErrSendTimeout = errors.New("transport: send timed out")
	// ErrInvalidConnectionAddress is returned by ParseConnectionAddress.
	ErrInvalidConnectionAddress = errors.New("transport: invalid connection address")
)

// ConnectionAddress names one logical channel to a peer.
type ConnectionAddress struct {
	Address crypto.Address
	ID      int64
}

func (c ConnectionAddress) String() string {
	return c.Address.String() + ":" + strconv.FormatInt(c.ID, 10)
}

// ParseConnectionAddress parses the String form.
func ParseConnectionAddress(s string) (ConnectionAddress, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return ConnectionAddress{}, ErrInvalidConnectionAddress
	}
	a, err := crypto.ParseAddress(s[:i])
	if err != nil {
		return ConnectionAddress{}, fmt.Errorf("%w: %w", ErrInvalidConnectionAddress, err)
	}
	id, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return ConnectionAddress{}, fmt.Errorf("%w: %w", ErrInvalidConnectionAddress, err)
	}
	return ConnectionAddress{Address: a, ID: id}, nil
}

// Error records a failed provider operation.
type Error struct {
	Op   string
	Addr ConnectionAddress
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Provider opens endpoints to peers and accepts endpoints opened by them.
type Provider interface {
	Open(ctx context.Context, addr ConnectionAddress) (endpoint.Endpoint, error)
	Server() (ServerEndpoint, error)
	Shutdown() error
}

// ServerEndpoint hands inbound endpoints to a callback.
type ServerEndpoint interface {
	// Accept sets the callback; each endpoint is delivered on its own goroutine.
	Accept(f func(endpoint.Endpoint))
	IsOpen() bool
	Close() error
}
