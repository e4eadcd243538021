package transport

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/opd-ai/kiribi/crypto"
	"github.com/opd-ai/kiribi/discovery"
	"github.com/opd-ai/kiribi/endpoint"
)

// LANOptions configures a LANProvider.
type LANOptions struct {
	Discovery *discovery.Options
	Endpoint  *endpoint.Options
}

// LANProvider is a TCPProvider whose peers are found by LAN discovery.
type LANProvider struct {
	*TCPProvider
	mapper *DiscoveryMapper
}

// NewLANProvider serves on listen, which must carry a fixed port. An
// unspecified listen address is announced with the primary IPv4 address.
func NewLANProvider(keys *crypto.KeyPair, listen netip.AddrPort, opts *LANOptions) (*LANProvider, error) {
	if opts == nil {
		opts = &LANOptions{}
	}
	if listen.Port() == 0 {
		return nil, errors.New("transport: LAN provider needs a fixed listen port")
	}

	advertise := listen
	if !listen.Addr().IsValid() || listen.Addr().IsUnspecified() {
		inet, ok := Inet()
		if !ok {
			return nil, fmt.Errorf("transport: no IPv4 interface to announce")
		}
		advertise = netip.AddrPortFrom(inet, listen.Port())
	}

	d, err := discovery.New(keys.Address(), advertise, opts.Discovery)
	if err != nil {
		return nil, err
	}
	mapper := NewDiscoveryMapper(d)
	return &LANProvider{
		TCPProvider: NewTCPProvider(keys, mapper, listen.String(), opts.Endpoint),
		mapper:      mapper,
	}, nil
}

// Open dials the announced address; a peer that cannot be reached is
// forgotten until it announces itself again.
func (p *LANProvider) Open(ctx context.Context, addr ConnectionAddress) (endpoint.Endpoint, error) {
	ep, err := p.TCPProvider.Open(ctx, addr)
	if err != nil && !errors.Is(err, ErrUnmapped) && !errors.Is(err, ErrShutdown) {
		p.mapper.Forget(addr.Address)
	}
	return ep, err
}
