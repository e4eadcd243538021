package transport

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/opd-ai/kiribi/crypto"
	"github.com/opd-ai/kiribi/discovery"
	"github.com/opd-ai/kiribi/lookup"
)

// AddressMapper resolves Addresses to the TCP socket addresses their
// owners listen on.
type AddressMapper interface {
	// Init prepares the mapper; it is safe to call more than once.
	Init(ctx context.Context) error
	// Register announces our own listening address, where applicable.
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
	Lookup(ctx context.Context, a crypto.Address) (netip.AddrPort, error)
	Close() error
}

// StaticMapper resolves from a fixed table.
type StaticMapper struct {
	mu    sync.RWMutex
	table map[crypto.Address]netip.AddrPort
}

// NewStaticMapper copies table.
func NewStaticMapper(table map[crypto.Address]netip.AddrPort) *StaticMapper {
	m := &StaticMapper{table: make(map[crypto.Address]netip.AddrPort, len(table))}
	for k, v := range table {
		m.table[k] = v
	}
	return m
}

// Set adds or replaces one entry.
func (m *StaticMapper) Set(a crypto.Address, ap netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table[a] = ap
}

func (m *StaticMapper) Init(context.Context) error       { return nil }
func (m *StaticMapper) Register(context.Context) error   { return nil }
func (m *StaticMapper) Unregister(context.Context) error { return nil }
func (m *StaticMapper) Close() error                     { return nil }

func (m *StaticMapper) Lookup(_ context.Context, a crypto.Address) (netip.AddrPort, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ap, ok := m.table[a]
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrUnmapped, a)
	}
	return ap, nil
}

// LookupMapper resolves through a lookup directory server.
type LookupMapper struct {
	client *lookup.Client
	port   uint16
}

// NewLookupMapper registers us under port and resolves through client.
func NewLookupMapper(client *lookup.Client, port uint16) *LookupMapper {
	return &LookupMapper{client: client, port: port}
}

func (m *LookupMapper) Init(context.Context) error { return nil }
func (m *LookupMapper) Close() error               { return nil }

func (m *LookupMapper) Register(ctx context.Context) error {
	return m.client.Register(ctx, m.port)
}

func (m *LookupMapper) Unregister(ctx context.Context) error {
	return m.client.Unregister(ctx)
}

func (m *LookupMapper) Lookup(ctx context.Context, a crypto.Address) (netip.AddrPort, error) {
	ap, err := m.client.Lookup(ctx, a)
	if errors.Is(err, lookup.ErrUnknown) {
		return netip.AddrPort{}, fmt.Errorf("%w: %w", ErrUnmapped, err)
	}
	if err != nil {
		return netip.AddrPort{}, err
	}
	return ap, nil
}

// DiscoveryMapper resolves from LAN discovery announcements.
type DiscoveryMapper struct {
	d *discovery.Discovery
}

// NewDiscoveryMapper wraps d. Init starts it and Close stops it.
func NewDiscoveryMapper(d *discovery.Discovery) *DiscoveryMapper {
	return &DiscoveryMapper{d: d}
}

func (m *DiscoveryMapper) Init(context.Context) error       { return m.d.Start() }
func (m *DiscoveryMapper) Register(context.Context) error   { return nil }
func (m *DiscoveryMapper) Unregister(context.Context) error { return nil }
func (m *DiscoveryMapper) Close() error                     { return m.d.Stop() }

func (m *DiscoveryMapper) Lookup(_ context.Context, a crypto.Address) (netip.AddrPort, error) {
	ap, ok := m.d.Lookup(a)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrUnmapped, a)
	}
	return ap, nil
}

// Forget drops a stale entry.
func (m *DiscoveryMapper) Forget(a crypto.Address) {
	m.d.Remove(a)
}
