package endpoint

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/opd-ai/kiribi/internal/queue"
)

// PipeEndpoint is one end of an in-process message pipe.
type PipeEndpoint struct {
	in     *queue.Queue[[]byte]
	out    *queue.Queue[[]byte]
	closed *atomic.Bool
}

// Pipe returns two connected endpoints. A message written to one is read
// from the other. Closing either end closes both directions.
func Pipe() (*PipeEndpoint, *PipeEndpoint) {
	ab := queue.New[[]byte]()
	ba := queue.New[[]byte]()
	closed := new(atomic.Bool)
	return &PipeEndpoint{in: ba, out: ab, closed: closed},
		&PipeEndpoint{in: ab, out: ba, closed: closed}
}

// Write copies p to the peer.
func (p *PipeEndpoint) Write(b []byte) error {
	if p.closed.Load() {
		return ErrEndpointClosed
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	if !p.out.Put(cp) {
		return ErrEndpointClosed
	}
	return nil
}

// Read blocks for the next message.
func (p *PipeEndpoint) Read() ([]byte, error) {
	return p.ReadContext(context.Background())
}

// ReadContext is Read bounded by ctx. Messages written before Close are
// still delivered.
func (p *PipeEndpoint) ReadContext(ctx context.Context) ([]byte, error) {
	b, err := p.in.Take(ctx)
	if errors.Is(err, queue.ErrClosed) {
		return nil, ErrEndpointClosed
	}
	return b, err
}

// IsOpen reports whether neither end was closed.
func (p *PipeEndpoint) IsOpen() bool {
	return !p.closed.Load()
}

// Close shuts both directions.
func (p *PipeEndpoint) Close() error {
	p.closed.Store(true)
	p.out.Close()
	p.in.Close()
	return nil
}
