package endpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/kiribi/codec"
	"github.com/opd-ai/kiribi/internal/queue"
	"github.com/sirupsen/logrus"
)

// Mux actions.
const (
	ActionOpen     byte = 10
	ActionTransfer byte = 11
	ActionClose    byte = 12
)

// muxPacket is the unit carried by the root endpoint: action, service id and
// payload.
type muxPacket struct {
	action byte
	id     int64
	data   []byte
}

func (p *muxPacket) Encode(w *codec.Writer) {
	w.PutByte(p.action).PutInt64(p.id).PutBytes(p.data)
}

func (p *muxPacket) Decode(r *codec.Reader) error {
	var err error
	if p.action, err = r.Byte(); err != nil {
		return err
	}
	if p.id, err = r.Int64(); err != nil {
		return err
	}
	p.data, err = r.Bytes()
	return err
}

// Root is the secure channel a Mux runs on.
type Root interface {
	Endpoint
	WriteRaw(p []byte) error
	Ready() <-chan struct{}
}

// MuxOptions configures a Mux.
type MuxOptions struct {
	// GraceDelay is how long Dispose waits after sending service closes
	// before it closes the root.
	GraceDelay time.Duration
}

// NewMuxOptions returns the default Mux configuration.
func NewMuxOptions() *MuxOptions {
	return &MuxOptions{GraceDelay: 250 * time.Millisecond}
}

// Mux carries many ServiceEndpoints over one root endpoint.
type Mux struct {
	grace  time.Duration
	accept func(*ServiceEndpoint)

	mu              sync.Mutex
	root            Root
	services        map[int64]*ServiceEndpoint
	disposed        bool
	onDisposed      func(*Mux)
	onServiceClosed func(int64)
	disposeOnce     sync.Once
}

// NewMux starts multiplexing over root. accept receives services opened by
// the peer; it runs on its own goroutine and may be nil.
func NewMux(root Root, accept func(*ServiceEndpoint), opts *MuxOptions) *Mux {
	if opts == nil {
		opts = NewMuxOptions()
	}
	m := &Mux{
		grace:    opts.GraceDelay,
		accept:   accept,
		root:     root,
		services: make(map[int64]*ServiceEndpoint),
	}
	go m.read(root)
	return m
}

// OnDisposed registers a hook called once the Mux has been disposed.
func (m *Mux) OnDisposed(f func(*Mux)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisposed = f
}

// OnServiceClosed registers a hook called with the id of every closed service.
func (m *Mux) OnServiceClosed(f func(int64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onServiceClosed = f
}

// Root returns the current root endpoint.
func (m *Mux) Root() Root {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root
}

// IsDisposed reports whether Dispose ran.
func (m *Mux) IsDisposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

// Services returns the number of open services.
func (m *Mux) Services() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.services)
}

// Open returns the service with id, creating it if needed.
func (m *Mux) Open(id int64) (*ServiceEndpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, ErrMuxClosed
	}
	s, ok := m.services[id]
	if !ok {
		s = newServiceEndpoint(id, m)
		m.services[id] = s
	}
	return s, nil
}

func (m *Mux) read(root Root) {
	for {
		b, err := root.Read()
		if err != nil {
			m.mu.Lock()
			current := m.root == root && !m.disposed
			m.mu.Unlock()
			if current {
				logrus.WithFields(logrus.Fields{
					"function": "read",
					"remote":   addrString(root),
					"error":    err.Error(),
				}).Debug("Mux root failed")
				m.dispose(false, false)
			}
			return
		}

		var p muxPacket
		if err := codec.Decode(b, &p); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "read",
				"error":    err.Error(),
			}).Warn("Malformed mux packet")
			continue
		}
		switch p.action {
		case ActionOpen:
		case ActionTransfer:
			m.deliver(p.id, p.data)
		case ActionClose:
			m.remoteClosed(p.id)
		}
	}
}

func (m *Mux) deliver(id int64, data []byte) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	s, ok := m.services[id]
	if !ok {
		s = newServiceEndpoint(id, m)
		m.services[id] = s
	}
	m.mu.Unlock()

	if !ok && m.accept != nil {
		go m.accept(s)
	}
	s.queue.Put(data)
}

func (m *Mux) remoteClosed(id int64) {
	m.mu.Lock()
	s, ok := m.services[id]
	delete(m.services, id)
	hook := m.onServiceClosed
	m.mu.Unlock()

	if !ok {
		return
	}
	s.setClosed()
	if hook != nil {
		hook(id)
	}
}

func (m *Mux) transfer(id int64, p []byte) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrMuxClosed
	}
	root := m.root
	m.mu.Unlock()

	return WriteMessage(root, &muxPacket{action: ActionTransfer, id: id, data: p})
}

func (m *Mux) closeService(id int64) error {
	m.mu.Lock()
	s, ok := m.services[id]
	delete(m.services, id)
	disposed := m.disposed
	root := m.root
	hook := m.onServiceClosed
	m.mu.Unlock()

	if !ok {
		return nil
	}
	var err error
	if !disposed {
		err = WriteMessage(root, &muxPacket{action: ActionClose, id: id})
	}
	s.setClosed()
	if hook != nil {
		hook(id)
	}
	return err
}

// Dispose closes every service, optionally tells the peer with a raw
// FlagClose, and closes the root. It is safe to call more than once.
func (m *Mux) Dispose(notify bool) {
	m.dispose(notify, true)
}

func (m *Mux) dispose(notify, graceful bool) {
	m.disposeOnce.Do(func() {
		m.mu.Lock()
		m.disposed = true
		services := m.services
		m.services = make(map[int64]*ServiceEndpoint)
		root := m.root
		hook := m.onDisposed
		m.mu.Unlock()

		ready := isReady(root)
		if ready && graceful {
			for id := range services {
				if err := WriteMessage(root, &muxPacket{action: ActionClose, id: id}); err != nil {
					break
				}
			}
		}
		for _, s := range services {
			s.setClosed()
		}
		if ready && graceful {
			time.Sleep(m.grace)
			if notify {
				_ = root.WriteRaw([]byte{FlagClose})
			}
		}
		_ = root.Close()

		logrus.WithFields(logrus.Fields{
			"function": "dispose",
			"remote":   addrString(root),
			"services": len(services),
			"notify":   notify,
		}).Debug("Mux disposed")

		if hook != nil {
			hook(m)
		}
	})
}

// Reset replaces the root, force-closing every service of the old one.
func (m *Mux) Reset(root Root) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrMuxClosed
	}
	old := m.root
	services := m.services
	m.services = make(map[int64]*ServiceEndpoint)
	m.root = root
	m.mu.Unlock()

	for _, s := range services {
		s.setClosed()
	}
	_ = old.Close()
	go m.read(root)

	logrus.WithFields(logrus.Fields{
		"function": "Reset",
		"remote":   addrString(root),
		"services": len(services),
	}).Debug("Mux reset")
	return nil
}

func isReady(root Root) bool {
	select {
	case <-root.Ready():
		return true
	default:
		return false
	}
}

// serviceTransport is what a ServiceEndpoint needs from its Mux.
type serviceTransport interface {
	transfer(id int64, p []byte) error
	closeService(id int64) error
}

// ServiceEndpoint is one logical channel of a Mux. Inbound messages are
// queued without bound.
type ServiceEndpoint struct {
	id    int64
	mux   serviceTransport
	queue *queue.Queue[[]byte]

	mu       sync.Mutex
	open     bool
	onClosed func()
}

func newServiceEndpoint(id int64, mux serviceTransport) *ServiceEndpoint {
	return &ServiceEndpoint{
		id:    id,
		mux:   mux,
		queue: queue.New[[]byte](),
		open:  true,
	}
}

// ID returns the service id.
func (s *ServiceEndpoint) ID() int64 {
	return s.id
}

// OnClosed registers a hook run once the service is closed by either side.
func (s *ServiceEndpoint) OnClosed(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClosed = f
}

// Write sends p to the peer's service with the same id.
func (s *ServiceEndpoint) Write(p []byte) error {
	if !s.IsOpen() {
		return ErrEndpointClosed
	}
	return s.mux.transfer(s.id, p)
}

// Read blocks until a message arrives or the service closes.
func (s *ServiceEndpoint) Read() ([]byte, error) {
	return s.ReadContext(context.Background())
}

// ReadContext is Read bounded by ctx. Messages queued before the service
// closed are still returned.
func (s *ServiceEndpoint) ReadContext(ctx context.Context) ([]byte, error) {
	b, err := s.queue.Take(ctx)
	if errors.Is(err, queue.ErrClosed) {
		return nil, ErrEndpointClosed
	}
	return b, err
}

// IsOpen reports whether the service is still usable.
func (s *ServiceEndpoint) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Close closes the service on both sides.
func (s *ServiceEndpoint) Close() error {
	if !s.IsOpen() {
		return nil
	}
	return s.mux.closeService(s.id)
}

func (s *ServiceEndpoint) setClosed() {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return
	}
	s.open = false
	hook := s.onClosed
	s.mu.Unlock()

	s.queue.Close()
	if hook != nil {
		go hook()
	}
}
