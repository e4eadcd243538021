package transport

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// MonitorOptions configures a NetworkMonitor.
type MonitorOptions struct {
	Interval time.Duration
	Clock    clock.Clock
	// Probe reports whether any usable interface is up. Defaults to
	// scanning the system interfaces.
	Probe func() bool
}

// NewMonitorOptions returns the default monitor configuration.
func NewMonitorOptions() *MonitorOptions {
	return &MonitorOptions{
		Interval: 5 * time.Second,
		Clock:    clock.New(),
		Probe:    interfacesUp,
	}
}

// NetworkMonitor polls the network state and reports transitions.
type NetworkMonitor struct {
	opts MonitorOptions

	mu       sync.Mutex
	up       bool
	onChange func(up bool)
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewNetworkMonitor creates a stopped monitor.
func NewNetworkMonitor(opts *MonitorOptions) *NetworkMonitor {
	o := *NewMonitorOptions()
	if opts != nil {
		if opts.Interval > 0 {
			o.Interval = opts.Interval
		}
		if opts.Clock != nil {
			o.Clock = opts.Clock
		}
		if opts.Probe != nil {
			o.Probe = opts.Probe
		}
	}
	return &NetworkMonitor{opts: o}
}

// OnChange sets the transition callback. It is also called once with the
// initial state on Start.
func (m *NetworkMonitor) OnChange(f func(up bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = f
}

// IsUp reports the last observed state.
func (m *NetworkMonitor) IsUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up
}

// Start probes immediately and then on every interval.
func (m *NetworkMonitor) Start() {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	stop := m.stop
	m.up = m.opts.Probe()
	up, f := m.up, m.onChange
	m.mu.Unlock()

	if f != nil {
		f(up)
	}

	ticker := m.opts.Clock.Ticker(m.opts.Interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.poll()
			}
		}
	}()
}

func (m *NetworkMonitor) poll() {
	up := m.opts.Probe()

	m.mu.Lock()
	changed := up != m.up
	m.up = up
	f := m.onChange
	m.mu.Unlock()

	if !changed {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "poll",
		"up":       up,
	}).Info("Network state changed")
	if f != nil {
		f(up)
	}
}

// Stop ends polling.
func (m *NetworkMonitor) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	m.wg.Wait()
}

func interfacesUp() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if isInterfaceActive(iface) {
			return true
		}
	}
	return false
}

func isInterfaceActive(iface net.Interface) bool {
	return iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0
}

// Inet returns the first non link-local IPv4 address of an active
// interface.
func Inet() (netip.Addr, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}, false
	}
	for _, iface := range ifaces {
		if !isInterfaceActive(iface) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			ip = ip.Unmap()
			if ip.Is4() && !ip.IsLinkLocalUnicast() && !ip.IsLoopback() {
				return ip, true
			}
		}
	}
	return netip.Addr{}, false
}
