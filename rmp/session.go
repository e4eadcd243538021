package rmp

import (
	"net/netip"
	"time"
)

// State is the lifecycle state of a session.
type State uint8

const (
	StateInit State = iota
	StateTransceiving
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateTransceiving:
		return "TRANSCEIVING"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

type sessionKey struct {
	addr netip.AddrPort
	id   uint32
}

// session holds the state shared by transmitters and receivers.
// It is only touched from the processing goroutine.
type session struct {
	p      *Processor
	key    sessionKey
	state  State
	layout layout
	data   []byte
	segNo  uint32

	mark  time.Time
	retry int
}

// touch records activity. Timeouts count retries, anything else resets them.
func (s *session) touch(timeout bool) {
	s.mark = s.p.clock.Now()
	if timeout {
		s.retry++
	} else {
		s.retry = 0
	}
}

func (s *session) expired(now time.Time) bool {
	return now.Sub(s.mark) > s.p.opts.SessionTimeout
}

func (s *session) exhausted() bool {
	return s.retry >= s.p.opts.MaxRetries
}

func (s *session) send(packet []byte) {
	s.p.transmit(s.key.addr, packet)
}
