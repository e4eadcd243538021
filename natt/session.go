package natt

import "time"

// probeSession sends probes to one peer until the budget is spent.
// All fields except key, probe and done are guarded by the processor mutex.
type probeSession struct {
	key   Key
	probe []byte

	count  int
	limit  int
	delay  time.Duration
	marked bool

	available bool
	done      chan struct{}
}

// wait is closed once the session finished; available then holds the outcome.
func (s *probeSession) wait() <-chan struct{} {
	return s.done
}

func (p *Processor) newSession(key Key) *probeSession {
	return &probeSession{
		key:   key,
		probe: probePacket(key.ID),
		limit: p.opts.ProbeLimit,
		delay: p.opts.ProbeInterval,
		done:  make(chan struct{}),
	}
}

// session returns the session for key, starting one if needed.
func (p *Processor) session(key Key) *probeSession {
	p.mu.Lock()
	s, ok := p.sessions[key]
	if !ok {
		s = p.newSession(key)
		p.sessions[key] = s
	}
	p.mu.Unlock()

	if !ok {
		p.notify(Event{Key: key, Type: TypeNATT, State: StateInit})
		if !p.goSafe(func() { p.probe(s) }) {
			p.finish(s)
		}
	}
	return s
}

// probe is the per-session probing loop.
func (p *Processor) probe(s *probeSession) {
	for {
		p.mu.Lock()
		if s.count >= s.limit {
			p.mu.Unlock()
			p.finish(s)
			return
		}
		s.count++
		delay := s.delay
		p.mu.Unlock()

		p.send(s.key.Addr, s.probe)

		select {
		case <-p.clock.After(delay):
		case <-p.ctx.Done():
			p.finish(s)
			return
		}
	}
}

// mark records a probe from the peer: a few more probes go out faster so the
// peer sees ours too, then the session completes as available.
func (p *Processor) mark(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[key]
	if !ok || s.marked {
		return
	}
	s.marked = true
	s.limit = s.count + p.opts.PostProbeLimit
	s.delay = p.opts.PostProbeInterval
}

func (p *Processor) finish(s *probeSession) {
	p.mu.Lock()
	s.available = s.marked && p.ctx.Err() == nil
	delete(p.sessions, s.key)
	p.mu.Unlock()
	close(s.done)

	state := StateFailed
	if s.available {
		state = StateAvailable
	}
	p.notify(Event{Key: s.key, Type: TypeNATT, State: state})
}
