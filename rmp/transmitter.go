package rmp

import (
	"time"

	"github.com/sirupsen/logrus"
)

// transmitter sends one message and resolves its future once.
type transmitter struct {
	session
	result chan bool
}

func (t *transmitter) start() {
	t.syn()
}

func (t *transmitter) syn() {
	t.send(packControl(t.key.id, CmdSYN, t.layout.length))
}

func (t *transmitter) process(h header, packet []byte) {
	if t.state == StateComplete || t.state == StateFailed {
		return
	}

	switch h.cmd {
	case CmdACK:
		t.ack()
	case CmdFIN:
		t.fin(h.value)
	case CmdNAK:
		if len(packet) < nakSize {
			return
		}
		t.nak(h.value, packet[10])
	}
}

func (t *transmitter) ack() {
	if t.state != StateInit {
		return
	}
	t.state = StateTransceiving
	t.segNo = 0
	t.sendAll()
	t.touch(false)
}

func (t *transmitter) fin(seg uint32) {
	if t.state != StateTransceiving {
		return
	}

	switch {
	case seg == t.layout.maxSegs-1:
		t.complete()
	case seg == t.segNo:
		t.segNo++
		t.sendAll()
		t.touch(false)
	}
}

func (t *transmitter) nak(seg uint32, missing byte) {
	if t.state != StateTransceiving || seg != t.segNo {
		return
	}
	t.sendMasked(missing)
	t.touch(false)
}

func (t *transmitter) sendChunk(i int, cmd byte) {
	seq := seqno(t.segNo, i)
	off := t.layout.offset(seq)
	t.send(packData(t.key.id, cmd, seq, t.data[off:off+t.layout.size(seq)]))
}

func (t *transmitter) sendAll() {
	for i := 0; i < t.layout.chunks(t.segNo); i++ {
		t.sendChunk(i, CmdDAT)
	}
}

func (t *transmitter) sendMasked(missing byte) {
	for i := 0; i < t.layout.chunks(t.segNo); i++ {
		if missing&(1<<uint(i)) != 0 {
			t.sendChunk(i, CmdRTM)
		}
	}
}

func (t *transmitter) check(now time.Time) {
	if t.expired(now) {
		t.timeout()
	}
}

// timeout resends SYN while waiting for ACK and the whole current segment afterwards.
func (t *transmitter) timeout() {
	if t.exhausted() {
		logrus.WithFields(logrus.Fields{
			"function": "transmitter.timeout",
			"peer":     t.key.addr.String(),
			"session":  t.key.id,
			"state":    t.state.String(),
			"segment":  t.segNo,
		}).Debug("Transmitter retry budget exhausted")
		t.fail()
		return
	}

	switch t.state {
	case StateInit:
		t.syn()
	case StateTransceiving:
		t.sendAll()
	default:
		return
	}
	t.touch(true)
}

func (t *transmitter) complete() {
	t.state = StateComplete
	t.resolve(true)
}

func (t *transmitter) fail() {
	t.state = StateFailed
	t.resolve(false)
}

func (t *transmitter) resolve(ok bool) {
	t.result <- ok
	close(t.result)
	t.data = nil
	t.p.removeTransmitter(t.key)
}
