package rmp

import (
	"math/bits"
	"time"

	"github.com/opd-ai/kiribi/limits"
	"github.com/sirupsen/logrus"
)

// receiver reassembles one message.
type receiver struct {
	session
	received byte // bitset of chunks of the current segment
}

func (r *receiver) process(h header, packet []byte) {
	switch h.cmd {
	case CmdSYN:
		r.syn(h.value)
	case CmdDAT, CmdRTM:
		r.dat(h.value, packet[headerSize:])
	}
}

// syn initializes the session. A repeated SYN only repeats the ACK.
func (r *receiver) syn(length uint32) {
	if r.data != nil || r.state != StateInit {
		if r.state == StateInit {
			r.send(packACK(r.key.id))
		}
		return
	}
	if err := limits.ValidateRMPLength(length); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "receiver.syn",
			"peer":     r.key.addr.String(),
			"session":  r.key.id,
			"error":    err.Error(),
		}).Warn("Rejecting RMP session")
		r.state = StateFailed
		r.p.removeReceiver(r.key)
		return
	}

	r.layout = newLayout(length)
	r.data = make([]byte, length)
	r.send(packACK(r.key.id))
	r.touch(false)
}

func (r *receiver) full() byte {
	return byte(1<<uint(r.layout.chunks(r.segNo)) - 1)
}

func (r *receiver) segmentComplete() bool {
	return r.received == r.full()
}

func (r *receiver) missing() byte {
	return r.full() &^ r.received
}

func (r *receiver) dat(seq uint32, chunk []byte) {
	if r.data == nil && r.state == StateInit {
		return
	}
	if seq >= r.layout.maxSeqs || len(chunk) != r.layout.size(seq) {
		return
	}

	seg := segno(seq)

	if r.state == StateComplete {
		// The sender missed our final FIN.
		if seg == r.segNo {
			r.send(packControl(r.key.id, CmdFIN, r.segNo))
			r.touch(false)
		}
		return
	}

	if r.state == StateInit {
		r.state = StateTransceiving
	}

	// Only the current segment, or the next one once the current is done.
	if seg < r.segNo || seg > r.segNo+1 {
		return
	}
	if seg == r.segNo+1 {
		if !r.segmentComplete() {
			return
		}
		r.segNo++
		r.received = 0
	}

	bit := byte(1) << uint(index(seq, r.segNo))
	if r.received&bit != 0 {
		// Duplicates do not count as progress.
		if r.segmentComplete() {
			r.send(packControl(r.key.id, CmdFIN, r.segNo))
		}
		return
	}
	r.received |= bit
	copy(r.data[r.layout.offset(seq):], chunk)
	r.touch(false)

	if r.segmentComplete() {
		r.send(packControl(r.key.id, CmdFIN, r.segNo))
		if r.segNo == r.layout.maxSegs-1 {
			r.complete()
		}
	}
}

func (r *receiver) check(now time.Time) {
	if r.state == StateComplete {
		if now.Sub(r.mark) > r.p.opts.Linger {
			r.p.removeReceiver(r.key)
		}
		return
	}
	if r.expired(now) {
		r.timeout()
	}
}

// timeout repeats ACK before data arrives, then NAK or FIN for the current segment.
func (r *receiver) timeout() {
	if r.exhausted() {
		logrus.WithFields(logrus.Fields{
			"function": "receiver.timeout",
			"peer":     r.key.addr.String(),
			"session":  r.key.id,
			"segment":  r.segNo,
			"missing":  bits.OnesCount8(r.missing()),
		}).Debug("Receiver retry budget exhausted")
		r.state = StateFailed
		r.data = nil
		r.p.removeReceiver(r.key)
		return
	}

	switch r.state {
	case StateInit:
		r.send(packACK(r.key.id))
	case StateTransceiving:
		if r.segmentComplete() {
			r.send(packControl(r.key.id, CmdFIN, r.segNo))
		} else {
			r.send(packNAK(r.key.id, r.segNo, r.missing()))
		}
	default:
		return
	}
	r.touch(true)
}

// complete hands the message to the consumer and keeps the session around
// for a while so late retransmissions of the final segment get a FIN.
func (r *receiver) complete() {
	r.state = StateComplete
	msg := r.data
	r.data = nil
	r.p.deliver(r.key.addr, msg)
}
