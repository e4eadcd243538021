package rmp

import (
	"encoding/binary"
	"errors"

	"github.com/opd-ai/kiribi/limits"
)

// Protocol is the datagram tag identifying RMP packets.
const Protocol byte = 3

// Commands received by receiving sessions.
const (
	CmdSYN byte = 1
	CmdDAT byte = 2
	CmdRTM byte = 3
)

// Commands received by transmitting sessions.
const (
	CmdACK byte = 11
	CmdFIN byte = 12
	CmdNAK byte = 13
)

const (
	headerSize = limits.RMPHeaderSize
	ackSize    = 6
	nakSize    = 11
	segSize    = limits.ChunksPerSegment
)

var errShortPacket = errors.New("rmp: short packet")

// seqno computes a sequence number from a segment number and chunk index.
func seqno(segno uint32, index int) uint32 {
	return segno*segSize + uint32(index)
}

// segno computes the segment holding a sequence number.
func segno(seq uint32) uint32 {
	return seq / segSize
}

// index computes the position of a sequence number within its segment.
func index(seq, seg uint32) int {
	return int(seq - seg*segSize)
}

// layout holds the segmentation parameters of one message.
type layout struct {
	length     uint32
	maxSeqs    uint32
	finalChunk int
	maxSegs    uint32
	finalSeg   int
}

// newLayout computes the segmentation of a message of the given length.
// An empty message is sent as a single empty chunk.
func newLayout(length uint32) layout {
	l := layout{length: length}
	if length == 0 {
		l.maxSeqs, l.finalChunk = 1, 0
		l.maxSegs, l.finalSeg = 1, 1
		return l
	}

	rem := length % limits.MaxChunkSize
	l.maxSeqs = length / limits.MaxChunkSize
	l.finalChunk = limits.MaxChunkSize
	if rem > 0 {
		l.maxSeqs++
		l.finalChunk = int(rem)
	}

	rem = l.maxSeqs % segSize
	l.maxSegs = l.maxSeqs / segSize
	l.finalSeg = segSize
	if rem > 0 {
		l.maxSegs++
		l.finalSeg = int(rem)
	}
	return l
}

// chunks returns the number of chunks in segment seg.
func (l layout) chunks(seg uint32) int {
	if seg == l.maxSegs-1 {
		return l.finalSeg
	}
	return segSize
}

// size returns the payload size of chunk seq.
func (l layout) size(seq uint32) int {
	if seq == l.maxSeqs-1 {
		return l.finalChunk
	}
	return limits.MaxChunkSize
}

// offset returns the position of chunk seq within the message.
func (l layout) offset(seq uint32) int {
	return int(seq) * limits.MaxChunkSize
}

func putHeader(dst []byte, id uint32, cmd byte) {
	dst[0] = Protocol
	binary.BigEndian.PutUint32(dst[1:5], id)
	dst[5] = cmd
}

// packControl builds SYN (value is the length) and FIN (value is the segment).
func packControl(id uint32, cmd byte, value uint32) []byte {
	b := make([]byte, headerSize)
	putHeader(b, id, cmd)
	binary.BigEndian.PutUint32(b[6:10], value)
	return b
}

func packACK(id uint32) []byte {
	b := make([]byte, ackSize)
	putHeader(b, id, CmdACK)
	return b
}

func packNAK(id uint32, seg uint32, missing byte) []byte {
	b := make([]byte, nakSize)
	putHeader(b, id, CmdNAK)
	binary.BigEndian.PutUint32(b[6:10], seg)
	b[10] = missing
	return b
}

func packData(id uint32, cmd byte, seq uint32, chunk []byte) []byte {
	b := make([]byte, headerSize+len(chunk))
	putHeader(b, id, cmd)
	binary.BigEndian.PutUint32(b[6:10], seq)
	copy(b[headerSize:], chunk)
	return b
}

// header is the decoded fixed part of an RMP packet.
type header struct {
	id    uint32
	cmd   byte
	value uint32
}

func parseHeader(b []byte) (header, error) {
	if len(b) < ackSize || b[0] != Protocol {
		return header{}, errShortPacket
	}
	h := header{
		id:  binary.BigEndian.Uint32(b[1:5]),
		cmd: b[5],
	}
	if h.cmd != CmdACK {
		if len(b) < headerSize {
			return header{}, errShortPacket
		}
		h.value = binary.BigEndian.Uint32(b[6:10])
	}
	return h, nil
}
