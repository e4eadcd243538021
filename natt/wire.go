package natt

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/opd-ai/kiribi/codec"
	"github.com/opd-ai/kiribi/crypto"
)

// Protocol is the datagram tag identifying NATT packets.
const Protocol byte = 1

// DefaultServerPort is the well-known port of the rendezvous server.
const DefaultServerPort = 6732

// Commands.
const (
	CmdREG byte = 1 // register - Address
	CmdCON byte = 2 // connection request - Address
	CmdTUN byte = 3 // tunnel request - remote socket address
	CmdADR byte = 4 // register response - observed socket address
	CmdADC byte = 5 // connection response - remote socket address
	CmdERR byte = 7 // connection target not registered
)

const (
	offID     = 1
	offCmd    = 9
	offData   = 10
	probeSize = 9
	packetLen = offData + 20
)

var errMalformed = errors.New("natt: malformed packet")

// Key identifies one hole punching negotiation.
type Key struct {
	Addr netip.AddrPort
	ID   uint64
}

func newPacket(id uint64, cmd byte) []byte {
	b := make([]byte, packetLen)
	b[0] = Protocol
	binary.BigEndian.PutUint64(b[offID:offCmd], id)
	b[offCmd] = cmd
	return b
}

func addressPacket(id uint64, cmd byte, a crypto.Address) []byte {
	b := newPacket(id, cmd)
	copy(b[offData:], a[:])
	return b
}

func socketPacket(id uint64, cmd byte, ap netip.AddrPort) ([]byte, error) {
	b := newPacket(id, cmd)
	if err := codec.PutSocketAddress(b[offData:], ap); err != nil {
		return nil, err
	}
	return b, nil
}

func probePacket(id uint64) []byte {
	b := make([]byte, probeSize)
	b[0] = Protocol
	binary.BigEndian.PutUint64(b[offID:offCmd], id)
	return b
}

func packetID(b []byte) uint64 {
	return binary.BigEndian.Uint64(b[offID:offCmd])
}

func packetAddress(b []byte) (crypto.Address, error) {
	if len(b) < packetLen {
		return crypto.NullAddress, errMalformed
	}
	return crypto.AddressFromBytes(b[offData:packetLen])
}

func packetSocket(b []byte) (netip.AddrPort, error) {
	if len(b) < packetLen {
		return netip.AddrPort{}, errMalformed
	}
	return codec.SocketAddress(b[offData:packetLen])
}
