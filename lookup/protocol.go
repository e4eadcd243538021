// Package lookup implements the lookup directory: a TCP service mapping
// Addresses to the socket addresses their owners listen on.
//
// Every exchange is one request and one response over a fresh secure
// endpoint. The server only lets a caller register or unregister its own,
// authenticated Address.
package lookup

import (
	"errors"
	"net/netip"

	"github.com/opd-ai/kiribi/codec"
	"github.com/opd-ai/kiribi/crypto"
)

// DefaultServerPort is the TCP port a lookup server listens on.
const DefaultServerPort = 6734

// Commands.
const (
	CmdRegister   byte = 1
	CmdUnregister byte = 2
	CmdLookup     byte = 3
)

// Response codes.
const (
	RespAck     byte = 10
	RespUnknown byte = 11
	RespError   byte = 12
)

var (
	// ErrUnknown is returned by Lookup when the Address is not registered.
	ErrUnknown = errors.New("lookup: address unknown")
	// ErrRejected is returned when the server answered with an error.
	ErrRejected = errors.New("lookup: request rejected")

	errBadCommand = errors.New("lookup: unknown command")
)

type request struct {
	cmd     byte
	address crypto.Address
	port    uint16
}

func (r *request) Encode(w *codec.Writer) {
	w.PutByte(r.cmd).PutAddress(r.address)
	if r.cmd == CmdRegister {
		w.PutUvarint(uint64(r.port))
	}
}

func (r *request) Decode(rd *codec.Reader) error {
	var err error
	if r.cmd, err = rd.Byte(); err != nil {
		return err
	}
	switch r.cmd {
	case CmdRegister, CmdUnregister, CmdLookup:
	default:
		return errBadCommand
	}
	if r.address, err = rd.Address(); err != nil {
		return err
	}
	if r.cmd == CmdRegister {
		port, err := rd.Uvarint()
		if err != nil {
			return err
		}
		if port == 0 || port > 0xffff {
			return errors.New("lookup: invalid port")
		}
		r.port = uint16(port)
	}
	return nil
}

type response struct {
	code   byte
	socket netip.AddrPort
	msg    string
}

func (r *response) Encode(w *codec.Writer) {
	w.PutByte(r.code)
	switch r.code {
	case RespAck:
		if r.socket.IsValid() {
			w.PutSocketAddress(r.socket)
		}
	case RespError:
		w.PutString(r.msg)
	}
}

func (r *response) Decode(rd *codec.Reader) error {
	var err error
	if r.code, err = rd.Byte(); err != nil {
		return err
	}
	switch r.code {
	case RespAck:
		if rd.Remaining() > 0 {
			r.socket, err = rd.SocketAddress()
		}
	case RespError:
		r.msg, err = rd.Text()
	}
	return err
}
