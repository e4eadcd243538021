package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// SocketAddressSize is the encoded size of a socket address.
const SocketAddressSize = 20

// ErrInvalidSocketAddress is returned for malformed or unsupported socket addresses.
var ErrInvalidSocketAddress = errors.New("invalid socket address")

// Normalize unmaps IPv4-in-IPv6 addresses so equal endpoints compare equal.
func Normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// FromNetAddr converts a *net.UDPAddr or *net.TCPAddr to a normalized AddrPort.
func FromNetAddr(addr net.Addr) (netip.AddrPort, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return Normalize(a.AddrPort()), nil
	case *net.TCPAddr:
		return Normalize(a.AddrPort()), nil
	case nil:
		return netip.AddrPort{}, fmt.Errorf("%w: nil address", ErrInvalidSocketAddress)
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrInvalidSocketAddress, err)
		}
		return Normalize(ap), nil
	}
}

// PutSocketAddress writes the 20-byte form of ap into dst.
// IPv4 addresses are written as ff ff followed by the four address bytes and
// ten zero bytes; IPv6 addresses are written verbatim. The port follows as a
// 4-byte big-endian integer.
func PutSocketAddress(dst []byte, ap netip.AddrPort) error {
	if len(dst) < SocketAddressSize {
		return fmt.Errorf("%w: buffer of %d bytes", ErrShortBuffer, len(dst))
	}
	if !ap.IsValid() {
		return fmt.Errorf("%w: %v", ErrInvalidSocketAddress, ap)
	}

	addr := ap.Addr().Unmap()
	clear(dst[:16])
	if addr.Is4() {
		ip := addr.As4()
		dst[0], dst[1] = 0xff, 0xff
		copy(dst[2:6], ip[:])
	} else {
		ip := addr.As16()
		copy(dst[:16], ip[:])
	}
	binary.BigEndian.PutUint32(dst[16:20], uint32(ap.Port()))
	return nil
}

// AppendSocketAddress appends the 20-byte form of ap to dst.
func AppendSocketAddress(dst []byte, ap netip.AddrPort) ([]byte, error) {
	var b [SocketAddressSize]byte
	if err := PutSocketAddress(b[:], ap); err != nil {
		return dst, err
	}
	return append(dst, b[:]...), nil
}

// SocketAddress decodes the 20-byte form written by PutSocketAddress.
func SocketAddress(b []byte) (netip.AddrPort, error) {
	if len(b) < SocketAddressSize {
		return netip.AddrPort{}, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, SocketAddressSize, len(b))
	}

	port := binary.BigEndian.Uint32(b[16:20])
	if port > 0xffff {
		return netip.AddrPort{}, fmt.Errorf("%w: port %d", ErrInvalidSocketAddress, port)
	}

	var addr netip.Addr
	if b[0] == 0xff && b[1] == 0xff {
		addr = netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]})
	} else {
		addr = netip.AddrFrom16([16]byte(b[:16])).Unmap()
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}

func (w *Writer) PutSocketAddress(ap netip.AddrPort) *Writer {
	var b [SocketAddressSize]byte
	// Invalid addresses encode as all zeros.
	_ = PutSocketAddress(b[:], ap)
	return w.PutRaw(b[:])
}

func (r *Reader) SocketAddress() (netip.AddrPort, error) {
	b, err := r.take(SocketAddressSize)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return SocketAddress(b)
}
