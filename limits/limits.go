package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPacketSize is the largest datagram the stack emits (one Ethernet MTU
	// minus IPv4 and UDP headers), so RMP traffic never relies on IP fragmentation.
	MaxPacketSize = 1472

	// RMPHeaderSize is tag(1) + session id(4) + command(1) + sequence(4).
	RMPHeaderSize = 10

	// MaxChunkSize is the RMP payload carried by a single DAT/RTM packet.
	MaxChunkSize = MaxPacketSize - RMPHeaderSize

	// ChunksPerSegment is the RMP window: the number of chunks acknowledged by one FIN.
	ChunksPerSegment = 8

	// NoiseOverhead is the Poly1305 tag added to every Noise transport message.
	NoiseOverhead = 16

	// MaxNoiseMessage is the flynn/noise transport message limit.
	MaxNoiseMessage = 65535

	// MaxSecureMessage is the largest plaintext a Secure Endpoint accepts for one
	// Write: the Noise limit minus the tag and the leading control flag byte.
	MaxSecureMessage = MaxNoiseMessage - NoiseOverhead - 1

	// MaxFrameSize bounds length-prefixed frames read from stream transports.
	MaxFrameSize = MaxNoiseMessage + 1

	// MaxRMPMessage bounds a message length announced in an RMP SYN.
	// Larger announcements are treated as malformed.
	MaxRMPMessage = 16 * 1024 * 1024
)

var (
	// ErrEmptyPacket indicates an empty packet was provided
	ErrEmptyPacket = errors.New("empty packet")

	// ErrPacketTooLarge indicates a datagram exceeds MaxPacketSize
	ErrPacketTooLarge = errors.New("packet too large")

	// ErrMessageTooLarge indicates a message exceeds the limit of the layer carrying it
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidatePacket checks a datagram against MaxPacketSize.
func ValidatePacket(packet []byte) error {
	if len(packet) == 0 {
		return ErrEmptyPacket
	}
	if len(packet) > MaxPacketSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPacketTooLarge, len(packet), MaxPacketSize)
	}
	return nil
}

// ValidateSecureMessage checks a plaintext against MaxSecureMessage.
// Empty messages are allowed: a service may legitimately write zero bytes.
func ValidateSecureMessage(message []byte) error {
	if len(message) > MaxSecureMessage {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), MaxSecureMessage)
	}
	return nil
}

// ValidateRMPMessage checks an outgoing RMP message against MaxRMPMessage.
func ValidateRMPMessage(message []byte) error {
	if len(message) > MaxRMPMessage {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), MaxRMPMessage)
	}
	return nil
}

// ValidateRMPLength checks a message length announced by a remote SYN.
func ValidateRMPLength(length uint32) error {
	if length > MaxRMPMessage {
		return fmt.Errorf("%w: announced length %d exceeds limit %d", ErrMessageTooLarge, length, MaxRMPMessage)
	}
	return nil
}
