package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// AddressSize is the length in bytes of an Address.
const AddressSize = 20

// ErrInvalidAddressLength is returned when an Address is built from a slice
// that is not exactly AddressSize bytes long.
var ErrInvalidAddressLength = errors.New("invalid address length")

// Address is a stable peer identifier independent of network location.
// It is comparable and can be used as a map key.
type Address [AddressSize]byte

// NullAddress is the zero Address.
var NullAddress Address

// AddressFromBytes copies b into a new Address.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressSize {
		return a, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidAddressLength, len(b), AddressSize)
	}
	copy(a[:], b)
	return a, nil
}

// AddressFromPublicKey derives the Address of a Curve25519 public key.
func AddressFromPublicKey(publicKey [32]byte) Address {
	sum := sha256.Sum256(publicKey[:])
	var a Address
	copy(a[:], sum[:AddressSize])
	return a
}

// ParseAddress decodes the text form produced by Address.String.
func ParseAddress(s string) (Address, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return NullAddress, fmt.Errorf("decode address %q: %w", s, err)
	}
	return AddressFromBytes(b)
}

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressSize)
	copy(b, a[:])
	return b
}

// IsZero reports whether a is the NullAddress.
func (a Address) IsZero() bool {
	return a == NullAddress
}

// String returns the unpadded URL-safe base64 form of the address.
func (a Address) String() string {
	return base64.RawURLEncoding.EncodeToString(a[:])
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
