package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// ErrZeroKey is returned when a secret key consisting only of zero bytes is supplied.
var ErrZeroKey = errors.New("invalid secret key: all zeros")

// KeyPair is a Curve25519 key pair. It is used as the static key of the
// Noise handshake and determines the node Address.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	kp := &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}

	logrus.WithFields(logrus.Fields{
		"function": "GenerateKeyPair",
		"address":  kp.Address().String(),
	}).Debug("Generated key pair")

	return kp, nil
}

// FromSecretKey rebuilds a key pair from a stored private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, ErrZeroKey
	}

	pub, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Address returns the Address derived from the public key.
func (kp *KeyPair) Address() Address {
	return AddressFromPublicKey(kp.Public)
}

func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
