// Package crypto implements the identity primitives of the kiribi transport.
//
// A node is identified by an [Address]: the first 20 bytes of the SHA-256 hash
// of its Curve25519 public key. The same [KeyPair] is used as the static key of
// the Noise handshake, so an authenticated peer key always maps back to the
// Address that was dialled.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Address:", keys.Address())
package crypto
