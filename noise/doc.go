// Package noise provides the authenticated key exchange used by Secure Endpoints.
//
// The exchange is the Noise XX pattern (Curve25519, ChaCha20-Poly1305, SHA-256)
// run over any [FrameStream]. XX transmits both static keys encrypted, so neither
// side needs to know the other's key in advance; the responder learns the
// initiator's identity during the handshake and callers may compare the
// authenticated remote key against the Address they meant to reach.
package noise
