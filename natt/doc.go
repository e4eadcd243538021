// Package natt implements UDP hole punching through a rendezvous server.
//
// A node registers its Address with the server (REG), which answers with the
// externally observed socket address (ADR). To reach a peer, a node asks the
// server (CON); the server answers with the peer's translated socket address
// (ADC) or ERR if the peer is unknown, and at the same time notifies the peer
// (TUN) with the requester's address. Both sides then probe each other
// directly until a probe from the other side arrives, opening the NAT mapping
// in both directions.
//
//	tag(1) | id(8) | command(1) | Address(20) or socket address(20)
//
// Probes are the first nine bytes alone.
package natt
