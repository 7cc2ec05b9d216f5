// Package transport defines the surface the connection lifecycle manager
// drives: a Transport listens with an admission authority and flow-control
// limits installed, a Listener surfaces connections only after the peer
// proved its source address, and a Conn delivers its single application
// stream.
//
// Implementations:
//   - quic: quic-go over one UDP socket; quic-go performs the Retry exchange
//     keyed from the admission authority.
//   - mem: in-process connections that run the retry exchange literally
//     through Admission.Mint/Verify. Used by tests and local tooling.
package transport
