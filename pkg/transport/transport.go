package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/netip"
)

// Kind identifies the transport implementation.
type Kind int

const (
	KindUnknown Kind = iota
	KindQUIC
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindQUIC:
		return "quic"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// ErrorCode is an application error code sent when closing a connection or
// aborting a stream.
type ErrorCode uint64

const (
	CodeNoError       ErrorCode = 0x0
	CodeInternal      ErrorCode = 0x101
	CodeStreamTimeout ErrorCode = 0x102
	CodeShutdown      ErrorCode = 0x103
	CodeStreamRefused ErrorCode = 0x104
)

// Admission mints and verifies the stateless retry tokens that gate
// connection allocation.
type Admission interface {
	Mint(addr net.Addr) ([]byte, error)
	Verify(token []byte, addr net.Addr) bool
	MaxTokenLength() int
}

// KeyDeriver is implemented by admissions that can key a transport's own
// token machinery.
type KeyDeriver interface {
	DeriveKey(label string) [32]byte
}

// AdmissionObserver receives admission outcomes. Calls happen on transport
// goroutines and must not block.
type AdmissionObserver interface {
	RetrySent(addr net.Addr)
	TokenRejected(addr net.Addr)
}

// ListenOptions carries everything a transport installs on a listener.
type ListenOptions struct {
	TLS       *tls.Config
	Limits    Limits
	Admission Admission
	Observer  AdmissionObserver
}

// Stream is the application stream of a connection.
type Stream interface {
	io.Reader
	io.Writer
	// Close ends the write direction; buffered reads stay available.
	Close() error
	// Abort resets both directions.
	Abort(code ErrorCode)
}

// Conn is a connection that passed admission. It may still be handshaking.
type Conn interface {
	RemoteAddr() net.Addr
	// HandshakeComplete is closed once the handshake finished.
	HandshakeComplete() <-chan struct{}
	// AcceptStream waits for the peer to open its stream.
	AcceptStream(ctx context.Context) (Stream, error)
	// Migrations delivers new peer addresses. Nil when unsupported.
	Migrations() <-chan net.Addr
	// Context is done when the connection is torn down for any reason.
	Context() context.Context
	CloseWithError(code ErrorCode, reason string) error
}

// Listener accepts admitted connections.
type Listener interface {
	// Accept blocks until a connection is available or ctx is done.
	Accept(ctx context.Context) (Conn, error)
	// Addr returns the local listening address.
	Addr() net.Addr
	// Close stops the listener and unblocks Accept.
	Close() error
}

// Transport listens for a specific link kind.
type Transport interface {
	Kind() Kind
	Listen(ctx context.Context, address string, opts ListenOptions) (Listener, error)
}

// AddrPort converts a transport address to netip form. The zero value is
// returned for addresses without IP and port.
func AddrPort(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case nil:
		return netip.AddrPort{}
	case *net.UDPAddr:
		if a == nil {
			return netip.AddrPort{}
		}
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}
		}
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
}
