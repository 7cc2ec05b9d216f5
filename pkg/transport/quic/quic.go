// Package quic binds the transport surface to quic-go. Every listener owns
// one UDP socket and one quic.Transport. Source-address validation is always
// on: quic-go answers the first Initial of an address with a Retry and only
// creates connection state once the client echoes a valid token. The token
// protector and stateless-reset keys are derived from the admission
// authority's secret.
package quic

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/prodigysml/TAK-Server/pkg/transport"
)

const (
	retryKeyLabel = "quic retry token"
	resetKeyLabel = "quic stateless reset"
)

// Transport implements transport.Transport with quic-go.
type Transport struct {
	log *zap.Logger
}

// New returns a QUIC transport logging to log (zap.L() when nil).
func New(log *zap.Logger) *Transport {
	if log == nil {
		log = zap.L()
	}
	return &Transport{log: log.Named("quic")}
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

// Listen binds a UDP socket on address and starts a QUIC listener on it.
func (t *Transport) Listen(ctx context.Context, address string, opts transport.ListenOptions) (transport.Listener, error) {
	if opts.TLS == nil {
		return nil, errors.New("quic: listen requires a TLS config")
	}
	if opts.Admission == nil {
		return nil, errors.New("quic: listen requires an admission authority")
	}
	if err := opts.Limits.Validate(); err != nil {
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("quic: resolve %s: %w", address, err)
	}
	pc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("quic: bind %s: %w", address, err)
	}

	qt := &quicgo.Transport{
		Conn: pc,
		// Every address without a valid token gets a Retry first.
		VerifySourceAddress: func(addr net.Addr) bool {
			if opts.Observer != nil {
				opts.Observer.RetrySent(addr)
			}
			return true
		},
	}
	if kd, ok := opts.Admission.(transport.KeyDeriver); ok {
		tk := quicgo.TokenGeneratorKey(kd.DeriveKey(retryKeyLabel))
		rk := quicgo.StatelessResetKey(kd.DeriveKey(resetKeyLabel))
		qt.TokenGeneratorKey = &tk
		qt.StatelessResetKey = &rk
	}

	ln, err := qt.ListenEarly(opts.TLS, Config(opts.Limits))
	if err != nil {
		_ = qt.Close()
		_ = pc.Close()
		return nil, fmt.Errorf("quic: listen %s: %w", address, err)
	}
	l := &listener{ln: ln, qt: qt, pc: pc, log: t.log}
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	return l, nil
}

// Config maps listener limits onto quic-go. The high-water mark is both the
// initial and the maximum receive window, so auto-tuning never grows the
// buffered-unread budget past it.
func Config(l transport.Limits) *quicgo.Config {
	hwm := uint64(l.HighWaterMark)
	uni := int64(l.MaxUniStreams)
	if uni == 0 {
		// quic-go reads 0 as "default"; negative disables the stream type
		uni = -1
	}
	return &quicgo.Config{
		MaxIdleTimeout:                 l.IdleTimeout,
		InitialStreamReceiveWindow:     hwm,
		MaxStreamReceiveWindow:         hwm,
		InitialConnectionReceiveWindow: hwm,
		MaxConnectionReceiveWindow:     hwm,
		MaxIncomingStreams:             int64(l.MaxBidiStreams),
		MaxIncomingUniStreams:          uni,
	}
}

// ---- Listener ----

type listener struct {
	ln  *quicgo.EarlyListener
	qt  *quicgo.Transport
	pc  net.PacketConn
	log *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func (l *listener) Addr() net.Addr { return l.ln.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	c, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &conn{c: c}, nil
}

// Close stops accepting, closes every connection of the listener and
// releases the socket.
func (l *listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = errors.Join(l.ln.Close(), l.qt.Close(), l.pc.Close())
		if errors.Is(l.closeErr, net.ErrClosed) {
			l.closeErr = nil
		}
		l.log.Debug("listener closed", zap.Stringer("addr", l.pc.LocalAddr()), zap.Error(l.closeErr))
	})
	return l.closeErr
}

// ---- Conn / Stream ----

type conn struct {
	c *quicgo.Conn
}

func (c *conn) RemoteAddr() net.Addr               { return c.c.RemoteAddr() }
func (c *conn) HandshakeComplete() <-chan struct{} { return c.c.HandshakeComplete() }
func (c *conn) Context() context.Context           { return c.c.Context() }
func (c *conn) Migrations() <-chan net.Addr        { return nil }

func (c *conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.c.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &stream{s: s}, nil
}

func (c *conn) CloseWithError(code transport.ErrorCode, reason string) error {
	return c.c.CloseWithError(quicgo.ApplicationErrorCode(code), reason)
}

type stream struct {
	s *quicgo.Stream
}

func (s *stream) Read(p []byte) (int, error)  { return s.s.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.s.Write(p) }
func (s *stream) Close() error                { return s.s.Close() }

func (s *stream) Abort(code transport.ErrorCode) {
	s.s.CancelRead(quicgo.StreamErrorCode(code))
	s.s.CancelWrite(quicgo.StreamErrorCode(code))
}
