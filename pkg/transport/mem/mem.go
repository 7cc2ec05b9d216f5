// Package mem is an in-process transport with the admission and flow-control
// behaviour of the QUIC listener. A dial without a token is answered with a
// retry token minted by the listener's admission; the client echoes it and
// the listener verifies it before any connection state exists. Stream buffers
// block writers at the listener's high-water mark.
package mem

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/prodigysml/TAK-Server/pkg/transport"
)

var (
	ErrNoListener   = errors.New("mem: no such listener")
	ErrInvalidToken = errors.New("mem: invalid retry token")
	ErrStreamLimit  = errors.New("mem: stream limit reached")
	ErrClosed       = errors.New("mem: closed")
	ErrIdleTimeout  = errors.New("mem: idle timeout")
)

// CloseError is reported by connections and streams closed or aborted with
// an application error code.
type CloseError struct {
	Code   transport.ErrorCode
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("mem: closed with code %#x", uint64(e.Code))
	}
	return fmt.Sprintf("mem: closed with code %#x: %s", uint64(e.Code), e.Reason)
}

// Transport hosts named in-process listeners.
type Transport struct {
	log       *zap.Logger
	mu        sync.Mutex
	listeners map[string]*listener
}

func New(log *zap.Logger) *Transport {
	if log == nil {
		log = zap.L()
	}
	return &Transport{log: log.Named("mem"), listeners: make(map[string]*listener)}
}

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

// Listen registers a listener under name. TLS is not used.
func (t *Transport) Listen(ctx context.Context, name string, opts transport.ListenOptions) (transport.Listener, error) {
	if opts.Admission == nil {
		return nil, errors.New("mem: listen requires an admission authority")
	}
	if err := opts.Limits.Validate(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[name]; ok {
		return nil, fmt.Errorf("mem: listener %q already exists", name)
	}
	l := &listener{
		t:      t,
		name:   name,
		opts:   opts,
		newCh:  make(chan *serverConn, 16),
		closed: make(chan struct{}),
		conns:  make(map[*pair]struct{}),
	}
	t.listeners[name] = l
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.closed:
		}
	}()
	return l, nil
}

func (t *Transport) lookup(name string) (*listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.listeners[name]
	if l == nil {
		return nil, ErrNoListener
	}
	return l, nil
}

// Retry sends a token-less initial from addr and returns the retry token
// the listener answers with.
func (t *Transport) Retry(_ context.Context, name string, from net.Addr) ([]byte, error) {
	l, err := t.lookup(name)
	if err != nil {
		return nil, err
	}
	return l.retry(from)
}

type dialOptions struct {
	token []byte
	held  bool
}

// DialOption configures Dial.
type DialOption func(*dialOptions)

// WithToken presents tok in the initial instead of asking for a retry.
func WithToken(tok []byte) DialOption {
	return func(o *dialOptions) { o.token = tok }
}

// WithHeldHandshake surfaces the connection to the listener but leaves the
// handshake incomplete until ClientConn.FinishHandshake.
func WithHeldHandshake() DialOption {
	return func(o *dialOptions) { o.held = true }
}

// Dial connects to the listener name from the source address from. Without
// WithToken it first performs the retry exchange.
func (t *Transport) Dial(ctx context.Context, name string, from net.Addr, opts ...DialOption) (*ClientConn, error) {
	var o dialOptions
	for _, fn := range opts {
		fn(&o)
	}
	l, err := t.lookup(name)
	if err != nil {
		return nil, err
	}
	tok := o.token
	if tok == nil {
		if tok, err = l.retry(from); err != nil {
			return nil, err
		}
	}
	if !l.admit(tok, from) {
		return nil, ErrInvalidToken
	}

	p := newPair(l, from)
	if !o.held {
		p.finishHandshake()
	}
	if err := l.enqueue(ctx, &serverConn{p: p}); err != nil {
		p.close(err)
		return nil, err
	}
	return &ClientConn{p: p}, nil
}

// ---- Listener ----

type listener struct {
	t      *Transport
	name   string
	opts   transport.ListenOptions
	newCh  chan *serverConn
	closed chan struct{}
	once   sync.Once

	mu    sync.Mutex
	conns map[*pair]struct{}
}

func (l *listener) Addr() net.Addr { return Addr(l.name) }

func (l *listener) retry(from net.Addr) ([]byte, error) {
	select {
	case <-l.closed:
		return nil, ErrClosed
	default:
	}
	tok, err := l.opts.Admission.Mint(from)
	if err != nil {
		return nil, fmt.Errorf("mem: cannot issue retry: %w", err)
	}
	if l.opts.Observer != nil {
		l.opts.Observer.RetrySent(from)
	}
	return tok, nil
}

func (l *listener) admit(tok []byte, from net.Addr) bool {
	if l.opts.Admission.Verify(tok, from) {
		return true
	}
	if l.opts.Observer != nil {
		l.opts.Observer.TokenRejected(from)
	}
	l.t.log.Debug("initial dropped", zap.String("listener", l.name), zap.Stringer("from", transport.AddrPort(from)))
	return false
}

func (l *listener) enqueue(ctx context.Context, c *serverConn) error {
	l.mu.Lock()
	select {
	case <-l.closed:
		l.mu.Unlock()
		return ErrClosed
	default:
	}
	l.conns[c.p] = struct{}{}
	l.mu.Unlock()
	go func() {
		<-c.p.ctx.Done()
		l.mu.Lock()
		delete(l.conns, c.p)
		l.mu.Unlock()
	}()

	select {
	case l.newCh <- c:
		return nil
	case <-l.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ErrClosed
	case c := <-l.newCh:
		return c, nil
	}
}

// Close unregisters the listener and closes every connection it accepted.
func (l *listener) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		close(l.closed)
		conns := make([]*pair, 0, len(l.conns))
		for p := range l.conns {
			conns = append(conns, p)
		}
		l.mu.Unlock()
		for _, p := range conns {
			p.close(&CloseError{Code: transport.CodeNoError, Reason: "listener closed"})
		}
		l.t.mu.Lock()
		if l.t.listeners[l.name] == l {
			delete(l.t.listeners, l.name)
		}
		l.t.mu.Unlock()
	})
	return nil
}

// Addr is the address of a mem listener.
type Addr string

func (a Addr) Network() string { return "mem" }
func (a Addr) String() string  { return string(a) }
