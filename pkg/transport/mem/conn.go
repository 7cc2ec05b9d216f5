package mem

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/prodigysml/TAK-Server/pkg/transport"
)

// pair is the state shared by both ends of a connection.
type pair struct {
	limits transport.Limits
	ctx    context.Context
	cancel context.CancelCauseFunc

	hsDone chan struct{}
	hsOnce sync.Once

	streams    chan *stream
	migrations chan net.Addr
	idle       *time.Timer

	mu      sync.Mutex
	remote  net.Addr
	opened  int
	live    []*stream
	closing bool
}

func newPair(l *listener, from net.Addr) *pair {
	ctx, cancel := context.WithCancelCause(context.Background())
	p := &pair{
		limits:     l.opts.Limits,
		ctx:        ctx,
		cancel:     cancel,
		hsDone:     make(chan struct{}),
		streams:    make(chan *stream, l.opts.Limits.MaxBidiStreams),
		migrations: make(chan net.Addr, 1),
		remote:     from,
	}
	p.idle = time.AfterFunc(p.limits.IdleTimeout, func() { p.close(ErrIdleTimeout) })
	return p
}

func (p *pair) touch() { p.idle.Reset(p.limits.IdleTimeout) }

func (p *pair) finishHandshake() {
	p.hsOnce.Do(func() { close(p.hsDone) })
}

func (p *pair) close(cause error) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	p.closing = true
	live := p.live
	p.live = nil
	p.mu.Unlock()

	p.idle.Stop()
	p.cancel(cause)
	for _, s := range live {
		s.in.abort(cause)
		s.peer.in.abort(cause)
	}
}

func (p *pair) remoteAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *pair) openStream() (*stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return nil, context.Cause(p.ctx)
	}
	if p.opened >= p.limits.MaxBidiStreams {
		return nil, ErrStreamLimit
	}
	p.opened++
	c2s := newFlowBuffer(p.limits.HighWaterMark)
	s2c := newFlowBuffer(p.limits.HighWaterMark)
	cli := &stream{p: p, in: s2c, out: c2s}
	srv := &stream{p: p, in: c2s, out: s2c}
	cli.peer, srv.peer = srv, cli
	p.live = append(p.live, cli)
	p.streams <- srv
	p.touch()
	return cli, nil
}

// ---- Server side ----

type serverConn struct {
	p *pair
}

func (c *serverConn) RemoteAddr() net.Addr               { return c.p.remoteAddr() }
func (c *serverConn) HandshakeComplete() <-chan struct{} { return c.p.hsDone }
func (c *serverConn) Migrations() <-chan net.Addr        { return c.p.migrations }
func (c *serverConn) Context() context.Context           { return c.p.ctx }

func (c *serverConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.p.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.p.ctx.Done():
		return nil, context.Cause(c.p.ctx)
	}
}

func (c *serverConn) CloseWithError(code transport.ErrorCode, reason string) error {
	c.p.close(&CloseError{Code: code, Reason: reason})
	return nil
}

// ---- Client side ----

// ClientConn is the dialing end of a mem connection.
type ClientConn struct {
	p *pair
}

// FinishHandshake completes a handshake held by WithHeldHandshake.
func (c *ClientConn) FinishHandshake() { c.p.finishHandshake() }

// OpenStream opens the connection's bidirectional stream once the handshake
// is complete. Streams beyond the listener's limit fail with ErrStreamLimit.
func (c *ClientConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	select {
	case <-c.p.hsDone:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.p.ctx.Done():
		return nil, context.Cause(c.p.ctx)
	}
	return c.p.openStream()
}

// Migrate moves the connection to a new source address and reports it to
// the listener side.
func (c *ClientConn) Migrate(ctx context.Context, to net.Addr) error {
	c.p.mu.Lock()
	c.p.remote = to
	c.p.mu.Unlock()
	select {
	case c.p.migrations <- to:
		c.p.touch()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.p.ctx.Done():
		return context.Cause(c.p.ctx)
	}
}

// Context is done when the connection is closed by either side.
func (c *ClientConn) Context() context.Context { return c.p.ctx }

func (c *ClientConn) CloseWithError(code transport.ErrorCode, reason string) error {
	c.p.close(&CloseError{Code: code, Reason: reason})
	return nil
}

func (c *ClientConn) Close() error { return c.CloseWithError(transport.CodeNoError, "") }

// ---- Stream ----

type stream struct {
	p    *pair
	in   *flowBuffer
	out  *flowBuffer
	peer *stream
}

func (s *stream) Read(b []byte) (int, error) {
	n, err := s.in.Read(b)
	if n > 0 {
		s.p.touch()
	}
	return n, err
}

func (s *stream) Write(b []byte) (int, error) {
	n, err := s.out.Write(b)
	if n > 0 {
		s.p.touch()
	}
	return n, err
}

func (s *stream) Close() error {
	s.out.closeWrite()
	return nil
}

func (s *stream) Abort(code transport.ErrorCode) {
	err := &CloseError{Code: code, Reason: "stream aborted"}
	s.in.abort(err)
	s.out.abort(err)
}
