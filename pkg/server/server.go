// Package server runs one streaming listener: it installs the admission
// authority and flow-control limits into the transport, drives every
// admitted connection through its lifecycle and keeps the connection
// registry in step with it.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prodigysml/TAK-Server/pkg/config"
	"github.com/prodigysml/TAK-Server/pkg/handler"
	"github.com/prodigysml/TAK-Server/pkg/observability"
	"github.com/prodigysml/TAK-Server/pkg/pipeline"
	"github.com/prodigysml/TAK-Server/pkg/registry"
	"github.com/prodigysml/TAK-Server/pkg/router"
	"github.com/prodigysml/TAK-Server/pkg/tlsconf"
	"github.com/prodigysml/TAK-Server/pkg/transport"
)

var (
	ErrAlreadyStarted = errors.New("server: already started")
	ErrStopped        = errors.New("server: stopped")
)

// Deps are the collaborators of a Server. Authority and Registry are shared
// across listeners by the caller.
type Deps struct {
	Transport transport.Transport
	// TLS resolves the listener's security reference. Transports that do
	// not use TLS accept a nil resolver.
	TLS       tlsconf.Resolver
	Authority transport.Admission
	Registry  *registry.Registry
	// Factory defaults to the built-in handler named by the listener.
	Factory handler.Factory
	Metrics *observability.Metrics
	Logger  *zap.Logger
	// NewID defaults to random UUIDs.
	NewID func() string
}

// Server is the lifecycle manager of one listener.
type Server struct {
	cfg       config.Listener
	deps      Deps
	router    *router.Router
	watchdogs *watchdogs
	log       *zap.Logger

	mu       sync.Mutex
	started  bool
	stopping bool
	ln       transport.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	conns    map[string]*connMachine
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New validates the listener and its collaborators.
func New(cfg config.Listener, deps Deps) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server %s: %w", cfg.Name, err)
	}
	if deps.Transport == nil || deps.Authority == nil || deps.Registry == nil {
		return nil, fmt.Errorf("server %s: transport, authority and registry are required", cfg.Name)
	}
	if got := deps.Transport.Kind().String(); got != cfg.Kind {
		return nil, fmt.Errorf("server %s: listener kind %q served by %q transport", cfg.Name, cfg.Kind, got)
	}
	if deps.Factory == nil {
		f, err := handler.ByName(cfg.Handler)
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", cfg.Name, err)
		}
		deps.Factory = f
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	log := observability.Component(deps.Logger, "server").With(zap.String("listener", cfg.Name))
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		watchdogs: newWatchdogs(),
		log:       log,
		conns:     make(map[string]*connMachine),
	}
	s.router = router.New(deps.Registry, deps.Factory, cfg, router.WithMetrics(deps.Metrics), router.WithLogger(log))
	return s, nil
}

// Start binds the listener and serves connections in the background until
// Stop is called or ctx is done. Security and bind failures are returned.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}

	limits := transport.LimitsFor(s.cfg)
	if err := limits.Validate(); err != nil {
		return fmt.Errorf("server %s: %w", s.cfg.Name, err)
	}
	var tlsConf *tls.Config
	if s.deps.TLS != nil {
		c, err := s.deps.TLS.ServerTLS(ctx, s.cfg.Security)
		if err != nil {
			s.log.Error("security resolution failed", zap.Error(err))
			return fmt.Errorf("server %s: %w", s.cfg.Name, err)
		}
		tlsConf = c
	}

	sctx, cancel := context.WithCancel(ctx)
	ln, err := s.deps.Transport.Listen(sctx, s.cfg.Address(), transport.ListenOptions{
		TLS:       tlsConf,
		Limits:    limits,
		Admission: s.deps.Authority,
		Observer:  &admissionStats{listener: s.cfg.Name, m: s.deps.Metrics, log: s.log},
	})
	if err != nil {
		cancel()
		s.log.Error("listen failed", zap.String("address", s.cfg.Address()), zap.Error(err))
		return fmt.Errorf("server %s: %w", s.cfg.Name, err)
	}
	s.started = true
	s.ln, s.ctx, s.cancel = ln, sctx, cancel
	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Info("listening",
		zap.Stringer("addr", ln.Addr()),
		zap.Stringer("transport", s.deps.Transport.Kind()),
		zap.Duration("idle_timeout", limits.IdleTimeout),
		zap.Int("high_water_mark", limits.HighWaterMark))
	return nil
}

// Stop closes the listener and every connection, then waits for their
// goroutines. It is safe to call repeatedly and concurrently; every call
// returns after teardown finished.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		ln, cancel := s.ln, s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if ln != nil {
			if err := ln.Close(); err != nil {
				s.log.Warn("closing listener", zap.Error(err))
			}
		}
		s.watchdogs.CancelAll()
		s.wg.Wait()
		s.log.Info("stopped")
	})
}

// Addr is the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Registry() *registry.Registry { return s.deps.Registry }

// State reports the lifecycle state of a live connection.
func (s *Server) State(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.conns[id]
	if !ok {
		return StateClosed, false
	}
	return m.State(), true
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Warn("accept loop ended", zap.Error(err))
			}
			return
		}
		s.serve(c)
	}
}

func (s *Server) serve(c transport.Conn) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		_ = c.CloseWithError(transport.CodeShutdown, "server stopping")
		return
	}
	m := newConnMachine(s.deps.NewID(), c)
	s.conns[m.id] = m
	s.wg.Add(1)
	s.mu.Unlock()
	go s.run(m)
}

// run drives one connection from surfacing to teardown.
func (s *Server) run(m *connMachine) {
	c := m.conn
	log := s.log.With(zap.String("conn", m.id))
	cctx, ccancel := context.WithCancel(c.Context())
	var pipeDone chan error
	reason := reasonTransportClose

	defer func() {
		if r := recover(); r != nil {
			reason = reasonPanic
			log.Error("connection goroutine panicked", zap.Any("panic", r), zap.Stack("stack"))
			_ = c.CloseWithError(transport.CodeInternal, "internal error")
		}
		ccancel()
		if pipeDone != nil {
			<-pipeDone
		}
		s.teardown(m, reason, log)
		s.wg.Done()
	}()

	_ = m.transition(StateHandshaking)
	select {
	case <-c.HandshakeComplete():
	case <-c.Context().Done():
		reason = reasonHandshake
		log.Debug("handshake failed", zap.NamedError("cause", context.Cause(c.Context())))
		return
	case <-s.ctx.Done():
		reason = reasonShutdown
		_ = c.CloseWithError(transport.CodeShutdown, "server stopping")
		return
	}

	addr := transport.AddrPort(c.RemoteAddr())
	if err := m.transition(StateEstablished); err != nil {
		log.Warn("connection state", zap.Error(err))
		return
	}
	m.since = time.Now()
	s.deps.Registry.Register(m.id, addr)
	m.registered = true
	if mt := s.deps.Metrics; mt != nil {
		mt.ConnectionsAccepted.WithLabelValues(s.cfg.Name).Inc()
		mt.ConnectionsActive.WithLabelValues(s.cfg.Name).Inc()
	}
	log.Info("connection established", zap.Stringer("peer", addr))

	if d := s.cfg.StreamOpenTimeout(); d > 0 {
		s.watchdogs.Arm(m.id, d, func() {
			m.expired.Store(true)
			if mt := s.deps.Metrics; mt != nil {
				mt.WatchdogExpired.WithLabelValues(s.cfg.Name).Inc()
			}
			log.Info("no stream opened in time, closing", zap.Duration("timeout", d))
			_ = c.CloseWithError(transport.CodeStreamTimeout, "no stream opened")
		})
	}

	streams := make(chan transport.Stream)
	go acceptStreams(cctx, c, streams)

	for {
		select {
		case <-s.ctx.Done():
			reason = reasonShutdown
			_ = c.CloseWithError(transport.CodeShutdown, "server stopping")
			return

		case <-c.Context().Done():
			if m.expired.Load() {
				reason = reasonStreamTimeout
			}
			log.Debug("connection closed", zap.NamedError("cause", context.Cause(c.Context())))
			return

		case a := <-c.Migrations():
			to := transport.AddrPort(a)
			if s.deps.Registry.UpdateAddress(m.id, to) {
				log.Info("peer address changed", zap.Stringer("peer", to))
			}

		case st := <-streams:
			if m.State() == StateActive {
				if mt := s.deps.Metrics; mt != nil {
					mt.StreamsRefused.WithLabelValues(s.cfg.Name).Inc()
				}
				log.Debug("refusing additional stream")
				st.Abort(transport.CodeStreamRefused)
				continue
			}
			s.watchdogs.Cancel(m.id)
			if err := m.transition(StateActive); err != nil {
				log.Warn("connection state", zap.Error(err))
				st.Abort(transport.CodeInternal)
				return
			}
			p, err := s.router.Bind(cctx, m.id, st)
			if err != nil {
				reason = reasonBindFailed
				log.Warn("binding stream failed", zap.Error(err))
				st.Abort(transport.CodeInternal)
				_ = c.CloseWithError(transport.CodeInternal, "stream binding failed")
				return
			}
			pipeDone = make(chan error, 1)
			go runPipeline(cctx, p, pipeDone)

		case err := <-pipeDone:
			pipeDone = nil
			reason = reasonStreamEnded
			code := transport.CodeNoError
			if err != nil && !errors.Is(err, context.Canceled) {
				code = transport.CodeInternal
				log.Debug("stream ended with error", zap.Error(err))
			}
			_ = c.CloseWithError(code, "stream ended")
			return
		}
	}
}

func (s *Server) teardown(m *connMachine, reason string, log *zap.Logger) {
	s.watchdogs.Cancel(m.id)
	_ = m.transition(StateClosed)
	_ = m.conn.CloseWithError(transport.CodeNoError, "")
	if m.registered {
		s.deps.Registry.Remove(m.id)
	}
	if mt := s.deps.Metrics; mt != nil {
		if m.registered {
			mt.ConnectionsActive.WithLabelValues(s.cfg.Name).Dec()
			mt.ConnectionDuration.WithLabelValues(s.cfg.Name).Observe(time.Since(m.since).Seconds())
		}
		mt.ConnectionsClosed.WithLabelValues(s.cfg.Name, reason).Inc()
	}
	s.mu.Lock()
	delete(s.conns, m.id)
	s.mu.Unlock()
	log.Debug("connection torn down", zap.String("reason", reason))
}

// acceptStreams forwards every stream the peer opens until ctx is done.
func acceptStreams(ctx context.Context, c transport.Conn, out chan<- transport.Stream) {
	for {
		st, err := c.AcceptStream(ctx)
		if err != nil {
			return
		}
		select {
		case out <- st:
		case <-ctx.Done():
			st.Abort(transport.CodeShutdown)
			return
		}
	}
}

func runPipeline(ctx context.Context, p *pipeline.Pipeline, done chan<- error) {
	defer func() {
		if r := recover(); r != nil {
			done <- fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	done <- p.Run(ctx)
}

// admissionStats counts admission outcomes of one listener.
type admissionStats struct {
	listener string
	m        *observability.Metrics
	log      *zap.Logger
}

func (a *admissionStats) RetrySent(addr net.Addr) {
	if a.m != nil {
		a.m.TokensMinted.WithLabelValues(a.listener).Inc()
	}
}

func (a *admissionStats) TokenRejected(addr net.Addr) {
	if a.m != nil {
		a.m.TokensRejected.WithLabelValues(a.listener).Inc()
	}
	a.log.Debug("retry token rejected", zap.Stringer("from", transport.AddrPort(addr)))
}
