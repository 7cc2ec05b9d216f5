// Package router binds the first application stream of a connection to a
// freshly built handler and records the binding in the registry.
package router

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/prodigysml/TAK-Server/pkg/config"
	"github.com/prodigysml/TAK-Server/pkg/handler"
	"github.com/prodigysml/TAK-Server/pkg/observability"
	"github.com/prodigysml/TAK-Server/pkg/pipeline"
	"github.com/prodigysml/TAK-Server/pkg/registry"
	"github.com/prodigysml/TAK-Server/pkg/transport"
)

// Router builds pipelines for one listener.
type Router struct {
	reg      *registry.Registry
	factory  handler.Factory
	listener config.Listener
	metrics  *observability.Metrics
	log      *zap.Logger
}

type Option func(*Router)

func WithMetrics(m *observability.Metrics) Option { return func(r *Router) { r.metrics = m } }
func WithLogger(l *zap.Logger) Option             { return func(r *Router) { r.log = l } }

func New(reg *registry.Registry, factory handler.Factory, l config.Listener, opts ...Option) *Router {
	r := &Router{reg: reg, factory: factory, listener: l}
	for _, o := range opts {
		o(r)
	}
	r.log = observability.Component(r.log, "router")
	return r
}

// Bind attaches a new handler to connection id and returns the pipeline
// that drives stream through it. The connection must be registered and not
// yet bound.
func (r *Router) Bind(ctx context.Context, id string, s transport.Stream) (*pipeline.Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := r.factory(r.listener, r.reg, id)
	if h == nil {
		return nil, fmt.Errorf("router: factory built no handler for %s", id)
	}
	if err := r.reg.Attach(id, h); err != nil {
		return nil, fmt.Errorf("router: bind %s: %w", id, err)
	}
	opts := []pipeline.Option{
		pipeline.WithReadSize(r.listener.ReadSize),
		pipeline.WithLogger(r.log),
	}
	if r.metrics != nil {
		r.metrics.StreamsBound.WithLabelValues(r.listener.Name).Inc()
		opts = append(opts, pipeline.WithStats(newStats(r.metrics, r.listener.Name)))
	}
	r.log.Debug("stream bound", zap.String("conn", id))
	return pipeline.New(id, s, h, opts...), nil
}

// stats feeds pipeline accounting into the listener's metrics.
type stats struct {
	frames prometheus.Counter
	bytes  prometheus.Counter
	errs   prometheus.Counter
}

func newStats(m *observability.Metrics, listener string) *stats {
	return &stats{
		frames: m.FramesReceived.WithLabelValues(listener),
		bytes:  m.BytesReceived.WithLabelValues(listener),
		errs:   m.HandlerErrors.WithLabelValues(listener),
	}
}

func (s *stats) Frame(n int) {
	s.frames.Inc()
	s.bytes.Add(float64(n))
}

func (s *stats) HandlerError() { s.errs.Inc() }
