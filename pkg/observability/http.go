package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/prodigysml/TAK-Server/pkg/codec"
	"github.com/prodigysml/TAK-Server/pkg/config"
	"github.com/prodigysml/TAK-Server/pkg/registry"
)

// ConnectionSource lists the live connections of the process.
type ConnectionSource interface {
	Snapshot() []registry.Entry
}

// ConnectionsReport is the body of /debug/connections.
type ConnectionsReport struct {
	Count       int              `json:"count" cbor:"count"`
	Connections []registry.Entry `json:"connections" cbor:"connections"`
	Generated   time.Time        `json:"generated" cbor:"generated"`
}

// HTTPServer serves Prometheus metrics and the connection snapshot.
type HTTPServer struct {
	cfg    config.MetricsConfig
	server *http.Server
	codecs *codec.Registry
	conns  ConnectionSource
	log    *zap.Logger
	ln     net.Listener
}

// NewHTTPServer builds the observability endpoint. gatherer is the registry
// the metrics were created with.
func NewHTTPServer(cfg config.MetricsConfig, gatherer prometheus.Gatherer, conns ConnectionSource, codecs *codec.Registry, log *zap.Logger) *HTTPServer {
	h := &HTTPServer{cfg: cfg, codecs: codecs, conns: conns, log: Component(log, "http")}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/connections", h.handleConnections)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	h.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return h
}

// Handler exposes the routes, mainly for tests.
func (h *HTTPServer) Handler() http.Handler { return h.server.Handler }

// Start binds the configured address and serves in the background.
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.cfg.Address)
	if err != nil {
		return err
	}
	h.ln = ln
	h.log.Info("serving metrics", zap.Stringer("addr", ln.Addr()))
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("http server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address, nil before Start.
func (h *HTTPServer) Addr() net.Addr {
	if h.ln == nil {
		return nil
	}
	return h.ln.Addr()
}

// Stop gracefully stops the server.
func (h *HTTPServer) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries := h.conns.Snapshot()
	if entries == nil {
		entries = []registry.Entry{}
	}
	rep := ConnectionsReport{Count: len(entries), Connections: entries, Generated: time.Now().UTC()}
	c := h.codecs.Negotiate(r.Header.Get("Accept"))
	body, err := c.Marshal(rep)
	if err != nil {
		h.log.Warn("encoding connection report", zap.String("content_type", c.ContentType()), zap.Error(err))
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", c.ContentType())
	_, _ = w.Write(body)
}
