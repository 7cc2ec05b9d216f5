package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/prodigysml/TAK-Server/pkg/codec"
	"github.com/prodigysml/TAK-Server/pkg/config"
	"github.com/prodigysml/TAK-Server/pkg/observability"
	"github.com/prodigysml/TAK-Server/pkg/registry"
	"github.com/prodigysml/TAK-Server/pkg/server"
	"github.com/prodigysml/TAK-Server/pkg/tlsconf"
	"github.com/prodigysml/TAK-Server/pkg/token"
	"github.com/prodigysml/TAK-Server/pkg/transport"
	"github.com/prodigysml/TAK-Server/pkg/transport/mem"
	"github.com/prodigysml/TAK-Server/pkg/transport/quic"
)

// run is the main entry point after CLI parsing. It blocks until ctx is done.
func run(ctx context.Context, opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		return 1
	}
	if opts.LogLevel != "" {
		if _, err := observability.ParseLevel(opts.LogLevel); err != nil {
			fmt.Fprintln(os.Stderr, "invalid --log-level:", err)
			return 1
		}
		cfg.Log.Level = opts.LogLevel
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to setup logger:", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("takquic-server starting", zap.String("app", cfg.AppName))
	zap.L().Debug("effective configuration", zap.Any("config", cfg))

	preg := prometheus.NewRegistry()
	preg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(preg)

	auth, err := token.New(logger)
	if err != nil {
		zap.L().Error("failed to create token authority", zap.Error(err))
		return 1
	}
	reg := registry.New()
	transports := map[string]transport.Transport{
		transport.KindQUIC.String(): quic.New(logger),
		transport.KindMem.String():  mem.New(logger),
	}
	resolver := tlsconf.NewResolver(logger)

	var servers []*server.Server
	stopAll := func() {
		for _, s := range servers {
			s.Stop()
		}
	}
	for _, l := range cfg.Listeners {
		var res tlsconf.Resolver
		if l.Kind == transport.KindQUIC.String() {
			res = resolver
		}
		srv, err := server.New(l, server.Deps{
			Transport: transports[l.Kind],
			TLS:       res,
			Authority: auth,
			Registry:  reg,
			Metrics:   metrics,
			Logger:    logger,
		})
		if err == nil {
			err = srv.Start(ctx)
		}
		if err != nil {
			zap.L().Error("failed to start listener", zap.String("listener", l.Name), zap.Error(err))
			stopAll()
			return 1
		}
		servers = append(servers, srv)
	}
	defer stopAll()

	if cfg.Metrics.Enable {
		codecs := codec.NewRegistry()
		if cb, err := codec.CBOR(); err == nil {
			codecs.Register(cb)
		} else {
			zap.L().Warn("cbor codec unavailable", zap.Error(err))
		}
		hs := observability.NewHTTPServer(cfg.Metrics, preg, reg, codecs, logger)
		if err := hs.Start(); err != nil {
			zap.L().Error("failed to start metrics server", zap.String("address", cfg.Metrics.Address), zap.Error(err))
			return 1
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := hs.Stop(sctx); err != nil {
				zap.L().Warn("metrics server shutdown", zap.Error(err))
			}
		}()
	}

	zap.L().Info("server is running; press Ctrl+C to exit", zap.Int("listeners", len(servers)))
	<-ctx.Done()
	zap.L().Info("shutting down", zap.Int("connections", reg.Len()))
	return 0
}
