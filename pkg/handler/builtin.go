package handler

import (
	"context"
	"net/netip"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/prodigysml/TAK-Server/pkg/config"
)

// Logging counts and logs the frames of a connection and discards them.
type Logging struct {
	id       string
	listener string
	addrs    AddressLookup
	frames   atomic.Uint64
	bytes    atomic.Uint64
}

// NewLogging is a Factory.
func NewLogging(l config.Listener, addrs AddressLookup, id string) Handler {
	return &Logging{id: id, listener: l.Name, addrs: addrs}
}

func (h *Logging) Open(Sender) {
	addr, _ := h.addrs.Address(h.id)
	zap.L().Info("stream opened", zap.String("listener", h.listener), zap.String("conn", h.id), zap.Stringer("peer", addr))
}

func (h *Logging) Handle(_ context.Context, frame []byte) error {
	h.frames.Add(1)
	h.bytes.Add(uint64(len(frame)))
	zap.L().Debug("frame", zap.String("conn", h.id), zap.Int("bytes", len(frame)))
	return nil
}

func (h *Logging) AddressChanged(addr netip.AddrPort) {
	zap.L().Info("peer address changed", zap.String("conn", h.id), zap.Stringer("peer", addr))
}

func (h *Logging) Close(err error) {
	zap.L().Info("stream closed", zap.String("conn", h.id),
		zap.Uint64("frames", h.frames.Load()), zap.Uint64("bytes", h.bytes.Load()), zap.NamedError("cause", err))
}

// Echo writes every frame back to the peer.
type Echo struct {
	id  string
	out Sender
}

// NewEcho is a Factory.
func NewEcho(_ config.Listener, _ AddressLookup, id string) Handler { return &Echo{id: id} }

func (h *Echo) Open(out Sender) { h.out = out }

func (h *Echo) Handle(_ context.Context, frame []byte) error { return h.out.Send(frame) }

func (h *Echo) Close(error) {}
