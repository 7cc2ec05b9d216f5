// Package registry keeps the live connections of a listener: for every
// connection identity the peer address and, once the application stream is
// open, the stream handler bound to it.
//
// Both mappings for one identity live in the same shard under the same lock,
// so a handler entry never exists without its address entry and Remove drops
// both at once. Callers never coordinate access.
package registry

import (
	"errors"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prodigysml/TAK-Server/pkg/handler"
)

var (
	// ErrNotRegistered is returned by Attach for an identity with no address entry.
	ErrNotRegistered = errors.New("registry: connection not registered")
	// ErrAlreadyAttached is returned by Attach when the identity has a handler.
	ErrAlreadyAttached = errors.New("registry: handler already attached")
)

const defaultShards = 64

// Registry is a sharded concurrent map keyed by connection identity.
type Registry struct {
	shards []shard
	mask   uint64

	addrs    atomic.Int64
	handlers atomic.Int64
}

type shard struct {
	mu       sync.RWMutex
	addrs    map[string]record
	handlers map[string]handler.Handler
}

type record struct {
	addr  netip.AddrPort
	since time.Time
}

// Entry is a point-in-time view of one connection.
type Entry struct {
	ID       string    `json:"id" cbor:"id"`
	Address  string    `json:"address" cbor:"address"`
	Since    time.Time `json:"since" cbor:"since"`
	Attached bool      `json:"attached" cbor:"attached"`
}

// New returns an empty registry.
func New() *Registry { return NewWithShards(defaultShards) }

// NewWithShards rounds n up to a power of two.
func NewWithShards(n int) *Registry {
	size := 1
	for size < n {
		size <<= 1
	}
	r := &Registry{shards: make([]shard, size), mask: uint64(size - 1)}
	for i := range r.shards {
		r.shards[i].addrs = make(map[string]record)
		r.shards[i].handlers = make(map[string]handler.Handler)
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	// FNV-1a 64
	var h uint64 = 1469598103934665603
	for i := 0; i < len(id); i++ {
		h ^= uint64(id[i])
		h *= 1099511628211
	}
	return &r.shards[h&r.mask]
}

// Register records the peer address of a connection that completed its
// handshake.
func (r *Registry) Register(id string, addr netip.AddrPort) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	if _, ok := sh.addrs[id]; !ok {
		r.addrs.Add(1)
	}
	sh.addrs[id] = record{addr: addr, since: time.Now()}
	sh.mu.Unlock()
}

// Attach binds the stream handler of a registered connection.
func (r *Registry) Attach(id string, h handler.Handler) error {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.addrs[id]; !ok {
		return ErrNotRegistered
	}
	if _, ok := sh.handlers[id]; ok {
		return ErrAlreadyAttached
	}
	sh.handlers[id] = h
	r.handlers.Add(1)
	return nil
}

// Lookup returns the address and handler of id. ok is false when the
// identity is unknown; h is nil until a handler is attached.
func (r *Registry) Lookup(id string) (addr netip.AddrPort, h handler.Handler, ok bool) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	rec, ok := sh.addrs[id]
	h = sh.handlers[id]
	sh.mu.RUnlock()
	return rec.addr, h, ok
}

// Address implements handler.AddressLookup.
func (r *Registry) Address(id string) (netip.AddrPort, bool) {
	addr, _, ok := r.Lookup(id)
	return addr, ok
}

// UpdateAddress records a peer address change and tells the attached handler
// when it observes migrations. Unknown identities are ignored.
func (r *Registry) UpdateAddress(id string, addr netip.AddrPort) bool {
	sh := r.shardFor(id)
	sh.mu.Lock()
	rec, ok := sh.addrs[id]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	rec.addr = addr
	sh.addrs[id] = rec
	h := sh.handlers[id]
	sh.mu.Unlock()

	if mo, ok := h.(handler.MigrationObserver); ok {
		mo.AddressChanged(addr)
	}
	return true
}

// Remove drops both entries of id. Removing an unknown identity is a no-op.
func (r *Registry) Remove(id string) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	if _, ok := sh.addrs[id]; ok {
		delete(sh.addrs, id)
		r.addrs.Add(-1)
	}
	if _, ok := sh.handlers[id]; ok {
		delete(sh.handlers, id)
		r.handlers.Add(-1)
	}
	sh.mu.Unlock()
}

// Len is the number of registered connections.
func (r *Registry) Len() int { return int(r.addrs.Load()) }

// Handlers is the number of connections with an attached handler.
func (r *Registry) Handlers() int { return int(r.handlers.Load()) }

// Snapshot lists all connections sorted by identity. Shards are read one at a
// time, so the result is not an atomic cut across the whole registry.
func (r *Registry) Snapshot() []Entry {
	var out []Entry
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for id, rec := range sh.addrs {
			_, attached := sh.handlers[id]
			out = append(out, Entry{ID: id, Address: rec.addr.String(), Since: rec.since, Attached: attached})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
