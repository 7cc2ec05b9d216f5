// Package token implements the stateless retry-token authority that guards
// connection admission: a server proves a client owns its claimed source
// address before it spends any per-connection memory.
//
// A token is HMAC-SHA256(secret, peer IP bytes). It is never stored; the
// authority recomputes it on verification. The secret lives for the lifetime
// of the Authority and is never exposed.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

// Size is the length of every retry token.
const Size = sha256.Size

const secretSize = 32

// ErrNoAddress is returned by Mint when the peer address carries no IP.
var ErrNoAddress = errors.New("token: address has no usable IP")

// Authority mints and verifies retry tokens from a process-held secret.
// It is safe for concurrent use.
type Authority struct {
	secret [secretSize]byte
	log    *zap.Logger

	// digests counts MAC computations; tests use it to prove fail-fast paths.
	digests atomic.Uint64
}

// New creates an Authority with a fresh random secret.
func New(log *zap.Logger) (*Authority, error) {
	return newFromReader(rand.Reader, log)
}

func newFromReader(r io.Reader, log *zap.Logger) (*Authority, error) {
	if log == nil {
		log = zap.L()
	}
	a := &Authority{log: log.Named("token")}
	if _, err := io.ReadFull(r, a.secret[:]); err != nil {
		return nil, fmt.Errorf("token: generate secret: %w", err)
	}
	return a, nil
}

// MaxTokenLength is the fixed token size so transports can pre-size buffers.
func (a *Authority) MaxTokenLength() int { return Size }

// Mint returns the retry token for addr. The port is not covered: a client
// may come back from a different ephemeral port of the same host.
func (a *Authority) Mint(addr net.Addr) ([]byte, error) {
	ip, ok := peerIP(addr)
	if !ok {
		return nil, ErrNoAddress
	}
	return a.digest(ip), nil
}

// Verify reports whether token was minted by this authority for addr.
// Malformed tokens are rejected before any MAC is computed; every failure
// rejects.
func (a *Authority) Verify(token []byte, addr net.Addr) bool {
	if len(token) != Size {
		return false
	}
	ip, ok := peerIP(addr)
	if !ok {
		a.log.Debug("token verify: unusable peer address", zap.String("addr", fmt.Sprint(addr)))
		return false
	}
	return hmac.Equal(token, a.digest(ip))
}

// DeriveKey derives a 32-byte sub-key bound to label. Transports use it to key
// their own retry and stateless-reset machinery without seeing the secret.
func (a *Authority) DeriveKey(label string) [32]byte {
	var out [32]byte
	r := hkdf.New(sha256.New, a.secret[:], nil, []byte("takquic "+label))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		// hkdf only fails past 255*32 bytes of output
		panic(fmt.Sprintf("token: derive %q: %v", label, err))
	}
	return out
}

func (a *Authority) digest(ip netip.Addr) []byte {
	a.digests.Add(1)
	mac := hmac.New(sha256.New, a.secret[:])
	mac.Write(ip.AsSlice())
	return mac.Sum(nil)
}

// peerIP extracts the IP of a transport address, unmapping IPv4-in-IPv6 so
// both forms of one host produce the same token.
func peerIP(addr net.Addr) (netip.Addr, bool) {
	var ip netip.Addr
	switch a := addr.(type) {
	case nil:
		return netip.Addr{}, false
	case *net.UDPAddr:
		if a == nil {
			return netip.Addr{}, false
		}
		ip = a.AddrPort().Addr()
	case *net.TCPAddr:
		if a == nil {
			return netip.Addr{}, false
		}
		ip = a.AddrPort().Addr()
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.Addr{}, false
		}
		ip = ap.Addr()
	}
	ip = ip.Unmap()
	if !ip.IsValid() || ip.IsUnspecified() {
		return netip.Addr{}, false
	}
	return ip.WithZone(""), true
}
