package token

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

func udp(s string) *net.UDPAddr {
	a, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		panic(err)
	}
	return a
}

func newAuthority(t *testing.T) *Authority {
	t.Helper()
	a, err := New(zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	return a
}

func TestMintVerifyRoundTrip(t *testing.T) {
	a := newAuthority(t)
	for _, addr := range []string{"192.0.2.10:4433", "[2001:db8::1]:8090", "127.0.0.1:1"} {
		tok, err := a.Mint(udp(addr))
		if err != nil {
			t.Fatalf("mint %s: %v", addr, err)
		}
		if len(tok) != Size || a.MaxTokenLength() != Size {
			t.Fatalf("token size %d, max %d", len(tok), a.MaxTokenLength())
		}
		if !a.Verify(tok, udp(addr)) {
			t.Fatalf("verify rejected own token for %s", addr)
		}
	}
}

func TestMintIsDeterministicAndPortIndependent(t *testing.T) {
	a := newAuthority(t)
	t1, _ := a.Mint(udp("198.51.100.7:1000"))
	t2, _ := a.Mint(udp("198.51.100.7:2000"))
	if !bytes.Equal(t1, t2) {
		t.Fatalf("token depends on port")
	}
	mapped, _ := a.Mint(udp("[::ffff:198.51.100.7]:1000"))
	if !bytes.Equal(t1, mapped) {
		t.Fatalf("ipv4-mapped form produced a different token")
	}
}

func TestVerifyRejectsOtherAddress(t *testing.T) {
	a := newAuthority(t)
	tok, _ := a.Mint(udp("192.0.2.1:5000"))
	for _, other := range []string{"192.0.2.2:5000", "[2001:db8::2]:5000", "10.0.0.1:5000"} {
		if a.Verify(tok, udp(other)) {
			t.Fatalf("token for 192.0.2.1 accepted for %s", other)
		}
	}
}

func TestVerifyRejectsOtherSecret(t *testing.T) {
	a, b := newAuthority(t), newAuthority(t)
	tok, _ := a.Mint(udp("192.0.2.1:5000"))
	if b.Verify(tok, udp("192.0.2.1:5000")) {
		t.Fatalf("token accepted by authority with a different secret")
	}
}

func TestVerifyWrongLengthFailsFast(t *testing.T) {
	a := newAuthority(t)
	good, _ := a.Mint(udp("192.0.2.1:5000"))
	before := a.digests.Load()
	for _, tok := range [][]byte{nil, {}, good[:Size-1], append(append([]byte{}, good...), 0), make([]byte, 64)} {
		if a.Verify(tok, udp("192.0.2.1:5000")) {
			t.Fatalf("accepted token of length %d", len(tok))
		}
	}
	if got := a.digests.Load(); got != before {
		t.Fatalf("malformed tokens computed %d digests", got-before)
	}
}

func TestVerifyTamperedToken(t *testing.T) {
	a := newAuthority(t)
	tok, _ := a.Mint(udp("192.0.2.1:5000"))
	tok[0] ^= 0xff
	if a.Verify(tok, udp("192.0.2.1:5000")) {
		t.Fatalf("tampered token accepted")
	}
}

func TestUnusableAddressFailsClosed(t *testing.T) {
	a := newAuthority(t)
	if _, err := a.Mint(nil); !errors.Is(err, ErrNoAddress) {
		t.Fatalf("mint nil addr: %v", err)
	}
	if _, err := a.Mint(udp("0.0.0.0:1")); !errors.Is(err, ErrNoAddress) {
		t.Fatalf("mint unspecified addr: %v", err)
	}
	if a.Verify(make([]byte, Size), nil) {
		t.Fatalf("verify accepted nil address")
	}
}

func TestSecretEntropyFailure(t *testing.T) {
	if _, err := newFromReader(strings.NewReader("short"), nil); err == nil {
		t.Fatalf("expected error from short entropy source")
	}
}

func TestDeriveKey(t *testing.T) {
	a := newAuthority(t)
	k1 := a.DeriveKey("quic retry")
	if k1 != a.DeriveKey("quic retry") {
		t.Fatalf("derive not deterministic")
	}
	if k1 == a.DeriveKey("quic reset") {
		t.Fatalf("labels share a key")
	}
	if bytes.Equal(k1[:], a.secret[:]) {
		t.Fatalf("derived key equals the secret")
	}
}
