package mem

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/prodigysml/TAK-Server/pkg/token"
	"github.com/prodigysml/TAK-Server/pkg/transport"
)

type countingObserver struct {
	retries  atomic.Int64
	rejected atomic.Int64
}

func (o *countingObserver) RetrySent(net.Addr)     { o.retries.Add(1) }
func (o *countingObserver) TokenRejected(net.Addr) { o.rejected.Add(1) }

func limits() transport.Limits {
	return transport.Limits{IdleTimeout: 5 * time.Second, HighWaterMark: 1024, MaxBidiStreams: 1}
}

func setup(t *testing.T, lim transport.Limits) (*Transport, transport.Listener, *countingObserver) {
	t.Helper()
	log := zaptest.NewLogger(t)
	auth, err := token.New(log)
	if err != nil {
		t.Fatal(err)
	}
	obs := &countingObserver{}
	tr := New(log)
	ln, err := tr.Listen(context.Background(), "ingress", transport.ListenOptions{Limits: lim, Admission: auth, Observer: obs})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return tr, ln, obs
}

func udp(ip string, port int) net.Addr { return &net.UDPAddr{IP: net.ParseIP(ip), Port: port} }

func accept(t *testing.T, ln transport.Listener) transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return c
}

func TestDialRunsRetryExchange(t *testing.T) {
	tr, ln, obs := setup(t, limits())
	ctx := context.Background()
	cli, err := tr.Dial(ctx, "ingress", udp("10.0.0.1", 4000))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()
	if obs.retries.Load() != 1 || obs.rejected.Load() != 0 {
		t.Fatalf("retries=%d rejected=%d", obs.retries.Load(), obs.rejected.Load())
	}
	srv := accept(t, ln)
	select {
	case <-srv.HandshakeComplete():
	default:
		t.Fatalf("handshake not complete")
	}
	if got := transport.AddrPort(srv.RemoteAddr()).String(); got != "10.0.0.1:4000" {
		t.Fatalf("remote %s", got)
	}

	st, err := cli.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sst, err := srv.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("accept stream: %v", err)
	}
	if _, err := st.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()
	b, err := io.ReadAll(sst)
	if err != nil || string(b) != "ping" {
		t.Fatalf("read %q %v", b, err)
	}
}

func TestEchoedTokenFromOtherAddressRejected(t *testing.T) {
	tr, ln, obs := setup(t, limits())
	ctx := context.Background()
	tok, err := tr.Retry(ctx, "ingress", udp("10.0.0.1", 4000))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := tr.Dial(ctx, "ingress", udp("10.0.0.2", 4000), WithToken(tok)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("dial from other address: %v", err)
	}
	if _, err := tr.Dial(ctx, "ingress", udp("10.0.0.1", 4000), WithToken([]byte("short"))); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("dial with forged token: %v", err)
	}
	if obs.rejected.Load() != 2 {
		t.Fatalf("rejected=%d", obs.rejected.Load())
	}
	// a token from the same IP on a new port is accepted
	cli, err := tr.Dial(ctx, "ingress", udp("10.0.0.1", 5000), WithToken(tok))
	if err != nil {
		t.Fatalf("dial with echoed token: %v", err)
	}
	defer cli.Close()
	accept(t, ln)

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if c, err := ln.Accept(cctx); err == nil {
		t.Fatalf("rejected initial surfaced a connection from %v", c.RemoteAddr())
	}
}

func TestSecondStreamRefused(t *testing.T) {
	tr, _, _ := setup(t, limits())
	ctx := context.Background()
	cli, err := tr.Dial(ctx, "ingress", udp("10.0.0.1", 4000))
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()
	if _, err := cli.OpenStream(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := cli.OpenStream(ctx); !errors.Is(err, ErrStreamLimit) {
		t.Fatalf("second stream: %v", err)
	}
}

func TestHighWaterMarkBlocksWriter(t *testing.T) {
	tr, ln, _ := setup(t, limits())
	ctx := context.Background()
	cli, err := tr.Dial(ctx, "ingress", udp("10.0.0.1", 4000))
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()
	srv := accept(t, ln)
	st, _ := cli.OpenStream(ctx)
	sst, _ := srv.AcceptStream(ctx)

	payload := bytes.Repeat([]byte{0xAB}, 4096)
	done := make(chan error, 1)
	go func() {
		_, err := st.Write(payload)
		done <- err
	}()

	in := sst.(*stream).in
	deadline := time.Now().Add(time.Second)
	for in.Buffered() < 1024 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := in.Buffered(); n != 1024 {
		t.Fatalf("buffered %d", n)
	}
	select {
	case <-done:
		t.Fatalf("writer finished past the high-water mark")
	case <-time.After(50 * time.Millisecond):
	}

	got, err := io.ReadAll(io.LimitReader(sst, int64(len(payload))))
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("drain: %d bytes %v", len(got), err)
	}
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHeldHandshake(t *testing.T) {
	tr, ln, _ := setup(t, limits())
	cli, err := tr.Dial(context.Background(), "ingress", udp("10.0.0.1", 4000), WithHeldHandshake())
	if err != nil {
		t.Fatal(err)
	}
	srv := accept(t, ln)
	select {
	case <-srv.HandshakeComplete():
		t.Fatalf("handshake completed early")
	default:
	}
	cli.FinishHandshake()
	select {
	case <-srv.HandshakeComplete():
	case <-time.After(time.Second):
		t.Fatalf("handshake never completed")
	}
}

func TestMigrationReported(t *testing.T) {
	tr, ln, _ := setup(t, limits())
	ctx := context.Background()
	cli, err := tr.Dial(ctx, "ingress", udp("10.0.0.1", 4000))
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()
	srv := accept(t, ln)
	if err := cli.Migrate(ctx, udp("10.0.0.9", 4001)); err != nil {
		t.Fatal(err)
	}
	select {
	case a := <-srv.Migrations():
		if transport.AddrPort(a).String() != "10.0.0.9:4001" {
			t.Fatalf("migrated to %v", a)
		}
	case <-time.After(time.Second):
		t.Fatalf("no migration")
	}
	if transport.AddrPort(srv.RemoteAddr()).String() != "10.0.0.9:4001" {
		t.Fatalf("remote not updated")
	}
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	lim := limits()
	lim.IdleTimeout = 30 * time.Millisecond
	tr, ln, _ := setup(t, lim)
	if _, err := tr.Dial(context.Background(), "ingress", udp("10.0.0.1", 4000)); err != nil {
		t.Fatal(err)
	}
	srv := accept(t, ln)
	select {
	case <-srv.Context().Done():
		if !errors.Is(context.Cause(srv.Context()), ErrIdleTimeout) {
			t.Fatalf("cause %v", context.Cause(srv.Context()))
		}
	case <-time.After(time.Second):
		t.Fatalf("idle connection not closed")
	}
}

func TestListenerCloseTearsDownConnections(t *testing.T) {
	tr, ln, _ := setup(t, limits())
	ctx := context.Background()
	cli, err := tr.Dial(ctx, "ingress", udp("10.0.0.1", 4000))
	if err != nil {
		t.Fatal(err)
	}
	srv := accept(t, ln)
	st, _ := cli.OpenStream(ctx)
	sst, _ := srv.AcceptStream(ctx)

	_ = ln.Close()
	<-cli.Context().Done()
	if _, err := sst.Read(make([]byte, 8)); err == nil {
		t.Fatalf("read after close")
	}
	if _, err := st.Write([]byte("x")); err == nil {
		t.Fatalf("write after close")
	}
	if _, err := tr.Dial(ctx, "ingress", udp("10.0.0.1", 4000)); !errors.Is(err, ErrNoListener) {
		t.Fatalf("dial closed listener: %v", err)
	}
	if _, err := ln.Accept(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("accept closed listener: %v", err)
	}
}
