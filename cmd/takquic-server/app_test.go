package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseFlags(t *testing.T) {
	opts, err := ParseFlags([]string{"-c", "/etc/takquic.yaml", "--log-level", "debug"})
	if err != nil {
		t.Fatal(err)
	}
	if opts.ConfigPath != "/etc/takquic.yaml" || opts.LogLevel != "debug" {
		t.Fatalf("opts %+v", opts)
	}
	if _, err := ParseFlags([]string{"--bogus"}); err == nil {
		t.Fatalf("unknown flag accepted")
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	if code := run(context.Background(), Options{ConfigPath: "/nonexistent/takquic.yaml"}); code != 1 {
		t.Fatalf("missing config: exit %d", code)
	}
	if code := run(context.Background(), Options{ConfigPath: writeConfig(t, memConfig), LogLevel: "loud"}); code != 1 {
		t.Fatalf("bad log level: exit %d", code)
	}
}

func TestRunServesUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- run(ctx, Options{ConfigPath: writeConfig(t, memConfig)}) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("exit %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return")
	}
}

const memConfig = `
log:
  level: warn
  outputs: [stderr]
listeners:
  - name: loopback
    kind: mem
    bind: mem
    port: 1
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "takquic.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}
