package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "console" {
		t.Fatalf("unexpected log defaults: %+v", cfg.Log)
	}
	if len(cfg.Listeners) != 1 {
		t.Fatalf("expected one default listener, got %d", len(cfg.Listeners))
	}
	l := cfg.Listeners[0]
	if l.Kind != "quic" || l.Port != 8090 || l.HighWaterMark != 1<<20 {
		t.Fatalf("unexpected default listener: %+v", l)
	}
	if l.IdleTimeout() != 30*time.Second {
		t.Fatalf("idle timeout = %v", l.IdleTimeout())
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "takquic.yaml")
	yaml := `
app_name: edge-1
log:
  level: debug
listeners:
  - name: streaming
    kind: QUIC
    port: 9000
    idle_timeout_seconds: 5
    high_water_mark: 65536
    security:
      self_signed: true
  - name: test
    kind: mem
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TAKQUIC_APP_NAME", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AppName != "from-env" {
		t.Fatalf("env override not applied: %q", cfg.AppName)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("level = %q", cfg.Log.Level)
	}
	if len(cfg.Listeners) != 2 {
		t.Fatalf("listeners = %d", len(cfg.Listeners))
	}
	q := cfg.Listeners[0]
	if q.Kind != "quic" || q.Port != 9000 || q.HighWaterMark != 65536 || q.IdleTimeoutSeconds != 5 {
		t.Fatalf("unexpected quic listener: %+v", q)
	}
	m := cfg.Listeners[1]
	if m.Kind != "mem" || m.HighWaterMark != 1<<20 || m.ReadSize == 0 || m.Handler != "log" || m.StreamOpenTimeout() != 10*time.Second {
		t.Fatalf("mem listener not normalized: %+v", m)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"level":    "log:\n  level: loud\n",
		"kind":     "listeners:\n  - name: a\n    kind: tcp\n",
		"hwm":      "listeners:\n  - name: a\n    high_water_mark: 10\n",
		"dup":      "listeners:\n  - name: a\n  - name: a\n",
		"certpair": "listeners:\n  - name: a\n    security:\n      cert_file: x.pem\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestStreamOpenTimeoutDisabled(t *testing.T) {
	l := DefaultListener()
	l.StreamOpenTimeoutSeconds = -1
	if err := l.Validate(); err != nil {
		t.Fatal(err)
	}
	if l.StreamOpenTimeout() != 0 {
		t.Fatalf("watchdog not disabled: %v", l.StreamOpenTimeout())
	}
}
