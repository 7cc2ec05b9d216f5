package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Listener describes one streaming input. Example YAML:
//
//	listeners:
//	  - name: quic-streaming
//	    kind: quic
//	    bind: "0.0.0.0"
//	    port: 8090
//	    idle_timeout_seconds: 30
//	    high_water_mark: 1048576
//	    stream_open_timeout_seconds: 10
//	    handler: log
//	    security:
//	      cert_file: /opt/tak/certs/server.pem
//	      key_file: /opt/tak/certs/server.key
//	      client_ca_file: /opt/tak/certs/ca.pem
type Listener struct {
	Name string `mapstructure:"name"`
	// Kind selects the transport: quic (UDP socket) or mem (in-process).
	Kind string `mapstructure:"kind"`
	Bind string `mapstructure:"bind"`
	Port int    `mapstructure:"port"`

	IdleTimeoutSeconds       int `mapstructure:"idle_timeout_seconds"`
	HighWaterMark            int `mapstructure:"high_water_mark"`
	StreamOpenTimeoutSeconds int `mapstructure:"stream_open_timeout_seconds"`
	// ReadSize caps the bytes handed to the handler per frame.
	ReadSize int `mapstructure:"read_size"`
	// Handler names the stream handler factory (log, echo).
	Handler string `mapstructure:"handler"`

	Security Security `mapstructure:"security"`
}

// Security references the TLS material resolved for a listener.
type Security struct {
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	ClientCAFile string   `mapstructure:"client_ca_file"`
	ALPN         []string `mapstructure:"alpn"`
	// SelfSigned generates an ephemeral certificate when no files are set.
	SelfSigned bool `mapstructure:"self_signed"`
}

const (
	defaultPort              = 8090
	defaultIdleTimeout       = 30
	defaultHighWaterMark     = 1 << 20
	defaultStreamOpenTimeout = 10
	defaultReadSize          = 16 * 1024
	minHighWaterMark         = 1024
)

// DefaultListener returns the listener used when the config names none.
func DefaultListener() Listener {
	return Listener{
		Name:                     "quic",
		Kind:                     "quic",
		Port:                     defaultPort,
		IdleTimeoutSeconds:       defaultIdleTimeout,
		HighWaterMark:            defaultHighWaterMark,
		StreamOpenTimeoutSeconds: defaultStreamOpenTimeout,
		ReadSize:                 defaultReadSize,
		Handler:                  "log",
		Security:                 Security{ALPN: []string{"tak"}, SelfSigned: true},
	}
}

// Address returns the bind address in host:port form.
func (l Listener) Address() string {
	return fmt.Sprintf("%s:%d", l.Bind, l.Port)
}

// IdleTimeout as a duration.
func (l Listener) IdleTimeout() time.Duration {
	return time.Duration(l.IdleTimeoutSeconds) * time.Second
}

// StreamOpenTimeout is how long an established connection may stay without
// its application stream. A negative setting disables the watchdog.
func (l Listener) StreamOpenTimeout() time.Duration {
	if l.StreamOpenTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(l.StreamOpenTimeoutSeconds) * time.Second
}

func (l *Listener) normalize(i int) {
	l.Kind = strings.ToLower(strings.TrimSpace(l.Kind))
	if l.Kind == "" {
		l.Kind = "quic"
	}
	if strings.TrimSpace(l.Name) == "" {
		l.Name = fmt.Sprintf("%s-%d", l.Kind, i)
	}
	if l.IdleTimeoutSeconds == 0 {
		l.IdleTimeoutSeconds = defaultIdleTimeout
	}
	if l.HighWaterMark == 0 {
		l.HighWaterMark = defaultHighWaterMark
	}
	if l.StreamOpenTimeoutSeconds == 0 {
		l.StreamOpenTimeoutSeconds = defaultStreamOpenTimeout
	}
	if l.ReadSize == 0 {
		l.ReadSize = defaultReadSize
	}
	l.Handler = strings.ToLower(strings.TrimSpace(l.Handler))
	if l.Handler == "" {
		l.Handler = "log"
	}
	if len(l.Security.ALPN) == 0 {
		l.Security.ALPN = []string{"tak"}
	}
}

// Validate checks a normalized listener.
func (l Listener) Validate() error {
	switch l.Kind {
	case "quic", "mem":
	default:
		return fmt.Errorf("unknown kind %q", l.Kind)
	}
	if l.Port < 0 || l.Port > 65535 {
		return fmt.Errorf("port out of range: %d", l.Port)
	}
	if l.IdleTimeoutSeconds < 0 {
		return errors.New("idle_timeout_seconds must be positive")
	}
	if l.HighWaterMark < minHighWaterMark {
		return fmt.Errorf("high_water_mark must be at least %d bytes", minHighWaterMark)
	}
	if l.ReadSize < 0 {
		return errors.New("read_size must not be negative")
	}
	sec := l.Security
	if (sec.CertFile == "") != (sec.KeyFile == "") {
		return errors.New("security.cert_file and security.key_file must be set together")
	}
	if sec.CertFile == "" && !sec.SelfSigned && l.Kind == "quic" {
		return errors.New("security: no certificate configured and self_signed disabled")
	}
	return nil
}
