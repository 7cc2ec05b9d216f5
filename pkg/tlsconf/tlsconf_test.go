package tlsconf

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/prodigysml/TAK-Server/pkg/config"
)

func TestSelfSignedResolve(t *testing.T) {
	r := NewResolver(zaptest.NewLogger(t))
	conf, err := r.ServerTLS(context.Background(), config.Security{SelfSigned: true, ALPN: []string{"tak"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conf.MinVersion != tls.VersionTLS13 || len(conf.Certificates) != 1 || conf.NextProtos[0] != "tak" {
		t.Fatalf("unexpected config: %+v", conf)
	}
	if conf.ClientAuth != tls.NoClientCert {
		t.Fatalf("client auth enabled without CA")
	}
}

func TestFileResolveWithClientCA(t *testing.T) {
	dir := t.TempDir()
	cert, err := SelfSigned(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	certPath := filepath.Join(dir, "server.pem")
	keyPath := filepath.Join(dir, "server.key")
	writePEM(t, certPath, "CERTIFICATE", cert.Certificate[0])
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	writePEM(t, keyPath, "PRIVATE KEY", keyDER)

	r := NewResolver(zaptest.NewLogger(t))
	conf, err := r.ServerTLS(context.Background(), config.Security{
		CertFile:     certPath,
		KeyFile:      keyPath,
		ClientCAFile: certPath,
		ALPN:         []string{"tak"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conf.ClientAuth != tls.RequireAndVerifyClientCert || conf.ClientCAs == nil {
		t.Fatalf("mutual TLS not configured")
	}
}

func TestResolveErrors(t *testing.T) {
	r := NewResolver(zaptest.NewLogger(t))
	cases := []config.Security{
		{SelfSigned: true},
		{ALPN: []string{"tak"}},
		{CertFile: "/nonexistent.pem", KeyFile: "/nonexistent.key", ALPN: []string{"tak"}},
	}
	for i, sec := range cases {
		if _, err := r.ServerTLS(context.Background(), sec); err == nil {
			t.Fatalf("case %d resolved", i)
		}
	}
}

func writePEM(t *testing.T, path, typ string, der []byte) {
	t.Helper()
	b := pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
}
