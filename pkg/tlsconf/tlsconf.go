// Package tlsconf resolves a listener's security reference into the TLS
// configuration used for the QUIC handshake.
package tlsconf

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/prodigysml/TAK-Server/pkg/config"
)

// Resolver turns a security reference into a server TLS config.
type Resolver interface {
	ServerTLS(ctx context.Context, sec config.Security) (*tls.Config, error)
}

// FileResolver loads certificates from disk and falls back to an ephemeral
// self-signed certificate when the reference allows it.
type FileResolver struct {
	log *zap.Logger
}

// NewResolver returns a FileResolver.
func NewResolver(log *zap.Logger) *FileResolver {
	if log == nil {
		log = zap.L()
	}
	return &FileResolver{log: log.Named("tls")}
}

// ServerTLS builds a TLS 1.3 server config. A client CA file turns on mutual
// TLS.
func (r *FileResolver) ServerTLS(_ context.Context, sec config.Security) (*tls.Config, error) {
	if len(sec.ALPN) == 0 {
		return nil, errors.New("tls: at least one ALPN protocol is required")
	}
	var cert tls.Certificate
	var err error
	switch {
	case sec.CertFile != "":
		cert, err = tls.LoadX509KeyPair(sec.CertFile, sec.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls: load key pair: %w", err)
		}
	case sec.SelfSigned:
		cert, err = SelfSigned(24 * time.Hour)
		if err != nil {
			return nil, fmt.Errorf("tls: self-signed: %w", err)
		}
		r.log.Warn("using ephemeral self-signed certificate")
	default:
		return nil, errors.New("tls: no certificate configured")
	}

	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   append([]string(nil), sec.ALPN...),
		MinVersion:   tls.VersionTLS13,
	}
	if sec.ClientCAFile != "" {
		pem, err := os.ReadFile(sec.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("tls: read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls: no certificates in %s", sec.ClientCAFile)
		}
		conf.ClientCAs = pool
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return conf, nil
}

// SelfSigned generates a short-lived self-signed certificate for localhost.
func SelfSigned(validFor time.Duration) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "takquic"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
