package storage

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TrustStore points at the TLS material used for FTPS. The files are written
// by whoever manages credentials; attempts only read them.
type TrustStore struct {
	// KnownServersFile is a PEM bundle of the server certificates (or their
	// issuers) the user has accepted. System roots are never consulted.
	KnownServersFile string
	ClientCertFile   string
	ClientKeyFile    string
}

// TLSConfig loads the store for one attempt against host.
func (s TrustStore) TLSConfig(host, protocol string) (*tls.Config, error) {
	if s.KnownServersFile == "" {
		return nil, fmt.Errorf("known servers store is not configured")
	}

	pemBytes, err := os.ReadFile(s.KnownServersFile)
	if err != nil {
		return nil, fmt.Errorf("read known servers store: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("known servers store %s holds no certificates", s.KnownServersFile)
	}

	cfg := &tls.Config{
		ServerName: host,
		RootCAs:    pool,
		MinVersion: minTLSVersion(protocol),
		// Data connections resume the control session, which many servers require.
		ClientSessionCache: tls.NewLRUClientSessionCache(4),
	}

	if s.ClientCertFile != "" || s.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.ClientCertFile, s.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func minTLSVersion(protocol string) uint16 {
	switch protocol {
	case "TLSv1.3":
		return tls.VersionTLS13
	case "TLSv1.2", "TLS", "":
		return tls.VersionTLS12
	default:
		// "SSL" in stored settings predates TLS 1.2; accept the oldest version Go still speaks.
		return tls.VersionTLS10
	}
}
