package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

func loadPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA certificate")
	}
	return pool, nil
}

// LoadClientTLSConfig creates a TLS configuration for clients. The client
// certificate is optional: with empty paths only the server is verified.
// An empty CA path trusts the system roots.
func LoadClientTLSConfig(caCertPath, clientCertPath, clientKeyPath, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}

	if caCertPath != "" {
		pool, err := loadPool(caCertPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if clientCertPath != "" || clientKeyPath != "" {
		clientCert, err := tls.LoadX509KeyPair(clientCertPath, clientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{clientCert}
		cfg.MinVersion = tls.VersionTLS13
	}
	return cfg, nil
}

// ClientAuthType maps a client_auth setting (require, request, none) to a
// TLS client authentication mode.
func ClientAuthType(mode string) (tls.ClientAuthType, error) {
	switch mode {
	case "require":
		return tls.RequireAndVerifyClientCert, nil
	case "request":
		return tls.VerifyClientCertIfGiven, nil
	case "none", "":
		return tls.NoClientCert, nil
	default:
		return tls.NoClientCert, fmt.Errorf("unknown client auth mode %q", mode)
	}
}

// LoadServerTLSConfig creates a TLS configuration for mTLS servers
func LoadServerTLSConfig(caCertPath, serverCertPath, serverKeyPath string, clientAuth tls.ClientAuthType) (*tls.Config, error) {
	caCertPool, err := loadPool(caCertPath)
	if err != nil {
		return nil, err
	}

	serverCert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    caCertPool,
		ClientAuth:   clientAuth,
		MinVersion:   tls.VersionTLS13,
	}, nil
}
