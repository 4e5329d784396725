package mtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeSelfSigned writes a self-signed certificate usable as CA, server and
// client certificate, returning the cert and key paths.
func writeSelfSigned(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "devlogs-test"},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certPath, keyPath
}

func TestLoadClientTLSConfig(t *testing.T) {
	cert, key := writeSelfSigned(t)

	cfg, err := LoadClientTLSConfig(cert, cert, key, "localhost")
	if err != nil {
		t.Fatalf("LoadClientTLSConfig() error = %v", err)
	}
	if len(cfg.Certificates) != 1 || cfg.RootCAs == nil || cfg.ServerName != "localhost" {
		t.Errorf("unexpected config %+v", cfg)
	}

	caOnly, err := LoadClientTLSConfig(cert, "", "", "")
	if err != nil {
		t.Fatalf("CA only: error = %v", err)
	}
	if len(caOnly.Certificates) != 0 || caOnly.RootCAs == nil {
		t.Errorf("CA only config has client certificates or no roots")
	}

	if _, err := LoadClientTLSConfig(filepath.Join(t.TempDir(), "missing.pem"), "", "", ""); err == nil {
		t.Error("missing CA: expected error")
	}
	if _, err := LoadClientTLSConfig(key, "", "", ""); err == nil {
		t.Error("key as CA: expected error")
	}
}

func TestLoadServerTLSConfig(t *testing.T) {
	cert, key := writeSelfSigned(t)

	cfg, err := LoadServerTLSConfig(cert, cert, key, tls.RequireAndVerifyClientCert)
	if err != nil {
		t.Fatalf("LoadServerTLSConfig() error = %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert || cfg.ClientCAs == nil {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestClientAuthType(t *testing.T) {
	tests := map[string]tls.ClientAuthType{
		"require": tls.RequireAndVerifyClientCert,
		"request": tls.VerifyClientCertIfGiven,
		"none":    tls.NoClientCert,
	}
	for mode, want := range tests {
		got, err := ClientAuthType(mode)
		if err != nil || got != want {
			t.Errorf("ClientAuthType(%q) = %v, %v; want %v", mode, got, err, want)
		}
	}
	if _, err := ClientAuthType("sometimes"); err == nil {
		t.Error("unknown mode: expected error")
	}
}
