// Package tlsconfig builds the *tls.Config for the gateway's optional HTTPS
// listener from a configured key/cert pair, generating a self-signed
// localhost pair when the paths are unset so the listener still comes up
// in development.
package tlsconfig

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// Config mirrors the https.* keys the gateway's configuration exposes.
type Config struct {
	Enabled  bool
	KeyPath  string
	CertPath string
}

// Build loads cfg.CertPath/cfg.KeyPath and returns a *tls.Config enforcing
// TLS 1.2+. If either file is missing, a self-signed localhost pair is
// generated at those paths first.
func Build(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("tlsconfig: https is not enabled")
	}

	certPath := cfg.CertPath
	if certPath == "" {
		certPath = "server.crt"
	}
	keyPath := cfg.KeyPath
	if keyPath == "" {
		keyPath = "server.key"
	}

	if !fileExists(certPath) || !fileExists(keyPath) {
		slog.Warn("tls cert/key not found, generating self-signed pair for localhost", "cert", certPath, "key", keyPath)
		if err := generateSelfSigned(certPath, keyPath); err != nil {
			return nil, fmt.Errorf("tlsconfig: generate self-signed pair: %w", err)
		}
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: load key pair: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// generateSelfSigned creates a 2048-bit RSA key and a one-year self-signed
// certificate for "localhost", writing both as PEM files.
func generateSelfSigned(certPath, keyPath string) error {
	if dir := filepath.Dir(certPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if dir := filepath.Dir(keyPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "localhost",
			Organization: []string{"gateway-dev"},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return err
	}

	certOut, err := os.Create(certPath)
	if err != nil {
		return err
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return err
	}

	keyOut, err := os.OpenFile(keyPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer keyOut.Close()
	return pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
}
