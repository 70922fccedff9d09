package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const validity = 365 * 24 * time.Hour

// EnsureCertificate ensures a certificate exists, generating one if needed
func EnsureCertificate(certFile, keyFile string, logger *zap.Logger) error {
	_, certErr := os.Stat(certFile)
	_, keyErr := os.Stat(keyFile)
	if certErr != nil || keyErr != nil {
		return generateSelfSignedCert(certFile, keyFile, logger)
	}

	logger.Info("using existing certificate", zap.String("cert", certFile), zap.String("key", keyFile))
	return nil
}

// generateSelfSignedCert creates a self-signed localhost certificate and key
func generateSelfSignedCert(certFile, keyFile string, logger *zap.Logger) error {
	logger.Info("generating self-signed certificate")

	for _, dir := range []string{filepath.Dir(certFile), filepath.Dir(keyFile)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create certificate directory: %w", err)
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Record Sync Server"},
			CommonName:   "localhost",
		},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}

	if err := writePEM(certFile, 0644, "CERTIFICATE", der); err != nil {
		return err
	}
	if err := writePEM(keyFile, 0600, "PRIVATE KEY", keyDER); err != nil {
		return err
	}

	logger.Info("generated self-signed certificate", zap.String("cert", certFile), zap.String("key", keyFile))
	return nil
}

func writePEM(path string, perm os.FileMode, blockType string, der []byte) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", path, err)
	}
	defer out.Close()

	if err := pem.Encode(out, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
