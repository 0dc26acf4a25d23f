package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// certValidity is the lifetime of a generated certificate. Certificates are
// identity pins rather than CA-anchored credentials, so a long lifetime is
// fine; rotation just means regenerating and re-pinning.
const certValidity = 2 * 365 * 24 * time.Hour

var ErrCertificateMismatch = errors.New("crypto: peer certificate does not match pinned fingerprint")

// GenerateCertificate creates a self-signed ECDSA P-256 certificate and
// writes the PEM-encoded certificate and key to the given paths.
func GenerateCertificate(certPath, keyPath, peerName string) error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}

	dnsNames := []string{"localhost"}
	if peerName != "" {
		dnsNames = append([]string{peerName}, dnsNames...)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   peerName,
			Organization: []string{"agentmesh"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(certPath), 0o700); err != nil {
		return fmt.Errorf("create certificate dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

// CertificateExists reports whether both halves of the keypair are present.
func CertificateExists(certPath, keyPath string) bool {
	if _, err := os.Stat(certPath); err != nil {
		return false
	}
	_, err := os.Stat(keyPath)
	return err == nil
}

// EnsureCertificate generates a keypair unless one already exists. It
// reports whether a new certificate was created.
func EnsureCertificate(certPath, keyPath, peerName string) (bool, error) {
	if CertificateExists(certPath, keyPath) {
		return false, nil
	}
	if err := GenerateCertificate(certPath, keyPath, peerName); err != nil {
		return false, err
	}
	return true, nil
}

// LoadServerTLSConfig loads the local keypair for accepting connections.
func LoadServerTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// LoadClientTLSConfig pins the certificate stored at certPath: connections
// succeed only when the remote presents exactly that certificate.
func LoadClientTLSConfig(certPath string) (*tls.Config, error) {
	fingerprint, err := CertificateFingerprint(certPath)
	if err != nil {
		return nil, err
	}
	return PinnedClientTLSConfig(fingerprint), nil
}

// PinnedClientTLSConfig verifies the remote leaf certificate against a hex
// SHA-256 fingerprint instead of a CA chain. Self-signed peer certificates
// carry no chain worth walking; possession of the pinned key is the
// identity.
func PinnedClientTLSConfig(fingerprint string) *tls.Config {
	return &tls.Config{
		// Chain and hostname checks are replaced by the fingerprint pin.
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrCertificateMismatch
			}
			sum := sha256.Sum256(rawCerts[0])
			if !strings.EqualFold(hex.EncodeToString(sum[:]), fingerprint) {
				return ErrCertificateMismatch
			}
			return nil
		},
	}
}

// InsecureClientTLSConfig accepts any certificate the remote presents. It
// exists for first contact with a peer whose fingerprint has not been
// recorded yet and must be requested explicitly; no configuration setting
// selects it.
func InsecureClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}

// CertificateFingerprint returns the hex SHA-256 digest of the DER
// certificate stored at certPath.
func CertificateFingerprint(certPath string) (string, error) {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return "", fmt.Errorf("read certificate: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return "", errors.New("crypto: no certificate block in PEM data")
	}

	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:]), nil
}

// FingerprintTLSCert returns the hex SHA-256 digest of a certificate
// presented on a live connection.
func FingerprintTLSCert(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
