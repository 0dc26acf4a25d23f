package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	identityPrivatePEMType = "ED25519 PRIVATE KEY"
	identityPublicPEMType  = "ED25519 PUBLIC KEY"
)

// IdentityKeyPair is the node's long-lived Ed25519 identity. Its public
// key fingerprint doubles as the human pairing code.
type IdentityKeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// EnsureIdentityKeyPair loads the identity keypair from disk, generating
// and persisting a fresh one on first run. The public key file is
// rewritten whenever it is missing or does not match the private key.
func EnsureIdentityKeyPair(privatePath, publicPath string) (IdentityKeyPair, error) {
	private, err := loadIdentityPrivateKey(privatePath)
	if err == nil {
		pair := IdentityKeyPair{
			Private: private,
			Public:  private.Public().(ed25519.PublicKey),
		}
		stored, pubErr := loadIdentityPublicKey(publicPath)
		if pubErr != nil || !pair.Public.Equal(stored) {
			if err := saveIdentityPublicKey(publicPath, pair.Public); err != nil {
				return IdentityKeyPair{}, err
			}
		}
		return pair, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return IdentityKeyPair{}, err
	}

	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return IdentityKeyPair{}, fmt.Errorf("generate identity keypair: %w", err)
	}
	if err := saveIdentityPrivateKey(privatePath, private); err != nil {
		return IdentityKeyPair{}, err
	}
	if err := saveIdentityPublicKey(publicPath, public); err != nil {
		return IdentityKeyPair{}, err
	}
	return IdentityKeyPair{Private: private, Public: public}, nil
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of the
// public key.
func (k IdentityKeyPair) Fingerprint() string {
	sum := sha256.Sum256(k.Public)
	return hex.EncodeToString(sum[:16])
}

// EncodedPublic returns the public key in hex for registry storage.
func (k IdentityKeyPair) EncodedPublic() string {
	return hex.EncodeToString(k.Public)
}

// DecodePublicKey parses a hex public key recorded for a peer.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode public key: invalid size %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// FormatFingerprint groups a fingerprint into chunks of 4 uppercase
// characters, the form read out loud when pairing two nodes.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}
	return b.String()
}

func loadIdentityPrivateKey(path string) (ed25519.PrivateKey, error) {
	block, err := readPEM(path, identityPrivatePEMType)
	if err != nil {
		return nil, err
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity private key: invalid size %d", len(block.Bytes))
	}
	return ed25519.PrivateKey(block.Bytes), nil
}

func loadIdentityPublicKey(path string) (ed25519.PublicKey, error) {
	block, err := readPEM(path, identityPublicPEMType)
	if err != nil {
		return nil, err
	}
	if len(block.Bytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity public key: invalid size %d", len(block.Bytes))
	}
	return ed25519.PublicKey(block.Bytes), nil
}

func saveIdentityPrivateKey(path string, key ed25519.PrivateKey) error {
	return writePEM(path, identityPrivatePEMType, key, 0o600)
}

func saveIdentityPublicKey(path string, key ed25519.PublicKey) error {
	return writePEM(path, identityPublicPEMType, key, 0o644)
}

func readPEM(path, pemType string) (*pem.Block, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(pemType), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", strings.ToLower(pemType))
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", strings.ToLower(pemType), block.Type)
	}
	return block, nil
}

func writePEM(path, pemType string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	block := &pem.Block{Type: pemType, Bytes: data}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), mode); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(pemType), err)
	}
	return nil
}
