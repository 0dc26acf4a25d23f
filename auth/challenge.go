package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// DefaultChallengeTTL bounds how long a challenge nonce stays answerable.
const DefaultChallengeTTL = 2 * time.Minute

const nonceBytes = 16

// Challenge is a one-shot nonce for proving possession of a shared secret
// without sending the secret itself.
type Challenge struct {
	Nonce     string    `json:"nonce"`
	PeerID    string    `json:"peer_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewChallenge creates a challenge for the given peer. A non-positive ttl
// falls back to DefaultChallengeTTL.
func NewChallenge(peerID string, ttl time.Duration) (Challenge, error) {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}

	raw := make([]byte, nonceBytes)
	if _, err := rand.Read(raw); err != nil {
		return Challenge{}, fmt.Errorf("generate challenge nonce: %w", err)
	}

	now := time.Now()
	return Challenge{
		Nonce:     hex.EncodeToString(raw),
		PeerID:    peerID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// Expired reports whether the challenge window has closed.
func (c Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ComputeResponse answers a challenge: the hex SHA-256 digest of the nonce
// concatenated with the shared secret.
func ComputeResponse(nonce, secret string) string {
	sum := sha256.Sum256([]byte(nonce + secret))
	return hex.EncodeToString(sum[:])
}

// VerifyResponse checks a challenge response in constant time.
func VerifyResponse(nonce, secret, response string) bool {
	expected := ComputeResponse(nonce, secret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(response)) == 1
}

// DeriveSharedSecret stretches an issued token into a per-peer challenge
// secret. Both sides hold the token, so both can derive the same secret
// without it ever crossing the wire.
func DeriveSharedSecret(token, peerID string) (string, error) {
	if token == "" {
		return "", errors.New("auth: token is empty")
	}

	kdf := hkdf.New(sha256.New, []byte(token), nil, []byte("agentmesh/challenge/"+peerID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return "", fmt.Errorf("derive shared secret: %w", err)
	}
	return hex.EncodeToString(key), nil
}
