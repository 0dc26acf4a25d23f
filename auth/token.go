package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DefaultTokenTTL is how long a freshly issued token stays redeemable.
const DefaultTokenTTL = 24 * time.Hour

const tokenBytes = 32

var ErrTokenNotFound = errors.New("auth: token not found")

// Token is a single-use bearer credential. A token bound to a peer id can
// only be redeemed by that peer; an unbound token by anyone who holds it.
type Token struct {
	Token     string    `json:"token"`
	PeerID    string    `json:"peer_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
	UsedAt    time.Time `json:"used_at,omitempty"`
	UsedBy    string    `json:"used_by,omitempty"`
}

// Expired reports whether the token can no longer be redeemed due to age.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

type tokenFile struct {
	Tokens []Token `json:"tokens"`
}

// TokenStore issues and redeems bearer tokens, persisting every mutation
// before acknowledging it.
type TokenStore struct {
	mu     sync.Mutex
	path   string
	tokens map[string]Token
}

// LoadTokens reads the token store at path, or starts an empty one when the
// file does not exist yet. Expired tokens are dropped during load; expiry is
// enforced by timestamp anyway, so skipping them is hygiene, not security.
func LoadTokens(path string) (*TokenStore, error) {
	s := &TokenStore{
		path:   path,
		tokens: make(map[string]Token),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token store: %w", err)
	}

	var file tokenFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse token store: %w", err)
	}
	now := time.Now()
	for _, t := range file.Tokens {
		if t.Token == "" || t.Expired(now) {
			continue
		}
		s.tokens[t.Token] = t
	}
	return s, nil
}

// CreateToken issues an unbound token. A non-positive ttl falls back to
// DefaultTokenTTL.
func (s *TokenStore) CreateToken(ttl time.Duration) (Token, error) {
	return s.CreateTokenForPeer("", ttl)
}

// CreateTokenForPeer issues a token redeemable only by the given peer id.
func (s *TokenStore) CreateTokenForPeer(peerID string, ttl time.Duration) (Token, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return Token{}, fmt.Errorf("generate token: %w", err)
	}

	now := time.Now()
	token := Token{
		Token:     base64.RawURLEncoding.EncodeToString(raw),
		PeerID:    peerID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[token.Token] = token
	if err := s.persistLocked(); err != nil {
		delete(s.tokens, token.Token)
		return Token{}, err
	}
	return token, nil
}

// ValidateToken redeems a token presented by peerID. It returns an error
// only for unknown tokens or persistence failures; a known token that is
// expired, already used, or bound to a different peer yields (false, nil).
// Redemption is atomic: the token is marked used and written to disk before
// success is reported, so it can never be redeemed twice.
func (s *TokenStore) ValidateToken(token, peerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[token]
	if !ok {
		return false, ErrTokenNotFound
	}
	if t.Used || t.Expired(time.Now()) {
		return false, nil
	}
	if t.PeerID != "" && t.PeerID != peerID {
		return false, nil
	}

	prev := t
	t.Used = true
	t.UsedAt = time.Now()
	t.UsedBy = peerID
	s.tokens[token] = t

	if err := s.persistLocked(); err != nil {
		s.tokens[token] = prev
		return false, err
	}
	return true, nil
}

// GetToken returns the stored record for a token string.
func (s *TokenStore) GetToken(token string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[token]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	return t, nil
}

// Tokens returns all stored tokens ordered by creation time.
func (s *TokenStore) Tokens() []Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Token < out[j].Token
	})
	return out
}

// Count returns the number of stored tokens.
func (s *TokenStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// SweepExpired drops expired tokens and reports how many were removed.
// Expiry alone already blocks redemption; sweeping just keeps the file from
// accumulating dead entries.
func (s *TokenStore) SweepExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := make(map[string]Token)
	for key, t := range s.tokens {
		if t.Expired(now) {
			removed[key] = t
			delete(s.tokens, key)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}

	if err := s.persistLocked(); err != nil {
		for key, t := range removed {
			s.tokens[key] = t
		}
		return 0, err
	}
	return len(removed), nil
}

func (s *TokenStore) persistLocked() error {
	file := tokenFile{Tokens: make([]Token, 0, len(s.tokens))}
	for _, t := range s.tokens {
		file.Tokens = append(file.Tokens, t)
	}
	sort.Slice(file.Tokens, func(i, j int) bool { return file.Tokens[i].Token < file.Tokens[j].Token })

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token store: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create token store dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write token store: %w", err)
	}
	return nil
}
