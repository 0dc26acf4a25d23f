package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OnlineThreshold is how recently a peer must have been seen to count as
// online. A peer seen exactly this long ago is already offline.
const OnlineThreshold = 5 * time.Minute

var (
	ErrPeerExists   = errors.New("registry: peer already exists")
	ErrPeerNotFound = errors.New("registry: peer not found")
)

// Peer is one known remote instance. Authorized peers may authenticate;
// the rest are merely remembered. TLSFingerprint is the pinned SHA-256
// certificate fingerprint recorded on first contact.
type Peer struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Address        string    `json:"address,omitempty"`
	Port           int       `json:"port,omitempty"`
	Authorized     bool      `json:"authorized"`
	AuthToken      string    `json:"auth_token,omitempty"`
	PublicKey      string    `json:"public_key,omitempty"`
	TLSFingerprint string    `json:"tls_fingerprint,omitempty"`
	LastSeen       time.Time `json:"last_seen"`
	CreatedAt      time.Time `json:"created_at"`
}

// Online reports whether the peer is authorized and was seen within
// OnlineThreshold of now.
func (p Peer) Online(now time.Time) bool {
	if !p.Authorized || p.LastSeen.IsZero() {
		return false
	}
	return now.Sub(p.LastSeen) < OnlineThreshold
}

type registryFile struct {
	LocalPeerID   string `json:"local_peer_id"`
	LocalPeerName string `json:"local_peer_name"`
	Peers         []Peer `json:"peers"`
}

// Registry holds the local node's identity and the persistent set of
// known peers. Every acknowledged mutation is written through to disk
// before it returns, so the file never lags the in-memory state.
type Registry struct {
	mu        sync.RWMutex
	path      string
	localID   string
	localName string
	peers     map[string]Peer
}

// Load reads the registry at path. A missing file is not an error: it
// yields an empty registry with a freshly generated local identity,
// persisted immediately so the id survives restarts.
func Load(path string) (*Registry, error) {
	r := &Registry{
		path:  path,
		peers: make(map[string]Peer),
	}

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	if err == nil {
		var file registryFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse registry: %w", err)
		}
		r.localID = file.LocalPeerID
		r.localName = file.LocalPeerName
		for _, p := range file.Peers {
			if p.ID == "" {
				continue
			}
			r.peers[p.ID] = p
		}
	}

	if r.localID == "" {
		r.localID = uuid.NewString()
		if r.localName == "" {
			r.localName = defaultLocalName()
		}
		if err := r.persistLocked(); err != nil {
			return nil, err
		}
	}
	if r.localName == "" {
		r.localName = defaultLocalName()
	}
	return r, nil
}

func defaultLocalName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "agentmesh-peer"
}

// Path returns the backing file path.
func (r *Registry) Path() string {
	return r.path
}

// LocalPeerID returns the persistent identity of this node.
func (r *Registry) LocalPeerID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localID
}

// LocalPeerName returns the display name of this node.
func (r *Registry) LocalPeerName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localName
}

// SetLocalPeerName renames this node and persists the change.
func (r *Registry) SetLocalPeerName(name string) error {
	if name == "" {
		return errors.New("registry: local peer name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.localName
	r.localName = name
	if err := r.persistLocked(); err != nil {
		r.localName = prev
		return err
	}
	return nil
}

// AddPeer records a new peer and persists the registry.
func (r *Registry) AddPeer(p Peer) error {
	if p.ID == "" {
		return errors.New("registry: peer id is empty")
	}
	if p.Authorized && p.AuthToken == "" {
		return errors.New("registry: authorized peer must carry an auth token")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrPeerExists, p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	r.peers[p.ID] = p
	if err := r.persistLocked(); err != nil {
		delete(r.peers, p.ID)
		return err
	}
	return nil
}

// RemovePeer deletes a peer and persists the registry.
func (r *Registry) RemovePeer(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}

	delete(r.peers, id)
	if err := r.persistLocked(); err != nil {
		r.peers[id] = prev
		return err
	}
	return nil
}

// GetPeer returns a copy of the peer with the given id.
func (r *Registry) GetPeer(id string) (Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[id]
	if !ok {
		return Peer{}, fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}
	return p, nil
}

// UpdatePeer replaces an existing peer record and persists the registry.
// The original CreatedAt is preserved when the update leaves it zero.
func (r *Registry) UpdatePeer(p Peer) error {
	if p.Authorized && p.AuthToken == "" {
		return errors.New("registry: authorized peer must carry an auth token")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.peers[p.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = prev.CreatedAt
	}

	r.peers[p.ID] = p
	if err := r.persistLocked(); err != nil {
		r.peers[p.ID] = prev
		return err
	}
	return nil
}

// AuthorizePeer marks the peer as authorized and stores the token it may
// redeem on its next connection.
func (r *Registry) AuthorizePeer(id, token string) error {
	return r.mutatePeer(id, func(p *Peer) {
		p.Authorized = true
		p.AuthToken = token
		p.LastSeen = time.Now()
	})
}

// RevokePeer withdraws authorization and clears any stored token.
func (r *Registry) RevokePeer(id string) error {
	return r.mutatePeer(id, func(p *Peer) {
		p.Authorized = false
		p.AuthToken = ""
	})
}

// PinFingerprint records the peer's TLS certificate fingerprint. Dialing
// with TLS requires a pin, so this is the trust-on-first-use step.
func (r *Registry) PinFingerprint(id, fingerprint string) error {
	return r.mutatePeer(id, func(p *Peer) {
		p.TLSFingerprint = fingerprint
	})
}

// TouchPeer records current contact with a peer, refreshing its last-seen
// time and, when provided, its observed address and port.
func (r *Registry) TouchPeer(id, address string, port int) error {
	return r.mutatePeer(id, func(p *Peer) {
		p.LastSeen = time.Now()
		if address != "" {
			p.Address = address
		}
		if port > 0 {
			p.Port = port
		}
	})
}

func (r *Registry) mutatePeer(id string, mutate func(*Peer)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}

	next := prev
	mutate(&next)
	r.peers[id] = next
	if err := r.persistLocked(); err != nil {
		r.peers[id] = prev
		return err
	}
	return nil
}

// ListPeers returns all peers ordered by name, then id.
func (r *Registry) ListPeers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Name != peers[j].Name {
			return peers[i].Name < peers[j].Name
		}
		return peers[i].ID < peers[j].ID
	})
	return peers
}

// AuthorizedPeers returns the authorized subset in ListPeers order.
func (r *Registry) AuthorizedPeers() []Peer {
	var out []Peer
	for _, p := range r.ListPeers() {
		if p.Authorized {
			out = append(out, p)
		}
	}
	return out
}

// OnlinePeers returns authorized peers seen within OnlineThreshold.
func (r *Registry) OnlinePeers() []Peer {
	now := time.Now()
	var out []Peer
	for _, p := range r.ListPeers() {
		if p.Online(now) {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of known peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Registry) persistLocked() error {
	file := registryFile{
		LocalPeerID:   r.localID,
		LocalPeerName: r.localName,
		Peers:         make([]Peer, 0, len(r.peers)),
	}
	for _, p := range r.peers {
		file.Peers = append(file.Peers, p)
	}
	sort.Slice(file.Peers, func(i, j int) bool { return file.Peers[i].ID < file.Peers[j].ID })

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}
