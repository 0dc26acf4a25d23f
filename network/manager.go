package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentmesh/auth"
	"agentmesh/config"
	"agentmesh/crypto"
	"agentmesh/discovery"
	"agentmesh/protocol"
	"agentmesh/registry"
	"agentmesh/storage"
)

const (
	// DefaultTokenSweepInterval is how often the manager drops expired
	// tokens and prunes aged dedupe records.
	DefaultTokenSweepInterval = time.Hour
	// DefaultSeenMessageRetention is how long message ids stay in the
	// dedupe table before the sweep drops them.
	DefaultSeenMessageRetention = 24 * time.Hour
)

var (
	// ErrNotRunning is returned by operations that need a live transport.
	ErrNotRunning = errors.New("network: manager is not running")
	// ErrNetworkDisabled is returned by Start when networking is off in config.
	ErrNetworkDisabled = errors.New("network: networking is disabled in configuration")
	// ErrNoPinnedCertificate is returned when a TLS dial has no fingerprint
	// to verify against.
	ErrNoPinnedCertificate = errors.New("network: peer has no pinned certificate fingerprint")
	// ErrChallengeNotFound is returned when no challenge is outstanding for
	// a peer.
	ErrChallengeNotFound = errors.New("network: no outstanding challenge for peer")
)

// ManagerOptions wires the manager to its collaborators. Registry and
// Tokens are required; Store and Logger are optional.
type ManagerOptions struct {
	Network config.NetworkConfig

	CertificatePath string
	KeyPath         string

	Registry *registry.Registry
	Tokens   *auth.TokenStore
	Store    *storage.Store
	Logger   *zap.Logger

	TokenSweepInterval   time.Duration
	SeenMessageRetention time.Duration

	// OnMessage and OnBroadcast are handed to the server as traffic sinks.
	OnMessage   func(conn *Conn, msg *protocol.Message, cmd protocol.ChatMessage)
	OnBroadcast func(conn *Conn, msg *protocol.Message, cmd protocol.Broadcast)
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.TokenSweepInterval <= 0 {
		out.TokenSweepInterval = DefaultTokenSweepInterval
	}
	if out.SeenMessageRetention <= 0 {
		out.SeenMessageRetention = DefaultSeenMessageRetention
	}
	return out
}

func (o ManagerOptions) validate() error {
	if o.Registry == nil {
		return errors.New("registry is required")
	}
	if o.Tokens == nil {
		return errors.New("token store is required")
	}
	return nil
}

// Status is a point-in-time snapshot of the networking subsystem.
type Status struct {
	Running          bool
	Port             int
	TLSEnabled       bool
	DiscoveryEnabled bool
	LocalPeerID      string
	LocalPeerName    string
	Connections      int
	KnownPeers       int
	AuthorizedPeers  int
	DiscoveredPeers  int
	Sessions         int
}

// Manager composes the transport server, discovery, registry, token
// store, and event store behind one lifecycle. It adds no protocol
// behavior of its own.
type Manager struct {
	options ManagerOptions
	logger  *zap.Logger

	mu        sync.Mutex
	running   bool
	server    *Server
	discovery *discovery.Service

	challengeMu sync.Mutex
	challenges  map[string]auth.Challenge

	stopSweep chan struct{}
	wg        sync.WaitGroup
}

// NewManager builds a manager from its options. The subsystem stays
// idle until Start.
func NewManager(options ManagerOptions) (*Manager, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		options:    opts,
		logger:     opts.Logger,
		challenges: make(map[string]auth.Challenge),
	}, nil
}

// Start brings up the transport server, then discovery. A TLS setup
// failure aborts the start; a discovery failure is logged and the
// subsystem keeps running without it.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	if !m.options.Network.Enabled {
		return ErrNetworkDisabled
	}

	localID := m.options.Registry.LocalPeerID()
	localName := m.options.Registry.LocalPeerName()

	var tlsConfig *tls.Config
	if m.options.Network.TLSEnabled {
		created, err := crypto.EnsureCertificate(m.options.CertificatePath, m.options.KeyPath, localName)
		if err != nil {
			return fmt.Errorf("ensure certificate: %w", err)
		}
		if created {
			m.logger.Info("generated TLS certificate",
				zap.String("cert_path", m.options.CertificatePath))
		}
		tlsConfig, err = crypto.LoadServerTLSConfig(m.options.CertificatePath, m.options.KeyPath)
		if err != nil {
			return fmt.Errorf("load TLS config: %w", err)
		}
	}

	server, err := Listen(fmt.Sprintf(":%d", m.options.Network.Port), Options{
		LocalPeerID:    localID,
		LocalPeerName:  localName,
		TLSConfig:      tlsConfig,
		RequireAuth:    true,
		MaxConnections: m.options.Network.MaxConnections,
		Tokens:         m.options.Tokens,
		Registry:       m.options.Registry,
		Store:          m.options.Store,
		Logger:         m.logger,
		OnMessage:      m.options.OnMessage,
		OnBroadcast:    m.options.OnBroadcast,
	})
	if err != nil {
		return err
	}
	m.server = server

	if m.options.Network.DiscoveryEnabled {
		_, port := splitHostPort(server.Addr())
		service, err := discovery.Start(m.discoveryConfig(localID, localName, port))
		if err != nil {
			// The mesh still works with manual addresses.
			m.logger.Warn("discovery unavailable", zap.Error(err))
		} else {
			m.discovery = service
		}
	}

	m.stopSweep = make(chan struct{})
	m.wg.Add(1)
	go m.sweepLoop()

	m.running = true
	m.logger.Info("network manager started",
		zap.String("peer_id", localID),
		zap.String("address", server.Addr().String()),
		zap.Bool("tls", tlsConfig != nil),
		zap.Bool("discovery", m.discovery != nil))
	return nil
}

// Stop shuts down discovery and the server. Idempotent.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	if m.discovery != nil {
		m.discovery.Stop()
		m.discovery = nil
	}

	close(m.stopSweep)
	m.wg.Wait()

	err := m.server.Stop()
	m.server = nil
	m.running = false
	m.logger.Info("network manager stopped")
	return err
}

// Running reports whether Start has completed and Stop has not.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Status returns a snapshot of the subsystem.
func (m *Manager) Status() Status {
	m.mu.Lock()
	server := m.server
	disco := m.discovery
	running := m.running
	m.mu.Unlock()

	status := Status{
		Running:          running,
		Port:             m.options.Network.Port,
		TLSEnabled:       m.options.Network.TLSEnabled,
		DiscoveryEnabled: m.options.Network.DiscoveryEnabled,
		LocalPeerID:      m.options.Registry.LocalPeerID(),
		LocalPeerName:    m.options.Registry.LocalPeerName(),
		KnownPeers:       m.options.Registry.Count(),
		AuthorizedPeers:  len(m.options.Registry.AuthorizedPeers()),
	}
	if server != nil {
		_, status.Port = splitHostPort(server.Addr())
		status.Connections = server.ConnectionCount()
		status.Sessions = len(server.Sessions())
	}
	if disco != nil && disco.Scanner != nil {
		status.DiscoveredPeers = len(disco.Scanner.ListPeers())
	}
	return status
}

// AddPeer records a peer in the registry.
func (m *Manager) AddPeer(p registry.Peer) error {
	if err := m.options.Registry.AddPeer(p); err != nil {
		return err
	}
	m.logEvent("peer_added", p.ID, storage.SeverityInfo, fmt.Sprintf(`{"name":%q}`, p.Name))
	return nil
}

// RemovePeer forgets a peer entirely.
func (m *Manager) RemovePeer(id string) error {
	if err := m.options.Registry.RemovePeer(id); err != nil {
		return err
	}
	m.logEvent("peer_removed", id, storage.SeverityInfo, "{}")
	return nil
}

// GetPeer returns one registry entry.
func (m *Manager) GetPeer(id string) (registry.Peer, error) {
	return m.options.Registry.GetPeer(id)
}

// ListPeers returns all registry entries.
func (m *Manager) ListPeers() []registry.Peer {
	return m.options.Registry.ListPeers()
}

// IssueToken issues an unbound single-use token.
func (m *Manager) IssueToken(ttl time.Duration) (auth.Token, error) {
	token, err := m.options.Tokens.CreateToken(ttl)
	if err != nil {
		return auth.Token{}, err
	}
	m.logEvent("token_issued", "", storage.SeverityInfo, `{"bound":false}`)
	return token, nil
}

// IssueTokenForPeer issues a token only the named peer can redeem.
func (m *Manager) IssueTokenForPeer(peerID string, ttl time.Duration) (auth.Token, error) {
	token, err := m.options.Tokens.CreateTokenForPeer(peerID, ttl)
	if err != nil {
		return auth.Token{}, err
	}
	m.logEvent("token_issued", peerID, storage.SeverityInfo, `{"bound":true}`)
	return token, nil
}

// ValidateToken redeems a token on behalf of peerID.
func (m *Manager) ValidateToken(token, peerID string) (bool, error) {
	return m.options.Tokens.ValidateToken(token, peerID)
}

// AuthorizePeer issues a bound token and marks the peer authorized in
// one operation. The returned token string is for out-of-band delivery
// to the peer.
func (m *Manager) AuthorizePeer(peerID string) (string, error) {
	token, err := m.options.Tokens.CreateTokenForPeer(peerID, 0)
	if err != nil {
		return "", err
	}
	if err := m.options.Registry.AuthorizePeer(peerID, token.Token); err != nil {
		return "", err
	}
	m.logEvent("peer_authorized", peerID, storage.SeverityInfo, "{}")
	return token.Token, nil
}

// RevokePeer withdraws a peer's authorization. Its registry entry and
// history stay.
func (m *Manager) RevokePeer(peerID string) error {
	if err := m.options.Registry.RevokePeer(peerID); err != nil {
		return err
	}
	m.logEvent("peer_revoked", peerID, storage.SeverityWarning, "{}")
	return nil
}

// PinPeerCertificate records a peer's TLS certificate fingerprint for
// later dial verification.
func (m *Manager) PinPeerCertificate(peerID, fingerprint string) error {
	if err := m.options.Registry.PinFingerprint(peerID, fingerprint); err != nil {
		return err
	}
	m.logEvent("certificate_pinned", peerID, storage.SeverityInfo,
		fmt.Sprintf(`{"fingerprint":%q}`, fingerprint))
	return nil
}

// CreateChallenge opens a one-shot challenge for a peer that already
// holds an issued token. The nonce goes to the peer; the expected
// response is derived on both sides from the shared token.
func (m *Manager) CreateChallenge(peerID string) (auth.Challenge, error) {
	peer, err := m.options.Registry.GetPeer(peerID)
	if err != nil {
		return auth.Challenge{}, err
	}
	if peer.AuthToken == "" {
		return auth.Challenge{}, fmt.Errorf("network: peer %q has no shared token", peerID)
	}

	challenge, err := auth.NewChallenge(peerID, 0)
	if err != nil {
		return auth.Challenge{}, err
	}

	m.challengeMu.Lock()
	m.challenges[peerID] = challenge
	m.challengeMu.Unlock()
	return challenge, nil
}

// VerifyChallengeResponse checks the response to the outstanding
// challenge for peerID. The challenge is consumed on success and on
// expiry; a wrong response leaves it answerable until it expires.
func (m *Manager) VerifyChallengeResponse(peerID, response string) (bool, error) {
	m.challengeMu.Lock()
	challenge, ok := m.challenges[peerID]
	if ok && challenge.Expired(time.Now()) {
		delete(m.challenges, peerID)
		ok = false
	}
	m.challengeMu.Unlock()
	if !ok {
		return false, ErrChallengeNotFound
	}

	peer, err := m.options.Registry.GetPeer(peerID)
	if err != nil {
		return false, err
	}
	secret, err := auth.DeriveSharedSecret(peer.AuthToken, peerID)
	if err != nil {
		return false, err
	}

	if !auth.VerifyResponse(challenge.Nonce, secret, response) {
		return false, nil
	}

	m.challengeMu.Lock()
	delete(m.challenges, peerID)
	m.challengeMu.Unlock()
	return true, nil
}

// ConnectToPeer dials a registry peer using its recorded endpoint and
// adopts the connection into the server's dispatch loop.
func (m *Manager) ConnectToPeer(peerID string) (*Conn, error) {
	return m.connect(peerID, "")
}

// ConnectAndAuth dials a registry peer and authenticates with the given
// token before the connection opens.
func (m *Manager) ConnectAndAuth(peerID, token string) (*Conn, error) {
	return m.connect(peerID, token)
}

func (m *Manager) connect(peerID, token string) (*Conn, error) {
	server := m.serverRef()
	if server == nil {
		return nil, ErrNotRunning
	}

	peer, err := m.options.Registry.GetPeer(peerID)
	if err != nil {
		return nil, err
	}
	if peer.Address == "" || peer.Port <= 0 {
		return nil, fmt.Errorf("network: peer %q has no known endpoint", peerID)
	}

	opts := DialOptions{
		LocalPeerID:   m.options.Registry.LocalPeerID(),
		LocalPeerName: m.options.Registry.LocalPeerName(),
	}
	if m.options.Network.TLSEnabled {
		if peer.TLSFingerprint == "" {
			return nil, ErrNoPinnedCertificate
		}
		opts.TLSConfig = crypto.PinnedClientTLSConfig(peer.TLSFingerprint)
	}

	address := fmt.Sprintf("%s:%d", peer.Address, peer.Port)
	var conn *Conn
	if token != "" {
		conn, err = DialAndAuth(address, token, opts)
	} else {
		conn, err = Dial(address, opts)
	}
	if err != nil {
		return nil, err
	}

	server.Adopt(conn)
	return conn, nil
}

// AnnounceSession advertises a local collaboration session to every
// connected peer.
func (m *Manager) AnnounceSession(sessionID, sessionName, role, workingDir string) error {
	server := m.serverRef()
	if server == nil {
		return ErrNotRunning
	}
	server.AnnounceLocalSession(sessionID, sessionName, role, workingDir)
	return nil
}

// EndSession withdraws a local session.
func (m *Manager) EndSession(sessionID string) error {
	server := m.serverRef()
	if server == nil {
		return ErrNotRunning
	}
	server.EndLocalSession(sessionID)
	return nil
}

// Sessions returns the merged session table.
func (m *Manager) Sessions() []RemoteSession {
	server := m.serverRef()
	if server == nil {
		return nil
	}
	return server.Sessions()
}

// Session returns one tracked session by id. The second return is false
// when the transport is down or the session is unknown.
func (m *Manager) Session(sessionID string) (RemoteSession, bool) {
	server := m.serverRef()
	if server == nil {
		return RemoteSession{}, false
	}
	return server.Session(sessionID)
}

// RegisterHandler installs a dispatch handler on the running server.
func (m *Manager) RegisterHandler(h Handler) error {
	server := m.serverRef()
	if server == nil {
		return ErrNotRunning
	}
	server.RegisterHandler(h)
	return nil
}

// Broadcast fans a command out to every connected peer.
func (m *Manager) Broadcast(cmd protocol.Command) error {
	server := m.serverRef()
	if server == nil {
		return ErrNotRunning
	}
	server.Broadcast(cmd)
	return nil
}

// SendMessage delivers a directed message to a connected peer.
func (m *Manager) SendMessage(toPeer, toSession, fromSession, content string) error {
	server := m.serverRef()
	if server == nil {
		return ErrNotRunning
	}
	conn := server.ConnByPeer(toPeer)
	if conn == nil {
		return fmt.Errorf("network: peer %q is not connected", toPeer)
	}
	return conn.Send(protocol.ChatMessage{
		FromPeer:    m.options.Registry.LocalPeerID(),
		FromSession: fromSession,
		ToPeer:      toPeer,
		ToSession:   toSession,
		Content:     content,
		Timestamp:   time.Now().Unix(),
	})
}

// DiscoverPeers runs one bounded mDNS scan regardless of whether the
// background scanner is running.
func (m *Manager) DiscoverPeers(ctx context.Context, timeout time.Duration) ([]discovery.DiscoveredPeer, error) {
	localID := m.options.Registry.LocalPeerID()
	localName := m.options.Registry.LocalPeerName()
	return discovery.DiscoverOnce(ctx, m.discoveryConfig(localID, localName, m.options.Network.Port), timeout)
}

// DiscoveredPeers returns the background scanner's current view.
func (m *Manager) DiscoveredPeers() []discovery.DiscoveredPeer {
	m.mu.Lock()
	disco := m.discovery
	m.mu.Unlock()

	if disco == nil || disco.Scanner == nil {
		return nil
	}
	return disco.Scanner.ListPeers()
}

// DiscoveryEvents returns the background scanner's event stream, or nil
// when discovery is not running.
func (m *Manager) DiscoveryEvents() <-chan discovery.Event {
	m.mu.Lock()
	disco := m.discovery
	m.mu.Unlock()

	if disco == nil || disco.Scanner == nil {
		return nil
	}
	return disco.Scanner.Events()
}

// CertificateFingerprint returns the local certificate's fingerprint,
// the value peers pin and the human pairing code is derived from.
func (m *Manager) CertificateFingerprint() (string, error) {
	return crypto.CertificateFingerprint(m.options.CertificatePath)
}

// Errors exposes the running server's asynchronous error stream.
func (m *Manager) Errors() <-chan error {
	server := m.serverRef()
	if server == nil {
		return nil
	}
	return server.Errors()
}

func (m *Manager) serverRef() *Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server
}

func (m *Manager) discoveryConfig(localID, localName string, port int) discovery.Config {
	var fingerprint string
	if m.options.Network.TLSEnabled {
		if fp, err := crypto.CertificateFingerprint(m.options.CertificatePath); err == nil {
			fingerprint = fp
		}
	}
	return discovery.Config{
		SelfPeerID:  localID,
		PeerName:    localName,
		Port:        port,
		Fingerprint: fingerprint,
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.options.TokenSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			removed, err := m.options.Tokens.SweepExpired()
			if err != nil {
				m.logger.Warn("token sweep failed", zap.Error(err))
			} else if removed > 0 {
				m.logger.Info("swept expired tokens", zap.Int("removed", removed))
			}

			cutoff := time.Now().Add(-m.options.SeenMessageRetention).UnixMilli()
			pruned, err := m.options.Store.PruneSeenMessages(cutoff)
			if err != nil {
				m.logger.Warn("seen message prune failed", zap.Error(err))
			} else if pruned > 0 {
				m.logger.Info("pruned seen message ids", zap.Int64("removed", pruned))
			}
		}
	}
}

func (m *Manager) logEvent(eventType, peerID, severity, details string) {
	event := storage.Event{
		EventType: eventType,
		Details:   details,
		Severity:  severity,
	}
	if peerID != "" {
		event.PeerID = &peerID
	}
	if err := m.options.Store.LogEvent(event); err != nil {
		m.logger.Warn("event log write failed",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
