package discovery

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventPeerFound is emitted when a peer appears or its metadata changes.
	EventPeerFound EventType = "peer_found"
	// EventPeerLost is emitted when a previously seen peer disappears.
	EventPeerLost EventType = "peer_lost"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for consumers.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer contains a discovered LAN endpoint.
type DiscoveredPeer struct {
	PeerID      string
	PeerName    string
	Fingerprint string
	Version     string
	HostName    string
	Port        int
	Addresses   []string
	LastSeen    time.Time
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner discovers peers with periodic and manual mDNS browse operations.
type Scanner struct {
	cfg Config

	browse browseFunc

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:             cfg,
		browse:          browse,
		peers:           make(map[string]DiscoveredPeer),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background peer scanning.
func (s *Scanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return s.startErr
}

// Stop stops background scanning. It is idempotent, and a stopped scanner
// stays stopped.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *Scanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}
}

// ListPeers returns the current in-memory discovered peers snapshot.
func (s *Scanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}

	sortPeers(out)
	return out
}

// ClearStalePeers drops peers not seen within maxAge and emits peer_lost
// events for them. Scans normally replace the whole snapshot, so this only
// matters when scanning is failing or paused.
func (s *Scanner) ClearStalePeers(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, peer := range s.peers {
		if peer.LastSeen.Before(cutoff) {
			delete(s.peers, id)
			s.emitEvent(Event{Type: EventPeerLost, Peer: peer})
			removed++
		}
	}
	return removed
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	// Prime the available peer list immediately.
	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	next, err := collectPeers(scanCtx, s.browse, s.cfg)
	if err != nil {
		return err
	}

	s.applySnapshot(next)
	return nil
}

func (s *Scanner) applySnapshot(next map[string]DiscoveredPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.peers
	s.peers = next

	for id, peer := range next {
		old, exists := previous[id]
		if !exists || !peersEqual(old, peer) {
			s.emitEvent(Event{Type: EventPeerFound, Peer: peer})
		}
	}

	for id, peer := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventPeerLost, Peer: peer})
		}
	}
}

func (s *Scanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

// DiscoverOnce performs a single bounded browse without a running scanner
// and returns the peers found.
func DiscoverOnce(ctx context.Context, config Config, timeout time.Duration) ([]DiscoveredPeer, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = cfg.ScanTimeout
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found, err := collectPeers(scanCtx, browse, cfg)
	if err != nil {
		return nil, err
	}

	out := make([]DiscoveredPeer, 0, len(found))
	for _, peer := range found {
		out = append(out, peer)
	}
	sortPeers(out)
	return out, nil
}

// collectPeers runs one browse over the scan context and gathers entries
// until the context ends. Deadline-or-cancel termination is the normal end
// of a scan window, not an error.
func collectPeers(scanCtx context.Context, browse browseFunc, cfg Config) (map[string]DiscoveredPeer, error) {
	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredPeer)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, cfg.SelfPeerID)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				collectedMu.Lock()
				collected[peer.PeerID] = peer
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		// Hitting the scan deadline is the normal end of a browse window.
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return nil, err
		}
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	defer collectedMu.Unlock()

	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	return collected, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfPeerID string) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	peerID := strings.TrimSpace(txt["peer_id"])
	if peerID == "" || peerID == selfPeerID {
		return DiscoveredPeer{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(txt["peer_name"])
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = peerID
	}

	return DiscoveredPeer{
		PeerID:      peerID,
		PeerName:    name,
		Fingerprint: strings.TrimSpace(txt["fingerprint"]),
		Version:     strings.TrimSpace(txt["version"]),
		HostName:    entry.HostName,
		Port:        entry.Port,
		Addresses:   addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func sortPeers(peers []DiscoveredPeer) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].PeerName == peers[j].PeerName {
			return peers[i].PeerID < peers[j].PeerID
		}
		return peers[i].PeerName < peers[j].PeerName
	})
}

func peersEqual(a, b DiscoveredPeer) bool {
	if a.PeerID != b.PeerID ||
		a.PeerName != b.PeerName ||
		a.Fingerprint != b.Fingerprint ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
