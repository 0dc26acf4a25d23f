package network

import (
	"sort"
	"sync"
	"time"

	"agentmesh/protocol"
)

// RemoteSession is one announced collaboration session. Local and remote
// sessions are tracked identically; PeerAddr is empty for local ones.
type RemoteSession struct {
	PeerID      string
	PeerName    string
	PeerAddr    string
	SessionID   string
	SessionName string
	Role        string
	WorkingDir  string
	LastSeen    time.Time
}

// sessionTable tracks sessions keyed by session id. SessionAnnounce
// upserts, SessionEnd removes.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]RemoteSession
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]RemoteSession)}
}

func (t *sessionTable) Upsert(s RemoteSession) {
	if s.SessionID == "" {
		return
	}
	s.LastSeen = time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.SessionID] = s
}

func (t *sessionTable) Remove(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[sessionID]; !ok {
		return false
	}
	delete(t.sessions, sessionID)
	return true
}

// RemoveByPeer drops every session announced by the given peer and
// reports how many were removed.
func (t *sessionTable) RemoveByPeer(peerID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, s := range t.sessions {
		if s.PeerID == peerID {
			delete(t.sessions, id)
			removed++
		}
	}
	return removed
}

func (t *sessionTable) Get(sessionID string) (RemoteSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[sessionID]
	return s, ok
}

func (t *sessionTable) List() []RemoteSession {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]RemoteSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeerID != out[j].PeerID {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

func (t *sessionTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Infos converts the table to wire form for WhoResponse.
func (t *sessionTable) Infos() []protocol.SessionInfo {
	sessions := t.List()
	out := make([]protocol.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, protocol.SessionInfo{
			PeerID:      s.PeerID,
			PeerName:    s.PeerName,
			SessionID:   s.SessionID,
			SessionName: s.SessionName,
			Role:        s.Role,
			WorkingDir:  s.WorkingDir,
		})
	}
	return out
}
