package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Load(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return r
}

func TestAddAndGetPeer(t *testing.T) {
	r := newTestRegistry(t)

	peer := Peer{ID: "peer-a", Name: "alice", Address: "192.168.1.20", Port: 9753}
	if err := r.AddPeer(peer); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	got, err := r.GetPeer("peer-a")
	if err != nil {
		t.Fatalf("GetPeer: %v", err)
	}
	if got.Name != "alice" || got.Address != "192.168.1.20" || got.Port != 9753 {
		t.Errorf("unexpected peer: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
	if got.Authorized {
		t.Error("new peer should not be authorized")
	}

	if err := r.AddPeer(Peer{ID: "peer-a", Name: "imposter"}); !errors.Is(err, ErrPeerExists) {
		t.Errorf("duplicate add: err = %v, want ErrPeerExists", err)
	}
}

func TestAddPeerEmptyID(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.AddPeer(Peer{Name: "anonymous"}); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestAuthorizedPeerRequiresToken(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.AddPeer(Peer{ID: "peer-x", Name: "x", Authorized: true}); err == nil {
		t.Fatal("AddPeer should reject authorized peer without a token")
	}

	if err := r.AddPeer(Peer{ID: "peer-x", Name: "x"}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if err := r.UpdatePeer(Peer{ID: "peer-x", Name: "x", Authorized: true}); err == nil {
		t.Fatal("UpdatePeer should reject authorized peer without a token")
	}
	if err := r.UpdatePeer(Peer{ID: "peer-x", Name: "x", Authorized: true, AuthToken: "tok-x"}); err != nil {
		t.Fatalf("UpdatePeer with token: %v", err)
	}

	got, err := r.GetPeer("peer-x")
	if err != nil {
		t.Fatalf("GetPeer: %v", err)
	}
	if !got.Authorized || got.AuthToken != "tok-x" {
		t.Fatalf("unexpected peer state after update: %+v", got)
	}
}

func TestMutationsPersistImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := r.AddPeer(Peer{ID: "peer-a", Name: "alice"}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if err := r.AuthorizePeer("peer-a", "tok-1"); err != nil {
		t.Fatalf("AuthorizePeer: %v", err)
	}

	// A fresh load must observe every acknowledged mutation.
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := reloaded.GetPeer("peer-a")
	if err != nil {
		t.Fatalf("GetPeer after reload: %v", err)
	}
	if !got.Authorized || got.AuthToken != "tok-1" {
		t.Errorf("reloaded peer = %+v, want authorized with token", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat registry: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("registry file mode = %o, want 600", perm)
	}
}

func TestRemovePeer(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.AddPeer(Peer{ID: "peer-a", Name: "alice"}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if err := r.RemovePeer("peer-a"); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}
	if _, err := r.GetPeer("peer-a"); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("after remove: err = %v, want ErrPeerNotFound", err)
	}
	if err := r.RemovePeer("peer-a"); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("second remove: err = %v, want ErrPeerNotFound", err)
	}
}

func TestUpdatePeerKeepsCreatedAt(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.AddPeer(Peer{ID: "peer-a", Name: "alice"}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	original, _ := r.GetPeer("peer-a")

	if err := r.UpdatePeer(Peer{ID: "peer-a", Name: "alice-renamed"}); err != nil {
		t.Fatalf("UpdatePeer: %v", err)
	}
	got, _ := r.GetPeer("peer-a")
	if got.Name != "alice-renamed" {
		t.Errorf("name = %q, want alice-renamed", got.Name)
	}
	if !got.CreatedAt.Equal(original.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", original.CreatedAt, got.CreatedAt)
	}

	if err := r.UpdatePeer(Peer{ID: "ghost"}); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("update missing: err = %v, want ErrPeerNotFound", err)
	}
}

func TestAuthorizeAndRevoke(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.AddPeer(Peer{ID: "peer-a", Name: "alice"}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	if err := r.AuthorizePeer("peer-a", "tok-1"); err != nil {
		t.Fatalf("AuthorizePeer: %v", err)
	}
	got, _ := r.GetPeer("peer-a")
	if !got.Authorized || got.AuthToken != "tok-1" {
		t.Errorf("after authorize: %+v", got)
	}
	if got.LastSeen.IsZero() {
		t.Error("authorize should refresh LastSeen")
	}

	if err := r.RevokePeer("peer-a"); err != nil {
		t.Fatalf("RevokePeer: %v", err)
	}
	got, _ = r.GetPeer("peer-a")
	if got.Authorized || got.AuthToken != "" {
		t.Errorf("after revoke: %+v", got)
	}
}

func TestTouchPeer(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.AddPeer(Peer{ID: "peer-a", Name: "alice"}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if err := r.TouchPeer("peer-a", "10.0.0.7", 9800); err != nil {
		t.Fatalf("TouchPeer: %v", err)
	}

	got, _ := r.GetPeer("peer-a")
	if got.LastSeen.IsZero() {
		t.Error("LastSeen not set")
	}
	if got.Address != "10.0.0.7" || got.Port != 9800 {
		t.Errorf("address = %s:%d, want 10.0.0.7:9800", got.Address, got.Port)
	}

	// Empty address and zero port leave the stored values alone.
	if err := r.TouchPeer("peer-a", "", 0); err != nil {
		t.Fatalf("TouchPeer: %v", err)
	}
	got, _ = r.GetPeer("peer-a")
	if got.Address != "10.0.0.7" || got.Port != 9800 {
		t.Errorf("address overwritten: %s:%d", got.Address, got.Port)
	}
}

func TestOnlineBoundary(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		peer Peer
		want bool
	}{
		{"authorized recent", Peer{Authorized: true, LastSeen: now.Add(-time.Minute)}, true},
		{"just inside threshold", Peer{Authorized: true, LastSeen: now.Add(-OnlineThreshold + time.Second)}, true},
		{"exactly at threshold", Peer{Authorized: true, LastSeen: now.Add(-OnlineThreshold)}, false},
		{"stale", Peer{Authorized: true, LastSeen: now.Add(-time.Hour)}, false},
		{"never seen", Peer{Authorized: true}, false},
		{"unauthorized recent", Peer{Authorized: false, LastSeen: now}, false},
	}

	for _, tc := range cases {
		if got := tc.peer.Online(now); got != tc.want {
			t.Errorf("%s: Online = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPeerFilters(t *testing.T) {
	r := newTestRegistry(t)

	for _, p := range []Peer{
		{ID: "peer-c", Name: "carol"},
		{ID: "peer-a", Name: "alice"},
		{ID: "peer-b", Name: "bob"},
	} {
		if err := r.AddPeer(p); err != nil {
			t.Fatalf("AddPeer(%s): %v", p.ID, err)
		}
	}
	if err := r.AuthorizePeer("peer-a", "tok-a"); err != nil {
		t.Fatalf("AuthorizePeer: %v", err)
	}
	if err := r.AuthorizePeer("peer-b", "tok-b"); err != nil {
		t.Fatalf("AuthorizePeer: %v", err)
	}
	if err := r.TouchPeer("peer-a", "", 0); err != nil {
		t.Fatalf("TouchPeer: %v", err)
	}

	all := r.ListPeers()
	if len(all) != 3 {
		t.Fatalf("ListPeers returned %d peers, want 3", len(all))
	}
	if all[0].Name != "alice" || all[1].Name != "bob" || all[2].Name != "carol" {
		t.Errorf("peers not sorted by name: %v %v %v", all[0].Name, all[1].Name, all[2].Name)
	}

	authorized := r.AuthorizedPeers()
	if len(authorized) != 2 {
		t.Errorf("AuthorizedPeers returned %d, want 2", len(authorized))
	}

	online := r.OnlinePeers()
	if len(online) != 1 || online[0].ID != "peer-a" {
		t.Errorf("OnlinePeers = %+v, want just peer-a", online)
	}
}

func TestLocalIdentityGeneratedOnceAndPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")

	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.LocalPeerID() == "" {
		t.Fatal("fresh registry has no local peer id")
	}
	if r.LocalPeerName() == "" {
		t.Fatal("fresh registry has no local peer name")
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.LocalPeerID() != r.LocalPeerID() {
		t.Errorf("local id changed across loads: %q -> %q", r.LocalPeerID(), reloaded.LocalPeerID())
	}
	if reloaded.LocalPeerName() != r.LocalPeerName() {
		t.Errorf("local name changed across loads: %q -> %q", r.LocalPeerName(), reloaded.LocalPeerName())
	}
}

func TestSetLocalPeerName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := r.SetLocalPeerName("workbench"); err != nil {
		t.Fatalf("SetLocalPeerName: %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.LocalPeerName() != "workbench" {
		t.Errorf("reloaded name = %q, want workbench", reloaded.LocalPeerName())
	}

	if err := r.SetLocalPeerName(""); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestPinFingerprint(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.AddPeer(Peer{ID: "peer-a", Name: "alice"}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if err := r.PinFingerprint("peer-a", "ab12cd34"); err != nil {
		t.Fatalf("PinFingerprint: %v", err)
	}

	got, _ := r.GetPeer("peer-a")
	if got.TLSFingerprint != "ab12cd34" {
		t.Errorf("fingerprint = %q, want ab12cd34", got.TLSFingerprint)
	}

	if err := r.PinFingerprint("ghost", "x"); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("pin missing peer: err = %v, want ErrPeerNotFound", err)
	}
}

func TestLoadMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	r, err := Load(filepath.Join(dir, "absent.json"))
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if r.Count() != 0 {
		t.Errorf("fresh registry has %d peers", r.Count())
	}

	corrupt := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	if _, err := Load(corrupt); err == nil {
		t.Fatal("expected error for corrupt registry")
	}
}
