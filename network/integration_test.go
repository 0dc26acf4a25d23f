package network

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"agentmesh/auth"
	"agentmesh/crypto"
	"agentmesh/protocol"
	"agentmesh/registry"
	"agentmesh/storage"
)

func newTestTokenStore(t *testing.T) *auth.TokenStore {
	t.Helper()

	tokens, err := auth.LoadTokens(filepath.Join(t.TempDir(), "tokens.json"))
	if err != nil {
		t.Fatalf("LoadTokens failed: %v", err)
	}
	return tokens
}

func TestAuthTokenIsSingleUse(t *testing.T) {
	tokens := newTestTokenStore(t)
	server := newTestServer(t, Options{
		LocalPeerID:   "server-auth",
		LocalPeerName: "Server Auth",
		RequireAuth:   true,
		Tokens:        tokens,
	})

	issued, err := tokens.CreateTokenForPeer("client-auth", time.Minute)
	if err != nil {
		t.Fatalf("CreateTokenForPeer failed: %v", err)
	}

	opts := DialOptions{
		LocalPeerID:   "client-auth",
		LocalPeerName: "Client Auth",
	}
	conn, err := DialAndAuth(server.Addr().String(), issued.Token, opts)
	if err != nil {
		t.Fatalf("DialAndAuth failed: %v", err)
	}
	defer func() {
		_ = conn.Close()
	}()
	if !conn.Authenticated() {
		t.Fatalf("expected connection to be authenticated")
	}
	if conn.State() != StateOpen {
		t.Fatalf("expected state %s, got %s", StateOpen, conn.State())
	}

	if _, err := DialAndAuth(server.Addr().String(), issued.Token, opts); !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected second redemption to fail with ErrAuthRejected, got %v", err)
	}
}

func TestAuthRejectsUnknownToken(t *testing.T) {
	server := newTestServer(t, Options{
		RequireAuth: true,
		Tokens:      newTestTokenStore(t),
	})

	_, err := DialAndAuth(server.Addr().String(), "no-such-token", DialOptions{
		LocalPeerID:   "client-unknown",
		LocalPeerName: "Client Unknown",
	})
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
}

func TestAuthRejectsTokenBoundToAnotherPeer(t *testing.T) {
	tokens := newTestTokenStore(t)
	server := newTestServer(t, Options{
		RequireAuth: true,
		Tokens:      tokens,
	})

	issued, err := tokens.CreateTokenForPeer("the-right-peer", time.Minute)
	if err != nil {
		t.Fatalf("CreateTokenForPeer failed: %v", err)
	}

	_, err = DialAndAuth(server.Addr().String(), issued.Token, DialOptions{
		LocalPeerID:   "an-impostor",
		LocalPeerName: "Impostor",
	})
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}

	// The failed redemption must not have consumed the token.
	conn, err := DialAndAuth(server.Addr().String(), issued.Token, DialOptions{
		LocalPeerID:   "the-right-peer",
		LocalPeerName: "Right Peer",
	})
	if err != nil {
		t.Fatalf("rightful holder should still redeem the token: %v", err)
	}
	_ = conn.Close()
}

func TestAuthRejectsRevokedRegistryPeer(t *testing.T) {
	tokens := newTestTokenStore(t)
	reg, err := registry.Load(filepath.Join(t.TempDir(), "registry.json"))
	if err != nil {
		t.Fatalf("registry.Load failed: %v", err)
	}
	if err := reg.AddPeer(registry.Peer{ID: "client-revoked", Name: "Revoked"}); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}

	server := newTestServer(t, Options{
		RequireAuth: true,
		Tokens:      tokens,
		Registry:    reg,
	})

	issued, err := tokens.CreateTokenForPeer("client-revoked", time.Minute)
	if err != nil {
		t.Fatalf("CreateTokenForPeer failed: %v", err)
	}

	_, err = DialAndAuth(server.Addr().String(), issued.Token, DialOptions{
		LocalPeerID:   "client-revoked",
		LocalPeerName: "Revoked",
	})
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected for unauthorized registry peer, got %v", err)
	}
}

func TestAuthServerClosesClientThatSkipsAuth(t *testing.T) {
	server := newTestServer(t, Options{
		RequireAuth:    true,
		Tokens:         newTestTokenStore(t),
		ConnectTimeout: 500 * time.Millisecond,
	})

	conn, err := Dial(server.Addr().String(), DialOptions{
		LocalPeerID:   "client-skips-auth",
		LocalPeerName: "Skips Auth",
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	// The next frame is not an AuthRequest, so the server drops us.
	_ = conn.Send(protocol.Ping{})

	select {
	case <-conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("expected server to close a connection that skips auth")
	}
	if server.ConnectionCount() != 0 {
		t.Fatalf("expected no registered connections, got %d", server.ConnectionCount())
	}
}

func TestTLSTransportWithPinnedFingerprint(t *testing.T) {
	certDir := t.TempDir()
	certPath := filepath.Join(certDir, "cert.pem")
	keyPath := filepath.Join(certDir, "key.pem")
	if err := crypto.GenerateCertificate(certPath, keyPath, "Server TLS"); err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}
	serverTLS, err := crypto.LoadServerTLSConfig(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadServerTLSConfig failed: %v", err)
	}
	fingerprint, err := crypto.CertificateFingerprint(certPath)
	if err != nil {
		t.Fatalf("CertificateFingerprint failed: %v", err)
	}

	tokens := newTestTokenStore(t)
	server := newTestServer(t, Options{
		LocalPeerID:   "server-tls",
		LocalPeerName: "Server TLS",
		TLSConfig:     serverTLS,
		Tokens:        tokens,
	})

	issued, err := tokens.CreateTokenForPeer("client-tls", time.Minute)
	if err != nil {
		t.Fatalf("CreateTokenForPeer failed: %v", err)
	}

	conn, err := DialAndAuth(server.Addr().String(), issued.Token, DialOptions{
		LocalPeerID:   "client-tls",
		LocalPeerName: "Client TLS",
		TLSConfig:     crypto.PinnedClientTLSConfig(fingerprint),
	})
	if err != nil {
		t.Fatalf("DialAndAuth over TLS failed: %v", err)
	}
	defer func() {
		_ = conn.Close()
	}()
	if !conn.Authenticated() {
		t.Fatalf("expected authenticated TLS connection")
	}

	// Traffic flows over the encrypted session like any other.
	waitForCondition(t, 2*time.Second, func() bool {
		return server.ConnectionCount() == 1
	})
	server.Broadcast(protocol.Broadcast{Content: "over tls"})
	msg := receiveWithin(t, conn, 2*time.Second)
	cmd, ok := msg.Command.(protocol.Broadcast)
	if !ok || cmd.Content != "over tls" {
		t.Fatalf("unexpected broadcast over TLS: %+v", msg.Command)
	}
}

func TestTLSDialWithWrongPinnedFingerprintFails(t *testing.T) {
	certDir := t.TempDir()
	certPath := filepath.Join(certDir, "cert.pem")
	keyPath := filepath.Join(certDir, "key.pem")
	if err := crypto.GenerateCertificate(certPath, keyPath, "Server TLS"); err != nil {
		t.Fatalf("GenerateCertificate failed: %v", err)
	}
	serverTLS, err := crypto.LoadServerTLSConfig(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadServerTLSConfig failed: %v", err)
	}

	server := newTestServer(t, Options{
		TLSConfig: serverTLS,
		Tokens:    newTestTokenStore(t),
	})

	wrong := "0000000000000000000000000000000000000000000000000000000000000000"
	_, err = Dial(server.Addr().String(), DialOptions{
		LocalPeerID:   "client-wrong-pin",
		LocalPeerName: "Wrong Pin",
		TLSConfig:     crypto.PinnedClientTLSConfig(wrong),
	})
	if err == nil {
		t.Fatalf("expected dial with wrong pinned fingerprint to fail")
	}
}

func TestMessageDedupeAndAck(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("storage.OpenPath failed: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	delivered := make(chan protocol.ChatMessage, 4)
	server := newTestServer(t, Options{
		LocalPeerID:   "server-dedupe",
		LocalPeerName: "Server Dedupe",
		Store:         store,
		OnMessage: func(_ *Conn, _ *protocol.Message, cmd protocol.ChatMessage) {
			delivered <- cmd
		},
	})

	client := dialTestClient(t, server, "client-dedupe", "Client Dedupe")

	msg := protocol.NewMessage(protocol.ChatMessage{
		FromPeer:  "client-dedupe",
		ToPeer:    "server-dedupe",
		Content:   "hello",
		Timestamp: time.Now().Unix(),
	})
	if err := client.SendMessage(msg); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	ack := receiveWithin(t, client, 2*time.Second)
	ackCmd, ok := ack.Command.(protocol.MessageAck)
	if !ok {
		t.Fatalf("expected message ack, got %q", ack.Command.CommandType())
	}
	if ackCmd.MessageID != msg.ID {
		t.Fatalf("ack for wrong message: got %q, want %q", ackCmd.MessageID, msg.ID)
	}

	select {
	case cmd := <-delivered:
		if cmd.Content != "hello" {
			t.Fatalf("unexpected content %q", cmd.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message sink never ran")
	}

	// Resending the identical envelope is dropped without a second ack
	// or delivery.
	if err := client.SendMessage(msg); err != nil {
		t.Fatalf("resend failed: %v", err)
	}
	select {
	case cmd := <-delivered:
		t.Fatalf("duplicate message was delivered: %+v", cmd)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestMessageForAnotherPeerIsDropped(t *testing.T) {
	delivered := make(chan protocol.ChatMessage, 1)
	server := newTestServer(t, Options{
		LocalPeerID:   "server-local",
		LocalPeerName: "Server Local",
		OnMessage: func(_ *Conn, _ *protocol.Message, cmd protocol.ChatMessage) {
			delivered <- cmd
		},
	})

	client := dialTestClient(t, server, "client-misroute", "Client Misroute")

	if err := client.Send(protocol.ChatMessage{
		FromPeer: "client-misroute",
		ToPeer:   "somebody-else",
		Content:  "not for you",
	}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case cmd := <-delivered:
		t.Fatalf("misrouted message was delivered: %+v", cmd)
	case <-time.After(300 * time.Millisecond):
	}
}
