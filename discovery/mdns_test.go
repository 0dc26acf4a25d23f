package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"agentmesh/protocol"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		SelfPeerID:  "peer-123",
		PeerName:    "Alice Laptop",
		Port:        9753,
		Fingerprint: "aabbccdd",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}

	if gotInstance != "Alice Laptop" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9753 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "peer_id=peer-123")
	assertContainsTXT(t, gotTXT, "peer_name=Alice Laptop")
	assertContainsTXT(t, gotTXT, "version="+protocol.Version)
	assertContainsTXT(t, gotTXT, "fingerprint=aabbccdd")
}

func TestStartBroadcasterValidation(t *testing.T) {
	stub := func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
		return nil, nil
	}

	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing peer id", Config{PeerName: "Alice", Port: 9753, registerFn: stub}},
		{"missing peer name", Config{SelfPeerID: "peer-1", Port: 9753, registerFn: stub}},
		{"missing port", Config{SelfPeerID: "peer-1", PeerName: "Alice", registerFn: stub}},
	}

	for _, tc := range cases {
		if _, err := StartBroadcaster(tc.cfg); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	if cfg.Service != DefaultService {
		t.Fatalf("expected default service %q, got %q", DefaultService, cfg.Service)
	}
	if cfg.Domain != DefaultDomain {
		t.Fatalf("expected default domain %q, got %q", DefaultDomain, cfg.Domain)
	}
	if cfg.Version != protocol.Version {
		t.Fatalf("expected default version %q, got %q", protocol.Version, cfg.Version)
	}
	if cfg.RefreshInterval != DefaultRefreshInterval {
		t.Fatalf("expected default refresh interval %s, got %s", DefaultRefreshInterval, cfg.RefreshInterval)
	}
	if cfg.ScanTimeout != DefaultScanTimeout {
		t.Fatalf("expected default scan timeout %s, got %s", DefaultScanTimeout, cfg.ScanTimeout)
	}
	if cfg.TTL != DefaultTTL {
		t.Fatalf("expected default TTL %d, got %d", DefaultTTL, cfg.TTL)
	}
}

func TestServiceStartAndStop(t *testing.T) {
	cfg := Config{
		SelfPeerID: "self",
		PeerName:   "Self",
		Port:       9753,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}

	svc, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if svc.Broadcaster == nil || svc.Scanner == nil {
		t.Fatalf("expected broadcaster and scanner")
	}

	done := make(chan struct{})
	go func() {
		svc.Stop()
		svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Stop did not return")
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
