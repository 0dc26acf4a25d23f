package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"agentmesh/auth"
	"agentmesh/config"
	"agentmesh/crypto"
	"agentmesh/discovery"
	"agentmesh/network"
	"agentmesh/protocol"
	"agentmesh/registry"
	"agentmesh/storage"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	dataDir := filepath.Dir(cfgPath)

	reg, err := registry.Load(config.RegistryPath(dataDir))
	if err != nil {
		log.Fatalf("startup failed while loading peer registry: %v", err)
	}

	tokens, err := auth.LoadTokens(config.TokensPath(dataDir))
	if err != nil {
		log.Fatalf("startup failed while loading token store: %v", err)
	}

	identity, err := crypto.EnsureIdentityKeyPair(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing identity keypair: %v", err)
	}
	if fingerprint := identity.Fingerprint(); cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			log.Fatalf("startup failed while persisting key fingerprint: %v", err)
		}
	}

	fmt.Printf("Peer ID:         %s\n", reg.LocalPeerID())
	fmt.Printf("Peer Name:       %s\n", reg.LocalPeerName())
	fmt.Printf("Listening Port:  %d\n", cfg.Network.Port)
	fmt.Printf("Pairing Code:    %s\n", crypto.FormatFingerprint(cfg.KeyFingerprint))
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening event store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("event store close error: %v", err)
		}
	}()
	fmt.Printf("Event Store:     %s\n", dbPath)

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	manager, err := network.NewManager(network.ManagerOptions{
		Network:         cfg.Network,
		CertificatePath: config.CertificatePath(dataDir),
		KeyPath:         config.KeyPath(dataDir),
		Registry:        reg,
		Tokens:          tokens,
		Store:           store,
		Logger:          logger,
		OnMessage: func(conn *network.Conn, msg *protocol.Message, cmd protocol.ChatMessage) {
			log.Printf("message from %s (%s): %s", conn.PeerName(), cmd.FromPeer, cmd.Content)
		},
		OnBroadcast: func(conn *network.Conn, _ *protocol.Message, cmd protocol.Broadcast) {
			log.Printf("broadcast from %s (%s): %s", conn.PeerName(), cmd.FromPeer, cmd.Content)
		},
	})
	if err != nil {
		log.Fatalf("startup failed while building network manager: %v", err)
	}

	switch {
	case !cfg.Network.Enabled:
		fmt.Println("Networking:      disabled (network.enabled=false)")
	case !cfg.Network.AutoStart:
		fmt.Println("Networking:      idle (set network.auto_start=true to serve at boot)")
	default:
		if err := manager.Start(); err != nil {
			log.Fatalf("startup failed while starting network manager: %v", err)
		}
		if fingerprint, err := manager.CertificateFingerprint(); err == nil {
			fmt.Printf("TLS Fingerprint: %s\n", crypto.FormatFingerprint(fingerprint))
		}
		status := manager.Status()
		fmt.Printf("Networking:      running on port %d (tls=%t discovery=%t)\n",
			status.Port, status.TLSEnabled, status.DiscoveryEnabled)
		if events := manager.DiscoveryEvents(); events != nil {
			go logDiscoveryEvents(events)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")

	if err := manager.Stop(); err != nil {
		log.Printf("network manager stop error: %v", err)
	}
}

func logDiscoveryEvents(events <-chan discovery.Event) {
	for event := range events {
		switch event.Type {
		case discovery.EventPeerFound:
			log.Printf("discovery: peer available id=%s name=%q addr=%v port=%d",
				event.Peer.PeerID, event.Peer.PeerName, event.Peer.Addresses, event.Peer.Port)
		case discovery.EventPeerLost:
			log.Printf("discovery: peer lost id=%s", event.Peer.PeerID)
		default:
			log.Printf("discovery: event=%s id=%s", event.Type, event.Peer.PeerID)
		}
	}
}
