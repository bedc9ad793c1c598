// Package main provides the kosignd daemon - a P2P co-signing node.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/kosign/internal/backend"
	"github.com/klingon-exchange/kosign/internal/chain"
	"github.com/klingon-exchange/kosign/internal/config"
	"github.com/klingon-exchange/kosign/internal/node"
	"github.com/klingon-exchange/kosign/internal/rpc"
	"github.com/klingon-exchange/kosign/internal/signing"
	"github.com/klingon-exchange/kosign/internal/storage"
	"github.com/klingon-exchange/kosign/internal/wallet"
	"github.com/klingon-exchange/kosign/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// seedFileName is the encrypted identity seed inside the data directory.
const seedFileName = "seed.enc"

func main() {
	// Parse flags
	var (
		dataDir        = flag.String("data-dir", "~/.kosign", "Data directory")
		configFile     = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		listenAddr     = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		apiAddr        = flag.String("api", "127.0.0.1:8080", "JSON-RPC API address")
		enableMDNS     = flag.Bool("mdns", true, "Enable mDNS discovery")
		enableDHT      = flag.Bool("dht", true, "Enable DHT discovery")
		testnet        = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		logLevel       = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("kosignd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Determine data directory (testnet uses subdirectory)
	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	// Load or create config file
	var cfg *node.Config
	var err error

	if *configFile != "" {
		// Use specified config file
		cfg, err = node.LoadConfig(filepath.Dir(*configFile))
	} else {
		// Use default config location in data directory
		cfg, err = node.LoadConfig(effectiveDataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	if *listenAddr != "" {
		cfg.Network.ListenAddrs = []string{*listenAddr}
	}
	cfg.Network.EnableMDNS = *enableMDNS
	cfg.Network.EnableDHT = *enableDHT
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = effectiveDataDir

	// Set network type
	if *testnet {
		cfg.NetworkType = node.NetworkTestnet
	} else {
		cfg.NetworkType = node.NetworkMainnet
	}

	if *bootstrapPeers != "" {
		cfg.Network.BootstrapPeers = parseBootstrapPeers(*bootstrapPeers)
	}

	// Update logging with config level
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", node.ConfigPath(effectiveDataDir))

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	dataPath := expandPath(cfg.Storage.DataDir)
	storeCfg := &storage.Config{
		DataDir: dataPath,
	}
	store, err := storage.New(storeCfg)
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	// Network for wallet and backends
	walletNetwork := chain.Mainnet
	if *testnet {
		walletNetwork = chain.Testnet
	}

	// Initialize backend registry for blockchain access
	backendRegistry, err := backend.NewDefaultRegistry(cfg.BackendConfigs())
	if err != nil {
		log.Fatal("Failed to initialize backends", "error", err)
	}
	defer backendRegistry.CloseAll()
	log.Info("Backend registry initialized", "network", walletNetwork, "chains", backendRegistry.Symbols())

	// Load or create the participant identity
	identity, err := loadIdentity(log, dataPath, walletNetwork)
	if err != nil {
		log.Fatal("Failed to load identity", "error", err)
	}
	log.Info("Identity loaded", "pubkey", identity.PubKeyHex())

	// Initialize the shared wallet registry
	wallets := wallet.NewRegistry(store, backendRegistry, identity, walletNetwork)
	log.Info("Wallet registry initialized", "network", walletNetwork)

	// Initialize the signing coordinator
	sessionCfg := config.DefaultSessionConfig()
	coordinator := signing.NewCoordinator(&signing.CoordinatorConfig{
		Store:    store,
		Wallets:  wallets,
		Backends: backendRegistry,
		Network:  walletNetwork,
		Session:  sessionCfg,
		Spend:    config.DefaultSpendConfig(),
	})
	defer coordinator.Close()
	log.Info("Signing coordinator initialized")

	// Create node
	log.Info("Starting Kosign P2P Node...")
	n, err := node.New(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to create node", "error", err)
	}

	// Set up peer store persistence
	peerStoreAdapter := node.NewPeerStoreAdapter(store)
	n.SetPeerStoreAdapter(peerStoreAdapter)

	// Load persisted peers before starting
	if err := n.LoadPersistedPeers(); err != nil {
		log.Warn("Failed to load persisted peers", "error", err)
	}

	// Initialize direct P2P messaging (persistent delivery of ceremony messages)
	if err := n.SetupDirectMessaging(store); err != nil {
		log.Warn("Failed to setup direct messaging", "error", err)
	} else {
		log.Info("Direct P2P messaging initialized")
	}

	// Ceremony messages go out through the node's outbox
	coordinator.SetTransport(node.NewSessionSender(n))

	// Start node
	if err := n.Start(); err != nil {
		log.Fatal("Failed to start node", "error", err)
	}

	// Recover sessions that were pending when the daemon last stopped
	if loaded, err := coordinator.LoadSessions(ctx); err != nil {
		log.Warn("Failed to load sessions", "error", err)
	} else if loaded > 0 {
		log.Info("Pending sessions recovered", "count", loaded)
	}

	// Start RPC server
	rpcServer := rpc.NewServer(n, store, wallets, coordinator)
	if err := rpcServer.Start(*apiAddr); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	// Wire ceremony messages into the coordinator and events onto WebSocket
	rpcServer.SetupSessionHandlers()

	// Start the timeout supervisor (expiry, warnings, garbage collection)
	supervisor := signing.NewTimeoutSupervisor(coordinator, store, sessionCfg)
	supervisor.Start()
	log.Info("Timeout supervisor started")

	// Print node info
	printBanner(log, n, cfg, *apiAddr)

	// Set up peer connection logging and WebSocket broadcasting
	nodeLog := log.Component("p2p")
	n.OnPeerConnected(func(p peer.ID) {
		nodeLog.Info("Peer connected", "peer", shortID(p), "total", n.PeerCount())
		// Broadcast to WebSocket clients
		if hub := rpcServer.WSHub(); hub != nil {
			hub.Broadcast(rpc.EventPeerConnected, map[string]interface{}{
				"peer_id":     p.String(),
				"total_peers": n.PeerCount(),
			})
		}
	})

	n.OnPeerDisconnected(func(p peer.ID) {
		nodeLog.Info("Peer disconnected", "peer", shortID(p), "total", n.PeerCount())
		// Broadcast to WebSocket clients
		if hub := rpcServer.WSHub(); hub != nil {
			hub.Broadcast(rpc.EventPeerDisconnected, map[string]interface{}{
				"peer_id":     p.String(),
				"total_peers": n.PeerCount(),
			})
		}
	})

	// Start status ticker
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("Status", "peers", n.PeerCount(), "uptime", n.Uptime().Round(time.Second))
			}
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	// Save peer cache before shutdown
	if err := n.SavePeerCache(); err != nil {
		log.Error("Error saving peer cache", "error", err)
	}

	// Graceful shutdown
	cancel()

	supervisor.Stop()

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}
	if err := n.Stop(); err != nil {
		log.Error("Error during shutdown", "error", err)
	}

	log.Info("Goodbye!")
}

// loadIdentity loads the encrypted identity seed, creating one on first run.
// The encryption password comes from KOSIGN_SEED_PASSWORD.
func loadIdentity(log *logging.Logger, dataPath string, network chain.Network) (*wallet.Identity, error) {
	password := os.Getenv("KOSIGN_SEED_PASSWORD")
	if password == "" {
		log.Fatal("KOSIGN_SEED_PASSWORD must be set to protect the identity seed")
	}

	seedPath := filepath.Join(dataPath, seedFileName)

	if _, err := os.Stat(seedPath); os.IsNotExist(err) {
		mnemonic, err := wallet.GenerateMnemonic()
		if err != nil {
			return nil, err
		}

		encrypted, err := wallet.EncryptMnemonic(mnemonic, password)
		if err != nil {
			return nil, err
		}
		if err := wallet.SaveEncryptedSeed(encrypted, seedPath); err != nil {
			return nil, err
		}

		log.Warn("New identity seed generated - WRITE DOWN THE RECOVERY PHRASE")
		log.Warnf("Recovery phrase: %s", mnemonic)

		return wallet.NewIdentityFromMnemonic(mnemonic, "", "BTC", network)
	}

	encrypted, err := wallet.LoadEncryptedSeed(seedPath)
	if err != nil {
		return nil, err
	}

	mnemonic, err := wallet.DecryptMnemonic(encrypted, password)
	if err != nil {
		return nil, err
	}

	return wallet.NewIdentityFromMnemonic(mnemonic, "", "BTC", network)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, n *node.Node, cfg *node.Config, apiAddr string) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Kosign P2P Node (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Peer ID: %s", n.ID().String())
	log.Info("")
	log.Info("  Listening on:")
	for _, addr := range n.Addrs() {
		log.Infof("    %s/p2p/%s", addr.String(), n.ID().String())
	}
	log.Info("")
	log.Infof("  API: http://%s", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	log.Info("")
	log.Infof("  Network: %s | mDNS: %v | DHT: %v", networkLabel, cfg.Network.EnableMDNS, cfg.Network.EnableDHT)
	log.Infof("  Data dir: %s", expandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

func parseBootstrapPeers(s string) []string {
	if s == "" {
		return nil
	}
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
