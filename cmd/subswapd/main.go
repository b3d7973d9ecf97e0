// Package main provides the subswapd daemon - an atomic swap coordinator
// bridging off-chain payments and on-chain Bitcoin HTLCs.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/subswap-labs/subswapd/internal/backend"
	"github.com/subswap-labs/subswapd/internal/chain"
	"github.com/subswap-labs/subswapd/internal/config"
	"github.com/subswap-labs/subswapd/internal/coordinator"
	"github.com/subswap-labs/subswapd/internal/handoff"
	"github.com/subswap-labs/subswapd/internal/rln"
	"github.com/subswap-labs/subswapd/internal/rpc"
	"github.com/subswap-labs/subswapd/internal/storage"
	"github.com/subswap-labs/subswapd/internal/swap"
	"github.com/subswap-labs/subswapd/internal/wallet"
	"github.com/subswap-labs/subswapd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// walletPasswordEnv names the environment variable holding the password
// that seals the wallet seed and the preimage store.
const walletPasswordEnv = "SUBSWAP_WALLET_PASSWORD"

const seedFileName = "seed.json"

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.subswap", "Data directory")
		roleFlag    = flag.String("role", "", "Protocol role (user, lp, single), overrides config")
		networkFlag = flag.String("network", "", "Bitcoin network (mainnet, testnet, signet, regtest), overrides config")
		apiAddr     = flag.String("api", "127.0.0.1:8080", "JSON-RPC API address")
		peerURL     = flag.String("peer", "", "Counterparty handoff URL, overrides config")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("subswapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Load or create config file
	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	if *roleFlag != "" {
		cfg.Role = *roleFlag
	}
	if *networkFlag != "" {
		cfg.Network = *networkFlag
	}
	if *peerURL != "" {
		cfg.Handoff.PeerURL = *peerURL
	}
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = *dataDir

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	// Update logging with config level
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		File:       cfg.Logging.File,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(*dataDir))

	network := cfg.ParsedNetwork()
	role := cfg.ParsedRole()
	variant, _ := swap.ParseScriptVariant(cfg.Swap.Variant)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	dataPath := expandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	// Load or create the wallet seed
	password := os.Getenv(walletPasswordEnv)
	if password == "" {
		log.Fatalf("%s must be set; it seals the wallet seed and stored preimages", walletPasswordEnv)
	}

	w, err := openWallet(dataPath, password, network, log)
	if err != nil {
		log.Fatal("Failed to open wallet", "error", err)
	}
	log.Info("Wallet ready", "network", network)

	// Bitcoin full node collaborator
	btc := backend.NewJSONRPCBackend(cfg.Bitcoin.RPCURL, cfg.Bitcoin.RPCUser, cfg.Bitcoin.RPCPass, nil)
	if height, err := btc.GetBlockHeight(ctx); err != nil {
		log.Warn("Bitcoin node unreachable at startup", "url", cfg.Bitcoin.RPCURL, "error", err)
	} else {
		log.Info("Bitcoin node connected", "url", cfg.Bitcoin.RPCURL, "height", height)
	}

	// Off-chain payment node
	ln := rln.NewClient(cfg.RLN.URL, nil, log.Component("rln"))

	// Handoff channel: our server for the counterparty to poll, and a
	// client pointed at theirs.
	handoffStore, err := handoff.NewFileStore(filepath.Join(dataPath, "handoff"))
	if err != nil {
		log.Fatal("Failed to initialize handoff store", "error", err)
	}
	handoffServer := handoff.NewServer(handoffStore, log.Component("handoff"))
	if err := handoffServer.Start(cfg.Handoff.ListenAddr); err != nil {
		log.Fatal("Failed to start handoff server", "error", err)
	}
	log.Info("Handoff server started", "addr", handoffServer.Addr())

	peer := handoff.NewClient(cfg.Handoff.PeerURL, nil, handoff.PollConfig{
		InitialInterval: cfg.Handoff.PollInterval,
		MaxInterval:     cfg.Handoff.PollMaxInterval,
		MaxAttempts:     cfg.Handoff.PollMaxAttempts,
	}, log.Component("peer"))

	monitor := swap.NewMonitor(btc, swap.DefaultMonitorConfig(), log.Component("monitor"))

	// The RPC server observes coordinator state changes; it is created
	// after the coordinator, so the hook indirects through the variable.
	var rpcServer *rpc.Server

	coord, err := coordinator.New(coordinator.Params{
		Backend: btc,
		LN:      ln,
		Store:   store,
		Wallet:  w,
		Peer:    peer,
		Monitor: monitor,
		Policy: coordinator.Policy{
			Network:          network,
			Variant:          variant,
			TaprootRefundCSV: cfg.Swap.TaprootRefundCSV,
			LocktimeBlocks:   cfg.Swap.LocktimeBlocks,
			InvoiceExpirySec: uint64(cfg.Swap.InvoiceExpirySec),
			MinConfirmations: int64(cfg.Bitcoin.MinConfirmations),
			FeeRate:          cfg.Bitcoin.FeeRate,
			SealPassphrase:   password,
		},
		OnState: func(rec *storage.SessionRecord) {
			if rpcServer != nil {
				rpcServer.BroadcastSessionState(rec)
			}
		},
	})
	if err != nil {
		log.Fatal("Failed to create coordinator", "error", err)
	}
	log.Info("Swap coordinator initialized", "role", role, "variant", variant)

	// Start RPC server
	rpcServer = rpc.NewServer(coord, store, btc, w, ln)
	if err := rpcServer.Start(*apiAddr); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	// LP deployments serve counterparties continuously; the other roles
	// drive swaps through the RPC API.
	if role == config.RoleLP {
		go serveLoop(ctx, coord, log.Component("lp"))
	}

	printBanner(log, cfg, *apiAddr, handoffServer.Addr())

	// Start status ticker
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				height, err := btc.GetBlockHeight(ctx)
				if err != nil {
					height = -1
				}
				active := 0
				if sessions, err := coord.ActiveSessions(); err == nil {
					active = len(sessions)
				}
				log.Info("Status", "height", height, "active", active)
			}
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	// Graceful shutdown
	cancel()

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := handoffServer.Stop(stopCtx); err != nil {
		log.Error("Error stopping handoff server", "error", err)
	}

	log.Info("Goodbye!")
}

// openWallet loads the encrypted seed, generating and sealing a fresh
// mnemonic on first run.
func openWallet(dataPath, password string, network chain.Network, log *logging.Logger) (*wallet.Wallet, error) {
	seedPath := filepath.Join(dataPath, seedFileName)

	encrypted, err := wallet.LoadEncryptedSeed(seedPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		mnemonic, err := wallet.GenerateMnemonic()
		if err != nil {
			return nil, err
		}
		encrypted, err = wallet.EncryptMnemonic(mnemonic, password)
		if err != nil {
			return nil, err
		}
		if err := wallet.SaveEncryptedSeed(encrypted, seedPath); err != nil {
			return nil, err
		}
		log.Warn("Generated new wallet seed; back it up", "path", seedPath)
		return wallet.NewFromMnemonic(mnemonic, "", network)
	}

	mnemonic, err := wallet.DecryptMnemonic(encrypted, password)
	if err != nil {
		return nil, err
	}
	return wallet.NewFromMnemonic(mnemonic, "", network)
}

// serveLoop keeps an LP answering swap requests until shutdown. Handoff
// timeouts just mean no counterparty showed up this round.
func serveLoop(ctx context.Context, coord *coordinator.Coordinator, log *logging.Logger) {
	for ctx.Err() == nil {
		rec, err := coord.RunLP(ctx, &coordinator.LPRequest{})
		switch {
		case err == nil:
			log.Info("Swap served", "session", rec.ID, "state", rec.State)
		case errors.Is(err, context.Canceled):
			return
		case errors.Is(err, handoff.ErrHandoffTimeout):
			log.Debug("No swap request this round")
		default:
			log.Error("Swap failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, cfg *config.Config, apiAddr, handoffAddr string) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Subswap Daemon (%s)", cfg.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Role: %s | Variant: %s", cfg.Role, cfg.Swap.Variant)
	log.Info("")
	log.Infof("  API:     http://%s", apiAddr)
	log.Infof("  WS:      ws://%s/ws", apiAddr)
	log.Infof("  Handoff: http://%s", handoffAddr)
	log.Infof("  Peer:    %s", cfg.Handoff.PeerURL)
	log.Info("")
	log.Infof("  Data dir: %s", expandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
