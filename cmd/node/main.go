// Command node runs a single lvenc-node validator/full-node process:
// identity load-or-create, genesis/chain bootstrap, mempool, block
// producer, and peer networking. Flag-based per spec.md's Non-goals (no
// CLI framework); configuration otherwise comes from pkg/config's viper
// loader, grounded on the teacher's cmd/dexserver and cmd/xchainserver
// entrypoints (flag/env-driven main, logrus for all diagnostics, no cobra).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	core "lvenc-node/core"
	netpkg "lvenc-node/network"
	"lvenc-node/pkg/config"
)

func main() {
	mainnet := flag.Bool("mainnet", false, "run against the mainnet chain id/address prefix instead of testnet")
	dataDirFlag := flag.String("data-dir", "./data", "directory for persisted chain/pool/identity state")
	listenAddr := flag.String("listen", ":7777", "address to accept inbound peer websocket connections on")
	envName := flag.String("env", "", "named config overlay to merge over default (e.g. \"prod\")")
	flag.Parse()

	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	explicitFlags := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicitFlags[f.Name] = true })

	cfg, err := config.Load(*envName)
	if err != nil {
		logger.WithError(err).Warn("node: no config file found, continuing with flags/defaults")
		cfg = &config.AppConfig
	}
	applyConfigDefaults(cfg, explicitFlags, mainnet, dataDirFlag, listenAddr)

	if cfg.Logging.Level != "" {
		if lvl, err := log.ParseLevel(cfg.Logging.Level); err == nil {
			logger.SetLevel(lvl)
		} else {
			logger.WithError(err).Warn("node: ignoring unrecognized logging.level from config")
		}
	}
	if cfg.Logging.File != "" {
		if f, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			logger.SetOutput(f)
		} else {
			logger.WithError(err).Warn("node: cannot open logging.file, logging to stderr")
		}
	}

	store, err := core.NewFileStorage(*dataDirFlag)
	if err != nil {
		logger.WithError(err).Fatal("node: cannot initialize storage directory")
	}

	ident, err := loadOrCreateIdentity(store, *mainnet, cfg.Node.MnemonicFile, logger)
	if err != nil {
		logger.WithError(err).Fatal("node: identity load/create failed")
	}

	chainID := core.ChainIDTestnet
	if *mainnet {
		chainID = core.ChainIDMainnet
	}

	genesisTimestamp := int64(1700000000000)
	if cfg.Genesis.TimestampMs != 0 {
		genesisTimestamp = cfg.Genesis.TimestampMs
	}
	faucetAddress := ident.Address
	if cfg.Genesis.FaucetAddress != "" {
		faucetAddress = cfg.Genesis.FaucetAddress
	}
	faucetPublicKey := ident.PublicKeyHex()
	if cfg.Genesis.FaucetPublicKey != "" {
		faucetPublicKey = cfg.Genesis.FaucetPublicKey
	}

	genesis := core.NewGenesisBlock(core.GenesisParams{
		ChainID:         chainID,
		FaucetAddress:   faucetAddress,
		FaucetPublicKey: faucetPublicKey,
		Timestamp:       genesisTimestamp,
	})

	events := core.NewEventBus()
	staking := core.NewStakingPool(*mainnet, logger, events)
	pools := core.NewPoolStateManager()

	chain, err := bootstrapChain(store, *mainnet, chainID, genesis, staking, pools, logger, events)
	if err != nil {
		logger.WithError(err).Fatal("node: chain bootstrap failed")
	}

	mempool := core.NewMempool(*mainnet, chainID, logger, events)

	rewardAddr := ident.RewardAddr
	if cfg.Node.RewardAddr != "" {
		rewardAddr = cfg.Node.RewardAddr
	}
	protocolVersion, minProtocolVersion, graceUntilBlock := 1, 1, uint64(0)
	if cfg.Network.ProtocolVersion != 0 {
		protocolVersion = cfg.Network.ProtocolVersion
	}
	if cfg.Network.MinProtocolVersion != 0 {
		minProtocolVersion = cfg.Network.MinProtocolVersion
	}
	if cfg.Network.GraceUntilBlock != 0 {
		graceUntilBlock = cfg.Network.GraceUntilBlock
	}

	node := netpkg.NewNode(*mainnet, chain, mempool, logger, ident.NodeID, chainID, genesis.Hash, rewardAddr, protocolVersion, minProtocolVersion, graceUntilBlock)

	producer := core.NewBlockProducer(*mainnet, chainID, genesis.Timestamp, chain, mempool, events, ident, logger)
	producer.SetBroadcast(node.BroadcastBlock)
	producer.SetSynced(true)

	ctx, cancel := context.WithCancel(context.Background())
	go producer.Run(ctx)

	go serveInbound(ctx, *listenAddr, node, logger)

	dialTimeout := 10 * time.Second
	if cfg.Network.DialTimeoutMs != 0 {
		dialTimeout = time.Duration(cfg.Network.DialTimeoutMs) * time.Millisecond
	}
	go dialBootstrapPeers(ctx, cfg.Network.BootstrapPeers, dialTimeout, node, logger)

	logger.WithFields(log.Fields{"address": ident.Address, "chainId": chainID, "listen": *listenAddr}).Info("node: started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("node: shutdown signal received, draining")
	producer.Stop()
	cancel()
	if err := persistSnapshot(store, chain); err != nil {
		logger.WithError(err).Warn("node: final snapshot persist failed")
	}
}

// applyConfigDefaults lets config.AppConfig's node section fill in any flag
// the operator didn't pass explicitly on the command line; an explicit flag
// always wins over the config file.
func applyConfigDefaults(cfg *config.Config, explicit map[string]bool, mainnet *bool, dataDirFlag, listenAddr *string) {
	if !explicit["mainnet"] && cfg.Node.Mainnet {
		*mainnet = cfg.Node.Mainnet
	}
	if !explicit["listen"] && cfg.Node.ListenAddr != "" {
		*listenAddr = cfg.Node.ListenAddr
	}
	if !explicit["data-dir"] {
		if cfg.Node.DataDir != "" {
			*dataDirFlag = cfg.Node.DataDir
		} else if cfg.Storage.Dir != "" {
			*dataDirFlag = cfg.Storage.Dir
		}
	}
}

// dialBootstrapPeers connects out to every configured bootstrap peer and
// hands each successful connection to the node's handshake machinery
// (spec.md §4.7's sync policy relies on having at least one peer to ask).
// Dial failures are logged and skipped; bootstrapping is best-effort.
func dialBootstrapPeers(ctx context.Context, peers []string, timeout time.Duration, node *netpkg.Node, lg *log.Logger) {
	if len(peers) == 0 {
		return
	}
	dialer := netpkg.NewDialer(timeout, 30*time.Second)
	for _, addr := range peers {
		conn, err := dialer.Dial(ctx, addr)
		if err != nil {
			lg.WithError(err).WithField("peer", addr).Warn("node: bootstrap dial failed")
			continue
		}
		session := netpkg.NewPeerSession(conn, lg)
		if err := node.AdoptSession(ctx, session); err != nil {
			lg.WithError(err).WithField("peer", addr).Warn("node: bootstrap handshake failed")
		}
	}
}

// loadOrCreateIdentity restores a previously persisted NodeIdentity, or
// recovers one from an operator-supplied mnemonic file, or else generates a
// fresh one, matching spec.md §6's node_identity.json contract.
func loadOrCreateIdentity(store *core.FileStorage, mainnet bool, mnemonicFile string, lg *log.Logger) (*core.NodeIdentity, error) {
	existing, err := store.LoadIdentity()
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if mnemonicFile != "" {
		phrase, err := os.ReadFile(mnemonicFile)
		if err != nil {
			return nil, fmt.Errorf("read mnemonic file %s: %w", mnemonicFile, err)
		}
		ident, err := core.RestoreNodeIdentity(mainnet, strings.TrimSpace(string(phrase)), lg)
		if err != nil {
			return nil, err
		}
		if err := store.SaveIdentity(ident); err != nil {
			return nil, err
		}
		return ident, nil
	}

	ident, err := core.NewNodeIdentity(mainnet, lg)
	if err != nil {
		return nil, err
	}
	if err := store.SaveIdentity(ident); err != nil {
		return nil, err
	}
	return ident, nil
}

// bootstrapChain restores a persisted block sequence or starts fresh from
// genesis (spec.md §4.8).
func bootstrapChain(store *core.FileStorage, mainnet bool, chainID string, genesis *core.Block, staking *core.StakingPool, pools *core.PoolStateManager, lg *log.Logger, events *core.EventBus) (*core.Chain, error) {
	blob, err := store.LoadBlockchain()
	if err != nil {
		return nil, err
	}
	if blob != nil && len(blob.Chain) > 0 {
		return core.LoadChain(mainnet, chainID, blob.Chain, staking, pools, lg, events)
	}
	return core.NewChain(mainnet, chainID, genesis, staking, pools, lg, events)
}

// persistSnapshot writes the current chain to disk on shutdown. Only the
// block sequence is saved; no separate pool snapshot is written.
func persistSnapshot(store *core.FileStorage, chain *core.Chain) error {
	return store.SaveBlockchain(&core.BlockchainBlob{Chain: chain.Snapshot()})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveInbound accepts inbound peer connections and hands each one to the
// node's handshake/gossip machinery (spec.md §4.7).
func serveInbound(ctx context.Context, addr string, node *netpkg.Node, lg *log.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/peer", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			lg.WithError(err).Warn("node: inbound upgrade failed")
			return
		}
		session := netpkg.NewPeerSession(conn, lg)
		if err := node.AdoptSession(ctx, session); err != nil {
			lg.WithError(err).Warn("node: inbound handshake failed")
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		lg.WithError(err).Fatal("node: inbound listener failed")
	}
}
