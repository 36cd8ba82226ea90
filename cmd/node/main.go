package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/daquorum/daquorum/params"
	"github.com/daquorum/daquorum/pkg/api"
	"github.com/daquorum/daquorum/pkg/app/ledger"
	"github.com/daquorum/daquorum/pkg/consensus"
	"github.com/daquorum/daquorum/pkg/crypto"
	"github.com/daquorum/daquorum/pkg/election"
	"github.com/daquorum/daquorum/pkg/node"
	"github.com/daquorum/daquorum/pkg/p2p"
	"github.com/daquorum/daquorum/pkg/storage"
	"github.com/daquorum/daquorum/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	// ---- Keys and stake table ----
	// Devnet keys: every validator derives the full public key table from
	// the shared key set seed and signs with the share at its own index.
	// Any share's secret key can be derived from the seed.
	keyset := crypto.NewKeySet(cfg.Node.KeySetSeed)
	if int(cfg.Node.Index) >= len(cfg.Consensus.Stakes) {
		sugar.Fatalw("node_index_out_of_range", "index", cfg.Node.Index, "validators", len(cfg.Consensus.Stakes))
	}
	signer := keyset.Share(cfg.Node.Index)

	stakes := make(election.StakeTable, len(cfg.Consensus.Stakes))
	for i, stake := range cfg.Consensus.Stakes {
		stakes[keyset.Share(uint64(i)).PubKey()] = stake
	}
	sugar.Infow("stake_table_built", "validators", len(stakes), "total_stake", stakes.TotalStake(), "self", signer.PubKey())

	// ---- Consensus state, metrics, storage ----
	metrics := consensus.NewMetrics(prometheus.DefaultRegisterer)
	cons := consensus.NewConsensus(metrics)

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		sugar.Fatalw("data_dir_failed", "err", err)
	}
	store, err := storage.NewLeafStore(filepath.Join(cfg.Node.DataDir, "leaves"))
	if err != nil {
		sugar.Fatalw("leaf_store_failed", "err", err)
	}
	defer store.Close()
	wal, err := storage.NewFileWAL(filepath.Join(cfg.Node.DataDir, "decisions.log"))
	if err != nil {
		sugar.Fatalw("wal_failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Network ----
	net, err := p2p.NewNetwork(ctx, p2p.Config{
		ListenAddr: cfg.Network.Listen,
		Bootstrap:  cfg.Network.Bootstrap,
		Self:       signer.PubKey(),
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("libp2p_init_failed", "err", err)
	}
	defer net.Close()
	for idx, addr := range cfg.Network.Peers {
		if err := net.AddPeer(keyset.Share(idx).PubKey(), addr); err != nil {
			sugar.Warnw("peer_register_failed", "index", idx, "addr", addr, "err", err)
		}
	}

	// ---- Node ----
	n, err := node.New(node.Deps{
		Config:  cfg,
		Logger:  sugar,
		Signer:  signer,
		Stakes:  stakes,
		Cons:    cons,
		Store:   store,
		WAL:     wal,
		Net:     net,
		Mempool: ledger.NewMempool(),
		Clock:   util.RealClock{},
	})
	if err != nil {
		sugar.Fatalw("node_init_failed", "err", err)
	}

	// ---- Status API ----
	server := api.NewServer(n)
	n.OnDecided = server.BroadcastDecided
	go func() {
		if err := server.Start(cfg.API.Listen); err != nil {
			sugar.Errorw("api_server_stopped", "err", err)
		}
	}()

	sugar.Infow("node_started", "index", cfg.Node.Index, "api", cfg.API.Listen, "listen", cfg.Network.Listen)
	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		sugar.Fatalw("node_stopped", "err", err)
	}
	sugar.Infow("node_shutdown")
}
