package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sisu-network/lib/log"

	"github.com/sisu-network/dvault/chains/bitcoin"
	"github.com/sisu-network/dvault/chains/eth"
	"github.com/sisu-network/dvault/chains/solana"
	"github.com/sisu-network/dvault/config"
	"github.com/sisu-network/dvault/core"
	"github.com/sisu-network/dvault/database"
	"github.com/sisu-network/dvault/registry"
	"github.com/sisu-network/dvault/server"
)

func initialize() (config.Dvault, database.Database) {
	err := godotenv.Load()
	if err != nil {
		panic(err)
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./dvault.toml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}

	db := database.NewDb(cfg)
	if err := db.Init(); err != nil {
		panic(err)
	}

	return cfg, db
}

func backfillSchedule(cfg config.Dvault) []time.Duration {
	schedule := make([]time.Duration, len(cfg.BackfillSchedule))
	for i, seconds := range cfg.BackfillSchedule {
		schedule[i] = time.Duration(seconds) * time.Second
	}
	return schedule
}

func main() {
	cfg, db := initialize()

	reg := registry.NewRedisRegistry(cfg)

	vaultClient, err := solana.NewClient(cfg.Solana)
	if err != nil {
		panic(err)
	}

	listener := solana.NewListener(vaultClient, backfillSchedule(cfg))
	listener.Start()
	defer listener.Stop()

	orchestrator := core.NewOrchestrator(cfg, vaultClient, listener, reg, db)

	receiptWait := time.Duration(cfg.Timeouts.ReceiptWait) * time.Second
	for name, chain := range cfg.Chains {
		if chain.BtcNetwork != "" {
			client := bitcoin.NewBtcClient(chain)
			watcher := bitcoin.NewSpendWatcher(name, client, db, chain.BlockTime, int64(cfg.BtcFinalityDepth))
			watcher.Start()
			defer watcher.Stop()

			orchestrator.AddBtcChain(name,
				bitcoin.NewBroadcaster(name, client, cfg.MaxSubmitAttempts), watcher)
			log.Info("Added bitcoin chain ", name)
			continue
		}

		client, err := eth.NewEthClient(name, chain.Rpcs)
		if err != nil {
			panic(err)
		}

		orchestrator.AddEvmChain(name, eth.NewSubmitter(name, client, cfg.MaxSubmitAttempts, receiptWait))
		log.Info("Added evm chain ", name)
	}

	// Pick up whatever a previous run left unfinished.
	go orchestrator.RecoverAll(context.Background())

	api := server.NewApi(orchestrator, reg)
	srv, err := server.NewServer(api, cfg.ServerPort)
	if err != nil {
		panic(err)
	}

	srv.Run()
}
