package main

import (
	"context"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/joho/godotenv"

	icpi "icpigo"
	"icpigo/configs"
	"icpigo/internal/db"
	"icpigo/internal/server"
	"icpigo/pkg/gateway"
	"icpigo/pkg/icrc"
)

func main() {

	_ = godotenv.Load()

	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))

	confPath := os.Getenv("CONFIG_PATH")
	if confPath == "" {
		confPath = "configs/config.yml"
	}
	conf, err := configs.LoadConfig(confPath)
	if err != nil {
		panic(err)
	}

	bridgeURL := os.Getenv("BRIDGE_URL")
	if bridgeURL == "" {
		panic("BRIDGE_URL not set")
	}
	bridge := gateway.NewClient(bridgeURL)

	ledgers := make(map[icpi.TrackedToken]icrc.Ledger)
	for _, token := range icpi.AllTokens() {
		canisterID, ok := conf.Tokens[token.Symbol()]
		if !ok {
			panic("no canister id configured for " + token.Symbol())
		}
		ledgers[token] = bridge.Ledger(canisterID)
	}

	var store icpi.StateStore
	if conf.DSN != "" {
		mysqlStore, err := db.NewMySQLStore(conf.DSN)
		if err != nil {
			panic(err)
		}
		defer mysqlStore.Close()
		store = mysqlStore
	}

	index, err := icpi.NewIndex(
		conf.ToIndexConfig(),
		ledgers,
		bridge.Ledger(conf.Index),
		bridge.Dex(conf.Dex),
		bridge.Locker(conf.Locker),
		store,
	)
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	index.StartRebalanceTimer(ctx)

	// Periodic sweep of expired pending mints.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			index.CleanupExpiredMints()
		}
	}()

	addr := conf.HTTP
	if addr == "" {
		addr = ":8080"
	}
	if err := server.New(index).ListenAndServe(addr); err != nil {
		log.Error("http surface stopped", "err", err)
		os.Exit(1)
	}
}
