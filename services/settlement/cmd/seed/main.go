package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/apikey"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/libs/logging"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/config"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/fixtures"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.App.Env != "dev" && cfg.App.Env != "test" {
		log.Fatalf("refusing to seed: env must be 'dev' or 'test' (got '%s')", cfg.App.Env)
	}
	if cfg.DB.Driver != config.DriverPostgres {
		log.Fatalf("refusing to seed: db.driver is %s; the in-memory store seeds itself on startup", cfg.DB.Driver)
	}
	logger := logging.NewLogger(cfg.App.LogLevel, "settlement-seed", cfg.App.Env)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := storage.Migrate(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	fmt.Println("✓ Schema migrated")

	store := storage.NewPostgres(pool, logger)
	demo, err := fixtures.Seed(ctx, store, logger)
	if err != nil {
		log.Fatalf("seed fixtures: %v", err)
	}
	if demo.Created {
		fmt.Println("✓ Pair and orders seeded")
	} else {
		fmt.Println("✓ Pair and orders already present")
	}

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, store, logger); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test counterparties seeded")
	}

	key, _, hash, err := apikey.Generate(cfg.App.Env)
	if err != nil {
		log.Fatalf("generate indexer key: %v", err)
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Printf("\nPair:       %s (USDT/NGN @ 1500)\n", demo.PairID)
	for _, id := range demo.OrderIDs {
		fmt.Printf("Open order: %s\n", id)
	}
	fmt.Println("\nIndexer API key (send as X-API-Key):")
	fmt.Printf("  key:  %s\n", key)
	fmt.Printf("  hash: %s  (add to auth.indexers or SETTLE_INDEXER_KEY_HASHES)\n", hash)
}
