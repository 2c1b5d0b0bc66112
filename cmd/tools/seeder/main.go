package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/noah-isme/pricing-engine/internal/db"
	"github.com/noah-isme/pricing-engine/internal/repo"
)

// seeder loads a YAML rule pack into Postgres. Re-running it updates the
// items and rules in place and keeps their usage counters.
func main() {
	var (
		packPath   = flag.String("pack", "rules.yaml", "path to the YAML rule pack")
		runMigrate = flag.Bool("migrate", true, "apply pending migrations before seeding")
		dryRun     = flag.Bool("dry-run", false, "validate the pack without writing")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on environment variables")
	}

	pack, err := repo.LoadRulePack(*packPath)
	if err != nil {
		log.Fatalf("load pack: %v", err)
	}
	log.Printf("pack %s: %d items, %d rules", *packPath, len(pack.Items), len(pack.Rules))
	if *dryRun {
		return
	}

	dbURL := envOr("DATABASE_URL", "")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	if *runMigrate {
		if err := db.MigrateUp(dbURL); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	tx, err := pool.Begin(ctx)
	if err != nil {
		log.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stats, err := repo.SeedPack(ctx, db.New(pool).WithTx(tx), pack)
	if err != nil {
		log.Fatalf("seed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		log.Fatalf("commit: %v", err)
	}
	log.Printf("seeded %d items and %d rules", stats.Items, stats.Rules)
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
