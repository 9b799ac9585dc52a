package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/VeylanSolmira/crucible-eval-platform-sub000/pkg/store"
)

var (
	dsn     = flag.String("dsn", "", "Postgres DSN (required)")
	timeout = flag.Duration("timeout", 30*time.Second, "Migration timeout")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Crucible Database Migration Tool")
	log.Println("================================")

	if *dsn == "" {
		log.Fatal("-dsn is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "pgx", *dsn)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()

	if err := store.Migrate(ctx, db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Println("✓ Schema is up to date")
}
