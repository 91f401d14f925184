// Package main loads daily OHLCV history from CSV files into the price bar
// store, creating the schema if needed.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"path/filepath"
	"strings"

	"equity-sim-lab/internal/marketdata"
	"equity-sim-lab/internal/storage"
	chstore "equity-sim-lab/internal/storage/clickhouse"
	"equity-sim-lab/internal/storage/migrations"
)

func main() {
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	csvDir := flag.String("csv-dir", "", "Directory of per-symbol OHLCV CSV files (required)")
	skipExisting := flag.Bool("skip-existing", false, "Skip symbols that already have bars instead of failing")

	flag.Parse()

	logger := log.New(os.Stderr, "[ingest] ", log.LstdFlags)

	if *clickhouseDSN == "" {
		logger.Fatal("--clickhouse-dsn is required")
	}
	if *csvDir == "" {
		logger.Fatal("--csv-dir is required")
	}

	ctx := context.Background()

	conn, err := migrations.RunClickhouseMigrations(ctx, *clickhouseDSN)
	if err != nil {
		logger.Fatalf("apply migrations: %v", err)
	}
	defer conn.Close()

	store := chstore.NewPriceBarStore(conn)

	entries, err := os.ReadDir(*csvDir)
	if err != nil {
		logger.Fatalf("read csv dir: %v", err)
	}

	loaded, skipped := 0, 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		symbol := strings.TrimSuffix(entry.Name(), ".csv")
		path := filepath.Join(*csvDir, entry.Name())

		bars, err := marketdata.LoadCSV(path, symbol)
		if err != nil {
			logger.Fatalf("load %s: %v", path, err)
		}

		err = store.InsertBulk(ctx, bars)
		if errors.Is(err, storage.ErrDuplicateKey) && *skipExisting {
			logger.Printf("Skipping %s: bars already present", symbol)
			skipped++
			continue
		}
		if err != nil {
			logger.Fatalf("insert bars for %s: %v", symbol, err)
		}

		logger.Printf("Ingested %d bars for %s", len(bars), symbol)
		loaded++
	}

	logger.Printf("Done: %d symbols ingested, %d skipped", loaded, skipped)
}
