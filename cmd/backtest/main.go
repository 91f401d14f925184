// Package main runs one simulation end to end and prints its results.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"equity-sim-lab/internal/domain"
	"equity-sim-lab/internal/engine"
	"equity-sim-lab/internal/marketdata"
	"equity-sim-lab/internal/marketdata/stub"
	"equity-sim-lab/internal/storage"
	chstore "equity-sim-lab/internal/storage/clickhouse"
	"equity-sim-lab/internal/storage/memory"
	pgstore "equity-sim-lab/internal/storage/postgres"
)

func main() {
	// Simulation definition
	simulationID := flag.String("simulation-id", "", "Simulation ID (default: generated)")
	symbols := flag.String("symbols", "", "Comma-separated symbols to trade (required)")
	startDate := flag.String("start", "", "Start date YYYY-MM-DD (required)")
	endDate := flag.String("end", "", "End date YYYY-MM-DD (required)")
	capital := flag.String("capital", "10000", "Initial capital")
	positionSize := flag.String("position-size", "1000", "Target dollars per position")

	// Policy parameters
	agentType := flag.String("agent", "sma_momentum", "Decision policy name")
	buyThreshold := flag.Int("buy-threshold", 0, "Minimum score to buy (0 = policy default)")
	trailingStopPct := flag.Float64("trailing-stop-pct", domain.DefaultTrailingStopPct, "Trailing stop percent")
	portfolioStrategy := flag.String("portfolio-strategy", domain.DefaultPortfolioStrategy, "Selector strategy: none, score_sector_low_atr, score_sector_high_atr, score_sector_moderate_atr")
	maxPerSector := flag.Int("max-per-sector", 0, "Max open positions per sector (0 = unlimited)")
	maxOpenPositions := flag.Int("max-open-positions", 0, "Max open positions total (0 = unlimited)")
	sectors := flag.String("sectors", "", "Comma-separated SYMBOL=Sector pairs")
	atrs := flag.String("atrs", "", "Comma-separated SYMBOL=atr_percent pairs")

	// Data and storage
	csvDir := flag.String("csv-dir", "", "Directory of per-symbol OHLCV CSV files")
	postgresDSN := flag.String("postgres-dsn", "", "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "ClickHouse connection string (price bars)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage")

	// Output
	outputJSON := flag.Bool("json", false, "Output as JSON")

	flag.Parse()

	logger := log.New(os.Stderr, "[backtest] ", log.LstdFlags)

	if *symbols == "" {
		logger.Fatal("--symbols is required")
	}
	if *startDate == "" || *endDate == "" {
		logger.Fatal("--start and --end are required")
	}
	if *csvDir == "" && *clickhouseDSN == "" {
		logger.Fatal("--csv-dir or --clickhouse-dsn is required for price data")
	}

	symbolList := splitList(*symbols)

	start, err := time.Parse("2006-01-02", *startDate)
	if err != nil {
		logger.Fatalf("invalid --start: %v", err)
	}
	end, err := time.Parse("2006-01-02", *endDate)
	if err != nil {
		logger.Fatalf("invalid --end: %v", err)
	}

	initialCapital, err := decimal.NewFromString(*capital)
	if err != nil {
		logger.Fatalf("invalid --capital: %v", err)
	}
	posSize, err := decimal.NewFromString(*positionSize)
	if err != nil {
		logger.Fatalf("invalid --position-size: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Price data
	provider, err := createProvider(ctx, symbolList, *csvDir, *clickhouseDSN, logger)
	if err != nil {
		logger.Fatalf("create price provider: %v", err)
	}

	// Simulation storage
	var store storage.Store = memory.NewStore()
	if !*useMemory && *postgresDSN != "" {
		pool, perr := pgstore.NewPool(ctx, *postgresDSN)
		if perr != nil {
			logger.Fatalf("connect to postgres: %v", perr)
		}
		defer pool.Close()
		store = pgstore.NewStore(pool)
	}

	lookups := &stub.Lookups{
		Sectors: parseStringPairs(*sectors, logger),
		ATRs:    parseFloatPairs(*atrs, logger),
	}

	cfg := domain.AgentConfig{
		AgentType:         *agentType,
		TrailingStopPct:   decimal.NewFromFloat(*trailingStopPct),
		PortfolioStrategy: *portfolioStrategy,
	}
	if *buyThreshold > 0 {
		cfg.BuyThreshold = buyThreshold
	}
	if *maxPerSector > 0 {
		cfg.MaxPerSector = maxPerSector
	}
	if *maxOpenPositions > 0 {
		cfg.MaxOpenPositions = maxOpenPositions
	}

	id := *simulationID
	if id == "" {
		id = fmt.Sprintf("backtest-%d", time.Now().Unix())
	}

	sim := &domain.Simulation{
		SimulationID:   id,
		Symbols:        symbolList,
		StartDate:      start,
		EndDate:        end,
		InitialCapital: initialCapital,
		PositionSize:   posSize,
		Agent:          cfg.Normalized(),
		Status:         domain.StatusPending,
	}
	if err := sim.Validate(); err != nil {
		logger.Fatalf("invalid simulation: %v", err)
	}
	if err := store.InsertSimulation(ctx, sim); err != nil {
		logger.Fatalf("insert simulation: %v", err)
	}

	eng := engine.New(engine.Options{
		Store:         store,
		PriceProvider: provider,
		Sectors:       lookups,
		ATRs:          lookups,
	})

	started := time.Now()
	if _, err := eng.Initialize(ctx, id); err != nil {
		logger.Fatalf("initialize: %v", err)
	}
	if err := eng.RunToCompletion(ctx, id); err != nil {
		logger.Fatalf("run: %v", err)
	}

	final, err := store.GetSimulation(ctx, id)
	if err != nil {
		logger.Fatalf("load result: %v", err)
	}
	logger.Printf("Completed %d trading days in %v", final.TotalDays, time.Since(started))

	printResult(final, *outputJSON)
}

// createProvider builds the price source: CSV files for ad-hoc runs, the bar
// store for ingested history.
func createProvider(ctx context.Context, symbols []string, csvDir, clickhouseDSN string, logger *log.Logger) (marketdata.Provider, error) {
	if csvDir != "" {
		var bars []*domain.PriceBar
		for _, symbol := range symbols {
			path := filepath.Join(csvDir, symbol+".csv")
			loaded, err := marketdata.LoadCSV(path, symbol)
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
			logger.Printf("Loaded %d bars for %s", len(loaded), symbol)
			bars = append(bars, loaded...)
		}
		return stub.NewProvider(bars), nil
	}

	conn, err := chstore.NewConn(ctx, clickhouseDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	return marketdata.NewStoreProvider(chstore.NewPriceBarStore(conn)), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseStringPairs(s string, logger *log.Logger) map[string]string {
	out := make(map[string]string)
	for _, part := range splitList(s) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			logger.Fatalf("invalid pair %q, want SYMBOL=value", part)
		}
		out[kv[0]] = kv[1]
	}
	return out
}

func parseFloatPairs(s string, logger *log.Logger) map[string]float64 {
	out := make(map[string]float64)
	for symbol, raw := range parseStringPairs(s, logger) {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			logger.Fatalf("invalid value for %s: %v", symbol, err)
		}
		out[symbol] = v
	}
	return out
}

// result is the printed summary of a completed run.
type result struct {
	SimulationID   string `json:"simulation_id"`
	Status         string `json:"status"`
	TotalDays      int    `json:"total_days"`
	TotalTrades    int    `json:"total_trades"`
	WinningTrades  int    `json:"winning_trades"`
	FinalEquity    string `json:"final_equity,omitempty"`
	TotalReturnPct string `json:"total_return_pct,omitempty"`
	MaxDrawdownPct string `json:"max_drawdown_pct,omitempty"`
}

func printResult(sim *domain.Simulation, asJSON bool) {
	r := result{
		SimulationID:  sim.SimulationID,
		Status:        string(sim.Status),
		TotalDays:     sim.TotalDays,
		TotalTrades:   sim.TotalTrades,
		WinningTrades: sim.WinningTrades,
	}
	if sim.FinalEquity != nil {
		r.FinalEquity = sim.FinalEquity.StringFixed(2)
	}
	if sim.TotalReturnPct != nil {
		r.TotalReturnPct = sim.TotalReturnPct.StringFixed(2)
	}
	if sim.MaxDrawdownPct != nil {
		r.MaxDrawdownPct = sim.MaxDrawdownPct.StringFixed(2)
	}

	if asJSON {
		json.NewEncoder(os.Stdout).Encode(r)
		return
	}

	fmt.Printf("Simulation:      %s\n", r.SimulationID)
	fmt.Printf("Status:          %s\n", r.Status)
	fmt.Printf("Trading days:    %d\n", r.TotalDays)
	fmt.Printf("Trades:          %d (%d winning)\n", r.TotalTrades, r.WinningTrades)
	if r.FinalEquity != "" {
		fmt.Printf("Final equity:    %s\n", r.FinalEquity)
	}
	if r.TotalReturnPct != "" {
		fmt.Printf("Total return:    %s%%\n", r.TotalReturnPct)
	}
	if r.MaxDrawdownPct != "" {
		fmt.Printf("Max drawdown:    %s%%\n", r.MaxDrawdownPct)
	}
}
