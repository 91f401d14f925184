// Package main serves the simulation API: create and control simulations over
// HTTP, stream per-day progress over WebSocket, expose Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"equity-sim-lab/internal/domain"
	"equity-sim-lab/internal/engine"
	"equity-sim-lab/internal/marketdata"
	"equity-sim-lab/internal/marketdata/stub"
	"equity-sim-lab/internal/observability"
	"equity-sim-lab/internal/storage"
	chstore "equity-sim-lab/internal/storage/clickhouse"
	"equity-sim-lab/internal/storage/memory"
	"equity-sim-lab/internal/storage/migrations"
	pgstore "equity-sim-lab/internal/storage/postgres"
)

// Server owns the engine, the durable store and the progress hub.
type Server struct {
	store   storage.Store
	engine  *engine.Engine
	hub     *hub
	metrics *observability.Metrics
	logger  *log.Logger

	mu      sync.Mutex
	running map[string]bool
	started time.Time
}

func main() {
	loadEnvFile()

	addr := flag.String("addr", ":8080", "HTTP listen address")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string (price bars)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL")
	csvDir := flag.String("csv-dir", "", "Directory of per-symbol OHLCV CSV files (price source when ClickHouse is not used)")
	sectors := flag.String("sectors", "", "Comma-separated SYMBOL=Sector pairs")
	atrs := flag.String("atrs", "", "Comma-separated SYMBOL=atr_percent pairs")

	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	if !*useMemory && *postgresDSN == "" {
		logger.Fatal("--postgres-dsn is required (use --use-memory for in-memory storage)")
	}
	if *clickhouseDSN == "" && *csvDir == "" {
		logger.Fatal("--clickhouse-dsn or --csv-dir is required for price data")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, cleanup, err := createStore(ctx, *postgresDSN, *useMemory)
	if err != nil {
		logger.Fatalf("create store: %v", err)
	}
	defer cleanup()

	provider, providerCleanup, err := createProvider(ctx, *clickhouseDSN, *csvDir, logger)
	if err != nil {
		logger.Fatalf("create price provider: %v", err)
	}
	defer providerCleanup()

	lookups := &stub.Lookups{
		Sectors: parseStringPairs(*sectors, logger),
		ATRs:    parseFloatPairs(*atrs, logger),
	}

	metrics := observability.NewMetrics("")

	server := &Server{
		store: store,
		engine: engine.New(engine.Options{
			Store:         store,
			PriceProvider: provider,
			Sectors:       lookups,
			ATRs:          lookups,
			Metrics:       metrics,
		}),
		hub:     newHub(),
		metrics: metrics,
		logger:  logger,
		running: make(map[string]bool),
		started: time.Now(),
	}

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: server.routes(),
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("Shutdown error: %v", err)
		}
	}()

	logger.Printf("Listening on %s", *addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("HTTP server error: %v", err)
	}
	logger.Println("Shutdown complete")
}

// createStore builds the durable boundary, applying migrations when backed by
// PostgreSQL.
func createStore(ctx context.Context, postgresDSN string, useMemory bool) (storage.Store, func(), error) {
	if useMemory {
		return memory.NewStore(), func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	return pgstore.NewStore(pool), pool.Close, nil
}

// createProvider builds the price source: the ClickHouse bar store when a DSN
// is given, otherwise CSV files loaded up front.
func createProvider(ctx context.Context, clickhouseDSN, csvDir string, logger *log.Logger) (marketdata.Provider, func(), error) {
	if clickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
		}
		return marketdata.NewStoreProvider(chstore.NewPriceBarStore(conn)), func() { conn.Close() }, nil
	}

	entries, err := os.ReadDir(csvDir)
	if err != nil {
		return nil, nil, fmt.Errorf("read csv dir: %w", err)
	}
	var bars []*domain.PriceBar
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		symbol := strings.TrimSuffix(entry.Name(), ".csv")
		loaded, err := marketdata.LoadCSV(filepath.Join(csvDir, entry.Name()), symbol)
		if err != nil {
			return nil, nil, fmt.Errorf("load %s: %w", entry.Name(), err)
		}
		logger.Printf("Loaded %d bars for %s", len(loaded), symbol)
		bars = append(bars, loaded...)
	}
	return stub.NewProvider(bars), func() {}, nil
}

// routes wires the HTTP API.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", observability.Handler())
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("POST /simulations", s.handleCreate)
	mux.HandleFunc("GET /simulations", s.handleList)
	mux.HandleFunc("GET /simulations/{id}", s.handleGet)
	mux.HandleFunc("GET /simulations/{id}/snapshots", s.handleSnapshots)
	mux.HandleFunc("GET /simulations/{id}/positions", s.handlePositions)
	mux.HandleFunc("POST /simulations/{id}/start", s.handleStart)
	mux.HandleFunc("POST /simulations/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /simulations/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /simulations/{id}/ws", s.handleWS)

	return mux
}

// createSimulationRequest is the POST /simulations body.
type createSimulationRequest struct {
	SimulationID   string          `json:"simulation_id"`
	Symbols        []string        `json:"symbols"`
	StartDate      string          `json:"start_date"`
	EndDate        string          `json:"end_date"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	PositionSize   decimal.Decimal `json:"position_size"`

	Agent struct {
		AgentType         string   `json:"agent_type"`
		TrailingStopPct   *float64 `json:"trailing_stop_pct"`
		PortfolioStrategy string   `json:"portfolio_strategy"`
		BuyThreshold      *int     `json:"buy_threshold"`
		MaxPerSector      *int     `json:"max_per_sector"`
		MaxOpenPositions  *int     `json:"max_open_positions"`
	} `json:"agent"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createSimulationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	start, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("invalid start_date: %w", err))
		return
	}
	end, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("invalid end_date: %w", err))
		return
	}

	cfg := domain.AgentConfig{
		AgentType:         req.Agent.AgentType,
		PortfolioStrategy: req.Agent.PortfolioStrategy,
		BuyThreshold:      req.Agent.BuyThreshold,
		MaxPerSector:      req.Agent.MaxPerSector,
		MaxOpenPositions:  req.Agent.MaxOpenPositions,
	}
	if req.Agent.TrailingStopPct != nil {
		cfg.TrailingStopPct = decimal.NewFromFloat(*req.Agent.TrailingStopPct)
	}

	id := req.SimulationID
	if id == "" {
		id = fmt.Sprintf("sim-%d", time.Now().UnixNano())
	}

	sim := &domain.Simulation{
		SimulationID:   id,
		Symbols:        req.Symbols,
		StartDate:      start,
		EndDate:        end,
		InitialCapital: req.InitialCapital,
		PositionSize:   req.PositionSize,
		Agent:          cfg.Normalized(),
		Status:         domain.StatusPending,
	}
	if err := sim.Validate(); err != nil {
		httpError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.store.InsertSimulation(r.Context(), sim); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			httpError(w, http.StatusConflict, fmt.Errorf("simulation %s already exists", id))
			return
		}
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, simulationView(sim))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sims, err := s.store.ListSimulations(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]map[string]any, 0, len(sims))
	for _, sim := range sims {
		views = append(views, simulationView(sim))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sim, err := s.store.GetSimulation(r.Context(), r.PathValue("id"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, simulationView(sim))
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.store.GetSnapshots(r.Context(), r.PathValue("id"))
	if err != nil {
		storeError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, snapshotView(snap))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.GetPositionsBySimulation(r.Context(), r.PathValue("id"))
	if err != nil {
		storeError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(positions))
	for _, p := range positions {
		views = append(views, positionView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sim, err := s.store.GetSimulation(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}

	// Resume from PAUSED before initializing.
	if sim.Status == domain.StatusPaused {
		if err := sim.TransitionTo(domain.StatusRunning); err != nil {
			httpError(w, http.StatusConflict, err)
			return
		}
		if err := s.store.UpdateSimulation(r.Context(), sim); err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
	}

	sim, err = s.engine.Initialize(r.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrSimulationTerminal) || errors.Is(err, engine.ErrNoTradingDays) {
			httpError(w, http.StatusConflict, err)
			return
		}
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	s.mu.Lock()
	if s.running[id] {
		s.mu.Unlock()
		httpError(w, http.StatusConflict, fmt.Errorf("simulation %s is already running", id))
		return
	}
	s.running[id] = true
	s.mu.Unlock()

	go s.runLoop(id)

	writeJSON(w, http.StatusAccepted, simulationView(sim))
}

// runLoop steps a simulation to completion in the background, broadcasting
// each committed snapshot to subscribers. Uses its own context; an in-flight
// day commit should not be cut short by the HTTP request ending.
func (s *Server) runLoop(id string) {
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	ctx := context.Background()
	for {
		snap, err := s.engine.StepDay(ctx, id)
		if err != nil {
			if errors.Is(err, engine.ErrNotRunning) {
				s.logger.Printf("simulation %s: stopped: %v", id, err)
			} else {
				s.logger.Printf("simulation %s: step failed: %v", id, err)
			}
			s.hub.broadcast(id, map[string]any{"event": "stopped", "error": err.Error()})
			return
		}
		if snap == nil {
			s.hub.broadcast(id, map[string]any{"event": "completed"})
			s.hub.closeAll(id)
			return
		}
		s.hub.broadcast(id, map[string]any{"event": "day", "snapshot": snapshotView(snap)})
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, domain.StatusPaused)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, domain.StatusCancelled)
}

// transition applies a caller-requested status change. The run loop notices
// on its next step; the current day still commits.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, next domain.Status) {
	id := r.PathValue("id")

	sim, err := s.store.GetSimulation(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	if err := sim.TransitionTo(next); err != nil {
		httpError(w, http.StatusConflict, err)
		return
	}
	if err := s.store.UpdateSimulation(r.Context(), sim); err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	if next.IsTerminal() {
		s.engine.ClearCache(id)
	}
	writeJSON(w, http.StatusOK, simulationView(sim))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is not origin-sensitive; it serves no cookies.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS streams run progress for one simulation. Each message is one
// committed day; a final message reports completion or failure.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := s.store.GetSimulation(r.Context(), id); err != nil {
		storeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket upgrade: %v", err)
		return
	}

	s.hub.subscribe(id, conn)

	// Reader loop: discard client frames, detect disconnect.
	go func() {
		defer s.hub.unsubscribe(id, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// hub fans committed snapshots out to WebSocket subscribers per simulation.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[*websocket.Conn]bool
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*websocket.Conn]bool)}
}

func (h *hub) subscribe(id string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[*websocket.Conn]bool)
	}
	h.subs[id][conn] = true
}

func (h *hub) unsubscribe(id string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[id] != nil {
		delete(h.subs[id], conn)
	}
	conn.Close()
}

// broadcast writes one JSON message to every subscriber. Slow or dead
// connections are dropped rather than blocking the run loop.
func (h *hub) broadcast(id string, msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.subs[id] {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			delete(h.subs[id], conn)
			conn.Close()
		}
	}
}

// closeAll closes every subscriber for a finished simulation.
func (h *hub) closeAll(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.subs[id] {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "simulation finished"))
		conn.Close()
	}
	delete(h.subs, id)
}

// statusResponse is the JSON response for /status.
type statusResponse struct {
	Status             string   `json:"status"`
	Uptime             string   `json:"uptime"`
	RunningSimulations []string `json:"running_simulations"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	running := make([]string, 0, len(s.running))
	for id := range s.running {
		running = append(running, id)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, statusResponse{
		Status:             "running",
		Uptime:             time.Since(s.started).String(),
		RunningSimulations: running,
	})
}

func simulationView(sim *domain.Simulation) map[string]any {
	v := map[string]any{
		"simulation_id":   sim.SimulationID,
		"symbols":         sim.Symbols,
		"start_date":      sim.StartDate.Format("2006-01-02"),
		"end_date":        sim.EndDate.Format("2006-01-02"),
		"initial_capital": sim.InitialCapital,
		"position_size":   sim.PositionSize,
		"status":          sim.Status,
		"current_day":     sim.CurrentDay,
		"total_days":      sim.TotalDays,
		"total_trades":    sim.TotalTrades,
		"winning_trades":  sim.WinningTrades,
		"agent": map[string]any{
			"agent_type":         sim.Agent.AgentType,
			"trailing_stop_pct":  sim.Agent.TrailingStopPct,
			"portfolio_strategy": sim.Agent.PortfolioStrategy,
			"buy_threshold":      sim.Agent.BuyThreshold,
			"max_per_sector":     sim.Agent.MaxPerSector,
			"max_open_positions": sim.Agent.MaxOpenPositions,
		},
	}
	if sim.FinalEquity != nil {
		v["final_equity"] = sim.FinalEquity
	}
	if sim.TotalReturnPct != nil {
		v["total_return_pct"] = sim.TotalReturnPct
	}
	if sim.MaxDrawdownPct != nil {
		v["max_drawdown_pct"] = sim.MaxDrawdownPct
	}
	return v
}

func snapshotView(snap *domain.Snapshot) map[string]any {
	return map[string]any{
		"simulation_id":         snap.SimulationID,
		"day_number":            snap.DayNumber,
		"date":                  snap.Date.Format("2006-01-02"),
		"cash":                  snap.Cash,
		"positions_value":       snap.PositionsValue,
		"total_equity":          snap.TotalEquity,
		"daily_pnl":             snap.DailyPnL,
		"daily_return_pct":      snap.DailyReturnPct,
		"cumulative_return_pct": snap.CumulativeReturnPct,
		"open_position_count":   snap.OpenPositionCount,
		"decisions":             snap.Decisions,
	}
}

func positionView(p *domain.Position) map[string]any {
	v := map[string]any{
		"position_id":       p.PositionID,
		"simulation_id":     p.SimulationID,
		"symbol":            p.Symbol,
		"status":            p.Status,
		"signal_date":       p.SignalDate.Format("2006-01-02"),
		"shares":            p.Shares,
		"trailing_stop_pct": p.TrailingStopPct,
		"agent_reasoning":   p.AgentReasoning,
	}
	if p.EntryDate != nil {
		v["entry_date"] = p.EntryDate.Format("2006-01-02")
	}
	if p.EntryPrice != nil {
		v["entry_price"] = p.EntryPrice
	}
	if p.HighestPrice != nil {
		v["highest_price"] = p.HighestPrice
	}
	if p.CurrentStop != nil {
		v["current_stop"] = p.CurrentStop
	}
	if p.ExitDate != nil {
		v["exit_date"] = p.ExitDate.Format("2006-01-02")
	}
	if p.ExitPrice != nil {
		v["exit_price"] = p.ExitPrice
	}
	if p.ExitReason != "" {
		v["exit_reason"] = p.ExitReason
	}
	if p.RealizedPnL != nil {
		v["realized_pnl"] = p.RealizedPnL
	}
	if p.ReturnPct != nil {
		v["return_pct"] = p.ReturnPct
	}
	if p.AgentScore != nil {
		v["agent_score"] = p.AgentScore
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, err)
		return
	}
	httpError(w, http.StatusInternalServerError, err)
}

func parseStringPairs(s string, logger *log.Logger) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
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

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
