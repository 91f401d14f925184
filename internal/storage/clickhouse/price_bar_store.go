package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"equity-sim-lab/internal/domain"
	"equity-sim-lab/internal/storage"
)

// PriceBarStore implements storage.PriceBarStore using ClickHouse. Daily OHLCV
// history is append-heavy and range-scanned by symbol, which fits a MergeTree
// ordered by (symbol, date).
type PriceBarStore struct {
	conn *Conn
}

// NewPriceBarStore creates a new PriceBarStore.
func NewPriceBarStore(conn *Conn) *PriceBarStore {
	return &PriceBarStore{conn: conn}
}

// Compile-time interface check.
var _ storage.PriceBarStore = (*PriceBarStore)(nil)

// InsertBulk adds multiple bars. Fails entire batch on duplicate (symbol, date).
func (s *PriceBarStore) InsertBulk(ctx context.Context, bars []*domain.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}

	// Check for intra-batch duplicates
	type key struct {
		symbol string
		date   time.Time
	}
	seen := make(map[key]struct{})
	for _, b := range bars {
		k := key{b.Symbol, domain.Day(b.Date)}
		if _, exists := seen[k]; exists {
			return storage.ErrDuplicateKey
		}
		seen[k] = struct{}{}
	}

	// Check for duplicates against existing DB rows
	for _, b := range bars {
		exists, err := s.exists(ctx, b.Symbol, domain.Day(b.Date))
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO price_bars (
			symbol, date, open, high, low, close, volume
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, b := range bars {
		err = batch.Append(
			b.Symbol, domain.Day(b.Date),
			b.Open, b.High, b.Low, b.Close,
			b.Volume,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetBySymbolRange retrieves bars for a symbol with date in [start, end]
// inclusive, ordered by date ASC.
func (s *PriceBarStore) GetBySymbolRange(ctx context.Context, symbol string, start, end time.Time) ([]*domain.PriceBar, error) {
	query := `
		SELECT symbol, date, open, high, low, close, volume
		FROM price_bars
		WHERE symbol = ? AND date >= ? AND date <= ?
		ORDER BY date ASC
	`

	rows, err := s.conn.Query(ctx, query, symbol, domain.Day(start), domain.Day(end))
	if err != nil {
		return nil, fmt.Errorf("query bars by symbol range: %w", err)
	}
	defer rows.Close()

	return scanPriceBars(rows)
}

// exists checks if a bar with the given key exists.
func (s *PriceBarStore) exists(ctx context.Context, symbol string, date time.Time) (bool, error) {
	query := `
		SELECT count(*) FROM price_bars
		WHERE symbol = ? AND date = ?
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, symbol, date).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Rows interface for scanning
type chRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

// scanPriceBars scans multiple rows into a slice.
func scanPriceBars(rows chRows) ([]*domain.PriceBar, error) {
	var bars []*domain.PriceBar

	for rows.Next() {
		var b domain.PriceBar
		var open, high, low, closePrice decimal.Decimal

		err := rows.Scan(
			&b.Symbol, &b.Date,
			&open, &high, &low, &closePrice,
			&b.Volume,
		)
		if err != nil {
			return nil, fmt.Errorf("scan price bar row: %w", err)
		}

		b.Date = domain.Day(b.Date)
		b.Open = open
		b.High = high
		b.Low = low
		b.Close = closePrice
		bars = append(bars, &b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price bar rows: %w", err)
	}

	return bars, nil
}
