package marketdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"equity-sim-lab/internal/domain"
)

// LoadCSV reads daily bars for one symbol from a CSV file with the header
// date,open,high,low,close,volume. Dates are YYYY-MM-DD. Rows must be
// ascending by date.
func LoadCSV(path, symbol string) ([]*domain.PriceBar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6

	// Header row.
	if _, err := r.Read(); err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}

	var bars []*domain.PriceBar
	line := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		line++

		bar, err := parseBar(symbol, record)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		if len(bars) > 0 && !bar.Date.After(bars[len(bars)-1].Date) {
			return nil, fmt.Errorf("%s line %d: dates not ascending", path, line)
		}
		bars = append(bars, bar)
	}

	return bars, nil
}

func parseBar(symbol string, record []string) (*domain.PriceBar, error) {
	date, err := time.Parse("2006-01-02", record[0])
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", record[0], err)
	}

	prices := make([]decimal.Decimal, 4)
	for i, field := range record[1:5] {
		p, err := decimal.NewFromString(field)
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", field, err)
		}
		prices[i] = p
	}

	volume, err := strconv.ParseInt(record[5], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse volume %q: %w", record[5], err)
	}

	return &domain.PriceBar{
		Symbol: symbol,
		Date:   domain.Day(date),
		Open:   prices[0],
		High:   prices[1],
		Low:    prices[2],
		Close:  prices[3],
		Volume: volume,
	}, nil
}
