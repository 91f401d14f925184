package postgres

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Decimals travel to and from NUMERIC columns as text. pgx encodes strings
// into numeric losslessly and the text form round-trips exactly.

func decToString(d decimal.Decimal) string {
	return d.String()
}

func decPtrToString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func decFromString(s, field string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func decPtrFromString(s *string, field string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decFromString(*s, field)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
