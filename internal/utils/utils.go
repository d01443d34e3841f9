// Package utils provides common helpers for chart symbols and trading pairs.
//
// The charting widget addresses markets with strings of the form
// "EXCHANGE:BASE/QUOTE". This package parses and formats those strings and
// validates the pair part so every other package can work with model.Pair values.
package utils

import (
	"errors"
	"fmt"
	"strings"

	"chartfeed/internal/model"
)

// Error definitions for symbol parsing
var (
	ErrEmptySymbol   = errors.New("symbol cannot be empty")
	ErrInvalidSymbol = errors.New("invalid symbol format")
	ErrNoPairs       = errors.New("zero pairs requested")
	ErrTooManyPairs  = errors.New("too many pairs requested")
)

// ParsePair parses "BASE/QUOTE" into a model.Pair. Assets are upper-cased.
func ParsePair(s string) (model.Pair, error) {
	if s == "" {
		return model.Pair{}, ErrEmptySymbol
	}

	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return model.Pair{}, fmt.Errorf("%w: expected BASE/QUOTE, got %q", ErrInvalidSymbol, s)
	}

	base := strings.ToUpper(strings.TrimSpace(parts[0]))
	quote := strings.ToUpper(strings.TrimSpace(parts[1]))
	if base == "" {
		return model.Pair{}, fmt.Errorf("%w: base asset cannot be empty", ErrInvalidSymbol)
	}
	if quote == "" {
		return model.Pair{}, fmt.Errorf("%w: quote asset cannot be empty", ErrInvalidSymbol)
	}

	return model.Pair{Base: base, Quote: quote}, nil
}

// ParseChartSymbol splits a widget symbol "EXCHANGE:BASE/QUOTE" into its exchange
// and pair. The exchange prefix is optional; an empty exchange is returned when absent.
func ParseChartSymbol(symbol string) (string, model.Pair, error) {
	if symbol == "" {
		return "", model.Pair{}, ErrEmptySymbol
	}

	exchange := ""
	pairPart := symbol
	if i := strings.Index(symbol, ":"); i >= 0 {
		exchange = symbol[:i]
		pairPart = symbol[i+1:]
		if exchange == "" {
			return "", model.Pair{}, fmt.Errorf("%w: empty exchange in %q", ErrInvalidSymbol, symbol)
		}
	}

	pair, err := ParsePair(pairPart)
	if err != nil {
		return "", model.Pair{}, err
	}
	return exchange, pair, nil
}

// FormatChartSymbol renders the widget symbol for pair on exchange.
func FormatChartSymbol(exchange string, pair model.Pair) string {
	if exchange == "" {
		return pair.String()
	}
	return exchange + ":" + pair.String()
}

// ValidatePairs enforces the quantity limit on a pair list and rejects duplicates.
func ValidatePairs(pairs []model.Pair, maxAllowed int) error {
	if len(pairs) == 0 {
		return ErrNoPairs
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManyPairs, maxAllowed)
	}

	if len(pairs) > maxAllowed {
		return fmt.Errorf("%w: requested %d pairs, maximum allowed %d",
			ErrTooManyPairs, len(pairs), maxAllowed)
	}

	seen := make(map[model.Pair]struct{}, len(pairs))
	for i, p := range pairs {
		if p.Base == "" || p.Quote == "" {
			return fmt.Errorf("%w: incomplete pair at index %d", ErrInvalidSymbol, i)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("%w: duplicate pair %s", ErrInvalidSymbol, p)
		}
		seen[p] = struct{}{}
	}

	return nil
}
