// Package model defines core data types for the chart datafeed.
//
// This package contains the fundamental data structures shared by the historical
// fetcher, the bar aggregator, the subscription registry and the widget facade:
// bars, trading pairs, instruments with their trading sessions, and live price ticks.
// Bars are expressed in float64 because that is what the charting widget consumes;
// live prices keep decimal.Decimal precision until they reach the aggregator.
package model

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Bar is one OHLC candle. Time is the start of its period in Unix milliseconds.
type Bar struct {
	Time  int64   `json:"time"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Valid reports whether all four prices are strictly positive and ordered
// low <= min(open, close) <= max(open, close) <= high.
func (b Bar) Valid() bool {
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return false
	}
	return b.Low <= math.Min(b.Open, b.Close) && math.Max(b.Open, b.Close) <= b.High
}

// MinPrice returns the lowest of the four OHLC values.
func (b Bar) MinPrice() float64 {
	return math.Min(math.Min(b.Open, b.Close), math.Min(b.Low, b.High))
}

// Pair is a base/quote trading pair, e.g. ETH/USD.
type Pair struct {
	Base  string `json:"base" yaml:"base" validate:"required"`
	Quote string `json:"quote" yaml:"quote" validate:"required"`
}

// String renders the pair as BASE/QUOTE.
func (p Pair) String() string {
	return fmt.Sprintf("%s/%s", p.Base, p.Quote)
}

// WeekTime is a moment within a week, in UTC.
type WeekTime struct {
	Day    time.Weekday
	Hour   int
	Minute int
}

// SessionWindow is one continuous trading window, possibly spanning several days.
type SessionWindow struct {
	Open  WeekTime
	Close WeekTime
}

// Instrument describes a chartable market as supplied by the instrument catalogue.
type Instrument struct {
	Pair        Pair
	ChartSymbol string          // symbol used on the historical REST endpoint
	Decimals    int             // display precision of prices
	ViewOnly    bool            // listed for charting but not tradeable
	Sessions    []SessionWindow // empty means the market never closes
}

// AlwaysOpen reports whether the instrument trades around the clock.
func (i Instrument) AlwaysOpen() bool {
	return len(i.Sessions) == 0
}

// PriceTick is a single live price update from the upstream feed.
type PriceTick struct {
	Pair      Pair
	Price     decimal.Decimal
	Timestamp time.Time
}

// FeedHandle identifies one open upstream feed subscription.
type FeedHandle string
