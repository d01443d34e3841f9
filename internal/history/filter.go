package history

import (
	"slices"

	"chartfeed/internal/model"
)

// OutlierRule flags known-bad data points of one instrument.
type OutlierRule struct {
	// Symbol is the instrument pair, e.g. "XAU/USD".
	Symbol string

	// LowerPriceLimit drops bars whose lowest OHLC value falls below it.
	LowerPriceLimit float64

	// IgnoreTimestamps lists bar times (ms) to drop regardless of price.
	IgnoreTimestamps []int64
}

// DefaultOutlierRules are the known feed corruptions in the upstream history.
var DefaultOutlierRules = []OutlierRule{
	{Symbol: "EUR/USD", LowerPriceLimit: 0.5},
	{Symbol: "GBP/USD", LowerPriceLimit: 0.5},
	{Symbol: "USD/JPY", LowerPriceLimit: 50},
	{Symbol: "XAU/USD", LowerPriceLimit: 1000, IgnoreTimestamps: []int64{1677628800000}},
	{Symbol: "ETH/USD", LowerPriceLimit: 10, IgnoreTimestamps: []int64{1667260800000, 1667264400000}},
}

type outlierTable map[string]OutlierRule

func newOutlierTable(rules []OutlierRule) outlierTable {
	t := make(outlierTable, len(rules))
	for _, r := range rules {
		t[r.Symbol] = r
	}
	return t
}

// keep reports whether bar is well-formed and plausible for the instrument.
func (t outlierTable) keep(pair model.Pair, bar model.Bar) bool {
	if !bar.Valid() {
		return false
	}
	rule, ok := t[pair.String()]
	if !ok {
		return true
	}
	if bar.MinPrice() < rule.LowerPriceLimit {
		return false
	}
	return !slices.Contains(rule.IgnoreTimestamps, bar.Time)
}

// filterBars drops outliers and returns the remaining bars sorted by time.
func (t outlierTable) filterBars(pair model.Pair, bars []model.Bar) []model.Bar {
	out := make([]model.Bar, 0, len(bars))
	for _, b := range bars {
		if t.keep(pair, b) {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b model.Bar) int {
		switch {
		case a.Time < b.Time:
			return -1
		case a.Time > b.Time:
			return 1
		}
		return 0
	})
	return out
}

// clipBars keeps bars with fromMs <= Time < toMs. bars must be sorted.
// Consecutive backward pages share a boundary, so to is exclusive.
func clipBars(bars []model.Bar, fromMs, toMs int64) []model.Bar {
	out := bars[:0]
	for _, b := range bars {
		if b.Time >= fromMs && b.Time < toMs {
			out = append(out, b)
		}
	}
	return out
}

// gapFill connects adjacent 1-minute candles: every close becomes the next bar's open.
// High and low are widened to cover the new close.
func gapFill(bars []model.Bar) {
	for i := 0; i < len(bars)-1; i++ {
		b := &bars[i]
		b.Close = bars[i+1].Open
		b.High = max(b.High, b.Close)
		b.Low = min(b.Low, b.Close)
	}
}
