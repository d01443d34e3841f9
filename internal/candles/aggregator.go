// Package candles turns a stream of live prices into evolving OHLC candles.
//
// A BarAggregator is owned by exactly one subscription and is not safe for
// concurrent use; the subscription registry feeds it from a single goroutine.
// It keeps only the last closed bar and the open bar, so every tick costs O(1)
// regardless of tick rate or history depth.
package candles

import (
	"fmt"
	"time"

	"chartfeed/internal/model"
	"chartfeed/internal/resolution"
)

// BarAggregator is the per-subscription candle state machine.
//
// Each tick either extends the open bar (same period) or closes it and opens a new
// one (period rollover). Callers only ever receive copies of the open bar.
type BarAggregator struct {
	// period is the length of one bar.
	period time.Duration

	// previous is the last bar that was closed by a rollover.
	//
	// Before the first rollover it is the seed bar.
	previous model.Bar

	// current is the open bar. It is the only state ticks mutate.
	current model.Bar
}

// NewBarAggregator creates an aggregator continuing from seed, the latest known
// historical bar of the series.
//
// For periods of one day or more the seed time is floored to 00:00 UTC; finer
// periods keep the seed time unchanged. It panics if period is not positive.
func NewBarAggregator(seed model.Bar, period time.Duration) *BarAggregator {
	if period <= 0 {
		panic(fmt.Sprintf("candles: invalid bar period %s", period))
	}
	if period >= resolution.Day {
		seed.Time = floorToDay(seed.Time)
	}
	return &BarAggregator{
		period:   period,
		previous: seed,
		current:  seed,
	}
}

// Tick applies one price observed at the given time and returns the open bar.
//
// Ticks must be applied in arrival order; each one mutates high, low and close.
func (agg *BarAggregator) Tick(price float64, at time.Time) model.Bar {
	now := agg.align(at)

	if now-agg.current.Time < agg.period.Milliseconds() {
		agg.current.Close = price
		agg.current.High = max(agg.current.High, price)
		agg.current.Low = min(agg.current.Low, price)
		agg.current.Time = max(agg.current.Time, now)
		return agg.current
	}

	agg.previous = agg.current
	agg.current = model.Bar{
		Time:  now,
		Open:  agg.previous.Close,
		High:  price,
		Low:   price,
		Close: price,
	}
	return agg.current
}

// CurrentBar returns a copy of the open bar.
func (agg *BarAggregator) CurrentBar() model.Bar {
	return agg.current
}

// PreviousBar returns a copy of the last closed bar.
func (agg *BarAggregator) PreviousBar() model.Bar {
	return agg.previous
}

// Period returns the bar length.
func (agg *BarAggregator) Period() time.Duration {
	return agg.period
}

// align maps a tick time to the start of its period in Unix milliseconds.
func (agg *BarAggregator) align(at time.Time) int64 {
	ms := at.UnixMilli()
	if agg.period >= resolution.Day {
		return floorToDay(ms)
	}
	p := agg.period.Milliseconds()
	return ms - ms%p
}

func floorToDay(ms int64) int64 {
	t := time.UnixMilli(ms).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).UnixMilli()
}
