// Package history fetches historical bars from the REST history endpoint and turns
// them into the bar list handed to the charting widget.
//
// The pipeline drops known outliers and malformed bars, clips over-fetched bars to
// the requested window, connects 1-minute candles, remembers the latest bar of every
// series for seeding live subscriptions, and decides when the widget has reached the
// start of available history.
package history

import (
	"context"
	"fmt"

	"chartfeed/internal/model"
	"chartfeed/internal/resolution"

	"github.com/rs/zerolog/log"
)

// BarSource provides raw bars for a REST symbol, interval and Unix-second range.
type BarSource interface {
	Bars(ctx context.Context, symbol, interval string, from, to int64) ([]model.Bar, error)
}

// Result is the outcome of one history request.
type Result struct {
	Bars   []model.Bar
	NoData bool
}

// Fetcher is the historical bar pipeline of one chart session.
//
// The latest-bar cache and the no-data counter are owned by the Fetcher, so
// separate chart sessions never share state.
type Fetcher struct {
	source   BarSource
	outliers outlierTable
	latest   *LatestBarCache
	noData   *NoDataCounter
}

// NewFetcher creates a Fetcher reading from source and dropping bars matched by rules.
func NewFetcher(source BarSource, rules []OutlierRule) *Fetcher {
	return &Fetcher{
		source:   source,
		outliers: newOutlierTable(rules),
		latest:   NewLatestBarCache(),
		noData:   NewNoDataCounter(),
	}
}

// Fetch returns the validated bars of inst at res between from and to (Unix seconds).
//
// It panics if res has no configured REST interval. Errors of the REST call are
// returned unretried beyond the client's own policy.
func (f *Fetcher) Fetch(ctx context.Context, inst model.Instrument, res resolution.Resolution, from, to int64) (Result, error) {
	interval := resolution.Interval(res)

	logger := log.With().
		Str("component", "history").
		Str("pair", inst.Pair.String()).
		Str("interval", interval).
		Logger()

	raw, err := f.source.Bars(ctx, inst.ChartSymbol, interval, from, to)
	if err != nil {
		logger.Error().Err(err).Int64("from", from).Int64("to", to).Msg("history request failed")
		return Result{}, fmt.Errorf("fetch %s %s: %w", inst.Pair, interval, err)
	}

	bars := f.outliers.filterBars(inst.Pair, raw)
	bars = clipBars(bars, from*1000, to*1000)
	if resolution.IsFinest(res) {
		gapFill(bars)
	}

	logger.Debug().
		Int("received", len(raw)).
		Int("kept", len(bars)).
		Msg("history fetched")

	if len(bars) == 0 {
		return Result{Bars: bars, NoData: f.noData.Empty(inst.Pair, res)}, nil
	}

	f.noData.Reset(inst.Pair, res)
	f.latest.Offer(inst.Pair, res, bars[len(bars)-1])
	return Result{Bars: bars}, nil
}

// LatestBar returns the most recent historical bar seen for the series.
func (f *Fetcher) LatestBar(pair model.Pair, res resolution.Resolution) (model.Bar, bool) {
	return f.latest.Get(pair, res)
}
