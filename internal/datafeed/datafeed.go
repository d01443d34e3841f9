// Package datafeed implements the charting widget's datafeed contract.
//
// A Facade serves one chart session. It resolves widget symbols against the
// instrument catalogue, delegates history requests to the historical bar fetcher,
// and maps the widget's bar subscriptions onto the subscription registry. Failures
// are reported through the widget's error callbacks and never returned or thrown
// across the facade boundary.
package datafeed

import (
	"context"
	"fmt"
	"math"

	"chartfeed/internal/catalogue"
	"chartfeed/internal/history"
	"chartfeed/internal/model"
	"chartfeed/internal/registry"
	"chartfeed/internal/resolution"
	"chartfeed/internal/utils"

	"github.com/rs/zerolog/log"
)

const (
	symbolType     = "spot"
	symbolTimezone = "Etc/UTC"

	// ErrUnknownSymbol is the message passed to error callbacks for unresolvable symbols.
	ErrUnknownSymbol = "unknown_symbol"
)

// Catalogue is the instrument lookup the facade resolves symbols against.
type Catalogue interface {
	Exchange() string
	Search(query, exchange string) []model.Instrument
	Lookup(symbol string) (model.Instrument, bool)
}

// BarFetcher supplies historical bars and the latest bar per series.
type BarFetcher interface {
	Fetch(ctx context.Context, inst model.Instrument, res resolution.Resolution, from, to int64) (history.Result, error)
	LatestBar(pair model.Pair, res resolution.Resolution) (model.Bar, bool)
}

// Subscriptions multiplexes live bar listeners onto upstream feed subscriptions.
type Subscriptions interface {
	Subscribe(pair model.Pair, res resolution.Resolution, listener registry.Listener, id registry.SubscriptionID, seed *model.Bar) error
	Unsubscribe(id registry.SubscriptionID)
	Close()
}

// Exchange describes an exchange in the widget configuration.
type Exchange struct {
	Value string `json:"value"`
	Name  string `json:"name"`
	Desc  string `json:"desc"`
}

// Configuration is reported to the widget by OnReady.
type Configuration struct {
	SupportedResolutions []resolution.Resolution `json:"supported_resolutions"`
	Exchanges            []Exchange              `json:"exchanges"`
	SupportsMarks        bool                    `json:"supports_marks"`
	SupportsTime         bool                    `json:"supports_time"`
}

// SearchResult is one entry of a symbol search.
type SearchResult struct {
	Symbol      string `json:"symbol"`
	FullName    string `json:"full_name"`
	Description string `json:"description"`
	Exchange    string `json:"exchange"`
	Ticker      string `json:"ticker"`
	Type        string `json:"type"`
}

// SymbolInfo is the widget's description of a resolved symbol.
type SymbolInfo struct {
	Name                 string                  `json:"name"`
	Ticker               string                  `json:"ticker"`
	Description          string                  `json:"description"`
	Type                 string                  `json:"type"`
	Session              string                  `json:"session"`
	Timezone             string                  `json:"timezone"`
	Exchange             string                  `json:"exchange"`
	ListedExchange       string                  `json:"listed_exchange"`
	Format               string                  `json:"format"`
	PriceScale           int64                   `json:"pricescale"`
	MinMov               int                     `json:"minmov"`
	HasIntraday          bool                    `json:"has_intraday"`
	HasDaily             bool                    `json:"has_daily"`
	SupportedResolutions []resolution.Resolution `json:"supported_resolutions"`
	DataStatus           string                  `json:"data_status"`
}

// PeriodParams is the time range of a history request, in Unix seconds.
type PeriodParams struct {
	From             int64 `json:"from"`
	To               int64 `json:"to"`
	CountBack        int   `json:"countBack"`
	FirstDataRequest bool  `json:"firstDataRequest"`
}

// HistoryMeta accompanies the bars of a history response.
type HistoryMeta struct {
	NoData bool `json:"noData"`
}

// Facade is the widget-facing datafeed of one chart session.
type Facade struct {
	catalogue Catalogue
	fetcher   BarFetcher
	subs      Subscriptions
}

// New composes a Facade from its collaborators.
func New(cat Catalogue, fetcher BarFetcher, subs Subscriptions) *Facade {
	return &Facade{
		catalogue: cat,
		fetcher:   fetcher,
		subs:      subs,
	}
}

// OnReady reports the static datafeed configuration. The callback always runs
// asynchronously, as the widget requires.
func (f *Facade) OnReady(callback func(Configuration)) {
	exchange := f.catalogue.Exchange()
	cfg := Configuration{
		SupportedResolutions: resolution.Supported(),
		Exchanges:            []Exchange{{Value: exchange, Name: exchange, Desc: exchange}},
	}
	go callback(cfg)
}

// SearchSymbols reports the instruments whose name contains query, ignoring case,
// listed on exchange. An empty exchange matches every exchange.
func (f *Facade) SearchSymbols(query, exchange string, onResult func([]SearchResult)) {
	exchangeName := f.catalogue.Exchange()
	results := []SearchResult{}
	for _, inst := range f.catalogue.Search(query, exchange) {
		name := inst.Pair.String()
		ticker := utils.FormatChartSymbol(exchangeName, inst.Pair)
		results = append(results, SearchResult{
			Symbol:      name,
			FullName:    ticker,
			Description: name,
			Exchange:    exchangeName,
			Ticker:      ticker,
			Type:        symbolType,
		})
	}
	onResult(results)
}

// ResolveSymbol describes symbol ("EXCHANGE:BASE/QUOTE") for the widget.
func (f *Facade) ResolveSymbol(symbol string, onResolve func(SymbolInfo), onError func(string)) {
	inst, ok := f.catalogue.Lookup(symbol)
	if !ok {
		log.Warn().Str("component", "datafeed").Str("symbol", symbol).Msg("cannot resolve symbol")
		onError(ErrUnknownSymbol)
		return
	}
	onResolve(f.symbolInfo(inst))
}

// GetBars loads the history of info at res for params.
func (f *Facade) GetBars(
	ctx context.Context,
	info SymbolInfo,
	res resolution.Resolution,
	params PeriodParams,
	onResult func([]model.Bar, HistoryMeta),
	onError func(string),
) {
	inst, ok := f.catalogue.Lookup(info.Ticker)
	if !ok {
		onError(ErrUnknownSymbol)
		return
	}

	result, err := f.fetcher.Fetch(ctx, inst, res, params.From, params.To)
	if err != nil {
		log.Error().Err(err).
			Str("component", "datafeed").
			Str("symbol", info.Ticker).
			Str("resolution", string(res)).
			Msg("getBars failed")
		onError(err.Error())
		return
	}
	onResult(result.Bars, HistoryMeta{NoData: result.NoData})
}

// SubscribeBars streams the open bar of info at res to onTick.
//
// Panes subscribing with the same chartSubscriptionID share one upstream feed
// subscription. History for the series must have been loaded with GetBars first.
// onResetCacheNeeded is accepted for contract compatibility; live bars never
// invalidate loaded history, so it is not called.
func (f *Facade) SubscribeBars(
	info SymbolInfo,
	res resolution.Resolution,
	onTick func(model.Bar),
	chartSubscriptionID string,
	onResetCacheNeeded func(),
) {
	logger := log.With().
		Str("component", "datafeed").
		Str("symbol", info.Ticker).
		Str("subscription", chartSubscriptionID).
		Logger()

	inst, ok := f.catalogue.Lookup(info.Ticker)
	if !ok {
		logger.Error().Msg("cannot subscribe to unknown symbol")
		return
	}

	var seed *model.Bar
	if latest, ok := f.fetcher.LatestBar(inst.Pair, res); ok {
		seed = &latest
	}

	err := f.subs.Subscribe(inst.Pair, res, registry.Listener(onTick), subscriptionID(chartSubscriptionID), seed)
	if err != nil {
		logger.Error().Err(err).Msg("subscribeBars failed")
	}
}

// UnsubscribeBars releases the subscription. Unknown ids are ignored.
func (f *Facade) UnsubscribeBars(chartSubscriptionID string) {
	f.subs.Unsubscribe(subscriptionID(chartSubscriptionID))
}

// Close releases every live subscription of the session.
func (f *Facade) Close() {
	f.subs.Close()
}

func (f *Facade) symbolInfo(inst model.Instrument) SymbolInfo {
	exchange := f.catalogue.Exchange()
	name := inst.Pair.String()
	return SymbolInfo{
		Name:                 name,
		Ticker:               utils.FormatChartSymbol(exchange, inst.Pair),
		Description:          name,
		Type:                 symbolType,
		Session:              catalogue.SessionString(catalogue.SessionHours(inst)),
		Timezone:             symbolTimezone,
		Exchange:             exchange,
		ListedExchange:       exchange,
		Format:               "price",
		PriceScale:           priceScale(inst.Decimals),
		MinMov:               1,
		HasIntraday:          true,
		HasDaily:             true,
		SupportedResolutions: resolution.Supported(),
		DataStatus:           "streaming",
	}
}

func priceScale(decimals int) int64 {
	return int64(math.Pow10(decimals))
}

// subscriptionID maps the widget's opaque subscription id to a registry id.
func subscriptionID(chartSubscriptionID string) registry.SubscriptionID {
	return registry.SubscriptionID(fmt.Sprintf("chart:%s", chartSubscriptionID))
}
