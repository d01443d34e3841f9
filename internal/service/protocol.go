package service

import (
	"chartfeed/internal/datafeed"
	"chartfeed/internal/model"
	"chartfeed/internal/resolution"

	"github.com/goccy/go-json"
)

// Request methods understood by the chart service.
const (
	MethodOnReady         = "onReady"
	MethodSearchSymbols   = "searchSymbols"
	MethodResolveSymbol   = "resolveSymbol"
	MethodGetBars         = "getBars"
	MethodSubscribeBars   = "subscribeBars"
	MethodUnsubscribeBars = "unsubscribeBars"

	// MethodBar marks server pushes carrying a live bar.
	MethodBar = "bar"
)

// Request is a client call.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the Request with the same ID. Exactly one of Result and Error is set.
type Response struct {
	ID     uint64 `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Push is an unsolicited server message.
type Push struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// BarUpdate is the payload of a bar push.
type BarUpdate struct {
	SubscriberUID string    `json:"subscriberUID"`
	Bar           model.Bar `json:"bar"`
}

// SearchSymbolsParams are the params of searchSymbols.
type SearchSymbolsParams struct {
	Query    string `json:"query"`
	Exchange string `json:"exchange"`
}

// ResolveSymbolParams are the params of resolveSymbol.
type ResolveSymbolParams struct {
	Symbol string `json:"symbol" validate:"required"`
}

// GetBarsParams are the params of getBars.
type GetBarsParams struct {
	SymbolInfo   datafeed.SymbolInfo   `json:"symbolInfo"`
	Resolution   resolution.Resolution `json:"resolution" validate:"required"`
	PeriodParams datafeed.PeriodParams `json:"periodParams"`
}

// GetBarsResult is the result of getBars.
type GetBarsResult struct {
	Bars []model.Bar          `json:"bars"`
	Meta datafeed.HistoryMeta `json:"meta"`
}

// SubscribeBarsParams are the params of subscribeBars.
type SubscribeBarsParams struct {
	SymbolInfo    datafeed.SymbolInfo   `json:"symbolInfo"`
	Resolution    resolution.Resolution `json:"resolution" validate:"required"`
	SubscriberUID string                `json:"subscriberUID" validate:"required"`
}

// UnsubscribeBarsParams are the params of unsubscribeBars.
type UnsubscribeBarsParams struct {
	SubscriberUID string `json:"subscriberUID" validate:"required"`
}

// Ack is the result of calls that have nothing else to report.
type Ack struct {
	OK bool `json:"ok"`
}
