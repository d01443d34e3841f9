// Package resolution maps the chart widget's resolution codes to bar periods and
// to the interval names understood by the historical REST endpoint.
//
// Every resolution the datafeed advertises must appear in the table below. Looking up
// an unconfigured resolution is a programming error and panics.
package resolution

import (
	"fmt"
	"time"
)

// Resolution is the widget-facing timeframe code, e.g. "1", "60" or "1D".
type Resolution string

const (
	OneMinute      Resolution = "1"
	FiveMinutes    Resolution = "5"
	FifteenMinutes Resolution = "15"
	ThirtyMinutes  Resolution = "30"
	OneHour        Resolution = "60"
	TwoHours       Resolution = "120"
	FourHours      Resolution = "240"
	OneDay         Resolution = "1D"
)

// Day is the period from which bar times are aligned to UTC midnight.
const Day = 24 * time.Hour

type entry struct {
	period   time.Duration
	interval string
}

var table = map[Resolution]entry{
	OneMinute:      {time.Minute, "1min"},
	FiveMinutes:    {5 * time.Minute, "5min"},
	FifteenMinutes: {15 * time.Minute, "15min"},
	ThirtyMinutes:  {30 * time.Minute, "30min"},
	OneHour:        {time.Hour, "1h"},
	TwoHours:       {2 * time.Hour, "2h"},
	FourHours:      {4 * time.Hour, "4h"},
	OneDay:         {Day, "1day"},
}

// Supported lists the configured resolutions from finest to coarsest.
func Supported() []Resolution {
	return []Resolution{
		OneMinute, FiveMinutes, FifteenMinutes, ThirtyMinutes,
		OneHour, TwoHours, FourHours, OneDay,
	}
}

// IsSupported reports whether r has a configured period.
func IsSupported(r Resolution) bool {
	_, ok := table[r]
	return ok
}

// Period returns the bar length for r. It panics if r is not configured.
func Period(r Resolution) time.Duration {
	e, ok := table[r]
	if !ok {
		panic(fmt.Sprintf("resolution: no period configured for %q", string(r)))
	}
	return e.period
}

// Interval returns the REST interval name for r. It panics if r is not configured.
func Interval(r Resolution) string {
	e, ok := table[r]
	if !ok {
		panic(fmt.Sprintf("resolution: no REST interval configured for %q", string(r)))
	}
	return e.interval
}

// IsFinest reports whether r is the 1-minute resolution, the only one that is gap-filled.
func IsFinest(r Resolution) bool {
	return r == OneMinute
}
