package datafeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"chartfeed/internal/catalogue"
	"chartfeed/internal/history"
	"chartfeed/internal/model"
	"chartfeed/internal/registry"
	"chartfeed/internal/resolution"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockBarFetcher is a mock implementation of BarFetcher.
type MockBarFetcher struct {
	mock.Mock
}

func (m *MockBarFetcher) Fetch(ctx context.Context, inst model.Instrument, res resolution.Resolution, from, to int64) (history.Result, error) {
	args := m.Called(ctx, inst, res, from, to)
	return args.Get(0).(history.Result), args.Error(1)
}

func (m *MockBarFetcher) LatestBar(pair model.Pair, res resolution.Resolution) (model.Bar, bool) {
	args := m.Called(pair, res)
	return args.Get(0).(model.Bar), args.Bool(1)
}

// MockSubscriptions is a mock implementation of Subscriptions.
type MockSubscriptions struct {
	mock.Mock
}

func (m *MockSubscriptions) Subscribe(pair model.Pair, res resolution.Resolution, listener registry.Listener, id registry.SubscriptionID, seed *model.Bar) error {
	args := m.Called(pair, res, listener, id, seed)
	return args.Error(0)
}

func (m *MockSubscriptions) Unsubscribe(id registry.SubscriptionID) {
	m.Called(id)
}

func (m *MockSubscriptions) Close() {
	m.Called()
}

var eurUSD = model.Pair{Base: "EUR", Quote: "USD"}

func newTestFacade(t *testing.T) (*Facade, *MockBarFetcher, *MockSubscriptions) {
	t.Helper()
	cat, err := catalogue.Default()
	require.NoError(t, err)
	fetcher := new(MockBarFetcher)
	subs := new(MockSubscriptions)
	return New(cat, fetcher, subs), fetcher, subs
}

func Test_OnReady_IsAsync(t *testing.T) {
	f, _, _ := newTestFacade(t)

	type result struct {
		cfg   Configuration
		async bool
	}
	got := make(chan result, 1)
	release := make(chan struct{})

	f.OnReady(func(cfg Configuration) {
		select {
		case <-release:
			got <- result{cfg: cfg, async: true}
		case <-time.After(time.Second):
			got <- result{cfg: cfg}
		}
	})
	close(release)

	select {
	case r := <-got:
		assert.True(t, r.async, "callback ran before OnReady returned")
		assert.Equal(t, resolution.Supported(), r.cfg.SupportedResolutions)
		require.Len(t, r.cfg.Exchanges, 1)
		assert.Equal(t, "N4", r.cfg.Exchanges[0].Value)
	case <-time.After(2 * time.Second):
		t.Fatal("onReady callback not called")
	}
}

func Test_SearchSymbols(t *testing.T) {
	f, _, _ := newTestFacade(t)

	var results []SearchResult
	f.SearchSymbols("gbp", "", func(r []SearchResult) { results = r })

	require.Len(t, results, 1)
	assert.Equal(t, SearchResult{
		Symbol:      "GBP/USD",
		FullName:    "N4:GBP/USD",
		Description: "GBP/USD",
		Exchange:    "N4",
		Ticker:      "N4:GBP/USD",
		Type:        "spot",
	}, results[0])

	f.SearchSymbols("gbp", "OTHER", func(r []SearchResult) { results = r })
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func Test_ResolveSymbol(t *testing.T) {
	f, _, _ := newTestFacade(t)

	tests := []struct {
		name        string
		symbol      string
		wantSession string
		wantScale   int64
	}{
		{name: "Always open", symbol: "N4:BTC/USD", wantSession: catalogue.AlwaysOpenSession, wantScale: 100},
		{name: "Session limited", symbol: "N4:USD/JPY", wantSession: "2200-0000:1|0000-0000:2345|0000-2200:6", wantScale: 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var info SymbolInfo
			f.ResolveSymbol(tt.symbol, func(i SymbolInfo) { info = i }, func(msg string) {
				t.Fatalf("unexpected error %s", msg)
			})

			assert.Equal(t, tt.symbol, info.Ticker)
			assert.Equal(t, tt.wantSession, info.Session)
			assert.Equal(t, tt.wantScale, info.PriceScale)
			assert.Equal(t, "Etc/UTC", info.Timezone)
			assert.Equal(t, 1, info.MinMov)
			assert.True(t, info.HasIntraday)
			assert.Equal(t, resolution.Supported(), info.SupportedResolutions)
		})
	}
}

func Test_ResolveSymbol_Unknown(t *testing.T) {
	f, _, _ := newTestFacade(t)

	var errMsg string
	f.ResolveSymbol("N4:DOGE/USD", func(SymbolInfo) {
		t.Fatal("unexpected resolve")
	}, func(msg string) { errMsg = msg })

	assert.Equal(t, ErrUnknownSymbol, errMsg)
}

func Test_GetBars(t *testing.T) {
	f, fetcher, _ := newTestFacade(t)

	cat, err := catalogue.Default()
	require.NoError(t, err)
	inst, ok := cat.Lookup("EUR/USD")
	require.True(t, ok)
	bars := []model.Bar{{Time: 60000, Open: 1, High: 2, Low: 1, Close: 2}}
	fetcher.On("Fetch", mock.Anything, inst, resolution.OneMinute, int64(0), int64(120)).
		Return(history.Result{Bars: bars}, nil).Once()

	var (
		gotBars []model.Bar
		gotMeta HistoryMeta
	)
	f.GetBars(context.Background(), SymbolInfo{Ticker: "N4:EUR/USD"}, resolution.OneMinute,
		PeriodParams{From: 0, To: 120, FirstDataRequest: true},
		func(b []model.Bar, meta HistoryMeta) { gotBars, gotMeta = b, meta },
		func(msg string) { t.Fatalf("unexpected error %s", msg) },
	)

	assert.Equal(t, bars, gotBars)
	assert.False(t, gotMeta.NoData)
	fetcher.AssertExpectations(t)
}

func Test_GetBars_NoData(t *testing.T) {
	f, fetcher, _ := newTestFacade(t)

	fetcher.On("Fetch", mock.Anything, mock.Anything, resolution.OneHour, mock.Anything, mock.Anything).
		Return(history.Result{Bars: []model.Bar{}, NoData: true}, nil).Once()

	var gotMeta HistoryMeta
	f.GetBars(context.Background(), SymbolInfo{Ticker: "N4:EUR/USD"}, resolution.OneHour, PeriodParams{From: 0, To: 10},
		func(_ []model.Bar, meta HistoryMeta) { gotMeta = meta },
		func(msg string) { t.Fatalf("unexpected error %s", msg) },
	)

	assert.True(t, gotMeta.NoData)
}

func Test_GetBars_Error(t *testing.T) {
	f, fetcher, _ := newTestFacade(t)

	fetcher.On("Fetch", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(history.Result{}, errors.New("upstream down")).Once()

	var errMsg string
	f.GetBars(context.Background(), SymbolInfo{Ticker: "N4:EUR/USD"}, resolution.OneMinute, PeriodParams{},
		func([]model.Bar, HistoryMeta) { t.Fatal("unexpected result") },
		func(msg string) { errMsg = msg },
	)

	assert.Contains(t, errMsg, "upstream down")
}

func Test_GetBars_UnknownSymbol(t *testing.T) {
	f, fetcher, _ := newTestFacade(t)

	var errMsg string
	f.GetBars(context.Background(), SymbolInfo{Ticker: "N4:DOGE/USD"}, resolution.OneMinute, PeriodParams{},
		func([]model.Bar, HistoryMeta) { t.Fatal("unexpected result") },
		func(msg string) { errMsg = msg },
	)

	assert.Equal(t, ErrUnknownSymbol, errMsg)
	fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func Test_SubscribeBars_SeedsFromLatestBar(t *testing.T) {
	f, fetcher, subs := newTestFacade(t)

	latest := model.Bar{Time: 3600000, Open: 1.1, High: 1.2, Low: 1.0, Close: 1.15}
	fetcher.On("LatestBar", eurUSD, resolution.OneHour).Return(latest, true).Once()
	subs.On("Subscribe", eurUSD, resolution.OneHour, mock.Anything, registry.SubscriptionID("chart:abc"), &latest).
		Return(nil).Once()

	f.SubscribeBars(SymbolInfo{Ticker: "N4:EUR/USD"}, resolution.OneHour, func(model.Bar) {}, "abc", func() {})

	subs.AssertExpectations(t)
}

func Test_SubscribeBars_WithoutHistory(t *testing.T) {
	f, fetcher, subs := newTestFacade(t)

	fetcher.On("LatestBar", eurUSD, resolution.OneMinute).Return(model.Bar{}, false).Once()
	subs.On("Subscribe", eurUSD, resolution.OneMinute, mock.Anything, registry.SubscriptionID("chart:abc"), (*model.Bar)(nil)).
		Return(nil).Once()

	f.SubscribeBars(SymbolInfo{Ticker: "N4:EUR/USD"}, resolution.OneMinute, func(model.Bar) {}, "abc", nil)

	subs.AssertExpectations(t)
}

func Test_SubscribeBars_DeliversThroughListener(t *testing.T) {
	f, fetcher, subs := newTestFacade(t)

	fetcher.On("LatestBar", eurUSD, resolution.OneMinute).Return(model.Bar{Time: 60000, Open: 1, High: 1, Low: 1, Close: 1}, true)
	subs.On("Subscribe", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			listener := args.Get(2).(registry.Listener)
			listener(model.Bar{Time: 60000, Open: 1, High: 2, Low: 1, Close: 2})
		}).
		Return(nil)

	var got []model.Bar
	f.SubscribeBars(SymbolInfo{Ticker: "N4:EUR/USD"}, resolution.OneMinute, func(b model.Bar) { got = append(got, b) }, "abc", nil)

	assert.Equal(t, []model.Bar{{Time: 60000, Open: 1, High: 2, Low: 1, Close: 2}}, got)
}

func Test_SubscribeBars_UnknownSymbol(t *testing.T) {
	f, _, subs := newTestFacade(t)

	f.SubscribeBars(SymbolInfo{Ticker: "N4:DOGE/USD"}, resolution.OneMinute, func(model.Bar) {}, "abc", nil)

	subs.AssertNotCalled(t, "Subscribe", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func Test_UnsubscribeBars_And_Close(t *testing.T) {
	f, _, subs := newTestFacade(t)

	subs.On("Unsubscribe", registry.SubscriptionID("chart:abc")).Twice()
	subs.On("Close").Once()

	f.UnsubscribeBars("abc")
	f.UnsubscribeBars("abc")
	f.Close()

	subs.AssertExpectations(t)
}

func Test_PriceScale(t *testing.T) {
	assert.Equal(t, int64(1), priceScale(0))
	assert.Equal(t, int64(100), priceScale(2))
	assert.Equal(t, int64(100000), priceScale(5))
}
