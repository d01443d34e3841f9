// Package service exposes the datafeed to charting widgets over a websocket.
//
// Every connection is one chart session with its own Datafeed: its own latest-bar
// cache, no-data counters and subscription registry. Requests are answered in the
// order they arrive, and live bars are pushed on the same connection by a single
// writer goroutine.
package service

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"chartfeed/internal/datafeed"
	"chartfeed/internal/model"
	"chartfeed/internal/resolution"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultPingPeriod   = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 64 << 10
	defaultSendBuffer   = 256
)

var (
	// ErrServiceClosed is returned by ServeHTTP once Close has been called.
	ErrServiceClosed = errors.New("chart service closed")
)

// Datafeed is the per-session widget contract served over the websocket.
type Datafeed interface {
	OnReady(callback func(datafeed.Configuration))
	SearchSymbols(query, exchange string, onResult func([]datafeed.SearchResult))
	ResolveSymbol(symbol string, onResolve func(datafeed.SymbolInfo), onError func(string))
	GetBars(ctx context.Context, info datafeed.SymbolInfo, res resolution.Resolution, params datafeed.PeriodParams,
		onResult func([]model.Bar, datafeed.HistoryMeta), onError func(string))
	SubscribeBars(info datafeed.SymbolInfo, res resolution.Resolution, onTick func(model.Bar),
		chartSubscriptionID string, onResetCacheNeeded func())
	UnsubscribeBars(chartSubscriptionID string)
	Close()
}

// DatafeedFactory builds the Datafeed of a new chart session.
type DatafeedFactory func() Datafeed

// Config holds the connection settings of the chart service.
type Config struct {
	PingPeriod     time.Duration // interval between keepalive pings
	WriteTimeout   time.Duration // deadline for a single frame write
	ReadLimit      int64         // maximum size of a client frame
	SendBuffer     int           // outgoing frames queued per session
	AllowedOrigins []string      // empty allows every origin
}

// ChartService accepts chart sessions over websocket.
type ChartService struct {
	newDatafeed DatafeedFactory
	cfg         Config
	upgrader    websocket.Upgrader
	validate    *validator.Validate

	closed atomic.Bool

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// NewChartService creates a ChartService building one Datafeed per connection.
func NewChartService(factory DatafeedFactory, cfg Config) *ChartService {
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}

	cs := &ChartService{
		newDatafeed: factory,
		cfg:         cfg,
		validate:    validator.New(),
		sessions:    make(map[string]*session),
	}
	cs.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     cs.checkOrigin,
	}
	return cs
}

// ServeHTTP upgrades the request and runs a chart session until the peer
// disconnects or the service is closed.
func (cs *ChartService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if cs.closed.Load() {
		http.Error(w, ErrServiceClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := cs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	s := newSession(uuid.NewString(), conn, cs.newDatafeed(), cs.cfg, cs.validate)

	cs.mu.Lock()
	if cs.closed.Load() {
		cs.mu.Unlock()
		s.close()
		return
	}
	cs.sessions[s.id] = s
	cs.wg.Add(2)
	cs.mu.Unlock()

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("chart session opened")

	go func() {
		defer cs.wg.Done()
		s.writePump()
	}()
	go func() {
		defer cs.wg.Done()
		s.readPump()
		cs.remove(s)
	}()
}

// Sessions returns the number of open chart sessions.
func (cs *ChartService) Sessions() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.sessions)
}

// Close ends every session and rejects new connections. It waits for the session
// goroutines to exit.
func (cs *ChartService) Close() {
	if !cs.closed.CompareAndSwap(false, true) {
		return
	}

	cs.mu.Lock()
	sessions := make([]*session, 0, len(cs.sessions))
	for _, s := range cs.sessions {
		sessions = append(sessions, s)
	}
	cs.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	cs.wg.Wait()
	log.Info().Msg("chart service stopped")
}

func (cs *ChartService) remove(s *session) {
	s.close()
	cs.mu.Lock()
	delete(cs.sessions, s.id)
	cs.mu.Unlock()
	s.logger.Info().Msg("chart session closed")
}

func (cs *ChartService) checkOrigin(r *http.Request) bool {
	if len(cs.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(cs.cfg.AllowedOrigins, origin)
}
