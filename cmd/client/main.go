/*
Package main implements a command-line chart client for the datafeed server.

The client plays the part of a charting widget: it reads the datafeed
configuration, resolves a symbol, loads recent history and then subscribes to
live bars, logging every bar it receives.

Usage:

	go run ./cmd/client -addr=ws://localhost:8080/ws -symbol=N4:ETH/USD -resolution=1

The client runs until interrupted, then unsubscribes and closes the connection.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"chartfeed/internal/datafeed"
	"chartfeed/internal/resolution"
	"chartfeed/internal/service"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Command-line flags for configuring the client connection and subscription
var (
	serverAddr = flag.String("addr", "ws://localhost:8080/ws", "Chart websocket URL")
	symbol     = flag.String("symbol", "N4:ETH/USD", "Symbol to chart (EXCHANGE:BASE/QUOTE)")
	res        = flag.String("resolution", "1", "Bar resolution (1, 5, 15, 30, 60, 120, 240, 1D)")
	lookback   = flag.Duration("lookback", 2*time.Hour, "History loaded before subscribing")
	timeout    = flag.Duration("timeout", 15*time.Second, "Timeout of a single request")
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
	Level(zerolog.InfoLevel).With().Timestamp().Logger()

// message is any frame sent by the server: a response or a push.
type message struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Params json.RawMessage `json:"params"`
	Error  string          `json:"error"`
}

// chartClient correlates requests with responses on one websocket.
type chartClient struct {
	conn   *websocket.Conn
	nextID atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan message

	onBar func(service.BarUpdate)
	done  chan struct{}
}

func main() {
	flag.Parse()

	if err := validateConfig(); err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *serverAddr, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("did not connect")
	}
	defer conn.Close()

	client := newChartClient(conn, func(update service.BarUpdate) {
		log.Info().
			Str("subscription", update.SubscriberUID).
			Str("time", time.UnixMilli(update.Bar.Time).UTC().Format(time.RFC3339)).
			Float64("open", update.Bar.Open).
			Float64("high", update.Bar.High).
			Float64("low", update.Bar.Low).
			Float64("close", update.Bar.Close).
			Msg("received bar")
	})

	if err := run(ctx, client); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("chart session failed")
	}
}

func run(ctx context.Context, client *chartClient) error {
	var cfg datafeed.Configuration
	if err := client.call(ctx, service.MethodOnReady, nil, &cfg); err != nil {
		return fmt.Errorf("onReady: %w", err)
	}
	log.Info().Interface("resolutions", cfg.SupportedResolutions).Msg("datafeed ready")

	var info datafeed.SymbolInfo
	if err := client.call(ctx, service.MethodResolveSymbol, service.ResolveSymbolParams{Symbol: *symbol}, &info); err != nil {
		return fmt.Errorf("resolveSymbol: %w", err)
	}
	log.Info().Str("ticker", info.Ticker).Str("session", info.Session).Int64("pricescale", info.PriceScale).Msg("symbol resolved")

	now := time.Now()
	var history service.GetBarsResult
	err := client.call(ctx, service.MethodGetBars, service.GetBarsParams{
		SymbolInfo: info,
		Resolution: resolution.Resolution(*res),
		PeriodParams: datafeed.PeriodParams{
			From:             now.Add(-*lookback).Unix(),
			To:               now.Unix(),
			FirstDataRequest: true,
		},
	}, &history)
	if err != nil {
		return fmt.Errorf("getBars: %w", err)
	}
	logHistory(history)

	uid := uuid.NewString()
	err = client.call(ctx, service.MethodSubscribeBars, service.SubscribeBarsParams{
		SymbolInfo:    info,
		Resolution:    resolution.Resolution(*res),
		SubscriberUID: uid,
	}, nil)
	if err != nil {
		return fmt.Errorf("subscribeBars: %w", err)
	}
	log.Info().Str("subscription", uid).Msg("subscribed to live bars")

	select {
	case <-ctx.Done():
	case <-client.done:
		return errors.New("connection closed by server")
	}

	unsubscribeCtx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := client.call(unsubscribeCtx, service.MethodUnsubscribeBars, service.UnsubscribeBarsParams{SubscriberUID: uid}, nil); err != nil {
		log.Warn().Err(err).Msg("unsubscribeBars failed")
	}
	return nil
}

func logHistory(history service.GetBarsResult) {
	event := log.Info().Int("bars", len(history.Bars)).Bool("noData", history.Meta.NoData)
	if n := len(history.Bars); n > 0 {
		last := history.Bars[n-1]
		event = event.
			Str("last", time.UnixMilli(last.Time).UTC().Format(time.RFC3339)).
			Float64("close", last.Close)
	}
	event.Msg("history loaded")
}

func newChartClient(conn *websocket.Conn, onBar func(service.BarUpdate)) *chartClient {
	c := &chartClient{
		conn:    conn,
		pending: make(map[uint64]chan message),
		onBar:   onBar,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// call sends one request and decodes its result into out, which may be nil.
func (c *chartClient) call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)
	req := map[string]any{"id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	reply := make(chan message, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	select {
	case msg := <-reply:
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(msg.Result, out)
	case <-c.done:
		return errors.New("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *chartClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("read error")
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("cannot decode server message")
			continue
		}

		if msg.Method == service.MethodBar {
			var update service.BarUpdate
			if err := json.Unmarshal(msg.Params, &update); err != nil {
				log.Warn().Err(err).Msg("cannot decode bar")
				continue
			}
			c.onBar(update)
			continue
		}

		c.mu.Lock()
		reply, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if ok {
			reply <- msg
		} else {
			log.Warn().Uint64("id", msg.ID).Str("error", msg.Error).Msg("unexpected response")
		}
	}
}

// validateConfig performs validation of command-line configuration.
func validateConfig() error {
	if *serverAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if *symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if !resolution.IsSupported(resolution.Resolution(*res)) {
		return fmt.Errorf("unsupported resolution %q", *res)
	}
	if *lookback <= 0 {
		return fmt.Errorf("lookback must be greater than 0")
	}
	return nil
}
