/*
Package main implements the chart datafeed server.

The server bridges a REST historical-bars endpoint and a websocket price feed into
OHLC bars for charting widgets. Each widget connects to the chart websocket and gets
its own datafeed session: history requests are fetched, filtered and gap-filled,
and live subscriptions are aggregated from feed ticks into the open bar of the
requested resolution. A gRPC health service reports readiness on a separate port.

Configuration is read from the environment and an optional .env file; see
internal/config for the variables.

Usage:

	go run ./cmd/server -env=.env -path=/ws

The server runs until it receives SIGINT or SIGTERM, then closes every chart
session and drains both listeners.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chartfeed/internal/catalogue"
	"chartfeed/internal/config"
	"chartfeed/internal/datafeed"
	"chartfeed/internal/feed"
	"chartfeed/internal/history"
	"chartfeed/internal/registry"
	"chartfeed/internal/service"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Command-line flags for configuring the server behavior
var (
	// envFile is loaded into the environment before the configuration is read
	envFile = flag.String("env", ".env", "Path to an optional .env file")
	// wsPath is the HTTP path of the chart websocket
	wsPath = flag.String("path", "/ws", "Chart websocket path")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chartService, priceFeed, err := newChartService(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initiate chart service")
	}
	defer priceFeed.Close()

	mux := http.NewServeMux()
	mux.Handle(*wsPath, chartService)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// gRPC health service on its own listener
	healthLis, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			MaxConnectionAge:  30 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		if err := grpcServer.Serve(healthLis); err != nil {
			log.Error().Err(err).Msg("health server stopped")
		}
	}()

	// Set up signal handling for graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("initiating graceful shutdown")
		healthServer.Shutdown()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown failed")
		}
		chartService.Close()
		grpcServer.GracefulStop()
		cancel()
	}()

	log.Info().
		Str("listen", cfg.ListenAddr).
		Str("path", *wsPath).
		Str("health", cfg.HealthAddr).
		Str("history", cfg.HistoryBaseURL).
		Str("feed", cfg.FeedURL).
		Msg("server starting")

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("failed to serve")
	}
	<-ctx.Done()
}

// newChartService wires the shared catalogue, REST client and price feed, and
// returns a chart service that builds one datafeed per connected chart.
func newChartService(ctx context.Context, cfg *config.Config) (*service.ChartService, *feed.Feed, error) {
	cat, err := loadCatalogue(cfg.CatalogueFile)
	if err != nil {
		return nil, nil, err
	}

	restClient, err := history.NewRESTClient(history.ClientConfig{
		BaseURL:           cfg.HistoryBaseURL,
		Timeout:           cfg.HistoryTimeout,
		RetryCount:        cfg.HistoryRetries,
		RetryWait:         cfg.HistoryRetryWait,
		RequestsPerSecond: cfg.HistoryRateLimit,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create history client")
		return nil, nil, err
	}

	priceFeed, err := feed.New(ctx, feed.Config{
		Endpoint:       cfg.FeedURL,
		PricePrecision: cfg.FeedPricePrecision,
		MaxPairs:       cfg.FeedMaxPairs,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create price feed")
		return nil, nil, err
	}

	// Caches, no-data counters and subscriptions belong to one chart session.
	factory := func() service.Datafeed {
		fetcher := history.NewFetcher(restClient, history.DefaultOutlierRules)
		subs := registry.New(priceFeed, registry.Config{})
		return datafeed.New(cat, fetcher, subs)
	}

	log.Info().
		Str("exchange", cat.Exchange()).
		Int("instruments", len(cat.Instruments())).
		Msg("catalogue loaded")

	return service.NewChartService(factory, service.Config{AllowedOrigins: cfg.AllowedOrigins}), priceFeed, nil
}

func loadCatalogue(path string) (*catalogue.Catalogue, error) {
	if path == "" {
		return catalogue.Default()
	}
	return catalogue.Load(path)
}
