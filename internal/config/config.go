// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// ErrInvalidConfig wraps every configuration failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the server configuration.
type Config struct {
	ListenAddr     string   `validate:"required"` // chart websocket listener
	HealthAddr     string   `validate:"required"` // gRPC health listener
	AllowedOrigins []string // empty allows every origin

	HistoryBaseURL   string        `validate:"required,url"`
	HistoryTimeout   time.Duration `validate:"gt=0"`
	HistoryRetries   int           `validate:"gte=0,lte=10"`
	HistoryRetryWait time.Duration `validate:"gte=0"`
	HistoryRateLimit float64       `validate:"gte=0"` // requests per second, 0 disables

	FeedURL            string `validate:"required,url"`
	FeedPricePrecision int32  `validate:"gte=0,lte=36"`
	FeedMaxPairs       int    `validate:"gt=0"`

	CatalogueFile string // empty uses the embedded catalogue
	LogLevel      string `validate:"oneof=trace debug info warn error"`
}

// Load reads the configuration from the environment. Variables in envFile, when
// it exists, are added to the environment first without overriding it.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			log.Debug().Err(err).Str("file", envFile).Msg("env file not loaded, using environment variables")
		}
	}

	p := &parser{}
	cfg := &Config{
		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		HealthAddr:     getEnv("HEALTH_ADDR", ":50051"),
		AllowedOrigins: getList("ALLOWED_ORIGINS"),

		HistoryBaseURL:   os.Getenv("HISTORY_BASE_URL"),
		HistoryTimeout:   p.duration("HISTORY_TIMEOUT", 15*time.Second),
		HistoryRetries:   p.int("HISTORY_RETRIES", 0),
		HistoryRetryWait: p.duration("HISTORY_RETRY_WAIT", 500*time.Millisecond),
		HistoryRateLimit: p.float("HISTORY_RATE_LIMIT", 0),

		FeedURL:            os.Getenv("FEED_URL"),
		FeedPricePrecision: int32(p.int("FEED_PRICE_PRECISION", 18)),
		FeedMaxPairs:       p.int("FEED_MAX_PAIRS", 10),

		CatalogueFile: os.Getenv("CATALOGUE_FILE"),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getList(key string) []string {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parser collects conversion errors so every bad variable is reported at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) float(key string, def float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}
