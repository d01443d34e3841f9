package feed

import (
	"errors"
	"time"
)

var (
	// ErrInvalidConfig indicates that the provided Config contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config provides the connection parameters of the upstream price feed.
type Config struct {
	// Endpoint is the websocket URL of the price feed.
	Endpoint string `validate:"required,url"`

	// PricePrecision is the number of decimals the feed's integer prices are scaled by.
	PricePrecision int32 `validate:"gte=0,lte=36"`

	// MaxPairs is the maximum number of pairs per feed subscription.
	MaxPairs int

	// PingPeriod is the websocket keepalive interval.
	PingPeriod time.Duration
}

var defaultConfig = Config{
	PricePrecision: 18,
	MaxPairs:       10,
	PingPeriod:     15 * time.Second,
}

// applyDefaults fills optional fields from defaultConfig.
func applyDefaults(cfg *Config) {
	if cfg.MaxPairs <= 0 {
		cfg.MaxPairs = defaultConfig.MaxPairs
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultConfig.PingPeriod
	}
}
