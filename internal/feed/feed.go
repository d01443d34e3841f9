// Package feed connects to the upstream price feed and delivers live ticks.
//
// Every call to Subscribe opens its own websocket connection and invokes the tick
// callback from a single goroutine, so callbacks of one subscription are serialized
// and arrive in feed order. Prices arrive as integers scaled to a fixed precision and
// are converted to decimal.Decimal before they leave this package.
package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chartfeed/internal/model"
	"chartfeed/internal/utils"
	"chartfeed/internal/websocket"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// subscribeRequest is written once after connecting.
//
//	{"op":"subscribe","pairs":["ETH/USD","EUR/USD"]}
type subscribeRequest struct {
	Op    string   `json:"op"`
	Pairs []string `json:"pairs"`
}

// priceMessage is one price update.
//
//	{"pair":"ETH/USD","price":"1843250000000000000000","timestamp":1697000000123}
//
// Frames without a pair (acknowledgements, heartbeats) are ignored.
type priceMessage struct {
	Pair      string `json:"pair" validate:"required"`
	Price     string `json:"price" validate:"required,numeric"`
	Timestamp int64  `json:"timestamp" validate:"gte=0"`
}

// Feed manages the upstream price feed subscriptions of a process.
type Feed struct {
	cfg      Config
	validate *validator.Validate
	ctx      context.Context
	cancel   context.CancelFunc

	mu   sync.Mutex
	subs map[model.FeedHandle]*websocket.Client
}

// New creates a Feed. Subscriptions live until they are unsubscribed, the Feed is
// closed, or ctx is cancelled.
func New(ctx context.Context, cfg Config) (*Feed, error) {
	applyDefaults(&cfg)
	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Feed{
		cfg:      cfg,
		validate: validate,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[model.FeedHandle]*websocket.Client),
	}, nil
}

// Subscribe opens a feed connection for pairs and calls onTick for every price.
func (f *Feed) Subscribe(pairs []model.Pair, onTick func(model.PriceTick)) (model.FeedHandle, error) {
	if err := utils.ValidatePairs(pairs, f.cfg.MaxPairs); err != nil {
		return "", err
	}

	names := make([]string, 0, len(pairs))
	for _, p := range pairs {
		names = append(names, p.String())
	}
	request, err := json.Marshal(subscribeRequest{Op: "subscribe", Pairs: names})
	if err != nil {
		return "", err
	}

	client, err := websocket.NewWebsocketClient(f.ctx, websocket.Config{
		Endpoint:             f.cfg.Endpoint,
		Handler:              f.handlePriceMessage,
		PingPeriod:           f.cfg.PingPeriod,
		SubscriptionMessages: [][]byte{request},
	})
	if err != nil {
		return "", fmt.Errorf("subscribe %v: %w", names, err)
	}

	handle := model.FeedHandle(uuid.NewString())
	f.mu.Lock()
	f.subs[handle] = client
	f.mu.Unlock()

	logger := log.With().Str("component", "feed").Str("handle", string(handle)).Strs("pairs", names).Logger()
	logger.Info().Msg("feed subscription opened")

	go func() {
		for tick := range client.TickChan {
			onTick(tick)
		}
		// TODO: resubscribe with backoff when the upstream drops a live subscription.
		f.mu.Lock()
		_, live := f.subs[handle]
		f.mu.Unlock()
		if live {
			logger.Warn().Msg("feed connection lost")
		}
	}()

	return handle, nil
}

// Unsubscribe closes the connection behind handle. Unknown handles are ignored.
func (f *Feed) Unsubscribe(handle model.FeedHandle) error {
	f.mu.Lock()
	client, ok := f.subs[handle]
	delete(f.subs, handle)
	f.mu.Unlock()

	if !ok {
		return nil
	}
	client.Close()
	log.Info().Str("component", "feed").Str("handle", string(handle)).Msg("feed subscription closed")
	return nil
}

// Len returns the number of open feed subscriptions.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close closes every open subscription.
func (f *Feed) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[model.FeedHandle]*websocket.Client)
	f.mu.Unlock()

	for _, client := range subs {
		client.Close()
	}
	f.cancel()
}

// handlePriceMessage decodes one frame into a tick.
func (f *Feed) handlePriceMessage(raw []byte, ticks chan<- model.PriceTick) error {
	var m priceMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("invalid feed JSON: %w", err)
	}
	if m.Pair == "" {
		return nil
	}
	if err := f.validate.Struct(&m); err != nil {
		return fmt.Errorf("invalid price message: %w", err)
	}

	pair, err := utils.ParsePair(m.Pair)
	if err != nil {
		return err
	}

	scaled, err := decimal.NewFromString(m.Price)
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", m.Price, err)
	}

	at := time.Now()
	if m.Timestamp > 0 {
		at = time.UnixMilli(m.Timestamp)
	}

	ticks <- model.PriceTick{
		Pair:      pair,
		Price:     scaled.Shift(-f.cfg.PricePrecision),
		Timestamp: at,
	}
	return nil
}
