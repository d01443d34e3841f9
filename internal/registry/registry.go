// Package registry multiplexes chart listeners onto upstream price feed subscriptions.
//
// Listeners that subscribe with the same subscription id share one upstream feed
// connection and one BarAggregator. Each subscription owns a buffered tick channel
// drained by a single goroutine, which applies ticks to the aggregator in arrival
// order and fans the resulting bar out to every listener.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"chartfeed/internal/candles"
	"chartfeed/internal/model"
	"chartfeed/internal/resolution"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// defaultTickBuffer is the per-subscription tick channel capacity.
const defaultTickBuffer = 256

var (
	// ErrNilListener is returned when Subscribe is called without a listener.
	ErrNilListener = errors.New("listener cannot be nil")
)

// PriceFeed is the upstream live price source.
type PriceFeed interface {
	// Subscribe opens one upstream subscription for pairs. onTick must be called
	// from a single goroutine per subscription.
	Subscribe(pairs []model.Pair, onTick func(model.PriceTick)) (model.FeedHandle, error)

	// Unsubscribe releases the upstream subscription behind handle.
	Unsubscribe(handle model.FeedHandle) error
}

// Listener receives a snapshot of the open bar after every tick.
type Listener func(model.Bar)

// SubscriptionID identifies a series subscription shared by one or more listeners.
type SubscriptionID string

// Config holds configuration parameters for the Registry.
type Config struct {
	TickBuffer int // capacity of each subscription's tick channel
}

// subscription is one upstream feed connection with its aggregator and listeners.
type subscription struct {
	id     SubscriptionID
	pair   model.Pair
	res    resolution.Resolution
	// handle is set once before ready is closed.
	handle model.FeedHandle
	ready  chan struct{}

	// aggregator is only touched by the consume goroutine.
	aggregator *candles.BarAggregator

	ticks    chan model.PriceTick
	done     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	listeners []Listener

	logger zerolog.Logger
}

// Registry owns the live subscriptions of one chart session.
type Registry struct {
	feed PriceFeed
	cfg  Config

	mu   sync.Mutex
	subs map[SubscriptionID]*subscription
}

// New creates a Registry opening upstream subscriptions on feed.
func New(feed PriceFeed, cfg Config) *Registry {
	if cfg.TickBuffer <= 0 {
		cfg.TickBuffer = defaultTickBuffer
	}
	return &Registry{
		feed: feed,
		cfg:  cfg,
		subs: make(map[SubscriptionID]*subscription),
	}
}

// Subscribe attaches listener to the subscription id.
//
// If id already exists the listener joins it and no upstream connection is made.
// Otherwise a BarAggregator seeded from seed is created and one upstream feed
// subscription is opened for pair. The id is visible to other callers while the
// upstream connection is being opened; if opening fails, listeners that joined in
// the meantime are dropped with it. A new id requires a seed: the caller must have
// fetched history for the series first, and a nil seed panics. An unconfigured
// resolution panics as well.
func (r *Registry) Subscribe(pair model.Pair, res resolution.Resolution, listener Listener, id SubscriptionID, seed *model.Bar) error {
	if listener == nil {
		return ErrNilListener
	}

	sub, joined := r.reserve(pair, res, listener, id, seed)
	if joined {
		sub.logger.Debug().Int("listeners", sub.listenerCount()).Msg("listener joined subscription")
		return nil
	}

	go sub.consume()

	handle, err := r.feed.Subscribe([]model.Pair{pair}, sub.enqueue)
	if err != nil {
		r.mu.Lock()
		if r.subs[id] == sub {
			delete(r.subs, id)
		}
		r.mu.Unlock()
		sub.stop()
		close(sub.ready)
		return fmt.Errorf("subscribe %s: %w", pair, err)
	}
	sub.handle = handle
	close(sub.ready)

	sub.logger.Info().Str("handle", string(handle)).Msg("subscription created")
	return nil
}

// reserve joins listener to an existing id, or registers a new subscription for it
// whose upstream connection is not open yet.
func (r *Registry) reserve(pair model.Pair, res resolution.Resolution, listener Listener, id SubscriptionID, seed *model.Bar) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[id]; ok {
		sub.addListener(listener)
		return sub, true
	}

	if seed == nil {
		panic(fmt.Sprintf("registry: subscription %q for %s/%s has no seed bar", id, pair, res))
	}

	sub := &subscription{
		id:         id,
		pair:       pair,
		res:        res,
		aggregator: candles.NewBarAggregator(*seed, resolution.Period(res)),
		ticks:      make(chan model.PriceTick, r.cfg.TickBuffer),
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
		listeners:  []Listener{listener},
		logger: log.With().
			Str("component", "registry").
			Str("subscription", string(id)).
			Str("pair", pair.String()).
			Str("resolution", string(res)).
			Logger(),
	}
	r.subs[id] = sub
	return sub, false
}

// Unsubscribe tears down the subscription id: the upstream feed subscription is
// released and its listeners are dropped. Unknown ids are ignored, so calling it
// more than once is safe.
func (r *Registry) Unsubscribe(id SubscriptionID) {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.teardown(sub)
}

// Close tears down every subscription.
func (r *Registry) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[SubscriptionID]*subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		r.teardown(sub)
	}
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Listeners returns the number of listeners attached to id.
func (r *Registry) Listeners(id SubscriptionID) int {
	r.mu.Lock()
	sub, ok := r.subs[id]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return sub.listenerCount()
}

// teardown waits for a pending upstream dial before releasing it.
func (r *Registry) teardown(sub *subscription) {
	sub.stop()
	<-sub.ready
	if sub.handle == "" {
		return
	}
	if err := r.feed.Unsubscribe(sub.handle); err != nil {
		sub.logger.Error().Err(err).Msg("failed to release feed subscription")
	}
	sub.logger.Info().Msg("subscription removed")
}

func (s *subscription) addListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *subscription) listenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// enqueue is the feed callback. It blocks rather than drop or reorder ticks,
// and returns immediately once the subscription is stopped.
func (s *subscription) enqueue(tick model.PriceTick) {
	select {
	case s.ticks <- tick:
	case <-s.done:
	}
}

// consume applies ticks in arrival order until the subscription stops.
func (s *subscription) consume() {
	for {
		select {
		case <-s.done:
			return
		case tick := <-s.ticks:
			s.apply(tick)
		}
	}
}

func (s *subscription) apply(tick model.PriceTick) {
	if tick.Pair != s.pair {
		return
	}

	bar := s.aggregator.Tick(tick.Price.InexactFloat64(), tick.Timestamp)

	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		s.notify(l, bar)
	}
}

// notify calls one listener, isolating the others from its panics.
func (s *subscription) notify(l Listener, bar model.Bar) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Any("recover", r).Msg("panic in bar listener")
		}
	}()
	l(bar)
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.listeners = nil
		s.mu.Unlock()
	})
}
