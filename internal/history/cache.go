package history

import (
	"sync"

	"chartfeed/internal/model"
	"chartfeed/internal/resolution"
)

// NoDataThreshold is the number of consecutive empty responses after which the
// widget is told there is no earlier history.
const NoDataThreshold = 2

type seriesKey struct {
	pair model.Pair
	res  resolution.Resolution
}

// LatestBarCache remembers the most recent historical bar per series.
type LatestBarCache struct {
	mu   sync.RWMutex
	bars map[seriesKey]model.Bar
}

// NewLatestBarCache creates an empty cache.
func NewLatestBarCache() *LatestBarCache {
	return &LatestBarCache{bars: make(map[seriesKey]model.Bar)}
}

// Get returns the cached bar for the series.
func (c *LatestBarCache) Get(pair model.Pair, res resolution.Resolution) (model.Bar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bars[seriesKey{pair, res}]
	return b, ok
}

// Offer stores bar if the series has no cached bar or bar is later than it.
// It reports whether the cache changed.
func (c *LatestBarCache) Offer(pair model.Pair, res resolution.Resolution, bar model.Bar) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := seriesKey{pair, res}
	if cur, ok := c.bars[key]; ok && bar.Time <= cur.Time {
		return false
	}
	c.bars[key] = bar
	return true
}

// NoDataCounter counts consecutive empty history responses per series.
type NoDataCounter struct {
	mu     sync.Mutex
	counts map[seriesKey]int
}

// NewNoDataCounter creates a counter with every series at zero.
func NewNoDataCounter() *NoDataCounter {
	return &NoDataCounter{counts: make(map[seriesKey]int)}
}

// Empty records an empty response and reports whether the threshold has been reached.
func (n *NoDataCounter) Empty(pair model.Pair, res resolution.Resolution) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := seriesKey{pair, res}
	n.counts[key]++
	return n.counts[key] >= NoDataThreshold
}

// Reset zeroes the series after a non-empty response.
func (n *NoDataCounter) Reset(pair model.Pair, res resolution.Resolution) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.counts, seriesKey{pair, res})
}
