package marketdata

import (
	"sync"
	"time"

	"mastertrade/internal/domain"
	"mastertrade/internal/metrics"
)

// Config holds cache staleness thresholds.
type Config struct {
	CEXStaleness time.Duration `json:"cex_staleness"`
	DEXStaleness time.Duration `json:"dex_staleness"`
}

// DefaultConfig returns production staleness defaults.
func DefaultConfig() Config {
	return Config{
		CEXStaleness: 60 * time.Second,
		DEXStaleness: 30 * time.Second,
	}
}

// Key identifies one cached price point.
type Key struct {
	Kind   string
	Venue  string
	Symbol string
}

// Cache is the process-wide price map (kind, venue, symbol) → PricePoint.
// Points are stored behind a single pointer swap so readers never observe
// a torn update. Stale entries are excluded from reads; the symbol set is
// bounded, so there is no eviction.
type Cache struct {
	cfg     Config
	metrics *metrics.Metrics

	points sync.Map // Key -> *domain.PricePoint

	statsMu sync.Mutex
	hits    int64
	misses  int64
	byKind  map[string]int

	now func() time.Time
}

// NewCache creates an empty cache. m may be nil.
func NewCache(cfg Config, m *metrics.Metrics) *Cache {
	if cfg.CEXStaleness <= 0 {
		cfg.CEXStaleness = DefaultConfig().CEXStaleness
	}
	if cfg.DEXStaleness <= 0 {
		cfg.DEXStaleness = DefaultConfig().DEXStaleness
	}
	return &Cache{
		cfg:     cfg,
		metrics: m,
		byKind:  make(map[string]int),
		now:     time.Now,
	}
}

// Set stores a price point, stamping the update time when absent.
func (c *Cache) Set(p domain.PricePoint) {
	if p.Timestamp.IsZero() {
		p.Timestamp = c.now()
	}
	key := Key{Kind: p.Kind, Venue: p.Venue, Symbol: p.Symbol}

	if _, existed := c.points.Load(key); !existed {
		c.statsMu.Lock()
		c.byKind[p.Kind]++
		count := c.byKind[p.Kind]
		c.statsMu.Unlock()
		if c.metrics != nil {
			c.metrics.CachePoints.WithLabelValues(p.Kind).Set(float64(count))
		}
	}
	c.points.Store(key, &p)
}

// Get returns the point for (kind, venue, symbol) if present and fresh.
func (c *Cache) Get(kind, venue, symbol string) (domain.PricePoint, bool) {
	val, ok := c.points.Load(Key{Kind: kind, Venue: venue, Symbol: symbol})
	if !ok {
		c.recordMiss()
		return domain.PricePoint{}, false
	}
	p := val.(*domain.PricePoint)
	if c.stale(*p) {
		c.recordMiss()
		return domain.PricePoint{}, false
	}
	c.recordHit()
	return *p, true
}

// Fresh returns every non-stale point.
func (c *Cache) Fresh() []domain.PricePoint {
	return c.collect(func(p domain.PricePoint) bool { return true })
}

// FreshByKind returns every non-stale point of the given kind.
func (c *Cache) FreshByKind(kind string) []domain.PricePoint {
	return c.collect(func(p domain.PricePoint) bool { return p.Kind == kind })
}

// FreshForSymbol returns every non-stale point for a symbol across all
// venues.
func (c *Cache) FreshForSymbol(symbol string) []domain.PricePoint {
	return c.collect(func(p domain.PricePoint) bool { return p.Symbol == symbol })
}

// Price returns the freshest price for a symbol across venues of the
// given kind.
func (c *Cache) Price(kind, symbol string) (float64, bool) {
	var (
		best  domain.PricePoint
		found bool
	)
	for _, p := range c.collect(func(p domain.PricePoint) bool {
		return p.Kind == kind && p.Symbol == symbol
	}) {
		if !found || p.Timestamp.After(best.Timestamp) {
			best = p
			found = true
		}
	}
	return best.Price, found
}

// Stats returns hit/miss counters and per-kind sizes.
func (c *Cache) Stats() map[string]interface{} {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total) * 100
	}

	sizes := make(map[string]int, len(c.byKind))
	for kind, n := range c.byKind {
		sizes[kind] = n
	}
	return map[string]interface{}{
		"hits":     c.hits,
		"misses":   c.misses,
		"hit_rate": hitRate,
		"points":   sizes,
	}
}

func (c *Cache) collect(keep func(domain.PricePoint) bool) []domain.PricePoint {
	var out []domain.PricePoint
	c.points.Range(func(_, val interface{}) bool {
		p := *val.(*domain.PricePoint)
		if !c.stale(p) && keep(p) {
			out = append(out, p)
		}
		return true
	})
	return out
}

func (c *Cache) stale(p domain.PricePoint) bool {
	threshold := c.cfg.CEXStaleness
	if p.Kind == domain.MarketKindDEX {
		threshold = c.cfg.DEXStaleness
	}
	return c.now().Sub(p.Timestamp) > threshold
}

func (c *Cache) recordHit() {
	c.statsMu.Lock()
	c.hits++
	c.statsMu.Unlock()
}

func (c *Cache) recordMiss() {
	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
}
