package arbitrage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mastertrade/internal/store"
)

// gasStaleness bounds how long a chain quote stays authoritative before
// the default estimate takes over.
const gasStaleness = 10 * time.Minute

// GasQuote is one chain's current transaction cost estimate.
type GasQuote struct {
	Chain     string    `json:"chain"`
	GasGwei   float64   `json:"gas_gwei"`
	CostUSD   float64   `json:"cost_usd"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GasBook tracks per-chain swap cost estimates, persisted by chain so
// evaluation survives restarts. Chains without a fresh quote fall back
// to the configured default.
type GasBook struct {
	docs    store.DocumentStore
	def     float64
	logger  zerolog.Logger
	mu      sync.RWMutex
	byChain map[string]GasQuote
	now     func() time.Time
}

// NewGasBook creates a book with the given fallback cost. docs may be
// nil for an in-memory book.
func NewGasBook(defaultCostUSD float64, docs store.DocumentStore, logger zerolog.Logger) *GasBook {
	return &GasBook{
		docs:    docs,
		def:     defaultCostUSD,
		logger:  logger.With().Str("component", "gas_book").Logger(),
		byChain: make(map[string]GasQuote),
		now:     time.Now,
	}
}

// Load seeds the book from persisted quotes.
func (g *GasBook) Load(ctx context.Context) error {
	if g.docs == nil {
		return nil
	}
	docs, err := g.docs.Query(ctx, store.ContainerGasPrices, store.Query{})
	if err != nil {
		return fmt.Errorf("load gas quotes: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, doc := range docs {
		var q GasQuote
		if err := store.Decode(doc, &q); err != nil || q.Chain == "" {
			continue
		}
		g.byChain[q.Chain] = q
	}
	g.logger.Info().Int("chains", len(g.byChain)).Msg("Gas quotes loaded")
	return nil
}

// Update records a fresh quote for a chain and persists it.
func (g *GasBook) Update(ctx context.Context, chain string, gasGwei, costUSD float64) error {
	if chain == "" || costUSD <= 0 {
		return fmt.Errorf("invalid gas quote for chain %q", chain)
	}
	q := GasQuote{Chain: chain, GasGwei: gasGwei, CostUSD: costUSD, UpdatedAt: g.now()}

	g.mu.Lock()
	g.byChain[chain] = q
	g.mu.Unlock()

	if g.docs == nil {
		return nil
	}
	doc, err := store.Encode(q)
	if err != nil {
		return err
	}
	doc["id"] = chain
	return g.docs.Upsert(ctx, store.ContainerGasPrices, doc)
}

// CostUSD returns the chain's swap cost estimate, or the default when
// the chain is unknown or its quote has gone stale.
func (g *GasBook) CostUSD(chain string) decimal.Decimal {
	g.mu.RLock()
	q, ok := g.byChain[chain]
	g.mu.RUnlock()

	if !ok || g.now().Sub(q.UpdatedAt) > gasStaleness {
		return decimal.NewFromFloat(g.def)
	}
	return decimal.NewFromFloat(q.CostUSD)
}

// Quotes returns a copy of the current book.
func (g *GasBook) Quotes() []GasQuote {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]GasQuote, 0, len(g.byChain))
	for _, q := range g.byChain {
		out = append(out, q)
	}
	return out
}
