package arbitrage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mastertrade/internal/domain"
	"mastertrade/internal/marketdata"
	"mastertrade/internal/messaging"
	"mastertrade/internal/metrics"
	"mastertrade/internal/store"
)

// Config holds detection thresholds and execution gates. Percent fields
// are whole percentages, USD fields are dollar amounts.
type Config struct {
	MinProfitPercent     float64 `json:"min_profit_percent"`
	MinProfitUSD         float64 `json:"min_profit_usd"`
	AutoExecuteMinProfit float64 `json:"auto_execute_min_profit"`
	AutoExecuteMinPct    float64 `json:"auto_execute_min_pct"`

	DepthFraction       float64 `json:"depth_fraction"`
	DefaultDepthUSD     float64 `json:"default_depth_usd"`
	MaxTradeNotionalUSD float64 `json:"max_trade_notional_usd"`
	DefaultGasCostUSD   float64 `json:"default_gas_cost_usd"`
	TakerFeePct         float64 `json:"taker_fee_pct"`

	ScanInterval      time.Duration `json:"scan_interval"`
	ExecutionTimeout  time.Duration `json:"execution_timeout"`
	RepeatSuppression time.Duration `json:"repeat_suppression"`

	// TriangularVenues, when set, restricts triangle detection to the
	// listed venues. FlashLoanProtocols does the same for loan protocols.
	TriangularVenues   []string `json:"triangular_venues,omitempty"`
	FlashLoanProtocols []string `json:"flash_loan_protocols,omitempty"`

	// DryRun simulates fills instead of routing orders to venues.
	DryRun bool `json:"dry_run"`
}

// DefaultConfig returns detection defaults with execution in dry-run.
func DefaultConfig() Config {
	return Config{
		MinProfitPercent:     0.5,
		MinProfitUSD:         50,
		AutoExecuteMinProfit: 100,
		AutoExecuteMinPct:    1.0,
		DepthFraction:        0.1,
		DefaultDepthUSD:      50000,
		MaxTradeNotionalUSD:  25000,
		DefaultGasCostUSD:    20,
		TakerFeePct:          0.1,
		ScanInterval:         30 * time.Second,
		ExecutionTimeout:     2 * time.Minute,
		RepeatSuppression:    5 * time.Minute,
		DryRun:               true,
	}
}

// Monitor scans the market cache for price dislocations across venue
// kinds, chains and asset triangles. Findings above the profit floor are
// persisted and either handed to the executor or published for review.
type Monitor struct {
	cfg      Config
	cache    *marketdata.Cache
	docs     store.DocumentStore
	executor *Executor
	gas      *GasBook
	flash    FlashLoanHandler
	fabric   *messaging.Fabric
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu           sync.Mutex
	seen         map[string]time.Time
	scans        int64
	byType       map[string]int64
	suppressed   int64
	lastScanTook time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewMonitor creates a monitor. executor, gas, flash, fabric and m may
// be nil; detection then runs without the corresponding side effects.
func NewMonitor(cfg Config, cache *marketdata.Cache, docs store.DocumentStore, executor *Executor, gas *GasBook, flash FlashLoanHandler, fabric *messaging.Fabric, m *metrics.Metrics, logger zerolog.Logger) *Monitor {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultConfig().ScanInterval
	}
	if cfg.RepeatSuppression <= 0 {
		cfg.RepeatSuppression = DefaultConfig().RepeatSuppression
	}
	return &Monitor{
		cfg:      cfg,
		cache:    cache,
		docs:     docs,
		executor: executor,
		gas:      gas,
		flash:    flash,
		fabric:   fabric,
		metrics:  m,
		logger:   logger.With().Str("component", "arbitrage_monitor").Logger(),
		seen:     make(map[string]time.Time),
		byType:   make(map[string]int64),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the scan loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop halts the scan loop.
func (m *Monitor) Stop() {
	close(m.stopChan)
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ScanInterval)
			m.Scan(ctx)
			cancel()
		}
	}
}

// Scan runs every detector against the current cache snapshot.
func (m *Monitor) Scan(ctx context.Context) {
	start := m.now()
	points := m.cache.Fresh()

	var found int
	if len(points) > 0 {
		m.persistDexQuotes(ctx, points)

		for symbol, quotes := range groupBySymbol(points) {
			found += m.detectCexDex(ctx, symbol, quotes)
			found += m.detectIntraChain(ctx, symbol, quotes)
		}
		found += m.detectTriangular(ctx, points)
	}
	found += m.detectFlashLoan(ctx)

	m.mu.Lock()
	m.scans++
	m.lastScanTook = m.now().Sub(start)
	m.sweepSeenLocked()
	m.mu.Unlock()

	if found > 0 {
		m.logger.Info().Int("opportunities", found).Int("points", len(points)).Msg("Arbitrage scan complete")
	}
}

// detectCexDex pairs every fresh CEX quote with every fresh DEX quote
// for one symbol.
func (m *Monitor) detectCexDex(ctx context.Context, symbol string, quotes []domain.PricePoint) int {
	var found int
	for _, cex := range quotes {
		if cex.Kind != domain.MarketKindCEX {
			continue
		}
		for _, dex := range quotes {
			if dex.Kind != domain.MarketKindDEX {
				continue
			}
			if m.emit(ctx, candidate{
				arbType: domain.ArbitrageTypeCexDex,
				pair:    symbol,
				chain:   dex.Chain,
				src:     cex,
				tgt:     dex,
				gasUSD:  m.gasCost(dex.Chain),
			}) {
				found++
			}
		}
	}
	return found
}

// detectIntraChain pairs DEX quotes that share a chain.
func (m *Monitor) detectIntraChain(ctx context.Context, symbol string, quotes []domain.PricePoint) int {
	byChain := make(map[string][]domain.PricePoint)
	for _, q := range quotes {
		if q.Kind == domain.MarketKindDEX && q.Chain != "" {
			byChain[q.Chain] = append(byChain[q.Chain], q)
		}
	}

	var found int
	for chain, dexes := range byChain {
		for i := 0; i < len(dexes); i++ {
			for j := i + 1; j < len(dexes); j++ {
				if venueName(dexes[i]) == venueName(dexes[j]) {
					continue
				}
				// Both swaps land on the same chain, so gas is paid twice.
				if m.emit(ctx, candidate{
					arbType: domain.ArbitrageTypeIntraChain,
					pair:    symbol,
					chain:   chain,
					src:     dexes[i],
					tgt:     dexes[j],
					gasUSD:  m.gasCost(chain).Mul(decimal.NewFromInt(2)),
				}) {
					found++
				}
			}
		}
	}
	return found
}

// emit evaluates a candidate and records the resulting opportunity.
// Returns true when an opportunity was produced.
func (m *Monitor) emit(ctx context.Context, c candidate) bool {
	key := c.seenKey()
	if m.recentlySeen(key) {
		return false
	}
	opp := m.evaluate(c)
	if opp == nil {
		return false
	}
	m.markSeen(key)
	m.record(ctx, opp)
	return true
}

func (m *Monitor) recentlySeen(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.seen[key]
	if ok && m.now().Sub(at) < m.cfg.RepeatSuppression {
		m.suppressed++
		return true
	}
	return false
}

func (m *Monitor) markSeen(key string) {
	m.mu.Lock()
	m.seen[key] = m.now()
	m.mu.Unlock()
}

// sweepSeenLocked drops suppression entries older than the window.
func (m *Monitor) sweepSeenLocked() {
	cutoff := m.now().Add(-m.cfg.RepeatSuppression)
	for key, at := range m.seen {
		if at.Before(cutoff) {
			delete(m.seen, key)
		}
	}
}

// record persists the opportunity, counts it, and routes it to the
// executor when both auto-execute gates pass, otherwise publishes it
// for manual review.
func (m *Monitor) record(ctx context.Context, opp *domain.ArbitrageOpportunity) {
	if m.metrics != nil {
		m.metrics.OpportunitiesTotal.WithLabelValues(opp.Type).Inc()
	}
	m.mu.Lock()
	m.byType[opp.Type]++
	m.mu.Unlock()

	if err := m.persistOpportunity(ctx, opp); err != nil {
		m.logger.Warn().Err(err).Str("pair", opp.Pair).Msg("Opportunity persist failed")
	}

	m.logger.Info().
		Str("type", opp.Type).
		Str("pair", opp.Pair).
		Str("buy", opp.BuyVenue).
		Str("sell", opp.SellVenue).
		Str("profit_pct", opp.ProfitPct.StringFixed(2)).
		Str("est_profit_usd", opp.EstProfitUSD.StringFixed(2)).
		Msg("Arbitrage opportunity detected")

	if m.autoExecutable(opp) {
		if _, err := m.executor.Execute(ctx, opp); err != nil {
			m.logger.Warn().Err(err).Str("opportunity_id", opp.ID).Msg("Auto-execution failed to start")
		}
		return
	}

	if m.fabric != nil {
		err := m.fabric.PublishWith(ctx, messaging.ExchangeArbitrage, messaging.KeyArbOpportunity, opp, messaging.PublishOptions{Persistent: true})
		if err != nil {
			m.logger.Warn().Err(err).Str("opportunity_id", opp.ID).Msg("Opportunity publish failed")
		}
	}
}

// autoExecutable applies both profit gates. Only routed types qualify;
// triangular and flash-loan findings always go out for review.
func (m *Monitor) autoExecutable(opp *domain.ArbitrageOpportunity) bool {
	if m.executor == nil {
		return false
	}
	switch opp.Type {
	case domain.ArbitrageTypeCexDex, domain.ArbitrageTypeIntraChain, domain.ArbitrageTypeCrossChain:
	default:
		return false
	}
	return opp.EstProfitUSD.GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.AutoExecuteMinProfit)) &&
		opp.ProfitPct.GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.AutoExecuteMinPct))
}

func (m *Monitor) persistOpportunity(ctx context.Context, opp *domain.ArbitrageOpportunity) error {
	if m.docs == nil {
		return nil
	}
	doc, err := store.Encode(opp)
	if err != nil {
		return err
	}
	return m.docs.Upsert(ctx, store.ContainerArbOpportunities, doc)
}

// persistDexQuotes mirrors fresh DEX quotes into the price audit
// container, keyed by venue and symbol so rescans overwrite in place.
func (m *Monitor) persistDexQuotes(ctx context.Context, points []domain.PricePoint) {
	if m.docs == nil {
		return
	}
	for _, p := range points {
		if p.Kind != domain.MarketKindDEX {
			continue
		}
		doc, err := store.Encode(p)
		if err != nil {
			continue
		}
		doc["id"] = fmt.Sprintf("%s:%s:%s", venueName(p), p.Chain, p.Symbol)
		doc["pair"] = p.Symbol
		if err := m.docs.Upsert(ctx, store.ContainerDexPrices, doc); err != nil {
			m.logger.Debug().Err(err).Str("symbol", p.Symbol).Msg("DEX quote persist failed")
		}
	}
}

// ExecuteOpportunity starts execution for a stored opportunity, the
// path used by manual review.
func (m *Monitor) ExecuteOpportunity(ctx context.Context, id, pair string) (*domain.ArbitrageExecution, error) {
	if m.executor == nil {
		return nil, fmt.Errorf("no executor configured")
	}
	if m.docs == nil {
		return nil, fmt.Errorf("no document store configured")
	}
	doc, err := m.docs.Get(ctx, store.ContainerArbOpportunities, id, pair)
	if err != nil {
		return nil, fmt.Errorf("load opportunity %s: %w", id, err)
	}
	var opp domain.ArbitrageOpportunity
	if err := store.Decode(doc, &opp); err != nil {
		return nil, fmt.Errorf("decode opportunity %s: %w", id, err)
	}
	return m.executor.Execute(ctx, &opp)
}

// Opportunities returns recent stored opportunities for a pair, newest
// first.
func (m *Monitor) Opportunities(ctx context.Context, pair string, limit int) ([]domain.ArbitrageOpportunity, error) {
	if m.docs == nil {
		return nil, nil
	}
	docs, err := m.docs.Query(ctx, store.ContainerArbOpportunities, store.Query{
		PartitionValue: pair,
		OrderBy:        "timestamp",
		Descending:     true,
		Limit:          limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.ArbitrageOpportunity, 0, len(docs))
	for _, doc := range docs {
		var opp domain.ArbitrageOpportunity
		if err := store.Decode(doc, &opp); err != nil {
			continue
		}
		out = append(out, opp)
	}
	return out, nil
}

// Stats reports scan counters for the ops surface.
func (m *Monitor) Stats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	byType := make(map[string]int64, len(m.byType))
	for t, n := range m.byType {
		byType[t] = n
	}
	return map[string]interface{}{
		"scans":        m.scans,
		"by_type":      byType,
		"suppressed":   m.suppressed,
		"last_scan_ms": m.lastScanTook.Milliseconds(),
		"seen_window":  len(m.seen),
	}
}

func (m *Monitor) gasCost(chain string) decimal.Decimal {
	if m.gas != nil {
		return m.gas.CostUSD(chain)
	}
	return decimal.NewFromFloat(m.cfg.DefaultGasCostUSD)
}

func groupBySymbol(points []domain.PricePoint) map[string][]domain.PricePoint {
	out := make(map[string][]domain.PricePoint)
	for _, p := range points {
		out[p.Symbol] = append(out[p.Symbol], p)
	}
	return out
}

// venueName prefers the DEX protocol name over the feed's venue label.
func venueName(p domain.PricePoint) string {
	if p.Dex != "" {
		return p.Dex
	}
	return p.Venue
}
