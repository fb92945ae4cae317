package risk

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mastertrade/internal/stats"
)

const (
	// corrLookback is the daily candle window; 31 candles give 30 returns.
	corrLookback = 31
	// corrMinOverlap is the minimum shared return count for a pair to get
	// a real coefficient instead of 0.
	corrMinOverlap = 10
	// corrClusterThreshold groups symbols whose |rho| reaches this level.
	corrClusterThreshold = 0.7
	// corrMaxFailures marks the snapshot stale after this many consecutive
	// refresh failures.
	corrMaxFailures = 3
)

// CorrelationSnapshot is an immutable pairwise correlation view. Readers
// obtain it from CorrelationTracker.Current and must not mutate it.
type CorrelationSnapshot struct {
	Symbols              []string    `json:"symbols"`
	Matrix               [][]float64 `json:"matrix"`
	AvgCorrelation       float64     `json:"avg_correlation"`
	DiversificationRatio float64     `json:"diversification_ratio"`
	EffectiveAssets      float64     `json:"effective_assets"`
	RiskScore            float64     `json:"risk_score"`
	Clusters             [][]string  `json:"clusters,omitempty"`
	ComputedAt           time.Time   `json:"computed_at"`
	Stale                bool        `json:"stale"`

	index map[string]int
}

// Pair returns the correlation between two symbols, 0 when either is not
// part of the snapshot. Safe on a nil snapshot.
func (cs *CorrelationSnapshot) Pair(a, b string) float64 {
	if cs == nil {
		return 0
	}
	i, ok := cs.index[a]
	if !ok {
		return 0
	}
	j, ok := cs.index[b]
	if !ok {
		return 0
	}
	return cs.Matrix[i][j]
}

// Cluster returns the correlation cluster containing symbol, nil when the
// symbol is unclustered.
func (cs *CorrelationSnapshot) Cluster(symbol string) []string {
	if cs == nil {
		return nil
	}
	for _, c := range cs.Clusters {
		for _, s := range c {
			if s == symbol {
				return c
			}
		}
	}
	return nil
}

// CorrelationTracker recomputes pairwise correlations from daily returns
// and publishes them as an immutable snapshot behind an atomic pointer, so
// sizing and portfolio readers never block a refresh.
type CorrelationTracker struct {
	cfg     Config
	candles CandleSource
	logger  zerolog.Logger
	now     func() time.Time

	snap atomic.Pointer[CorrelationSnapshot]

	mu       sync.Mutex
	failures int
	onStale  func(failures int, err error)
}

// NewCorrelationTracker builds a tracker. candles may be nil; Refresh then
// fails until a source is available, which keeps Current at nil.
func NewCorrelationTracker(cfg Config, candles CandleSource, logger zerolog.Logger) *CorrelationTracker {
	return &CorrelationTracker{
		cfg:     cfg,
		candles: candles,
		logger:  logger.With().Str("component", "correlation_tracker").Logger(),
		now:     time.Now,
	}
}

// Current returns the latest snapshot, nil before the first successful
// refresh. Safe on a nil tracker.
func (ct *CorrelationTracker) Current() *CorrelationSnapshot {
	if ct == nil {
		return nil
	}
	return ct.snap.Load()
}

// OnStale registers a callback fired once when consecutive refresh failures
// reach the staleness limit. The callback runs on the refreshing goroutine.
func (ct *CorrelationTracker) OnStale(fn func(failures int, err error)) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.onStale = fn
}

// Failures reports the current consecutive refresh failure count.
func (ct *CorrelationTracker) Failures() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.failures
}

// Refresh recomputes the matrix for the given symbols and swaps in a new
// snapshot. Symbols whose history cannot be loaded are dropped from the
// snapshot; the refresh fails only when no usable pair remains.
func (ct *CorrelationTracker) Refresh(ctx context.Context, symbols []string) error {
	uniq := dedupeSymbols(symbols)

	if ct.candles == nil {
		return ct.fail(fmt.Errorf("correlation refresh: no candle source"))
	}

	series := make(map[string][]float64, len(uniq))
	kept := make([]string, 0, len(uniq))
	for _, sym := range uniq {
		candles, err := ct.candles.Candles(ctx, sym, "1d", corrLookback)
		if err != nil {
			ct.logger.Warn().Err(err).Str("symbol", sym).Msg("correlation history unavailable")
			continue
		}
		returns := stats.Returns(closePrices(candles))
		if len(returns) < corrMinOverlap {
			ct.logger.Debug().Str("symbol", sym).Int("returns", len(returns)).Msg("correlation history too short")
			continue
		}
		series[sym] = returns
		kept = append(kept, sym)
	}

	if len(uniq) >= 2 && len(kept) < 2 {
		return ct.fail(fmt.Errorf("correlation refresh: %d of %d symbols usable", len(kept), len(uniq)))
	}

	snap := buildSnapshot(kept, series, ct.now().UTC())
	ct.snap.Store(snap)

	ct.mu.Lock()
	ct.failures = 0
	ct.mu.Unlock()

	ct.logger.Debug().
		Int("symbols", len(kept)).
		Float64("avg_correlation", snap.AvgCorrelation).
		Float64("risk_score", snap.RiskScore).
		Int("clusters", len(snap.Clusters)).
		Msg("correlation snapshot refreshed")
	return nil
}

func (ct *CorrelationTracker) fail(err error) error {
	ct.mu.Lock()
	ct.failures++
	n := ct.failures
	fn := ct.onStale
	ct.mu.Unlock()

	if n == corrMaxFailures {
		if cur := ct.snap.Load(); cur != nil && !cur.Stale {
			stale := *cur
			stale.Stale = true
			ct.snap.Store(&stale)
		}
		ct.logger.Warn().Err(err).Int("failures", n).Msg("correlation snapshot marked stale")
		if fn != nil {
			fn(n, err)
		}
	}
	return err
}

func buildSnapshot(symbols []string, series map[string][]float64, at time.Time) *CorrelationSnapshot {
	n := len(symbols)
	snap := &CorrelationSnapshot{
		Symbols:              symbols,
		Matrix:               make([][]float64, n),
		DiversificationRatio: 1,
		EffectiveAssets:      math.Max(1, float64(n)),
		ComputedAt:           at,
		index:                make(map[string]int, n),
	}
	for i, sym := range symbols {
		snap.index[sym] = i
		snap.Matrix[i] = make([]float64, n)
		snap.Matrix[i][i] = 1
	}
	if n < 2 {
		return snap
	}

	var sum float64
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			rho := pairCorrelation(series[symbols[i]], series[symbols[j]])
			snap.Matrix[i][j] = rho
			snap.Matrix[j][i] = rho
			sum += rho
		}
	}
	pairs := float64(n*(n-1)) / 2
	avg := sum / pairs

	snap.AvgCorrelation = avg
	den := 1 + float64(n-1)*avg
	if den > 0 {
		snap.EffectiveAssets = float64(n) / den
	} else {
		snap.EffectiveAssets = float64(n)
	}
	snap.DiversificationRatio = math.Sqrt(snap.EffectiveAssets)
	snap.RiskScore = stats.Clamp(avg*150, 0, 100)
	snap.Clusters = clusterSymbols(symbols, snap.Matrix)
	return snap
}

// pairCorrelation aligns the two return series on their common tail.
func pairCorrelation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < corrMinOverlap {
		return 0
	}
	return stats.Correlation(a[len(a)-n:], b[len(b)-n:])
}

// clusterSymbols returns connected components of the |rho| >= threshold
// graph, keeping only components with at least two members.
func clusterSymbols(symbols []string, matrix [][]float64) [][]string {
	n := len(symbols)
	visited := make([]bool, n)
	var clusters [][]string

	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		component := []int{i}
		visited[i] = true
		for k := 0; k < len(component); k++ {
			cur := component[k]
			for j := 0; j < n; j++ {
				if !visited[j] && math.Abs(matrix[cur][j]) >= corrClusterThreshold {
					visited[j] = true
					component = append(component, j)
				}
			}
		}
		if len(component) < 2 {
			continue
		}
		members := make([]string, len(component))
		for k, idx := range component {
			members[k] = symbols[idx]
		}
		sort.Strings(members)
		clusters = append(clusters, members)
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i][0] < clusters[j][0] })
	return clusters
}

func dedupeSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
