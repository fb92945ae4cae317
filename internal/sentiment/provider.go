package sentiment

import (
	"sort"
	"sync"
	"time"
)

// Blend weights and staleness window for alignment scoring.
const (
	symbolWeight = 0.65
	globalWeight = 0.35
	staleAfter   = 12 * time.Hour
	lookback     = 24 * time.Hour
)

// Sample is one sentiment observation. An empty Symbol marks global
// market sentiment.
type Sample struct {
	Symbol     string    `json:"symbol,omitempty"`
	Score      float64   `json:"score"`
	Source     string    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
}

// Snapshot is the aggregated sentiment view for one symbol.
type Snapshot struct {
	Symbol      string    `json:"symbol"`
	SymbolScore float64   `json:"symbol_score"`
	GlobalScore float64   `json:"global_score"`
	Combined    float64   `json:"combined"`
	Alignment   float64   `json:"alignment"`
	FreshestAt  time.Time `json:"freshest_at"`
	SampleCount int       `json:"sample_count"`
}

// Blend combines symbol and global polarity using the standard weights.
func Blend(symbolScore, globalScore float64) float64 {
	return symbolWeight*symbolScore + globalWeight*globalScore
}

// Provider serves sentiment windows for backtests and aggregated
// alignment for strategy scoring.
type Provider interface {
	Window(symbol string, from, to time.Time) []Sample
	Snapshot(symbol string, at time.Time) Snapshot
}

// Aggregator is an in-memory Provider fed by recorded samples. It keeps
// a bounded history, oldest dropped first.
type Aggregator struct {
	mu      sync.RWMutex
	samples []Sample
	limit   int
}

// NewAggregator creates an aggregator holding up to limit samples
// (5000 when limit <= 0).
func NewAggregator(limit int) *Aggregator {
	if limit <= 0 {
		limit = 5000
	}
	return &Aggregator{limit: limit}
}

// Record adds one observation, dropping the oldest beyond the limit.
// Scores are clamped to [-1, 1].
func (a *Aggregator) Record(s Sample) {
	if s.Score > 1 {
		s.Score = 1
	} else if s.Score < -1 {
		s.Score = -1
	}
	if s.ObservedAt.IsZero() {
		s.ObservedAt = time.Now()
	}

	a.mu.Lock()
	a.samples = append(a.samples, s)
	if len(a.samples) > a.limit {
		a.samples = a.samples[len(a.samples)-a.limit:]
	}
	a.mu.Unlock()
}

// Window returns samples for symbol observed in [from, to], oldest
// first. An empty symbol selects global samples.
func (a *Aggregator) Window(symbol string, from, to time.Time) []Sample {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []Sample
	for _, s := range a.samples {
		if s.Symbol != symbol {
			continue
		}
		if s.ObservedAt.Before(from) || s.ObservedAt.After(to) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out
}

// Snapshot aggregates symbol and global polarity over the last 24 hours
// before at, blends them 0.65/0.35, and maps the result into [0,1].
// When the freshest contributing sample is older than 12 hours the
// alignment is halved. With no samples at all the alignment is a neutral
// 0.5.
func (a *Aggregator) Snapshot(symbol string, at time.Time) Snapshot {
	from := at.Add(-lookback)

	symSamples := a.Window(symbol, from, at)
	globSamples := a.Window("", from, at)

	snap := Snapshot{Symbol: symbol, SampleCount: len(symSamples) + len(globSamples)}
	if snap.SampleCount == 0 {
		snap.Alignment = 0.5
		return snap
	}

	snap.SymbolScore = meanScore(symSamples)
	snap.GlobalScore = meanScore(globSamples)

	switch {
	case len(symSamples) == 0:
		snap.Combined = snap.GlobalScore
	case len(globSamples) == 0:
		snap.Combined = snap.SymbolScore
	default:
		snap.Combined = symbolWeight*snap.SymbolScore + globalWeight*snap.GlobalScore
	}

	snap.FreshestAt = freshest(symSamples, globSamples)
	snap.Alignment = (snap.Combined + 1) / 2
	if at.Sub(snap.FreshestAt) > staleAfter {
		snap.Alignment /= 2
	}
	return snap
}

// Stats returns a snapshot of aggregator state.
func (a *Aggregator) Stats() map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()

	symbols := make(map[string]int)
	for _, s := range a.samples {
		symbols[s.Symbol]++
	}
	return map[string]interface{}{
		"samples": len(a.samples),
		"symbols": len(symbols),
	}
}

func meanScore(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.Score
	}
	return sum / float64(len(samples))
}

func freshest(groups ...[]Sample) time.Time {
	var newest time.Time
	for _, group := range groups {
		for _, s := range group {
			if s.ObservedAt.After(newest) {
				newest = s.ObservedAt
			}
		}
	}
	return newest
}
