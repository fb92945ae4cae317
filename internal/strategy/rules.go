package strategy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"mastertrade/internal/domain"
	"mastertrade/internal/stats"
)

// Entry is a long entry proposal at one candle.
type Entry struct {
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Reason     string
}

// Rules binds a strategy definition to executable entry logic. The
// reference series feeds correlation-gated templates and may be nil for
// the others.
type Rules struct {
	typ    string
	symbol string
	ref    []domain.Candle

	lookback   int
	entryThr   float64
	entryZ     float64
	volRatio   float64
	minCorr    float64
	refMove    float64
	stopLoss   float64
	takeProfit float64
}

// NewRules resolves a strategy's parameters against per-type defaults.
// Unknown types are rejected so a bad definition fails loudly instead
// of trading nothing.
func NewRules(s *domain.Strategy, reference []domain.Candle) (*Rules, error) {
	r := &Rules{
		typ:        s.Type,
		symbol:     s.Symbol,
		ref:        reference,
		lookback:   paramInt(s.Parameters, "lookback", 24),
		entryThr:   paramFloat(s.Parameters, "entry_threshold", 0.02),
		entryZ:     paramFloat(s.Parameters, "entry_zscore", 2.0),
		volRatio:   paramFloat(s.Parameters, "volume_ratio", 1.5),
		minCorr:    paramFloat(s.Parameters, "min_correlation", 0.6),
		refMove:    paramFloat(s.Parameters, "reference_move", 0.015),
		stopLoss:   paramFloat(s.Parameters, "stop_loss", 0.03),
		takeProfit: paramFloat(s.Parameters, "take_profit", 0.06),
	}
	if r.lookback < 2 {
		r.lookback = 2
	}
	switch s.Type {
	case TypeMomentum, TypeMeanReversion, TypeBreakout, TypeBTCCorrelation:
		return r, nil
	default:
		return nil, fmt.Errorf("no rules for strategy type %q", s.Type)
	}
}

// Warmup returns how many candles must precede the first evaluation.
func (r *Rules) Warmup() int {
	return r.lookback + 1
}

// Entry evaluates candle i and returns a long entry, or nil. i must be
// at least Warmup().
func (r *Rules) Entry(candles []domain.Candle, i int) *Entry {
	if i < r.Warmup() || i >= len(candles) {
		return nil
	}
	switch r.typ {
	case TypeMomentum:
		return r.momentumEntry(candles, i)
	case TypeMeanReversion:
		return r.reversionEntry(candles, i)
	case TypeBreakout:
		return r.breakoutEntry(candles, i)
	case TypeBTCCorrelation:
		return r.correlationEntry(candles, i)
	}
	return nil
}

func (r *Rules) momentumEntry(candles []domain.Candle, i int) *Entry {
	prev := candles[i-r.lookback].Close
	if prev <= 0 {
		return nil
	}
	ret := (candles[i].Close - prev) / prev
	if ret < r.entryThr {
		return nil
	}
	return r.enter(candles[i].Close, fmt.Sprintf("%.2f%% move over %d bars", ret*100, r.lookback))
}

func (r *Rules) reversionEntry(candles []domain.Candle, i int) *Entry {
	closes := closeWindow(candles, i, r.lookback)
	mean := stats.Mean(closes)
	sd := stats.StdDev(closes)
	if sd == 0 {
		return nil
	}
	z := (candles[i].Close - mean) / sd
	if z > -r.entryZ {
		return nil
	}
	return r.enter(candles[i].Close, fmt.Sprintf("z-score %.2f below -%.2f", z, r.entryZ))
}

func (r *Rules) breakoutEntry(candles []domain.Candle, i int) *Entry {
	high := 0.0
	var volSum float64
	for j := i - r.lookback; j < i; j++ {
		if candles[j].High > high {
			high = candles[j].High
		}
		volSum += candles[j].Volume
	}
	if candles[i].Close <= high {
		return nil
	}
	avgVol := volSum / float64(r.lookback)
	if avgVol > 0 && candles[i].Volume < r.volRatio*avgVol {
		return nil
	}
	return r.enter(candles[i].Close, fmt.Sprintf("close above %d-bar high %.4f", r.lookback, high))
}

// correlationEntry rides the reference asset: enter when the symbol has
// tracked the reference closely and the reference just moved up.
func (r *Rules) correlationEntry(candles []domain.Candle, i int) *Entry {
	j := r.refIndexAt(candles[i].OpenTime)
	if j < r.lookback {
		return nil
	}
	refPrev := r.ref[j-r.lookback].Close
	if refPrev <= 0 {
		return nil
	}
	move := (r.ref[j].Close - refPrev) / refPrev
	if move < r.refMove {
		return nil
	}

	symReturns := stats.Returns(closeWindow(candles, i, r.lookback))
	refReturns := stats.Returns(refCloseWindow(r.ref, j, r.lookback))
	corr := stats.Correlation(symReturns, refReturns)
	if math.IsNaN(corr) || corr < r.minCorr {
		return nil
	}
	return r.enter(candles[i].Close, fmt.Sprintf("corr %.2f, reference moved %.2f%%", corr, move*100))
}

// refIndexAt returns the last reference candle opened at or before t,
// or -1 when the series is empty or starts later.
func (r *Rules) refIndexAt(t time.Time) int {
	n := sort.Search(len(r.ref), func(k int) bool { return r.ref[k].OpenTime.After(t) })
	return n - 1
}

func (r *Rules) enter(price float64, reason string) *Entry {
	if price <= 0 {
		return nil
	}
	return &Entry{
		Price:      price,
		StopLoss:   price * (1 - r.stopLoss),
		TakeProfit: price * (1 + r.takeProfit),
		Reason:     reason,
	}
}

// closeWindow returns closes of candles[i-lookback .. i].
func closeWindow(candles []domain.Candle, i, lookback int) []float64 {
	out := make([]float64, 0, lookback+1)
	for j := i - lookback; j <= i; j++ {
		out = append(out, candles[j].Close)
	}
	return out
}

func refCloseWindow(ref []domain.Candle, j, lookback int) []float64 {
	out := make([]float64, 0, lookback+1)
	for k := j - lookback; k <= j; k++ {
		out = append(out, ref[k].Close)
	}
	return out
}

func paramFloat(params map[string]interface{}, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

func paramInt(params map[string]interface{}, key string, def int) int {
	return int(paramFloat(params, key, float64(def)))
}
