package forecast

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"mastertrade/internal/domain"
	"mastertrade/internal/stats"
)

// Prediction directions.
const (
	DirectionUp       = "up"
	DirectionDown     = "down"
	DirectionSideways = "sideways"
)

// Prediction is one price forecast.
type Prediction struct {
	Symbol             string             `json:"symbol"`
	Direction          string             `json:"direction"`
	PredictedChangePct float64            `json:"predicted_change_pct"`
	Confidence         float64            `json:"confidence"`
	CurrentPrice       float64            `json:"current_price"`
	PredictedPrice     float64            `json:"predicted_price"`
	GeneratedAt        time.Time          `json:"generated_at"`
	ValidUntil         time.Time          `json:"valid_until"`
	Signals            map[string]float64 `json:"signals"`
}

// PricePredictor produces short-horizon forecasts used to reshape
// position sizes. Implementations must never veto a trade on their own.
type PricePredictor interface {
	Predict(ctx context.Context, symbol string) (*Prediction, error)
}

// CandleSource provides candle history.
type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error)
}

// Config holds the momentum predictor settings.
type Config struct {
	Interval            string        `json:"interval"`
	Lookback            int           `json:"lookback"`
	MomentumWeight      float64       `json:"momentum_weight"`
	MeanReversionWeight float64       `json:"mean_reversion_weight"`
	VolumeWeight        float64       `json:"volume_weight"`
	TrendWeight         float64       `json:"trend_weight"`
	MaxMovePct          float64       `json:"max_move_pct"`
	CacheTTL            time.Duration `json:"cache_ttl"`
}

// DefaultConfig returns the default signal weighting.
func DefaultConfig() Config {
	return Config{
		Interval:            "1h",
		Lookback:            60,
		MomentumWeight:      0.3,
		MeanReversionWeight: 0.2,
		VolumeWeight:        0.25,
		TrendWeight:         0.25,
		MaxMovePct:          5.0,
		CacheTTL:            5 * time.Minute,
	}
}

// MomentumPredictor is the default PricePredictor: a weighted blend of
// momentum, mean-reversion, volume and trend signals over recent candles.
type MomentumPredictor struct {
	cfg     Config
	candles CandleSource

	mu    sync.RWMutex
	cache map[string]*Prediction

	statsMu  sync.Mutex
	total    int
	correct  int
	avgError float64

	now func() time.Time
}

// NewMomentumPredictor creates a predictor over the given candle source.
func NewMomentumPredictor(cfg Config, candles CandleSource) *MomentumPredictor {
	def := DefaultConfig()
	if cfg.Interval == "" {
		cfg.Interval = def.Interval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.MomentumWeight == 0 && cfg.MeanReversionWeight == 0 && cfg.VolumeWeight == 0 && cfg.TrendWeight == 0 {
		cfg.MomentumWeight = def.MomentumWeight
		cfg.MeanReversionWeight = def.MeanReversionWeight
		cfg.VolumeWeight = def.VolumeWeight
		cfg.TrendWeight = def.TrendWeight
	}
	if cfg.MaxMovePct <= 0 {
		cfg.MaxMovePct = def.MaxMovePct
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}

	return &MomentumPredictor{
		cfg:     cfg,
		candles: candles,
		cache:   make(map[string]*Prediction),
		now:     time.Now,
	}
}

// Predict returns the cached forecast for symbol while it remains valid,
// otherwise computes a fresh one.
func (p *MomentumPredictor) Predict(ctx context.Context, symbol string) (*Prediction, error) {
	p.mu.RLock()
	cached, ok := p.cache[symbol]
	p.mu.RUnlock()
	if ok && p.now().Before(cached.ValidUntil) {
		return cached, nil
	}

	candles, err := p.candles.Candles(ctx, symbol, p.cfg.Interval, p.cfg.Lookback)
	if err != nil {
		return nil, fmt.Errorf("fetch candles for %s: %w", symbol, err)
	}
	if len(candles) < 30 {
		return nil, fmt.Errorf("need at least 30 candles for %s, have %d", symbol, len(candles))
	}

	pred := p.predict(symbol, candles)

	p.mu.Lock()
	p.cache[symbol] = pred
	p.mu.Unlock()

	return pred, nil
}

func (p *MomentumPredictor) predict(symbol string, candles []domain.Candle) *Prediction {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	returns := pctReturns(closes)
	volatility := stats.StdDev(returns)
	current := closes[len(closes)-1]

	signals := map[string]float64{
		"momentum":       momentumSignal(returns),
		"mean_reversion": meanReversionSignal(closes),
		"volume":         volumeSignal(candles),
		"trend":          trendSignal(candles, closes),
	}

	combined := signals["momentum"]*p.cfg.MomentumWeight +
		signals["mean_reversion"]*p.cfg.MeanReversionWeight +
		signals["volume"]*p.cfg.VolumeWeight +
		signals["trend"]*p.cfg.TrendWeight

	direction := DirectionSideways
	if combined > 0.1 {
		direction = DirectionUp
	} else if combined < -0.1 {
		direction = DirectionDown
	}

	move := stats.Clamp(combined*volatility*2, -p.cfg.MaxMovePct, p.cfg.MaxMovePct)
	now := p.now()

	return &Prediction{
		Symbol:             symbol,
		Direction:          direction,
		PredictedChangePct: move,
		Confidence:         signalAgreement(signals),
		CurrentPrice:       current,
		PredictedPrice:     current * (1 + move/100),
		GeneratedAt:        now,
		ValidUntil:         now.Add(p.cfg.CacheTTL),
		Signals:            signals,
	}
}

// RecordOutcome feeds the realised move back into the accuracy stats.
// Outcomes arriving after a prediction expired are ignored.
func (p *MomentumPredictor) RecordOutcome(symbol string, actualMovePct float64) {
	p.mu.RLock()
	pred, ok := p.cache[symbol]
	p.mu.RUnlock()
	if !ok || p.now().After(pred.ValidUntil) {
		return
	}

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	p.total++
	if (pred.PredictedChangePct > 0) == (actualMovePct > 0) {
		p.correct++
	}
	err := math.Abs(pred.PredictedChangePct - actualMovePct)
	p.avgError = (p.avgError*float64(p.total-1) + err) / float64(p.total)
}

// Stats returns a snapshot of prediction accuracy.
func (p *MomentumPredictor) Stats() map[string]interface{} {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	accuracy := 0.0
	if p.total > 0 {
		accuracy = float64(p.correct) / float64(p.total)
	}
	return map[string]interface{}{
		"total_predictions":   p.total,
		"correct_predictions": p.correct,
		"accuracy":            accuracy,
		"average_error_pct":   p.avgError,
	}
}

// pctReturns converts closes to percentage per-step returns.
func pctReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (closes[i]-closes[i-1])/closes[i-1]*100)
	}
	return out
}

// momentumSignal blends recent velocity with its acceleration.
func momentumSignal(returns []float64) float64 {
	if len(returns) < 10 {
		return 0
	}
	recent := stats.Mean(returns[len(returns)-5:])
	prior := stats.Mean(returns[len(returns)-10 : len(returns)-5])

	signal := stats.Clamp(recent/0.5, -1, 1)*0.6 + stats.Clamp((recent-prior)/0.2, -1, 1)*0.4
	return stats.Clamp(signal, -1, 1)
}

// meanReversionSignal leans against stretched deviations from the
// 20-candle mean, measured in standard deviations.
func meanReversionSignal(closes []float64) float64 {
	const window = 20
	if len(closes) < window {
		return 0
	}
	tail := closes[len(closes)-window:]
	mean := stats.Mean(tail)
	sd := stats.StdDev(tail)
	if sd == 0 {
		return 0
	}
	z := (closes[len(closes)-1] - mean) / sd
	if z > 1 {
		return stats.Clamp(-(z-1)*0.5, -1, 0)
	}
	if z < -1 {
		return stats.Clamp(-(z+1)*0.5, 0, 1)
	}
	return 0
}

// volumeSignal rewards volume expansion in the direction the last candle
// closed.
func volumeSignal(candles []domain.Candle) float64 {
	const window = 20
	if len(candles) < window {
		return 0
	}
	var avg float64
	for _, c := range candles[len(candles)-window:] {
		avg += c.Volume
	}
	avg /= window
	if avg == 0 {
		return 0
	}

	last := candles[len(candles)-1]
	ratio := last.Volume / avg
	if ratio <= 1.5 {
		return 0
	}
	candleRange := last.High - last.Low
	if candleRange == 0 {
		return 0
	}
	buyPressure := (last.Close - last.Low) / candleRange
	return stats.Clamp((buyPressure-0.5)*(ratio-1), -1, 1)
}

// trendSignal blends the 20/50 EMA spread with candle-direction
// consistency over the last 10 candles.
func trendSignal(candles []domain.Candle, closes []float64) float64 {
	ema20 := ema(closes, 20)
	ema50 := ema(closes, 50)

	var strength float64
	if ema50 > 0 {
		strength = stats.Clamp((ema20-ema50)/ema50*100/2, -1, 1)
	}

	bullish := 0
	start := len(candles) - 10
	if start < 0 {
		start = 0
	}
	counted := len(candles) - start
	for _, c := range candles[start:] {
		if c.Close > c.Open {
			bullish++
		}
	}
	consistency := 0.0
	if counted > 0 {
		consistency = (float64(bullish) - float64(counted)/2) / (float64(counted) / 2)
	}

	return stats.Clamp(strength*0.6+consistency*0.4, -1, 1)
}

func ema(closes []float64, period int) float64 {
	if len(closes) == 0 {
		return 0
	}
	if len(closes) < period {
		return closes[len(closes)-1]
	}
	mult := 2.0 / float64(period+1)
	var val float64
	for i := 0; i < period; i++ {
		val += closes[i]
	}
	val /= float64(period)
	for i := period; i < len(closes); i++ {
		val = (closes[i]-val)*mult + val
	}
	return val
}

// signalAgreement converts directional agreement across signals into a
// confidence in [0,1].
func signalAgreement(signals map[string]float64) float64 {
	positive, negative := 0, 0
	var strength float64
	for _, s := range signals {
		if s > 0.1 {
			positive++
		} else if s < -0.1 {
			negative++
		}
		strength += math.Abs(s)
	}
	total := len(signals)
	if total == 0 {
		return 0
	}

	agree := positive
	if negative > agree {
		agree = negative
	}
	base := float64(agree) / float64(total)
	if agree == total {
		base = 0.9
	}
	strength /= float64(total)

	return stats.Clamp(base*0.6+strength*0.4, 0, 1)
}
