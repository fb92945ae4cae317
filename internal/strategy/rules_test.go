package strategy

import (
	"math"
	"testing"
	"time"

	"mastertrade/internal/domain"
)

var seriesStart = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

// candleSeries builds hourly candles from closes, with opens chained
// from the previous close and a flat volume of 100.
func candleSeries(closes []float64) []domain.Candle {
	out := make([]domain.Candle, len(closes))
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		out[i] = domain.Candle{
			OpenTime:  seriesStart.Add(time.Duration(i) * time.Hour),
			Open:      open,
			High:      math.Max(open, c),
			Low:       math.Min(open, c),
			Close:     c,
			Volume:    100,
			CloseTime: seriesStart.Add(time.Duration(i+1) * time.Hour),
		}
	}
	return out
}

func mustRules(t *testing.T, s *domain.Strategy, ref []domain.Candle) *Rules {
	t.Helper()
	r, err := NewRules(s, ref)
	if err != nil {
		t.Fatalf("NewRules: %v", err)
	}
	return r
}

func TestNewRulesRejectsUnknownType(t *testing.T) {
	if _, err := NewRules(&domain.Strategy{Type: "grid", Symbol: "BTCUSDT"}, nil); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestNewRulesDefaults(t *testing.T) {
	r := mustRules(t, &domain.Strategy{Type: TypeMomentum, Symbol: "BTCUSDT"}, nil)
	if r.Warmup() != 25 {
		t.Fatalf("Warmup = %d, want 25 from default lookback", r.Warmup())
	}

	r = mustRules(t, &domain.Strategy{
		Type:       TypeMomentum,
		Symbol:     "BTCUSDT",
		Parameters: map[string]interface{}{"lookback": 12},
	}, nil)
	if r.Warmup() != 13 {
		t.Fatalf("Warmup = %d, want 13 from int lookback", r.Warmup())
	}
}

func TestMomentumEntry(t *testing.T) {
	s := &domain.Strategy{
		Type:   TypeMomentum,
		Symbol: "BTCUSDT",
		Parameters: map[string]interface{}{
			"lookback":        4.0,
			"entry_threshold": 0.02,
		},
	}
	r := mustRules(t, s, nil)

	candles := candleSeries([]float64{100, 100, 100, 100, 100, 100, 103})

	if e := r.Entry(candles, 5); e != nil {
		t.Fatalf("flat tape entered: %+v", e)
	}

	e := r.Entry(candles, 6)
	if e == nil {
		t.Fatal("3% move over 4 bars should enter")
	}
	if e.Price != 103 {
		t.Fatalf("entry price = %v, want 103", e.Price)
	}
	if math.Abs(e.StopLoss-103*0.97) > 1e-9 {
		t.Fatalf("stop loss = %v, want %v", e.StopLoss, 103*0.97)
	}
	if math.Abs(e.TakeProfit-103*1.06) > 1e-9 {
		t.Fatalf("take profit = %v, want %v", e.TakeProfit, 103*1.06)
	}
}

func TestMomentumEntryAtExactThreshold(t *testing.T) {
	s := &domain.Strategy{
		Type:   TypeMomentum,
		Symbol: "BTCUSDT",
		Parameters: map[string]interface{}{
			"lookback":        4.0,
			"entry_threshold": 0.02,
		},
	}
	r := mustRules(t, s, nil)

	candles := candleSeries([]float64{100, 100, 100, 100, 100, 100, 102})
	if e := r.Entry(candles, 6); e == nil {
		t.Fatal("move equal to the threshold should enter")
	}
}

func TestMeanReversionEntry(t *testing.T) {
	s := &domain.Strategy{
		Type:   TypeMeanReversion,
		Symbol: "ETHUSDT",
		Parameters: map[string]interface{}{
			"lookback":     4.0,
			"entry_zscore": 1.5,
		},
	}
	r := mustRules(t, s, nil)

	// Window [100 100 100 100 90]: mean 98, sample sd sqrt(20),
	// z = -1.79.
	deep := candleSeries([]float64{100, 100, 100, 100, 100, 90})
	e := r.Entry(deep, 5)
	if e == nil {
		t.Fatal("deep dip should enter")
	}
	if e.Price != 90 {
		t.Fatalf("entry price = %v, want 90", e.Price)
	}

	// Window [100 98 102 100 98]: z = -0.96, inside the band.
	shallow := candleSeries([]float64{100, 100, 98, 102, 100, 98})
	if e := r.Entry(shallow, 5); e != nil {
		t.Fatalf("shallow dip entered: %+v", e)
	}

	flat := candleSeries([]float64{100, 100, 100, 100, 100, 100})
	if e := r.Entry(flat, 5); e != nil {
		t.Fatalf("zero-variance window entered: %+v", e)
	}
}

func TestBreakoutEntry(t *testing.T) {
	s := &domain.Strategy{
		Type:   TypeBreakout,
		Symbol: "SOLUSDT",
		Parameters: map[string]interface{}{
			"lookback":     3.0,
			"volume_ratio": 1.5,
		},
	}
	r := mustRules(t, s, nil)

	candles := candleSeries([]float64{100, 100.5, 101, 100.8, 103})
	candles[1].High = 101
	candles[2].High = 102
	candles[3].High = 101.5
	candles[4].Volume = 160

	e := r.Entry(candles, 4)
	if e == nil {
		t.Fatal("close above channel high on heavy volume should enter")
	}
	if e.Price != 103 {
		t.Fatalf("entry price = %v, want 103", e.Price)
	}

	thin := candleSeries([]float64{100, 100.5, 101, 100.8, 103})
	thin[2].High = 102
	thin[4].Volume = 140
	if e := r.Entry(thin, 4); e != nil {
		t.Fatalf("volume below ratio entered: %+v", e)
	}

	inside := candleSeries([]float64{100, 100.5, 101, 100.8, 101.9})
	inside[2].High = 102
	inside[4].Volume = 160
	if e := r.Entry(inside, 4); e != nil {
		t.Fatalf("close inside channel entered: %+v", e)
	}
}

func TestCorrelationEntry(t *testing.T) {
	s := &domain.Strategy{
		Type:   TypeBTCCorrelation,
		Symbol: "ETHUSDT",
		Parameters: map[string]interface{}{
			"lookback":        3.0,
			"min_correlation": 0.9,
			"reference_move":  0.01,
		},
	}

	symCloses := []float64{100, 102, 101, 103, 105}
	refCloses := make([]float64, len(symCloses))
	for i, c := range symCloses {
		refCloses[i] = c * 300
	}
	candles := candleSeries(symCloses)
	ref := candleSeries(refCloses)

	r := mustRules(t, s, ref)
	e := r.Entry(candles, 4)
	if e == nil {
		t.Fatal("tracking symbol should follow the reference up-move")
	}
	if e.Price != 105 {
		t.Fatalf("entry price = %v, want 105", e.Price)
	}

	// Same reference, symbol moving the opposite way each bar.
	anti := candleSeries([]float64{100, 100, 98, 98.98, 97.0004})
	antiRef := candleSeries([]float64{30000, 30000, 30600, 30294, 30899.88})
	r = mustRules(t, s, antiRef)
	if e := r.Entry(anti, 4); e != nil {
		t.Fatalf("anticorrelated symbol entered: %+v", e)
	}

	// Flat reference never clears the move gate.
	flatRef := candleSeries([]float64{30000, 30000, 30000, 30000, 30000})
	r = mustRules(t, s, flatRef)
	if e := r.Entry(candles, 4); e != nil {
		t.Fatalf("flat reference entered: %+v", e)
	}
}

func TestCorrelationEntryNeedsReference(t *testing.T) {
	s := &domain.Strategy{
		Type:       TypeBTCCorrelation,
		Symbol:     "ETHUSDT",
		Parameters: map[string]interface{}{"lookback": 3.0},
	}
	r := mustRules(t, s, nil)

	candles := candleSeries([]float64{100, 102, 101, 103, 105})
	if e := r.Entry(candles, 4); e != nil {
		t.Fatalf("entered without a reference series: %+v", e)
	}
}

func TestEntryGuardsIndexRange(t *testing.T) {
	s := &domain.Strategy{
		Type:       TypeMomentum,
		Symbol:     "BTCUSDT",
		Parameters: map[string]interface{}{"lookback": 4.0},
	}
	r := mustRules(t, s, nil)

	candles := candleSeries([]float64{100, 100, 100, 100, 100, 110})
	if e := r.Entry(candles, 2); e != nil {
		t.Fatal("index below warmup should not evaluate")
	}
	if e := r.Entry(candles, len(candles)); e != nil {
		t.Fatal("index past the series should not evaluate")
	}
}

func TestCustomStopAndTarget(t *testing.T) {
	s := &domain.Strategy{
		Type:   TypeMomentum,
		Symbol: "BTCUSDT",
		Parameters: map[string]interface{}{
			"lookback":        4.0,
			"entry_threshold": 0.02,
			"stop_loss":       0.05,
			"take_profit":     0.10,
		},
	}
	r := mustRules(t, s, nil)

	candles := candleSeries([]float64{100, 100, 100, 100, 100, 100, 110})
	e := r.Entry(candles, 6)
	if e == nil {
		t.Fatal("expected entry")
	}
	if math.Abs(e.StopLoss-110*0.95) > 1e-9 {
		t.Fatalf("stop loss = %v, want %v", e.StopLoss, 110*0.95)
	}
	if math.Abs(e.TakeProfit-110*1.10) > 1e-9 {
		t.Fatalf("take profit = %v, want %v", e.TakeProfit, 110*1.10)
	}
}
