package indicator

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/markcheno/go-talib"

	"mastertrade/internal/domain"
)

var (
	ErrUnknownIndicator = errors.New("unknown indicator type")
	ErrInsufficientData = errors.New("insufficient candle data")
)

// Calculator computes one indicator from candle history.
type Calculator interface {
	Calculate(cfg domain.IndicatorConfig, candles []domain.Candle) (map[string]interface{}, error)
}

// TalibCalculator computes the standard indicator set with go-talib.
type TalibCalculator struct{}

func NewTalibCalculator() *TalibCalculator {
	return &TalibCalculator{}
}

// Calculate dispatches on the config's indicator type and returns the
// latest values. When the config names output fields, the result is
// filtered to those fields.
func (c *TalibCalculator) Calculate(cfg domain.IndicatorConfig, candles []domain.Candle) (map[string]interface{}, error) {
	required := cfg.PeriodsRequired
	if required <= 0 {
		required = defaultPeriods(cfg)
	}
	if len(candles) < required {
		return nil, fmt.Errorf("%w: %s needs %d candles, have %d", ErrInsufficientData, cfg.IndicatorType, required, len(candles))
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, candle := range candles {
		closes[i] = candle.Close
		highs[i] = candle.High
		lows[i] = candle.Low
		volumes[i] = candle.Volume
	}

	var values map[string]interface{}
	switch strings.ToLower(cfg.IndicatorType) {
	case "rsi":
		period := intParam(cfg.Parameters, "period", 14)
		series := talib.Rsi(closes, period)
		last, ok := lastValue(series)
		if !ok {
			return nil, fmt.Errorf("%w: rsi(%d) over %d candles", ErrInsufficientData, period, len(closes))
		}
		values = map[string]interface{}{"rsi": last}

	case "sma":
		period := intParam(cfg.Parameters, "period", 20)
		last, ok := lastValue(talib.Sma(closes, period))
		if !ok {
			return nil, fmt.Errorf("%w: sma(%d) over %d candles", ErrInsufficientData, period, len(closes))
		}
		values = map[string]interface{}{"sma": last}

	case "ema":
		period := intParam(cfg.Parameters, "period", 20)
		last, ok := lastValue(talib.Ema(closes, period))
		if !ok {
			return nil, fmt.Errorf("%w: ema(%d) over %d candles", ErrInsufficientData, period, len(closes))
		}
		values = map[string]interface{}{"ema": last}

	case "macd":
		fast := intParam(cfg.Parameters, "fast_period", 12)
		slow := intParam(cfg.Parameters, "slow_period", 26)
		signal := intParam(cfg.Parameters, "signal_period", 9)
		macd, sig, hist := talib.Macd(closes, fast, slow, signal)
		m, okM := lastValue(macd)
		s, okS := lastValue(sig)
		h, okH := lastValue(hist)
		if !okM || !okS || !okH {
			return nil, fmt.Errorf("%w: macd(%d,%d,%d) over %d candles", ErrInsufficientData, fast, slow, signal, len(closes))
		}
		values = map[string]interface{}{"macd": m, "signal": s, "histogram": h}

	case "bollinger", "bbands":
		period := intParam(cfg.Parameters, "period", 20)
		dev := floatParam(cfg.Parameters, "std_dev", 2.0)
		upper, middle, lower := talib.BBands(closes, period, dev, dev, 0)
		u, okU := lastValue(upper)
		m, okM := lastValue(middle)
		l, okL := lastValue(lower)
		if !okU || !okM || !okL {
			return nil, fmt.Errorf("%w: bollinger(%d) over %d candles", ErrInsufficientData, period, len(closes))
		}
		values = map[string]interface{}{
			"upper":    u,
			"middle":   m,
			"lower":    l,
			"position": bandPosition(closes[len(closes)-1], u, l),
		}

	case "atr":
		period := intParam(cfg.Parameters, "period", 14)
		last, ok := lastValue(talib.Atr(highs, lows, closes, period))
		if !ok {
			return nil, fmt.Errorf("%w: atr(%d) over %d candles", ErrInsufficientData, period, len(closes))
		}
		values = map[string]interface{}{"atr": last}

	case "stochastic", "stoch":
		fastK := intParam(cfg.Parameters, "fast_k", 14)
		slowK := intParam(cfg.Parameters, "slow_k", 3)
		slowD := intParam(cfg.Parameters, "slow_d", 3)
		kSeries, dSeries := talib.Stoch(highs, lows, closes, fastK, slowK, 0, slowD, 0)
		k, okK := lastValue(kSeries)
		d, okD := lastValue(dSeries)
		if !okK || !okD {
			return nil, fmt.Errorf("%w: stochastic(%d,%d,%d) over %d candles", ErrInsufficientData, fastK, slowK, slowD, len(closes))
		}
		values = map[string]interface{}{"k": k, "d": d}

	case "adx":
		period := intParam(cfg.Parameters, "period", 14)
		last, ok := lastValue(talib.Adx(highs, lows, closes, period))
		if !ok {
			return nil, fmt.Errorf("%w: adx(%d) over %d candles", ErrInsufficientData, period, len(closes))
		}
		values = map[string]interface{}{"adx": last}

	case "obv":
		last, ok := lastValue(talib.Obv(closes, volumes))
		if !ok {
			return nil, fmt.Errorf("%w: obv over %d candles", ErrInsufficientData, len(closes))
		}
		values = map[string]interface{}{"obv": last}

	case "vwap":
		period := intParam(cfg.Parameters, "period", 20)
		vwap, ok := rollingVWAP(candles, period)
		if !ok {
			return nil, fmt.Errorf("%w: vwap(%d) over %d candles", ErrInsufficientData, period, len(candles))
		}
		values = map[string]interface{}{"vwap": vwap}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownIndicator, cfg.IndicatorType)
	}

	if len(cfg.OutputFields) > 0 {
		filtered := make(map[string]interface{}, len(cfg.OutputFields))
		for _, field := range cfg.OutputFields {
			if v, ok := values[field]; ok {
				filtered[field] = v
			}
		}
		values = filtered
	}
	return values, nil
}

func defaultPeriods(cfg domain.IndicatorConfig) int {
	switch strings.ToLower(cfg.IndicatorType) {
	case "macd":
		return intParam(cfg.Parameters, "slow_period", 26) + intParam(cfg.Parameters, "signal_period", 9)
	case "obv":
		return 2
	default:
		return intParam(cfg.Parameters, "period", 20) + 1
	}
}

// lastValue returns the final element of a talib output series, skipping
// the NaN warmup region.
func lastValue(series []float64) (float64, bool) {
	if len(series) == 0 {
		return 0, false
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// bandPosition maps price into [0,1] between the lower and upper bands.
func bandPosition(price, upper, lower float64) float64 {
	width := upper - lower
	if width == 0 {
		return 0.5
	}
	pos := (price - lower) / width
	if pos < 0 {
		return 0
	}
	if pos > 1 {
		return 1
	}
	return pos
}

// rollingVWAP computes volume-weighted average price over the last period
// candles using the typical price (H+L+C)/3.
func rollingVWAP(candles []domain.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period {
		return 0, false
	}
	var sumPV, sumV float64
	for _, c := range candles[len(candles)-period:] {
		typical := (c.High + c.Low + c.Close) / 3
		sumPV += typical * c.Volume
		sumV += c.Volume
	}
	if sumV == 0 {
		return 0, false
	}
	return sumPV / sumV, true
}

func intParam(params map[string]interface{}, key string, def int) int {
	if params == nil {
		return def
	}
	switch v := params[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return def
}

func floatParam(params map[string]interface{}, key string, def float64) float64 {
	if params == nil {
		return def
	}
	switch v := params[key].(type) {
	case float64:
		if v > 0 {
			return v
		}
	case int:
		if v > 0 {
			return float64(v)
		}
	}
	return def
}
