package strategy

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"mastertrade/internal/domain"
)

// Strategy type constants. Each names one parameterised template.
const (
	TypeMomentum       = "momentum"
	TypeMeanReversion  = "mean_reversion"
	TypeBreakout       = "breakout"
	TypeBTCCorrelation = "btc_correlation"
)

// TemplateTypes lists the built-in template types in catalog order.
func TemplateTypes() []string {
	return []string{TypeMomentum, TypeMeanReversion, TypeBreakout, TypeBTCCorrelation}
}

// templateParams draws one parameter set per type. Ranges are wide
// enough that repeated draws explore distinct behaviour without leaving
// the regime the template is built for.
func templateParams(typ string, rng *rand.Rand) (map[string]interface{}, error) {
	switch typ {
	case TypeMomentum:
		return map[string]interface{}{
			"lookback":        float64(12 + rng.Intn(37)),
			"entry_threshold": round4(0.01 + rng.Float64()*0.03),
			"stop_loss":       round4(0.02 + rng.Float64()*0.03),
			"take_profit":     round4(0.04 + rng.Float64()*0.05),
		}, nil
	case TypeMeanReversion:
		return map[string]interface{}{
			"lookback":     float64(24 + rng.Intn(49)),
			"entry_zscore": round4(1.5 + rng.Float64()),
			"stop_loss":    round4(0.02 + rng.Float64()*0.03),
			"take_profit":  round4(0.03 + rng.Float64()*0.05),
		}, nil
	case TypeBreakout:
		return map[string]interface{}{
			"lookback":     float64(12 + rng.Intn(25)),
			"volume_ratio": round4(1.2 + rng.Float64()*0.8),
			"stop_loss":    round4(0.02 + rng.Float64()*0.02),
			"take_profit":  round4(0.05 + rng.Float64()*0.05),
		}, nil
	case TypeBTCCorrelation:
		return map[string]interface{}{
			"lookback":        float64(24 + rng.Intn(49)),
			"min_correlation": round4(0.5 + rng.Float64()*0.3),
			"reference_move":  round4(0.01 + rng.Float64()*0.02),
			"stop_loss":       round4(0.02 + rng.Float64()*0.03),
			"take_profit":     round4(0.04 + rng.Float64()*0.05),
		}, nil
	default:
		return nil, fmt.Errorf("unknown strategy template %q", typ)
	}
}

// FromTemplate instantiates one strategy from a template. Every draw
// gets its own UUID and parameter set; strategies start paper trading.
func FromTemplate(typ, symbol, timeframe string, rng *rand.Rand, now time.Time) (*domain.Strategy, error) {
	params, err := templateParams(typ, rng)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	return &domain.Strategy{
		ID:         id,
		Name:       fmt.Sprintf("%s-%s-%s", typ, symbol, id[:8]),
		Type:       typ,
		Symbol:     symbol,
		Timeframe:  timeframe,
		Parameters: params,
		Status:     domain.StrategyStatusPaperTrading,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
		Metadata: map[string]interface{}{
			"generated_at": now.Format(time.RFC3339),
			"template":     typ,
		},
	}, nil
}

func round4(v float64) float64 {
	return float64(int(v*10000+0.5)) / 10000
}
