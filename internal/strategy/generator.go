package strategy

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"mastertrade/internal/domain"
)

// Generator produces strategy definitions. Implementations may sit in
// front of an external model service; TemplateGenerator is the built-in
// fallback that always succeeds.
type Generator interface {
	GenerateSystematic(ctx context.Context, count int, types []string) ([]domain.Strategy, error)
	GenerateImproved(ctx context.Context, base domain.Strategy, target string, count int) ([]domain.Strategy, error)
}

// TemplateGenerator draws strategies from the template catalog,
// rotating template types across a symbol universe.
type TemplateGenerator struct {
	symbols   []string
	timeframe string
	rng       *rand.Rand
	now       func() time.Time
}

// NewTemplateGenerator creates a generator over the given symbols. The
// seed fixes the parameter draws, which keeps generation reproducible.
func NewTemplateGenerator(symbols []string, timeframe string, seed int64) *TemplateGenerator {
	if len(symbols) == 0 {
		symbols = []string{"BTCUSDT"}
	}
	if timeframe == "" {
		timeframe = "1h"
	}
	return &TemplateGenerator{
		symbols:   symbols,
		timeframe: timeframe,
		rng:       rand.New(rand.NewSource(seed)),
		now:       time.Now,
	}
}

// GenerateSystematic produces count strategies cycling through types
// (the full catalog when empty) and then through symbols.
func (g *TemplateGenerator) GenerateSystematic(ctx context.Context, count int, types []string) ([]domain.Strategy, error) {
	if len(types) == 0 {
		types = TemplateTypes()
	}
	out := make([]domain.Strategy, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		typ := types[i%len(types)]
		symbol := g.symbols[(i/len(types))%len(g.symbols)]
		s, err := FromTemplate(typ, symbol, g.timeframe, g.rng, g.now())
		if err != nil {
			return out, err
		}
		out = append(out, *s)
	}
	return out, nil
}

// GenerateImproved derives count variants of base with parameters
// nudged toward the named target metric.
func (g *TemplateGenerator) GenerateImproved(ctx context.Context, base domain.Strategy, target string, count int) ([]domain.Strategy, error) {
	out := make([]domain.Strategy, 0, count)
	now := g.now()
	for v := 0; v < count; v++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		s := base
		s.ID = uuid.NewString()
		s.Name = fmt.Sprintf("%s-i%d", base.Name, v+1)
		s.Parameters = improveParams(base.Parameters, target, g.rng)
		s.Status = domain.StrategyStatusPaperTrading
		s.IsActive = false
		s.Allocation = 0
		s.CreatedAt = now
		s.UpdatedAt = now
		s.Metadata = map[string]interface{}{
			"generated_at":  now.Format(time.RFC3339),
			"improved_from": base.ID,
			"target":        target,
		}
		out = append(out, s)
	}
	return out, nil
}

// improveParams shifts the parts of a parameter set that drive the
// target metric, then jitters every numeric parameter slightly so the
// variants are not identical.
func improveParams(params map[string]interface{}, target string, rng *rand.Rand) map[string]interface{} {
	scale := map[string]float64{}
	switch target {
	case "win_rate":
		scale["take_profit"] = 0.8
		scale["entry_threshold"] = 1.2
		scale["entry_zscore"] = 1.15
	case "sharpe":
		scale["stop_loss"] = 0.85
		scale["entry_threshold"] = 1.1
	case "drawdown":
		scale["stop_loss"] = 0.75
		scale["take_profit"] = 0.9
	case "activity":
		scale["entry_threshold"] = 0.8
		scale["entry_zscore"] = 0.85
		scale["volume_ratio"] = 0.9
		scale["lookback"] = 0.8
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]interface{}, len(params))
	for _, k := range keys {
		v, ok := params[k].(float64)
		if !ok {
			out[k] = params[k]
			continue
		}
		if f, adjusted := scale[k]; adjusted {
			v *= f
		}
		v *= 0.95 + rng.Float64()*0.1
		if k == "lookback" {
			if v < 2 {
				v = 2
			}
			out[k] = float64(int(v))
			continue
		}
		out[k] = round4(v)
	}
	return out
}
