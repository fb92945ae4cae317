package backtest

import (
	"time"

	"github.com/google/uuid"

	"mastertrade/internal/domain"
)

// Criteria are the thresholds a backtest must clear before its strategy
// is considered for live rotation. MaxDrawdown is the most negative
// acceptable drawdown fraction.
type Criteria struct {
	MinWinRate      float64
	MinSharpe       float64
	MaxDrawdown     float64
	MinProfitFactor float64
	MinTrades       int
}

// DefaultCriteria returns the promotion bar.
func DefaultCriteria() Criteria {
	return Criteria{
		MinWinRate:      0.45,
		MinSharpe:       1.0,
		MaxDrawdown:     -0.25,
		MinProfitFactor: 1.2,
		MinTrades:       50,
	}
}

// Passes reports whether the summary clears every threshold.
func (c Criteria) Passes(s *domain.BacktestSummary) bool {
	return s.WinRate >= c.MinWinRate &&
		s.Sharpe >= c.MinSharpe &&
		s.MaxDrawdown >= c.MaxDrawdown &&
		s.ProfitFactor >= c.MinProfitFactor &&
		s.TotalTrades >= c.MinTrades
}

// SimulatedSummary stands in when a strategy cannot be backtested for
// real, typically for want of history. It never passes criteria and is
// flagged so downstream scoring discounts it.
func SimulatedSummary(strategyID, note string, now time.Time) domain.BacktestSummary {
	return domain.BacktestSummary{
		ID:         uuid.NewString(),
		StrategyID: strategyID,
		Simulated:  true,
		Note:       note,
		CreatedAt:  now,
	}
}
