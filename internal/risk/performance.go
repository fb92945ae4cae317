package risk

import (
	"context"
	"fmt"
	"time"

	"mastertrade/internal/domain"
	"mastertrade/internal/store"
)

const defaultPerfWindow = 90 * 24 * time.Hour

// TradePerformance derives per-strategy statistics from recorded trades.
// It reads the same rows the order gateway writes when positions close.
type TradePerformance struct {
	docs   store.DocumentStore
	window time.Duration
	now    func() time.Time
}

// NewTradePerformance creates a source over docs. window <= 0 falls back
// to 90 days.
func NewTradePerformance(docs store.DocumentStore, window time.Duration) *TradePerformance {
	if window <= 0 {
		window = defaultPerfWindow
	}
	return &TradePerformance{docs: docs, window: window, now: time.Now}
}

// StrategyStats summarises the strategy's closed trades inside the
// window. Breakeven trades count toward the total but not the win rate.
func (tp *TradePerformance) StrategyStats(ctx context.Context, strategyID string) (StrategyStats, error) {
	docs, err := tp.docs.Query(ctx, store.ContainerTrades, store.Query{
		PartitionValue: strategyID,
	})
	if err != nil {
		return StrategyStats{}, fmt.Errorf("load trades for %s: %w", strategyID, err)
	}

	cutoff := tp.now().UTC().Add(-tp.window)
	var total, wins, losses int
	var winSum, lossSum float64
	for _, doc := range docs {
		var tr domain.TradeRecord
		if err := store.Decode(doc, &tr); err != nil {
			continue
		}
		if tr.ExitTime.Before(cutoff) {
			continue
		}
		total++
		switch {
		case tr.PnL > 0:
			wins++
			winSum += tr.PnL
		case tr.PnL < 0:
			losses++
			lossSum += -tr.PnL
		}
	}

	out := StrategyStats{TotalTrades: total}
	if total == 0 {
		return out, nil
	}
	out.WinRate = float64(wins) / float64(total)
	if wins > 0 {
		out.AvgWin = winSum / float64(wins)
	}
	if losses > 0 {
		out.AvgLoss = lossSum / float64(losses)
	}
	return out, nil
}
