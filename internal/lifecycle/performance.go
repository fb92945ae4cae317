package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"mastertrade/internal/domain"
	"mastertrade/internal/stats"
	"mastertrade/internal/store"
)

// TradeStats aggregates a window of closed trades into the metrics that
// the daily reviewer and the activation scorer share.
type TradeStats struct {
	Trades        int
	Wins          int
	WinRate       float64
	ProfitFactor  float64
	TotalPnL      float64
	TotalReturn   float64
	Sharpe        float64
	Sortino       float64
	MaxDrawdown   float64
	Calmar        float64
	AvgDuration   time.Duration
	AvgSlippage   float64
	RegimeReturns map[string]float64
	FirstEntry    time.Time
	LastExit      time.Time
	DailyReturns  []float64
}

// ComputeTradeStats folds trades into a daily equity series on top of
// base capital and derives the ratio metrics from the daily returns.
// Days without an exit carry the previous equity forward.
func ComputeTradeStats(trades []domain.TradeRecord, base, annualRiskFree float64) TradeStats {
	ts := TradeStats{Trades: len(trades), RegimeReturns: map[string]float64{}}
	if len(trades) == 0 || base <= 0 {
		return ts
	}

	sorted := make([]domain.TradeRecord, len(trades))
	copy(sorted, trades)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ExitTime.Before(sorted[j].ExitTime) })

	var grossProfit, grossLoss, durationSec, slippage float64
	ts.FirstEntry = sorted[0].EntryTime
	for _, t := range sorted {
		if t.PnL > 0 {
			ts.Wins++
			grossProfit += t.PnL
		} else {
			grossLoss += -t.PnL
		}
		ts.TotalPnL += t.PnL
		durationSec += t.Duration().Seconds()
		slippage += t.Slippage
		if t.Regime != "" {
			ts.RegimeReturns[t.Regime] += t.PnLPct
		}
		if t.EntryTime.Before(ts.FirstEntry) {
			ts.FirstEntry = t.EntryTime
		}
	}
	ts.LastExit = sorted[len(sorted)-1].ExitTime
	ts.WinRate = float64(ts.Wins) / float64(ts.Trades)
	ts.ProfitFactor = tradeProfitFactor(grossProfit, grossLoss)
	ts.TotalReturn = ts.TotalPnL / base
	ts.AvgDuration = time.Duration(durationSec/float64(ts.Trades)) * time.Second
	ts.AvgSlippage = slippage / float64(ts.Trades)

	equities := dailyEquity(sorted, base)
	ts.DailyReturns = stats.Returns(equities)
	ts.Sharpe = stats.Sharpe(ts.DailyReturns, annualRiskFree)
	ts.Sortino = stats.Sortino(ts.DailyReturns, annualRiskFree)
	ts.MaxDrawdown = stats.MaxDrawdown(equities)
	if ts.MaxDrawdown < 0 && len(ts.DailyReturns) > 0 {
		ts.Calmar = stats.Mean(ts.DailyReturns) * stats.TradingDaysPerYear / -ts.MaxDrawdown
	}
	return ts
}

// dailyEquity walks every calendar day between the first and last exit,
// crediting realised pnl on the day it lands.
func dailyEquity(sorted []domain.TradeRecord, base float64) []float64 {
	first := sorted[0].ExitTime.UTC().Truncate(24 * time.Hour)
	last := sorted[len(sorted)-1].ExitTime.UTC().Truncate(24 * time.Hour)
	equities := []float64{base}
	equity := base
	idx := 0
	for day := first; !day.After(last); day = day.Add(24 * time.Hour) {
		cutoff := day.Add(24 * time.Hour)
		for idx < len(sorted) && sorted[idx].ExitTime.UTC().Before(cutoff) {
			equity += sorted[idx].PnL
			idx++
		}
		equities = append(equities, equity)
	}
	return equities
}

func tradeProfitFactor(grossProfit, grossLoss float64) float64 {
	if grossLoss == 0 {
		if grossProfit > 0 {
			return 100
		}
		return 0
	}
	return grossProfit / grossLoss
}

// persistNewStrategy stores a freshly generated strategy in paper
// trading state, stamping the identity fields the generator may have
// left out.
func persistNewStrategy(ctx context.Context, docs store.DocumentStore, s *domain.Strategy, now time.Time) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.Status = domain.StrategyStatusPaperTrading
	s.IsActive = false
	if s.Metadata == nil {
		s.Metadata = map[string]interface{}{}
	}
	if _, ok := s.Metadata["generated_at"]; !ok {
		s.Metadata["generated_at"] = now.UTC().Format(time.RFC3339)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now.UTC()
	}
	s.UpdatedAt = now.UTC()

	doc, err := store.Encode(s)
	if err != nil {
		return fmt.Errorf("encode strategy %s: %w", s.ID, err)
	}
	if err := docs.Upsert(ctx, store.ContainerStrategies, doc); err != nil {
		return fmt.Errorf("persist strategy %s: %w", s.ID, err)
	}
	return nil
}

// loadTrades returns the closed trades for a strategy since the cutoff,
// oldest first. The store filters on equality only, so the time window
// is applied here.
func loadTrades(ctx context.Context, docs store.DocumentStore, strategyID string, since time.Time) ([]domain.TradeRecord, error) {
	found, err := docs.Query(ctx, store.ContainerTrades, store.Query{PartitionValue: strategyID})
	if err != nil {
		return nil, fmt.Errorf("query trades for %s: %w", strategyID, err)
	}
	trades := make([]domain.TradeRecord, 0, len(found))
	for _, doc := range found {
		var t domain.TradeRecord
		if err := store.Decode(doc, &t); err != nil {
			return nil, fmt.Errorf("decode trade %s: %w", doc.ID(), err)
		}
		if t.ExitTime.Before(since) {
			continue
		}
		trades = append(trades, t)
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].ExitTime.Before(trades[j].ExitTime) })
	return trades, nil
}

// latestBacktest fetches the most recent backtest summary for a
// strategy, nil when none has been stored yet.
func latestBacktest(ctx context.Context, docs store.DocumentStore, strategyID string) (*domain.BacktestSummary, error) {
	found, err := docs.Query(ctx, store.ContainerBacktestResults, store.Query{
		PartitionValue: strategyID,
		OrderBy:        "created_at",
		Descending:     true,
		Limit:          1,
	})
	if err != nil {
		return nil, fmt.Errorf("query backtests for %s: %w", strategyID, err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	var summary domain.BacktestSummary
	if err := store.Decode(found[0], &summary); err != nil {
		return nil, fmt.Errorf("decode backtest %s: %w", found[0].ID(), err)
	}
	return &summary, nil
}
