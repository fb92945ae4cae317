package lifecycle

import (
	"context"
	"math"
	"testing"
	"time"

	"mastertrade/internal/domain"
	"mastertrade/internal/store"
)

var perfRef = time.Date(2025, 7, 15, 6, 0, 0, 0, time.UTC)

func closedTrade(id, strategyID string, exit time.Time, pnl float64) domain.TradeRecord {
	return domain.TradeRecord{
		ID:         id,
		StrategyID: strategyID,
		Symbol:     "BTCUSDT",
		Side:       domain.OrderSideBuy,
		Quantity:   1,
		EntryPrice: 25000,
		ExitPrice:  25000 + pnl,
		EntryTime:  exit.Add(-2 * time.Hour),
		ExitTime:   exit,
		PnL:        pnl,
		PnLPct:     pnl / 25000,
	}
}

func putTrades(t *testing.T, st store.Store, trades []domain.TradeRecord) {
	t.Helper()
	for _, tr := range trades {
		doc, err := store.Encode(&tr)
		if err != nil {
			t.Fatalf("encode trade %s: %v", tr.ID, err)
		}
		if err := st.Upsert(context.Background(), store.ContainerTrades, doc); err != nil {
			t.Fatalf("put trade %s: %v", tr.ID, err)
		}
	}
}

func putBacktest(t *testing.T, st store.Store, summary domain.BacktestSummary) {
	t.Helper()
	doc, err := store.Encode(&summary)
	if err != nil {
		t.Fatalf("encode backtest %s: %v", summary.ID, err)
	}
	if err := st.Upsert(context.Background(), store.ContainerBacktestResults, doc); err != nil {
		t.Fatalf("put backtest %s: %v", summary.ID, err)
	}
}

func putStrategy(t *testing.T, st store.Store, s domain.Strategy) {
	t.Helper()
	doc, err := store.Encode(&s)
	if err != nil {
		t.Fatalf("encode strategy %s: %v", s.ID, err)
	}
	if err := st.Upsert(context.Background(), store.ContainerStrategies, doc); err != nil {
		t.Fatalf("put strategy %s: %v", s.ID, err)
	}
}

func TestComputeTradeStatsAggregates(t *testing.T) {
	day := func(d int) time.Time {
		return time.Date(2025, 7, d, 12, 0, 0, 0, time.UTC)
	}
	trades := []domain.TradeRecord{
		{
			ID: "t1", StrategyID: "s1", PnL: 100, PnLPct: 0.01,
			EntryTime: day(1).Add(-2 * time.Hour), ExitTime: day(1),
			Slippage: 0.001, Regime: domain.RegimeTrending,
		},
		{
			ID: "t2", StrategyID: "s1", PnL: -50, PnLPct: -0.005,
			EntryTime: day(2).Add(-1 * time.Hour), ExitTime: day(2),
			Slippage: 0.003, Regime: domain.RegimeVolatile,
		},
		{
			ID: "t3", StrategyID: "s1", PnL: 200, PnLPct: 0.02,
			EntryTime: day(4).Add(-3 * time.Hour), ExitTime: day(4),
			Slippage: 0.002, Regime: domain.RegimeTrending,
		},
	}

	ts := ComputeTradeStats(trades, 10000, 0)

	if ts.Trades != 3 || ts.Wins != 2 {
		t.Fatalf("trades=%d wins=%d, want 3/2", ts.Trades, ts.Wins)
	}
	if math.Abs(ts.WinRate-2.0/3) > 1e-12 {
		t.Fatalf("win rate = %v, want 2/3", ts.WinRate)
	}
	if math.Abs(ts.ProfitFactor-6) > 1e-12 {
		t.Fatalf("profit factor = %v, want 6", ts.ProfitFactor)
	}
	if math.Abs(ts.TotalPnL-250) > 1e-9 || math.Abs(ts.TotalReturn-0.025) > 1e-12 {
		t.Fatalf("pnl=%v return=%v, want 250/0.025", ts.TotalPnL, ts.TotalReturn)
	}
	if ts.AvgDuration != 2*time.Hour {
		t.Fatalf("avg duration = %v, want 2h", ts.AvgDuration)
	}
	if math.Abs(ts.AvgSlippage-0.002) > 1e-12 {
		t.Fatalf("avg slippage = %v, want 0.002", ts.AvgSlippage)
	}
	if got := ts.RegimeReturns[domain.RegimeTrending]; math.Abs(got-0.03) > 1e-12 {
		t.Fatalf("trending return = %v, want 0.03", got)
	}
	if got := ts.RegimeReturns[domain.RegimeVolatile]; math.Abs(got-(-0.005)) > 1e-12 {
		t.Fatalf("volatile return = %v, want -0.005", got)
	}
	if !ts.FirstEntry.Equal(day(1).Add(-2*time.Hour)) || !ts.LastExit.Equal(day(4)) {
		t.Fatalf("window %v..%v", ts.FirstEntry, ts.LastExit)
	}

	// Four calendar days of equity, the gap day flat.
	if len(ts.DailyReturns) != 4 {
		t.Fatalf("daily returns = %d, want 4", len(ts.DailyReturns))
	}
	if ts.DailyReturns[2] != 0 {
		t.Fatalf("gap day return = %v, want 0", ts.DailyReturns[2])
	}
	if math.Abs(ts.MaxDrawdown-(-50.0/10100)) > 1e-12 {
		t.Fatalf("max drawdown = %v, want %v", ts.MaxDrawdown, -50.0/10100)
	}
	if ts.Sharpe <= 0 || ts.Calmar <= 0 {
		t.Fatalf("sharpe=%v calmar=%v, want both positive", ts.Sharpe, ts.Calmar)
	}
}

func TestComputeTradeStatsEmpty(t *testing.T) {
	ts := ComputeTradeStats(nil, 10000, 0.02)
	if ts.Trades != 0 || ts.WinRate != 0 || ts.Sharpe != 0 || ts.MaxDrawdown != 0 {
		t.Fatalf("empty stats not zero: %+v", ts)
	}
	if len(ts.RegimeReturns) != 0 {
		t.Fatalf("empty stats carry regimes: %v", ts.RegimeReturns)
	}
}

func TestComputeTradeStatsSingleDay(t *testing.T) {
	exit := perfRef.AddDate(0, 0, -1)
	ts := ComputeTradeStats([]domain.TradeRecord{closedTrade("t1", "s1", exit, 100)}, 10000, 0.02)

	if ts.Trades != 1 || ts.WinRate != 1 {
		t.Fatalf("trades=%d winrate=%v", ts.Trades, ts.WinRate)
	}
	// One equity step gives a single return; the ratio metrics need two.
	if ts.Sharpe != 0 || ts.Sortino != 0 {
		t.Fatalf("single day sharpe=%v sortino=%v, want 0", ts.Sharpe, ts.Sortino)
	}
	if ts.MaxDrawdown != 0 || ts.Calmar != 0 {
		t.Fatalf("single day dd=%v calmar=%v, want 0", ts.MaxDrawdown, ts.Calmar)
	}
}

func TestDailyEquityCarriesGapsForward(t *testing.T) {
	day := func(d int) time.Time {
		return time.Date(2025, 7, d, 12, 0, 0, 0, time.UTC)
	}
	sorted := []domain.TradeRecord{
		closedTrade("t1", "s1", day(1), 100),
		closedTrade("t2", "s1", day(2), -50),
		closedTrade("t3", "s1", day(4), 200),
	}

	got := dailyEquity(sorted, 10000)
	want := []float64{10000, 10100, 10050, 10050, 10250}
	if len(got) != len(want) {
		t.Fatalf("equity points = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("equity[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLoadTradesFiltersWindowAndSorts(t *testing.T) {
	st := store.NewMemory()
	cutoff := perfRef.AddDate(0, 0, -30)
	putTrades(t, st, []domain.TradeRecord{
		closedTrade("new-2", "s1", perfRef.AddDate(0, 0, -2), 50),
		closedTrade("old", "s1", cutoff.AddDate(0, 0, -5), 75),
		closedTrade("new-1", "s1", perfRef.AddDate(0, 0, -10), 25),
		closedTrade("other", "s2", perfRef.AddDate(0, 0, -1), 10),
	})

	got, err := loadTrades(context.Background(), st, "s1", cutoff)
	if err != nil {
		t.Fatalf("loadTrades: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("trades = %d, want 2", len(got))
	}
	if got[0].ID != "new-1" || got[1].ID != "new-2" {
		t.Fatalf("order = %s,%s, want new-1,new-2", got[0].ID, got[1].ID)
	}
}

func TestLatestBacktestPicksNewest(t *testing.T) {
	st := store.NewMemory()
	putBacktest(t, st, domain.BacktestSummary{
		ID: "bt-old", StrategyID: "s1", Sharpe: 0.8,
		CreatedAt: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	putBacktest(t, st, domain.BacktestSummary{
		ID: "bt-new", StrategyID: "s1", Sharpe: 1.6,
		CreatedAt: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
	})

	got, err := latestBacktest(context.Background(), st, "s1")
	if err != nil {
		t.Fatalf("latestBacktest: %v", err)
	}
	if got == nil || got.ID != "bt-new" {
		t.Fatalf("latest = %+v, want bt-new", got)
	}

	none, err := latestBacktest(context.Background(), st, "missing")
	if err != nil {
		t.Fatalf("latestBacktest missing: %v", err)
	}
	if none != nil {
		t.Fatalf("missing strategy returned %+v", none)
	}
}

func TestPersistNewStrategyStampsDefaults(t *testing.T) {
	st := store.NewMemory()
	s := domain.Strategy{
		Name:      "momentum-test",
		Type:      "momentum",
		Symbol:    "BTCUSDT",
		Timeframe: "1h",
		Status:    domain.StrategyStatusActive,
		IsActive:  true,
		Enabled:   true,
	}

	if err := persistNewStrategy(context.Background(), st, &s, perfRef); err != nil {
		t.Fatalf("persistNewStrategy: %v", err)
	}
	if s.ID == "" {
		t.Fatal("no id assigned")
	}
	if s.Status != domain.StrategyStatusPaperTrading || s.IsActive {
		t.Fatalf("status=%s active=%v, want paper_trading/false", s.Status, s.IsActive)
	}

	doc, err := st.Get(context.Background(), store.ContainerStrategies, s.ID, s.ID)
	if err != nil {
		t.Fatalf("stored strategy: %v", err)
	}
	var stored domain.Strategy
	if err := store.Decode(doc, &stored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stored.Metadata["generated_at"] != perfRef.Format(time.RFC3339) {
		t.Fatalf("generated_at = %v", stored.Metadata["generated_at"])
	}
	if !stored.CreatedAt.Equal(perfRef) || !stored.UpdatedAt.Equal(perfRef) {
		t.Fatalf("timestamps %v/%v, want %v", stored.CreatedAt, stored.UpdatedAt, perfRef)
	}
}
