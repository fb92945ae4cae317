package risk

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mastertrade/internal/domain"
	"mastertrade/internal/store"
)

type stubLiquidity struct {
	scores map[string]float64
}

func (s *stubLiquidity) LiquidityScore(ctx context.Context, symbol string) (float64, error) {
	if v, ok := s.scores[symbol]; ok {
		return v, nil
	}
	return liquidityNeutralScore, nil
}

func newTestPortfolio(account AccountView, st store.Store) *PortfolioController {
	var settings store.Settings
	if st != nil {
		settings = st
	}
	dc := NewDrawdownControl(settings, nil, zerolog.Nop())
	pc := NewPortfolioController(DefaultConfig(), account, nil, dc, nil, st, nil, nil, zerolog.Nop())
	frozen := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	pc.now = func() time.Time { return frozen }
	dc.now = pc.now
	return pc
}

func TestComputeFlatPortfolio(t *testing.T) {
	pc := newTestPortfolio(&stubAccount{balance: 50000}, nil)

	m, err := pc.Compute(context.Background())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if m.PortfolioValue != 50000 || m.CashBalance != 50000 || m.TotalExposure != 0 {
		t.Fatalf("flat portfolio: pv=%v cash=%v exposure=%v", m.PortfolioValue, m.CashBalance, m.TotalExposure)
	}
	if m.VaR1D != 0 || m.HHI != 0 || m.LeverageRatio != 0 {
		t.Fatalf("flat portfolio has risk: var=%v hhi=%v lev=%v", m.VaR1D, m.HHI, m.LeverageRatio)
	}
	if m.AvgLiquidityScore != 10 || m.IlliquidPositionPct != 0 {
		t.Fatalf("flat liquidity: avg=%v illiquid=%v", m.AvgLiquidityScore, m.IlliquidPositionPct)
	}
	if m.RiskScore != 0 || m.RiskLevel != domain.RiskLevelLow {
		t.Fatalf("flat score: %v %s", m.RiskScore, m.RiskLevel)
	}
}

func TestComputePortfolioMetrics(t *testing.T) {
	account := &stubAccount{
		balance: 20000,
		positions: []domain.Position{
			{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Quantity: 1, EntryPrice: 48000, CurrentPrice: 50000, Volatility: 0.04},
			{Symbol: "ETHUSDT", Side: domain.OrderSideBuy, Quantity: 10, EntryPrice: 2900, CurrentPrice: 3000, Volatility: 0.06},
		},
	}
	pc := newTestPortfolio(account, nil)

	m, err := pc.Compute(context.Background())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	if m.PortfolioValue != 100000 || m.TotalExposure != 80000 {
		t.Fatalf("pv=%v exposure=%v", m.PortfolioValue, m.TotalExposure)
	}
	if math.Abs(m.LeverageRatio-0.8) > 1e-12 {
		t.Fatalf("leverage = %v, want 0.8", m.LeverageRatio)
	}

	wantVaR := var95Z * (50000*0.04 + 30000*0.06)
	if math.Abs(m.VaR1D-wantVaR) > 1e-6 {
		t.Fatalf("var_1d = %v, want %v", m.VaR1D, wantVaR)
	}
	if math.Abs(m.VaR5D-wantVaR*math.Sqrt(5)) > 1e-6 {
		t.Fatalf("var_5d = %v, want var_1d*sqrt(5)", m.VaR5D)
	}
	if math.Abs(m.ExpectedShortfall-esFactor*wantVaR) > 1e-6 {
		t.Fatalf("es = %v, want 1.3*var_1d", m.ExpectedShortfall)
	}

	if math.Abs(m.HHI-0.53125) > 1e-12 {
		t.Fatalf("hhi = %v, want 0.53125", m.HHI)
	}
	if math.Abs(m.LargestPositionPct-50) > 1e-9 {
		t.Fatalf("largest position = %v%%, want 50", m.LargestPositionPct)
	}
	if m.PositionsOver5Pct != 2 || m.PositionsOver10Pct != 2 {
		t.Fatalf("over5=%d over10=%d, want 2/2", m.PositionsOver5Pct, m.PositionsOver10Pct)
	}
	if got := m.SectorExposure[AssetClassCrypto]; math.Abs(got-100) > 1e-9 {
		t.Fatalf("crypto sector = %v%%, want 100", got)
	}
	if m.CorrelationRisk != 0 {
		t.Fatalf("correlation risk without snapshot = %v, want 0", m.CorrelationRisk)
	}
	if m.CurrentDrawdown != 0 {
		t.Fatalf("drawdown at fresh peak = %v, want 0", m.CurrentDrawdown)
	}

	wantScore := scoreWeightVaR*100 +
		scoreWeightLeverage*(0.8/3*100) +
		scoreWeightConcentration*53.125 +
		scoreWeightLiquidity*50
	if math.Abs(m.RiskScore-wantScore) > 1e-9 {
		t.Fatalf("risk score = %v, want %v", m.RiskScore, wantScore)
	}
	if m.RiskLevel != domain.RiskLevelMedium {
		t.Fatalf("risk level = %s, want medium", m.RiskLevel)
	}
}

func TestCheckLimitsEmitsAndCoolsDown(t *testing.T) {
	st := store.NewMemory()
	account := &stubAccount{
		balance: 20000,
		positions: []domain.Position{
			{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Quantity: 1, CurrentPrice: 50000, Volatility: 0.04},
			{Symbol: "ETHUSDT", Side: domain.OrderSideBuy, Quantity: 10, CurrentPrice: 3000, Volatility: 0.06},
		},
	}
	pc := newTestPortfolio(account, st)
	current := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	pc.now = func() time.Time { return current }

	m, err := pc.Compute(context.Background())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	alerts := pc.CheckLimits(context.Background(), m)
	if len(alerts) != 3 {
		t.Fatalf("alerts = %d (%v), want 3", len(alerts), alertTypes(alerts))
	}
	want := map[string]bool{alertSinglePosition: true, alertVaRBreach: true, alertConcentration: true}
	for _, a := range alerts {
		if !want[a.Type] {
			t.Fatalf("unexpected alert type %s", a.Type)
		}
		if a.ID == "" || a.CreatedAt.IsZero() {
			t.Fatalf("alert %s missing id or timestamp", a.Type)
		}
	}

	docs, err := st.Query(context.Background(), store.ContainerRiskAlerts, store.Query{})
	if err != nil {
		t.Fatalf("query alerts: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("persisted alerts = %d, want 3", len(docs))
	}

	// Same breaches inside the cooldown window stay silent.
	if again := pc.CheckLimits(context.Background(), m); len(again) != 0 {
		t.Fatalf("cooldown violated: %v", alertTypes(again))
	}

	current = current.Add(alertCooldown + time.Minute)
	if again := pc.CheckLimits(context.Background(), m); len(again) != 3 {
		t.Fatalf("after cooldown: %d alerts, want 3", len(again))
	}
}

func alertTypes(alerts []domain.RiskAlert) []string {
	out := make([]string, len(alerts))
	for i, a := range alerts {
		out[i] = a.Type
	}
	return out
}

func TestIlliquidExposureAlert(t *testing.T) {
	account := &stubAccount{
		positions: []domain.Position{
			{Symbol: "THINUSDT", Side: domain.OrderSideBuy, Quantity: 40000, CurrentPrice: 1},
			{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Quantity: 1.2, CurrentPrice: 50000},
		},
	}
	pc := newTestPortfolio(account, nil)
	pc.liquidity = &stubLiquidity{scores: map[string]float64{
		"THINUSDT": 1,
		"BTCUSDT":  9,
	}}

	m, err := pc.Compute(context.Background())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if math.Abs(m.IlliquidPositionPct-40) > 1e-9 {
		t.Fatalf("illiquid pct = %v, want 40", m.IlliquidPositionPct)
	}
	if math.Abs(m.AvgLiquidityScore-5.8) > 1e-9 {
		t.Fatalf("avg liquidity = %v, want 5.8", m.AvgLiquidityScore)
	}

	alerts := pc.CheckLimits(context.Background(), m)
	found := false
	for _, a := range alerts {
		if a.Type == alertIlliquidity {
			found = true
			if a.CurrentValue != m.IlliquidPositionPct || a.ThresholdValue != illiquidAlertPct {
				t.Fatalf("illiquidity alert values: %v/%v", a.CurrentValue, a.ThresholdValue)
			}
		}
	}
	if !found {
		t.Fatalf("no illiquidity alert in %v", alertTypes(alerts))
	}
}

func TestStepPersistsSnapshotAndLoadSeedsMaxDrawdown(t *testing.T) {
	st := store.NewMemory()
	account := &stubAccount{balance: 100000}
	pc := newTestPortfolio(account, st)
	current := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	pc.now = func() time.Time { return current }
	pc.drawdown.now = pc.now

	if _, err := pc.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}

	account.balance = 80000
	current = current.Add(time.Minute)
	m, err := pc.Step(context.Background())
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if math.Abs(m.CurrentDrawdown-0.2) > 1e-12 {
		t.Fatalf("drawdown = %v, want 0.2", m.CurrentDrawdown)
	}
	if math.Abs(m.MaxDrawdown-0.2) > 1e-12 {
		t.Fatalf("max drawdown = %v, want 0.2", m.MaxDrawdown)
	}

	docs, err := st.Query(context.Background(), store.ContainerPortfolioSnapshot, store.Query{})
	if err != nil {
		t.Fatalf("query snapshots: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(docs))
	}

	fresh := newTestPortfolio(&stubAccount{balance: 100000}, st)
	if err := fresh.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := fresh.drawdown.Load(context.Background()); err != nil {
		t.Fatalf("drawdown Load: %v", err)
	}

	m2, err := fresh.Compute(context.Background())
	if err != nil {
		t.Fatalf("Compute after restart: %v", err)
	}
	if m2.CurrentDrawdown != 0 {
		t.Fatalf("recovered drawdown = %v, want 0", m2.CurrentDrawdown)
	}
	if math.Abs(m2.MaxDrawdown-0.2) > 1e-12 {
		t.Fatalf("restored max drawdown = %v, want 0.2", m2.MaxDrawdown)
	}
}

func TestRiskLevelBuckets(t *testing.T) {
	cases := []struct {
		score float64
		level string
	}{
		{0, domain.RiskLevelLow},
		{24.9, domain.RiskLevelLow},
		{25, domain.RiskLevelMedium},
		{49.9, domain.RiskLevelMedium},
		{50, domain.RiskLevelHigh},
		{74.9, domain.RiskLevelHigh},
		{75, domain.RiskLevelCritical},
		{100, domain.RiskLevelCritical},
	}
	for _, tc := range cases {
		if got := riskLevelFor(tc.score); got != tc.level {
			t.Fatalf("riskLevelFor(%v) = %s, want %s", tc.score, got, tc.level)
		}
	}
}
