package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mastertrade/internal/domain"
	"mastertrade/internal/messaging"
	"mastertrade/internal/metrics"
	"mastertrade/internal/stats"
	"mastertrade/internal/store"
)

// Parametric VaR constants: 95% one-tailed z and the expected-shortfall
// approximation factor.
const (
	var95Z   = 1.645
	esFactor = 1.3
)

// Risk score blend weights, summing to 1.
const (
	scoreWeightVaR           = 0.25
	scoreWeightLeverage      = 0.20
	scoreWeightConcentration = 0.20
	scoreWeightDrawdown      = 0.15
	scoreWeightCorrelation   = 0.10
	scoreWeightLiquidity     = 0.10
)

const (
	// Liquidity scores run 0 (untradable) to 10 (deepest books).
	liquidityNeutralScore = 5.0
	illiquidScoreCutoff   = 3.0
	illiquidAlertPct      = 30.0
	hhiAlertThreshold     = 0.5

	// alertCooldown suppresses re-emitting the same alert type while the
	// breach persists across metric ticks.
	alertCooldown = 10 * time.Minute
)

// Alert types emitted by the portfolio checks.
const (
	alertSinglePosition  = "single_position"
	alertCorrelationRisk = "correlation_risk"
	alertVaRBreach       = "var_breach"
	alertDrawdown        = "drawdown"
	alertConcentration   = "concentration_hhi"
	alertIlliquidity     = "illiquid_exposure"
	alertCorrelationData = "correlation_data"
)

// LiquiditySource scores how easily a symbol trades, 0..10. nil sources
// default every symbol to a neutral score.
type LiquiditySource interface {
	LiquidityScore(ctx context.Context, symbol string) (float64, error)
}

// PortfolioController computes portfolio risk metrics, persists snapshots,
// publishes updates and raises alerts on limit breaches.
type PortfolioController struct {
	cfg       Config
	account   AccountView
	corr      *CorrelationTracker
	drawdown  *DrawdownControl
	liquidity LiquiditySource
	st        store.Store
	fabric    *messaging.Fabric
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	last      *domain.RiskMetrics
	maxDD     float64
	lastAlert map[string]time.Time
}

// NewPortfolioController builds the controller. corr, liquidity, st,
// fabric and metrics may be nil; the corresponding outputs are skipped.
func NewPortfolioController(cfg Config, account AccountView, corr *CorrelationTracker, drawdown *DrawdownControl, liquidity LiquiditySource, st store.Store, fabric *messaging.Fabric, m *metrics.Metrics, logger zerolog.Logger) *PortfolioController {
	return &PortfolioController{
		cfg:       cfg,
		account:   account,
		corr:      corr,
		drawdown:  drawdown,
		liquidity: liquidity,
		st:        st,
		fabric:    fabric,
		metrics:   m,
		logger:    logger.With().Str("component", "portfolio_risk").Logger(),
		now:       time.Now,
		lastAlert: make(map[string]time.Time),
	}
}

// Load seeds the running max drawdown from the most recent persisted
// snapshot.
func (pc *PortfolioController) Load(ctx context.Context) error {
	if pc.st == nil {
		return nil
	}
	docs, err := pc.st.Query(ctx, store.ContainerPortfolioSnapshot, store.Query{
		OrderBy:    "timestamp",
		Descending: true,
		Limit:      1,
	})
	if err != nil {
		return fmt.Errorf("portfolio: load last snapshot: %w", err)
	}
	if len(docs) == 0 {
		return nil
	}
	var m domain.RiskMetrics
	if err := store.Decode(docs[0], &m); err != nil {
		return fmt.Errorf("portfolio: decode last snapshot: %w", err)
	}
	pc.mu.Lock()
	pc.last = &m
	pc.maxDD = m.MaxDrawdown
	pc.mu.Unlock()
	return nil
}

// Compute builds a fresh RiskMetrics snapshot from the current account
// state. It also feeds the drawdown control, so circuit levels move even
// when no approval request is in flight.
func (pc *PortfolioController) Compute(ctx context.Context) (*domain.RiskMetrics, error) {
	cash, err := pc.account.AvailableBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("portfolio: balance: %w", err)
	}
	positions, err := pc.account.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("portfolio: positions: %w", err)
	}

	exposure := 0.0
	for i := range positions {
		exposure += positions[i].MarketValue()
	}
	pv := cash + exposure

	m := &domain.RiskMetrics{
		Timestamp:      pc.now().UTC(),
		PortfolioValue: pv,
		TotalExposure:  exposure,
		CashBalance:    cash,
	}
	if pv > 0 {
		m.LeverageRatio = exposure / pv
	}

	var dollarVol float64
	for i := range positions {
		dollarVol += positions[i].MarketValue() * positionVolatility(&positions[i])
	}
	m.VaR1D = var95Z * dollarVol
	m.VaR5D = m.VaR1D * math.Sqrt(5)
	m.ExpectedShortfall = esFactor * m.VaR1D

	if exposure > 0 {
		largest := 0.0
		sector := make(map[string]float64, 3)
		for i := range positions {
			w := positions[i].MarketValue() / exposure
			m.HHI += w * w
			sector[AssetClass(positions[i].Symbol)] += positions[i].MarketValue()
			if positions[i].MarketValue() > largest {
				largest = positions[i].MarketValue()
			}
		}
		for class, v := range sector {
			sector[class] = v / exposure * 100
		}
		m.SectorExposure = sector
		if pv > 0 {
			m.LargestPositionPct = largest / pv * 100
			for i := range positions {
				pct := positions[i].MarketValue() / pv * 100
				if pct > 5 {
					m.PositionsOver5Pct++
				}
				if pct > 10 {
					m.PositionsOver10Pct++
				}
			}
		}
		snap := pc.corr.Current()
		for i := range positions {
			for j := i + 1; j < len(positions); j++ {
				wi := positions[i].MarketValue() / exposure
				wj := positions[j].MarketValue() / exposure
				m.CorrelationRisk += math.Abs(snap.Pair(positions[i].Symbol, positions[j].Symbol)) * wi * wj
			}
		}
	}

	m.AvgLiquidityScore, m.IlliquidPositionPct = pc.liquidityProfile(ctx, positions, exposure)

	if pc.drawdown != nil {
		_, ddPct := pc.drawdown.Update(ctx, pv)
		m.CurrentDrawdown = ddPct / 100
	}
	pc.mu.Lock()
	if m.CurrentDrawdown > pc.maxDD {
		pc.maxDD = m.CurrentDrawdown
	}
	m.MaxDrawdown = pc.maxDD
	pc.mu.Unlock()

	m.RiskScore = pc.scoreMetrics(m)
	m.RiskLevel = riskLevelFor(m.RiskScore)

	pc.mu.Lock()
	pc.last = m
	pc.mu.Unlock()

	if pc.metrics != nil {
		pc.metrics.PortfolioRiskScore.Set(m.RiskScore)
	}
	return m, nil
}

// Last returns the most recent snapshot, nil before the first Compute.
func (pc *PortfolioController) Last() *domain.RiskMetrics {
	if pc == nil {
		return nil
	}
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	if pc.last == nil {
		return nil
	}
	m := *pc.last
	return &m
}

// scoreMetrics blends the six normalized sub-scores into 0..100.
func (pc *PortfolioController) scoreMetrics(m *domain.RiskMetrics) float64 {
	varPct := 0.0
	if m.PortfolioValue > 0 {
		varPct = m.VaR1D / m.PortfolioValue * 100
	}
	varScore := normScore(varPct, pc.cfg.MaxVaRPercent)
	levScore := normScore(m.LeverageRatio, pc.cfg.MaxLeverage)
	concScore := stats.Clamp(m.HHI*100, 0, 100)
	ddScore := normScore(m.CurrentDrawdown*100, pc.cfg.MaxDrawdownPercent)
	corrScore := normScore(m.CorrelationRisk, pc.cfg.MaxCorrelationExposure)
	liqScore := stats.Clamp((10-m.AvgLiquidityScore)/10*100, 0, 100)

	return scoreWeightVaR*varScore +
		scoreWeightLeverage*levScore +
		scoreWeightConcentration*concScore +
		scoreWeightDrawdown*ddScore +
		scoreWeightCorrelation*corrScore +
		scoreWeightLiquidity*liqScore
}

// normScore maps value/limit onto 0..100.
func normScore(value, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return stats.Clamp(value/limit*100, 0, 100)
}

func riskLevelFor(score float64) string {
	switch {
	case score < 25:
		return domain.RiskLevelLow
	case score < 50:
		return domain.RiskLevelMedium
	case score < 75:
		return domain.RiskLevelHigh
	default:
		return domain.RiskLevelCritical
	}
}

func positionVolatility(p *domain.Position) float64 {
	if p.Volatility > 0 {
		return p.Volatility
	}
	return referenceVol
}

func (pc *PortfolioController) liquidityProfile(ctx context.Context, positions []domain.Position, exposure float64) (avg, illiquidPct float64) {
	if len(positions) == 0 || exposure <= 0 {
		return 10, 0
	}
	var weighted, illiquid float64
	for i := range positions {
		score := liquidityNeutralScore
		if pc.liquidity != nil {
			if s, err := pc.liquidity.LiquidityScore(ctx, positions[i].Symbol); err == nil {
				score = s
			}
		}
		mv := positions[i].MarketValue()
		weighted += score * mv
		if score < illiquidScoreCutoff {
			illiquid += mv
		}
	}
	return weighted / exposure, illiquid / exposure * 100
}

// CheckLimits evaluates the breach rules against a snapshot and emits one
// alert per breached rule, subject to the per-type cooldown. The emitted
// alerts are returned.
func (pc *PortfolioController) CheckLimits(ctx context.Context, m *domain.RiskMetrics) []domain.RiskAlert {
	varPct := 0.0
	if m.PortfolioValue > 0 {
		varPct = m.VaR1D / m.PortfolioValue * 100
	}

	var out []domain.RiskAlert
	checks := []struct {
		breached  bool
		alertType string
		title     string
		message   string
		current   float64
		threshold float64
		advice    string
	}{
		{
			breached:  m.LargestPositionPct > pc.cfg.MaxSinglePositionPct,
			alertType: alertSinglePosition,
			title:     "Single position limit exceeded",
			message:   fmt.Sprintf("Largest position is %.1f%% of portfolio (limit %.1f%%)", m.LargestPositionPct, pc.cfg.MaxSinglePositionPct),
			current:   m.LargestPositionPct,
			threshold: pc.cfg.MaxSinglePositionPct,
			advice:    "Reduce the largest position",
		},
		{
			breached:  m.CorrelationRisk > pc.cfg.MaxCorrelationExposure,
			alertType: alertCorrelationRisk,
			title:     "Correlation risk limit exceeded",
			message:   fmt.Sprintf("Correlation-weighted exposure %.3f exceeds %.3f", m.CorrelationRisk, pc.cfg.MaxCorrelationExposure),
			current:   m.CorrelationRisk,
			threshold: pc.cfg.MaxCorrelationExposure,
			advice:    "Diversify across uncorrelated assets",
		},
		{
			breached:  varPct > pc.cfg.MaxVaRPercent,
			alertType: alertVaRBreach,
			title:     "Value-at-risk limit exceeded",
			message:   fmt.Sprintf("1-day VaR is %.2f%% of portfolio (limit %.2f%%)", varPct, pc.cfg.MaxVaRPercent),
			current:   varPct,
			threshold: pc.cfg.MaxVaRPercent,
			advice:    "Cut exposure or rotate into lower-volatility assets",
		},
		{
			breached:  m.CurrentDrawdown*100 > pc.cfg.MaxDrawdownPercent,
			alertType: alertDrawdown,
			title:     "Drawdown limit exceeded",
			message:   fmt.Sprintf("Drawdown %.1f%% exceeds %.1f%%", m.CurrentDrawdown*100, pc.cfg.MaxDrawdownPercent),
			current:   m.CurrentDrawdown * 100,
			threshold: pc.cfg.MaxDrawdownPercent,
			advice:    "Circuit breaker manages exposure; review open risk",
		},
		{
			breached:  m.HHI > hhiAlertThreshold,
			alertType: alertConcentration,
			title:     "Portfolio concentration too high",
			message:   fmt.Sprintf("HHI %.2f exceeds %.2f", m.HHI, hhiAlertThreshold),
			current:   m.HHI,
			threshold: hhiAlertThreshold,
			advice:    "Spread exposure across more symbols",
		},
		{
			breached:  m.IlliquidPositionPct > illiquidAlertPct,
			alertType: alertIlliquidity,
			title:     "Illiquid exposure too high",
			message:   fmt.Sprintf("%.1f%% of exposure is in illiquid symbols (limit %.1f%%)", m.IlliquidPositionPct, illiquidAlertPct),
			current:   m.IlliquidPositionPct,
			threshold: illiquidAlertPct,
			advice:    "Unwind thin-book positions while depth allows",
		},
	}

	for _, c := range checks {
		if !c.breached {
			continue
		}
		alert := domain.RiskAlert{
			Type:           c.alertType,
			Severity:       alertSeverity(c.current, c.threshold),
			Title:          c.title,
			Message:        c.message,
			CurrentValue:   c.current,
			ThresholdValue: c.threshold,
			Recommendation: c.advice,
		}
		if pc.EmitAlert(ctx, alert) {
			out = append(out, alert)
		}
	}
	return out
}

// EmitAlert persists and broadcasts one alert unless the same type fired
// within the cooldown window. Reports whether the alert went out.
func (pc *PortfolioController) EmitAlert(ctx context.Context, alert domain.RiskAlert) bool {
	now := pc.now().UTC()
	pc.mu.Lock()
	if last, ok := pc.lastAlert[alert.Type]; ok && now.Sub(last) < alertCooldown {
		pc.mu.Unlock()
		return false
	}
	pc.lastAlert[alert.Type] = now
	pc.mu.Unlock()

	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = now
	}

	if pc.st != nil {
		doc, err := store.Encode(alert)
		if err == nil {
			doc["alert_type"] = alert.Type
			if err := pc.st.Upsert(ctx, store.ContainerRiskAlerts, doc); err != nil {
				pc.logger.Warn().Err(err).Str("type", alert.Type).Msg("alert persist failed")
			}
		}
	}
	if pc.fabric != nil {
		err := pc.fabric.PublishWith(ctx, messaging.ExchangeRiskAlerts, messaging.KeyRiskAlert, alert, messaging.PublishOptions{Persistent: true})
		if err != nil {
			pc.logger.Warn().Err(err).Str("type", alert.Type).Msg("alert publish failed")
		}
	}

	pc.logger.Warn().
		Str("type", alert.Type).
		Str("severity", alert.Severity).
		Float64("current", alert.CurrentValue).
		Float64("threshold", alert.ThresholdValue).
		Msg(alert.Title)
	return true
}

func alertSeverity(current, threshold float64) string {
	if threshold > 0 && current/threshold >= 1.5 {
		return "critical"
	}
	return "warning"
}

// persistSnapshot appends the metrics snapshot to the portfolio container.
func (pc *PortfolioController) persistSnapshot(ctx context.Context, m *domain.RiskMetrics) error {
	if pc.st == nil {
		return nil
	}
	doc, err := store.Encode(m)
	if err != nil {
		return err
	}
	doc["id"] = uuid.NewString()
	return pc.st.Upsert(ctx, store.ContainerPortfolioSnapshot, doc)
}

// publishUpdate broadcasts the risk summary on the portfolio topic.
func (pc *PortfolioController) publishUpdate(ctx context.Context, m *domain.RiskMetrics) error {
	if pc.fabric == nil {
		return nil
	}
	update := map[string]interface{}{
		"update_id":        uuid.NewString(),
		"portfolio_value":  m.PortfolioValue,
		"total_exposure":   m.TotalExposure,
		"leverage_ratio":   m.LeverageRatio,
		"var_1d":           m.VaR1D,
		"current_drawdown": m.CurrentDrawdown,
		"risk_score":       m.RiskScore,
		"risk_level":       m.RiskLevel,
		"timestamp":        m.Timestamp,
	}
	return pc.fabric.Publish(ctx, messaging.ExchangePortfolioUpdates, messaging.KeyPortfolioRiskUpdate, update)
}

// Step runs one metrics cycle: compute, persist, publish, check limits.
func (pc *PortfolioController) Step(ctx context.Context) (*domain.RiskMetrics, error) {
	m, err := pc.Compute(ctx)
	if err != nil {
		return nil, err
	}
	if err := pc.persistSnapshot(ctx, m); err != nil {
		pc.logger.Warn().Err(err).Msg("snapshot persist failed")
	}
	if err := pc.publishUpdate(ctx, m); err != nil {
		pc.logger.Warn().Err(err).Msg("portfolio update publish failed")
	}
	pc.CheckLimits(ctx, m)
	return m, nil
}

// Run recomputes metrics on the configured interval until ctx ends.
func (pc *PortfolioController) Run(ctx context.Context) {
	interval := pc.cfg.MetricsInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pc.logger.Info().Dur("interval", interval).Msg("portfolio risk loop started")
	for {
		select {
		case <-ctx.Done():
			pc.logger.Info().Msg("portfolio risk loop stopped")
			return
		case <-ticker.C:
			if _, err := pc.Step(ctx); err != nil {
				pc.logger.Error().Err(err).Msg("portfolio metrics cycle failed")
			}
		}
	}
}

// Stats reports controller state for the ops surface.
func (pc *PortfolioController) Stats() map[string]interface{} {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	out := map[string]interface{}{
		"max_drawdown": pc.maxDD,
	}
	if pc.last != nil {
		out["risk_score"] = pc.last.RiskScore
		out["risk_level"] = pc.last.RiskLevel
		out["portfolio_value"] = pc.last.PortfolioValue
		out["var_1d"] = pc.last.VaR1D
		out["computed_at"] = pc.last.Timestamp
	}
	return out
}

// CandleLiquidity scores liquidity from average daily dollar volume.
type CandleLiquidity struct {
	candles CandleSource
}

// NewCandleLiquidity wraps a candle source.
func NewCandleLiquidity(candles CandleSource) *CandleLiquidity {
	return &CandleLiquidity{candles: candles}
}

// LiquidityScore maps 15-day average dollar volume onto 0..10.
func (c *CandleLiquidity) LiquidityScore(ctx context.Context, symbol string) (float64, error) {
	candles, err := c.candles.Candles(ctx, symbol, "1d", 15)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return liquidityNeutralScore, nil
	}
	var total float64
	for i := range candles {
		total += candles[i].Volume * candles[i].Close
	}
	avg := total / float64(len(candles))
	switch {
	case avg >= 10_000_000:
		return 9, nil
	case avg >= 1_000_000:
		return 7, nil
	case avg >= 100_000:
		return 4, nil
	default:
		return 2, nil
	}
}
