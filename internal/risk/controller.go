package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mastertrade/internal/domain"
	"mastertrade/internal/messaging"
	"mastertrade/internal/sentiment"
	"mastertrade/internal/stats"
)

// Market regimes.
const (
	RegimeBull     = "bull"
	RegimeBear     = "bear"
	RegimeSideways = "sideways"
	RegimeHighVol  = "high_vol"
	RegimeCrisis   = "crisis"
)

const (
	// crisisGlobalScore is the sentiment equivalent of fear-greed < 20 on
	// the [-1,1] scale (score = fg/50 - 1).
	crisisGlobalScore = -0.6
	// minSizeMultiplier rejects requests whose combined multiplier falls
	// below it.
	minSizeMultiplier = 0.1
	// trendBand is the dead band on the 30-day mean daily return between
	// bull and bear.
	trendBand = 0.001

	crisisReducePct = 50.0
	varReducePct    = 30.0
	varAdjustFactor = 1.2
)

// ApprovalRequest asks the gate to admit one new position.
type ApprovalRequest struct {
	Symbol           string  `json:"symbol"`
	StrategyID       string  `json:"strategy_id"`
	SignalStrength   float64 `json:"signal_strength"`
	RequestedSizeUSD float64 `json:"requested_size_usd"`
	CurrentPrice     float64 `json:"current_price"`
	Volatility       float64 `json:"volatility,omitempty"`
}

// Controller is the platform-wide risk gate. Every new position passes
// ApproveNewPosition; open positions are revisited by the periodic
// adjustment pass.
type Controller struct {
	cfg       Config
	account   AccountView
	candles   CandleSource
	corr      *CorrelationTracker
	circuit   *DrawdownControl
	portfolio *PortfolioController
	stops     *StopManager
	sentiment sentiment.Provider
	fabric    *messaging.Fabric
	logger    zerolog.Logger
	now       func() time.Time

	mu         sync.Mutex
	lastRegime map[string]string
}

// NewController builds the gate. candles, corr, portfolio, stops,
// sentiment and fabric may be nil; the related inputs degrade to neutral.
func NewController(cfg Config, account AccountView, candles CandleSource, corr *CorrelationTracker, circuit *DrawdownControl, portfolio *PortfolioController, stops *StopManager, sent sentiment.Provider, fabric *messaging.Fabric, logger zerolog.Logger) *Controller {
	return &Controller{
		cfg:        cfg,
		account:    account,
		candles:    candles,
		corr:       corr,
		circuit:    circuit,
		portfolio:  portfolio,
		stops:      stops,
		sentiment:  sent,
		fabric:     fabric,
		logger:     logger.With().Str("component", "risk_gate").Logger(),
		now:        time.Now,
		lastRegime: make(map[string]string),
	}
}

// ApproveNewPosition runs the full admission pipeline for one request.
// A rejection still carries usable stop-loss parameters.
func (c *Controller) ApproveNewPosition(ctx context.Context, req ApprovalRequest) (*RiskApprovalResult, error) {
	if req.Symbol == "" {
		return nil, fmt.Errorf("risk gate: empty symbol")
	}

	pv, err := c.account.PortfolioValue(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk gate: portfolio value: %w", err)
	}
	level, drawdownPct := c.circuit.Update(ctx, pv)

	sigma := req.Volatility
	if sigma <= 0 {
		sigma = symbolSigma(ctx, c.candles, req.Symbol, referenceVol)
	}
	regime := c.determineRegime(ctx, req.Symbol, sigma)

	res := &RiskApprovalResult{
		Approved:               true,
		PositionSizeAdjustment: 1,
		StopLossParams:         c.stopParams(regime, sigma),
		RiskFactors:            make(map[string]float64),
		Metadata: map[string]interface{}{
			"circuit_breaker_level": level,
			"drawdown_pct":          drawdownPct,
			"regime":                regime,
			"volatility":            sigma,
		},
	}
	if m := c.portfolio.Last(); m != nil {
		res.RiskScore = m.RiskScore
	}

	if !c.circuit.PositionsAllowed() {
		res.Approved = false
		res.PositionSizeAdjustment = 0
		res.Rejections = append(res.Rejections, fmt.Sprintf("Circuit breaker %s active", level))
		res.Recommendations = append(res.Recommendations, "Wait for the portfolio to recover before adding risk")
		return res, nil
	}

	factors := map[string]float64{
		"circuit_breaker": c.circuit.SizeFactor(),
		"regime":          regimeFactor(regime),
		"leverage":        c.leverageFactor(),
		"concentration":   c.concentrationFactor(),
		"asset_class":     c.assetClassFactor(ctx, req.Symbol, req.RequestedSizeUSD, pv),
		"correlation":     c.correlationFactor(),
	}
	multiplier := 1.0
	for name, f := range factors {
		multiplier *= f
		res.RiskFactors[name] = f
		if f < 1 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s multiplier %.2f", name, f))
		}
	}
	res.PositionSizeAdjustment = multiplier
	res.Metadata["multipliers"] = factors

	switch regime {
	case RegimeCrisis:
		res.Recommendations = append(res.Recommendations, "Crisis regime: keep only core exposure")
	case RegimeHighVol:
		res.Recommendations = append(res.Recommendations, "High volatility: reduce position sizes and widen stops")
	}
	if snap := c.corr.Current(); snap != nil && snap.RiskScore > 80 {
		res.Recommendations = append(res.Recommendations, "Portfolio highly correlated: diversify across clusters")
	}

	if multiplier < minSizeMultiplier {
		res.Approved = false
		res.PositionSizeAdjustment = 0
		res.Rejections = append(res.Rejections, fmt.Sprintf("Risk multiplier %.2f below minimum %.2f", multiplier, minSizeMultiplier))
	}

	c.logger.Debug().
		Str("symbol", req.Symbol).
		Str("regime", regime).
		Str("circuit", level).
		Float64("multiplier", multiplier).
		Bool("approved", res.Approved).
		Msg("position approval evaluated")
	return res, nil
}

// determineRegime classifies the market for a symbol. Extreme volatility
// and deeply fearful global sentiment both map to crisis.
func (c *Controller) determineRegime(ctx context.Context, symbol string, sigma float64) string {
	if c.sentiment != nil {
		snap := c.sentiment.Snapshot(symbol, c.now().UTC())
		if snap.GlobalScore < crisisGlobalScore {
			return RegimeCrisis
		}
	}
	switch {
	case sigma >= 2*c.cfg.HighVolThreshold:
		return RegimeCrisis
	case sigma >= c.cfg.HighVolThreshold:
		return RegimeHighVol
	}

	bias := trendBias30d(ctx, c.candles, symbol)
	switch {
	case bias > trendBand:
		return RegimeBull
	case bias < -trendBand:
		return RegimeBear
	default:
		return RegimeSideways
	}
}

func regimeFactor(regime string) float64 {
	switch regime {
	case RegimeCrisis:
		return 0.25
	case RegimeHighVol:
		return 0.5
	default:
		return 1.0
	}
}

func regimeStopFactor(regime string) float64 {
	switch regime {
	case RegimeCrisis:
		return 0.8
	case RegimeHighVol:
		return 1.2
	case RegimeBear:
		return 0.9
	default:
		return 1.0
	}
}

// stopParams derives stop-loss parameters from regime and volatility.
func (c *Controller) stopParams(regime string, sigma float64) DynamicStopLossParams {
	base := math.Max(c.cfg.InitialStopPct, 2*sigma*100)
	f := regimeStopFactor(regime)
	stop := stats.Clamp(base*f, c.cfg.MinStopLossPct, c.cfg.MaxStopLossPct)
	trail := stats.Clamp(c.cfg.TrailingDistancePct*f, c.cfg.MinStopLossPct, stop)
	return DynamicStopLossParams{
		Type:                domain.StopTypeTrailing,
		StopLossPercent:     stop,
		TrailingDistancePct: trail,
		Regime:              regime,
		Volatility:          sigma,
	}
}

func (c *Controller) leverageFactor() float64 {
	m := c.portfolio.Last()
	if m == nil || c.cfg.MaxLeverage <= 0 {
		return 1.0
	}
	if m.LeverageRatio >= 0.9*c.cfg.MaxLeverage {
		return 0.5
	}
	return 1.0
}

func (c *Controller) concentrationFactor() float64 {
	m := c.portfolio.Last()
	if m == nil {
		return 1.0
	}
	switch {
	case m.HHI >= 0.5:
		return 0.5
	case m.HHI >= 0.3:
		return 0.75
	default:
		return 1.0
	}
}

func (c *Controller) assetClassFactor(ctx context.Context, symbol string, sizeUSD, pv float64) float64 {
	if pv <= 0 {
		return 1.0
	}
	positions, err := c.account.Positions(ctx)
	if err != nil {
		return 1.0
	}
	class := AssetClass(symbol)
	var classValue float64
	for i := range positions {
		if AssetClass(positions[i].Symbol) == class {
			classValue += positions[i].MarketValue()
		}
	}
	capPct := c.classCapPct(class)
	pct := (classValue + sizeUSD) / pv * 100
	switch {
	case pct >= capPct:
		return 0
	case pct >= 0.8*capPct:
		return 0.5
	default:
		return 1.0
	}
}

func (c *Controller) classCapPct(class string) float64 {
	switch class {
	case AssetClassStablecoin:
		return c.cfg.StablecoinMaxPct
	case AssetClassDefi:
		return c.cfg.DefiMaxPct
	default:
		return c.cfg.CryptoMaxPct
	}
}

func (c *Controller) correlationFactor() float64 {
	if snap := c.corr.Current(); snap != nil && snap.RiskScore > 80 {
		return 0.5
	}
	return 1.0
}

// AdjustExistingPositions revisits open positions: close-all at the
// deepest circuit level, shrink in crisis or VaR breach, tighten stops on
// regime changes. Adjustments are published for the order gateway.
func (c *Controller) AdjustExistingPositions(ctx context.Context) ([]PositionAdjustment, error) {
	positions, err := c.account.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk gate: positions: %w", err)
	}
	if len(positions) == 0 {
		return nil, nil
	}
	pv, err := c.account.PortfolioValue(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk gate: portfolio value: %w", err)
	}
	level, _ := c.circuit.Update(ctx, pv)
	now := c.now().UTC()

	if c.circuit.CloseAll() {
		out := make([]PositionAdjustment, 0, len(positions))
		for i := range positions {
			out = append(out, PositionAdjustment{
				Symbol:     positions[i].Symbol,
				StrategyID: positions[i].StrategyID,
				Action:     AdjustActionClose,
				Reason:     fmt.Sprintf("Circuit breaker %s active", level),
				IssuedAt:   now,
			})
		}
		c.publishAdjustments(ctx, out)
		return out, nil
	}

	varBreached := false
	if m := c.portfolio.Last(); m != nil && m.PortfolioValue > 0 {
		varPct := m.VaR1D / m.PortfolioValue * 100
		varBreached = varPct > varAdjustFactor*c.cfg.MaxVaRPercent
	}

	var out []PositionAdjustment
	for i := range positions {
		pos := &positions[i]
		sigma := positionVolatility(pos)
		regime := c.determineRegime(ctx, pos.Symbol, sigma)

		c.mu.Lock()
		prev := c.lastRegime[pos.Symbol]
		c.lastRegime[pos.Symbol] = regime
		c.mu.Unlock()

		switch {
		case regime == RegimeCrisis:
			out = append(out, PositionAdjustment{
				Symbol:     pos.Symbol,
				StrategyID: pos.StrategyID,
				Action:     AdjustActionReduce,
				ReducePct:  crisisReducePct,
				Reason:     "Crisis regime active",
				IssuedAt:   now,
			})
		case varBreached:
			out = append(out, PositionAdjustment{
				Symbol:     pos.Symbol,
				StrategyID: pos.StrategyID,
				Action:     AdjustActionReduce,
				ReducePct:  varReducePct,
				Reason:     "Portfolio VaR above adjusted limit",
				IssuedAt:   now,
			})
		case prev != "" && prev != regime:
			params := c.stopParams(regime, sigma)
			if c.stops != nil {
				c.stops.Tighten(ctx, pos.Symbol, params.StopLossPercent)
			}
			out = append(out, PositionAdjustment{
				Symbol:     pos.Symbol,
				StrategyID: pos.StrategyID,
				Action:     AdjustActionTightenStop,
				Reason:     fmt.Sprintf("Regime changed %s to %s", prev, regime),
				IssuedAt:   now,
			})
		}
	}
	c.publishAdjustments(ctx, out)
	return out, nil
}

func (c *Controller) publishAdjustments(ctx context.Context, adjustments []PositionAdjustment) {
	if c.fabric == nil || len(adjustments) == 0 {
		return
	}
	for i := range adjustments {
		err := c.fabric.PublishWith(ctx, messaging.ExchangeOrderExecution, messaging.KeyPositionAdjust, adjustments[i], messaging.PublishOptions{Persistent: true})
		if err != nil {
			c.logger.Warn().Err(err).Str("symbol", adjustments[i].Symbol).Msg("adjustment publish failed")
		}
	}
}

// Run executes the adjustment pass on the configured interval.
func (c *Controller) Run(ctx context.Context) {
	interval := c.cfg.AdjustInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", interval).Msg("position adjustment loop started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("position adjustment loop stopped")
			return
		case <-ticker.C:
			adjustments, err := c.AdjustExistingPositions(ctx)
			if err != nil {
				c.logger.Error().Err(err).Msg("adjustment pass failed")
				continue
			}
			if len(adjustments) > 0 {
				c.logger.Info().Int("count", len(adjustments)).Msg("position adjustments issued")
			}
		}
	}
}

// symbolSigma estimates daily volatility from recent closes, falling back
// when history is unavailable.
func symbolSigma(ctx context.Context, src CandleSource, symbol string, fallback float64) float64 {
	if src == nil {
		return fallback
	}
	candles, err := src.Candles(ctx, symbol, "1d", 15)
	if err != nil || len(candles) < 5 {
		return fallback
	}
	sigma := stats.StdDev(stats.Returns(closePrices(candles)))
	if sigma <= 0 {
		return fallback
	}
	return sigma
}

// trendBias30d returns the mean daily return over the last month, 0 when
// history is unavailable.
func trendBias30d(ctx context.Context, src CandleSource, symbol string) float64 {
	if src == nil {
		return 0
	}
	candles, err := src.Candles(ctx, symbol, "1d", 31)
	if err != nil || len(candles) < 10 {
		return 0
	}
	return stats.Mean(stats.Returns(closePrices(candles)))
}
