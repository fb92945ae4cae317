package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"mastertrade/internal/domain"
	"mastertrade/internal/forecast"
	"mastertrade/internal/stats"
)

// Candidate blend weights.
const (
	volWeight        = 0.40
	kellyWeight      = 0.35
	riskParityWeight = 0.25

	// Reference daily volatility the sizing candidates scale against.
	referenceVol = 0.02

	highVolSizeFactor = 0.6
	maxVolFraction    = 0.20

	kellyFractionCap = 0.25
)

// Sizer computes approved position sizes by blending volatility, Kelly
// and risk-parity candidates and applying portfolio constraints.
type Sizer struct {
	cfg       Config
	account   AccountView
	candles   CandleSource
	perf      PerformanceSource
	predictor forecast.PricePredictor
	corr      *CorrelationTracker
	logger    zerolog.Logger
	now       func() time.Time
}

// NewSizer builds a sizing engine. candles, perf, predictor and corr may
// be nil; the corresponding inputs then fall back to neutral defaults.
func NewSizer(cfg Config, account AccountView, candles CandleSource, perf PerformanceSource, predictor forecast.PricePredictor, corr *CorrelationTracker, logger zerolog.Logger) *Sizer {
	return &Sizer{
		cfg:       cfg,
		account:   account,
		candles:   candles,
		perf:      perf,
		predictor: predictor,
		corr:      corr,
		logger:    logger.With().Str("component", "position_sizing").Logger(),
		now:       time.Now,
	}
}

// CalculateSize runs the full sizing pipeline for one request.
func (s *Sizer) CalculateSize(ctx context.Context, req PositionSizeRequest) (*PositionSizeResult, error) {
	if req.Symbol == "" || req.CurrentPrice <= 0 {
		return nil, fmt.Errorf("sizing: symbol and positive price required")
	}
	now := s.now().UTC()
	res := &PositionSizeResult{
		Symbol:      req.Symbol,
		StrategyID:  req.StrategyID,
		RiskFactors: make(map[string]float64),
		Candidates:  make(map[string]float64),
		Multipliers: make(map[string]float64),
		Timestamp:   now,
	}

	balance, err := s.account.AvailableBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("sizing: load balance: %w", err)
	}
	if balance < s.cfg.MinAccountBalance {
		res.Rejections = append(res.Rejections,
			fmt.Sprintf("Account balance %.2f below minimum %.2f", balance, s.cfg.MinAccountBalance))
		return res, nil
	}

	sigma := req.Volatility
	if sigma <= 0 {
		sigma = s.symbolVolatility(ctx, req.Symbol)
	}
	liquidity := s.avgVolumeUSD(ctx, req.Symbol)

	positions, err := s.account.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("sizing: load positions: %w", err)
	}
	pv := balance
	for i := range positions {
		pv += positions[i].MarketValue()
	}

	targetRisk := s.cfg.TargetRiskPct
	if req.RiskPerTradePct > 0 {
		targetRisk = req.RiskPerTradePct / 100
	}

	volSize := s.volatilitySize(balance, sigma, targetRisk)
	kellySize := s.kellySize(ctx, balance, req.StrategyID, req.SignalStrength)
	paritySize := s.riskParitySize(balance, positions, sigma, targetRisk)
	res.Candidates["volatility"] = volSize
	res.Candidates["kelly"] = kellySize
	res.Candidates["risk_parity"] = paritySize

	size := volWeight*volSize + kellyWeight*kellySize + riskParityWeight*paritySize

	signalMult := signalStrengthMultiplier(req.SignalStrength)
	hoursMult := s.marketHoursMultiplier(now)
	regimeMult := s.regimeMultiplier(ctx, req.Symbol, sigma)
	res.Multipliers["signal"] = signalMult
	res.Multipliers["market_hours"] = hoursMult
	res.Multipliers["regime"] = regimeMult
	size *= signalMult * hoursMult * regimeMult

	size, classPct := s.applyPortfolioConstraints(req.Symbol, size, pv, positions, res)
	size = math.Max(size, 0)
	res.SizeUSD = size
	res.Quantity = RoundQuantity(req.Symbol, size/req.CurrentPrice)

	stopPct := req.StopLossPercent
	if stopPct <= 0 {
		stopPct = stats.Clamp(2*sigma*100*symbolRiskMultiplier(req.Symbol), s.cfg.MinStopLossPct, s.cfg.MaxStopLossPct)
	}
	res.StopLossPercent = stopPct
	if req.OrderSide == domain.OrderSideSell {
		res.StopLossPrice = req.CurrentPrice * (1 + stopPct/100)
	} else {
		res.StopLossPrice = req.CurrentPrice * (1 - stopPct/100)
	}
	res.MaxLossUSD = size * stopPct / 100

	offHours := hoursMult < 1
	s.scoreRiskFactors(res, req, sigma, liquidity, classPct, offHours)
	s.applyPrediction(ctx, req, res)
	res.Confidence = confidenceFrom(res.RiskFactors)

	s.collectWarnings(res, balance, sigma, liquidity, classPct, offHours)
	s.decide(res, balance)

	s.logger.Debug().
		Str("symbol", req.Symbol).
		Float64("size_usd", res.SizeUSD).
		Float64("confidence", res.Confidence).
		Bool("approved", res.Approved).
		Msg("position sized")
	return res, nil
}

// volatilitySize returns the volatility-based candidate. Sizes shrink as
// volatility rises above the reference level and are hard-capped at a
// fixed fraction of balance.
func (s *Sizer) volatilitySize(balance, sigma, targetRisk float64) float64 {
	if sigma <= 0 {
		sigma = referenceVol
	}
	size := balance * targetRisk * stats.Clamp(referenceVol/sigma, 0.1, 2.0)
	if sigma > s.cfg.HighVolThreshold {
		size *= highVolSizeFactor
	}
	return math.Min(size, maxVolFraction*balance)
}

// kellySize returns the fractional-Kelly candidate scaled by signal
// strength. Strategies without trade history size at zero Kelly, which
// the blend absorbs.
func (s *Sizer) kellySize(ctx context.Context, balance float64, strategyID string, signal float64) float64 {
	if s.perf == nil || strategyID == "" {
		return 0
	}
	st, err := s.perf.StrategyStats(ctx, strategyID)
	if err != nil || st.TotalTrades == 0 || st.AvgLoss <= 0 {
		return 0
	}
	b := st.AvgWin / st.AvgLoss
	if b <= 0 {
		return 0
	}
	f := (st.WinRate*b - (1 - st.WinRate)) / b
	fraction := stats.Clamp(0.25*f*signal, 0, kellyFractionCap)
	return balance * fraction
}

// riskParitySize splits the volatility budget equally across active
// strategies, scaled by portfolio volatility the same way the
// volatility candidate scales by symbol volatility.
func (s *Sizer) riskParitySize(balance float64, positions []domain.Position, sigma, targetRisk float64) float64 {
	strategies := map[string]bool{}
	var weightedVol, totalValue float64
	for i := range positions {
		if id := positions[i].StrategyID; id != "" {
			strategies[id] = true
		}
		vol := positions[i].Volatility
		if vol <= 0 {
			vol = referenceVol
		}
		mv := positions[i].MarketValue()
		weightedVol += vol * mv
		totalValue += mv
	}
	portfolioVol := sigma
	if totalValue > 0 {
		portfolioVol = weightedVol / totalValue
	}
	if portfolioVol <= 0 {
		portfolioVol = referenceVol
	}
	// The requesting strategy counts even before its first position.
	n := float64(len(strategies) + 1)
	return balance * targetRisk * stats.Clamp(referenceVol/portfolioVol, 0.1, 2.0) / n
}

func signalStrengthMultiplier(signal float64) float64 {
	switch {
	case signal >= 0.8:
		return 1.0
	case signal >= 0.6:
		return 0.8
	case signal >= 0.4:
		return 0.6
	case signal >= 0.2:
		return 0.4
	default:
		return 0.2
	}
}

// marketHoursMultiplier reduces size outside the liquid UTC window.
// Crypto trades around the clock, but depth thins markedly in the
// 22:00-07:00 UTC stretch.
func (s *Sizer) marketHoursMultiplier(now time.Time) float64 {
	if !s.cfg.MarketHoursAware {
		return 1.0
	}
	hour := now.UTC().Hour()
	if hour >= 7 && hour < 22 {
		return 1.0
	}
	return 0.8
}

// regimeMultiplier nudges size by the recent market regime: bull +10%,
// bear -20%, high volatility -30%. Without candle history it is neutral.
func (s *Sizer) regimeMultiplier(ctx context.Context, symbol string, sigma float64) float64 {
	if sigma > s.cfg.HighVolThreshold {
		return 0.7
	}
	if s.candles == nil {
		return 1.0
	}
	candles, err := s.candles.Candles(ctx, symbol, "1d", 31)
	if err != nil || len(candles) < 10 {
		return 1.0
	}
	returns := stats.Returns(closePrices(candles))
	mean := stats.Mean(returns)
	switch {
	case mean > 0.001:
		return 1.1
	case mean < -0.001:
		return 0.8
	default:
		return 1.0
	}
}

// applyPortfolioConstraints caps size by single-position, correlated
// exposure and asset-class limits. It returns the constrained size and
// the asset-class exposure percentage including the new position.
func (s *Sizer) applyPortfolioConstraints(symbol string, size, pv float64, positions []domain.Position, res *PositionSizeResult) (float64, float64) {
	if pv <= 0 {
		return 0, 0
	}
	size = math.Min(size, s.cfg.MaxPositionSizeUSD)

	var symbolExposure float64
	for i := range positions {
		if positions[i].Symbol == symbol {
			symbolExposure += positions[i].MarketValue()
		}
	}
	singleCap := pv * s.cfg.MaxSinglePositionPct / 100
	if symbolExposure+size > singleCap {
		size = math.Max(0, singleCap-symbolExposure)
		res.Multipliers["single_position_cap"] = 1
		if size == 0 {
			res.Rejections = append(res.Rejections,
				fmt.Sprintf("Single position limit %.1f%% reached for %s", s.cfg.MaxSinglePositionPct, symbol))
		}
	}

	if snap := s.corr.Current(); snap != nil {
		var correlated float64
		for i := range positions {
			if positions[i].Symbol == symbol {
				continue
			}
			correlated += math.Abs(snap.Pair(symbol, positions[i].Symbol)) * positions[i].MarketValue()
		}
		corrCap := pv * s.cfg.MaxCorrelatedExposurePct / 100
		if correlated+size > corrCap {
			size = math.Max(0, corrCap-correlated)
			res.Multipliers["correlation_cap"] = 1
			if size == 0 {
				res.Rejections = append(res.Rejections,
					fmt.Sprintf("Correlated exposure limit %.1f%% reached", s.cfg.MaxCorrelatedExposurePct))
			}
		}
	}

	class := AssetClass(symbol)
	var classExposure float64
	for i := range positions {
		if AssetClass(positions[i].Symbol) == class {
			classExposure += positions[i].MarketValue()
		}
	}
	classCap := pv * s.classMaxPct(class) / 100
	if classExposure+size > classCap {
		size = math.Max(0, classCap-classExposure)
		res.Multipliers["asset_class_cap"] = 1
		if size == 0 {
			res.Rejections = append(res.Rejections,
				fmt.Sprintf("Asset class %s at its %.0f%% cap", class, s.classMaxPct(class)))
		}
	}
	classPct := (classExposure + size) / pv * 100
	return size, classPct
}

func (s *Sizer) classMaxPct(class string) float64 {
	switch class {
	case AssetClassStablecoin:
		return s.cfg.StablecoinMaxPct
	case AssetClassDefi:
		return s.cfg.DefiMaxPct
	default:
		return s.cfg.CryptoMaxPct
	}
}

func (s *Sizer) scoreRiskFactors(res *PositionSizeResult, req PositionSizeRequest, sigma, liquidity, classPct float64, offHours bool) {
	f := res.RiskFactors
	f["volatility_risk"] = stats.Clamp(sigma/s.cfg.HighVolThreshold*5, 0, 10)
	f["liquidity_risk"] = liquidityRisk(liquidity)
	f["asset_class_risk"] = assetClassRisk(AssetClass(req.Symbol))
	f["signal_risk"] = 5 * (1 - stats.Clamp(req.SignalStrength, 0, 1))
	if offHours {
		f["time_risk"] = 6
	} else {
		f["time_risk"] = 2
	}
	classMax := s.classMaxPct(AssetClass(req.Symbol))
	if classMax > 0 {
		f["concentration_risk"] = stats.Clamp(classPct/classMax*10, 0, 10)
	} else {
		f["concentration_risk"] = 10
	}
	f["prediction_alignment"] = 5
}

// applyPrediction reshapes the alignment risk factor by the short-term
// forecast. A forecast never vetoes the trade on its own.
func (s *Sizer) applyPrediction(ctx context.Context, req PositionSizeRequest, res *PositionSizeResult) {
	if s.predictor == nil {
		return
	}
	pred, err := s.predictor.Predict(ctx, req.Symbol)
	if err != nil || pred == nil {
		return
	}
	res.Prediction = pred
	if pred.Direction == forecast.DirectionSideways {
		return
	}
	impact := math.Min(5, math.Abs(pred.PredictedChangePct)/2)
	matches := (pred.Direction == forecast.DirectionUp && req.OrderSide == domain.OrderSideBuy) ||
		(pred.Direction == forecast.DirectionDown && req.OrderSide == domain.OrderSideSell)
	if matches {
		res.RiskFactors["prediction_alignment"] = stats.Clamp(5-impact, 0, 10)
	} else {
		res.RiskFactors["prediction_alignment"] = stats.Clamp(5+impact, 0, 10)
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("Price forecast %s opposes %s order", pred.Direction, req.OrderSide))
	}
}

func (s *Sizer) collectWarnings(res *PositionSizeResult, balance, sigma, liquidity, classPct float64, offHours bool) {
	if res.SizeUSD > 0.10*balance {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("Position is %.1f%% of balance", res.SizeUSD/balance*100))
	}
	if sigma > s.cfg.HighVolThreshold {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("High volatility %.1f%% daily", sigma*100))
	}
	if liquidity > 0 && liquidity < 1_000_000 {
		res.Warnings = append(res.Warnings, "Low liquidity symbol")
	}
	if offHours {
		res.Warnings = append(res.Warnings, "Off-hours trading window")
	}
	classMax := s.classMaxPct(AssetClass(res.Symbol))
	if classMax > 0 && classPct > 0.8*classMax {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("Asset class concentration %.1f%% near %.0f%% cap", classPct, classMax))
	}
}

// decide applies the final approval gates.
func (s *Sizer) decide(res *PositionSizeResult, balance float64) {
	if res.SizeUSD < s.cfg.MinPositionSizeUSD {
		res.Rejections = append(res.Rejections,
			fmt.Sprintf("Position size %.2f below minimum %.2f", res.SizeUSD, s.cfg.MinPositionSizeUSD))
	}
	riskBudget := balance * s.cfg.MaxPortfolioRiskPct / 100
	if res.MaxLossUSD > riskBudget {
		res.Rejections = append(res.Rejections,
			fmt.Sprintf("Max loss %.2f exceeds risk budget %.2f", res.MaxLossUSD, riskBudget))
	}
	if avg := averageRisk(res.RiskFactors); avg > s.cfg.RiskScoreThreshold {
		res.Rejections = append(res.Rejections,
			fmt.Sprintf("Average risk factor %.1f above threshold %.1f", avg, s.cfg.RiskScoreThreshold))
	}
	res.Approved = len(res.Rejections) == 0
}

// symbolVolatility estimates the 14-day daily return sigma.
func (s *Sizer) symbolVolatility(ctx context.Context, symbol string) float64 {
	if s.candles == nil {
		return referenceVol
	}
	candles, err := s.candles.Candles(ctx, symbol, "1d", 15)
	if err != nil || len(candles) < 5 {
		return referenceVol
	}
	sigma := stats.StdDev(stats.Returns(closePrices(candles)))
	if sigma <= 0 {
		return referenceVol
	}
	return sigma
}

// avgVolumeUSD estimates the mean daily quote volume. Zero means
// unknown, not illiquid.
func (s *Sizer) avgVolumeUSD(ctx context.Context, symbol string) float64 {
	if s.candles == nil {
		return 0
	}
	candles, err := s.candles.Candles(ctx, symbol, "1d", 15)
	if err != nil || len(candles) == 0 {
		return 0
	}
	var total float64
	for i := range candles {
		total += candles[i].Close * candles[i].Volume
	}
	return total / float64(len(candles))
}

func liquidityRisk(avgVolumeUSD float64) float64 {
	switch {
	case avgVolumeUSD == 0:
		return 5
	case avgVolumeUSD >= 10_000_000:
		return 1
	case avgVolumeUSD >= 1_000_000:
		return 3
	case avgVolumeUSD >= 100_000:
		return 6
	default:
		return 9
	}
}

func assetClassRisk(class string) float64 {
	switch class {
	case AssetClassStablecoin:
		return 1
	case AssetClassDefi:
		return 7
	default:
		return 5
	}
}

func symbolRiskMultiplier(symbol string) float64 {
	switch baseAsset(symbol) {
	case "BTC", "ETH":
		return 1.0
	default:
		if AssetClass(symbol) == AssetClassStablecoin {
			return 0.5
		}
		return 1.2
	}
}

func confidenceFrom(factors map[string]float64) float64 {
	return stats.Clamp(1-averageRisk(factors)/10, 0, 1)
}

func averageRisk(factors map[string]float64) float64 {
	if len(factors) == 0 {
		return 0
	}
	var sum float64
	for _, v := range factors {
		sum += v
	}
	return sum / float64(len(factors))
}

// RoundQuantity truncates a quantity to the symbol's lot precision:
// six decimals for BTC and ETH pairs, four for stablecoin bases, two
// otherwise.
func RoundQuantity(symbol string, qty float64) float64 {
	var decimals int
	switch baseAsset(symbol) {
	case "BTC", "ETH":
		decimals = 6
	default:
		if AssetClass(symbol) == AssetClassStablecoin {
			decimals = 4
		} else {
			decimals = 2
		}
	}
	scale := math.Pow10(decimals)
	return math.Floor(qty*scale) / scale
}

func closePrices(candles []domain.Candle) []float64 {
	closes := make([]float64, len(candles))
	for i := range candles {
		closes[i] = candles[i].Close
	}
	return closes
}
