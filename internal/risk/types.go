package risk

import (
	"context"
	"time"

	"mastertrade/internal/domain"
	"mastertrade/internal/forecast"
)

// Config holds sizing, stop, portfolio and circuit-breaker limits. Values
// are mapped from the top-level risk configuration at startup.
type Config struct {
	MinAccountBalance        float64 `json:"min_account_balance"`
	TargetRiskPct            float64 `json:"target_risk_pct"`
	HighVolThreshold         float64 `json:"high_vol_threshold"`
	MaxSinglePositionPct     float64 `json:"max_single_position_pct"`
	MaxCorrelatedExposurePct float64 `json:"max_correlated_exposure_pct"`
	CryptoMaxPct             float64 `json:"crypto_max_pct"`
	StablecoinMaxPct         float64 `json:"stablecoin_max_pct"`
	DefiMaxPct               float64 `json:"defi_max_pct"`
	MinPositionSizeUSD       float64 `json:"min_position_size_usd"`
	MaxPositionSizeUSD       float64 `json:"max_position_size_usd"`
	MaxPortfolioRiskPct      float64 `json:"max_portfolio_risk_pct"`
	RiskScoreThreshold       float64 `json:"risk_score_threshold"`
	MinStopLossPct           float64 `json:"min_stop_loss_pct"`
	MaxStopLossPct           float64 `json:"max_stop_loss_pct"`
	MaxLeverage              float64 `json:"max_leverage"`
	MaxVaRPercent            float64 `json:"max_var_percent"`
	MaxDrawdownPercent       float64 `json:"max_drawdown_percent"`
	MaxCorrelationExposure   float64 `json:"max_correlation_exposure"`

	InitialStopPct       float64 `json:"initial_stop_pct"`
	TrailingDistancePct  float64 `json:"trailing_distance_pct"`
	MinProfitBeforeTrail float64 `json:"min_profit_before_trail"`
	TimeDecayEnabled     bool    `json:"time_decay_enabled"`
	VolMultiplier        float64 `json:"vol_multiplier"`
	ATRMultiplier        float64 `json:"atr_multiplier"`

	AdjustInterval      time.Duration `json:"adjust_interval"`
	MetricsInterval     time.Duration `json:"metrics_interval"`
	CorrelationInterval time.Duration `json:"correlation_interval"`
	RPCTimeout          time.Duration `json:"rpc_timeout"`
	MarketHoursAware    bool          `json:"market_hours_aware"`
}

// DefaultConfig returns conservative limits suitable for paper trading.
func DefaultConfig() Config {
	return Config{
		MinAccountBalance:        100,
		TargetRiskPct:            0.01,
		HighVolThreshold:         0.05,
		MaxSinglePositionPct:     20,
		MaxCorrelatedExposurePct: 40,
		CryptoMaxPct:             80,
		StablecoinMaxPct:         50,
		DefiMaxPct:               30,
		MinPositionSizeUSD:       10,
		MaxPositionSizeUSD:       50000,
		MaxPortfolioRiskPct:      2,
		RiskScoreThreshold:       7,
		MinStopLossPct:           0.5,
		MaxStopLossPct:           15,
		MaxLeverage:              3,
		MaxVaRPercent:            5,
		MaxDrawdownPercent:       20,
		MaxCorrelationExposure:   0.4,
		InitialStopPct:           3,
		TrailingDistancePct:      2,
		MinProfitBeforeTrail:     1,
		TimeDecayEnabled:         true,
		VolMultiplier:            2,
		ATRMultiplier:            2.5,
		AdjustInterval:           60 * time.Second,
		MetricsInterval:          30 * time.Second,
		CorrelationInterval:      time.Hour,
		RPCTimeout:               5 * time.Second,
		MarketHoursAware:         true,
	}
}

// AccountView supplies balances and open positions to the risk engines.
type AccountView interface {
	AvailableBalance(ctx context.Context) (float64, error)
	PortfolioValue(ctx context.Context) (float64, error)
	Positions(ctx context.Context) ([]domain.Position, error)
}

// CandleSource provides candle history for volatility and trend inputs.
type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error)
}

// PerformanceSource supplies per-strategy trade statistics for Kelly
// sizing. Implementations return zero stats when nothing is recorded.
type PerformanceSource interface {
	StrategyStats(ctx context.Context, strategyID string) (StrategyStats, error)
}

// StrategyStats summarises a strategy's realized trades.
type StrategyStats struct {
	WinRate     float64 `json:"win_rate"`
	AvgWin      float64 `json:"avg_win"`
	AvgLoss     float64 `json:"avg_loss"`
	TotalTrades int     `json:"total_trades"`
}

// PositionSizeRequest asks the sizing engine for an approved position.
type PositionSizeRequest struct {
	Symbol             string  `json:"symbol"`
	StrategyID         string  `json:"strategy_id"`
	SignalStrength     float64 `json:"signal_strength"`
	CurrentPrice       float64 `json:"current_price"`
	Volatility         float64 `json:"volatility,omitempty"`
	StopLossPercent    float64 `json:"stop_loss_percent,omitempty"`
	RiskPerTradePct    float64 `json:"risk_per_trade_percent,omitempty"`
	OrderSide          string  `json:"order_side"`
	RequestedAmountUSD float64 `json:"requested_amount_usd,omitempty"`
}

// PositionSizeResult is the sizing engine's verdict.
type PositionSizeResult struct {
	Symbol          string               `json:"symbol"`
	StrategyID      string               `json:"strategy_id"`
	Approved        bool                 `json:"approved"`
	SizeUSD         float64              `json:"size_usd"`
	Quantity        float64              `json:"quantity"`
	StopLossPercent float64              `json:"stop_loss_percent"`
	StopLossPrice   float64              `json:"stop_loss_price"`
	MaxLossUSD      float64              `json:"max_loss_usd"`
	Confidence      float64              `json:"confidence"`
	RiskFactors     map[string]float64   `json:"risk_factors"`
	Warnings        []string             `json:"warnings,omitempty"`
	Rejections      []string             `json:"rejections,omitempty"`
	Candidates      map[string]float64   `json:"candidates"`
	Multipliers     map[string]float64   `json:"multipliers"`
	Prediction      *forecast.Prediction `json:"prediction,omitempty"`
	Timestamp       time.Time            `json:"timestamp"`
}

// DynamicStopLossParams are the stop parameters the gate recommends for
// the current regime and symbol volatility.
type DynamicStopLossParams struct {
	Type                string  `json:"type"`
	StopLossPercent     float64 `json:"stop_loss_percent"`
	TrailingDistancePct float64 `json:"trailing_distance_pct"`
	Regime              string  `json:"regime"`
	Volatility          float64 `json:"volatility"`
}

// RiskApprovalResult is the gate's decision for one new-position request.
type RiskApprovalResult struct {
	Approved               bool                   `json:"approved"`
	PositionSizeAdjustment float64                `json:"position_size_adjustment"`
	StopLossParams         DynamicStopLossParams  `json:"stop_loss_params"`
	RiskScore              float64                `json:"risk_score"`
	RiskFactors            map[string]float64     `json:"risk_factors"`
	Warnings               []string               `json:"warnings,omitempty"`
	Rejections             []string               `json:"rejections,omitempty"`
	Recommendations        []string               `json:"recommendations,omitempty"`
	Metadata               map[string]interface{} `json:"metadata,omitempty"`
}

// PositionAdjustment is one instruction produced by the periodic
// adjustment pass over open positions.
type PositionAdjustment struct {
	Symbol     string    `json:"symbol"`
	Action     string    `json:"action"`
	ReducePct  float64   `json:"reduce_pct,omitempty"`
	Reason     string    `json:"reason"`
	IssuedAt   time.Time `json:"issued_at"`
	StrategyID string    `json:"strategy_id,omitempty"`
}

// Adjustment actions.
const (
	AdjustActionClose       = "close"
	AdjustActionReduce      = "reduce"
	AdjustActionTightenStop = "tighten_stop"
)

// Asset class constants used by concentration caps.
const (
	AssetClassCrypto     = "crypto"
	AssetClassStablecoin = "stablecoin"
	AssetClassDefi       = "defi"
)

var stablecoinBases = map[string]bool{
	"USDT": true, "USDC": true, "BUSD": true, "DAI": true, "TUSD": true, "FDUSD": true,
}

var defiBases = map[string]bool{
	"UNI": true, "AAVE": true, "LINK": true, "MKR": true, "COMP": true,
	"CRV": true, "SNX": true, "SUSHI": true, "LDO": true, "CAKE": true,
}

// AssetClass buckets a symbol by its base asset.
func AssetClass(symbol string) string {
	base := baseAsset(symbol)
	switch {
	case stablecoinBases[base]:
		return AssetClassStablecoin
	case defiBases[base]:
		return AssetClassDefi
	default:
		return AssetClassCrypto
	}
}

var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "FDUSD", "USD", "BTC", "ETH", "BNB"}

func baseAsset(symbol string) string {
	for _, q := range quoteSuffixes {
		if len(symbol) > len(q) && symbol[len(symbol)-len(q):] == q {
			return symbol[:len(symbol)-len(q)]
		}
	}
	return symbol
}
