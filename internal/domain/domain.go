package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Strategy status constants
const (
	StrategyStatusDraft        = "draft"
	StrategyStatusPaperTrading = "paper_trading"
	StrategyStatusActive       = "active"
	StrategyStatusInactive     = "inactive"
	StrategyStatusPaused       = "paused"
	StrategyStatusReplaced     = "replaced"
	StrategyStatusRetired      = "retired"
)

// Strategy is a tradable strategy definition. IsActive implies
// Status == active and Enabled.
type Strategy struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	Symbol     string                 `json:"symbol"`
	Timeframe  string                 `json:"timeframe"`
	Parameters map[string]interface{} `json:"parameters"`
	Status     string                 `json:"status"`
	IsActive   bool                   `json:"is_active"`
	Enabled    bool                   `json:"enabled"`
	Allocation float64                `json:"allocation"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Review decision constants
const (
	DecisionKeepAsIs      = "keep_as_is"
	DecisionOptimize      = "optimize_parameters"
	DecisionModifyLogic   = "modify_logic"
	DecisionReplace       = "replace_strategy"
	DecisionPause         = "pause_strategy"
	DecisionIncreaseAlloc = "increase_allocation"
	DecisionDecreaseAlloc = "decrease_allocation"
)

// Review grade constants
const (
	GradeAPlus = "A+"
	GradeA     = "A"
	GradeB     = "B"
	GradeC     = "C"
	GradeD     = "D"
)

// StrategyReview is one daily review outcome. Append-only.
type StrategyReview struct {
	ID                    string                 `json:"id"`
	StrategyID            string                 `json:"strategy_id"`
	Timestamp             time.Time              `json:"timestamp"`
	Grade                 string                 `json:"grade"`
	Decision              string                 `json:"decision"`
	Confidence            float64                `json:"confidence"`
	Strengths             []string               `json:"strengths,omitempty"`
	Weaknesses            []string               `json:"weaknesses,omitempty"`
	ParamAdjustments      map[string]interface{} `json:"param_adjustments,omitempty"`
	AllocationChange      float64                `json:"allocation_change"`
	ReplacementCandidates []string               `json:"replacement_candidates,omitempty"`
}

// Market regime tags stamped on trades at close time.
const (
	RegimeTrending = "trending"
	RegimeRanging  = "ranging"
	RegimeVolatile = "volatile"
)

// TradeRecord is one closed trade attributed to a strategy. The daily
// reviewer aggregates 30-day windows of these.
type TradeRecord struct {
	ID         string    `json:"id"`
	StrategyID string    `json:"strategy_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	PnL        float64   `json:"pnl"`
	PnLPct     float64   `json:"pnl_pct"`
	Slippage   float64   `json:"slippage,omitempty"`
	Regime     string    `json:"regime,omitempty"`
}

// Duration returns the holding time of the trade.
func (t *TradeRecord) Duration() time.Duration {
	return t.ExitTime.Sub(t.EntryTime)
}

// Generation job status constants
const (
	JobStatusPending     = "pending"
	JobStatusGenerating  = "generating"
	JobStatusBacktesting = "backtesting"
	JobStatusCompleted   = "completed"
	JobStatusFailed      = "failed"
	JobStatusCancelled   = "cancelled"
)

// GenerationJob tracks one strategy-generation run.
type GenerationJob struct {
	JobID           string     `json:"job_id"`
	Status          string     `json:"status"`
	Total           int        `json:"total"`
	Generated       int        `json:"generated"`
	Backtested      int        `json:"backtested"`
	Passed          int        `json:"passed"`
	Failed          int        `json:"failed"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CurrentStrategy string     `json:"current_strategy,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// BacktestSummary holds the aggregate result of one strategy backtest.
// WinRate is in [0,1], MaxDrawdown <= 0, ProfitFactor >= 0.
type BacktestSummary struct {
	ID             string     `json:"id"`
	StrategyID     string     `json:"strategy_id"`
	JobID          string     `json:"job_id,omitempty"`
	WinRate        float64    `json:"win_rate"`
	Sharpe         float64    `json:"sharpe"`
	Sortino        float64    `json:"sortino"`
	MaxDrawdown    float64    `json:"max_drawdown"`
	TotalReturn    float64    `json:"total_return"`
	CAGR           float64    `json:"cagr"`
	ProfitFactor   float64    `json:"profit_factor"`
	TotalTrades    int        `json:"total_trades"`
	MonthlyReturns []float64  `json:"monthly_returns"`
	PassedCriteria bool       `json:"passed_criteria"`
	DurationDays   int        `json:"duration_days"`
	Simulated      bool       `json:"simulated,omitempty"`
	Note           string     `json:"note,omitempty"`
	StartDate      time.Time  `json:"start_date"`
	EndDate        time.Time  `json:"end_date"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Position is an open holding seen by the risk core.
type Position struct {
	Symbol       string    `json:"symbol"`
	StrategyID   string    `json:"strategy_id,omitempty"`
	Side         string    `json:"side"`
	Quantity     float64   `json:"quantity"`
	EntryPrice   float64   `json:"entry_price"`
	CurrentPrice float64   `json:"current_price"`
	Volatility   float64   `json:"volatility,omitempty"`
	AssetClass   string    `json:"asset_class,omitempty"`
	OpenedAt     time.Time `json:"opened_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MarketValue returns quantity * current price.
func (p *Position) MarketValue() float64 {
	return p.Quantity * p.CurrentPrice
}

// PnLPercent returns the unrealized profit percentage relative to entry.
func (p *Position) PnLPercent() float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	if p.Side == OrderSideSell {
		return (p.EntryPrice - p.CurrentPrice) / p.EntryPrice * 100
	}
	return (p.CurrentPrice - p.EntryPrice) / p.EntryPrice * 100
}

// Order side constants
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"
)

// Order type constants
const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

// Gateway order status constants. failed marks an order that outlived
// its submission timeout; it is not terminal and keeps reconciling.
const (
	OrderStatusNew             = "new"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCanceled        = "canceled"
	OrderStatusRejected        = "rejected"
	OrderStatusExpired         = "expired"
	OrderStatusFailed          = "failed"
)

// Order is one venue order submitted by the gateway. Money fields are
// decimal; the signal triple (strategy, symbol, signal) is the
// idempotency key.
type Order struct {
	ID             string          `json:"id"`
	SignalID       string          `json:"signal_id"`
	StrategyID     string          `json:"strategy_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Type           string          `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	VenueOrderID   string          `json:"venue_order_id,omitempty"`
	Status         string          `json:"status"`
	FilledQty      decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Slippage       float64         `json:"slippage,omitempty"`
	Regime         string          `json:"regime,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Terminal reports whether the order reached a venue-final state.
func (o *Order) Terminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Stop-loss type constants
const (
	StopTypeFixed      = "fixed"
	StopTypeTrailing   = "trailing"
	StopTypeVolatility = "volatility"
	StopTypeATR        = "atr"
	StopTypeSR         = "sr"
)

// Stop-loss status constants
const (
	StopStatusActive    = "active"
	StopStatusTriggered = "triggered"
	StopStatusCancelled = "cancelled"
	StopStatusModified  = "modified"
	StopStatusExpired   = "expired"
)

// StopLossOrder is a managed protective stop. For an active long stop,
// StopPrice never decreases and never exceeds CurrentPrice.
type StopLossOrder struct {
	ID               string                 `json:"id"`
	PositionID       string                 `json:"position_id"`
	Symbol           string                 `json:"symbol"`
	Side             string                 `json:"side"`
	Type             string                 `json:"type"`
	Status           string                 `json:"status"`
	EntryPrice       float64                `json:"entry_price"`
	CurrentPrice     float64                `json:"current_price"`
	StopPrice        float64                `json:"stop_price"`
	InitialStopPrice float64                `json:"initial_stop_price"`
	HighestPrice     float64                `json:"highest_price"`
	LowestPrice      float64                `json:"lowest_price"`
	Quantity         float64                `json:"quantity"`
	Config           map[string]interface{} `json:"config,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	LastUpdated      time.Time              `json:"last_updated"`
}

// Risk level constants
const (
	RiskLevelLow      = "low"
	RiskLevelMedium   = "medium"
	RiskLevelHigh     = "high"
	RiskLevelCritical = "critical"
)

// RiskMetrics is an append-only portfolio risk snapshot.
type RiskMetrics struct {
	Timestamp           time.Time          `json:"timestamp"`
	PortfolioValue      float64            `json:"portfolio_value"`
	TotalExposure       float64            `json:"total_exposure"`
	CashBalance         float64            `json:"cash_balance"`
	LeverageRatio       float64            `json:"leverage_ratio"`
	VaR1D               float64            `json:"var_1d"`
	VaR5D               float64            `json:"var_5d"`
	ExpectedShortfall   float64            `json:"expected_shortfall"`
	MaxDrawdown         float64            `json:"max_drawdown"`
	CurrentDrawdown     float64            `json:"current_drawdown"`
	HHI                 float64            `json:"concentration_hhi"`
	CorrelationRisk     float64            `json:"correlation_risk"`
	SectorExposure      map[string]float64 `json:"sector_exposure,omitempty"`
	LargestPositionPct  float64            `json:"largest_position_pct"`
	PositionsOver5Pct   int                `json:"positions_over_5pct"`
	PositionsOver10Pct  int                `json:"positions_over_10pct"`
	AvgLiquidityScore   float64            `json:"avg_liquidity_score"`
	IlliquidPositionPct float64            `json:"illiquid_position_pct"`
	RiskLevel           string             `json:"risk_level"`
	RiskScore           float64            `json:"risk_score"`
}

// RiskAlert is a persisted threshold breach.
type RiskAlert struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Severity       string     `json:"severity"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	Symbol         string     `json:"symbol,omitempty"`
	CurrentValue   float64    `json:"current_value"`
	ThresholdValue float64    `json:"threshold_value"`
	Recommendation string     `json:"recommendation,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Arbitrage type constants
const (
	ArbitrageTypeCexDex     = "cex_dex"
	ArbitrageTypeIntraChain = "intra_chain"
	ArbitrageTypeCrossChain = "cross_chain"
	ArbitrageTypeTriangular = "triangular"
	ArbitrageTypeFlashLoan  = "flash_loan"
)

// ArbitrageOpportunity is a persisted detection result.
// SellPrice >= BuyPrice and ProfitPct = (sell-buy)/buy*100.
type ArbitrageOpportunity struct {
	ID           string          `json:"id"`
	Pair         string          `json:"pair"`
	Type         string          `json:"type"`
	BuyVenue     string          `json:"buy_venue"`
	SellVenue    string          `json:"sell_venue"`
	Chain        string          `json:"chain,omitempty"`
	BuyPrice     decimal.Decimal `json:"buy_price"`
	SellPrice    decimal.Decimal `json:"sell_price"`
	ProfitPct    decimal.Decimal `json:"profit_pct"`
	EstProfitUSD decimal.Decimal `json:"est_profit_usd"`
	TradeAmount  decimal.Decimal `json:"trade_amount"`
	GasCost      decimal.Decimal `json:"gas_cost"`
	Path         []string        `json:"path,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Executed     bool            `json:"executed"`
	ExecutionID  string          `json:"execution_id,omitempty"`
}

// Arbitrage execution status constants
const (
	ExecutionStatusPending = "pending"
	ExecutionStatusFilled  = "filled"
	ExecutionStatusPartial = "partial"
	ExecutionStatusFailed  = "failed"
)

// ArbitrageExecution is the bookkeeping record for one executed
// opportunity. Exactly one execution exists per executed opportunity.
type ArbitrageExecution struct {
	ID              string           `json:"id"`
	OpportunityID   string           `json:"opportunity_id"`
	Type            string           `json:"type"`
	StartTime       time.Time        `json:"start_time"`
	EndTime         *time.Time       `json:"end_time,omitempty"`
	Status          string           `json:"status"`
	TxHashes        []string         `json:"tx_hashes,omitempty"`
	ActualProfitUSD *decimal.Decimal `json:"actual_profit_usd,omitempty"`
	GasUsed         *decimal.Decimal `json:"gas_used,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// Market kind constants
const (
	MarketKindCEX = "cex"
	MarketKindDEX = "dex"
)

// PricePoint is a single venue quote held by the market cache and
// persisted to the dex_prices container.
type PricePoint struct {
	Kind      string    `json:"kind"`
	Venue     string    `json:"venue"`
	Chain     string    `json:"chain,omitempty"`
	Dex       string    `json:"dex,omitempty"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	Liquidity float64   `json:"liquidity,omitempty"`
	Volume24h float64   `json:"volume_24h,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// IndicatorConfig is a persisted indicator calculation definition.
type IndicatorConfig struct {
	ID               string                 `json:"id"`
	StrategyID       string                 `json:"strategy_id"`
	IndicatorType    string                 `json:"indicator_type"`
	Symbol           string                 `json:"symbol"`
	Interval         string                 `json:"interval"`
	Parameters       map[string]interface{} `json:"parameters,omitempty"`
	PeriodsRequired  int                    `json:"periods_required"`
	OutputFields     []string               `json:"output_fields,omitempty"`
	Active           bool                   `json:"active"`
	Priority         int                    `json:"priority"`
	CacheDurationMin int                    `json:"cache_duration_min"`
	Continuous       bool                   `json:"continuous"`
	Publish          bool                   `json:"publish"`
	LastCalculated   *time.Time             `json:"last_calculated,omitempty"`
	CalcCount        int64                  `json:"calc_count"`
	AvgCalcMs        float64                `json:"avg_calc_ms"`
	ErrorCount       int                    `json:"error_count"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// IndicatorResult is one completed calculation.
type IndicatorResult struct {
	ConfigurationID string                 `json:"configuration_id"`
	StrategyID      string                 `json:"strategy_id"`
	IndicatorType   string                 `json:"indicator_type"`
	Symbol          string                 `json:"symbol"`
	Interval        string                 `json:"interval"`
	Values          map[string]interface{} `json:"values"`
	CalculatedAt    time.Time              `json:"calculated_at"`
	DurationMs      float64                `json:"duration_ms"`
}

// Flow type constants
const (
	FlowTypeExchangeIn    = "exchange_in"
	FlowTypeExchangeOut   = "exchange_out"
	FlowTypeWhaleTransfer = "whale_transfer"
	FlowTypeLargeTx       = "large_tx"
	FlowTypeSmartMoney    = "smart_money"
	FlowTypeMinerOut      = "miner_out"
)

// FlowRecord is one on-chain flow observation, keyed by
// (time, asset, flow_type, tx_hash) in the time-series store.
type FlowRecord struct {
	Timestamp time.Time              `json:"time"`
	Asset     string                 `json:"asset"`
	FlowType  string                 `json:"flow_type"`
	Amount    float64                `json:"amount"`
	Source    string                 `json:"source,omitempty"`
	TxHash    string                 `json:"tx_hash,omitempty"`
	From      string                 `json:"from_address,omitempty"`
	To        string                 `json:"to_address,omitempty"`
	USDValue  float64                `json:"usd_value,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}
