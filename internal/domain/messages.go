package domain

import "time"

// RiskCheckRequest is the wire payload published on
// risk.check / risk.check.request by signal producers.
type RiskCheckRequest struct {
	RequestID      string                 `json:"request_id"`
	Symbol         string                 `json:"symbol"`
	StrategyID     string                 `json:"strategy_id"`
	OrderType      string                 `json:"order_type"`
	OrderSide      string                 `json:"order_side"`
	Quantity       float64                `json:"quantity"`
	Price          float64                `json:"price"`
	SignalStrength float64                `json:"signal_strength"`
	Timestamp      time.Time              `json:"timestamp"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// RiskCheckResponse is the single reply emitted per request_id on
// risk.check / risk.check.response.
type RiskCheckResponse struct {
	RequestID           string             `json:"request_id"`
	Approved            bool               `json:"approved"`
	RecommendedQuantity float64            `json:"recommended_quantity"`
	MaxLossUSD          float64            `json:"max_loss_usd"`
	ConfidenceScore     float64            `json:"confidence_score"`
	RiskFactors         map[string]float64 `json:"risk_factors,omitempty"`
	Warnings            []string           `json:"warnings,omitempty"`
	StopLossPrice       *float64           `json:"stop_loss_price,omitempty"`
	Reason              string             `json:"reason"`
	Timestamp           time.Time          `json:"timestamp"`
	PricePrediction     *PricePrediction   `json:"price_prediction,omitempty"`
}

// StopLossTrigger is published on order.execution with routing key
// order.stop_loss.trigger, persistent, priority 9.
type StopLossTrigger struct {
	OrderID      string    `json:"order_id"`
	PositionID   string    `json:"position_id"`
	Symbol       string    `json:"symbol"`
	OrderType    string    `json:"order_type"`
	Quantity     float64   `json:"quantity"`
	TriggerPrice float64   `json:"trigger_price"`
	StopPrice    float64   `json:"stop_price"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

// PortfolioRiskUpdate is published on portfolio.updates with routing
// key portfolio.risk.update, non-persistent.
type PortfolioRiskUpdate struct {
	UpdateID        string    `json:"update_id"`
	PortfolioValue  float64   `json:"portfolio_value"`
	TotalExposure   float64   `json:"total_exposure"`
	LeverageRatio   float64   `json:"leverage_ratio"`
	VaR1D           float64   `json:"var_1d"`
	CurrentDrawdown float64   `json:"current_drawdown"`
	RiskScore       float64   `json:"risk_score"`
	RiskLevel       string    `json:"risk_level"`
	Timestamp       time.Time `json:"timestamp"`
}

// ConfigRequest is the body of config.request.add / update / remove /
// bulk / subscribe messages on the indicator_config exchange.
type ConfigRequest struct {
	Configuration          *IndicatorConfig       `json:"configuration,omitempty"`
	Configurations         []*IndicatorConfig     `json:"configurations,omitempty"`
	ConfigurationID        string                 `json:"configuration_id,omitempty"`
	StrategyID             string                 `json:"strategy_id,omitempty"`
	Updates                map[string]interface{} `json:"updates,omitempty"`
	CalculateImmediately   bool                   `json:"calculate_immediately,omitempty"`
	RecalculateImmediately bool                   `json:"recalculate_immediately,omitempty"`
	SubscriptionName       string                 `json:"subscription_name,omitempty"`
	ConfigurationIDs       []string               `json:"configuration_ids,omitempty"`
	ReplyTo                string                 `json:"reply_to,omitempty"`
}

// ConfigResponse is the reply envelope for indicator config requests.
type ConfigResponse struct {
	Status          string    `json:"status"`
	Action          string    `json:"action"`
	ConfigurationID string    `json:"configuration_id,omitempty"`
	StrategyID      string    `json:"strategy_id,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Request priority constants for strategy data requests.
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// StrategyDataRequest travels on mastertrade.strategy.requests with
// routing key strategy.request.<data_type>.<priority>.
type StrategyDataRequest struct {
	RequestID string                 `json:"request_id"`
	DataType  string                 `json:"data_type"`
	Priority  string                 `json:"priority"`
	Symbol    string                 `json:"symbol"`
	Interval  string                 `json:"interval,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
	ReplyTo   string                 `json:"reply_to,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// PricePrediction is the forecaster output attached to risk responses.
type PricePrediction struct {
	Symbol           string    `json:"symbol"`
	Direction        string    `json:"direction"`
	PredictedMovePct float64   `json:"predicted_move_pct"`
	PredictedPrice   float64   `json:"predicted_price"`
	Confidence       float64   `json:"confidence"`
	PredictionTime   time.Time `json:"prediction_time"`
	ValidUntil       time.Time `json:"valid_until"`
}

// SentimentWindow is an aggregated sentiment series slice used by
// backtests and activation scoring.
type SentimentWindow struct {
	Symbol    string    `json:"symbol,omitempty"`
	Global    bool      `json:"global"`
	Polarity  float64   `json:"polarity"`
	Volume    int       `json:"volume"`
	WindowEnd time.Time `json:"window_end"`
}
