package messaging

// Exchange names.
const (
	ExchangeRiskCheck        = "risk.check"
	ExchangeRiskAlerts       = "risk.alerts"
	ExchangePortfolioUpdates = "portfolio.updates"
	ExchangeOrderExecution   = "order.execution"
	ExchangeIndicatorConfig  = "indicator_config"
	ExchangeIndicatorResults = "indicator_results"
	ExchangeStrategyRequests = "mastertrade.strategy.requests"
	ExchangeMarketResponses  = "mastertrade.market.responses"
	ExchangeArbitrage        = "mastertrade.arbitrage"
)

// Routing keys.
const (
	KeyRiskCheckRequest    = "risk.check.request"
	KeyRiskCheckResponse   = "risk.check.response"
	KeyRiskAlert           = "risk.alert"
	KeyPortfolioRiskUpdate = "portfolio.risk.update"
	KeyStopLossTrigger     = "order.stop_loss.trigger"
	KeyPositionAdjust      = "order.position.adjust"

	KeyConfigAdd       = "config.request.add"
	KeyConfigUpdate    = "config.request.update"
	KeyConfigRemove    = "config.request.remove"
	KeyConfigBulk      = "config.request.bulk"
	KeyConfigSubscribe = "config.request.subscribe"

	KeyStrategyRequestCancel = "strategy.request.cancel"

	KeyArbOpportunity = "arbitrage.opportunity"
	KeyArbExecution   = "arbitrage.execution"
)

// Exchange kinds as AMQP knows them.
const (
	KindDirect = "direct"
	KindFanout = "fanout"
	KindTopic  = "topic"
)

// ExchangeSpec declares one exchange of the fixed topology.
type ExchangeSpec struct {
	Name string
	Kind string
}

// Topology lists every exchange the fabric declares on connect. All are
// durable.
var Topology = []ExchangeSpec{
	{ExchangeRiskCheck, KindDirect},
	{ExchangeRiskAlerts, KindFanout},
	{ExchangePortfolioUpdates, KindTopic},
	{ExchangeOrderExecution, KindDirect},
	{ExchangeIndicatorConfig, KindTopic},
	{ExchangeIndicatorResults, KindTopic},
	{ExchangeStrategyRequests, KindTopic},
	{ExchangeMarketResponses, KindTopic},
	{ExchangeArbitrage, KindTopic},
}

// ResultKey builds the indicator result routing key for a symbol and
// interval.
func ResultKey(symbol, interval string) string {
	return "result." + symbol + "." + interval
}

// StrategyRequestKey builds the strategy data request routing key.
func StrategyRequestKey(dataType, priority string) string {
	return "strategy.request." + dataType + "." + priority
}

// MarketResponseKey builds the market data response routing key.
func MarketResponseKey(dataType string) string {
	return "market.response." + dataType
}

// PositionUpdateKey builds the portfolio position routing key for a
// symbol.
func PositionUpdateKey(symbol string) string {
	return "portfolio.position." + symbol
}

// MarketPriceKey builds the market price routing key for a symbol.
func MarketPriceKey(symbol string) string {
	return "market.price." + symbol
}
