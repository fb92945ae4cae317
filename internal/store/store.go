package store

import (
	"context"
	"errors"
	"time"

	"mastertrade/internal/domain"
)

// Container names. Every document carries a partition key column next to
// its JSON body; the key field is fixed per container.
const (
	ContainerStrategies        = "strategies"
	ContainerStrategyReviews   = "strategy_reviews"
	ContainerBacktestResults   = "backtest_results"
	ContainerArbOpportunities  = "arbitrage_opportunities"
	ContainerArbExecutions     = "arbitrage_executions"
	ContainerDexPrices         = "dex_prices"
	ContainerFlashLoanOpps     = "flash_loan_opportunities"
	ContainerTriangularArb     = "triangular_arbitrage"
	ContainerGasPrices         = "gas_prices"
	ContainerSymbolTracking    = "symbol_tracking"
	ContainerTradingConfig     = "trading_config"
	ContainerIndicatorConfigs  = "indicator_configs"
	ContainerIndicatorResults  = "indicator_results"
	ContainerPositions         = "positions"
	ContainerStopLossOrders    = "stop_loss_orders"
	ContainerRiskAlerts        = "risk_alerts"
	ContainerRiskDecisions     = "risk_decisions"
	ContainerGenerationJobs    = "generation_jobs"
	ContainerPortfolioSnapshot = "portfolio_snapshots"
	ContainerOrders            = "orders"
	ContainerTrades            = "trades"
)

// Setting names.
const (
	SettingMaxActiveStrategies = "MAX_ACTIVE_STRATEGIES"
	SettingPeakPortfolioValue  = "PEAK_PORTFOLIO_VALUE"
)

// partitionKeys maps each container to its partition key field inside the
// document body.
var partitionKeys = map[string]string{
	ContainerStrategies:        "id",
	ContainerStrategyReviews:   "strategy_id",
	ContainerBacktestResults:   "strategy_id",
	ContainerArbOpportunities:  "pair",
	ContainerArbExecutions:     "opportunity_id",
	ContainerDexPrices:         "pair",
	ContainerFlashLoanOpps:     "protocol",
	ContainerTriangularArb:     "exchange",
	ContainerGasPrices:         "chain",
	ContainerSymbolTracking:    "symbol",
	ContainerTradingConfig:     "config_type",
	ContainerIndicatorConfigs:  "symbol",
	ContainerIndicatorResults:  "symbol",
	ContainerPositions:         "symbol",
	ContainerStopLossOrders:    "symbol",
	ContainerRiskAlerts:        "alert_type",
	ContainerRiskDecisions:     "symbol",
	ContainerGenerationJobs:    "job_id",
	ContainerPortfolioSnapshot: "id",
	ContainerOrders:            "symbol",
	ContainerTrades:            "strategy_id",
}

// PartitionKey returns the partition key field for container, or "" when
// the container is unknown.
func PartitionKey(container string) string {
	return partitionKeys[container]
}

// Containers lists every known container name.
func Containers() []string {
	names := make([]string, 0, len(partitionKeys))
	for name := range partitionKeys {
		names = append(names, name)
	}
	return names
}

var (
	ErrNotFound         = errors.New("store: document not found")
	ErrUnknownContainer = errors.New("store: unknown container")
)

// Doc is a schemaless document body. Every stored doc carries an "id"
// field plus its container's partition key field.
type Doc map[string]interface{}

// ID returns the document id, or "" when absent.
func (d Doc) ID() string {
	return d.Str("id")
}

// Str returns a string field, or "" when absent or not a string.
func (d Doc) Str(key string) string {
	s, _ := d[key].(string)
	return s
}

// Float returns a numeric field as float64, accepting the types JSON
// decoding produces.
func (d Doc) Float(key string) float64 {
	switch v := d[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Bool returns a boolean field, false when absent.
func (d Doc) Bool(key string) bool {
	b, _ := d[key].(bool)
	return b
}

// Query selects documents within a container. Zero-value fields are
// ignored. Filters are equality matches on top-level document fields.
type Query struct {
	PartitionValue string
	Filters        map[string]interface{}
	OrderBy        string
	Descending     bool
	Limit          int
}

// FlowAggregate is one rollup row from flow_hourly or flow_daily.
type FlowAggregate struct {
	Bucket        time.Time `json:"bucket"`
	Asset         string    `json:"asset"`
	FlowType      string    `json:"flow_type"`
	TotalAmount   float64   `json:"total_amount"`
	TotalUSDValue float64   `json:"total_usd_value"`
	FlowCount     int64     `json:"flow_count"`
}

// Rollup buckets for FlowRollup.
const (
	RollupHourly = "hourly"
	RollupDaily  = "daily"
)

// DocumentStore is the container-level document API. Replace reports
// false (not an error) when the target document does not exist.
type DocumentStore interface {
	Get(ctx context.Context, container, id, partitionValue string) (Doc, error)
	Upsert(ctx context.Context, container string, doc Doc) error
	Replace(ctx context.Context, container, id string, doc Doc) (bool, error)
	Delete(ctx context.Context, container, id, partitionValue string) (bool, error)
	Query(ctx context.Context, container string, q Query) ([]Doc, error)
}

// TimeSeriesStore appends append-only flow rows. Duplicate primary keys
// are silently skipped; the returned count is the number of rows actually
// inserted.
type TimeSeriesStore interface {
	AppendTimeSeries(ctx context.Context, table string, rows []domain.FlowRecord) (int, error)
	FlowRollup(ctx context.Context, bucket, asset string, since time.Time) ([]FlowAggregate, error)
}

// Settings is a key/value settings table. IntSetting persists def when
// the key is missing so the stored value becomes authoritative.
type Settings interface {
	IntSetting(ctx context.Context, name string, def int) (int, error)
	PutIntSetting(ctx context.Context, name string, value int) error
	FloatSetting(ctx context.Context, name string, def float64) (float64, error)
	PutFloatSetting(ctx context.Context, name string, value float64) error
}

// Store is the full persistence surface used by the services.
type Store interface {
	DocumentStore
	TimeSeriesStore
	Settings

	// Transactional runs fn inside a single transaction when the backend
	// supports one. fn must only touch document containers.
	Transactional(ctx context.Context, fn func(DocumentStore) error) error

	HealthCheck(ctx context.Context) error
	Close()
}
