package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the platform's Prometheus collectors. One instance is
// created in main and shared by injection.
type Metrics struct {
	Registry *prometheus.Registry

	RiskChecksTotal        *prometheus.CounterVec
	RiskCheckDuration      prometheus.Histogram
	StopUpdatesTotal       prometheus.Counter
	StopTriggersTotal      prometheus.Counter
	PortfolioRiskScore     prometheus.Gauge
	CircuitBreakerLevel    prometheus.Gauge
	OpportunitiesTotal     *prometheus.CounterVec
	ExecutionsTotal        *prometheus.CounterVec
	IndicatorCalcDuration  prometheus.Histogram
	IndicatorCalcErrors    prometheus.Counter
	FabricPublishesTotal   *prometheus.CounterVec
	FabricConsumesTotal    *prometheus.CounterVec
	FabricReconnectsTotal  prometheus.Counter
	RateLimiterWaitSeconds *prometheus.HistogramVec
	RateLimiter429sTotal   *prometheus.CounterVec
	GenerationJobsTotal    *prometheus.CounterVec
	ActiveStrategies       prometheus.Gauge
	OrdersTotal            *prometheus.CounterVec
	CachePoints            *prometheus.GaugeVec
}

// New builds a registry with all platform collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		RiskChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mastertrade_risk_checks_total",
			Help: "Risk check requests by outcome.",
		}, []string{"outcome"}),

		RiskCheckDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mastertrade_risk_check_duration_seconds",
			Help:    "Risk check RPC handling duration.",
			Buckets: prometheus.DefBuckets,
		}),

		StopUpdatesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mastertrade_stop_updates_total",
			Help: "Stop-loss price adjustments emitted.",
		}),

		StopTriggersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mastertrade_stop_triggers_total",
			Help: "Stop-loss triggers published.",
		}),

		PortfolioRiskScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mastertrade_portfolio_risk_score",
			Help: "Latest composite portfolio risk score (0-100).",
		}),

		CircuitBreakerLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mastertrade_circuit_breaker_level",
			Help: "Current drawdown circuit breaker level (0=normal).",
		}),

		OpportunitiesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mastertrade_arbitrage_opportunities_total",
			Help: "Detected arbitrage opportunities by type.",
		}, []string{"type"}),

		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mastertrade_arbitrage_executions_total",
			Help: "Arbitrage executions by terminal status.",
		}, []string{"status"}),

		IndicatorCalcDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mastertrade_indicator_calc_duration_seconds",
			Help:    "Indicator calculation duration.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		IndicatorCalcErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "mastertrade_indicator_calc_errors_total",
			Help: "Indicator calculation failures.",
		}),

		FabricPublishesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mastertrade_fabric_publishes_total",
			Help: "Messages published by exchange.",
		}, []string{"exchange"}),

		FabricConsumesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mastertrade_fabric_consumes_total",
			Help: "Messages consumed by queue and verdict.",
		}, []string{"queue", "verdict"}),

		FabricReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mastertrade_fabric_reconnects_total",
			Help: "Broker reconnections.",
		}),

		RateLimiterWaitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mastertrade_ratelimiter_wait_seconds",
			Help:    "Time spent waiting for pacing permission.",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 30},
		}, []string{"endpoint"}),

		RateLimiter429sTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mastertrade_ratelimiter_429s_total",
			Help: "Rate limit violations recorded per endpoint.",
		}, []string{"endpoint"}),

		GenerationJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mastertrade_generation_jobs_total",
			Help: "Strategy generation jobs by terminal status.",
		}, []string{"status"}),

		ActiveStrategies: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mastertrade_active_strategies",
			Help: "Number of strategies currently active.",
		}),

		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mastertrade_orders_total",
			Help: "Gateway orders by terminal status.",
		}, []string{"status"}),

		CachePoints: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mastertrade_market_cache_points",
			Help: "Price points held by the market cache.",
		}, []string{"kind"}),
	}
}
