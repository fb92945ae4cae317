package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"mastertrade/config"
	"mastertrade/internal/arbitrage"
	"mastertrade/internal/backtest"
	"mastertrade/internal/domain"
	"mastertrade/internal/events"
	"mastertrade/internal/forecast"
	"mastertrade/internal/gateway"
	"mastertrade/internal/indicator"
	"mastertrade/internal/lifecycle"
	"mastertrade/internal/logging"
	"mastertrade/internal/marketdata"
	"mastertrade/internal/messaging"
	"mastertrade/internal/metrics"
	"mastertrade/internal/ops"
	"mastertrade/internal/ratelimit"
	"mastertrade/internal/risk"
	"mastertrade/internal/scheduler"
	"mastertrade/internal/secrets"
	"mastertrade/internal/sentiment"
	"mastertrade/internal/store"
	"mastertrade/internal/strategy"
)

// paperSlippageBps is the market-order slippage the paper venue charges
// against the taker.
const paperSlippageBps = 10

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.LoggingConfig.Level,
		Pretty: cfg.LoggingConfig.Pretty,
	})
	logging.SetGlobalLogger(logger)
	logger.Info().Str("level", cfg.LoggingConfig.Level).Msg("Logging initialized")

	ctx := context.Background()
	rootCtx, rootCancel := context.WithCancel(ctx)
	defer rootCancel()

	bus := events.NewEventBus()
	m := metrics.New()
	logger.Info().Msg("Event bus and metrics registry initialized")

	// Persistence. A broken database keeps the control plane up on the
	// in-memory store so operators can still reach the API; state will
	// not survive a restart in that mode.
	var st store.Store
	storeBackend := "postgres"
	pg, err := store.NewPostgres(store.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Postgres unavailable, falling back to the in-memory store")
		st = store.NewMemory()
		storeBackend = "memory"
	} else {
		st = pg
	}
	defer st.Close()
	logger.Info().Str("backend", storeBackend).Msg("Store initialized")

	var rdb *redis.Client
	if cfg.RedisConfig.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("Redis unreachable, limiter mirror and result cache disabled")
			rdb = nil
		}
	}

	// Message fabric. Components nil-check the fabric, so a broker
	// outage degrades to local-only operation instead of blocking
	// startup.
	var fabric *messaging.Fabric
	fab := messaging.New(messaging.Config{
		URL:                  cfg.RabbitConfig.URL,
		Prefetch:             cfg.RabbitConfig.Prefetch,
		ReconnectMaxInterval: cfg.RabbitConfig.ReconnectMaxInterval,
		PublishTimeout:       cfg.RabbitConfig.PublishTimeout,
		RequestTimeout:       cfg.RabbitConfig.RequestTimeout,
	}, m, logger)
	if err := fab.Start(); err != nil {
		logger.Warn().Err(err).Msg("Message fabric unavailable, running without AMQP")
	} else {
		fabric = fab
		logger.Info().Msg("Message fabric connected")
	}

	var mirror *redis.Client
	if cfg.RateLimitConfig.MirrorState {
		mirror = rdb
	}
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Name:        cfg.RateLimitConfig.Name,
		DefaultRate: cfg.RateLimitConfig.DefaultRate,
		MinRate:     cfg.RateLimitConfig.MinRate,
		MaxRate:     cfg.RateLimitConfig.MaxRate,
		MirrorTTL:   cfg.RateLimitConfig.MirrorTTL,
	}, mirror, m, logger)
	logger.Info().Float64("rate", cfg.RateLimitConfig.DefaultRate).Msg("Rate limiter initialized")

	cache := marketdata.NewCache(marketdata.Config{
		CEXStaleness: cfg.MarketConfig.CEXStaleness,
		DEXStaleness: cfg.MarketConfig.DEXStaleness,
	}, m)
	history := marketdata.NewHistory(marketdata.HistoryConfig{}, limiter, logger)

	var poller *marketdata.RestPoller
	if cfg.MarketConfig.PollEnabled && len(cfg.MarketConfig.PollVenues) > 0 {
		venues := make([]marketdata.PollVenueConfig, 0, len(cfg.MarketConfig.PollVenues))
		for _, v := range cfg.MarketConfig.PollVenues {
			venues = append(venues, marketdata.PollVenueConfig{
				Name:     v.Name,
				Kind:     v.Kind,
				Chain:    v.Chain,
				BaseURL:  v.BaseURL,
				Endpoint: v.Endpoint,
				Symbols:  v.Symbols,
			})
		}
		poller = marketdata.NewRestPoller(marketdata.PollerConfig{
			Interval: cfg.MarketConfig.PollInterval,
			Venues:   venues,
		}, cache, limiter, logger)
		poller.Start()
		logger.Info().Int("venues", len(venues)).Msg("REST quote poller started")
	}

	var stream *marketdata.StreamFeed
	if cfg.MarketConfig.StreamEnabled && cfg.MarketConfig.StreamURL != "" {
		stream = marketdata.NewStreamFeed(marketdata.StreamConfig{
			URL:     cfg.MarketConfig.StreamURL,
			Symbols: cfg.MarketConfig.StreamSymbols,
		}, cache, fabric, logger)
		stream.Start()
		logger.Info().Int("symbols", len(cfg.MarketConfig.StreamSymbols)).Msg("Market stream started")
	}

	watchlist := cfg.MarketConfig.StreamSymbols
	if len(watchlist) == 0 {
		watchlist = []string{"BTCUSDT", "ETHUSDT"}
	}

	sent := sentiment.NewAggregator(0)
	fearGreed := sentiment.NewFearGreedSource(sentiment.DefaultFearGreedConfig(), sent, logger)
	fearGreed.Start()

	vault, err := secrets.NewStore(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize the venue credential store")
	}
	logger.Info().Bool("enabled", vault.IsEnabled()).Msg("Venue credential store initialized")

	var resultCache *redis.Client
	if cfg.IndicatorConfig.ResultCacheEnabled {
		resultCache = rdb
	}
	indicators := indicator.NewManager(indicator.Config{
		UpdateInterval:       cfg.IndicatorConfig.UpdateInterval,
		DBRefreshInterval:    cfg.IndicatorConfig.DBRefreshInterval,
		BatchSize:            cfg.IndicatorConfig.BatchSize,
		MaxConsecutiveErrors: cfg.IndicatorConfig.MaxConsecutiveErrors,
		ResultCacheEnabled:   cfg.IndicatorConfig.ResultCacheEnabled,
	}, fabric, st, history, indicator.NewTalibCalculator(), resultCache, m, logger)
	if err := indicators.Start(rootCtx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start the indicator manager")
	}
	logger.Info().Msg("Indicator manager started")

	// Risk engine. The correlation interval stays zero: the cron
	// scheduler owns the periodic refresh.
	riskCfg := risk.Config{
		MinAccountBalance:        cfg.RiskConfig.MinAccountBalance,
		TargetRiskPct:            cfg.RiskConfig.TargetRiskPct,
		HighVolThreshold:         cfg.RiskConfig.HighVolThreshold,
		MaxSinglePositionPct:     cfg.RiskConfig.MaxSinglePositionPct,
		MaxCorrelatedExposurePct: cfg.RiskConfig.MaxCorrelatedExposurePct,
		CryptoMaxPct:             cfg.RiskConfig.CryptoMaxPct,
		StablecoinMaxPct:         cfg.RiskConfig.StablecoinMaxPct,
		DefiMaxPct:               cfg.RiskConfig.DefiMaxPct,
		MinPositionSizeUSD:       cfg.RiskConfig.MinPositionSizeUSD,
		MaxPositionSizeUSD:       cfg.RiskConfig.MaxPositionSizeUSD,
		MaxPortfolioRiskPct:      cfg.RiskConfig.MaxPortfolioRiskPct,
		RiskScoreThreshold:       cfg.RiskConfig.RiskScoreThreshold,
		MinStopLossPct:           cfg.RiskConfig.MinStopLossPct,
		MaxStopLossPct:           cfg.RiskConfig.MaxStopLossPct,
		MaxLeverage:              cfg.RiskConfig.MaxLeverage,
		MaxVaRPercent:            cfg.RiskConfig.MaxVaRPercent,
		MaxDrawdownPercent:       cfg.RiskConfig.MaxDrawdownPercent,
		MaxCorrelationExposure:   cfg.RiskConfig.MaxCorrelationExposure,
		InitialStopPct:           cfg.RiskConfig.InitialStopPct,
		TrailingDistancePct:      cfg.RiskConfig.TrailingDistancePct,
		MinProfitBeforeTrail:     cfg.RiskConfig.MinProfitBeforeTrail,
		TimeDecayEnabled:         cfg.RiskConfig.TimeDecayEnabled,
		VolMultiplier:            cfg.RiskConfig.VolMultiplier,
		ATRMultiplier:            cfg.RiskConfig.ATRMultiplier,
		AdjustInterval:           cfg.RiskConfig.AdjustInterval,
		MetricsInterval:          cfg.RiskConfig.MetricsInterval,
		RPCTimeout:               cfg.RiskConfig.RPCTimeout,
		MarketHoursAware:         cfg.RiskConfig.MarketHoursAware,
	}
	account := risk.NewStoreAccount(st, cfg.GatewayConfig.PaperBalanceUSD)
	corr := risk.NewCorrelationTracker(riskCfg, history, logger)
	circuit := risk.NewDrawdownControl(st, m, logger)
	liquidity := risk.NewCandleLiquidity(history)
	portfolio := risk.NewPortfolioController(riskCfg, account, corr, circuit, liquidity, st, fabric, m, logger)
	stops := risk.NewStopManager(riskCfg, st, fabric, m, logger)
	perf := risk.NewTradePerformance(st, 0)
	predictor := forecast.NewMomentumPredictor(forecast.Config{}, history)
	sizer := risk.NewSizer(riskCfg, account, history, perf, predictor, corr, logger)
	gate := risk.NewController(riskCfg, account, history, corr, circuit, portfolio, stops, sent, fabric, logger)
	riskSvc := risk.NewService(riskCfg, account, sizer, gate, st, fabric, m, watchlist, logger)
	if err := riskSvc.Start(rootCtx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start the risk service")
	}
	logger.Info().Int("watchlist", len(watchlist)).Msg("Risk service started")

	// Strategy data server: answers data requests off the fabric from the
	// stored indicator results and the live sentiment and correlation
	// state.
	dataServer := indicator.NewDataServer(fabric, st, indicator.DataSources{
		Sentiment: func(symbol string) *domain.SentimentData {
			snap := sent.Snapshot(symbol, time.Now().UTC())
			if snap.SampleCount == 0 {
				return nil
			}
			return &domain.SentimentData{
				Symbol:         symbol,
				Polarity:       snap.Combined,
				GlobalPolarity: snap.GlobalScore,
				FearGreed:      snap.GlobalScore*50 + 50,
				SampleCount:    snap.SampleCount,
			}
		},
		Correlation: func() *domain.CorrelationMatrixData {
			snap := corr.Current()
			if snap == nil {
				return nil
			}
			return &domain.CorrelationMatrixData{Symbols: snap.Symbols, Matrix: snap.Matrix, AsOf: snap.ComputedAt}
		},
	}, logger)
	if err := dataServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start the strategy data server")
	}

	// Order gateway. Paper is the only execution venue wired today;
	// credentials for a configured live venue are still validated so a
	// broken vault path shows up at startup rather than at first order.
	if name := cfg.GatewayConfig.Venue; name != "" && name != "paper" {
		if _, err := vault.Get(ctx, name); err != nil {
			logger.Warn().Err(err).Str("venue", name).Msg("Venue credentials unavailable, orders stay on the paper venue")
		} else {
			logger.Warn().Str("venue", name).Msg("No live execution client for venue, orders stay on the paper venue")
		}
	}
	gw := gateway.NewGateway(gateway.Config{
		OrderTimeout:    cfg.GatewayConfig.OrderTimeout,
		MonitorInterval: cfg.GatewayConfig.ReconcileInterval,
	}, gateway.NewPaperVenue(paperSlippageBps), st, fabric, bus, m, logger)
	if err := gw.Load(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to restore open orders")
	}
	gw.Start()
	logger.Info().Msg("Order gateway started")

	var monitor *arbitrage.Monitor
	var executor *arbitrage.Executor
	if cfg.ArbitrageConfig.Enabled {
		arbCfg := arbitrage.Config{
			MinProfitPercent:     cfg.ArbitrageConfig.MinProfitPercent,
			MinProfitUSD:         cfg.ArbitrageConfig.MinProfitUSD,
			AutoExecuteMinProfit: cfg.ArbitrageConfig.AutoExecuteMinProfit,
			AutoExecuteMinPct:    cfg.ArbitrageConfig.AutoExecuteMinPercent,
			MaxTradeNotionalUSD:  cfg.ArbitrageConfig.MaxTradeAmountUSD,
			DefaultGasCostUSD:    cfg.ArbitrageConfig.DefaultGasCostUSD,
			TakerFeePct:          cfg.ArbitrageConfig.TakerFeePct,
			ScanInterval:         cfg.ArbitrageConfig.ScanInterval,
			ExecutionTimeout:     cfg.ArbitrageConfig.ExecutionTimeout,
			TriangularVenues:     cfg.ArbitrageConfig.TriangularVenues,
			FlashLoanProtocols:   cfg.ArbitrageConfig.FlashLoanProtocols,
		}
		gas := arbitrage.NewGasBook(cfg.ArbitrageConfig.DefaultGasCostUSD, st, logger)
		if cfg.ArbitrageConfig.AutoExecuteEnabled {
			executor = arbitrage.NewExecutor(arbCfg, st, gateway.NewArbTrader(gw), nil, nil, fabric, m, logger)
		}
		monitor = arbitrage.NewMonitor(arbCfg, cache, st, executor, gas, nil, fabric, m, logger)
		monitor.Start()
		logger.Info().
			Bool("auto_execute", executor != nil).
			Dur("scan_interval", arbCfg.ScanInterval).
			Msg("Arbitrage monitor started")
	}

	// Strategy lifecycle. One generator feeds both the on-demand
	// generation jobs and the reviewer's breeding path.
	gen := strategy.NewTemplateGenerator(watchlist, "1h", time.Now().UnixNano())
	genMgr := lifecycle.NewGenerationManager(lifecycle.GenerationConfig{
		Symbols:     watchlist,
		Timeframe:   "1h",
		WindowDays:  cfg.LifecycleConfig.BacktestDays,
		MinCandles:  cfg.LifecycleConfig.MinCandles,
		Parallelism: cfg.LifecycleConfig.BacktestParallelism,
		Timeout:     cfg.LifecycleConfig.GenerationTimeout,
		Backtest: backtest.Config{
			AnnualRiskFree: cfg.LifecycleConfig.AnnualRiskFree,
			Criteria: backtest.Criteria{
				MinWinRate:      cfg.LifecycleConfig.MinWinRate,
				MinSharpe:       cfg.LifecycleConfig.MinSharpe,
				MaxDrawdown:     cfg.LifecycleConfig.MinMaxDrawdown,
				MinProfitFactor: cfg.LifecycleConfig.MinProfitFactor,
				MinTrades:       cfg.LifecycleConfig.MinTrades,
			},
		},
	}, st, history, sent, gen, bus, m, logger)
	reviewer := lifecycle.NewDailyReviewer(lifecycle.ReviewConfig{
		RiskFreeRate: cfg.LifecycleConfig.AnnualRiskFree,
	}, st, gen, bus, logger)
	activation := lifecycle.NewActivationManager(lifecycle.ActivationConfig{
		MinStabilityHours: cfg.LifecycleConfig.MinStabilityHours,
		RiskFreeRate:      cfg.LifecycleConfig.AnnualRiskFree,
	}, st, sent, bus, m, logger)

	sched := scheduler.New(logger)
	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{cfg.LifecycleConfig.ReviewSchedule, scheduler.NewReviewJob(reviewer, 0, logger)},
		{cfg.LifecycleConfig.ActivationSchedule, scheduler.NewActivationJob(activation, 0, logger)},
		{cfg.LifecycleConfig.CorrelationSchedule, scheduler.NewCorrelationJob(corr, func(ctx context.Context) []string {
			symbols := append([]string{}, watchlist...)
			if positions, err := account.Positions(ctx); err == nil {
				for i := range positions {
					symbols = append(symbols, positions[i].Symbol)
				}
			}
			return symbols
		}, 0, logger)},
		{"0 5 0 * * *", scheduler.NewFlowDigestJob(st, bus, logger)},
	}
	for _, j := range jobs {
		if err := sched.Register(j.schedule, j.job); err != nil {
			logger.Fatal().Err(err).Str("job", j.job.Name()).Msg("Failed to register scheduled job")
		}
	}
	sched.Start()
	logger.Info().Int("jobs", len(jobs)).Msg("Scheduler started")

	var srv *ops.Server
	if cfg.ServerConfig.Enabled {
		jwtSecret := cfg.ServerConfig.JWTSecret
		if jwtSecret == "" {
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				logger.Fatal().Err(err).Msg("Failed to generate an ops signing key")
			}
			jwtSecret = hex.EncodeToString(buf)
			logger.Warn().Msg("OPS_JWT_SECRET not set, using an ephemeral signing key; tokens will not survive restarts")
		}
		srv = ops.NewServer(ops.Config{
			Host:            cfg.ServerConfig.Host,
			Port:            cfg.ServerConfig.Port,
			AllowedOrigins:  splitOrigins(cfg.ServerConfig.AllowedOrigins),
			JWTSecret:       jwtSecret,
			AdminSecretHash: cfg.ServerConfig.AdminSecretHash,
			TokenDuration:   cfg.ServerConfig.TokenDuration,
			ReadTimeout:     time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
			WriteTimeout:    time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
		}, st, bus, m, limiter, cache, riskSvc, portfolio, monitor, genMgr, indicators, gw, logger)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Fatal().Err(err).Msg("Ops server failed")
			}
		}()
		logger.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.ServerConfig.Host, cfg.ServerConfig.Port)).Msg("Ops API listening")
	}

	bus.Publish(events.Event{
		Type: events.EventSystemStatus,
		Data: map[string]interface{}{
			"status": "started",
			"store":  storeBackend,
			"fabric": fabric != nil,
			"venue":  cfg.GatewayConfig.Venue,
		},
	})
	logger.Info().Msg("mastertrade control plane started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down...")
	bus.Publish(events.Event{
		Type: events.EventSystemStatus,
		Data: map[string]interface{}{"status": "stopping"},
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Ops server shutdown failed")
		}
	}
	sched.Stop()
	if monitor != nil {
		monitor.Stop()
	}
	if executor != nil {
		executor.Wait()
	}
	gw.Stop()
	indicators.Stop()
	if stream != nil {
		stream.Stop()
	}
	if poller != nil {
		poller.Stop()
	}
	fearGreed.Stop()

	rootCancel()
	riskSvc.Wait()

	if fabric != nil {
		if err := fabric.Close(); err != nil {
			logger.Error().Err(err).Msg("Fabric close failed")
		}
	}
	limiter.Close()
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("Redis close failed")
		}
	}

	logger.Info().Msg("Shutdown complete")
}

// splitOrigins turns the comma-separated origin list into a slice,
// dropping empty entries.
func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
