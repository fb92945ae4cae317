package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mastertrade/internal/domain"
	"mastertrade/internal/events"
	"mastertrade/internal/lifecycle"
	"mastertrade/internal/store"
)

// reviewRunner is satisfied by *lifecycle.DailyReviewer.
type reviewRunner interface {
	ReviewAll(ctx context.Context) ([]domain.StrategyReview, error)
}

// ReviewJob runs the daily strategy review. A run that outlasts the
// next trigger is not doubled; the overlapping trigger is skipped.
type ReviewJob struct {
	reviewer reviewRunner
	timeout  time.Duration
	running  atomic.Bool
	logger   zerolog.Logger
}

func NewReviewJob(reviewer reviewRunner, timeout time.Duration, logger zerolog.Logger) *ReviewJob {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &ReviewJob{
		reviewer: reviewer,
		timeout:  timeout,
		logger:   logger.With().Str("job", "daily_review").Logger(),
	}
}

func (j *ReviewJob) Name() string { return "daily_review" }

func (j *ReviewJob) Run() error {
	if !j.running.CompareAndSwap(false, true) {
		j.logger.Warn().Msg("Previous review still in progress, skipping")
		return nil
	}
	defer j.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	reviews, err := j.reviewer.ReviewAll(ctx)
	if err != nil {
		return fmt.Errorf("daily review: %w", err)
	}
	j.logger.Info().Int("reviewed", len(reviews)).Msg("Daily review finished")
	return nil
}

// activationRunner is satisfied by *lifecycle.ActivationManager.
type activationRunner interface {
	CheckAndUpdate(ctx context.Context) (*lifecycle.ActivationChange, error)
}

// ActivationJob sweeps the strategy activation set. The manager's own
// stability window decides whether a sweep actually runs.
type ActivationJob struct {
	manager activationRunner
	timeout time.Duration
	logger  zerolog.Logger
}

func NewActivationJob(manager activationRunner, timeout time.Duration, logger zerolog.Logger) *ActivationJob {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ActivationJob{
		manager: manager,
		timeout: timeout,
		logger:  logger.With().Str("job", "activation_check").Logger(),
	}
}

func (j *ActivationJob) Name() string { return "activation_check" }

func (j *ActivationJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	change, err := j.manager.CheckAndUpdate(ctx)
	if err != nil {
		return fmt.Errorf("activation check: %w", err)
	}
	if change == nil {
		j.logger.Debug().Msg("Activation check inside stability window")
		return nil
	}
	j.logger.Info().
		Strs("activated", change.Activated).
		Strs("deactivated", change.Deactivated).
		Msg("Activation check finished")
	return nil
}

// correlationRefresher is satisfied by *risk.CorrelationTracker.
type correlationRefresher interface {
	Refresh(ctx context.Context, symbols []string) error
}

// CorrelationJob refreshes the portfolio correlation snapshot over the
// symbols reported by the universe source (open positions plus fresh
// market data, wired in main).
type CorrelationJob struct {
	tracker  correlationRefresher
	universe func(ctx context.Context) []string
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewCorrelationJob(tracker correlationRefresher, universe func(ctx context.Context) []string, timeout time.Duration, logger zerolog.Logger) *CorrelationJob {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &CorrelationJob{
		tracker:  tracker,
		universe: universe,
		timeout:  timeout,
		logger:   logger.With().Str("job", "correlation_refresh").Logger(),
	}
}

func (j *CorrelationJob) Name() string { return "correlation_refresh" }

func (j *CorrelationJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	symbols := j.universe(ctx)
	if len(symbols) < 2 {
		j.logger.Debug().Int("symbols", len(symbols)).Msg("Universe too small for correlation")
		return nil
	}
	if err := j.tracker.Refresh(ctx, symbols); err != nil {
		return fmt.Errorf("correlation refresh: %w", err)
	}
	j.logger.Info().Int("symbols", len(symbols)).Msg("Correlation snapshot refreshed")
	return nil
}

// FlowDigestJob summarises the previous day's asset flows from the
// daily rollup and publishes the digest for the ops dashboard.
type FlowDigestJob struct {
	ts      store.TimeSeriesStore
	bus     *events.EventBus
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewFlowDigestJob wires the digest. bus may be nil.
func NewFlowDigestJob(ts store.TimeSeriesStore, bus *events.EventBus, logger zerolog.Logger) *FlowDigestJob {
	return &FlowDigestJob{
		ts:      ts,
		bus:     bus,
		timeout: 30 * time.Second,
		logger:  logger.With().Str("job", "flow_digest").Logger(),
		now:     time.Now,
	}
}

func (j *FlowDigestJob) Name() string { return "flow_digest" }

func (j *FlowDigestJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	day := j.now().UTC().AddDate(0, 0, -1)
	since := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	rows, err := j.ts.FlowRollup(ctx, store.RollupDaily, "", since)
	if err != nil {
		return fmt.Errorf("daily flow rollup: %w", err)
	}

	var flows int64
	var usd float64
	usdByType := make(map[string]float64)
	for _, r := range rows {
		flows += r.FlowCount
		usd += r.TotalUSDValue
		usdByType[r.FlowType] += r.TotalUSDValue
	}
	j.logger.Info().
		Time("since", since).
		Int("buckets", len(rows)).
		Int64("flows", flows).
		Float64("usd_value", usd).
		Msg("Daily flow digest")

	if j.bus != nil {
		j.bus.Publish(events.Event{
			Type: events.EventSystemStatus,
			Data: map[string]interface{}{
				"kind":        "flow_digest",
				"since":       since,
				"flows":       flows,
				"usd_value":   usd,
				"usd_by_type": usdByType,
			},
		})
	}
	return nil
}
