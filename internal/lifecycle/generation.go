// Package lifecycle runs strategies through their whole life: generation
// jobs that backtest fresh candidates, daily reviews that grade the live
// ones, and rotation of the active set under a configurable cap.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mastertrade/internal/backtest"
	"mastertrade/internal/domain"
	"mastertrade/internal/events"
	"mastertrade/internal/metrics"
	"mastertrade/internal/sentiment"
	"mastertrade/internal/store"
	"mastertrade/internal/strategy"
)

// ProgressTopic is the broadcast topic for generation job snapshots.
const ProgressTopic = "generation.progress"

const (
	progressEveryGenerated  = 10
	progressEveryBacktested = 5
	persistTimeout          = 5 * time.Second
)

// CandleSource supplies the historical candles backtests replay.
type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error)
}

// Broadcast pushes a progress snapshot to an external channel, typically
// the message fabric.
type Broadcast func(topic string, snapshot map[string]interface{})

// GenerationConfig controls how generation jobs run.
type GenerationConfig struct {
	Symbols    []string
	Timeframe  string
	WindowDays int
	// MinCandles is the shortest history a strategy is really replayed
	// on; anything shorter records a simulated summary instead.
	MinCandles int
	// Parallelism bounds concurrent backtests within a job. Candidates
	// are still generated and persisted one at a time.
	Parallelism int
	// Timeout, when positive, deadlines the whole job.
	Timeout  time.Duration
	Backtest backtest.Config
}

// DefaultGenerationConfig backtests hourly candles over a 90 day window.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Symbols:    []string{"BTCUSDT", "ETHUSDT"},
		Timeframe:  "1h",
		WindowDays: 90,
		Backtest:   backtest.DefaultConfig(),
	}
}

// GenerationManager owns strategy generation jobs. Each job creates
// candidates through the configured generator, persists them as paper
// trading strategies and backtests every one against recent history.
// Jobs run on background contexts so they outlive the request that
// started them; CancelJob stops a job at its next checkpoint and keeps
// the partial results.
type GenerationManager struct {
	cfg       GenerationConfig
	st        store.Store
	candles   CandleSource
	sent      sentiment.Provider
	generator strategy.Generator
	bus       *events.EventBus
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	// Broadcast, when set, receives every progress snapshot in addition
	// to the event bus.
	Broadcast Broadcast

	mu   sync.Mutex
	jobs map[string]*jobState
}

type jobState struct {
	job    domain.GenerationJob
	cancel context.CancelFunc
}

// NewGenerationManager wires a manager. gen may be nil to use the
// built-in templates; sent, bus and m may be nil and the corresponding
// inputs and outputs are skipped.
func NewGenerationManager(cfg GenerationConfig, st store.Store, candles CandleSource, sent sentiment.Provider, gen strategy.Generator, bus *events.EventBus, m *metrics.Metrics, logger zerolog.Logger) *GenerationManager {
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = "1h"
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 90
	}
	if cfg.MinCandles <= 0 {
		cfg.MinCandles = backtest.MinCandles
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if gen == nil {
		gen = strategy.NewTemplateGenerator(cfg.Symbols, cfg.Timeframe, time.Now().UnixNano())
	}
	return &GenerationManager{
		cfg:       cfg,
		st:        st,
		candles:   candles,
		sent:      sent,
		generator: gen,
		bus:       bus,
		metrics:   m,
		logger:    logger.With().Str("component", "strategy_generation").Logger(),
		now:       time.Now,
		jobs:      make(map[string]*jobState),
	}
}

// StartGenerationJob registers a job and launches its background worker.
// A zero count settles to completed immediately. types narrows the
// template catalogue; nil means all types.
func (g *GenerationManager) StartGenerationJob(ctx context.Context, count int, types []string) (string, error) {
	if count < 0 {
		return "", fmt.Errorf("strategy count must not be negative, got %d", count)
	}

	job := domain.GenerationJob{
		JobID:     uuid.NewString(),
		Status:    domain.JobStatusPending,
		Total:     count,
		StartedAt: g.now().UTC(),
	}

	if count == 0 {
		done := job.StartedAt
		job.Status = domain.JobStatusCompleted
		job.CompletedAt = &done
		if err := g.persistJob(ctx, job); err != nil {
			return "", err
		}
		g.mu.Lock()
		g.jobs[job.JobID] = &jobState{job: job}
		g.mu.Unlock()
		g.finalize(job)
		return job.JobID, nil
	}

	if err := g.persistJob(ctx, job); err != nil {
		return "", err
	}

	var jobCtx context.Context
	var cancel context.CancelFunc
	if g.cfg.Timeout > 0 {
		jobCtx, cancel = context.WithTimeout(context.Background(), g.cfg.Timeout)
	} else {
		jobCtx, cancel = context.WithCancel(context.Background())
	}
	g.mu.Lock()
	g.jobs[job.JobID] = &jobState{job: job, cancel: cancel}
	g.mu.Unlock()

	go g.run(jobCtx, job.JobID, count, types)
	g.logger.Info().Str("job_id", job.JobID).Int("count", count).Msg("Generation job started")
	return job.JobID, nil
}

// CancelJob requests a stop. The job settles to cancelled at its next
// checkpoint, keeping everything persisted so far.
func (g *GenerationManager) CancelJob(jobID string) error {
	g.mu.Lock()
	st, ok := g.jobs[jobID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("generation job %s: %w", jobID, store.ErrNotFound)
	}
	status := st.job.Status
	cancel := st.cancel
	g.mu.Unlock()

	switch status {
	case domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled:
		return fmt.Errorf("generation job %s already %s", jobID, status)
	}
	if cancel != nil {
		cancel()
	}
	g.logger.Info().Str("job_id", jobID).Msg("Generation job cancel requested")
	return nil
}

// Job returns a snapshot of one tracked job.
func (g *GenerationManager) Job(jobID string) (domain.GenerationJob, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.jobs[jobID]
	if !ok {
		return domain.GenerationJob{}, false
	}
	return st.job, true
}

// Jobs returns snapshots of all tracked jobs, newest first.
func (g *GenerationManager) Jobs() []domain.GenerationJob {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.GenerationJob, 0, len(g.jobs))
	for _, st := range g.jobs {
		out = append(out, st.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// run is the job worker. Cancellation is honoured before each strategy
// and before each backtest is dispatched; backtests already in flight
// finish and their summaries persist, everything persisted before the
// checkpoint stays.
func (g *GenerationManager) run(ctx context.Context, jobID string, count int, types []string) {
	g.transition(ctx, jobID, domain.JobStatusGenerating)

	strategies, err := g.generator.GenerateSystematic(ctx, count, types)
	if err != nil && ctx.Err() == nil {
		g.logger.Warn().Err(err).Str("job_id", jobID).Msg("Generator failed, falling back to templates")
		fallback := strategy.NewTemplateGenerator(g.cfg.Symbols, g.cfg.Timeframe, g.now().UnixNano())
		strategies, err = fallback.GenerateSystematic(ctx, count, types)
	}
	if err != nil {
		if ctx.Err() != nil {
			g.settle(ctx, jobID)
		} else {
			g.finish(jobID, domain.JobStatusFailed, err.Error())
		}
		return
	}

	persisted := make([]domain.Strategy, 0, len(strategies))
	for i := range strategies {
		if ctx.Err() != nil {
			g.settle(ctx, jobID)
			return
		}
		s := strategies[i]
		if err := g.persistStrategy(ctx, &s); err != nil {
			g.finish(jobID, domain.JobStatusFailed, err.Error())
			return
		}
		persisted = append(persisted, s)
		job := g.update(jobID, func(j *domain.GenerationJob) {
			j.Generated++
			j.CurrentStrategy = s.Name
		})
		if job.Generated%progressEveryGenerated == 0 {
			g.progress(job)
		}
	}

	g.transition(ctx, jobID, domain.JobStatusBacktesting)

	if err := g.backtestAll(ctx, jobID, persisted); err != nil {
		g.finish(jobID, domain.JobStatusFailed, err.Error())
		return
	}

	if ctx.Err() != nil {
		g.settle(ctx, jobID)
		return
	}
	g.finish(jobID, domain.JobStatusCompleted, "")
}

// backtestAll replays every persisted strategy through a pool of at most
// Parallelism workers. Summaries are persisted and counted from this
// goroutine, so progress moves one backtest at a time no matter how wide
// the pool is.
func (g *GenerationManager) backtestAll(ctx context.Context, jobID string, persisted []domain.Strategy) error {
	if len(persisted) == 0 {
		return nil
	}
	workers := g.cfg.Parallelism
	if workers > len(persisted) {
		workers = len(persisted)
	}

	btCtx, stop := context.WithCancel(ctx)
	defer stop()

	work := make(chan *domain.Strategy)
	summaries := make(chan domain.BacktestSummary)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for s := range work {
				if btCtx.Err() != nil {
					return
				}
				g.update(jobID, func(j *domain.GenerationJob) { j.CurrentStrategy = s.Name })
				summaries <- g.backtestOne(btCtx, jobID, s)
			}
		}()
	}
	go func() {
		defer close(work)
		for i := range persisted {
			select {
			case work <- &persisted[i]:
			case <-btCtx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(summaries)
	}()

	var firstErr error
	for summary := range summaries {
		if firstErr != nil {
			continue
		}
		if err := g.persistSummary(ctx, summary); err != nil {
			firstErr = err
			stop()
			continue
		}
		job := g.update(jobID, func(j *domain.GenerationJob) {
			j.Backtested++
			if summary.PassedCriteria {
				j.Passed++
			} else {
				j.Failed++
			}
		})
		if job.Backtested%progressEveryBacktested == 0 {
			g.progress(job)
		}
	}
	return firstErr
}

// settle records the terminal status for a job whose context ended,
// distinguishing an operator cancel from the job deadline.
func (g *GenerationManager) settle(ctx context.Context, jobID string) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		g.finish(jobID, domain.JobStatusFailed, "generation deadline exceeded")
		return
	}
	g.finish(jobID, domain.JobStatusCancelled, "")
}

// backtestOne replays one strategy over the configured history window.
// Missing or short history yields a simulated placeholder summary so the
// job keeps moving.
func (g *GenerationManager) backtestOne(ctx context.Context, jobID string, s *domain.Strategy) domain.BacktestSummary {
	end := g.now().UTC()
	start := end.AddDate(0, 0, -g.cfg.WindowDays)
	interval := s.Timeframe
	if interval == "" {
		interval = g.cfg.Timeframe
	}

	candles, err := g.candles.Candles(ctx, s.Symbol, interval, windowCandles(g.cfg.WindowDays, interval))
	if err != nil || len(candles) < g.cfg.MinCandles {
		if err != nil {
			g.logger.Warn().Err(err).Str("strategy_id", s.ID).Msg("Candle fetch failed, recording simulated backtest")
		} else {
			g.logger.Debug().Str("strategy_id", s.ID).Int("candles", len(candles)).Msg("Too little history, recording simulated backtest")
		}
		summary := backtest.SimulatedSummary(s.ID, "insufficient_data", g.now().UTC())
		summary.JobID = jobID
		summary.StartDate = start
		summary.EndDate = end
		return summary
	}

	var symbolMood, globalMood []sentiment.Sample
	if g.sent != nil {
		symbolMood = g.sent.Window(s.Symbol, start, end)
		globalMood = g.sent.Window("", start, end)
	}

	engine := backtest.NewEngine(g.cfg.Backtest)
	if s.Type == strategy.TypeBTCCorrelation && s.Symbol != "BTCUSDT" {
		if ref, refErr := g.candles.Candles(ctx, "BTCUSDT", interval, windowCandles(g.cfg.WindowDays, interval)); refErr == nil {
			engine.Reference = ref
		}
	}
	result, err := engine.Run(s, candles, symbolMood, globalMood)
	if err != nil {
		g.logger.Warn().Err(err).Str("strategy_id", s.ID).Msg("Backtest failed, recording simulated summary")
		summary := backtest.SimulatedSummary(s.ID, err.Error(), g.now().UTC())
		summary.JobID = jobID
		summary.StartDate = start
		summary.EndDate = end
		return summary
	}

	summary := result.Summary
	summary.JobID = jobID
	return summary
}

// transition moves a job to a new in-flight status and persists it.
func (g *GenerationManager) transition(ctx context.Context, jobID, status string) {
	job := g.update(jobID, func(j *domain.GenerationJob) { j.Status = status })
	if err := g.persistJob(ctx, job); err != nil {
		g.logger.Warn().Err(err).Str("job_id", jobID).Msg("Job status persist failed")
	}
}

// finish records the terminal status on a fresh context, so it lands
// even when the job context was cancelled.
func (g *GenerationManager) finish(jobID, status, errMsg string) {
	done := g.now().UTC()
	job := g.update(jobID, func(j *domain.GenerationJob) {
		j.Status = status
		j.CompletedAt = &done
		j.CurrentStrategy = ""
		j.Error = errMsg
	})

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := g.persistJob(ctx, job); err != nil {
		g.logger.Error().Err(err).Str("job_id", jobID).Msg("Finished job persist failed")
	}
	g.finalize(job)
}

// finalize emits the terminal snapshot, event and metric for a job.
func (g *GenerationManager) finalize(job domain.GenerationJob) {
	g.progress(job)
	if g.bus != nil {
		g.bus.Publish(events.Event{Type: events.EventGenerationDone, Data: map[string]interface{}{
			"job_id": job.JobID,
			"status": job.Status,
			"passed": job.Passed,
			"failed": job.Failed,
		}})
	}
	if g.metrics != nil {
		g.metrics.GenerationJobsTotal.WithLabelValues(job.Status).Inc()
	}
	g.logger.Info().
		Str("job_id", job.JobID).
		Str("status", job.Status).
		Int("generated", job.Generated).
		Int("backtested", job.Backtested).
		Int("passed", job.Passed).
		Msg("Generation job finished")
}

// progress fans a snapshot out to the event bus and the broadcast hook.
func (g *GenerationManager) progress(job domain.GenerationJob) {
	snapshot := map[string]interface{}{
		"status":           job.Status,
		"total":            job.Total,
		"generated":        job.Generated,
		"backtested":       job.Backtested,
		"passed":           job.Passed,
		"failed":           job.Failed,
		"current_strategy": job.CurrentStrategy,
	}
	if g.bus != nil {
		g.bus.PublishGenerationProgress(job.JobID, snapshot)
	}
	if g.Broadcast != nil {
		g.Broadcast(ProgressTopic, snapshot)
	}
}

// update applies fn to the tracked job under the lock and returns the
// updated copy.
func (g *GenerationManager) update(jobID string, fn func(*domain.GenerationJob)) domain.GenerationJob {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.jobs[jobID]
	if !ok {
		return domain.GenerationJob{}
	}
	fn(&st.job)
	return st.job
}

func (g *GenerationManager) persistStrategy(ctx context.Context, s *domain.Strategy) error {
	return persistNewStrategy(ctx, g.st, s, g.now())
}

func (g *GenerationManager) persistSummary(ctx context.Context, summary domain.BacktestSummary) error {
	doc, err := store.Encode(summary)
	if err != nil {
		return fmt.Errorf("encode backtest %s: %w", summary.ID, err)
	}
	if err := g.st.Upsert(ctx, store.ContainerBacktestResults, doc); err != nil {
		return fmt.Errorf("persist backtest %s: %w", summary.ID, err)
	}
	return nil
}

func (g *GenerationManager) persistJob(ctx context.Context, job domain.GenerationJob) error {
	doc, err := store.Encode(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.JobID, err)
	}
	doc["id"] = job.JobID
	if err := g.st.Upsert(ctx, store.ContainerGenerationJobs, doc); err != nil {
		return fmt.Errorf("persist job %s: %w", job.JobID, err)
	}
	return nil
}

// windowCandles converts a day window into a fetch limit for the interval.
func windowCandles(days int, interval string) int {
	return days * 24 * 60 / intervalMinutes(interval)
}

func intervalMinutes(interval string) int {
	switch interval {
	case "1m":
		return 1
	case "5m":
		return 5
	case "15m":
		return 15
	case "4h":
		return 240
	case "1d":
		return 1440
	}
	return 60
}
