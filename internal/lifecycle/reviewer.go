package lifecycle

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mastertrade/internal/domain"
	"mastertrade/internal/events"
	"mastertrade/internal/stats"
	"mastertrade/internal/store"
	"mastertrade/internal/strategy"
)

const (
	reviewWindowDays     = 30
	reviewInterval       = 24 * time.Hour
	lowTradeCount        = 20
	optimizeInactiveDays = 7.0
	maxInactiveDays      = 14.0
	allocationStep       = 0.05

	// A replacement candidate must beat the incumbent's live sharpe
	// by this factor.
	replacementSharpeEdge = 1.2
)

// ReviewConfig tunes the daily reviewer.
type ReviewConfig struct {
	RiskFreeRate  float64
	ReviewCapital float64
	MinTrades     int
}

// DefaultReviewConfig reviews against 10k capital and skips strategies
// with fewer than 10 closed trades in the window.
func DefaultReviewConfig() ReviewConfig {
	return ReviewConfig{
		RiskFreeRate:  0.02,
		ReviewCapital: 10000,
		MinTrades:     10,
	}
}

// DailyReviewer grades every active strategy once a day against its own
// backtest, picks a decision from the grade and applies it atomically.
type DailyReviewer struct {
	cfg       ReviewConfig
	st        store.Store
	generator strategy.Generator
	bus       *events.EventBus
	logger    zerolog.Logger
	now       func() time.Time
}

// NewDailyReviewer wires a reviewer. gen is used to breed replacement
// candidates and may be nil; bus may be nil.
func NewDailyReviewer(cfg ReviewConfig, st store.Store, gen strategy.Generator, bus *events.EventBus, logger zerolog.Logger) *DailyReviewer {
	if cfg.ReviewCapital <= 0 {
		cfg.ReviewCapital = 10000
	}
	if cfg.MinTrades <= 0 {
		cfg.MinTrades = 10
	}
	return &DailyReviewer{
		cfg:       cfg,
		st:        st,
		generator: gen,
		bus:       bus,
		logger:    logger.With().Str("component", "daily_review").Logger(),
		now:       time.Now,
	}
}

// ReviewAll reviews every active strategy whose last review is at least
// a day old and applies the resulting decisions. Failures on one
// strategy do not stop the sweep.
func (r *DailyReviewer) ReviewAll(ctx context.Context) ([]domain.StrategyReview, error) {
	docs, err := r.st.Query(ctx, store.ContainerStrategies, store.Query{
		Filters: map[string]interface{}{"is_active": true},
	})
	if err != nil {
		return nil, fmt.Errorf("query active strategies: %w", err)
	}

	var reviews []domain.StrategyReview
	for _, doc := range docs {
		var s domain.Strategy
		if err := store.Decode(doc, &s); err != nil {
			r.logger.Warn().Err(err).Str("id", doc.ID()).Msg("Skipping undecodable strategy")
			continue
		}
		due, err := r.due(ctx, s.ID)
		if err != nil {
			return reviews, err
		}
		if !due {
			continue
		}
		review, err := r.ReviewStrategy(ctx, &s)
		if err != nil {
			r.logger.Error().Err(err).Str("strategy_id", s.ID).Msg("Review failed")
			continue
		}
		if review == nil {
			continue
		}
		if err := r.Apply(ctx, review); err != nil {
			r.logger.Error().Err(err).Str("strategy_id", s.ID).Msg("Review apply failed")
			continue
		}
		reviews = append(reviews, *review)
	}
	return reviews, nil
}

// ReviewStrategy grades one strategy's live window against its latest
// backtest and records the decision. Strategies with fewer than
// MinTrades closed trades are skipped with a nil review.
func (r *DailyReviewer) ReviewStrategy(ctx context.Context, s *domain.Strategy) (*domain.StrategyReview, error) {
	now := r.now().UTC()
	trades, err := loadTrades(ctx, r.st, s.ID, now.AddDate(0, 0, -reviewWindowDays))
	if err != nil {
		return nil, err
	}
	if len(trades) < r.cfg.MinTrades {
		r.logger.Debug().Str("strategy_id", s.ID).Int("trades", len(trades)).Msg("Too few trades to review")
		return nil, nil
	}

	ts := ComputeTradeStats(trades, r.cfg.ReviewCapital, r.cfg.RiskFreeRate)
	bt, err := latestBacktest(ctx, r.st, s.ID)
	if err != nil {
		return nil, err
	}
	degradation := 0.0
	if bt != nil && bt.Sharpe != 0 {
		degradation = math.Abs(ts.Sharpe-bt.Sharpe) / math.Abs(bt.Sharpe)
	}
	inactiveDays := now.Sub(ts.LastExit).Hours() / 24

	grade := gradeStrategy(ts, degradation)
	decision, confidence := decide(grade, ts, degradation, inactiveDays)
	if ts.Trades < lowTradeCount {
		confidence *= 0.8
	}
	if inactiveDays > maxInactiveDays {
		confidence *= 0.7
	}

	review := domain.StrategyReview{
		ID:         uuid.NewString(),
		StrategyID: s.ID,
		Timestamp:  now,
		Grade:      grade,
		Decision:   decision,
		Confidence: confidence,
	}
	review.Strengths, review.Weaknesses = describe(ts, degradation)

	switch decision {
	case domain.DecisionOptimize, domain.DecisionModifyLogic:
		review.ParamAdjustments = r.paramAdjustments(s, ts)
	case domain.DecisionIncreaseAlloc:
		review.AllocationChange = allocationStep
	case domain.DecisionDecreaseAlloc:
		review.AllocationChange = -allocationStep
	case domain.DecisionReplace:
		review.ReplacementCandidates = r.replacementCandidates(ctx, s, ts.Sharpe)
	}

	if err := r.persistReview(ctx, &review); err != nil {
		return nil, err
	}
	if r.bus != nil {
		r.bus.PublishReviewCompleted(review.StrategyID, review.Grade, review.Decision, review.Confidence)
	}
	r.logger.Info().
		Str("strategy_id", s.ID).
		Str("grade", grade).
		Str("decision", decision).
		Float64("confidence", confidence).
		Float64("degradation", degradation).
		Msg("Strategy reviewed")
	return &review, nil
}

// Apply executes a review decision on the stored strategy in one
// transaction: status flips, parameter merges, allocation changes and
// the replacement cross-stamp all land together or not at all.
func (r *DailyReviewer) Apply(ctx context.Context, review *domain.StrategyReview) error {
	if review == nil {
		return nil
	}
	return r.st.Transactional(ctx, func(txn store.DocumentStore) error {
		doc, err := txn.Get(ctx, store.ContainerStrategies, review.StrategyID, review.StrategyID)
		if err != nil {
			return fmt.Errorf("load strategy %s: %w", review.StrategyID, err)
		}
		var s domain.Strategy
		if err := store.Decode(doc, &s); err != nil {
			return fmt.Errorf("decode strategy %s: %w", review.StrategyID, err)
		}

		now := r.now().UTC()
		switch review.Decision {
		case domain.DecisionKeepAsIs:
			// record only
		case domain.DecisionIncreaseAlloc, domain.DecisionDecreaseAlloc:
			s.Allocation = stats.Clamp(s.Allocation+review.AllocationChange, 0, 1)
		case domain.DecisionOptimize, domain.DecisionModifyLogic:
			if len(review.ParamAdjustments) > 0 {
				if s.Parameters == nil {
					s.Parameters = map[string]interface{}{}
				}
				for k, v := range review.ParamAdjustments {
					s.Parameters[k] = v
				}
			}
		case domain.DecisionPause:
			s.Status = domain.StrategyStatusPaused
			s.IsActive = false
		case domain.DecisionReplace:
			s.Status = domain.StrategyStatusReplaced
			s.IsActive = false
			if len(review.ReplacementCandidates) > 0 {
				if s.Metadata == nil {
					s.Metadata = map[string]interface{}{}
				}
				s.Metadata["replaced_by"] = review.ReplacementCandidates[0]
			}
		}
		s.UpdatedAt = now

		updated, err := store.Encode(&s)
		if err != nil {
			return fmt.Errorf("encode strategy %s: %w", s.ID, err)
		}
		if err := txn.Upsert(ctx, store.ContainerStrategies, updated); err != nil {
			return fmt.Errorf("persist strategy %s: %w", s.ID, err)
		}

		if review.Decision == domain.DecisionReplace && len(review.ReplacementCandidates) > 0 {
			return stampReplaces(ctx, txn, review.ReplacementCandidates[0], s.ID, now)
		}
		return nil
	})
}

// due reports whether the last stored review is old enough for another.
func (r *DailyReviewer) due(ctx context.Context, strategyID string) (bool, error) {
	found, err := r.st.Query(ctx, store.ContainerStrategyReviews, store.Query{
		PartitionValue: strategyID,
		OrderBy:        "timestamp",
		Descending:     true,
		Limit:          1,
	})
	if err != nil {
		return false, fmt.Errorf("query reviews for %s: %w", strategyID, err)
	}
	if len(found) == 0 {
		return true, nil
	}
	var last domain.StrategyReview
	if err := store.Decode(found[0], &last); err != nil {
		return true, nil
	}
	return r.now().Sub(last.Timestamp) >= reviewInterval, nil
}

// paramAdjustments derives parameter nudges from the live stats: tighten
// entries when the win rate is low, loosen them when the strategy barely
// trades, and harden stops when the volatile regime is losing money.
// Later rules compound on earlier ones.
func (r *DailyReviewer) paramAdjustments(s *domain.Strategy, ts TradeStats) map[string]interface{} {
	adj := map[string]interface{}{}
	if ts.WinRate < 0.45 {
		scaleInto(adj, s.Parameters, "entry_threshold", 1.2)
		scaleInto(adj, s.Parameters, "entry_zscore", 1.15)
	}
	if ts.Trades < 15 {
		scaleInto(adj, s.Parameters, "lookback", 0.8)
		scaleInto(adj, s.Parameters, "entry_threshold", 0.85)
	}
	if regime, ret := worstRegime(ts.RegimeReturns); regime == domain.RegimeVolatile && ret < 0 {
		scaleInto(adj, s.Parameters, "stop_loss", 0.9)
		scaleInto(adj, s.Parameters, "volume_ratio", 1.1)
	}
	return adj
}

// replacementCandidates finds same-type strategies whose latest real
// backtest clearly beats the incumbent's live sharpe, breeding a fresh
// variant when none qualifies.
func (r *DailyReviewer) replacementCandidates(ctx context.Context, s *domain.Strategy, liveSharpe float64) []string {
	var out []string
	peers, err := r.st.Query(ctx, store.ContainerStrategies, store.Query{
		Filters: map[string]interface{}{"type": s.Type},
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("strategy_id", s.ID).Msg("Peer query failed")
	}
	for _, doc := range peers {
		var peer domain.Strategy
		if store.Decode(doc, &peer) != nil || peer.ID == s.ID {
			continue
		}
		if peer.Status == domain.StrategyStatusReplaced || peer.Status == domain.StrategyStatusRetired {
			continue
		}
		bt, err := latestBacktest(ctx, r.st, peer.ID)
		if err != nil || bt == nil || bt.Simulated {
			continue
		}
		if bt.Sharpe > 0 && bt.Sharpe >= replacementSharpeEdge*liveSharpe {
			out = append(out, peer.ID)
		}
	}
	if len(out) > 0 || r.generator == nil {
		return out
	}

	bred, err := r.generator.GenerateImproved(ctx, *s, "sharpe", 1)
	if err != nil || len(bred) == 0 {
		if err != nil {
			r.logger.Warn().Err(err).Str("strategy_id", s.ID).Msg("Replacement generation failed")
		}
		return nil
	}
	candidate := bred[0]
	if err := persistNewStrategy(ctx, r.st, &candidate, r.now()); err != nil {
		r.logger.Warn().Err(err).Str("strategy_id", s.ID).Msg("Replacement persist failed")
		return nil
	}
	return []string{candidate.ID}
}

func (r *DailyReviewer) persistReview(ctx context.Context, review *domain.StrategyReview) error {
	doc, err := store.Encode(review)
	if err != nil {
		return fmt.Errorf("encode review %s: %w", review.ID, err)
	}
	if err := r.st.Upsert(ctx, store.ContainerStrategyReviews, doc); err != nil {
		return fmt.Errorf("persist review %s: %w", review.ID, err)
	}
	return nil
}

// gradeStrategy folds the live stats into a 0-100 score. Sub-scores
// normalise each metric into [0,1]; the weights are sharpe 40,
// drawdown 25, win rate 15, backtest fidelity 20.
func gradeStrategy(ts TradeStats, degradation float64) string {
	sharpeScore := stats.Clamp(ts.Sharpe/2, 0, 1)
	ddScore := stats.Clamp(1+ts.MaxDrawdown/0.40, 0, 1)
	wrScore := stats.Clamp(ts.WinRate/0.60, 0, 1)
	degScore := stats.Clamp(1-degradation, 0, 1)
	total := 40*sharpeScore + 25*ddScore + 15*wrScore + 20*degScore

	switch {
	case total >= 85:
		return domain.GradeAPlus
	case total >= 70:
		return domain.GradeA
	case total >= 55:
		return domain.GradeB
	case total >= 40:
		return domain.GradeC
	}
	return domain.GradeD
}

// decide maps a grade plus its context onto a decision and the base
// confidence for that decision.
func decide(grade string, ts TradeStats, degradation, inactiveDays float64) (string, float64) {
	switch grade {
	case domain.GradeAPlus:
		if degradation < 0.10 {
			return domain.DecisionIncreaseAlloc, 0.85
		}
		return domain.DecisionKeepAsIs, 0.9
	case domain.GradeA:
		if degradation > 0.20 {
			return domain.DecisionOptimize, 0.8
		}
		return domain.DecisionKeepAsIs, 0.9
	case domain.GradeB:
		if degradation > 0.30 {
			return domain.DecisionModifyLogic, 0.75
		}
		if inactiveDays > optimizeInactiveDays {
			return domain.DecisionOptimize, 0.8
		}
		return domain.DecisionDecreaseAlloc, 0.8
	case domain.GradeC:
		if degradation > 0.50 {
			return domain.DecisionReplace, 0.85
		}
		if ts.MaxDrawdown < -0.30 {
			return domain.DecisionPause, 0.95
		}
		return domain.DecisionModifyLogic, 0.75
	}
	if ts.Sharpe < -0.5 || ts.MaxDrawdown < -0.40 {
		return domain.DecisionPause, 0.95
	}
	return domain.DecisionReplace, 0.85
}

func describe(ts TradeStats, degradation float64) (strengths, weaknesses []string) {
	if ts.Sharpe >= 1.5 {
		strengths = append(strengths, fmt.Sprintf("strong risk-adjusted returns (sharpe %.2f)", ts.Sharpe))
	}
	if ts.WinRate >= 0.55 {
		strengths = append(strengths, fmt.Sprintf("high win rate (%.0f%%)", ts.WinRate*100))
	}
	if ts.MaxDrawdown > -0.10 {
		strengths = append(strengths, "shallow drawdowns")
	}
	if ts.ProfitFactor >= 1.5 {
		strengths = append(strengths, fmt.Sprintf("profit factor %.2f", ts.ProfitFactor))
	}
	if ts.Sharpe < 0.5 {
		weaknesses = append(weaknesses, fmt.Sprintf("weak risk-adjusted returns (sharpe %.2f)", ts.Sharpe))
	}
	if ts.WinRate < 0.45 {
		weaknesses = append(weaknesses, fmt.Sprintf("low win rate (%.0f%%)", ts.WinRate*100))
	}
	if ts.MaxDrawdown < -0.25 {
		weaknesses = append(weaknesses, fmt.Sprintf("deep drawdown (%.0f%%)", ts.MaxDrawdown*100))
	}
	if degradation > 0.30 {
		weaknesses = append(weaknesses, fmt.Sprintf("diverging from backtest by %.0f%%", degradation*100))
	}
	return strengths, weaknesses
}

// scaleInto multiplies a numeric parameter by factor and stores the
// result in adj, compounding when an earlier rule already touched the
// key. Lookbacks stay integral with a floor of 2.
func scaleInto(adj, params map[string]interface{}, key string, factor float64) {
	base, ok := numeric(adj[key])
	if !ok {
		if base, ok = numeric(params[key]); !ok {
			return
		}
	}
	v := base * factor
	if key == "lookback" {
		n := int(v)
		if n < 2 {
			n = 2
		}
		adj[key] = float64(n)
		return
	}
	adj[key] = math.Round(v*10000) / 10000
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// worstRegime returns the regime with the lowest summed return and that
// return, empty when no regime tags were recorded.
func worstRegime(returns map[string]float64) (string, float64) {
	worst := ""
	low := 0.0
	for regime, ret := range returns {
		if worst == "" || ret < low {
			worst, low = regime, ret
		}
	}
	return worst, low
}

// stampReplaces marks the winning candidate with a back-reference to
// the strategy it replaces.
func stampReplaces(ctx context.Context, txn store.DocumentStore, candidateID, replacedID string, now time.Time) error {
	doc, err := txn.Get(ctx, store.ContainerStrategies, candidateID, candidateID)
	if err != nil {
		return fmt.Errorf("load replacement %s: %w", candidateID, err)
	}
	var candidate domain.Strategy
	if err := store.Decode(doc, &candidate); err != nil {
		return fmt.Errorf("decode replacement %s: %w", candidateID, err)
	}
	if candidate.Metadata == nil {
		candidate.Metadata = map[string]interface{}{}
	}
	candidate.Metadata["replaces"] = replacedID
	candidate.UpdatedAt = now

	updated, err := store.Encode(&candidate)
	if err != nil {
		return fmt.Errorf("encode replacement %s: %w", candidateID, err)
	}
	if err := txn.Upsert(ctx, store.ContainerStrategies, updated); err != nil {
		return fmt.Errorf("persist replacement %s: %w", candidateID, err)
	}
	return nil
}
