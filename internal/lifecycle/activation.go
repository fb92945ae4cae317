package lifecycle

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mastertrade/internal/domain"
	"mastertrade/internal/events"
	"mastertrade/internal/metrics"
	"mastertrade/internal/sentiment"
	"mastertrade/internal/stats"
	"mastertrade/internal/store"
)

// ReasonAutomaticOptimization tags activation changes made by the
// rotation check rather than an operator.
const ReasonAutomaticOptimization = "automatic_optimization"

// Scorecard is one strategy's activation evaluation. Component scores
// are normalised to 0..10.
type Scorecard struct {
	StrategyID         string  `json:"strategy_id"`
	Name               string  `json:"name"`
	Performance        float64 `json:"performance"`
	Backtest           float64 `json:"backtest"`
	MarketAlignment    float64 `json:"market_alignment"`
	Risk               float64 `json:"risk"`
	SentimentAlignment float64 `json:"sentiment_alignment"`
	Overall            float64 `json:"overall"`
	Active             bool    `json:"active"`
	Admissible         bool    `json:"admissible"`
	ExclusionReason    string  `json:"exclusion_reason,omitempty"`
}

// ActivationChange is the outcome of one rotation check.
type ActivationChange struct {
	Activated   []string    `json:"activated"`
	Deactivated []string    `json:"deactivated"`
	Reason      string      `json:"reason"`
	CheckedAt   time.Time   `json:"checked_at"`
	Scorecards  []Scorecard `json:"scorecards,omitempty"`
}

// ActivationConfig tunes the automatic rotation of the active set.
type ActivationConfig struct {
	MaxActiveDefault  int
	MinStabilityHours int
	RiskFreeRate      float64
	BaseCapital       float64
}

// DefaultActivationConfig allows two concurrent live strategies and
// leaves at least four hours between rotation checks.
func DefaultActivationConfig() ActivationConfig {
	return ActivationConfig{
		MaxActiveDefault:  2,
		MinStabilityHours: 4,
		RiskFreeRate:      0.02,
		BaseCapital:       10000,
	}
}

// ActivationManager keeps the best-scoring admissible strategies live,
// up to the MAX_ACTIVE_STRATEGIES setting. Deactivations run before
// activations inside one transaction so the cap holds at every point.
type ActivationManager struct {
	cfg     ActivationConfig
	st      store.Store
	sent    sentiment.Provider
	bus     *events.EventBus
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	lastCheck time.Time
}

// NewActivationManager wires a manager. sent, bus and m may be nil.
func NewActivationManager(cfg ActivationConfig, st store.Store, sent sentiment.Provider, bus *events.EventBus, m *metrics.Metrics, logger zerolog.Logger) *ActivationManager {
	if cfg.MaxActiveDefault <= 0 {
		cfg.MaxActiveDefault = 2
	}
	if cfg.MinStabilityHours < 0 {
		cfg.MinStabilityHours = 4
	}
	if cfg.BaseCapital <= 0 {
		cfg.BaseCapital = 10000
	}
	return &ActivationManager{
		cfg:     cfg,
		st:      st,
		sent:    sent,
		bus:     bus,
		metrics: m,
		logger:  logger.With().Str("component", "strategy_activation").Logger(),
		now:     time.Now,
	}
}

// CheckAndUpdate evaluates every eligible strategy and rotates the
// active set to the top scorers. Within MinStabilityHours of the last
// completed check it is a no-op returning nil.
func (a *ActivationManager) CheckAndUpdate(ctx context.Context) (*ActivationChange, error) {
	now := a.now().UTC()

	a.mu.Lock()
	stability := time.Duration(a.cfg.MinStabilityHours) * time.Hour
	if !a.lastCheck.IsZero() && now.Sub(a.lastCheck) < stability {
		a.mu.Unlock()
		a.logger.Debug().Time("last_check", a.lastCheck).Msg("Inside stability window, skipping rotation")
		return nil, nil
	}
	a.mu.Unlock()

	maxActive, err := a.st.IntSetting(ctx, store.SettingMaxActiveStrategies, a.cfg.MaxActiveDefault)
	if err != nil {
		return nil, fmt.Errorf("load max active setting: %w", err)
	}

	pool, err := a.eligible(ctx)
	if err != nil {
		return nil, err
	}

	cards := make([]Scorecard, 0, len(pool))
	for i := range pool {
		card, err := a.evaluate(ctx, &pool[i], now)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}

	admissible := make([]Scorecard, 0, len(cards))
	for _, card := range cards {
		if card.Admissible {
			admissible = append(admissible, card)
		}
	}
	sort.Slice(admissible, func(i, j int) bool {
		if admissible[i].Overall != admissible[j].Overall {
			return admissible[i].Overall > admissible[j].Overall
		}
		return admissible[i].StrategyID < admissible[j].StrategyID
	})
	if len(admissible) > maxActive {
		admissible = admissible[:maxActive]
	}

	optimal := make(map[string]bool, len(admissible))
	for _, card := range admissible {
		optimal[card.StrategyID] = true
	}

	var activate, deactivate []string
	for _, card := range cards {
		switch {
		case card.Active && !optimal[card.StrategyID]:
			deactivate = append(deactivate, card.StrategyID)
		case !card.Active && optimal[card.StrategyID]:
			activate = append(activate, card.StrategyID)
		}
	}
	sort.Strings(activate)
	sort.Strings(deactivate)

	if len(activate) > 0 || len(deactivate) > 0 {
		err := a.st.Transactional(ctx, func(txn store.DocumentStore) error {
			for _, id := range deactivate {
				if err := a.setActive(ctx, txn, id, false, now); err != nil {
					return err
				}
			}
			for _, id := range activate {
				if err := a.setActive(ctx, txn, id, true, now); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("rotate active set: %w", err)
		}
		if a.bus != nil {
			a.bus.PublishActivationChanged(activate, deactivate, ReasonAutomaticOptimization)
		}
	}

	if a.metrics != nil {
		a.metrics.ActiveStrategies.Set(float64(len(optimal)))
	}
	a.logger.Info().
		Strs("activated", activate).
		Strs("deactivated", deactivate).
		Int("active", len(optimal)).
		Int("max_active", maxActive).
		Str("reason", ReasonAutomaticOptimization).
		Msg("Activation check completed")

	a.mu.Lock()
	a.lastCheck = now
	a.mu.Unlock()

	return &ActivationChange{
		Activated:   activate,
		Deactivated: deactivate,
		Reason:      ReasonAutomaticOptimization,
		CheckedAt:   now,
		Scorecards:  cards,
	}, nil
}

// eligible returns the enabled strategies that may hold an active slot.
// Draft strategies have never been backtested and paused, replaced and
// retired ones were taken out deliberately.
func (a *ActivationManager) eligible(ctx context.Context) ([]domain.Strategy, error) {
	docs, err := a.st.Query(ctx, store.ContainerStrategies, store.Query{})
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	pool := make([]domain.Strategy, 0, len(docs))
	for _, doc := range docs {
		var s domain.Strategy
		if err := store.Decode(doc, &s); err != nil {
			a.logger.Warn().Err(err).Str("id", doc.ID()).Msg("Skipping undecodable strategy")
			continue
		}
		if !s.Enabled {
			continue
		}
		switch s.Status {
		case domain.StrategyStatusDraft, domain.StrategyStatusPaused, domain.StrategyStatusReplaced, domain.StrategyStatusRetired:
			continue
		}
		pool = append(pool, s)
	}
	return pool, nil
}

// evaluate builds one strategy's scorecard from its recent trades, its
// latest backtest and the current sentiment picture.
func (a *ActivationManager) evaluate(ctx context.Context, s *domain.Strategy, now time.Time) (Scorecard, error) {
	card := Scorecard{StrategyID: s.ID, Name: s.Name, Active: s.IsActive}

	trades, err := loadTrades(ctx, a.st, s.ID, now.AddDate(0, 0, -reviewWindowDays))
	if err != nil {
		return card, err
	}
	ts := ComputeTradeStats(trades, a.cfg.BaseCapital, a.cfg.RiskFreeRate)

	bt, err := latestBacktest(ctx, a.st, s.ID)
	if err != nil {
		return card, err
	}

	var trades7 int
	var pnl7 float64
	weekAgo := now.AddDate(0, 0, -7)
	for _, t := range trades {
		if t.ExitTime.Before(weekAgo) {
			continue
		}
		trades7++
		pnl7 += t.PnL
	}

	alignment := 0.5
	if a.sent != nil {
		alignment = a.sent.Snapshot(s.Symbol, now).Alignment
	}

	card.Performance = performanceScore(ts)
	card.Backtest = backtestScore(bt)
	card.MarketAlignment = marketScore(trades7, pnl7/a.cfg.BaseCapital)
	card.Risk = riskScore(ts)
	card.SentimentAlignment = alignment * 10
	card.Overall = 0.35*card.Performance + 0.20*card.Backtest + 0.15*card.MarketAlignment + 0.15*card.Risk + 0.15*card.SentimentAlignment

	inactiveDays := math.Inf(1)
	if ts.Trades > 0 {
		inactiveDays = now.Sub(ts.LastExit).Hours() / 24
	}
	switch {
	case ts.Sharpe < 0.5:
		card.ExclusionReason = "sharpe below 0.5"
	case ts.MaxDrawdown < -0.30:
		card.ExclusionReason = "drawdown beyond -30%"
	case ts.Trades < 5:
		card.ExclusionReason = "fewer than 5 trades"
	case inactiveDays > maxInactiveDays:
		card.ExclusionReason = "inactive for more than 14 days"
	case card.Overall <= 0:
		card.ExclusionReason = "non-positive overall score"
	case alignment < 0.45:
		card.ExclusionReason = "sentiment misaligned"
	default:
		card.Admissible = true
	}
	return card, nil
}

// setActive flips a strategy's live flag, stamping the change so manual
// operators can tell automatic rotations apart.
func (a *ActivationManager) setActive(ctx context.Context, txn store.DocumentStore, id string, active bool, now time.Time) error {
	doc, err := txn.Get(ctx, store.ContainerStrategies, id, id)
	if err != nil {
		return fmt.Errorf("load strategy %s: %w", id, err)
	}
	var s domain.Strategy
	if err := store.Decode(doc, &s); err != nil {
		return fmt.Errorf("decode strategy %s: %w", id, err)
	}
	if s.Metadata == nil {
		s.Metadata = map[string]interface{}{}
	}
	if active {
		s.Status = domain.StrategyStatusActive
		s.IsActive = true
		s.Metadata["auto_activated"] = true
		s.Metadata["activated_at"] = now.Format(time.RFC3339)
		delete(s.Metadata, "auto_deactivated")
	} else {
		s.Status = domain.StrategyStatusInactive
		s.IsActive = false
		s.Metadata["auto_deactivated"] = true
		s.Metadata["deactivated_at"] = now.Format(time.RFC3339)
		delete(s.Metadata, "auto_activated")
	}
	s.UpdatedAt = now

	updated, err := store.Encode(&s)
	if err != nil {
		return fmt.Errorf("encode strategy %s: %w", id, err)
	}
	if err := txn.Upsert(ctx, store.ContainerStrategies, updated); err != nil {
		return fmt.Errorf("persist strategy %s: %w", id, err)
	}
	return nil
}

// performanceScore blends live sharpe, drawdown, win rate and total
// return into 0..10.
func performanceScore(ts TradeStats) float64 {
	if ts.Trades == 0 {
		return 0
	}
	sharpeN := stats.Clamp(ts.Sharpe/2, 0, 1)
	ddN := stats.Clamp(1+ts.MaxDrawdown/0.30, 0, 1)
	wrN := stats.Clamp(ts.WinRate/0.60, 0, 1)
	retN := stats.Clamp(0.5+ts.TotalReturn/0.20, 0, 1)
	return 10 * stats.Clamp(0.4*sharpeN+0.25*ddN+0.2*wrN+0.15*retN, 0, 1)
}

// backtestScore converts the latest backtest into 0..10, discounting
// simulated placeholders by half.
func backtestScore(bt *domain.BacktestSummary) float64 {
	if bt == nil {
		return 0
	}
	sharpeN := stats.Clamp(bt.Sharpe/2, 0, 1)
	retN := stats.Clamp(0.5+bt.TotalReturn/0.50, 0, 1)
	score := 10 * stats.Clamp(0.6*sharpeN+0.4*retN, 0, 1)
	if bt.Simulated {
		score *= 0.5
	}
	return score
}

// marketScore weighs how much and how profitably a strategy traded over
// the last week.
func marketScore(trades7 int, pnl7Pct float64) float64 {
	recency := stats.Clamp(float64(trades7)/5, 0, 1)
	profit := stats.Clamp(0.5+pnl7Pct/0.10, 0, 1)
	return 10 * stats.Clamp(0.5*recency+0.5*profit, 0, 1)
}

// riskScore leans on drawdown with a win-rate kicker.
func riskScore(ts TradeStats) float64 {
	if ts.Trades == 0 {
		return 0
	}
	ddN := stats.Clamp(1+ts.MaxDrawdown/0.30, 0, 1)
	return 10 * stats.Clamp(0.7*ddN+0.3*ts.WinRate, 0, 1)
}
