// Package backtest replays strategy rules over historical candles and
// scores the outcome against promotion criteria.
package backtest

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"mastertrade/internal/domain"
	"mastertrade/internal/sentiment"
	"mastertrade/internal/stats"
	"mastertrade/internal/strategy"
)

// MinCandles is the smallest history a real backtest may run on.
// Callers with less data fall back to SimulatedSummary.
const MinCandles = 100

// Entry gating on blended sentiment polarity.
const (
	sentimentVeto  = -0.5
	sentimentBoost = 0.5
)

// Config holds the simulation parameters.
type Config struct {
	InitialCapital   float64
	CommissionPct    float64  // per side, percent of notional
	PositionFraction float64  // fraction of equity committed per entry
	AnnualRiskFree   float64
	Criteria         Criteria
}

// DefaultConfig returns the standard paper-account setup.
func DefaultConfig() Config {
	return Config{
		InitialCapital:   10000,
		CommissionPct:    0.1,
		PositionFraction: 0.10,
		AnnualRiskFree:   0.02,
		Criteria:         DefaultCriteria(),
	}
}

// Trade is one closed round trip.
type Trade struct {
	EntryTime   time.Time `json:"entry_time"`
	ExitTime    time.Time `json:"exit_time"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	Quantity    float64   `json:"quantity"`
	PnL         float64   `json:"pnl"`
	PnLPct      float64   `json:"pnl_pct"`
	EntryReason string    `json:"entry_reason,omitempty"`
	ExitReason  string    `json:"exit_reason"`
}

// EquityPoint is the mark-to-market account value after one candle.
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// Result bundles the summary with its supporting detail.
type Result struct {
	Summary     domain.BacktestSummary `json:"summary"`
	Trades      []Trade                `json:"trades"`
	EquityCurve []EquityPoint          `json:"equity_curve"`
}

// Engine runs strategies over candle history. Reference supplies the
// comparison series for correlation-gated strategies and may be nil.
type Engine struct {
	cfg       Config
	Reference []domain.Candle

	now func() time.Time
}

func NewEngine(cfg Config) *Engine {
	if cfg.InitialCapital <= 0 {
		cfg.InitialCapital = 10000
	}
	if cfg.PositionFraction <= 0 || cfg.PositionFraction > 1 {
		cfg.PositionFraction = 0.10
	}
	if cfg.Criteria == (Criteria{}) {
		cfg.Criteria = DefaultCriteria()
	}
	return &Engine{cfg: cfg, now: time.Now}
}

type openPosition struct {
	qty      float64
	entry    float64
	stop     float64
	target   float64
	openedAt time.Time
	reason   string
	entryFee float64
}

// Run replays the strategy's entry rules over candles, managing one
// long position at a time. Exits are close-driven with the stop checked
// before the target, filled at the band level. Sentiment samples gate
// entries: polarity below -0.5 vetoes, above +0.5 sizes up.
func (e *Engine) Run(s *domain.Strategy, candles []domain.Candle, symbolSentiment, globalSentiment []sentiment.Sample) (*Result, error) {
	rules, err := strategy.NewRules(s, e.Reference)
	if err != nil {
		return nil, err
	}
	if len(candles) < 2 {
		return nil, fmt.Errorf("backtest %s: need at least 2 candles, got %d", s.ID, len(candles))
	}

	symTape := newTape(symbolSentiment)
	glbTape := newTape(globalSentiment)
	commission := e.cfg.CommissionPct / 100

	cash := e.cfg.InitialCapital
	var pos *openPosition
	trades := make([]Trade, 0, 32)
	curve := make([]EquityPoint, 0, len(candles))

	for i, c := range candles {
		ts := candleTime(c)

		if pos != nil {
			exitPrice, reason := 0.0, ""
			switch {
			case c.Close <= pos.stop:
				exitPrice, reason = pos.stop, "stop_loss"
			case c.Close >= pos.target:
				exitPrice, reason = pos.target, "take_profit"
			case i == len(candles)-1:
				exitPrice, reason = c.Close, "backtest_end"
			}
			if reason != "" {
				exitNotional := pos.qty * exitPrice
				fee := exitNotional * commission
				cash += exitNotional - fee
				pnl := exitNotional - pos.qty*pos.entry - fee - pos.entryFee
				trades = append(trades, Trade{
					EntryTime:   pos.openedAt,
					ExitTime:    ts,
					EntryPrice:  pos.entry,
					ExitPrice:   exitPrice,
					Quantity:    pos.qty,
					PnL:         pnl,
					PnLPct:      pnl / (pos.qty * pos.entry),
					EntryReason: pos.reason,
					ExitReason:  reason,
				})
				pos = nil
			}
		}

		if pos == nil && i < len(candles)-1 {
			if entry := rules.Entry(candles, i); entry != nil {
				mood := moodAt(symTape, glbTape, ts)
				if mood >= sentimentVeto {
					fraction := e.cfg.PositionFraction
					if mood > sentimentBoost {
						fraction *= 1.25
						if fraction > 1 {
							fraction = 1
						}
					}
					notional := cash * fraction
					fee := notional * commission
					cash -= notional + fee
					pos = &openPosition{
						qty:      notional / entry.Price,
						entry:    entry.Price,
						stop:     entry.StopLoss,
						target:   entry.TakeProfit,
						openedAt: ts,
						reason:   entry.Reason,
						entryFee: fee,
					}
				}
			}
		}

		equity := cash
		if pos != nil {
			equity += pos.qty * c.Close
		}
		curve = append(curve, EquityPoint{Time: ts, Equity: equity})
	}

	summary := e.summarize(s, candles, trades, curve)
	return &Result{Summary: summary, Trades: trades, EquityCurve: curve}, nil
}

func (e *Engine) summarize(s *domain.Strategy, candles []domain.Candle, trades []Trade, curve []EquityPoint) domain.BacktestSummary {
	start := candles[0].OpenTime
	end := candleTime(candles[len(candles)-1])
	final := curve[len(curve)-1].Equity

	var wins int
	var grossProfit, grossLoss float64
	for _, tr := range trades {
		if tr.PnL > 0 {
			wins++
			grossProfit += tr.PnL
		} else {
			grossLoss += -tr.PnL
		}
	}

	winRate := 0.0
	if len(trades) > 0 {
		winRate = float64(wins) / float64(len(trades))
	}

	equity := make([]float64, len(curve))
	for i, p := range curve {
		equity[i] = p.Equity
	}
	daily := stats.Returns(resampleLast(curve, dayKey))
	monthly := stats.Returns(resampleLast(curve, monthKey))

	summary := domain.BacktestSummary{
		ID:             uuid.NewString(),
		StrategyID:     s.ID,
		WinRate:        winRate,
		Sharpe:         stats.Sharpe(daily, e.cfg.AnnualRiskFree),
		Sortino:        stats.Sortino(daily, e.cfg.AnnualRiskFree),
		MaxDrawdown:    stats.MaxDrawdown(equity),
		TotalReturn:    (final - e.cfg.InitialCapital) / e.cfg.InitialCapital,
		CAGR:           cagr(e.cfg.InitialCapital, final, start, end),
		ProfitFactor:   profitFactor(grossProfit, grossLoss),
		TotalTrades:    len(trades),
		MonthlyReturns: monthly,
		DurationDays:   int(end.Sub(start).Hours() / 24),
		StartDate:      start,
		EndDate:        end,
		CreatedAt:      e.now(),
	}
	summary.PassedCriteria = e.cfg.Criteria.Passes(&summary)
	return summary
}

// profitFactor caps the no-loss case at 100 so summaries stay
// JSON-encodable.
func profitFactor(grossProfit, grossLoss float64) float64 {
	if grossLoss == 0 {
		if grossProfit > 0 {
			return 100
		}
		return 0
	}
	return grossProfit / grossLoss
}

func cagr(initial, final float64, start, end time.Time) float64 {
	years := end.Sub(start).Hours() / (24 * 365)
	if years <= 0 || initial <= 0 || final <= 0 {
		return 0
	}
	return math.Pow(final/initial, 1/years) - 1
}

func candleTime(c domain.Candle) time.Time {
	if !c.CloseTime.IsZero() {
		return c.CloseTime
	}
	return c.OpenTime
}

func dayKey(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// resampleLast keeps the final equity point of each bucket, in order.
func resampleLast(curve []EquityPoint, key func(time.Time) string) []float64 {
	if len(curve) == 0 {
		return nil
	}
	out := make([]float64, 0, 8)
	cur := key(curve[0].Time)
	last := curve[0].Equity
	for _, p := range curve[1:] {
		if k := key(p.Time); k != cur {
			out = append(out, last)
			cur = k
		}
		last = p.Equity
	}
	return append(out, last)
}

// tape replays sentiment samples in time order alongside the bar loop.
type tape struct {
	samples []sentiment.Sample
	idx     int
	score   float64
	seen    bool
}

func newTape(samples []sentiment.Sample) *tape {
	sorted := make([]sentiment.Sample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ObservedAt.Before(sorted[j].ObservedAt)
	})
	return &tape{samples: sorted}
}

func (t *tape) at(ts time.Time) (float64, bool) {
	for t.idx < len(t.samples) && !t.samples[t.idx].ObservedAt.After(ts) {
		t.score = t.samples[t.idx].Score
		t.seen = true
		t.idx++
	}
	return t.score, t.seen
}

// moodAt blends the freshest symbol and global scores at ts. With only
// one side observed that side stands alone; with neither it is neutral.
func moodAt(sym, glb *tape, ts time.Time) float64 {
	s, okS := sym.at(ts)
	g, okG := glb.at(ts)
	switch {
	case okS && okG:
		return sentiment.Blend(s, g)
	case okS:
		return s
	case okG:
		return g
	}
	return 0
}
