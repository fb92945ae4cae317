package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mastertrade/internal/metrics"
	"mastertrade/internal/store"
)

// Circuit breaker levels ordered by severity. Buckets are right-closed:
// a drawdown of exactly 15% already selects level_2.
const (
	LevelNone    = "none"
	LevelWarning = "warning"
	LevelOne     = "level_1"
	LevelTwo     = "level_2"
	LevelThree   = "level_3"
)

// Drawdown thresholds in percent.
const (
	warningDrawdownPct    = 5
	levelOneDrawdownPct   = 10
	levelTwoDrawdownPct   = 15
	levelThreeDrawdownPct = 20
)

// DrawdownControl trips trading restrictions as the portfolio falls
// from its peak. The peak is monotone and survives restarts through the
// settings table.
type DrawdownControl struct {
	settings store.Settings
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	mu          sync.RWMutex
	peak        float64
	level       string
	drawdownPct float64
	trippedAt   time.Time
	onChange    func(level string, drawdownPct float64)
}

// NewDrawdownControl builds the control. settings and metrics may be
// nil; the peak then lives only in memory.
func NewDrawdownControl(settings store.Settings, m *metrics.Metrics, logger zerolog.Logger) *DrawdownControl {
	return &DrawdownControl{
		settings: settings,
		metrics:  m,
		logger:   logger.With().Str("component", "circuit_breaker").Logger(),
		now:      time.Now,
		level:    LevelNone,
	}
}

// Load restores the persisted peak portfolio value.
func (dc *DrawdownControl) Load(ctx context.Context) error {
	if dc.settings == nil {
		return nil
	}
	peak, err := dc.settings.FloatSetting(ctx, store.SettingPeakPortfolioValue, 0)
	if err != nil {
		return fmt.Errorf("circuit breaker: load peak: %w", err)
	}
	dc.mu.Lock()
	dc.peak = peak
	dc.mu.Unlock()
	return nil
}

// OnChange registers a callback invoked whenever the level moves. The
// callback runs on the updating goroutine.
func (dc *DrawdownControl) OnChange(fn func(level string, drawdownPct float64)) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.onChange = fn
}

// Update feeds the current portfolio value and returns the resulting
// level and drawdown percentage.
func (dc *DrawdownControl) Update(ctx context.Context, portfolioValue float64) (string, float64) {
	if portfolioValue < 0 {
		// A negative portfolio value is an invariant violation upstream;
		// treat it as a full-depth drawdown rather than resetting state.
		portfolioValue = 0
	}

	dc.mu.Lock()
	peakChanged := false
	if portfolioValue > dc.peak {
		dc.peak = portfolioValue
		peakChanged = true
	}
	dd := 0.0
	if dc.peak > 0 {
		dd = (dc.peak - portfolioValue) / dc.peak * 100
	}
	level := levelFor(dd)
	changed := level != dc.level
	prev := dc.level
	dc.level = level
	dc.drawdownPct = dd
	if changed && level != LevelNone {
		dc.trippedAt = dc.now().UTC()
	}
	fn := dc.onChange
	peak := dc.peak
	dc.mu.Unlock()

	if peakChanged && dc.settings != nil {
		if err := dc.settings.PutFloatSetting(ctx, store.SettingPeakPortfolioValue, peak); err != nil {
			dc.logger.Warn().Err(err).Msg("peak persist failed")
		}
	}
	if dc.metrics != nil {
		dc.metrics.CircuitBreakerLevel.Set(levelGauge(level))
	}
	if changed {
		evt := dc.logger.Warn()
		if level == LevelNone {
			evt = dc.logger.Info()
		}
		evt.Str("from", prev).Str("to", level).Float64("drawdown_pct", dd).Msg("circuit breaker level changed")
		if fn != nil {
			fn(level, dd)
		}
	}
	return level, dd
}

// Level returns the current circuit breaker level.
func (dc *DrawdownControl) Level() string {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.level
}

// DrawdownPct returns the latest computed drawdown percentage.
func (dc *DrawdownControl) DrawdownPct() float64 {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.drawdownPct
}

// Peak returns the monotone peak portfolio value.
func (dc *DrawdownControl) Peak() float64 {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.peak
}

// SizeFactor returns the multiplier the current level applies to new
// position sizes.
func (dc *DrawdownControl) SizeFactor() float64 {
	switch dc.Level() {
	case LevelWarning:
		return 0.75
	case LevelOne:
		return 0.5
	case LevelTwo, LevelThree:
		return 0
	default:
		return 1
	}
}

// PositionsAllowed reports whether new positions may be opened.
func (dc *DrawdownControl) PositionsAllowed() bool {
	level := dc.Level()
	return level != LevelTwo && level != LevelThree
}

// CloseAll reports whether the level demands closing every position.
func (dc *DrawdownControl) CloseAll() bool {
	return dc.Level() == LevelThree
}

// Stats reports breaker state for diagnostics.
func (dc *DrawdownControl) Stats() map[string]interface{} {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return map[string]interface{}{
		"level":        dc.level,
		"drawdown_pct": dc.drawdownPct,
		"peak":         dc.peak,
		"tripped_at":   dc.trippedAt,
	}
}

func levelFor(drawdownPct float64) string {
	switch {
	case drawdownPct >= levelThreeDrawdownPct:
		return LevelThree
	case drawdownPct >= levelTwoDrawdownPct:
		return LevelTwo
	case drawdownPct >= levelOneDrawdownPct:
		return LevelOne
	case drawdownPct >= warningDrawdownPct:
		return LevelWarning
	default:
		return LevelNone
	}
}

func levelGauge(level string) float64 {
	switch level {
	case LevelWarning:
		return 1
	case LevelOne:
		return 2
	case LevelTwo:
		return 3
	case LevelThree:
		return 4
	default:
		return 0
	}
}
