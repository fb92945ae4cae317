package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mastertrade/internal/metrics"
)

// Config holds adaptive pacing settings.
type Config struct {
	Name        string        `json:"name"`
	DefaultRate float64       `json:"default_rate"` // requests per second
	MinRate     float64       `json:"min_rate"`
	MaxRate     float64       `json:"max_rate"`
	MirrorTTL   time.Duration `json:"mirror_ttl"`
}

// DefaultConfig returns production pacing defaults.
func DefaultConfig() Config {
	return Config{
		Name:        "mastertrade",
		DefaultRate: 5.0,
		MinRate:     0.1,
		MaxRate:     50.0,
		MirrorTTL:   time.Hour,
	}
}

// maxBackoff caps the 429 violation backoff.
const maxBackoff = 3600 * time.Second

// rateAdjustEpsilon suppresses sub-threshold rate changes.
const rateAdjustEpsilon = 0.1

type endpointState struct {
	rate           float64
	lastRequest    time.Time
	limit          int
	remaining      int
	remainingKnown bool
	reset          time.Time
	violations     int
	backoffUntil   time.Time
	requestsMade   int64
}

// Limiter paces outgoing requests per endpoint. Pacing state is driven
// by response headers and 429 back-pressure; the in-process state is
// authoritative, with an optional redis mirror for visibility.
type Limiter struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	endpoints map[string]*endpointState

	rdb   *redis.Client
	dirty chan struct{}
	stop  chan struct{}
	wg    sync.WaitGroup

	now func() time.Time
}

// NewLimiter creates a Limiter. rdb and m may be nil to disable the
// state mirror and metrics.
func NewLimiter(cfg Config, rdb *redis.Client, m *metrics.Metrics, logger zerolog.Logger) *Limiter {
	if cfg.DefaultRate <= 0 {
		cfg.DefaultRate = DefaultConfig().DefaultRate
	}
	if cfg.MinRate <= 0 {
		cfg.MinRate = DefaultConfig().MinRate
	}
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = DefaultConfig().MaxRate
	}
	if cfg.MirrorTTL <= 0 {
		cfg.MirrorTTL = DefaultConfig().MirrorTTL
	}

	l := &Limiter{
		cfg:       cfg,
		logger:    logger.With().Str("component", "ratelimit").Logger(),
		metrics:   m,
		endpoints: make(map[string]*endpointState),
		rdb:       rdb,
		dirty:     make(chan struct{}, 1),
		stop:      make(chan struct{}),
		now:       time.Now,
	}

	if rdb != nil {
		l.wg.Add(1)
		go l.mirrorLoop()
	}

	return l
}

// Close stops the mirror loop.
func (l *Limiter) Close() {
	close(l.stop)
	l.wg.Wait()
}

func (l *Limiter) state(endpoint string) *endpointState {
	st, ok := l.endpoints[endpoint]
	if !ok {
		st = &endpointState{rate: l.cfg.DefaultRate}
		l.endpoints[endpoint] = st
	}
	return st
}

// Wait blocks until the next request to endpoint is permitted, or until
// ctx is done.
func (l *Limiter) Wait(ctx context.Context, endpoint string) error {
	start := l.now()

	for {
		l.mu.Lock()
		st := l.state(endpoint)
		d, admit := l.nextDelay(st, l.now())
		if admit {
			st.lastRequest = l.now()
			st.requestsMade++
			if st.remainingKnown && st.remaining > 0 {
				st.remaining--
			}
			l.mu.Unlock()
			if l.metrics != nil {
				l.metrics.RateLimiterWaitSeconds.WithLabelValues(endpoint).Observe(l.now().Sub(start).Seconds())
			}
			return nil
		}
		l.mu.Unlock()

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// nextDelay reports how long the caller must still wait, or admit=true
// when a request may proceed now. Callers hold l.mu. Expired backoff
// and reset windows are cleared as a side effect.
func (l *Limiter) nextDelay(st *endpointState, now time.Time) (time.Duration, bool) {
	// Violation backoff takes precedence over everything else.
	if !st.backoffUntil.IsZero() {
		if now.Before(st.backoffUntil) {
			return st.backoffUntil.Sub(now), false
		}
		st.backoffUntil = time.Time{}
	}

	// A reset in the past invalidates the known remaining budget.
	if !st.reset.IsZero() && now.After(st.reset) {
		st.reset = time.Time{}
		st.remainingKnown = false
		st.remaining = 0
	}

	// Budget exhausted: hold until the server-side window resets.
	if st.remainingKnown && st.remaining <= 0 && !st.reset.IsZero() && st.reset.After(now) {
		return st.reset.Sub(now), false
	}

	rate := st.rate
	if rate <= 0 {
		rate = l.cfg.MinRate
	}
	minInterval := time.Duration(float64(time.Second) / rate)
	if !st.lastRequest.IsZero() {
		elapsed := now.Sub(st.lastRequest)
		if elapsed < minInterval {
			return minInterval - elapsed, false
		}
	}

	return 0, true
}

// ParseHeaders updates pacing state from rate-limit response headers.
// Both the X-RateLimit-* and RateLimit-* spellings are accepted.
func (l *Limiter) ParseHeaders(endpoint string, headers http.Header) {
	remaining, hasRemaining := headerInt(headers, "X-RateLimit-Remaining", "RateLimit-Remaining")
	limit, hasLimit := headerInt(headers, "X-RateLimit-Limit", "RateLimit-Limit")
	reset, hasReset := l.headerReset(headers)

	if !hasRemaining && !hasReset {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(endpoint)
	now := l.now()

	if hasRemaining {
		st.remaining = remaining
		st.remainingKnown = true
	}
	if hasLimit {
		st.limit = limit
	}
	if hasReset {
		st.reset = reset
	}

	// With a known budget and window the sustainable pace is recomputed
	// against 70% of the remaining allowance.
	if hasRemaining && hasReset {
		secs := reset.Sub(now).Seconds()
		if secs > 0 && remaining >= 0 {
			newRate := clamp(0.7*float64(remaining)/secs, l.cfg.MinRate, l.cfg.MaxRate)
			if delta := newRate - st.rate; delta > rateAdjustEpsilon || delta < -rateAdjustEpsilon {
				l.logger.Debug().
					Str("endpoint", endpoint).
					Float64("old_rate", st.rate).
					Float64("new_rate", newRate).
					Int("remaining", remaining).
					Msg("Rate adjusted from headers")
				st.rate = newRate
			}
		}
	}

	l.markDirty()
}

// Record429 registers a rate-limit violation. retryAfter <= 0 means the
// server provided no Retry-After and the exponential policy applies.
func (l *Limiter) Record429(endpoint string, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(endpoint)
	now := l.now()

	st.violations++

	backoff := retryAfter
	if backoff <= 0 {
		backoff = time.Duration(1<<uint(st.violations)) * time.Second
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	st.backoffUntil = now.Add(backoff)

	st.rate = st.rate * 0.1
	if st.rate < l.cfg.MinRate {
		st.rate = l.cfg.MinRate
	}

	l.logger.Warn().
		Str("endpoint", endpoint).
		Int("violations", st.violations).
		Dur("backoff", backoff).
		Float64("rate", st.rate).
		Msg("Rate limit violation recorded")

	if l.metrics != nil {
		l.metrics.RateLimiter429sTotal.WithLabelValues(endpoint).Inc()
	}

	l.markDirty()
}

// RetryAfter parses a Retry-After header value: integer seconds or an
// HTTP-date. Returns 0 when the value is absent or unparseable.
func RetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// CurrentRate returns the pacing rate in requests per second.
func (l *Limiter) CurrentRate(endpoint string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state(endpoint).rate
}

// AdjustRate multiplies the endpoint rate by factor, clamped to the
// configured bounds.
func (l *Limiter) AdjustRate(endpoint string, factor float64) {
	if factor <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(endpoint)
	st.rate = clamp(st.rate*factor, l.cfg.MinRate, l.cfg.MaxRate)
	l.markDirty()
}

// Stats returns a point-in-time snapshot of all endpoint states.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	endpoints := make(map[string]interface{}, len(l.endpoints))
	for name, st := range l.endpoints {
		e := map[string]interface{}{
			"rate":          st.rate,
			"requests_made": st.requestsMade,
			"violations":    st.violations,
		}
		if st.limit > 0 {
			e["limit"] = st.limit
		}
		if st.remainingKnown {
			e["remaining"] = st.remaining
		}
		if !st.reset.IsZero() {
			e["reset_in_seconds"] = st.reset.Sub(now).Seconds()
		}
		if !st.backoffUntil.IsZero() && st.backoffUntil.After(now) {
			e["backoff_remaining_seconds"] = st.backoffUntil.Sub(now).Seconds()
		}
		endpoints[name] = e
	}

	return map[string]interface{}{
		"name":         l.cfg.Name,
		"default_rate": l.cfg.DefaultRate,
		"min_rate":     l.cfg.MinRate,
		"max_rate":     l.cfg.MaxRate,
		"endpoints":    endpoints,
	}
}

func (l *Limiter) markDirty() {
	if l.rdb == nil {
		return
	}
	select {
	case l.dirty <- struct{}{}:
	default:
	}
}

// mirrorLoop pushes state snapshots to redis. The mirror is advisory;
// failures only log.
func (l *Limiter) mirrorLoop() {
	defer l.wg.Done()

	key := fmt.Sprintf("rate_limiter:%s", l.cfg.Name)
	for {
		select {
		case <-l.stop:
			return
		case <-l.dirty:
		}

		snapshot := l.Stats()
		payload, err := json.Marshal(snapshot)
		if err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := l.rdb.Set(ctx, key, payload, l.cfg.MirrorTTL).Err(); err != nil {
			l.logger.Debug().Err(err).Msg("Rate limiter mirror write failed")
		}
		cancel()
	}
}

func headerInt(headers http.Header, names ...string) (int, bool) {
	for _, name := range names {
		if v := headers.Get(name); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

// headerReset parses the reset header as either an epoch timestamp or a
// seconds-from-now delta.
func (l *Limiter) headerReset(headers http.Header) (time.Time, bool) {
	for _, name := range []string{"X-RateLimit-Reset", "RateLimit-Reset"} {
		v := headers.Get(name)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			continue
		}
		if f > 1e9 {
			sec := int64(f)
			nsec := int64((f - float64(sec)) * 1e9)
			return time.Unix(sec, nsec), true
		}
		return l.now().Add(time.Duration(f * float64(time.Second))), true
	}
	return time.Time{}, false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
