package indicator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mastertrade/internal/domain"
	"mastertrade/internal/messaging"
	"mastertrade/internal/metrics"
	"mastertrade/internal/store"
)

// Config holds the manager's schedule settings.
type Config struct {
	UpdateInterval       time.Duration `json:"update_interval"`
	DBRefreshInterval    time.Duration `json:"db_refresh_interval"`
	BatchSize            int           `json:"batch_size"`
	MaxConsecutiveErrors int           `json:"max_consecutive_errors"`
	ResultCacheEnabled   bool          `json:"result_cache_enabled"`
}

// DefaultConfig returns the default schedule.
func DefaultConfig() Config {
	return Config{
		UpdateInterval:       60 * time.Second,
		DBRefreshInterval:    5 * time.Minute,
		BatchSize:            20,
		MaxConsecutiveErrors: 3,
		ResultCacheEnabled:   true,
	}
}

// CandleSource provides candle history for calculations.
type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error)
}

// Subscription is a named set of configurations whose results are always
// published, regardless of each configuration's publish flag.
type Subscription struct {
	Name             string    `json:"name"`
	ConfigurationIDs []string  `json:"configuration_ids"`
	StrategyID       string    `json:"strategy_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// configState tracks runtime health next to the persisted configuration.
type configState struct {
	cfg       domain.IndicatorConfig
	errStreak int
	skipCycle bool
}

// response is the reply envelope for configuration requests.
type response struct {
	Status          string    `json:"status"`
	Action          string    `json:"action"`
	ConfigurationID string    `json:"configuration_id,omitempty"`
	StrategyID      string    `json:"strategy_id,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

const (
	queueConfigRequests = "indicator.config.requests"
	calcConcurrency     = 4
)

// Manager owns indicator configurations: it serves config requests from
// the fabric, refreshes its cache from the store every DBRefreshInterval
// and recomputes due configurations every UpdateInterval.
type Manager struct {
	cfg     Config
	fabric  *messaging.Fabric
	docs    store.DocumentStore
	candles CandleSource
	calc    Calculator
	cache   *redis.Client
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu      sync.RWMutex
	configs map[string]*configState
	subs    map[string]Subscription

	stopChan chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewManager creates a manager. cache may be nil to disable result
// caching; fabric may be nil in tests that drive handlers directly.
func NewManager(cfg Config, fabric *messaging.Fabric, docs store.DocumentStore, candles CandleSource, calc Calculator, cache *redis.Client, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = def.UpdateInterval
	}
	if cfg.DBRefreshInterval <= 0 {
		cfg.DBRefreshInterval = def.DBRefreshInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}

	return &Manager{
		cfg:      cfg,
		fabric:   fabric,
		docs:     docs,
		candles:  candles,
		calc:     calc,
		cache:    cache,
		metrics:  m,
		logger:   logger.With().Str("component", "indicator_manager").Logger(),
		configs:  make(map[string]*configState),
		subs:     make(map[string]Subscription),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start loads configurations, subscribes to the config exchange and
// launches the refresh and calculation loops.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.refreshFromStore(ctx); err != nil {
		return fmt.Errorf("initial config load: %w", err)
	}

	if m.fabric != nil {
		err := m.fabric.Subscribe(queueConfigRequests, []messaging.Binding{
			{Exchange: messaging.ExchangeIndicatorConfig, Key: "config.request.*"},
		}, m.handleConfigRequest, 0)
		if err != nil {
			return fmt.Errorf("subscribe config requests: %w", err)
		}
	}

	m.wg.Add(2)
	go m.refreshLoop()
	go m.calcLoop()

	m.logger.Info().Int("configs", m.configCount()).Msg("Indicator manager started")
	return nil
}

// Stop halts the loops.
func (m *Manager) Stop() {
	close(m.stopChan)
	m.wg.Wait()
	m.logger.Info().Msg("Indicator manager stopped")
}

// Stats returns a snapshot of manager state.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := 0
	for _, st := range m.configs {
		if st.cfg.Active {
			active++
		}
	}
	return map[string]interface{}{
		"configs":       len(m.configs),
		"active":        active,
		"subscriptions": len(m.subs),
	}
}

// Configs returns the tracked configurations sorted by ID.
func (m *Manager) Configs() []domain.IndicatorConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.IndicatorConfig, 0, len(m.configs))
	for _, st := range m.configs {
		out = append(out, st.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) configCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.configs)
}

// handleConfigRequest routes one config request by its routing key.
// Malformed requests are answered with an error envelope and acked;
// store failures requeue once before giving up.
func (m *Manager) handleConfigRequest(ctx context.Context, d messaging.Delivery) messaging.Verdict {
	switch d.RoutingKey {
	case messaging.KeyConfigAdd:
		return m.handleAdd(ctx, d)
	case messaging.KeyConfigUpdate:
		return m.handleUpdate(ctx, d)
	case messaging.KeyConfigRemove:
		return m.handleRemove(ctx, d)
	case messaging.KeyConfigBulk:
		return m.handleBulk(ctx, d)
	case messaging.KeyConfigSubscribe:
		return m.handleSubscribe(ctx, d)
	default:
		m.logger.Warn().Str("key", d.RoutingKey).Msg("Unknown config request key")
		return messaging.Ack
	}
}

func (m *Manager) handleAdd(ctx context.Context, d messaging.Delivery) messaging.Verdict {
	var req struct {
		Configuration        domain.IndicatorConfig `json:"configuration"`
		CalculateImmediately bool                   `json:"calculate_immediately"`
		ReplyTo              string                 `json:"reply_to,omitempty"`
	}
	if err := json.Unmarshal(d.Body, &req); err != nil {
		m.replyError(ctx, d, req.ReplyTo, "add", "", "", "invalid request body: "+err.Error())
		return messaging.Ack
	}

	cfg := req.Configuration
	if cfg.IndicatorType == "" || cfg.Symbol == "" || cfg.Interval == "" {
		m.replyError(ctx, d, req.ReplyTo, "add", cfg.ID, cfg.StrategyID, "indicator_type, symbol and interval are required")
		return messaging.Ack
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := m.now().UTC()
	cfg.Active = true
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	if err := m.persistConfig(ctx, cfg); err != nil {
		if !d.Redelivered {
			return messaging.Requeue
		}
		m.replyError(ctx, d, req.ReplyTo, "add", cfg.ID, cfg.StrategyID, "store error: "+err.Error())
		return messaging.Ack
	}

	m.mu.Lock()
	m.configs[cfg.ID] = &configState{cfg: cfg}
	m.mu.Unlock()

	if req.CalculateImmediately {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := m.calculateOne(cctx, cfg.ID, false); err != nil {
				m.logger.Warn().Err(err).Str("configuration_id", cfg.ID).Msg("Immediate calculation failed")
			}
		}()
	}

	m.replySuccess(ctx, d, req.ReplyTo, "add", cfg.ID, cfg.StrategyID)
	return messaging.Ack
}

func (m *Manager) handleUpdate(ctx context.Context, d messaging.Delivery) messaging.Verdict {
	var req struct {
		ConfigurationID        string                 `json:"configuration_id"`
		StrategyID             string                 `json:"strategy_id,omitempty"`
		Updates                map[string]interface{} `json:"updates"`
		RecalculateImmediately bool                   `json:"recalculate_immediately"`
		ReplyTo                string                 `json:"reply_to,omitempty"`
	}
	if err := json.Unmarshal(d.Body, &req); err != nil {
		m.replyError(ctx, d, req.ReplyTo, "update", "", "", "invalid request body: "+err.Error())
		return messaging.Ack
	}
	if req.ConfigurationID == "" {
		m.replyError(ctx, d, req.ReplyTo, "update", "", req.StrategyID, "configuration_id is required")
		return messaging.Ack
	}

	m.mu.RLock()
	state, ok := m.configs[req.ConfigurationID]
	m.mu.RUnlock()
	if !ok {
		m.replyError(ctx, d, req.ReplyTo, "update", req.ConfigurationID, req.StrategyID,
			fmt.Sprintf("configuration %s not found", req.ConfigurationID))
		return messaging.Ack
	}

	updated, err := applyUpdates(state.cfg, req.Updates)
	if err != nil {
		m.replyError(ctx, d, req.ReplyTo, "update", req.ConfigurationID, req.StrategyID, "invalid updates: "+err.Error())
		return messaging.Ack
	}
	updated.UpdatedAt = m.now().UTC()

	if err := m.persistConfig(ctx, updated); err != nil {
		if !d.Redelivered {
			return messaging.Requeue
		}
		m.replyError(ctx, d, req.ReplyTo, "update", updated.ID, updated.StrategyID, "store error: "+err.Error())
		return messaging.Ack
	}

	m.mu.Lock()
	if st, ok := m.configs[updated.ID]; ok {
		st.cfg = updated
	} else {
		m.configs[updated.ID] = &configState{cfg: updated}
	}
	m.mu.Unlock()

	if req.RecalculateImmediately {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := m.calculateOne(cctx, updated.ID, false); err != nil {
				m.logger.Warn().Err(err).Str("configuration_id", updated.ID).Msg("Recalculation failed")
			}
		}()
	}

	m.replySuccess(ctx, d, req.ReplyTo, "update", updated.ID, updated.StrategyID)
	return messaging.Ack
}

func (m *Manager) handleRemove(ctx context.Context, d messaging.Delivery) messaging.Verdict {
	var req struct {
		ConfigurationID string `json:"configuration_id"`
		StrategyID      string `json:"strategy_id,omitempty"`
		ReplyTo         string `json:"reply_to,omitempty"`
	}
	if err := json.Unmarshal(d.Body, &req); err != nil {
		m.replyError(ctx, d, req.ReplyTo, "remove", "", "", "invalid request body: "+err.Error())
		return messaging.Ack
	}
	if req.ConfigurationID == "" {
		m.replyError(ctx, d, req.ReplyTo, "remove", "", req.StrategyID, "configuration_id is required")
		return messaging.Ack
	}

	removed, err := m.docs.Delete(ctx, store.ContainerIndicatorConfigs, req.ConfigurationID, "")
	if err != nil {
		if !d.Redelivered {
			return messaging.Requeue
		}
		m.replyError(ctx, d, req.ReplyTo, "remove", req.ConfigurationID, req.StrategyID, "store error: "+err.Error())
		return messaging.Ack
	}
	// The latest stored result goes with its configuration.
	if _, err := m.docs.Delete(ctx, store.ContainerIndicatorResults, req.ConfigurationID, ""); err != nil {
		m.logger.Warn().Err(err).Str("configuration_id", req.ConfigurationID).Msg("Result cleanup failed")
	}

	m.mu.Lock()
	_, known := m.configs[req.ConfigurationID]
	delete(m.configs, req.ConfigurationID)
	m.mu.Unlock()

	if !removed && !known {
		m.replyError(ctx, d, req.ReplyTo, "remove", req.ConfigurationID, req.StrategyID,
			fmt.Sprintf("configuration %s not found", req.ConfigurationID))
		return messaging.Ack
	}

	m.replySuccess(ctx, d, req.ReplyTo, "remove", req.ConfigurationID, req.StrategyID)
	return messaging.Ack
}

func (m *Manager) handleBulk(ctx context.Context, d messaging.Delivery) messaging.Verdict {
	var req struct {
		ConfigurationIDs []string `json:"configuration_ids"`
		StrategyID       string   `json:"strategy_id,omitempty"`
		ReplyTo          string   `json:"reply_to,omitempty"`
	}
	if err := json.Unmarshal(d.Body, &req); err != nil {
		m.replyError(ctx, d, req.ReplyTo, "bulk", "", "", "invalid request body: "+err.Error())
		return messaging.Ack
	}

	ids := req.ConfigurationIDs
	if len(ids) == 0 {
		m.mu.RLock()
		for id, st := range m.configs {
			if !st.cfg.Active {
				continue
			}
			if req.StrategyID != "" && st.cfg.StrategyID != req.StrategyID {
				continue
			}
			ids = append(ids, id)
		}
		m.mu.RUnlock()
		sort.Strings(ids)
	}
	if len(ids) > m.cfg.BatchSize {
		ids = ids[:m.cfg.BatchSize]
	}

	m.runBatch(ctx, ids, true)

	m.replySuccess(ctx, d, req.ReplyTo, "bulk", "", req.StrategyID)
	return messaging.Ack
}

func (m *Manager) handleSubscribe(ctx context.Context, d messaging.Delivery) messaging.Verdict {
	var req struct {
		SubscriptionName string   `json:"subscription_name"`
		ConfigurationIDs []string `json:"configuration_ids"`
		StrategyID       string   `json:"strategy_id,omitempty"`
		ReplyTo          string   `json:"reply_to,omitempty"`
	}
	if err := json.Unmarshal(d.Body, &req); err != nil {
		m.replyError(ctx, d, req.ReplyTo, "subscribe", "", "", "invalid request body: "+err.Error())
		return messaging.Ack
	}
	if req.SubscriptionName == "" {
		m.replyError(ctx, d, req.ReplyTo, "subscribe", "", req.StrategyID, "subscription_name is required")
		return messaging.Ack
	}

	m.mu.Lock()
	m.subs[req.SubscriptionName] = Subscription{
		Name:             req.SubscriptionName,
		ConfigurationIDs: req.ConfigurationIDs,
		StrategyID:       req.StrategyID,
		CreatedAt:        m.now().UTC(),
	}
	m.mu.Unlock()

	m.replySuccess(ctx, d, req.ReplyTo, "subscribe", "", req.StrategyID)
	return messaging.Ack
}

func (m *Manager) refreshLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.DBRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := m.refreshFromStore(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("Config refresh failed")
			}
			cancel()
		}
	}
}

// refreshFromStore rebuilds the config cache from the store, keeping
// error streaks for configurations that survive the refresh.
func (m *Manager) refreshFromStore(ctx context.Context) error {
	docs, err := m.docs.Query(ctx, store.ContainerIndicatorConfigs, store.Query{})
	if err != nil {
		return err
	}

	fresh := make(map[string]*configState, len(docs))
	for _, doc := range docs {
		var cfg domain.IndicatorConfig
		if err := store.Decode(doc, &cfg); err != nil {
			m.logger.Warn().Err(err).Str("id", doc.ID()).Msg("Skipping undecodable config")
			continue
		}
		fresh[cfg.ID] = &configState{cfg: cfg}
	}

	m.mu.Lock()
	for id, st := range fresh {
		if old, ok := m.configs[id]; ok {
			st.errStreak = old.errStreak
			st.skipCycle = old.skipCycle
		}
	}
	m.configs = fresh
	m.mu.Unlock()

	m.logger.Debug().Int("configs", len(fresh)).Msg("Config cache refreshed")
	return nil
}

func (m *Manager) calcLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.UpdateInterval)
			m.runBatch(ctx, m.dueConfigs(), false)
			cancel()
		}
	}
}

// dueConfigs selects active configurations whose last calculation is
// older than the update interval, highest priority first, capped at the
// batch size. Configurations paused after an error streak sit out this
// cycle and are cleared for the next one.
func (m *Manager) dueConfigs() []string {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var due []string
	for id, st := range m.configs {
		if !st.cfg.Active {
			continue
		}
		if st.skipCycle {
			st.skipCycle = false
			st.errStreak = 0
			continue
		}
		if !st.cfg.Continuous && st.cfg.LastCalculated != nil && now.Sub(*st.cfg.LastCalculated) < m.cfg.UpdateInterval {
			continue
		}
		due = append(due, id)
	}

	sort.Slice(due, func(i, j int) bool {
		pi, pj := m.configs[due[i]].cfg.Priority, m.configs[due[j]].cfg.Priority
		if pi != pj {
			return pi > pj
		}
		return due[i] < due[j]
	})
	if len(due) > m.cfg.BatchSize {
		due = due[:m.cfg.BatchSize]
	}
	return due
}

// runBatch computes the given configurations with bounded concurrency.
// forcePublish overrides each configuration's publish flag.
func (m *Manager) runBatch(ctx context.Context, ids []string, forcePublish bool) {
	if len(ids) == 0 {
		return
	}

	sem := make(chan struct{}, calcConcurrency)
	var wg sync.WaitGroup
	for _, id := range ids {
		select {
		case <-m.stopChan:
			wg.Wait()
			return
		default:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := m.calculateOne(ctx, id, forcePublish); err != nil {
				m.logger.Debug().Err(err).Str("configuration_id", id).Msg("Calculation failed")
			}
		}(id)
	}
	wg.Wait()
}

// calculateOne fetches candles, runs the calculator and records the
// outcome on the configuration.
func (m *Manager) calculateOne(ctx context.Context, id string, forcePublish bool) (*domain.IndicatorResult, error) {
	m.mu.RLock()
	state, ok := m.configs[id]
	var cfg domain.IndicatorConfig
	if ok {
		cfg = state.cfg
	}
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("configuration %s not found", id)
	}

	limit := cfg.PeriodsRequired
	if limit < 100 {
		limit = 100
	}

	candles, err := m.candles.Candles(ctx, cfg.Symbol, cfg.Interval, limit)
	if err != nil {
		m.recordFailure(ctx, id, err)
		return nil, err
	}

	start := m.now()
	values, err := m.calc.Calculate(cfg, candles)
	durationMs := float64(m.now().Sub(start).Microseconds()) / 1000.0
	if m.metrics != nil {
		m.metrics.IndicatorCalcDuration.Observe(durationMs / 1000.0)
	}
	if err != nil {
		m.recordFailure(ctx, id, err)
		return nil, err
	}

	result := &domain.IndicatorResult{
		ConfigurationID: cfg.ID,
		StrategyID:      cfg.StrategyID,
		IndicatorType:   cfg.IndicatorType,
		Symbol:          cfg.Symbol,
		Interval:        cfg.Interval,
		Values:          values,
		CalculatedAt:    m.now().UTC(),
		DurationMs:      durationMs,
	}

	m.recordSuccess(ctx, id, durationMs)
	m.storeResult(ctx, cfg, result)
	m.cacheResult(ctx, cfg, result)

	if m.fabric != nil && (forcePublish || cfg.Publish || m.subscribed(cfg.ID)) {
		key := messaging.ResultKey(cfg.Symbol, cfg.Interval)
		if err := m.fabric.Publish(ctx, messaging.ExchangeIndicatorResults, key, result); err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("Result publish failed")
		}
	}
	return result, nil
}

func (m *Manager) recordFailure(ctx context.Context, id string, calcErr error) {
	if m.metrics != nil {
		m.metrics.IndicatorCalcErrors.Inc()
	}

	m.mu.Lock()
	state, ok := m.configs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	state.errStreak++
	state.cfg.ErrorCount++
	paused := false
	if state.errStreak >= m.cfg.MaxConsecutiveErrors {
		state.skipCycle = true
		paused = true
	}
	cfg := state.cfg
	m.mu.Unlock()

	ev := m.logger.Warn().Err(calcErr).Str("configuration_id", id).Int("error_count", cfg.ErrorCount)
	if paused {
		ev = ev.Bool("paused_next_cycle", true)
	}
	ev.Msg("Indicator calculation error")

	if err := m.persistConfig(ctx, cfg); err != nil {
		m.logger.Warn().Err(err).Str("configuration_id", id).Msg("Config persist failed")
	}
}

func (m *Manager) recordSuccess(ctx context.Context, id string, durationMs float64) {
	now := m.now().UTC()

	m.mu.Lock()
	state, ok := m.configs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	state.errStreak = 0
	state.cfg.CalcCount++
	if state.cfg.AvgCalcMs == 0 {
		state.cfg.AvgCalcMs = durationMs
	} else {
		state.cfg.AvgCalcMs = 0.8*state.cfg.AvgCalcMs + 0.2*durationMs
	}
	state.cfg.LastCalculated = &now
	state.cfg.UpdatedAt = now
	cfg := state.cfg
	m.mu.Unlock()

	if err := m.persistConfig(ctx, cfg); err != nil {
		m.logger.Warn().Err(err).Str("configuration_id", id).Msg("Config persist failed")
	}
}

// storeResult upserts the latest result per configuration.
func (m *Manager) storeResult(ctx context.Context, cfg domain.IndicatorConfig, result *domain.IndicatorResult) {
	doc, err := store.Encode(result)
	if err != nil {
		m.logger.Warn().Err(err).Str("configuration_id", cfg.ID).Msg("Result encode failed")
		return
	}
	doc["id"] = cfg.ID
	if err := m.docs.Upsert(ctx, store.ContainerIndicatorResults, doc); err != nil {
		m.logger.Warn().Err(err).Str("configuration_id", cfg.ID).Msg("Result store failed")
	}
}

func (m *Manager) cacheResult(ctx context.Context, cfg domain.IndicatorConfig, result *domain.IndicatorResult) {
	if !m.cfg.ResultCacheEnabled || m.cache == nil || cfg.CacheDurationMin <= 0 {
		return
	}
	body, err := json.Marshal(result)
	if err != nil {
		return
	}
	key := "indicator:result:" + cfg.ID
	ttl := time.Duration(cfg.CacheDurationMin) * time.Minute
	if err := m.cache.Set(ctx, key, body, ttl).Err(); err != nil {
		m.logger.Debug().Err(err).Str("key", key).Msg("Result cache write failed")
	}
}

func (m *Manager) persistConfig(ctx context.Context, cfg domain.IndicatorConfig) error {
	doc, err := store.Encode(cfg)
	if err != nil {
		return err
	}
	return m.docs.Upsert(ctx, store.ContainerIndicatorConfigs, doc)
}

func (m *Manager) subscribed(configID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		for _, id := range sub.ConfigurationIDs {
			if id == configID {
				return true
			}
		}
	}
	return false
}

func (m *Manager) replySuccess(ctx context.Context, d messaging.Delivery, replyTo, action, configID, strategyID string) {
	m.reply(ctx, d, replyTo, response{
		Status:          "success",
		Action:          action,
		ConfigurationID: configID,
		StrategyID:      strategyID,
		Timestamp:       m.now().UTC(),
	})
}

func (m *Manager) replyError(ctx context.Context, d messaging.Delivery, replyTo, action, configID, strategyID, msg string) {
	m.reply(ctx, d, replyTo, response{
		Status:          "error",
		Action:          action,
		ConfigurationID: configID,
		StrategyID:      strategyID,
		Error:           msg,
		Timestamp:       m.now().UTC(),
	})
}

// reply publishes the envelope to the requester's reply queue. The body
// reply_to wins over the message property; no reply target means the
// requester did not want one.
func (m *Manager) reply(ctx context.Context, d messaging.Delivery, replyTo string, resp response) {
	target := replyTo
	if target == "" {
		target = d.ReplyTo
	}
	if target == "" || m.fabric == nil {
		return
	}
	err := m.fabric.PublishWith(ctx, "", target, resp, messaging.PublishOptions{
		CorrelationID: d.CorrelationID,
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("reply_to", target).Msg("Reply publish failed")
	}
}

// applyUpdates merges an updates map onto a configuration through its
// JSON form. The id field cannot be changed.
func applyUpdates(cfg domain.IndicatorConfig, updates map[string]interface{}) (domain.IndicatorConfig, error) {
	if len(updates) == 0 {
		return cfg, nil
	}

	doc, err := store.Encode(cfg)
	if err != nil {
		return cfg, err
	}
	for k, v := range updates {
		if k == "id" {
			continue
		}
		doc[k] = v
	}

	var updated domain.IndicatorConfig
	if err := store.Decode(doc, &updated); err != nil {
		return cfg, err
	}
	updated.ID = cfg.ID
	return updated, nil
}
