package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mastertrade/internal/domain"
	"mastertrade/internal/messaging"
	"mastertrade/internal/metrics"
	"mastertrade/internal/store"
)

const (
	// Breakeven protection arms once profit exceeds this percentage.
	breakevenProfitPct = 2.0
	breakevenBump      = 1.001

	// Updates smaller than this fraction of the old stop are suppressed.
	minStopDeltaFrac = 0.001

	// Extra room before triggering while volatility is spiking.
	volSpikeBufferFrac = 0.005

	timeDecayPctPerDay = 0.1

	stopTriggerPriority = 9
)

// StopParams configures one stop order at creation. Zero values fall
// back to the manager's configured defaults.
type StopParams struct {
	Type                 string  `json:"type"`
	InitialStopPct       float64 `json:"initial_stop_pct"`
	TrailingDistancePct  float64 `json:"trailing_distance_pct"`
	MinProfitBeforeTrail float64 `json:"min_profit_before_trail"`
	Volatility           float64 `json:"volatility,omitempty"`
	VolMultiplier        float64 `json:"vol_multiplier,omitempty"`
	RiskMultiplier       float64 `json:"risk_multiplier,omitempty"`
	ATR                  float64 `json:"atr,omitempty"`
	ATRMultiplier        float64 `json:"atr_multiplier,omitempty"`
	SupportLevel         float64 `json:"support_level,omitempty"`
	SupportBufferPct     float64 `json:"support_buffer_pct,omitempty"`
}

// Stop event kinds.
const (
	StopEventUpdated   = "updated"
	StopEventTriggered = "triggered"
)

// StopEvent is one observable outcome of a price tick.
type StopEvent struct {
	Kind         string               `json:"kind"`
	Order        domain.StopLossOrder `json:"order"`
	OldStop      float64              `json:"old_stop"`
	TriggerPrice float64              `json:"trigger_price,omitempty"`
}

type stopState struct {
	order  domain.StopLossOrder
	params StopParams
}

// StopManager owns active stop-loss orders and walks them on every
// price tick. Long stops only ratchet upward; short stops only downward.
type StopManager struct {
	cfg     Config
	docs    store.DocumentStore
	fabric  *messaging.Fabric
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	active map[string]*stopState
}

// NewStopManager builds a stop manager. fabric and metrics may be nil.
func NewStopManager(cfg Config, docs store.DocumentStore, fabric *messaging.Fabric, m *metrics.Metrics, logger zerolog.Logger) *StopManager {
	return &StopManager{
		cfg:     cfg,
		docs:    docs,
		fabric:  fabric,
		metrics: m,
		logger:  logger.With().Str("component", "stop_loss").Logger(),
		now:     time.Now,
		active:  make(map[string]*stopState),
	}
}

// Load rehydrates active stops from the store after a restart.
func (sm *StopManager) Load(ctx context.Context) error {
	if sm.docs == nil {
		return nil
	}
	docs, err := sm.docs.Query(ctx, store.ContainerStopLossOrders, store.Query{
		Filters: map[string]interface{}{"status": domain.StopStatusActive},
	})
	if err != nil {
		return fmt.Errorf("stop manager: load: %w", err)
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, doc := range docs {
		var order domain.StopLossOrder
		if err := store.Decode(doc, &order); err != nil {
			continue
		}
		st := &stopState{order: order}
		if order.Config != nil {
			_ = store.Decode(store.Doc(order.Config), &st.params)
		}
		sm.applyParamDefaults(&st.params)
		sm.active[order.ID] = st
	}
	sm.logger.Info().Int("count", len(sm.active)).Msg("active stops loaded")
	return nil
}

// Create opens a stop order for a position and persists it.
func (sm *StopManager) Create(ctx context.Context, pos domain.Position, params StopParams) (*domain.StopLossOrder, error) {
	if pos.Symbol == "" || pos.EntryPrice <= 0 {
		return nil, fmt.Errorf("stop manager: position symbol and entry price required")
	}
	sm.applyParamDefaults(&params)
	stop := sm.initialStop(pos, params)
	if stop <= 0 {
		return nil, fmt.Errorf("stop manager: computed non-positive stop for %s", pos.Symbol)
	}
	now := sm.now().UTC()
	order := domain.StopLossOrder{
		ID:               uuid.NewString(),
		PositionID:       pos.Symbol,
		Symbol:           pos.Symbol,
		Side:             pos.Side,
		Type:             params.Type,
		Status:           domain.StopStatusActive,
		EntryPrice:       pos.EntryPrice,
		CurrentPrice:     pos.CurrentPrice,
		StopPrice:        stop,
		InitialStopPrice: stop,
		HighestPrice:     math.Max(pos.EntryPrice, pos.CurrentPrice),
		LowestPrice:      positiveMin(pos.EntryPrice, pos.CurrentPrice),
		Quantity:         pos.Quantity,
		CreatedAt:        now,
		LastUpdated:      now,
	}
	if doc, err := store.Encode(params); err == nil {
		order.Config = doc
	}

	sm.mu.Lock()
	sm.active[order.ID] = &stopState{order: order, params: params}
	sm.mu.Unlock()

	if err := sm.persist(ctx, order); err != nil {
		return nil, err
	}
	sm.logger.Info().
		Str("symbol", order.Symbol).
		Str("type", order.Type).
		Float64("entry", order.EntryPrice).
		Float64("stop", order.StopPrice).
		Msg("stop created")
	return &order, nil
}

// UpdatePrice walks every active stop on the symbol for one tick. sigma
// is the current daily volatility, zero when unknown.
func (sm *StopManager) UpdatePrice(ctx context.Context, symbol string, price, sigma float64) []StopEvent {
	if price <= 0 {
		return nil
	}
	var events []StopEvent

	sm.mu.Lock()
	for id, st := range sm.active {
		if st.order.Symbol != symbol {
			continue
		}
		ev := sm.tick(st, price, sigma)
		if ev == nil {
			continue
		}
		if ev.Kind == StopEventTriggered {
			delete(sm.active, id)
		}
		events = append(events, *ev)
	}
	sm.mu.Unlock()

	for i := range events {
		sm.settle(ctx, events[i])
	}
	return events
}

// tick applies the per-tick update rules to one stop. Caller holds the
// lock.
func (sm *StopManager) tick(st *stopState, price, sigma float64) *StopEvent {
	order := &st.order
	short := order.Side == domain.OrderSideSell

	if sm.triggered(order, price, sigma, short) {
		order.Status = domain.StopStatusTriggered
		order.CurrentPrice = price
		order.LastUpdated = sm.now().UTC()
		return &StopEvent{Kind: StopEventTriggered, Order: *order, OldStop: order.StopPrice, TriggerPrice: price}
	}

	order.CurrentPrice = price
	if price > order.HighestPrice {
		order.HighestPrice = price
	}
	if price < order.LowestPrice || order.LowestPrice == 0 {
		order.LowestPrice = price
	}

	candidate := sm.candidateStop(st, price, sigma, short)
	candidate = sm.applyBreakeven(order, candidate, short)
	candidate = sm.applyTimeDecay(st, candidate, short)

	old := order.StopPrice
	var next float64
	if short {
		next = old
		if candidate > 0 && candidate < next {
			next = candidate
		}
	} else {
		next = math.Max(old, candidate)
	}
	if next == old || math.Abs(next-old) <= minStopDeltaFrac*old {
		return nil
	}
	order.StopPrice = next
	order.LastUpdated = sm.now().UTC()
	return &StopEvent{Kind: StopEventUpdated, Order: *order, OldStop: old}
}

func (sm *StopManager) triggered(order *domain.StopLossOrder, price, sigma float64, short bool) bool {
	stop := order.StopPrice
	if sigma > 1.5*sm.cfg.HighVolThreshold {
		if short {
			stop *= 1 + volSpikeBufferFrac
		} else {
			stop *= 1 - volSpikeBufferFrac
		}
	}
	if short {
		return price >= stop
	}
	return price <= stop
}

// candidateStop recomputes the stop for the order's type. Zero means no
// candidate this tick.
func (sm *StopManager) candidateStop(st *stopState, price, sigma float64, short bool) float64 {
	order := &st.order
	p := st.params
	switch order.Type {
	case domain.StopTypeTrailing:
		profit := profitPct(order, price, short)
		if profit < p.MinProfitBeforeTrail {
			return 0
		}
		if short {
			return order.LowestPrice * (1 + p.TrailingDistancePct/100)
		}
		return order.HighestPrice * (1 - p.TrailingDistancePct/100)
	case domain.StopTypeVolatility:
		vol := p.Volatility
		if sigma > 0 {
			vol = sigma
		}
		if vol <= 0 {
			return 0
		}
		frac := vol * p.VolMultiplier * p.RiskMultiplier
		if short {
			return price * (1 + frac)
		}
		return price * (1 - frac)
	case domain.StopTypeATR:
		if p.ATR <= 0 {
			return 0
		}
		if short {
			return price + p.ATR*p.ATRMultiplier
		}
		return price - p.ATR*p.ATRMultiplier
	case domain.StopTypeSR:
		if p.SupportLevel <= 0 {
			return 0
		}
		if short {
			return p.SupportLevel * (1 + p.SupportBufferPct/100)
		}
		return p.SupportLevel * (1 - p.SupportBufferPct/100)
	default:
		// Fixed stops never move on price.
		return 0
	}
}

func (sm *StopManager) applyBreakeven(order *domain.StopLossOrder, candidate float64, short bool) float64 {
	profit := profitPct(order, order.CurrentPrice, short)
	if profit <= breakevenProfitPct {
		return candidate
	}
	if short {
		breakeven := order.EntryPrice * (2 - breakevenBump)
		if candidate == 0 || breakeven < candidate {
			return breakeven
		}
		return candidate
	}
	return math.Max(candidate, order.EntryPrice*breakevenBump)
}

// applyTimeDecay tightens stale unprofitable positions by a tenth of a
// percent per day after the first 24 hours.
func (sm *StopManager) applyTimeDecay(st *stopState, candidate float64, short bool) float64 {
	if !sm.cfg.TimeDecayEnabled {
		return candidate
	}
	order := &st.order
	age := sm.now().UTC().Sub(order.CreatedAt)
	if age <= 24*time.Hour {
		return candidate
	}
	if profitPct(order, order.CurrentPrice, short) > 0 {
		return candidate
	}
	days := age.Hours() / 24
	frac := timeDecayPctPerDay / 100 * days
	if short {
		decayed := order.StopPrice * (1 - frac)
		if candidate == 0 || decayed < candidate {
			return decayed
		}
		return candidate
	}
	return math.Max(candidate, order.StopPrice*(1+frac))
}

// Tighten raises the stop toward the given distance from the current
// price for every active stop on the symbol. It never widens.
func (sm *StopManager) Tighten(ctx context.Context, symbol string, stopPct float64) []StopEvent {
	var events []StopEvent
	sm.mu.Lock()
	for _, st := range sm.active {
		if symbol != "" && st.order.Symbol != symbol {
			continue
		}
		order := &st.order
		if order.CurrentPrice <= 0 {
			continue
		}
		short := order.Side == domain.OrderSideSell
		var candidate float64
		if short {
			candidate = order.CurrentPrice * (1 + stopPct/100)
		} else {
			candidate = order.CurrentPrice * (1 - stopPct/100)
		}
		old := order.StopPrice
		if short {
			if candidate >= old {
				continue
			}
		} else if candidate <= old {
			continue
		}
		if math.Abs(candidate-old) <= minStopDeltaFrac*old {
			continue
		}
		order.StopPrice = candidate
		order.LastUpdated = sm.now().UTC()
		events = append(events, StopEvent{Kind: StopEventUpdated, Order: *order, OldStop: old})
	}
	sm.mu.Unlock()

	for i := range events {
		sm.settle(ctx, events[i])
	}
	return events
}

// Modify overwrites the stop price by operator request and records the
// transition. The order stays managed.
func (sm *StopManager) Modify(ctx context.Context, id string, newStop float64) (bool, error) {
	if newStop <= 0 {
		return false, fmt.Errorf("stop manager: new stop must be positive")
	}
	sm.mu.Lock()
	st, ok := sm.active[id]
	if !ok {
		sm.mu.Unlock()
		return false, nil
	}
	st.order.StopPrice = newStop
	st.order.Status = domain.StopStatusModified
	st.order.LastUpdated = sm.now().UTC()
	order := st.order
	sm.mu.Unlock()

	return true, sm.persist(ctx, order)
}

// Cancel removes the stop from management and persists the transition.
func (sm *StopManager) Cancel(ctx context.Context, id string) (bool, error) {
	sm.mu.Lock()
	st, ok := sm.active[id]
	if !ok {
		sm.mu.Unlock()
		return false, nil
	}
	delete(sm.active, id)
	st.order.Status = domain.StopStatusCancelled
	st.order.LastUpdated = sm.now().UTC()
	order := st.order
	sm.mu.Unlock()

	return true, sm.persist(ctx, order)
}

// Active returns copies of all managed stops.
func (sm *StopManager) Active() []domain.StopLossOrder {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	orders := make([]domain.StopLossOrder, 0, len(sm.active))
	for _, st := range sm.active {
		orders = append(orders, st.order)
	}
	return orders
}

// ActiveForSymbol returns copies of managed stops on one symbol.
func (sm *StopManager) ActiveForSymbol(symbol string) []domain.StopLossOrder {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var orders []domain.StopLossOrder
	for _, st := range sm.active {
		if st.order.Symbol == symbol {
			orders = append(orders, st.order)
		}
	}
	return orders
}

// Stats reports manager counters.
func (sm *StopManager) Stats() map[string]interface{} {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	byType := map[string]int{}
	for _, st := range sm.active {
		byType[st.order.Type]++
	}
	return map[string]interface{}{
		"active":  len(sm.active),
		"by_type": byType,
	}
}

// settle persists and publishes one event outside the lock.
func (sm *StopManager) settle(ctx context.Context, ev StopEvent) {
	if err := sm.persist(ctx, ev.Order); err != nil {
		sm.logger.Warn().Err(err).Str("id", ev.Order.ID).Msg("stop persist failed")
	}
	switch ev.Kind {
	case StopEventTriggered:
		if sm.metrics != nil {
			sm.metrics.StopTriggersTotal.Inc()
		}
		sm.logger.Info().
			Str("symbol", ev.Order.Symbol).
			Float64("stop", ev.Order.StopPrice).
			Float64("price", ev.TriggerPrice).
			Msg("stop triggered")
		sm.publishTrigger(ctx, ev)
	case StopEventUpdated:
		if sm.metrics != nil {
			sm.metrics.StopUpdatesTotal.Inc()
		}
		sm.logger.Debug().
			Str("symbol", ev.Order.Symbol).
			Float64("old", ev.OldStop).
			Float64("new", ev.Order.StopPrice).
			Msg("stop moved")
	}
}

func (sm *StopManager) publishTrigger(ctx context.Context, ev StopEvent) {
	if sm.fabric == nil {
		return
	}
	payload := map[string]interface{}{
		"order":         ev.Order,
		"trigger_price": ev.TriggerPrice,
		"timestamp":     sm.now().UTC(),
	}
	err := sm.fabric.PublishWith(ctx, messaging.ExchangeOrderExecution, messaging.KeyStopLossTrigger, payload, messaging.PublishOptions{
		Persistent: true,
		Priority:   stopTriggerPriority,
	})
	if err != nil {
		sm.logger.Error().Err(err).Str("symbol", ev.Order.Symbol).Msg("trigger publish failed")
	}
}

func (sm *StopManager) persist(ctx context.Context, order domain.StopLossOrder) error {
	if sm.docs == nil {
		return nil
	}
	doc, err := store.Encode(order)
	if err != nil {
		return err
	}
	return sm.docs.Upsert(ctx, store.ContainerStopLossOrders, doc)
}

func (sm *StopManager) applyParamDefaults(p *StopParams) {
	if p.Type == "" {
		p.Type = domain.StopTypeTrailing
	}
	if p.InitialStopPct <= 0 {
		p.InitialStopPct = sm.cfg.InitialStopPct
	}
	if p.TrailingDistancePct <= 0 {
		p.TrailingDistancePct = sm.cfg.TrailingDistancePct
	}
	if p.MinProfitBeforeTrail <= 0 {
		p.MinProfitBeforeTrail = sm.cfg.MinProfitBeforeTrail
	}
	if p.VolMultiplier <= 0 {
		p.VolMultiplier = sm.cfg.VolMultiplier
	}
	if p.RiskMultiplier <= 0 {
		p.RiskMultiplier = 1
	}
	if p.ATRMultiplier <= 0 {
		p.ATRMultiplier = sm.cfg.ATRMultiplier
	}
}

// initialStop computes the opening stop for a position.
func (sm *StopManager) initialStop(pos domain.Position, p StopParams) float64 {
	short := pos.Side == domain.OrderSideSell
	entry := pos.EntryPrice
	var frac float64
	switch p.Type {
	case domain.StopTypeVolatility:
		vol := p.Volatility
		if vol <= 0 {
			vol = pos.Volatility
		}
		if vol <= 0 {
			frac = p.InitialStopPct / 100
		} else {
			frac = vol * p.VolMultiplier * p.RiskMultiplier
		}
	case domain.StopTypeATR:
		if p.ATR > 0 && entry > 0 {
			frac = p.ATR / entry * p.ATRMultiplier
		} else {
			frac = p.InitialStopPct / 100
		}
	case domain.StopTypeSR:
		if p.SupportLevel > 0 {
			if short {
				return p.SupportLevel * (1 + p.SupportBufferPct/100)
			}
			return p.SupportLevel * (1 - p.SupportBufferPct/100)
		}
		frac = p.InitialStopPct / 100
	default:
		frac = p.InitialStopPct / 100
	}
	if short {
		return entry * (1 + frac)
	}
	return entry * (1 - frac)
}

func profitPct(order *domain.StopLossOrder, price float64, short bool) float64 {
	if order.EntryPrice == 0 {
		return 0
	}
	if short {
		return (order.EntryPrice - price) / order.EntryPrice * 100
	}
	return (price - order.EntryPrice) / order.EntryPrice * 100
}

func positiveMin(a, b float64) float64 {
	if b > 0 && b < a {
		return b
	}
	return a
}
