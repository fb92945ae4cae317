// Package gateway turns approved trade signals into venue orders and
// keeps the book of record straight: it tracks live orders until the
// venue reports a terminal state, folds fills into the positions
// container and writes a trade row for every closed quantity.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mastertrade/internal/domain"
	"mastertrade/internal/events"
	"mastertrade/internal/messaging"
	"mastertrade/internal/metrics"
	"mastertrade/internal/store"
)

// positionEpsilon is the quantity below which a position counts as flat.
const positionEpsilon = 1e-9

// Config tunes order tracking.
type Config struct {
	// OrderTimeout marks an order failed when the venue has not resolved
	// it in time. Failed orders keep reconciling.
	OrderTimeout    time.Duration `json:"order_timeout"`
	MonitorInterval time.Duration `json:"monitor_interval"`
}

// DefaultConfig returns production tracking defaults.
func DefaultConfig() Config {
	return Config{
		OrderTimeout:    60 * time.Second,
		MonitorInterval: 10 * time.Second,
	}
}

// Signal is one approved trade instruction, normally a request that
// cleared the risk gate at the gate's recommended quantity.
type Signal struct {
	SignalID       string          `json:"signal_id"`
	StrategyID     string          `json:"strategy_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	OrderType      string          `json:"order_type"`
	Quantity       decimal.Decimal `json:"quantity"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Regime         string          `json:"regime,omitempty"`
}

type signalKey struct {
	strategyID string
	symbol     string
	signalID   string
}

// Gateway submits signals to a venue and reconciles the results.
// Duplicate signals (same strategy, symbol and signal id) return the
// order created by the first submission.
type Gateway struct {
	cfg     Config
	venue   VenueClient
	st      store.Store
	fabric  *messaging.Fabric
	bus     *events.EventBus
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*domain.Order
	byKey  map[signalKey]string

	posMu sync.Mutex

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewGateway wires a gateway. fabric, bus and m may be nil; the
// corresponding outputs are skipped.
func NewGateway(cfg Config, venue VenueClient, st store.Store, fabric *messaging.Fabric, bus *events.EventBus, m *metrics.Metrics, logger zerolog.Logger) *Gateway {
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = DefaultConfig().OrderTimeout
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultConfig().MonitorInterval
	}
	return &Gateway{
		cfg:      cfg,
		venue:    venue,
		st:       st,
		fabric:   fabric,
		bus:      bus,
		metrics:  m,
		logger:   logger.With().Str("component", "order_gateway").Logger(),
		now:      time.Now,
		active:   make(map[string]*domain.Order),
		byKey:    make(map[signalKey]string),
		stopChan: make(chan struct{}),
	}
}

// Load rebuilds the tracking maps from the orders container, picking up
// non-terminal orders left by a previous run.
func (g *Gateway) Load(ctx context.Context) error {
	docs, err := g.st.Query(ctx, store.ContainerOrders, store.Query{})
	if err != nil {
		return fmt.Errorf("load orders: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	loaded := 0
	for _, doc := range docs {
		var order domain.Order
		if err := store.Decode(doc, &order); err != nil {
			g.logger.Warn().Err(err).Str("id", doc.ID()).Msg("Skipping undecodable order")
			continue
		}
		g.byKey[signalKey{order.StrategyID, order.Symbol, order.SignalID}] = order.ID
		if !order.Terminal() {
			o := order
			g.active[order.ID] = &o
			loaded++
		}
	}
	if loaded > 0 {
		g.logger.Info().Int("count", loaded).Msg("Resumed tracking open orders")
	}
	return nil
}

// Start runs the background reconciliation loop.
func (g *Gateway) Start() {
	g.wg.Add(1)
	go g.loop()
}

// Stop halts the reconciliation loop.
func (g *Gateway) Stop() {
	close(g.stopChan)
	g.wg.Wait()
}

func (g *Gateway) loop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), g.cfg.MonitorInterval)
			g.ReconcileAll(ctx)
			cancel()
		}
	}
}

// Submit places an order for an approved signal. A duplicate signal
// returns the existing order without touching the venue.
func (g *Gateway) Submit(ctx context.Context, sig Signal) (*domain.Order, error) {
	sig.Side = strings.ToUpper(sig.Side)
	if sig.OrderType == "" {
		sig.OrderType = domain.OrderTypeMarket
	}
	if sig.SignalID == "" || sig.StrategyID == "" || sig.Symbol == "" {
		return nil, errors.New("signal id, strategy id and symbol are required")
	}
	if sig.Side != domain.OrderSideBuy && sig.Side != domain.OrderSideSell {
		return nil, fmt.Errorf("unknown order side %q", sig.Side)
	}
	if sig.Quantity.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive quantity %s", sig.Quantity)
	}

	key := signalKey{sig.StrategyID, sig.Symbol, sig.SignalID}
	if existing, err := g.existingOrder(ctx, key); err != nil {
		return nil, err
	} else if existing != nil {
		g.logger.Debug().Str("order_id", existing.ID).Str("signal_id", sig.SignalID).Msg("Duplicate signal, returning existing order")
		return existing, nil
	}

	now := g.now().UTC()
	order := &domain.Order{
		ID:             uuid.New().String(),
		SignalID:       sig.SignalID,
		StrategyID:     sig.StrategyID,
		Symbol:         sig.Symbol,
		Side:           sig.Side,
		Type:           sig.OrderType,
		Quantity:       sig.Quantity,
		LimitPrice:     sig.LimitPrice,
		ReferencePrice: sig.ReferencePrice,
		Regime:         sig.Regime,
		Status:         domain.OrderStatusNew,
		SubmittedAt:    now,
		UpdatedAt:      now,
	}
	// Persist the intent first so a crash mid-submit leaves a row the
	// next Load can reconcile.
	if err := g.persistOrder(ctx, *order); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.byKey[key] = order.ID
	g.mu.Unlock()

	vo, err := g.venue.CreateOrder(ctx, CreateOrderRequest{
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Type:       sig.OrderType,
		Quantity:   sig.Quantity,
		LimitPrice: sig.LimitPrice,
	})
	if err != nil {
		closed := g.now().UTC()
		order.Status = domain.OrderStatusRejected
		order.Error = err.Error()
		order.UpdatedAt = closed
		order.ClosedAt = &closed
		if perr := g.persistOrder(ctx, *order); perr != nil {
			g.logger.Error().Err(perr).Str("order_id", order.ID).Msg("Rejected order persist failed")
		}
		g.countTerminal(order.Status)
		g.logger.Warn().Err(err).Str("symbol", sig.Symbol).Str("strategy_id", sig.StrategyID).Msg("Venue rejected order")
		return order, fmt.Errorf("create order: %w", err)
	}

	g.mu.Lock()
	order.VenueOrderID = vo.VenueOrderID
	g.active[order.ID] = order
	snap := *order
	g.mu.Unlock()
	if err := g.persistOrder(ctx, snap); err != nil {
		g.logger.Error().Err(err).Str("order_id", snap.ID).Msg("Order persist failed")
	}

	if g.bus != nil {
		g.bus.Publish(events.Event{
			Type: events.EventOrderPlaced,
			Data: map[string]interface{}{
				"order_id":    snap.ID,
				"symbol":      snap.Symbol,
				"side":        snap.Side,
				"type":        snap.Type,
				"quantity":    snap.Quantity.InexactFloat64(),
				"strategy_id": snap.StrategyID,
			},
		})
	}
	g.logger.Info().
		Str("order_id", snap.ID).
		Str("venue_order_id", vo.VenueOrderID).
		Str("symbol", snap.Symbol).
		Str("side", snap.Side).
		Str("quantity", snap.Quantity.String()).
		Msg("Order submitted")

	// Paper fills can land inside CreateOrder.
	g.applyVenueState(ctx, snap.ID, vo)

	return g.snapshot(ctx, snap.ID, snap.Symbol)
}

// Cancel asks the venue to cancel an order and reconciles the outcome.
func (g *Gateway) Cancel(ctx context.Context, orderID string) error {
	g.mu.Lock()
	order, ok := g.active[orderID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("order %s: %w", orderID, store.ErrNotFound)
	}
	symbol, venueID := order.Symbol, order.VenueOrderID
	g.mu.Unlock()

	if venueID == "" {
		return fmt.Errorf("order %s was never accepted by the venue", orderID)
	}
	if err := g.venue.CancelOrder(ctx, symbol, venueID); err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	g.reconcile(ctx, orderID)
	return nil
}

// OnPriceUpdate reconciles every active order on the updated symbol
// against the venue.
func (g *Gateway) OnPriceUpdate(ctx context.Context, symbol string) {
	for _, id := range g.activeIDs(symbol) {
		g.reconcile(ctx, id)
	}
}

// ReconcileAll reconciles every active order regardless of symbol.
func (g *Gateway) ReconcileAll(ctx context.Context) {
	for _, id := range g.activeIDs("") {
		g.reconcile(ctx, id)
	}
}

// ActiveOrders returns copies of the orders still being tracked.
func (g *Gateway) ActiveOrders() []domain.Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Order, 0, len(g.active))
	for _, order := range g.active {
		out = append(out, *order)
	}
	return out
}

// Order returns the tracked order by id, if still active.
func (g *Gateway) Order(orderID string) (domain.Order, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.active[orderID]
	if !ok {
		return domain.Order{}, false
	}
	return *order, true
}

// Stats reports tracking counters for the ops surface.
func (g *Gateway) Stats() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	byStatus := make(map[string]int)
	for _, order := range g.active {
		byStatus[order.Status]++
	}
	return map[string]interface{}{
		"active":    len(g.active),
		"by_status": byStatus,
		"known":     len(g.byKey),
	}
}

func (g *Gateway) activeIDs(symbol string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.active))
	for id, order := range g.active {
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		out = append(out, id)
	}
	return out
}

// existingOrder resolves the idempotency key, first in memory and then
// against the orders container so restarts stay idempotent.
func (g *Gateway) existingOrder(ctx context.Context, key signalKey) (*domain.Order, error) {
	g.mu.Lock()
	if id, ok := g.byKey[key]; ok {
		if order, live := g.active[id]; live {
			out := *order
			g.mu.Unlock()
			return &out, nil
		}
		g.mu.Unlock()
		return g.loadOrder(ctx, key.symbol, id)
	}
	g.mu.Unlock()

	docs, err := g.st.Query(ctx, store.ContainerOrders, store.Query{
		PartitionValue: key.symbol,
		Filters: map[string]interface{}{
			"strategy_id": key.strategyID,
			"signal_id":   key.signalID,
		},
		Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("order dedup lookup: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	var order domain.Order
	if err := store.Decode(docs[0], &order); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", docs[0].ID(), err)
	}
	g.mu.Lock()
	g.byKey[key] = order.ID
	g.mu.Unlock()
	return &order, nil
}

func (g *Gateway) loadOrder(ctx context.Context, symbol, orderID string) (*domain.Order, error) {
	doc, err := g.st.Get(ctx, store.ContainerOrders, orderID, symbol)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}
	var order domain.Order
	if err := store.Decode(doc, &order); err != nil {
		return nil, fmt.Errorf("decode order %s: %w", orderID, err)
	}
	return &order, nil
}

// snapshot returns the current view of an order, falling back to the
// store once it left the active map.
func (g *Gateway) snapshot(ctx context.Context, orderID, symbol string) (*domain.Order, error) {
	g.mu.Lock()
	if order, ok := g.active[orderID]; ok {
		out := *order
		g.mu.Unlock()
		return &out, nil
	}
	g.mu.Unlock()
	return g.loadOrder(ctx, symbol, orderID)
}

// reconcile fetches the venue state of one order and applies it.
func (g *Gateway) reconcile(ctx context.Context, orderID string) {
	g.mu.Lock()
	order, ok := g.active[orderID]
	if !ok {
		g.mu.Unlock()
		return
	}
	symbol, venueID := order.Symbol, order.VenueOrderID
	g.mu.Unlock()

	if venueID == "" {
		g.checkTimeout(ctx, orderID)
		return
	}
	vo, err := g.venue.FetchOrder(ctx, symbol, venueID)
	if err != nil {
		g.logger.Warn().Err(err).Str("order_id", orderID).Msg("Order fetch failed")
		g.checkTimeout(ctx, orderID)
		return
	}
	g.applyVenueState(ctx, orderID, vo)
	g.checkTimeout(ctx, orderID)
}

// applyVenueState folds one venue report into the tracked order,
// processing any newly filled quantity.
func (g *Gateway) applyVenueState(ctx context.Context, orderID string, vo *VenueOrder) {
	g.mu.Lock()
	order, ok := g.active[orderID]
	if !ok {
		g.mu.Unlock()
		return
	}

	deltaQty := vo.FilledQty.Sub(order.FilledQty)
	newStatus := vo.Status
	if newStatus == domain.OrderStatusNew && order.Status == domain.OrderStatusFailed {
		// The timeout verdict stands until the venue reports progress.
		newStatus = domain.OrderStatusFailed
	}
	if deltaQty.Sign() <= 0 && newStatus == order.Status {
		g.mu.Unlock()
		return
	}

	order.FilledQty = vo.FilledQty
	if vo.AvgFillPrice.Sign() > 0 {
		order.AvgFillPrice = vo.AvgFillPrice
		order.Slippage = fillSlippage(order)
	}
	order.Status = newStatus
	order.UpdatedAt = g.now().UTC()
	terminal := order.Terminal()
	if terminal {
		closed := order.UpdatedAt
		order.ClosedAt = &closed
		delete(g.active, orderID)
	}
	snapshot := *order
	g.mu.Unlock()

	if err := g.persistOrder(ctx, snapshot); err != nil {
		g.logger.Error().Err(err).Str("order_id", orderID).Msg("Order persist failed")
	}
	if deltaQty.Sign() > 0 {
		g.onFill(ctx, snapshot, deltaQty)
	}
	if terminal {
		g.countTerminal(snapshot.Status)
		g.logger.Info().
			Str("order_id", snapshot.ID).
			Str("status", snapshot.Status).
			Str("filled", snapshot.FilledQty.String()).
			Msg("Order closed")
	}
}

// checkTimeout marks an order failed once it outlives OrderTimeout
// without a terminal verdict. The order stays tracked; a later venue
// report can still resolve it.
func (g *Gateway) checkTimeout(ctx context.Context, orderID string) {
	g.mu.Lock()
	order, ok := g.active[orderID]
	if !ok || order.Status == domain.OrderStatusFailed {
		g.mu.Unlock()
		return
	}
	if g.now().Sub(order.SubmittedAt) < g.cfg.OrderTimeout {
		g.mu.Unlock()
		return
	}
	order.Status = domain.OrderStatusFailed
	order.UpdatedAt = g.now().UTC()
	snapshot := *order
	g.mu.Unlock()

	if err := g.persistOrder(ctx, snapshot); err != nil {
		g.logger.Error().Err(err).Str("order_id", orderID).Msg("Order persist failed")
	}
	g.logger.Warn().
		Str("order_id", orderID).
		Str("symbol", snapshot.Symbol).
		Dur("age", g.now().Sub(snapshot.SubmittedAt)).
		Msg("Order timed out, marked failed")
}

// onFill applies newly filled quantity to the position book and emits
// fill notifications.
func (g *Gateway) onFill(ctx context.Context, order domain.Order, deltaQty decimal.Decimal) {
	qty := deltaQty.InexactFloat64()
	price := order.AvgFillPrice.InexactFloat64()

	if g.bus != nil {
		g.bus.PublishOrderFilled(order.ID, order.Symbol, order.Side, qty, price)
	}

	action, pos, err := g.applyToPosition(ctx, order, qty, price)
	if err != nil {
		g.logger.Error().Err(err).Str("order_id", order.ID).Msg("Position update failed")
		return
	}
	g.publishPosition(ctx, action, pos, order)
}

// applyToPosition folds one fill into the per-symbol position row,
// writing a trade record for any quantity it closes. Runs inside one
// store transaction so the position and its trades move together.
func (g *Gateway) applyToPosition(ctx context.Context, order domain.Order, qty, price float64) (string, domain.Position, error) {
	g.posMu.Lock()
	defer g.posMu.Unlock()

	now := g.now().UTC()
	var action string
	var result domain.Position

	err := g.st.Transactional(ctx, func(txn store.DocumentStore) error {
		var pos *domain.Position
		doc, err := txn.Get(ctx, store.ContainerPositions, order.Symbol, order.Symbol)
		if err == nil {
			var existing domain.Position
			if derr := store.Decode(doc, &existing); derr != nil {
				return fmt.Errorf("decode position %s: %w", order.Symbol, derr)
			}
			pos = &existing
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load position %s: %w", order.Symbol, err)
		}

		switch {
		case pos == nil:
			pos = &domain.Position{
				Symbol:       order.Symbol,
				StrategyID:   order.StrategyID,
				Side:         order.Side,
				Quantity:     qty,
				EntryPrice:   price,
				CurrentPrice: price,
				OpenedAt:     now,
				UpdatedAt:    now,
			}
			action = "opened"
			result = *pos
			return persistPosition(ctx, txn, pos)

		case pos.Side == order.Side:
			newQty := pos.Quantity + qty
			pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*qty) / newQty
			pos.Quantity = newQty
			pos.CurrentPrice = price
			pos.UpdatedAt = now
			action = "extended"
			result = *pos
			return persistPosition(ctx, txn, pos)

		default:
			closedQty := math.Min(qty, pos.Quantity)
			if err := g.recordTrade(ctx, txn, order, *pos, closedQty, price, now); err != nil {
				return err
			}
			remaining := pos.Quantity - closedQty
			leftover := qty - closedQty
			switch {
			case remaining > positionEpsilon:
				pos.Quantity = remaining
				pos.CurrentPrice = price
				pos.UpdatedAt = now
				action = "reduced"
				result = *pos
				return persistPosition(ctx, txn, pos)
			case leftover > positionEpsilon:
				pos = &domain.Position{
					Symbol:       order.Symbol,
					StrategyID:   order.StrategyID,
					Side:         order.Side,
					Quantity:     leftover,
					EntryPrice:   price,
					CurrentPrice: price,
					OpenedAt:     now,
					UpdatedAt:    now,
				}
				action = "flipped"
				result = *pos
				return persistPosition(ctx, txn, pos)
			default:
				if _, err := txn.Delete(ctx, store.ContainerPositions, order.Symbol, order.Symbol); err != nil {
					return fmt.Errorf("close position %s: %w", order.Symbol, err)
				}
				pos.Quantity = 0
				pos.CurrentPrice = price
				pos.UpdatedAt = now
				action = "closed"
				result = *pos
				return nil
			}
		}
	})
	if err != nil {
		return "", domain.Position{}, err
	}
	return action, result, nil
}

// persistPosition upserts the position row keyed by symbol.
func persistPosition(ctx context.Context, txn store.DocumentStore, pos *domain.Position) error {
	doc, err := store.Encode(pos)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	doc["id"] = pos.Symbol
	if err := txn.Upsert(ctx, store.ContainerPositions, doc); err != nil {
		return fmt.Errorf("persist position: %w", err)
	}
	return nil
}

// recordTrade writes the closed-quantity trade row attributed to the
// strategy that issued the closing order.
func (g *Gateway) recordTrade(ctx context.Context, txn store.DocumentStore, order domain.Order, pos domain.Position, closedQty, exitPrice float64, now time.Time) error {
	direction := 1.0
	if pos.Side == domain.OrderSideSell {
		direction = -1
	}
	pnl := (exitPrice - pos.EntryPrice) * closedQty * direction
	pnlPct := 0.0
	if pos.EntryPrice != 0 {
		pnlPct = (exitPrice - pos.EntryPrice) / pos.EntryPrice * direction
	}
	trade := domain.TradeRecord{
		ID:         uuid.New().String(),
		StrategyID: order.StrategyID,
		Symbol:     order.Symbol,
		Side:       pos.Side,
		Quantity:   closedQty,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		EntryTime:  pos.OpenedAt,
		ExitTime:   now,
		PnL:        pnl,
		PnLPct:     pnlPct,
		Slippage:   order.Slippage,
		Regime:     order.Regime,
	}
	doc, err := store.Encode(&trade)
	if err != nil {
		return fmt.Errorf("encode trade: %w", err)
	}
	if err := txn.Upsert(ctx, store.ContainerTrades, doc); err != nil {
		return fmt.Errorf("persist trade: %w", err)
	}
	g.logger.Info().
		Str("strategy_id", trade.StrategyID).
		Str("symbol", trade.Symbol).
		Float64("quantity", closedQty).
		Float64("pnl", pnl).
		Msg("Trade closed")
	return nil
}

// publishPosition emits the position change on the portfolio topic and
// the in-process bus.
func (g *Gateway) publishPosition(ctx context.Context, action string, pos domain.Position, order domain.Order) {
	payload := map[string]interface{}{
		"symbol":      pos.Symbol,
		"strategy_id": pos.StrategyID,
		"side":        pos.Side,
		"action":      action,
		"quantity":    pos.Quantity,
		"entry_price": pos.EntryPrice,
		"fill_price":  order.AvgFillPrice.InexactFloat64(),
		"order_id":    order.ID,
		"timestamp":   g.now().UTC(),
	}
	if g.fabric != nil {
		err := g.fabric.Publish(ctx, messaging.ExchangePortfolioUpdates, messaging.PositionUpdateKey(pos.Symbol), payload)
		if err != nil {
			g.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Position publish failed")
		}
	}
	if g.bus != nil {
		g.bus.Publish(events.Event{Type: events.EventPositionUpdate, Data: payload})
	}
}

func (g *Gateway) persistOrder(ctx context.Context, order domain.Order) error {
	doc, err := store.Encode(&order)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	if err := g.st.Upsert(ctx, store.ContainerOrders, doc); err != nil {
		return fmt.Errorf("persist order: %w", err)
	}
	return nil
}

func (g *Gateway) countTerminal(status string) {
	if g.metrics != nil {
		g.metrics.OrdersTotal.WithLabelValues(status).Inc()
	}
}

// fillSlippage measures the fill against the limit price, or the
// signal's reference price for market orders.
func fillSlippage(order *domain.Order) float64 {
	expected := order.LimitPrice
	if expected.Sign() <= 0 {
		expected = order.ReferencePrice
	}
	if expected.Sign() <= 0 || order.AvgFillPrice.Sign() <= 0 {
		return 0
	}
	diff := order.AvgFillPrice.Sub(expected).Abs()
	slippage, _ := diff.Div(expected).Float64()
	return slippage
}
