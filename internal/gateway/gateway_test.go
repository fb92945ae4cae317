package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mastertrade/internal/arbitrage"
	"mastertrade/internal/domain"
	"mastertrade/internal/events"
	"mastertrade/internal/store"
)

var _ arbitrage.VenueTrader = (*ArbTrader)(nil)

var gwRef = time.Date(2025, 7, 25, 12, 0, 0, 0, time.UTC)

// scriptVenue accepts every order and holds it until the test scripts a
// fill through report.
type scriptVenue struct {
	mu        sync.Mutex
	createErr error
	seq       int
	creates   int
	orders    map[string]*VenueOrder
}

func newScriptVenue() *scriptVenue {
	return &scriptVenue{orders: make(map[string]*VenueOrder)}
}

func (s *scriptVenue) CreateOrder(ctx context.Context, req CreateOrderRequest) (*VenueOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.seq++
	s.creates++
	vo := &VenueOrder{
		VenueOrderID: fmt.Sprintf("v-%d", s.seq),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		LimitPrice:   req.LimitPrice,
		Status:       domain.OrderStatusNew,
	}
	s.orders[vo.VenueOrderID] = vo
	return copyVenueOrder(vo), nil
}

func (s *scriptVenue) FetchOrder(ctx context.Context, symbol, venueOrderID string) (*VenueOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vo, ok := s.orders[venueOrderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", venueOrderID)
	}
	return copyVenueOrder(vo), nil
}

func (s *scriptVenue) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vo, ok := s.orders[venueOrderID]
	if !ok {
		return fmt.Errorf("order %s not found", venueOrderID)
	}
	vo.Status = domain.OrderStatusCanceled
	return nil
}

// report scripts the venue's next reconciliation answer for an order.
func (s *scriptVenue) report(venueOrderID string, filled, avgPrice decimal.Decimal, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vo := s.orders[venueOrderID]
	vo.FilledQty = filled
	vo.AvgFillPrice = avgPrice
	vo.Status = status
}

func newTestGateway(venue VenueClient, bus *events.EventBus) (*Gateway, store.Store) {
	st := store.NewMemory()
	g := NewGateway(Config{OrderTimeout: 30 * time.Second, MonitorInterval: time.Minute}, venue, st, nil, bus, nil, zerolog.Nop())
	g.now = func() time.Time { return gwRef }
	return g, st
}

func buySignal(id string, qty decimal.Decimal) Signal {
	return Signal{
		SignalID:       id,
		StrategyID:     "strat-1",
		Symbol:         "BTCUSDT",
		Side:           "buy",
		OrderType:      domain.OrderTypeMarket,
		Quantity:       qty,
		ReferencePrice: decimal.NewFromInt(100),
	}
}

func loadStoredOrder(t *testing.T, st store.Store, id, symbol string) domain.Order {
	t.Helper()
	doc, err := st.Get(context.Background(), store.ContainerOrders, id, symbol)
	if err != nil {
		t.Fatalf("load stored order: %v", err)
	}
	var order domain.Order
	if err := store.Decode(doc, &order); err != nil {
		t.Fatalf("decode stored order: %v", err)
	}
	return order
}

func loadPosition(t *testing.T, st store.Store, symbol string) domain.Position {
	t.Helper()
	doc, err := st.Get(context.Background(), store.ContainerPositions, symbol, symbol)
	if err != nil {
		t.Fatalf("load position: %v", err)
	}
	var pos domain.Position
	if err := store.Decode(doc, &pos); err != nil {
		t.Fatalf("decode position: %v", err)
	}
	return pos
}

func waitEvent(t *testing.T, ch <-chan events.Event, what string) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s event", what)
		return events.Event{}
	}
}

func TestSubmitTracksOrderUntilFilled(t *testing.T) {
	ctx := context.Background()
	venue := newScriptVenue()
	bus := events.NewEventBus()
	placed := make(chan events.Event, 4)
	filled := make(chan events.Event, 4)
	posCh := make(chan events.Event, 4)
	bus.Subscribe(events.EventOrderPlaced, func(e events.Event) { placed <- e })
	bus.Subscribe(events.EventOrderFilled, func(e events.Event) { filled <- e })
	bus.Subscribe(events.EventPositionUpdate, func(e events.Event) { posCh <- e })

	g, st := newTestGateway(venue, bus)

	order, err := g.Submit(ctx, buySignal("sig-1", decimal.NewFromInt(2)))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if order.Status != domain.OrderStatusNew {
		t.Fatalf("status = %s, want new", order.Status)
	}
	if order.VenueOrderID != "v-1" {
		t.Fatalf("venue order id = %s, want v-1", order.VenueOrderID)
	}
	if order.Side != domain.OrderSideBuy {
		t.Fatalf("side = %s, want normalised BUY", order.Side)
	}
	if _, ok := g.Order(order.ID); !ok {
		t.Fatal("submitted order is not tracked")
	}
	if got := loadStoredOrder(t, st, order.ID, "BTCUSDT"); got.Status != domain.OrderStatusNew {
		t.Fatalf("stored status = %s, want new", got.Status)
	}
	e := waitEvent(t, placed, "order placed")
	if e.Data["order_id"] != order.ID || e.Data["side"] != domain.OrderSideBuy {
		t.Fatalf("placed event data = %v", e.Data)
	}

	venue.report("v-1", decimal.NewFromInt(2), decimal.NewFromFloat(100.5), domain.OrderStatusFilled)
	g.OnPriceUpdate(ctx, "BTCUSDT")

	if _, ok := g.Order(order.ID); ok {
		t.Fatal("filled order still tracked")
	}
	stored := loadStoredOrder(t, st, order.ID, "BTCUSDT")
	if stored.Status != domain.OrderStatusFilled {
		t.Fatalf("stored status = %s, want filled", stored.Status)
	}
	if !stored.FilledQty.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("stored filled qty = %s, want 2", stored.FilledQty)
	}
	if stored.ClosedAt == nil || !stored.ClosedAt.Equal(gwRef) {
		t.Fatalf("stored closed at = %v, want %v", stored.ClosedAt, gwRef)
	}
	// Fill at 100.5 against a 100 reference.
	if stored.Slippage < 0.005-1e-12 || stored.Slippage > 0.005+1e-12 {
		t.Fatalf("slippage = %v, want 0.005", stored.Slippage)
	}

	e = waitEvent(t, filled, "order filled")
	if e.Data["quantity"] != 2.0 || e.Data["price"] != 100.5 {
		t.Fatalf("filled event data = %v", e.Data)
	}
	e = waitEvent(t, posCh, "position update")
	if e.Data["action"] != "opened" || e.Data["quantity"] != 2.0 {
		t.Fatalf("position event data = %v", e.Data)
	}

	pos := loadPosition(t, st, "BTCUSDT")
	if pos.Side != domain.OrderSideBuy || pos.Quantity != 2 || pos.EntryPrice != 100.5 {
		t.Fatalf("position = %+v", pos)
	}
	if pos.StrategyID != "strat-1" {
		t.Fatalf("position strategy = %s, want strat-1", pos.StrategyID)
	}

	trades, err := st.Query(ctx, store.ContainerTrades, store.Query{})
	if err != nil {
		t.Fatalf("query trades: %v", err)
	}
	if len(trades) != 0 {
		t.Fatalf("opening fill wrote %d trades, want 0", len(trades))
	}
}

func TestSubmitDuplicateSignalReturnsExisting(t *testing.T) {
	ctx := context.Background()
	venue := newScriptVenue()
	g, _ := newTestGateway(venue, nil)

	first, err := g.Submit(ctx, buySignal("sig-1", decimal.NewFromInt(1)))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := g.Submit(ctx, buySignal("sig-1", decimal.NewFromInt(1)))
	if err != nil {
		t.Fatalf("duplicate Submit: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate created a new order %s, want %s", second.ID, first.ID)
	}
	if venue.creates != 1 {
		t.Fatalf("venue saw %d creates, want 1", venue.creates)
	}

	// Still idempotent after the order leaves the active map.
	venue.report("v-1", decimal.NewFromInt(1), decimal.NewFromInt(100), domain.OrderStatusFilled)
	g.OnPriceUpdate(ctx, "BTCUSDT")
	third, err := g.Submit(ctx, buySignal("sig-1", decimal.NewFromInt(1)))
	if err != nil {
		t.Fatalf("post-fill Submit: %v", err)
	}
	if third.ID != first.ID || third.Status != domain.OrderStatusFilled {
		t.Fatalf("post-fill duplicate = %s/%s, want %s/filled", third.ID, third.Status, first.ID)
	}
	if venue.creates != 1 {
		t.Fatalf("venue saw %d creates, want 1", venue.creates)
	}
}

func TestDedupAndResumeAcrossRestart(t *testing.T) {
	ctx := context.Background()
	venue := newScriptVenue()
	g1, st := newTestGateway(venue, nil)

	open, err := g1.Submit(ctx, buySignal("sig-open", decimal.NewFromInt(1)))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	g2 := NewGateway(DefaultConfig(), venue, st, nil, nil, nil, zerolog.Nop())
	g2.now = func() time.Time { return gwRef }
	if err := g2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	actives := g2.ActiveOrders()
	if len(actives) != 1 || actives[0].ID != open.ID {
		t.Fatalf("resumed actives = %+v, want just %s", actives, open.ID)
	}
	resub, err := g2.Submit(ctx, buySignal("sig-open", decimal.NewFromInt(1)))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if resub.ID != open.ID || venue.creates != 1 {
		t.Fatalf("restart dedup failed: id %s creates %d", resub.ID, venue.creates)
	}

	// A gateway that never called Load still finds the order by its
	// signal key in the store.
	g3 := NewGateway(DefaultConfig(), venue, st, nil, nil, nil, zerolog.Nop())
	g3.now = func() time.Time { return gwRef }
	cold, err := g3.Submit(ctx, buySignal("sig-open", decimal.NewFromInt(1)))
	if err != nil {
		t.Fatalf("cold resubmit: %v", err)
	}
	if cold.ID != open.ID || venue.creates != 1 {
		t.Fatalf("cold dedup failed: id %s creates %d", cold.ID, venue.creates)
	}
}

func TestPartialFillsAccumulateIntoPosition(t *testing.T) {
	ctx := context.Background()
	venue := newScriptVenue()
	g, st := newTestGateway(venue, nil)

	order, err := g.Submit(ctx, buySignal("sig-1", decimal.NewFromFloat(2.5)))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	venue.report("v-1", decimal.NewFromInt(1), decimal.NewFromInt(100), domain.OrderStatusPartiallyFilled)
	g.OnPriceUpdate(ctx, "BTCUSDT")

	tracked, ok := g.Order(order.ID)
	if !ok {
		t.Fatal("partially filled order left the active map")
	}
	if tracked.Status != domain.OrderStatusPartiallyFilled || !tracked.FilledQty.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("tracked = %s/%s", tracked.Status, tracked.FilledQty)
	}
	pos := loadPosition(t, st, "BTCUSDT")
	if pos.Quantity != 1 || pos.EntryPrice != 100 {
		t.Fatalf("position after first fill = %+v", pos)
	}

	// Venue reports the cumulative fill; only the 1.5 delta applies.
	venue.report("v-1", decimal.NewFromFloat(2.5), decimal.NewFromFloat(100.6), domain.OrderStatusFilled)
	g.OnPriceUpdate(ctx, "BTCUSDT")

	if _, ok := g.Order(order.ID); ok {
		t.Fatal("filled order still tracked")
	}
	pos = loadPosition(t, st, "BTCUSDT")
	if pos.Quantity != 2.5 {
		t.Fatalf("position qty = %v, want 2.5", pos.Quantity)
	}
	wantEntry := (1*100 + 1.5*100.6) / 2.5
	if pos.EntryPrice < wantEntry-1e-9 || pos.EntryPrice > wantEntry+1e-9 {
		t.Fatalf("entry price = %v, want %v", pos.EntryPrice, wantEntry)
	}
}

func TestSellReducesThenFlipsPosition(t *testing.T) {
	ctx := context.Background()
	venue := newScriptVenue()
	g, st := newTestGateway(venue, nil)

	if _, err := g.Submit(ctx, buySignal("sig-a", decimal.NewFromInt(2))); err != nil {
		t.Fatalf("Submit buy: %v", err)
	}
	venue.report("v-1", decimal.NewFromInt(2), decimal.NewFromInt(100), domain.OrderStatusFilled)
	g.OnPriceUpdate(ctx, "BTCUSDT")

	sell := Signal{
		SignalID:   "sig-b",
		StrategyID: "strat-2",
		Symbol:     "BTCUSDT",
		Side:       domain.OrderSideSell,
		OrderType:  domain.OrderTypeMarket,
		Quantity:   decimal.NewFromInt(1),
	}
	if _, err := g.Submit(ctx, sell); err != nil {
		t.Fatalf("Submit sell: %v", err)
	}
	venue.report("v-2", decimal.NewFromInt(1), decimal.NewFromInt(110), domain.OrderStatusFilled)
	g.OnPriceUpdate(ctx, "BTCUSDT")

	pos := loadPosition(t, st, "BTCUSDT")
	if pos.Side != domain.OrderSideBuy || pos.Quantity != 1 || pos.EntryPrice != 100 {
		t.Fatalf("position after reduce = %+v", pos)
	}

	flip := sell
	flip.SignalID = "sig-c"
	flip.Quantity = decimal.NewFromInt(3)
	if _, err := g.Submit(ctx, flip); err != nil {
		t.Fatalf("Submit flip: %v", err)
	}
	venue.report("v-3", decimal.NewFromInt(3), decimal.NewFromInt(120), domain.OrderStatusFilled)
	g.OnPriceUpdate(ctx, "BTCUSDT")

	pos = loadPosition(t, st, "BTCUSDT")
	if pos.Side != domain.OrderSideSell || pos.Quantity != 2 || pos.EntryPrice != 120 {
		t.Fatalf("position after flip = %+v", pos)
	}

	trades, err := st.Query(ctx, store.ContainerTrades, store.Query{})
	if err != nil {
		t.Fatalf("query trades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(trades))
	}
	for _, doc := range trades {
		var tr domain.TradeRecord
		if err := store.Decode(doc, &tr); err != nil {
			t.Fatalf("decode trade: %v", err)
		}
		if tr.StrategyID != "strat-2" || tr.Side != domain.OrderSideBuy {
			t.Fatalf("trade attribution = %s/%s, want strat-2/BUY", tr.StrategyID, tr.Side)
		}
		switch tr.ExitPrice {
		case 110:
			if tr.Quantity != 1 || tr.PnL != 10 || tr.PnLPct != 0.1 {
				t.Fatalf("reduce trade = %+v", tr)
			}
		case 120:
			if tr.Quantity != 1 || tr.PnL != 20 {
				t.Fatalf("flip trade = %+v", tr)
			}
		default:
			t.Fatalf("unexpected exit price %v", tr.ExitPrice)
		}
	}
}

func TestShortCoverProfitsOnDrop(t *testing.T) {
	ctx := context.Background()
	venue := newScriptVenue()
	g, st := newTestGateway(venue, nil)

	short := Signal{
		SignalID:   "sig-s",
		StrategyID: "strat-1",
		Symbol:     "ETHUSDT",
		Side:       domain.OrderSideSell,
		OrderType:  domain.OrderTypeMarket,
		Quantity:   decimal.NewFromInt(1),
	}
	if _, err := g.Submit(ctx, short); err != nil {
		t.Fatalf("Submit short: %v", err)
	}
	venue.report("v-1", decimal.NewFromInt(1), decimal.NewFromInt(100), domain.OrderStatusFilled)
	g.OnPriceUpdate(ctx, "ETHUSDT")

	pos := loadPosition(t, st, "ETHUSDT")
	if pos.Side != domain.OrderSideSell || pos.Quantity != 1 || pos.EntryPrice != 100 {
		t.Fatalf("short position = %+v", pos)
	}

	cover := short
	cover.SignalID = "sig-c"
	cover.Side = domain.OrderSideBuy
	if _, err := g.Submit(ctx, cover); err != nil {
		t.Fatalf("Submit cover: %v", err)
	}
	venue.report("v-2", decimal.NewFromInt(1), decimal.NewFromInt(90), domain.OrderStatusFilled)
	g.OnPriceUpdate(ctx, "ETHUSDT")

	if _, err := st.Get(ctx, store.ContainerPositions, "ETHUSDT", "ETHUSDT"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("position survives cover: err = %v", err)
	}
	trades, err := st.Query(ctx, store.ContainerTrades, store.Query{})
	if err != nil {
		t.Fatalf("query trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
	var tr domain.TradeRecord
	if err := store.Decode(trades[0], &tr); err != nil {
		t.Fatalf("decode trade: %v", err)
	}
	if tr.Side != domain.OrderSideSell || tr.PnL != 10 || tr.PnLPct != 0.1 {
		t.Fatalf("short trade = %+v", tr)
	}
}

func TestOrderTimeoutMarksFailedThenRecovers(t *testing.T) {
	ctx := context.Background()
	venue := newScriptVenue()
	g, st := newTestGateway(venue, nil)
	current := gwRef
	g.now = func() time.Time { return current }

	order, err := g.Submit(ctx, buySignal("sig-1", decimal.NewFromInt(2)))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	current = gwRef.Add(31 * time.Second)
	g.OnPriceUpdate(ctx, "BTCUSDT")

	tracked, ok := g.Order(order.ID)
	if !ok {
		t.Fatal("timed-out order left the active map")
	}
	if tracked.Status != domain.OrderStatusFailed {
		t.Fatalf("status = %s, want failed", tracked.Status)
	}
	if got := loadStoredOrder(t, st, order.ID, "BTCUSDT"); got.Status != domain.OrderStatusFailed {
		t.Fatalf("stored status = %s, want failed", got.Status)
	}

	// The venue still says new; the failed verdict stands.
	g.OnPriceUpdate(ctx, "BTCUSDT")
	if tracked, _ := g.Order(order.ID); tracked.Status != domain.OrderStatusFailed {
		t.Fatalf("status after re-check = %s, want failed", tracked.Status)
	}

	// A late venue resolution still lands.
	venue.report("v-1", decimal.NewFromInt(2), decimal.NewFromInt(100), domain.OrderStatusFilled)
	g.OnPriceUpdate(ctx, "BTCUSDT")
	if _, ok := g.Order(order.ID); ok {
		t.Fatal("late-filled order still tracked")
	}
	if got := loadStoredOrder(t, st, order.ID, "BTCUSDT"); got.Status != domain.OrderStatusFilled {
		t.Fatalf("stored status = %s, want filled", got.Status)
	}
	pos := loadPosition(t, st, "BTCUSDT")
	if pos.Quantity != 2 {
		t.Fatalf("position qty = %v, want 2", pos.Quantity)
	}
}

func TestSubmitVenueRejectionPersistsOrder(t *testing.T) {
	ctx := context.Background()
	venue := newScriptVenue()
	venue.createErr = errors.New("insufficient balance")
	g, st := newTestGateway(venue, nil)

	order, err := g.Submit(ctx, buySignal("sig-1", decimal.NewFromInt(1)))
	if err == nil {
		t.Fatal("Submit succeeded against a rejecting venue")
	}
	if order == nil || order.Status != domain.OrderStatusRejected {
		t.Fatalf("order = %+v, want rejected record", order)
	}
	if !strings.Contains(order.Error, "insufficient balance") {
		t.Fatalf("order error = %q", order.Error)
	}
	if order.ClosedAt == nil {
		t.Fatal("rejected order has no closed timestamp")
	}
	if _, ok := g.Order(order.ID); ok {
		t.Fatal("rejected order is tracked as active")
	}
	if got := loadStoredOrder(t, st, order.ID, "BTCUSDT"); got.Status != domain.OrderStatusRejected {
		t.Fatalf("stored status = %s, want rejected", got.Status)
	}

	// Retrying the same signal returns the rejected record instead of
	// hitting the venue again.
	dup, err := g.Submit(ctx, buySignal("sig-1", decimal.NewFromInt(1)))
	if err != nil {
		t.Fatalf("duplicate Submit: %v", err)
	}
	if dup.ID != order.ID || dup.Status != domain.OrderStatusRejected {
		t.Fatalf("duplicate = %s/%s, want %s/rejected", dup.ID, dup.Status, order.ID)
	}
	if venue.creates != 0 {
		t.Fatalf("venue saw %d creates, want 0", venue.creates)
	}
}

func TestCancelRemovesRestingOrder(t *testing.T) {
	ctx := context.Background()
	venue := newScriptVenue()
	g, st := newTestGateway(venue, nil)

	sig := buySignal("sig-1", decimal.NewFromInt(1))
	sig.OrderType = domain.OrderTypeLimit
	sig.LimitPrice = decimal.NewFromInt(95)
	order, err := g.Submit(ctx, sig)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := g.Cancel(ctx, order.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, ok := g.Order(order.ID); ok {
		t.Fatal("canceled order still tracked")
	}
	stored := loadStoredOrder(t, st, order.ID, "BTCUSDT")
	if stored.Status != domain.OrderStatusCanceled || stored.ClosedAt == nil {
		t.Fatalf("stored = %s closed=%v, want canceled with timestamp", stored.Status, stored.ClosedAt)
	}

	if err := g.Cancel(ctx, order.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second cancel err = %v, want not-found", err)
	}
}

func TestArbTraderRoutesLegsThroughGateway(t *testing.T) {
	ctx := context.Background()
	venue := NewPaperVenue(0)
	venue.SetPrice("ETHUSDT", decimal.NewFromInt(2000))
	g, st := newTestGateway(venue, nil)
	trader := NewArbTrader(g)

	venueID, err := trader.MarketOrder(ctx, "binance", "ETHUSDT", domain.OrderSideBuy, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("MarketOrder: %v", err)
	}
	if venueID != "paper-1" {
		t.Fatalf("venue id = %s, want paper-1", venueID)
	}
	if actives := g.ActiveOrders(); len(actives) != 0 {
		t.Fatalf("paper fill left %d active orders", len(actives))
	}

	pos := loadPosition(t, st, "ETHUSDT")
	if pos.Quantity != 1 || pos.EntryPrice != 2000 {
		t.Fatalf("position = %+v", pos)
	}
	if pos.StrategyID != "arbitrage:binance" {
		t.Fatalf("position strategy = %s, want arbitrage:binance", pos.StrategyID)
	}

	orders, err := st.Query(ctx, store.ContainerOrders, store.Query{
		Filters: map[string]interface{}{"strategy_id": "arbitrage:binance"},
	})
	if err != nil {
		t.Fatalf("query orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("got %d arbitrage orders, want 1", len(orders))
	}
}
