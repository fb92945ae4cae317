package risk

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mastertrade/internal/domain"
	"mastertrade/internal/store"
)

func newTestStopManager(t *testing.T) (*StopManager, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	sm := NewStopManager(DefaultConfig(), mem, nil, nil, zerolog.Nop())
	sm.now = func() time.Time {
		return time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	}
	return sm, mem
}

func longPosition(symbol string, entry float64) domain.Position {
	return domain.Position{
		Symbol:       symbol,
		Side:         domain.OrderSideBuy,
		Quantity:     1,
		EntryPrice:   entry,
		CurrentPrice: entry,
		OpenedAt:     time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
	}
}

func TestTrailingStopLifecycle(t *testing.T) {
	sm, _ := newTestStopManager(t)
	ctx := context.Background()

	order, err := sm.Create(ctx, longPosition("BTCUSDT", 100), StopParams{
		Type:                 domain.StopTypeTrailing,
		InitialStopPct:       3,
		TrailingDistancePct:  2,
		MinProfitBeforeTrail: 1,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if math.Abs(order.StopPrice-97) > 1e-9 {
		t.Fatalf("initial stop = %v, want 97", order.StopPrice)
	}

	if events := sm.UpdatePrice(ctx, "BTCUSDT", 100, 0); len(events) != 0 {
		t.Fatalf("tick at entry produced %d events, want 0", len(events))
	}

	// 1.2% profit activates the trail at 101.2 * 0.98.
	events := sm.UpdatePrice(ctx, "BTCUSDT", 101.2, 0)
	if len(events) != 1 || events[0].Kind != StopEventUpdated {
		t.Fatalf("events = %+v, want one update", events)
	}
	if got := events[0].Order.StopPrice; math.Abs(got-99.176) > 1e-9 {
		t.Fatalf("trailed stop = %v, want 99.176", got)
	}

	// Pullback above the stop neither widens nor triggers.
	if events := sm.UpdatePrice(ctx, "BTCUSDT", 99.5, 0); len(events) != 0 {
		t.Fatalf("pullback produced %+v, want none", events)
	}
	if got := sm.Active()[0].StopPrice; math.Abs(got-99.176) > 1e-9 {
		t.Fatalf("stop after pullback = %v, want 99.176", got)
	}

	events = sm.UpdatePrice(ctx, "BTCUSDT", 99.1, 0)
	if len(events) != 1 || events[0].Kind != StopEventTriggered {
		t.Fatalf("events = %+v, want one trigger", events)
	}
	if events[0].Order.Status != domain.StopStatusTriggered {
		t.Fatalf("status = %s, want triggered", events[0].Order.Status)
	}
	if events[0].TriggerPrice != 99.1 {
		t.Fatalf("trigger price = %v, want 99.1", events[0].TriggerPrice)
	}
	if len(sm.Active()) != 0 {
		t.Fatal("triggered stop still in the active set")
	}
}

func TestStopMonotoneUnderChop(t *testing.T) {
	sm, _ := newTestStopManager(t)
	ctx := context.Background()

	if _, err := sm.Create(ctx, longPosition("ETHUSDT", 100), StopParams{
		Type:           domain.StopTypeVolatility,
		Volatility:     0.02,
		VolMultiplier:  2,
		RiskMultiplier: 1,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sm.UpdatePrice(ctx, "ETHUSDT", 105, 0)
	first := sm.Active()[0].StopPrice
	if math.Abs(first-100.8) > 1e-9 {
		t.Fatalf("stop after rally = %v, want 100.8", first)
	}

	// Lower candidate must not widen the stop.
	sm.UpdatePrice(ctx, "ETHUSDT", 102, 0)
	after := sm.Active()[0].StopPrice
	if after < first {
		t.Fatalf("stop widened from %v to %v", first, after)
	}
	if after > 102 {
		t.Fatalf("stop %v above current price 102", after)
	}
}

func TestBreakevenProtection(t *testing.T) {
	sm, _ := newTestStopManager(t)
	ctx := context.Background()

	// High activation threshold keeps the trail quiet; breakeven alone
	// must carry the stop above entry once profit exceeds 2%.
	if _, err := sm.Create(ctx, longPosition("BTCUSDT", 100), StopParams{
		Type:                 domain.StopTypeTrailing,
		InitialStopPct:       3,
		TrailingDistancePct:  2,
		MinProfitBeforeTrail: 10,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	events := sm.UpdatePrice(ctx, "BTCUSDT", 103, 0)
	if len(events) != 1 {
		t.Fatalf("events = %+v, want one update", events)
	}
	if got := events[0].Order.StopPrice; math.Abs(got-100.1) > 1e-9 {
		t.Fatalf("breakeven stop = %v, want 100.1", got)
	}
}

func TestTimeDecayTightensStaleStop(t *testing.T) {
	sm, _ := newTestStopManager(t)
	ctx := context.Background()

	created := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	if _, err := sm.Create(ctx, longPosition("BTCUSDT", 100), StopParams{
		Type:           domain.StopTypeFixed,
		InitialStopPct: 3,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Three days later and still under water: decay raises the stop by
	// 0.1% per day elapsed.
	sm.now = func() time.Time { return created.Add(72 * time.Hour) }
	events := sm.UpdatePrice(ctx, "BTCUSDT", 99, 0)
	if len(events) != 1 {
		t.Fatalf("events = %+v, want one update", events)
	}
	if got := events[0].Order.StopPrice; math.Abs(got-97*1.003) > 1e-9 {
		t.Fatalf("decayed stop = %v, want %v", got, 97*1.003)
	}
}

func TestVolatilitySpikeBufferDelaysTrigger(t *testing.T) {
	sm, _ := newTestStopManager(t)
	ctx := context.Background()

	if _, err := sm.Create(ctx, longPosition("BTCUSDT", 100), StopParams{
		Type:           domain.StopTypeFixed,
		InitialStopPct: 3,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// 96.9 is below the 97 stop but inside the 0.5% spike buffer.
	events := sm.UpdatePrice(ctx, "BTCUSDT", 96.9, 0.09)
	for _, ev := range events {
		if ev.Kind == StopEventTriggered {
			t.Fatal("triggered inside the volatility buffer")
		}
	}

	events = sm.UpdatePrice(ctx, "BTCUSDT", 96.9, 0)
	if len(events) != 1 || events[0].Kind != StopEventTriggered {
		t.Fatalf("events = %+v, want trigger without buffer", events)
	}
}

func TestShortStopMirrors(t *testing.T) {
	sm, _ := newTestStopManager(t)
	ctx := context.Background()

	pos := domain.Position{
		Symbol:       "BTCUSDT",
		Side:         domain.OrderSideSell,
		Quantity:     1,
		EntryPrice:   100,
		CurrentPrice: 100,
	}
	order, err := sm.Create(ctx, pos, StopParams{
		Type:                 domain.StopTypeTrailing,
		InitialStopPct:       3,
		TrailingDistancePct:  2,
		MinProfitBeforeTrail: 1,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if math.Abs(order.StopPrice-103) > 1e-9 {
		t.Fatalf("initial short stop = %v, want 103", order.StopPrice)
	}

	events := sm.UpdatePrice(ctx, "BTCUSDT", 97, 0)
	if len(events) != 1 {
		t.Fatalf("events = %+v, want one update", events)
	}
	if got := events[0].Order.StopPrice; math.Abs(got-98.94) > 1e-9 {
		t.Fatalf("trailed short stop = %v, want 98.94", got)
	}

	events = sm.UpdatePrice(ctx, "BTCUSDT", 99, 0)
	if len(events) != 1 || events[0].Kind != StopEventTriggered {
		t.Fatalf("events = %+v, want trigger on bounce", events)
	}
}

func TestCancelAndModify(t *testing.T) {
	sm, mem := newTestStopManager(t)
	ctx := context.Background()

	order, err := sm.Create(ctx, longPosition("BTCUSDT", 100), StopParams{Type: domain.StopTypeFixed})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := sm.Modify(ctx, order.ID, 98)
	if err != nil || !ok {
		t.Fatalf("Modify = %v, %v", ok, err)
	}
	if got := sm.Active()[0]; got.StopPrice != 98 || got.Status != domain.StopStatusModified {
		t.Fatalf("modified order = %+v", got)
	}

	ok, err = sm.Cancel(ctx, order.ID)
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	if len(sm.Active()) != 0 {
		t.Fatal("cancelled stop still managed")
	}

	doc, err := mem.Get(ctx, store.ContainerStopLossOrders, order.ID, "BTCUSDT")
	if err != nil {
		t.Fatalf("Get persisted order: %v", err)
	}
	if doc.Str("status") != domain.StopStatusCancelled {
		t.Fatalf("persisted status = %s, want cancelled", doc.Str("status"))
	}

	if ok, _ := sm.Cancel(ctx, order.ID); ok {
		t.Fatal("second cancel reported success")
	}
}

func TestTightenNeverWidens(t *testing.T) {
	sm, _ := newTestStopManager(t)
	ctx := context.Background()

	if _, err := sm.Create(ctx, longPosition("BTCUSDT", 100), StopParams{
		Type:           domain.StopTypeFixed,
		InitialStopPct: 3,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	sm.UpdatePrice(ctx, "BTCUSDT", 100, 0)

	// 1% distance from 100 tightens 97 -> 99.
	events := sm.Tighten(ctx, "BTCUSDT", 1)
	if len(events) != 1 {
		t.Fatalf("events = %+v, want one update", events)
	}
	if got := events[0].Order.StopPrice; math.Abs(got-99) > 1e-9 {
		t.Fatalf("tightened stop = %v, want 99", got)
	}

	// A wider requested distance must be ignored.
	if events := sm.Tighten(ctx, "BTCUSDT", 5); len(events) != 0 {
		t.Fatalf("widening produced %+v, want none", events)
	}
}

func TestLoadRehydratesActiveStops(t *testing.T) {
	sm, mem := newTestStopManager(t)
	ctx := context.Background()

	if _, err := sm.Create(ctx, longPosition("BTCUSDT", 100), StopParams{
		Type:                 domain.StopTypeTrailing,
		InitialStopPct:       3,
		TrailingDistancePct:  2,
		MinProfitBeforeTrail: 1,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	fresh := NewStopManager(DefaultConfig(), mem, nil, nil, zerolog.Nop())
	fresh.now = sm.now
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(fresh.Active()) != 1 {
		t.Fatalf("loaded %d stops, want 1", len(fresh.Active()))
	}

	// The reloaded trail keeps working with its persisted parameters.
	events := fresh.UpdatePrice(ctx, "BTCUSDT", 101.2, 0)
	if len(events) != 1 || math.Abs(events[0].Order.StopPrice-99.176) > 1e-9 {
		t.Fatalf("events after reload = %+v, want trail to 99.176", events)
	}
}
