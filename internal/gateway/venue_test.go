package gateway

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"mastertrade/internal/domain"
)

func TestPaperVenueMarketFillsAtSlippedPrice(t *testing.T) {
	v := NewPaperVenue(25)
	v.SetPrice("BTCUSDT", decimal.NewFromInt(100))

	buy, err := v.CreateOrder(context.Background(), CreateOrderRequest{
		Symbol:   "BTCUSDT",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: decimal.NewFromInt(2),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if buy.Status != domain.OrderStatusFilled {
		t.Fatalf("buy status = %s, want filled", buy.Status)
	}
	if !buy.FilledQty.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("buy filled qty = %s, want 2", buy.FilledQty)
	}
	if !buy.AvgFillPrice.Equal(decimal.NewFromFloat(100.25)) {
		t.Fatalf("buy fill price = %s, want 100.25", buy.AvgFillPrice)
	}

	sell, err := v.CreateOrder(context.Background(), CreateOrderRequest{
		Symbol:   "BTCUSDT",
		Side:     domain.OrderSideSell,
		Type:     domain.OrderTypeMarket,
		Quantity: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if !sell.AvgFillPrice.Equal(decimal.NewFromFloat(99.75)) {
		t.Fatalf("sell fill price = %s, want 99.75", sell.AvgFillPrice)
	}
}

func TestPaperVenueMarketRestsUntilFirstPrice(t *testing.T) {
	v := NewPaperVenue(0)

	order, err := v.CreateOrder(context.Background(), CreateOrderRequest{
		Symbol:   "ETHUSDT",
		Side:     domain.OrderSideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: decimal.NewFromInt(3),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != domain.OrderStatusNew {
		t.Fatalf("status before price = %s, want new", order.Status)
	}

	v.SetPrice("ETHUSDT", decimal.NewFromInt(2000))
	got, err := v.FetchOrder(context.Background(), "ETHUSDT", order.VenueOrderID)
	if err != nil {
		t.Fatalf("FetchOrder: %v", err)
	}
	if got.Status != domain.OrderStatusFilled {
		t.Fatalf("status after price = %s, want filled", got.Status)
	}
	if !got.AvgFillPrice.Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("fill price = %s, want 2000", got.AvgFillPrice)
	}
}

func TestPaperVenueLimitFillsAtLimitPrice(t *testing.T) {
	v := NewPaperVenue(25)
	v.SetPrice("BTCUSDT", decimal.NewFromInt(100))

	buy, err := v.CreateOrder(context.Background(), CreateOrderRequest{
		Symbol:     "BTCUSDT",
		Side:       domain.OrderSideBuy,
		Type:       domain.OrderTypeLimit,
		Quantity:   decimal.NewFromInt(1),
		LimitPrice: decimal.NewFromInt(95),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if buy.Status != domain.OrderStatusNew {
		t.Fatalf("limit buy above market filled immediately (%s)", buy.Status)
	}

	// Price drops through the limit; the fill happens at the limit, not
	// the trade price, and takes no slippage.
	v.SetPrice("BTCUSDT", decimal.NewFromInt(94))
	got, err := v.FetchOrder(context.Background(), "BTCUSDT", buy.VenueOrderID)
	if err != nil {
		t.Fatalf("FetchOrder: %v", err)
	}
	if got.Status != domain.OrderStatusFilled {
		t.Fatalf("limit buy status = %s, want filled", got.Status)
	}
	if !got.AvgFillPrice.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("limit buy fill price = %s, want 95", got.AvgFillPrice)
	}

	sell, err := v.CreateOrder(context.Background(), CreateOrderRequest{
		Symbol:     "BTCUSDT",
		Side:       domain.OrderSideSell,
		Type:       domain.OrderTypeLimit,
		Quantity:   decimal.NewFromInt(1),
		LimitPrice: decimal.NewFromInt(105),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	v.SetPrice("BTCUSDT", decimal.NewFromInt(106))
	got, err = v.FetchOrder(context.Background(), "BTCUSDT", sell.VenueOrderID)
	if err != nil {
		t.Fatalf("FetchOrder: %v", err)
	}
	if !got.AvgFillPrice.Equal(decimal.NewFromInt(105)) {
		t.Fatalf("limit sell fill price = %s, want 105", got.AvgFillPrice)
	}
}

func TestPaperVenueCancelAndExpire(t *testing.T) {
	v := NewPaperVenue(0)

	order, err := v.CreateOrder(context.Background(), CreateOrderRequest{
		Symbol:     "BTCUSDT",
		Side:       domain.OrderSideBuy,
		Type:       domain.OrderTypeLimit,
		Quantity:   decimal.NewFromInt(1),
		LimitPrice: decimal.NewFromInt(90),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if err := v.CancelOrder(context.Background(), "BTCUSDT", order.VenueOrderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	got, err := v.FetchOrder(context.Background(), "BTCUSDT", order.VenueOrderID)
	if err != nil {
		t.Fatalf("FetchOrder: %v", err)
	}
	if got.Status != domain.OrderStatusCanceled {
		t.Fatalf("status = %s, want canceled", got.Status)
	}

	err = v.CancelOrder(context.Background(), "BTCUSDT", order.VenueOrderID)
	if err == nil || !strings.Contains(err.Error(), "already") {
		t.Fatalf("second cancel err = %v, want already-terminal error", err)
	}
	if v.Expire(order.VenueOrderID) {
		t.Fatal("Expire succeeded on a canceled order")
	}

	resting, err := v.CreateOrder(context.Background(), CreateOrderRequest{
		Symbol:     "BTCUSDT",
		Side:       domain.OrderSideSell,
		Type:       domain.OrderTypeLimit,
		Quantity:   decimal.NewFromInt(1),
		LimitPrice: decimal.NewFromInt(200),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if !v.Expire(resting.VenueOrderID) {
		t.Fatal("Expire failed on a resting order")
	}
	got, err = v.FetchOrder(context.Background(), "BTCUSDT", resting.VenueOrderID)
	if err != nil {
		t.Fatalf("FetchOrder: %v", err)
	}
	if got.Status != domain.OrderStatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
}

func TestPaperVenueRejectsBadRequests(t *testing.T) {
	v := NewPaperVenue(0)
	cases := []struct {
		name string
		req  CreateOrderRequest
	}{
		{"zero quantity", CreateOrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket}},
		{"unknown side", CreateOrderRequest{Symbol: "BTCUSDT", Side: "HOLD", Type: domain.OrderTypeMarket, Quantity: decimal.NewFromInt(1)}},
		{"limit without price", CreateOrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit, Quantity: decimal.NewFromInt(1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.CreateOrder(context.Background(), tc.req); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
