package gateway

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mastertrade/internal/domain"
)

// ArbTrader adapts the gateway to the arbitrage executor's trader
// interface. Each leg becomes a market order attributed to a synthetic
// per-venue strategy id.
type ArbTrader struct {
	gw *Gateway
}

// NewArbTrader wraps a gateway for arbitrage execution.
func NewArbTrader(gw *Gateway) *ArbTrader {
	return &ArbTrader{gw: gw}
}

// MarketOrder submits one arbitrage leg and returns the venue's order
// id, falling back to the gateway id when the venue never accepted it.
func (a *ArbTrader) MarketOrder(ctx context.Context, venue, symbol, side string, quantity decimal.Decimal) (string, error) {
	order, err := a.gw.Submit(ctx, Signal{
		SignalID:   uuid.New().String(),
		StrategyID: "arbitrage:" + venue,
		Symbol:     symbol,
		Side:       side,
		OrderType:  domain.OrderTypeMarket,
		Quantity:   quantity,
	})
	if err != nil {
		return "", fmt.Errorf("arbitrage leg %s %s: %w", side, symbol, err)
	}
	if order.VenueOrderID != "" {
		return order.VenueOrderID, nil
	}
	return order.ID, nil
}
