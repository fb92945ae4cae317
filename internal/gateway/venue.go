package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mastertrade/internal/domain"
)

// CreateOrderRequest is the venue-facing order shape.
type CreateOrderRequest struct {
	Symbol     string
	Side       string
	Type       string
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal
}

// VenueOrder is the venue's view of an order. Status values match the
// domain order status constants.
type VenueOrder struct {
	VenueOrderID string
	Symbol       string
	Side         string
	Type         string
	Quantity     decimal.Decimal
	LimitPrice   decimal.Decimal
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Status       string
	UpdatedAt    time.Time
}

// VenueClient is the execution venue. Implementations wrap a real
// exchange SDK or the paper venue.
type VenueClient interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*VenueOrder, error)
	FetchOrder(ctx context.Context, symbol, venueOrderID string) (*VenueOrder, error)
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error
}

// PaperVenue fills orders deterministically against the last observed
// price. Market orders fill immediately when a price is known,
// otherwise on the next SetPrice; limit orders rest until the price
// crosses the limit and then fill at the limit price. Market fills pay
// the configured slippage against the taker.
type PaperVenue struct {
	slippageBps int64

	mu     sync.Mutex
	seq    int64
	orders map[string]*VenueOrder
	prices map[string]decimal.Decimal

	now func() time.Time
}

// NewPaperVenue creates a paper venue charging slippageBps on market
// fills.
func NewPaperVenue(slippageBps int64) *PaperVenue {
	return &PaperVenue{
		slippageBps: slippageBps,
		orders:      make(map[string]*VenueOrder),
		prices:      make(map[string]decimal.Decimal),
		now:         time.Now,
	}
}

// SetPrice records the latest trade price for a symbol and sweeps
// resting orders against it.
func (v *PaperVenue) SetPrice(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.prices[symbol] = price
	for _, order := range v.orders {
		if order.Symbol != symbol || terminalVenueStatus(order.Status) {
			continue
		}
		v.tryFill(order, price)
	}
}

// CreateOrder accepts an order and fills it if the current price allows.
func (v *PaperVenue) CreateOrder(ctx context.Context, req CreateOrderRequest) (*VenueOrder, error) {
	if req.Quantity.Sign() <= 0 {
		return nil, fmt.Errorf("paper venue: non-positive quantity %s", req.Quantity)
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return nil, fmt.Errorf("paper venue: unknown side %q", req.Side)
	}
	if req.Type == domain.OrderTypeLimit && req.LimitPrice.Sign() <= 0 {
		return nil, fmt.Errorf("paper venue: limit order without limit price")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.seq++
	order := &VenueOrder{
		VenueOrderID: fmt.Sprintf("paper-%d", v.seq),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		LimitPrice:   req.LimitPrice,
		Status:       domain.OrderStatusNew,
		UpdatedAt:    v.now(),
	}
	v.orders[order.VenueOrderID] = order

	if price, ok := v.prices[req.Symbol]; ok {
		v.tryFill(order, price)
	}
	return copyVenueOrder(order), nil
}

// FetchOrder returns the current state of an order.
func (v *PaperVenue) FetchOrder(ctx context.Context, symbol, venueOrderID string) (*VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	order, ok := v.orders[venueOrderID]
	if !ok || order.Symbol != symbol {
		return nil, fmt.Errorf("paper venue: order %s not found for %s", venueOrderID, symbol)
	}
	return copyVenueOrder(order), nil
}

// CancelOrder cancels a resting order.
func (v *PaperVenue) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	order, ok := v.orders[venueOrderID]
	if !ok || order.Symbol != symbol {
		return fmt.Errorf("paper venue: order %s not found for %s", venueOrderID, symbol)
	}
	if terminalVenueStatus(order.Status) {
		return fmt.Errorf("paper venue: order %s already %s", venueOrderID, order.Status)
	}
	order.Status = domain.OrderStatusCanceled
	order.UpdatedAt = v.now()
	return nil
}

// Expire force-expires a resting order. Test and ops hook; real venues
// expire orders on their own schedule.
func (v *PaperVenue) Expire(venueOrderID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	order, ok := v.orders[venueOrderID]
	if !ok || terminalVenueStatus(order.Status) {
		return false
	}
	order.Status = domain.OrderStatusExpired
	order.UpdatedAt = v.now()
	return true
}

func (v *PaperVenue) tryFill(order *VenueOrder, price decimal.Decimal) {
	switch order.Type {
	case domain.OrderTypeLimit:
		crossed := (order.Side == domain.OrderSideBuy && price.LessThanOrEqual(order.LimitPrice)) ||
			(order.Side == domain.OrderSideSell && price.GreaterThanOrEqual(order.LimitPrice))
		if !crossed {
			return
		}
		v.fill(order, order.LimitPrice)
	default:
		v.fill(order, v.slip(order.Side, price))
	}
}

func (v *PaperVenue) fill(order *VenueOrder, price decimal.Decimal) {
	order.FilledQty = order.Quantity
	order.AvgFillPrice = price
	order.Status = domain.OrderStatusFilled
	order.UpdatedAt = v.now()
}

// slip moves a market fill against the taker by slippageBps.
func (v *PaperVenue) slip(side string, price decimal.Decimal) decimal.Decimal {
	if v.slippageBps == 0 {
		return price
	}
	bps := decimal.NewFromInt(v.slippageBps)
	adj := price.Mul(bps).Div(decimal.NewFromInt(10000))
	if side == domain.OrderSideBuy {
		return price.Add(adj)
	}
	return price.Sub(adj)
}

func terminalVenueStatus(status string) bool {
	switch status {
	case domain.OrderStatusFilled, domain.OrderStatusCanceled, domain.OrderStatusRejected, domain.OrderStatusExpired:
		return true
	}
	return false
}

func copyVenueOrder(order *VenueOrder) *VenueOrder {
	out := *order
	return &out
}
