package risk

import (
	"context"
	"errors"
	"fmt"

	"mastertrade/internal/domain"
	"mastertrade/internal/store"
)

// Settings keys owned by the risk core. The portfolio peak uses the
// shared store constant so other readers see the same key.
const settingCashBalance = "cash_balance_usd"

// StoreAccount is the store-backed AccountView. Cash lives in system
// settings, open positions in the positions container.
type StoreAccount struct {
	store          store.Store
	defaultBalance float64
}

// NewStoreAccount wraps the store. defaultBalance seeds the cash setting
// the first time it is read.
func NewStoreAccount(st store.Store, defaultBalance float64) *StoreAccount {
	return &StoreAccount{store: st, defaultBalance: defaultBalance}
}

// AvailableBalance returns the cash balance in USD.
func (a *StoreAccount) AvailableBalance(ctx context.Context) (float64, error) {
	return a.store.FloatSetting(ctx, settingCashBalance, a.defaultBalance)
}

// SetBalance overwrites the cash balance.
func (a *StoreAccount) SetBalance(ctx context.Context, balance float64) error {
	return a.store.PutFloatSetting(ctx, settingCashBalance, balance)
}

// PortfolioValue returns cash plus the market value of all open
// positions.
func (a *StoreAccount) PortfolioValue(ctx context.Context) (float64, error) {
	cash, err := a.AvailableBalance(ctx)
	if err != nil {
		return 0, err
	}
	positions, err := a.Positions(ctx)
	if err != nil {
		return 0, err
	}
	pv := cash
	for i := range positions {
		pv += positions[i].MarketValue()
	}
	return pv, nil
}

// Positions returns all open positions.
func (a *StoreAccount) Positions(ctx context.Context) ([]domain.Position, error) {
	docs, err := a.store.Query(ctx, store.ContainerPositions, store.Query{})
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	positions := make([]domain.Position, 0, len(docs))
	for _, doc := range docs {
		var p domain.Position
		if err := store.Decode(doc, &p); err != nil {
			continue
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// Position returns the open position for a symbol, nil when flat.
func (a *StoreAccount) Position(ctx context.Context, symbol string) (*domain.Position, error) {
	doc, err := a.store.Get(ctx, store.ContainerPositions, symbol, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p domain.Position
	if err := store.Decode(doc, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
