package arbitrage

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mastertrade/internal/domain"
)

// candidate is one venue pair under evaluation, before direction and
// sizing are established.
type candidate struct {
	arbType string
	pair    string
	chain   string
	src     domain.PricePoint
	tgt     domain.PricePoint
	gasUSD  decimal.Decimal
	path    []string
}

func (c candidate) seenKey() string {
	a, b := venueName(c.src), venueName(c.tgt)
	if b < a {
		a, b = b, a
	}
	return c.arbType + "|" + c.pair + "|" + c.chain + "|" + a + "|" + b
}

// evaluate turns a candidate into an opportunity, or nil when either
// profit floor rejects it. The spread percentage is measured against
// the cheaper venue; trade size is a fraction of the thinner venue's
// depth so a single trade cannot eat the book.
func (m *Monitor) evaluate(c candidate) *domain.ArbitrageOpportunity {
	srcPrice := decimal.NewFromFloat(c.src.Price)
	tgtPrice := decimal.NewFromFloat(c.tgt.Price)
	if srcPrice.Sign() <= 0 || tgtPrice.Sign() <= 0 {
		return nil
	}

	buy, sell := c.src, c.tgt
	buyPrice, sellPrice := srcPrice, tgtPrice
	if buyPrice.GreaterThan(sellPrice) {
		buy, sell = sell, buy
		buyPrice, sellPrice = sellPrice, buyPrice
	}

	diffPct := sellPrice.Sub(buyPrice).Div(buyPrice).Mul(decimal.NewFromInt(100))
	if diffPct.LessThan(decimal.NewFromFloat(m.cfg.MinProfitPercent)) {
		return nil
	}

	amount := m.tradeAmount(buy, sell, buyPrice)
	if amount.Sign() <= 0 {
		return nil
	}

	netUSD := sellPrice.Sub(buyPrice).Mul(amount).Sub(c.gasUSD)
	if netUSD.LessThan(decimal.NewFromFloat(m.cfg.MinProfitUSD)) {
		return nil
	}

	return &domain.ArbitrageOpportunity{
		ID:           uuid.NewString(),
		Pair:         c.pair,
		Type:         c.arbType,
		BuyVenue:     venueName(buy),
		SellVenue:    venueName(sell),
		Chain:        c.chain,
		BuyPrice:     buyPrice,
		SellPrice:    sellPrice,
		ProfitPct:    diffPct,
		EstProfitUSD: netUSD,
		TradeAmount:  amount,
		GasCost:      c.gasUSD,
		Path:         c.path,
		Timestamp:    m.now(),
	}
}

// tradeAmount sizes the trade in base units off the thinner venue's
// reported depth, capped by the notional ceiling.
func (m *Monitor) tradeAmount(buy, sell domain.PricePoint, buyPrice decimal.Decimal) decimal.Decimal {
	depth := m.venueDepth(buy)
	if sellDepth := m.venueDepth(sell); sellDepth.LessThan(depth) {
		depth = sellDepth
	}
	notional := depth.Mul(decimal.NewFromFloat(m.cfg.DepthFraction))
	ceiling := decimal.NewFromFloat(m.cfg.MaxTradeNotionalUSD)
	if ceiling.Sign() > 0 && notional.GreaterThan(ceiling) {
		notional = ceiling
	}
	if notional.Sign() <= 0 {
		return decimal.Zero
	}
	return notional.Div(buyPrice)
}

func (m *Monitor) venueDepth(p domain.PricePoint) decimal.Decimal {
	if p.Liquidity > 0 {
		return decimal.NewFromFloat(p.Liquidity)
	}
	return decimal.NewFromFloat(m.cfg.DefaultDepthUSD)
}

var quoteAssets = []string{"USDT", "USDC", "BUSD", "FDUSD", "USD", "BTC", "ETH", "BNB"}

// splitSymbol breaks a concatenated pair like BTCUSDT into base and
// quote assets by matching known quote suffixes.
func splitSymbol(symbol string) (base, quote string, ok bool) {
	s := strings.ToUpper(symbol)
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q, true
		}
	}
	return "", "", false
}
