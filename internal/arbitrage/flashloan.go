package arbitrage

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mastertrade/internal/domain"
	"mastertrade/internal/store"
)

// FlashLoanPath is one candidate route returned by a protocol handler.
// ExpectedOutUSD is the route output before the loan fee and gas.
type FlashLoanPath struct {
	Protocol       string          `json:"protocol"`
	Chain          string          `json:"chain"`
	Token          string          `json:"token"`
	Route          []string        `json:"route"`
	LoanAmountUSD  decimal.Decimal `json:"loan_amount_usd"`
	ExpectedOutUSD decimal.Decimal `json:"expected_out_usd"`
	GasEstimateUSD decimal.Decimal `json:"gas_estimate_usd"`
	FeePercent     decimal.Decimal `json:"fee_percent"`
}

// FlashLoanHandler enumerates lending protocols and proposes candidate
// loan-swap-repay routes per token.
type FlashLoanHandler interface {
	Protocols() []string
	Tokens(protocol string) []string
	Paths(ctx context.Context, protocol, token string) ([]FlashLoanPath, error)
}

// detectFlashLoan asks the handler for candidate paths per protocol and
// token, nets out the loan fee and gas, and records what clears the
// floors. Like triangular routes these go out for review only.
func (m *Monitor) detectFlashLoan(ctx context.Context) int {
	if m.flash == nil {
		return 0
	}

	allowed := make(map[string]bool, len(m.cfg.FlashLoanProtocols))
	for _, p := range m.cfg.FlashLoanProtocols {
		allowed[p] = true
	}

	var found int
	for _, protocol := range m.flash.Protocols() {
		if len(allowed) > 0 && !allowed[protocol] {
			continue
		}
		for _, token := range m.flash.Tokens(protocol) {
			paths, err := m.flash.Paths(ctx, protocol, token)
			if err != nil {
				m.logger.Debug().Err(err).Str("protocol", protocol).Str("token", token).Msg("Flash loan path fetch failed")
				continue
			}
			for _, path := range paths {
				opp := m.evaluateFlashLoan(path)
				if opp == nil {
					continue
				}
				key := domain.ArbitrageTypeFlashLoan + "|" + protocol + "|" + token + "|" + strings.Join(path.Route, ">")
				if m.recentlySeen(key) {
					continue
				}
				m.markSeen(key)
				m.persistFlashLoan(ctx, path, opp)
				m.record(ctx, opp)
				found++
			}
		}
	}
	return found
}

// evaluateFlashLoan nets the route: output minus principal, loan fee
// and gas, measured against the borrowed amount.
func (m *Monitor) evaluateFlashLoan(path FlashLoanPath) *domain.ArbitrageOpportunity {
	if path.LoanAmountUSD.Sign() <= 0 {
		return nil
	}
	hundred := decimal.NewFromInt(100)
	loanFee := path.LoanAmountUSD.Mul(path.FeePercent).Div(hundred)
	netUSD := path.ExpectedOutUSD.Sub(path.LoanAmountUSD).Sub(loanFee).Sub(path.GasEstimateUSD)

	profitPct := netUSD.Div(path.LoanAmountUSD).Mul(hundred)
	if profitPct.LessThan(decimal.NewFromFloat(m.cfg.MinProfitPercent)) {
		return nil
	}
	if netUSD.LessThan(decimal.NewFromFloat(m.cfg.MinProfitUSD)) {
		return nil
	}

	return &domain.ArbitrageOpportunity{
		ID:           uuid.NewString(),
		Pair:         path.Token,
		Type:         domain.ArbitrageTypeFlashLoan,
		BuyVenue:     path.Protocol,
		SellVenue:    path.Protocol,
		Chain:        path.Chain,
		BuyPrice:     path.LoanAmountUSD,
		SellPrice:    path.LoanAmountUSD.Add(netUSD),
		ProfitPct:    profitPct,
		EstProfitUSD: netUSD,
		TradeAmount:  path.LoanAmountUSD,
		GasCost:      path.GasEstimateUSD,
		Path:         path.Route,
		Timestamp:    m.now(),
	}
}

// persistFlashLoan keeps the protocol-partitioned detail row next to
// the uniform opportunity row.
func (m *Monitor) persistFlashLoan(ctx context.Context, path FlashLoanPath, opp *domain.ArbitrageOpportunity) {
	if m.docs == nil {
		return
	}
	doc := store.Doc{
		"id":              opp.ID,
		"protocol":        path.Protocol,
		"chain":           path.Chain,
		"token":           path.Token,
		"route":           path.Route,
		"loan_amount_usd": path.LoanAmountUSD.InexactFloat64(),
		"fee_percent":     path.FeePercent.InexactFloat64(),
		"gas_estimate":    path.GasEstimateUSD.InexactFloat64(),
		"net_profit_usd":  opp.EstProfitUSD.InexactFloat64(),
		"timestamp":       opp.Timestamp,
	}
	if err := m.docs.Upsert(ctx, store.ContainerFlashLoanOpps, doc); err != nil {
		m.logger.Debug().Err(err).Str("protocol", path.Protocol).Msg("Flash loan persist failed")
	}
}
