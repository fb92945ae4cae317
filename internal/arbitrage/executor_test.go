package arbitrage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mastertrade/internal/domain"
	"mastertrade/internal/store"
)

// stubTrader records market orders as "venue/side" and can fail or
// stall individual venues. ignoreCtx models a client that does not
// honour cancellation.
type stubTrader struct {
	mu        sync.Mutex
	calls     []string
	fail      map[string]error
	delay     time.Duration
	ignoreCtx bool
}

func (s *stubTrader) MarketOrder(ctx context.Context, venue, symbol, side string, quantity decimal.Decimal) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, venue+"/"+side)
	s.mu.Unlock()

	if s.delay > 0 {
		if s.ignoreCtx {
			time.Sleep(s.delay)
		} else {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	if err := s.fail[venue]; err != nil {
		return "", err
	}
	return "tx-" + venue, nil
}

func (s *stubTrader) called(call string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c == call {
			return true
		}
	}
	return false
}

type stubRouter struct {
	failDex string
}

func (s *stubRouter) Swap(ctx context.Context, chain, dex, symbol, side string, quantity decimal.Decimal) (string, error) {
	if dex == s.failDex {
		return "", fmt.Errorf("router rejected")
	}
	return "0xswap-" + dex, nil
}

func testOpportunity(id, arbType string) *domain.ArbitrageOpportunity {
	return &domain.ArbitrageOpportunity{
		ID:           id,
		Pair:         "BTCUSDT",
		Type:         arbType,
		BuyVenue:     "binance",
		SellVenue:    "uniswap",
		Chain:        "ethereum",
		BuyPrice:     decimal.NewFromInt(30000),
		SellPrice:    decimal.NewFromInt(30300),
		ProfitPct:    decimal.NewFromInt(1),
		EstProfitUSD: decimal.NewFromInt(130),
		TradeAmount:  decimal.NewFromFloat(0.5),
		GasCost:      decimal.NewFromInt(20),
		Timestamp:    time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
	}
}

func newTestExecutor(docs store.DocumentStore, trader VenueTrader, router SwapRouter, dryRun bool, timeout time.Duration) *Executor {
	cfg := DefaultConfig()
	cfg.DryRun = dryRun
	if timeout > 0 {
		cfg.ExecutionTimeout = timeout
	}
	return NewExecutor(cfg, docs, trader, router, nil, nil, nil, zerolog.Nop())
}

func loadExecution(t *testing.T, docs *store.Memory, opportunityID string) domain.ArbitrageExecution {
	t.Helper()
	rows, err := docs.Query(context.Background(), store.ContainerArbExecutions, store.Query{PartitionValue: opportunityID})
	if err != nil {
		t.Fatalf("query executions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("executions for %s = %d, want 1", opportunityID, len(rows))
	}
	var exec domain.ArbitrageExecution
	if err := store.Decode(rows[0], &exec); err != nil {
		t.Fatalf("decode execution: %v", err)
	}
	return exec
}

func TestExecuteDryRunSettlesFilled(t *testing.T) {
	docs := store.NewMemory()
	e := newTestExecutor(docs, nil, nil, true, 0)
	opp := testOpportunity("opp-1", domain.ArbitrageTypeCexDex)

	exec, err := e.Execute(context.Background(), opp)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if exec.Status != domain.ExecutionStatusPending {
		t.Errorf("initial status = %s, want pending", exec.Status)
	}
	e.Wait()

	settled := loadExecution(t, docs, "opp-1")
	if settled.Status != domain.ExecutionStatusFilled {
		t.Errorf("status = %s, want filled", settled.Status)
	}
	if settled.ActualProfitUSD == nil || !settled.ActualProfitUSD.Equal(decimal.NewFromInt(130)) {
		t.Errorf("actual profit = %v, want 130", settled.ActualProfitUSD)
	}
	if settled.GasUsed == nil || !settled.GasUsed.Equal(decimal.NewFromInt(20)) {
		t.Errorf("gas used = %v, want 20", settled.GasUsed)
	}
	if len(settled.TxHashes) != 1 || settled.TxHashes[0] != "dryrun:opp-1" {
		t.Errorf("tx hashes = %v, want [dryrun:opp-1]", settled.TxHashes)
	}
	if settled.EndTime == nil {
		t.Error("end time not set")
	}

	row, err := docs.Get(context.Background(), store.ContainerArbOpportunities, "opp-1", "BTCUSDT")
	if err != nil {
		t.Fatalf("load opportunity row: %v", err)
	}
	var stored domain.ArbitrageOpportunity
	if err := store.Decode(row, &stored); err != nil {
		t.Fatalf("decode opportunity row: %v", err)
	}
	if !stored.Executed || stored.ExecutionID != settled.ID {
		t.Errorf("opportunity row executed=%v execution_id=%s, want true/%s", stored.Executed, stored.ExecutionID, settled.ID)
	}
}

func TestExecuteCexDexPlacesBothLegs(t *testing.T) {
	docs := store.NewMemory()
	trader := &stubTrader{}
	e := newTestExecutor(docs, trader, nil, false, 0)

	if _, err := e.Execute(context.Background(), testOpportunity("opp-1", domain.ArbitrageTypeCexDex)); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	e.Wait()

	if !trader.called("binance/BUY") || !trader.called("uniswap/SELL") {
		t.Errorf("calls = %v, want binance/BUY and uniswap/SELL", trader.calls)
	}
	settled := loadExecution(t, docs, "opp-1")
	if settled.Status != domain.ExecutionStatusFilled {
		t.Errorf("status = %s, want filled", settled.Status)
	}
	if len(settled.TxHashes) != 2 || settled.TxHashes[0] != "tx-binance" || settled.TxHashes[1] != "tx-uniswap" {
		t.Errorf("tx hashes = %v, want [tx-binance tx-uniswap]", settled.TxHashes)
	}
}

func TestExecuteCexDexPartialOnOneLegFailure(t *testing.T) {
	docs := store.NewMemory()
	trader := &stubTrader{fail: map[string]error{"binance": fmt.Errorf("insufficient balance")}}
	e := newTestExecutor(docs, trader, nil, false, 0)

	if _, err := e.Execute(context.Background(), testOpportunity("opp-1", domain.ArbitrageTypeCexDex)); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	e.Wait()

	settled := loadExecution(t, docs, "opp-1")
	if settled.Status != domain.ExecutionStatusPartial {
		t.Errorf("status = %s, want partial", settled.Status)
	}
	if len(settled.TxHashes) != 1 || settled.TxHashes[0] != "tx-uniswap" {
		t.Errorf("tx hashes = %v, want the landed sell leg only", settled.TxHashes)
	}
	if !strings.Contains(settled.Error, "insufficient balance") {
		t.Errorf("error = %q, want the leg failure", settled.Error)
	}
}

func TestExecuteIntraChainPartialOnSecondLegFailure(t *testing.T) {
	docs := store.NewMemory()
	e := newTestExecutor(docs, nil, &stubRouter{failDex: "sushiswap"}, false, 0)

	opp := testOpportunity("opp-1", domain.ArbitrageTypeIntraChain)
	opp.BuyVenue, opp.SellVenue = "uniswap", "sushiswap"
	if _, err := e.Execute(context.Background(), opp); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	e.Wait()

	settled := loadExecution(t, docs, "opp-1")
	if settled.Status != domain.ExecutionStatusPartial {
		t.Errorf("status = %s, want partial", settled.Status)
	}
	if len(settled.TxHashes) != 1 || settled.TxHashes[0] != "0xswap-uniswap" {
		t.Errorf("tx hashes = %v, want the buy swap only", settled.TxHashes)
	}
	if !strings.Contains(settled.Error, "sell swap on sushiswap") {
		t.Errorf("error = %q, want sell swap failure", settled.Error)
	}
}

func TestExecuteWatchdogTimesOut(t *testing.T) {
	docs := store.NewMemory()
	trader := &stubTrader{delay: 150 * time.Millisecond, ignoreCtx: true}
	e := newTestExecutor(docs, trader, nil, false, 15*time.Millisecond)

	if _, err := e.Execute(context.Background(), testOpportunity("opp-1", domain.ArbitrageTypeCexDex)); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	e.Wait()

	settled := loadExecution(t, docs, "opp-1")
	if settled.Status != domain.ExecutionStatusFailed {
		t.Errorf("status = %s, want failed", settled.Status)
	}
	if settled.Error != "timeout" {
		t.Errorf("error = %q, want timeout", settled.Error)
	}
	if settled.EndTime == nil {
		t.Error("end time not set on timed out execution")
	}
}

func TestExecuteRejectsDuplicateExecution(t *testing.T) {
	docs := store.NewMemory()
	e := newTestExecutor(docs, nil, nil, true, 0)

	first := testOpportunity("opp-1", domain.ArbitrageTypeCexDex)
	if _, err := e.Execute(context.Background(), first); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	e.Wait()

	// The caller's copy was marked in place.
	if _, err := e.Execute(context.Background(), first); err == nil || !strings.Contains(err.Error(), "already executed") {
		t.Errorf("re-execute of marked copy: err = %v, want already executed", err)
	}

	// A fresh copy of the same opportunity is caught by the store.
	fresh := testOpportunity("opp-1", domain.ArbitrageTypeCexDex)
	if _, err := e.Execute(context.Background(), fresh); err == nil || !strings.Contains(err.Error(), "already has execution") {
		t.Errorf("re-execute of fresh copy: err = %v, want prior execution rejection", err)
	}
}

func TestExecuteRejectsUnroutedType(t *testing.T) {
	docs := store.NewMemory()
	e := newTestExecutor(docs, nil, nil, false, 0)

	if _, err := e.Execute(context.Background(), testOpportunity("opp-1", domain.ArbitrageTypeTriangular)); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	e.Wait()

	settled := loadExecution(t, docs, "opp-1")
	if settled.Status != domain.ExecutionStatusFailed {
		t.Errorf("status = %s, want failed", settled.Status)
	}
	if !strings.Contains(settled.Error, "no execution route") {
		t.Errorf("error = %q, want no execution route", settled.Error)
	}
}

func TestExecuteRequiresOpportunityID(t *testing.T) {
	e := newTestExecutor(store.NewMemory(), nil, nil, true, 0)
	if _, err := e.Execute(context.Background(), &domain.ArbitrageOpportunity{}); err == nil {
		t.Fatal("Execute() accepted an opportunity without an id")
	}
}
