package arbitrage

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"mastertrade/internal/domain"
	"mastertrade/internal/marketdata"
	"mastertrade/internal/store"
)

type scanRig struct {
	monitor  *Monitor
	executor *Executor
	cache    *marketdata.Cache
	docs     *store.Memory
}

// newScanRig wires a monitor against an in-memory store and a live
// cache. Points are set without timestamps so the cache stamps them
// fresh; only the monitor clock is frozen.
func newScanRig(t *testing.T, withExecutor bool) *scanRig {
	t.Helper()
	docs := store.NewMemory()
	cache := marketdata.NewCache(marketdata.DefaultConfig(), nil)

	var executor *Executor
	if withExecutor {
		executor = NewExecutor(DefaultConfig(), docs, nil, nil, nil, nil, nil, zerolog.Nop())
	}
	m := NewMonitor(DefaultConfig(), cache, docs, executor, nil, nil, nil, nil, zerolog.Nop())
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	return &scanRig{monitor: m, executor: executor, cache: cache, docs: docs}
}

func (r *scanRig) storedOpportunities(t *testing.T) []domain.ArbitrageOpportunity {
	t.Helper()
	docs, err := r.docs.Query(context.Background(), store.ContainerArbOpportunities, store.Query{})
	if err != nil {
		t.Fatalf("query opportunities: %v", err)
	}
	out := make([]domain.ArbitrageOpportunity, 0, len(docs))
	for _, doc := range docs {
		var opp domain.ArbitrageOpportunity
		if err := store.Decode(doc, &opp); err != nil {
			t.Fatalf("decode opportunity: %v", err)
		}
		out = append(out, opp)
	}
	return out
}

func (r *scanRig) storedExecution(t *testing.T, opportunityID string) domain.ArbitrageExecution {
	t.Helper()
	docs, err := r.docs.Query(context.Background(), store.ContainerArbExecutions, store.Query{PartitionValue: opportunityID})
	if err != nil {
		t.Fatalf("query executions: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("executions for %s = %d, want 1", opportunityID, len(docs))
	}
	var exec domain.ArbitrageExecution
	if err := store.Decode(docs[0], &exec); err != nil {
		t.Fatalf("decode execution: %v", err)
	}
	return exec
}

func TestScanAutoExecutesRichCexDexSpread(t *testing.T) {
	rig := newScanRig(t, true)
	rig.cache.Set(cexQuote("binance", "BTCUSDT", 30000, 150000))
	rig.cache.Set(dexQuote("uniswap", "ethereum", "BTCUSDT", 30300, 150000))

	rig.monitor.Scan(context.Background())
	rig.executor.Wait()

	opps := rig.storedOpportunities(t)
	if len(opps) != 1 {
		t.Fatalf("stored opportunities = %d, want 1", len(opps))
	}
	opp := opps[0]
	if opp.Type != domain.ArbitrageTypeCexDex {
		t.Errorf("type = %s, want cex_dex", opp.Type)
	}
	// $130 at 1% clears both auto-execute gates.
	if !opp.Executed || opp.ExecutionID == "" {
		t.Fatalf("opportunity not marked executed: executed=%v execution_id=%q", opp.Executed, opp.ExecutionID)
	}

	exec := rig.storedExecution(t, opp.ID)
	if exec.ID != opp.ExecutionID {
		t.Errorf("execution id = %s, want %s", exec.ID, opp.ExecutionID)
	}
	if exec.Status != domain.ExecutionStatusFilled {
		t.Errorf("status = %s, want filled", exec.Status)
	}
	if exec.ActualProfitUSD == nil || !exec.ActualProfitUSD.Equal(decimal.NewFromInt(130)) {
		t.Errorf("actual profit = %v, want 130", exec.ActualProfitUSD)
	}
	if len(exec.TxHashes) != 1 || exec.TxHashes[0] != "dryrun:"+opp.ID {
		t.Errorf("tx hashes = %v, want [dryrun:%s]", exec.TxHashes, opp.ID)
	}
	if exec.EndTime == nil {
		t.Error("end time not set on settled execution")
	}
}

func TestScanRecordsIntraChainForReview(t *testing.T) {
	rig := newScanRig(t, false)
	rig.cache.Set(dexQuote("uniswap", "ethereum", "ETHUSDT", 2000, 200000))
	rig.cache.Set(dexQuote("sushiswap", "ethereum", "ETHUSDT", 2030, 100000))

	rig.monitor.Scan(context.Background())

	opps := rig.storedOpportunities(t)
	if len(opps) != 1 {
		t.Fatalf("stored opportunities = %d, want 1", len(opps))
	}
	opp := opps[0]
	if opp.Type != domain.ArbitrageTypeIntraChain {
		t.Errorf("type = %s, want intra_chain", opp.Type)
	}
	if opp.BuyVenue != "uniswap" || opp.SellVenue != "sushiswap" {
		t.Errorf("venues = buy %s sell %s, want buy uniswap sell sushiswap", opp.BuyVenue, opp.SellVenue)
	}
	if opp.Chain != "ethereum" {
		t.Errorf("chain = %s, want ethereum", opp.Chain)
	}
	// 10% of the $100k side at 2000, less both swaps' gas.
	if !opp.TradeAmount.Equal(decimal.NewFromInt(5)) {
		t.Errorf("TradeAmount = %s, want 5", opp.TradeAmount)
	}
	if !opp.GasCost.Equal(decimal.NewFromInt(40)) {
		t.Errorf("GasCost = %s, want 40", opp.GasCost)
	}
	if !opp.EstProfitUSD.Equal(decimal.NewFromInt(110)) {
		t.Errorf("EstProfitUSD = %s, want 110", opp.EstProfitUSD)
	}
	if opp.Executed || opp.ExecutionID != "" {
		t.Error("review-path opportunity marked executed")
	}
}

func TestScanSuppressesRepeatDetections(t *testing.T) {
	rig := newScanRig(t, false)
	rig.cache.Set(dexQuote("uniswap", "ethereum", "ETHUSDT", 2000, 200000))
	rig.cache.Set(dexQuote("sushiswap", "ethereum", "ETHUSDT", 2030, 100000))

	rig.monitor.Scan(context.Background())
	rig.monitor.Scan(context.Background())

	if opps := rig.storedOpportunities(t); len(opps) != 1 {
		t.Fatalf("stored opportunities after rescan = %d, want 1", len(opps))
	}
	stats := rig.monitor.Stats()
	if got := stats["scans"].(int64); got != 2 {
		t.Errorf("scans = %d, want 2", got)
	}
	if got := stats["suppressed"].(int64); got != 1 {
		t.Errorf("suppressed = %d, want 1", got)
	}
}

func TestScanPersistsDexQuoteAudit(t *testing.T) {
	rig := newScanRig(t, false)
	rig.cache.Set(dexQuote("uniswap", "ethereum", "BTCUSDT", 30300, 150000))

	rig.monitor.Scan(context.Background())

	docs, err := rig.docs.Query(context.Background(), store.ContainerDexPrices, store.Query{PartitionValue: "BTCUSDT"})
	if err != nil {
		t.Fatalf("query dex prices: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("dex price docs = %d, want 1", len(docs))
	}
	doc := docs[0]
	if doc.ID() != "uniswap:ethereum:BTCUSDT" {
		t.Errorf("doc id = %s, want uniswap:ethereum:BTCUSDT", doc.ID())
	}
	if doc.Float("price") != 30300 {
		t.Errorf("price = %v, want 30300", doc.Float("price"))
	}
}

type stubFlashHandler struct {
	paths []FlashLoanPath
}

func (s *stubFlashHandler) Protocols() []string { return []string{"aave"} }

func (s *stubFlashHandler) Tokens(protocol string) []string { return []string{"USDC"} }

func (s *stubFlashHandler) Paths(ctx context.Context, protocol, token string) ([]FlashLoanPath, error) {
	return s.paths, nil
}

func TestScanFlashLoanPathsGoForReview(t *testing.T) {
	rig := newScanRig(t, true)
	rig.monitor.flash = &stubFlashHandler{paths: []FlashLoanPath{{
		Protocol:       "aave",
		Chain:          "ethereum",
		Token:          "USDC",
		Route:          []string{"USDC", "WETH", "USDC"},
		LoanAmountUSD:  decimal.NewFromInt(10000),
		ExpectedOutUSD: decimal.NewFromInt(10250),
		GasEstimateUSD: decimal.NewFromInt(30),
		FeePercent:     decimal.NewFromFloat(0.09),
	}}}

	rig.monitor.Scan(context.Background())
	rig.executor.Wait()

	opps := rig.storedOpportunities(t)
	if len(opps) != 1 {
		t.Fatalf("stored opportunities = %d, want 1", len(opps))
	}
	opp := opps[0]
	if opp.Type != domain.ArbitrageTypeFlashLoan || opp.Pair != "USDC" {
		t.Errorf("type/pair = %s/%s, want flash_loan/USDC", opp.Type, opp.Pair)
	}
	// 10250 - 10000 - 9 loan fee - 30 gas.
	if !opp.EstProfitUSD.Equal(decimal.NewFromInt(211)) {
		t.Errorf("EstProfitUSD = %s, want 211", opp.EstProfitUSD)
	}
	// Profitable enough for the auto gates, but flash loans never take
	// that path.
	if opp.Executed {
		t.Error("flash loan opportunity was auto-executed")
	}

	details, err := rig.docs.Query(context.Background(), store.ContainerFlashLoanOpps, store.Query{PartitionValue: "aave"})
	if err != nil {
		t.Fatalf("query flash loan docs: %v", err)
	}
	if len(details) != 1 {
		t.Fatalf("flash loan docs = %d, want 1", len(details))
	}
	if details[0].Float("net_profit_usd") != 211 {
		t.Errorf("net_profit_usd = %v, want 211", details[0].Float("net_profit_usd"))
	}
}

func TestManualExecuteFromStore(t *testing.T) {
	rig := newScanRig(t, true)
	// 0.8% spread: above the detection floor, below the 1% auto gate.
	rig.cache.Set(dexQuote("uniswap", "ethereum", "ETHUSDT", 2000, 400000))
	rig.cache.Set(dexQuote("sushiswap", "ethereum", "ETHUSDT", 2016, 400000))

	rig.monitor.Scan(context.Background())

	opps, err := rig.monitor.Opportunities(context.Background(), "ETHUSDT", 10)
	if err != nil {
		t.Fatalf("Opportunities() error: %v", err)
	}
	if len(opps) != 1 {
		t.Fatalf("Opportunities() = %d, want 1", len(opps))
	}
	if opps[0].Executed {
		t.Fatal("opportunity below the auto gate was executed")
	}

	exec, err := rig.monitor.ExecuteOpportunity(context.Background(), opps[0].ID, "ETHUSDT")
	if err != nil {
		t.Fatalf("ExecuteOpportunity() error: %v", err)
	}
	if exec.Status != domain.ExecutionStatusPending {
		t.Errorf("initial status = %s, want pending", exec.Status)
	}
	rig.executor.Wait()

	settled := rig.storedExecution(t, opps[0].ID)
	if settled.Status != domain.ExecutionStatusFilled {
		t.Errorf("settled status = %s, want filled", settled.Status)
	}
}

func TestExecuteOpportunityRequiresExecutor(t *testing.T) {
	rig := newScanRig(t, false)
	if _, err := rig.monitor.ExecuteOpportunity(context.Background(), "opp-1", "BTCUSDT"); err == nil {
		t.Fatal("ExecuteOpportunity() = nil error without an executor")
	}
}
