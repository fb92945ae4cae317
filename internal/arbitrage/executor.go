package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"mastertrade/internal/domain"
	"mastertrade/internal/messaging"
	"mastertrade/internal/metrics"
	"mastertrade/internal/store"
)

// VenueTrader places spot market orders. Implementations route the
// order to the named venue, centralised or not.
type VenueTrader interface {
	MarketOrder(ctx context.Context, venue, symbol, side string, quantity decimal.Decimal) (string, error)
}

// SwapRouter executes swaps through a named DEX on a chain.
type SwapRouter interface {
	Swap(ctx context.Context, chain, dex, symbol, side string, quantity decimal.Decimal) (string, error)
}

// BridgePlanner plans and executes routes whose legs cross chains.
type BridgePlanner interface {
	Execute(ctx context.Context, opp *domain.ArbitrageOpportunity) ([]string, error)
}

// tradeResult carries what landed on the venues. txHashes may be
// partially populated when a leg failed.
type tradeResult struct {
	profitUSD decimal.Decimal
	gasUsed   decimal.Decimal
	txHashes  []string
}

type outcome struct {
	res tradeResult
	err error
}

// Executor runs opportunities to a terminal status. Every execution it
// creates leaves pending within ExecutionTimeout: fills and leg errors
// settle it, and a watchdog marks anything still outstanding failed
// with a timeout error.
type Executor struct {
	cfg     Config
	docs    store.DocumentStore
	trader  VenueTrader
	router  SwapRouter
	bridge  BridgePlanner
	fabric  *messaging.Fabric
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu     sync.Mutex
	active map[string]string // opportunity id -> execution id

	wg  sync.WaitGroup
	now func() time.Time
}

// NewExecutor creates an executor. trader, router and bridge may be nil
// when the corresponding opportunity type is never routed; fabric and m
// may be nil.
func NewExecutor(cfg Config, docs store.DocumentStore, trader VenueTrader, router SwapRouter, bridge BridgePlanner, fabric *messaging.Fabric, m *metrics.Metrics, logger zerolog.Logger) *Executor {
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultConfig().ExecutionTimeout
	}
	return &Executor{
		cfg:     cfg,
		docs:    docs,
		trader:  trader,
		router:  router,
		bridge:  bridge,
		fabric:  fabric,
		metrics: m,
		logger:  logger.With().Str("component", "arbitrage_executor").Logger(),
		active:  make(map[string]string),
		now:     time.Now,
	}
}

// Execute creates the pending execution record, marks the opportunity
// executed, and settles the trade in the background. One execution per
// opportunity: repeat calls are rejected.
func (e *Executor) Execute(ctx context.Context, opp *domain.ArbitrageOpportunity) (*domain.ArbitrageExecution, error) {
	if opp == nil || opp.ID == "" {
		return nil, fmt.Errorf("opportunity missing id")
	}
	if opp.Executed || opp.ExecutionID != "" {
		return nil, fmt.Errorf("opportunity %s already executed", opp.ID)
	}

	e.mu.Lock()
	if execID, inflight := e.active[opp.ID]; inflight {
		e.mu.Unlock()
		return nil, fmt.Errorf("opportunity %s already executing as %s", opp.ID, execID)
	}
	e.mu.Unlock()

	if prior, err := e.priorExecution(ctx, opp.ID); err != nil {
		return nil, fmt.Errorf("execution lookup for %s: %w", opp.ID, err)
	} else if prior != "" {
		return nil, fmt.Errorf("opportunity %s already has execution %s", opp.ID, prior)
	}

	exec := &domain.ArbitrageExecution{
		ID:            uuid.NewString(),
		OpportunityID: opp.ID,
		Type:          opp.Type,
		StartTime:     e.now(),
		Status:        domain.ExecutionStatusPending,
	}
	if err := e.persistExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("persist execution: %w", err)
	}

	opp.Executed = true
	opp.ExecutionID = exec.ID
	if err := e.persistOpportunity(ctx, opp); err != nil {
		e.logger.Warn().Err(err).Str("opportunity_id", opp.ID).Msg("Opportunity update failed")
	}

	e.mu.Lock()
	e.active[opp.ID] = exec.ID
	e.mu.Unlock()

	e.logger.Info().
		Str("execution_id", exec.ID).
		Str("opportunity_id", opp.ID).
		Str("type", opp.Type).
		Msg("Execution started")

	// Snapshot before the settle goroutine starts mutating the record.
	out := *exec
	e.wg.Add(1)
	go e.run(exec, *opp)

	return &out, nil
}

// run settles one execution. The watchdog timer fires even when a venue
// client ignores cancellation, so the record always leaves pending.
func (e *Executor) run(exec *domain.ArbitrageExecution, opp domain.ArbitrageOpportunity) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ExecutionTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := e.dispatch(ctx, opp)
		done <- outcome{res: res, err: err}
	}()

	timer := time.NewTimer(e.cfg.ExecutionTimeout)
	defer timer.Stop()

	select {
	case o := <-done:
		e.finalize(exec, o.res, o.err, errors.Is(o.err, context.DeadlineExceeded))
	case <-timer.C:
		e.finalize(exec, tradeResult{}, nil, true)
	}
}

func (e *Executor) dispatch(ctx context.Context, opp domain.ArbitrageOpportunity) (tradeResult, error) {
	if e.cfg.DryRun {
		return tradeResult{
			profitUSD: opp.EstProfitUSD,
			gasUsed:   opp.GasCost,
			txHashes:  []string{"dryrun:" + opp.ID},
		}, nil
	}

	switch opp.Type {
	case domain.ArbitrageTypeCexDex:
		return e.runCexDex(ctx, opp)
	case domain.ArbitrageTypeIntraChain:
		return e.runIntraChain(ctx, opp)
	case domain.ArbitrageTypeCrossChain:
		return e.runCrossChain(ctx, opp)
	default:
		return tradeResult{}, fmt.Errorf("no execution route for %s opportunities", opp.Type)
	}
}

// runCexDex fires both market orders at once; holding one leg while
// the other fills is the risk being arbitraged away.
func (e *Executor) runCexDex(ctx context.Context, opp domain.ArbitrageOpportunity) (tradeResult, error) {
	if e.trader == nil {
		return tradeResult{}, fmt.Errorf("venue trader not configured")
	}

	var buyRef, sellRef string
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ref, err := e.trader.MarketOrder(ctx, opp.BuyVenue, opp.Pair, domain.OrderSideBuy, opp.TradeAmount)
		buyRef = ref
		return err
	})
	g.Go(func() error {
		ref, err := e.trader.MarketOrder(ctx, opp.SellVenue, opp.Pair, domain.OrderSideSell, opp.TradeAmount)
		sellRef = ref
		return err
	})
	err := g.Wait()

	var refs []string
	for _, ref := range []string{buyRef, sellRef} {
		if ref != "" {
			refs = append(refs, ref)
		}
	}
	if err != nil {
		return tradeResult{txHashes: refs}, err
	}
	return tradeResult{profitUSD: opp.EstProfitUSD, gasUsed: opp.GasCost, txHashes: refs}, nil
}

// runIntraChain swaps on the cheap DEX first, then unwinds on the rich
// one.
func (e *Executor) runIntraChain(ctx context.Context, opp domain.ArbitrageOpportunity) (tradeResult, error) {
	if e.router == nil {
		return tradeResult{}, fmt.Errorf("swap router not configured")
	}

	buyTx, err := e.router.Swap(ctx, opp.Chain, opp.BuyVenue, opp.Pair, domain.OrderSideBuy, opp.TradeAmount)
	if err != nil {
		return tradeResult{}, fmt.Errorf("buy swap on %s: %w", opp.BuyVenue, err)
	}
	sellTx, err := e.router.Swap(ctx, opp.Chain, opp.SellVenue, opp.Pair, domain.OrderSideSell, opp.TradeAmount)
	if err != nil {
		return tradeResult{txHashes: []string{buyTx}}, fmt.Errorf("sell swap on %s: %w", opp.SellVenue, err)
	}
	return tradeResult{profitUSD: opp.EstProfitUSD, gasUsed: opp.GasCost, txHashes: []string{buyTx, sellTx}}, nil
}

func (e *Executor) runCrossChain(ctx context.Context, opp domain.ArbitrageOpportunity) (tradeResult, error) {
	if e.bridge == nil {
		return tradeResult{}, fmt.Errorf("bridge planner not configured")
	}
	txs, err := e.bridge.Execute(ctx, &opp)
	if err != nil {
		return tradeResult{txHashes: txs}, err
	}
	return tradeResult{profitUSD: opp.EstProfitUSD, gasUsed: opp.GasCost, txHashes: txs}, nil
}

// finalize writes the terminal record, counts it, and publishes it.
// A leg error with landed transactions settles as partial; anything
// else failed; the watchdog path is failed with a timeout error.
func (e *Executor) finalize(exec *domain.ArbitrageExecution, res tradeResult, err error, timedOut bool) {
	end := e.now()
	exec.EndTime = &end
	exec.TxHashes = res.txHashes

	switch {
	case timedOut:
		exec.Status = domain.ExecutionStatusFailed
		exec.Error = "timeout"
	case err != nil && len(res.txHashes) > 0:
		exec.Status = domain.ExecutionStatusPartial
		exec.Error = err.Error()
	case err != nil:
		exec.Status = domain.ExecutionStatusFailed
		exec.Error = err.Error()
	default:
		exec.Status = domain.ExecutionStatusFilled
		profit := res.profitUSD
		gas := res.gasUsed
		exec.ActualProfitUSD = &profit
		exec.GasUsed = &gas
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.persistExecution(ctx, exec); err != nil {
		e.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("Execution finalize persist failed")
	}
	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(exec.Status).Inc()
	}
	if e.fabric != nil {
		pubErr := e.fabric.PublishWith(ctx, messaging.ExchangeArbitrage, messaging.KeyArbExecution, exec, messaging.PublishOptions{Persistent: true})
		if pubErr != nil {
			e.logger.Warn().Err(pubErr).Str("execution_id", exec.ID).Msg("Execution publish failed")
		}
	}

	e.mu.Lock()
	delete(e.active, exec.OpportunityID)
	e.mu.Unlock()

	evt := e.logger.Info()
	if exec.Status != domain.ExecutionStatusFilled {
		evt = e.logger.Warn()
	}
	evt.Str("execution_id", exec.ID).
		Str("opportunity_id", exec.OpportunityID).
		Str("status", exec.Status).
		Str("error", exec.Error).
		Int("legs", len(exec.TxHashes)).
		Msg("Execution settled")
}

func (e *Executor) priorExecution(ctx context.Context, opportunityID string) (string, error) {
	if e.docs == nil {
		return "", nil
	}
	docs, err := e.docs.Query(ctx, store.ContainerArbExecutions, store.Query{
		PartitionValue: opportunityID,
		Limit:          1,
	})
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return "", nil
	}
	return docs[0].Str("id"), nil
}

func (e *Executor) persistExecution(ctx context.Context, exec *domain.ArbitrageExecution) error {
	if e.docs == nil {
		return nil
	}
	doc, err := store.Encode(exec)
	if err != nil {
		return err
	}
	return e.docs.Upsert(ctx, store.ContainerArbExecutions, doc)
}

func (e *Executor) persistOpportunity(ctx context.Context, opp *domain.ArbitrageOpportunity) error {
	if e.docs == nil {
		return nil
	}
	doc, err := store.Encode(opp)
	if err != nil {
		return err
	}
	return e.docs.Upsert(ctx, store.ContainerArbOpportunities, doc)
}

// Active returns in-flight execution ids keyed by opportunity id.
func (e *Executor) Active() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.active))
	for opp, exec := range e.active {
		out[opp] = exec
	}
	return out
}

// Wait blocks until in-flight executions settle.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Stats reports executor state for the ops surface.
func (e *Executor) Stats() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]interface{}{
		"in_flight": len(e.active),
		"dry_run":   e.cfg.DryRun,
		"timeout":   e.cfg.ExecutionTimeout.String(),
	}
}
