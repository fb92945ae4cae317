package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mastertrade/internal/domain"
	"mastertrade/internal/forecast"
	"mastertrade/internal/messaging"
	"mastertrade/internal/metrics"
	"mastertrade/internal/store"
)

const (
	queueRiskChecks = "risk.check.requests"
	// responseTTL expires stale responses; producers resolve by
	// correlation id and a late response is useless to them.
	responseTTL = 30 * time.Second
)

// CheckRequest is the on-wire risk check request from signal producers.
type CheckRequest struct {
	RequestID      string                 `json:"request_id"`
	Symbol         string                 `json:"symbol"`
	StrategyID     string                 `json:"strategy_id"`
	OrderType      string                 `json:"order_type"`
	OrderSide      string                 `json:"order_side"`
	Quantity       float64                `json:"quantity"`
	Price          float64                `json:"price"`
	SignalStrength float64                `json:"signal_strength"`
	Timestamp      time.Time              `json:"timestamp"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// CheckResponse is the on-wire risk check verdict.
type CheckResponse struct {
	RequestID           string               `json:"request_id"`
	Approved            bool                 `json:"approved"`
	RecommendedQuantity float64              `json:"recommended_quantity"`
	MaxLossUSD          float64              `json:"max_loss_usd"`
	ConfidenceScore     float64              `json:"confidence_score"`
	RiskFactors         map[string]float64   `json:"risk_factors"`
	Warnings            []string             `json:"warnings,omitempty"`
	StopLossPrice       float64              `json:"stop_loss_price,omitempty"`
	Reason              string               `json:"reason"`
	Timestamp           time.Time            `json:"timestamp"`
	PricePrediction     *forecast.Prediction `json:"price_prediction,omitempty"`
}

// decisionRecord is the persisted audit row for one risk check. Its id is
// the request id, which doubles as the redelivery dedup key.
type decisionRecord struct {
	ID                  string    `json:"id"`
	RequestID           string    `json:"request_id"`
	Symbol              string    `json:"symbol"`
	StrategyID          string    `json:"strategy_id"`
	OrderSide           string    `json:"order_side"`
	RequestedQuantity   float64   `json:"requested_quantity"`
	Price               float64   `json:"price"`
	Approved            bool      `json:"approved"`
	RecommendedQuantity float64   `json:"recommended_quantity"`
	Reason              string    `json:"reason"`
	CreatedAt           time.Time `json:"created_at"`
}

// Service serves risk checks over the fabric and drives the periodic risk
// loops: portfolio metrics, position adjustment and correlation refresh.
// It reaches the gate's collaborators (circuit breaker, stop manager,
// portfolio controller, correlation tracker) through the gate itself.
type Service struct {
	cfg     Config
	account AccountView
	sizer   *Sizer
	gate    *Controller
	docs    store.DocumentStore
	fabric  *messaging.Fabric
	metrics *metrics.Metrics
	logger  zerolog.Logger

	watchlist []string
	wg        sync.WaitGroup
	now       func() time.Time
}

// NewService wires the risk service. sizer and gate are required; docs,
// fabric and metrics may be nil in tests that call evaluate directly.
func NewService(cfg Config, account AccountView, sizer *Sizer, gate *Controller, docs store.DocumentStore, fabric *messaging.Fabric, m *metrics.Metrics, watchlist []string, logger zerolog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		account:   account,
		sizer:     sizer,
		gate:      gate,
		docs:      docs,
		fabric:    fabric,
		metrics:   m,
		logger:    logger.With().Str("component", "risk_service").Logger(),
		watchlist: watchlist,
		now:       time.Now,
	}
}

// Start restores persisted state, subscribes the risk-check queue and
// launches the background loops. Loops stop when ctx is cancelled; call
// Wait to join them.
func (s *Service) Start(ctx context.Context) error {
	if sm := s.gate.stops; sm != nil {
		if err := sm.Load(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("stop-loss state restore failed")
		}
	}
	if dc := s.gate.circuit; dc != nil {
		if err := dc.Load(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("drawdown peak restore failed")
		}
	}
	if pc := s.gate.portfolio; pc != nil {
		if err := pc.Load(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("portfolio snapshot restore failed")
		}
	}

	if ct := s.gate.corr; ct != nil {
		if pc := s.gate.portfolio; pc != nil {
			ct.OnStale(func(failures int, err error) {
				pc.EmitAlert(context.Background(), domain.RiskAlert{
					Type:           alertCorrelationData,
					Severity:       "warning",
					Title:          "Correlation data stale",
					Message:        fmt.Sprintf("correlation refresh failed %d times: %v", failures, err),
					CurrentValue:   float64(failures),
					ThresholdValue: corrMaxFailures,
					Recommendation: "Check market data connectivity; sizing falls back to the last matrix",
				})
			})
		}
		s.refreshCorrelations(ctx)
	}

	if s.fabric != nil {
		err := s.fabric.Subscribe(queueRiskChecks, []messaging.Binding{
			{Exchange: messaging.ExchangeRiskCheck, Key: messaging.KeyRiskCheckRequest},
		}, s.handleCheck, 0)
		if err != nil {
			return fmt.Errorf("subscribe risk checks: %w", err)
		}
	}

	if pc := s.gate.portfolio; pc != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			pc.Run(ctx)
		}()
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.gate.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.correlationLoop(ctx)
	}()

	s.logger.Info().Msg("Risk service started")
	return nil
}

// Wait blocks until every background loop has exited.
func (s *Service) Wait() {
	s.wg.Wait()
}

// handleCheck processes one risk check delivery. Redeliveries of an
// already-decided request are acked without a second response.
func (s *Service) handleCheck(ctx context.Context, d messaging.Delivery) messaging.Verdict {
	var req CheckRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed risk check request dropped")
		return messaging.Nack
	}
	if req.RequestID == "" {
		s.logger.Warn().Str("symbol", req.Symbol).Msg("Risk check without request_id dropped")
		return messaging.Ack
	}

	timeout := s.cfg.RPCTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if s.alreadyDecided(ctx, req) {
		s.logger.Debug().Str("request_id", req.RequestID).Msg("Duplicate risk check acked")
		return messaging.Ack
	}

	start := time.Now()
	resp, evalErr := s.evaluate(ctx, req)
	if s.metrics != nil {
		s.metrics.RiskCheckDuration.Observe(time.Since(start).Seconds())
		outcome := "rejected"
		switch {
		case evalErr != nil:
			outcome = "error"
		case resp.Approved:
			outcome = "approved"
		}
		s.metrics.RiskChecksTotal.WithLabelValues(outcome).Inc()
	}
	if evalErr != nil {
		s.logger.Error().Err(evalErr).Str("request_id", req.RequestID).Msg("Risk check failed internally")
	}

	if err := s.persistDecision(ctx, req, resp); err != nil {
		if !d.Redelivered {
			return messaging.Requeue
		}
		s.logger.Error().Err(err).Str("request_id", req.RequestID).Msg("Decision persist failed, responding anyway")
	}

	s.respond(ctx, d, resp)
	return messaging.Ack
}

// evaluate produces the verdict for one request. The returned error marks
// an internal failure; the response is always usable on the wire.
func (s *Service) evaluate(ctx context.Context, req CheckRequest) (*CheckResponse, error) {
	resp := &CheckResponse{
		RequestID:   req.RequestID,
		RiskFactors: make(map[string]float64),
		Timestamp:   s.now().UTC(),
	}

	if req.Symbol == "" || req.Price <= 0 || req.Quantity <= 0 {
		resp.Reason = "symbol, positive price and quantity are required"
		return resp, nil
	}
	side := strings.ToUpper(req.OrderSide)
	if side != domain.OrderSideBuy && side != domain.OrderSideSell {
		resp.Reason = fmt.Sprintf("unknown order side %q", req.OrderSide)
		return resp, nil
	}

	if side == domain.OrderSideSell {
		return s.evaluateSell(ctx, req, resp)
	}
	return s.evaluateBuy(ctx, req, resp)
}

// evaluateSell verifies the position covers the requested quantity. Sells
// reduce exposure, so the admission gate does not apply.
func (s *Service) evaluateSell(ctx context.Context, req CheckRequest, resp *CheckResponse) (*CheckResponse, error) {
	positions, err := s.account.Positions(ctx)
	if err != nil {
		return s.errorResponse(resp, err), err
	}
	var held float64
	for i := range positions {
		if positions[i].Symbol == req.Symbol {
			held += positions[i].Quantity
		}
	}
	if held < req.Quantity {
		resp.Reason = fmt.Sprintf("Insufficient position: holding %.8f, requested %.8f", held, req.Quantity)
		return resp, nil
	}
	resp.Approved = true
	resp.RecommendedQuantity = req.Quantity
	resp.ConfidenceScore = 1
	resp.Reason = "Sell within held quantity"
	return resp, nil
}

func (s *Service) evaluateBuy(ctx context.Context, req CheckRequest, resp *CheckResponse) (*CheckResponse, error) {
	size, err := s.sizer.CalculateSize(ctx, PositionSizeRequest{
		Symbol:             req.Symbol,
		StrategyID:         req.StrategyID,
		SignalStrength:     req.SignalStrength,
		CurrentPrice:       req.Price,
		OrderSide:          domain.OrderSideBuy,
		RequestedAmountUSD: req.Quantity * req.Price,
	})
	if err != nil {
		return s.errorResponse(resp, err), err
	}

	approval, err := s.gate.ApproveNewPosition(ctx, ApprovalRequest{
		Symbol:           req.Symbol,
		StrategyID:       req.StrategyID,
		SignalStrength:   req.SignalStrength,
		RequestedSizeUSD: size.SizeUSD,
		CurrentPrice:     req.Price,
	})
	if err != nil {
		return s.errorResponse(resp, err), err
	}

	for k, v := range size.RiskFactors {
		resp.RiskFactors[k] = v
	}
	resp.Warnings = append(resp.Warnings, size.Warnings...)
	resp.Warnings = append(resp.Warnings, approval.Warnings...)
	resp.ConfidenceScore = size.Confidence
	resp.PricePrediction = size.Prediction

	finalUSD := size.SizeUSD * approval.PositionSizeAdjustment
	quantity := RoundQuantity(req.Symbol, finalUSD/req.Price)
	if quantity > req.Quantity {
		quantity = req.Quantity
		finalUSD = quantity * req.Price
	}

	stopPct := approval.StopLossParams.StopLossPercent
	if stopPct <= 0 {
		stopPct = size.StopLossPercent
	}
	resp.StopLossPrice = req.Price * (1 - stopPct/100)
	resp.MaxLossUSD = finalUSD * stopPct / 100

	rejections := append(append([]string{}, size.Rejections...), approval.Rejections...)
	if size.Approved && approval.Approved && finalUSD < s.cfg.MinPositionSizeUSD {
		rejections = append(rejections,
			fmt.Sprintf("Adjusted size %.2f below minimum %.2f", finalUSD, s.cfg.MinPositionSizeUSD))
	}
	if len(rejections) > 0 {
		resp.Reason = rejections[0]
		return resp, nil
	}

	resp.Approved = true
	resp.RecommendedQuantity = quantity
	resp.Reason = "Position approved"
	return resp, nil
}

// errorResponse fills the contractual internal-error shape: rejected,
// zero confidence, a single maxed risk factor.
func (s *Service) errorResponse(resp *CheckResponse, err error) *CheckResponse {
	resp.Approved = false
	resp.RecommendedQuantity = 0
	resp.ConfidenceScore = 0
	resp.RiskFactors = map[string]float64{"error": 10}
	resp.Reason = fmt.Sprintf("Risk check error: %v", err)
	return resp
}

// alreadyDecided reports whether a decision for this request id is
// already persisted.
func (s *Service) alreadyDecided(ctx context.Context, req CheckRequest) bool {
	if s.docs == nil {
		return false
	}
	_, err := s.docs.Get(ctx, store.ContainerRiskDecisions, req.RequestID, req.Symbol)
	return err == nil
}

func (s *Service) persistDecision(ctx context.Context, req CheckRequest, resp *CheckResponse) error {
	if s.docs == nil {
		return nil
	}
	doc, err := store.Encode(decisionRecord{
		ID:                  req.RequestID,
		RequestID:           req.RequestID,
		Symbol:              req.Symbol,
		StrategyID:          req.StrategyID,
		OrderSide:           req.OrderSide,
		RequestedQuantity:   req.Quantity,
		Price:               req.Price,
		Approved:            resp.Approved,
		RecommendedQuantity: resp.RecommendedQuantity,
		Reason:              resp.Reason,
		CreatedAt:           s.now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.docs.Upsert(ctx, store.ContainerRiskDecisions, doc)
}

// respond publishes the verdict on the response key and, when the
// requester provided a reply queue, directly to it. The correlation id
// follows the request; producers that set none correlate by request id.
func (s *Service) respond(ctx context.Context, d messaging.Delivery, resp *CheckResponse) {
	if s.fabric == nil {
		return
	}
	corrID := d.CorrelationID
	if corrID == "" {
		corrID = resp.RequestID
	}
	opts := messaging.PublishOptions{CorrelationID: corrID, TTL: responseTTL}

	err := s.fabric.PublishWith(ctx, messaging.ExchangeRiskCheck, messaging.KeyRiskCheckResponse, resp, opts)
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", resp.RequestID).Msg("Response publish failed")
	}
	if d.ReplyTo != "" {
		if err := s.fabric.PublishWith(ctx, "", d.ReplyTo, resp, opts); err != nil {
			s.logger.Warn().Err(err).Str("reply_to", d.ReplyTo).Msg("Reply publish failed")
		}
	}
}

// correlationLoop refreshes the correlation matrix on the configured
// interval over the watchlist plus currently held symbols. A non-positive
// interval disables the loop; deployments that refresh through the cron
// scheduler leave it at zero.
func (s *Service) correlationLoop(ctx context.Context) {
	ct := s.gate.corr
	if ct == nil {
		return
	}
	interval := s.cfg.CorrelationInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshCorrelations(ctx)
		}
	}
}

func (s *Service) refreshCorrelations(ctx context.Context) {
	ct := s.gate.corr
	if ct == nil {
		return
	}
	symbols := append([]string{}, s.watchlist...)
	if positions, err := s.account.Positions(ctx); err == nil {
		for i := range positions {
			symbols = append(symbols, positions[i].Symbol)
		}
	}
	if len(symbols) < 2 {
		return
	}
	if err := ct.Refresh(ctx, symbols); err != nil {
		s.logger.Warn().Err(err).Msg("Correlation refresh failed")
	}
}

// Stats aggregates the state of every risk component.
func (s *Service) Stats() map[string]interface{} {
	out := map[string]interface{}{
		"watchlist": len(s.watchlist),
	}
	if dc := s.gate.circuit; dc != nil {
		out["circuit_breaker"] = dc.Stats()
	}
	if sm := s.gate.stops; sm != nil {
		out["stop_loss"] = sm.Stats()
	}
	if pc := s.gate.portfolio; pc != nil {
		out["portfolio"] = pc.Stats()
	}
	if ct := s.gate.corr; ct != nil {
		if snap := ct.Current(); snap != nil {
			out["correlation"] = map[string]interface{}{
				"symbols":     len(snap.Symbols),
				"risk_score":  snap.RiskScore,
				"stale":       snap.Stale,
				"computed_at": snap.ComputedAt,
			}
		}
	}
	return out
}
