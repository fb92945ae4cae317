package indicator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"mastertrade/internal/domain"
	"mastertrade/internal/messaging"
	"mastertrade/internal/store"
)

const queueDataRequests = "strategy.data.requests"

// DataSources supplies the payloads the data server answers from live
// components. A nil func marks that data type unavailable.
type DataSources struct {
	Sentiment   func(symbol string) *domain.SentimentData
	Correlation func() *domain.CorrelationMatrixData
}

// DataServer answers strategy data requests off the fabric: technical
// indicators from the stored calculation results, sentiment and
// correlation from the wired sources. Unsupported data types get an
// error envelope so requesters fail fast instead of timing out.
type DataServer struct {
	fabric  *messaging.Fabric
	docs    store.DocumentStore
	sources DataSources
	logger  zerolog.Logger
	now     func() time.Time
}

// NewDataServer creates the responder. It serves nothing until Start.
func NewDataServer(fabric *messaging.Fabric, docs store.DocumentStore, sources DataSources, logger zerolog.Logger) *DataServer {
	return &DataServer{
		fabric:  fabric,
		docs:    docs,
		sources: sources,
		logger:  logger.With().Str("component", "data_server").Logger(),
		now:     time.Now,
	}
}

// Start subscribes the request queue. A nil fabric is a no-op so the
// control plane still boots without a broker.
func (s *DataServer) Start() error {
	if s.fabric == nil {
		return nil
	}
	err := s.fabric.Subscribe(queueDataRequests, []messaging.Binding{
		{Exchange: messaging.ExchangeStrategyRequests, Key: "strategy.request.#"},
	}, s.handle, 0)
	if err != nil {
		return fmt.Errorf("subscribe strategy data requests: %w", err)
	}
	return nil
}

func (s *DataServer) handle(ctx context.Context, d messaging.Delivery) messaging.Verdict {
	if d.RoutingKey == messaging.KeyStrategyRequestCancel {
		// Requests are answered synchronously; nothing is in flight to
		// cancel.
		return messaging.Ack
	}

	var req domain.StrategyDataRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		s.logger.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("Malformed strategy data request")
		return messaging.Nack
	}
	if req.RequestID == "" {
		s.logger.Warn().Str("data_type", req.DataType).Msg("Strategy data request without request_id dropped")
		return messaging.Ack
	}

	env := s.envelope(ctx, req)
	if env == nil {
		return messaging.Ack
	}
	s.respond(ctx, d, req, env)
	return messaging.Ack
}

// envelope resolves the request to a response envelope, error form
// included. A nil return means the payload could not even be encoded.
func (s *DataServer) envelope(ctx context.Context, req domain.StrategyDataRequest) *domain.MarketDataEnvelope {
	payload, err := s.payload(ctx, req)
	if err != nil {
		return &domain.MarketDataEnvelope{
			RequestID: req.RequestID,
			DataType:  req.DataType,
			Symbol:    req.Symbol,
			Error:     err.Error(),
			Timestamp: s.now().UTC(),
		}
	}
	env, err := domain.NewMarketDataEnvelope(req.RequestID, req.DataType, req.Symbol, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", req.RequestID).Msg("Envelope encode failed")
		return nil
	}
	return env
}

func (s *DataServer) payload(ctx context.Context, req domain.StrategyDataRequest) (interface{}, error) {
	switch req.DataType {
	case domain.DataTypeTechnicalIndicators:
		return s.technicalIndicators(ctx, req)
	case domain.DataTypeSentiment:
		if s.sources.Sentiment == nil {
			return nil, fmt.Errorf("no sentiment source wired")
		}
		if data := s.sources.Sentiment(req.Symbol); data != nil {
			return data, nil
		}
		return nil, fmt.Errorf("no sentiment data for %s", req.Symbol)
	case domain.DataTypeCorrelationMatrix:
		if s.sources.Correlation == nil {
			return nil, fmt.Errorf("no correlation source wired")
		}
		if data := s.sources.Correlation(); data != nil {
			return data, nil
		}
		return nil, fmt.Errorf("correlation snapshot not computed yet")
	default:
		return nil, fmt.Errorf("unsupported data type %q", req.DataType)
	}
}

// technicalIndicators merges the stored results for the symbol into one
// payload, oldest applied first so a field computed by two
// configurations keeps the freshest value. Scalar values land in
// Indicators under <type> or <type>_<field>; numeric series land in
// Series with their last point mirrored as the scalar.
func (s *DataServer) technicalIndicators(ctx context.Context, req domain.StrategyDataRequest) (interface{}, error) {
	q := store.Query{PartitionValue: req.Symbol}
	if req.Interval != "" {
		q.Filters = map[string]interface{}{"interval": req.Interval}
	}
	docs, err := s.docs.Query(ctx, store.ContainerIndicatorResults, q)
	if err != nil {
		return nil, fmt.Errorf("query indicator results: %w", err)
	}

	results := make([]domain.IndicatorResult, 0, len(docs))
	for _, doc := range docs {
		var r domain.IndicatorResult
		if err := store.Decode(doc, &r); err != nil {
			continue
		}
		results = append(results, r)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no indicator results for %s", req.Symbol)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CalculatedAt.Before(results[j].CalculatedAt)
	})

	data := &domain.TechnicalIndicatorsData{
		Symbol:     req.Symbol,
		Interval:   req.Interval,
		Indicators: make(map[string]float64),
	}
	if data.Interval == "" {
		data.Interval = results[len(results)-1].Interval
	}
	for _, r := range results {
		for field, v := range r.Values {
			name := r.IndicatorType
			if field != "value" {
				name = r.IndicatorType + "_" + field
			}
			switch val := v.(type) {
			case float64:
				data.Indicators[name] = val
			case []interface{}:
				series := make([]float64, 0, len(val))
				for _, item := range val {
					f, ok := item.(float64)
					if !ok {
						series = nil
						break
					}
					series = append(series, f)
				}
				if len(series) > 0 {
					if data.Series == nil {
						data.Series = make(map[string][]float64)
					}
					data.Series[name] = series
					data.Indicators[name] = series[len(series)-1]
				}
			}
		}
	}
	return data, nil
}

// respond publishes the envelope on the market responses exchange and,
// when the request names a reply queue, directly there as well.
func (s *DataServer) respond(ctx context.Context, d messaging.Delivery, req domain.StrategyDataRequest, env *domain.MarketDataEnvelope) {
	corrID := d.CorrelationID
	if corrID == "" {
		corrID = req.RequestID
	}
	opts := messaging.PublishOptions{CorrelationID: corrID}

	key := messaging.MarketResponseKey(req.DataType)
	if err := s.fabric.PublishWith(ctx, messaging.ExchangeMarketResponses, key, env, opts); err != nil {
		s.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("Response publish failed")
	}

	target := req.ReplyTo
	if target == "" {
		target = d.ReplyTo
	}
	if target != "" {
		if err := s.fabric.PublishWith(ctx, "", target, env, opts); err != nil {
			s.logger.Warn().Err(err).Str("reply_to", target).Msg("Reply publish failed")
		}
	}
}
