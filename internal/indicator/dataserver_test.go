package indicator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mastertrade/internal/domain"
	"mastertrade/internal/messaging"
	"mastertrade/internal/store"
)

func newTestDataServer(t *testing.T) (*DataServer, *store.Memory) {
	t.Helper()

	mem := store.NewMemory()
	sources := DataSources{
		Sentiment: func(symbol string) *domain.SentimentData {
			if symbol != "BTCUSDT" {
				return nil
			}
			return &domain.SentimentData{Symbol: symbol, Polarity: 0.4, GlobalPolarity: 0.2, FearGreed: 60, SampleCount: 12}
		},
		Correlation: func() *domain.CorrelationMatrixData {
			return &domain.CorrelationMatrixData{
				Symbols: []string{"BTCUSDT", "ETHUSDT"},
				Matrix:  [][]float64{{1, 0.8}, {0.8, 1}},
				AsOf:    time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
			}
		},
	}
	s := NewDataServer(nil, mem, sources, zerolog.Nop())
	s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s, mem
}

func seedResult(t *testing.T, mem *store.Memory, id string, r domain.IndicatorResult) {
	t.Helper()
	doc, err := store.Encode(r)
	if err != nil {
		t.Fatalf("encode result: %v", err)
	}
	doc["id"] = id
	if err := mem.Upsert(context.Background(), store.ContainerIndicatorResults, doc); err != nil {
		t.Fatalf("seed result: %v", err)
	}
}

func dataRequest(t *testing.T, req domain.StrategyDataRequest) messaging.Delivery {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return messaging.Delivery{
		RoutingKey: messaging.StrategyRequestKey(req.DataType, "normal"),
		Body:       body,
	}
}

func TestDataServerStartWithoutFabric(t *testing.T) {
	s, _ := newTestDataServer(t)
	if err := s.Start(); err != nil {
		t.Fatalf("Start without fabric: %v", err)
	}
}

func TestDataServerAcksCancel(t *testing.T) {
	s, _ := newTestDataServer(t)
	d := messaging.Delivery{RoutingKey: messaging.KeyStrategyRequestCancel, Body: []byte(`{"request_id":"r-1"}`)}
	if v := s.handle(context.Background(), d); v != messaging.Ack {
		t.Fatalf("cancel verdict = %v, want Ack", v)
	}
}

func TestDataServerNacksMalformed(t *testing.T) {
	s, _ := newTestDataServer(t)
	d := messaging.Delivery{RoutingKey: "strategy.request.sentiment_data.normal", Body: []byte("{broken")}
	if v := s.handle(context.Background(), d); v != messaging.Nack {
		t.Fatalf("malformed verdict = %v, want Nack", v)
	}
}

func TestDataServerDropsMissingRequestID(t *testing.T) {
	s, _ := newTestDataServer(t)
	d := dataRequest(t, domain.StrategyDataRequest{DataType: domain.DataTypeSentiment, Symbol: "BTCUSDT"})
	if v := s.handle(context.Background(), d); v != messaging.Ack {
		t.Fatalf("missing id verdict = %v, want Ack", v)
	}
}

func TestTechnicalIndicatorsMergeFreshestWins(t *testing.T) {
	s, mem := newTestDataServer(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	seedResult(t, mem, "cfg-old", domain.IndicatorResult{
		ConfigurationID: "cfg-old",
		IndicatorType:   "rsi",
		Symbol:          "BTCUSDT",
		Interval:        "1h",
		Values:          map[string]interface{}{"value": 48.0},
		CalculatedAt:    base,
	})
	seedResult(t, mem, "cfg-new", domain.IndicatorResult{
		ConfigurationID: "cfg-new",
		IndicatorType:   "rsi",
		Symbol:          "BTCUSDT",
		Interval:        "1h",
		Values:          map[string]interface{}{"value": 55.0},
		CalculatedAt:    base.Add(30 * time.Minute),
	})
	seedResult(t, mem, "cfg-macd", domain.IndicatorResult{
		ConfigurationID: "cfg-macd",
		IndicatorType:   "macd",
		Symbol:          "BTCUSDT",
		Interval:        "1h",
		Values: map[string]interface{}{
			"macd":   1.2,
			"signal": 0.9,
			"hist":   []interface{}{0.1, 0.3},
		},
		CalculatedAt: base.Add(15 * time.Minute),
	})

	env := s.envelope(context.Background(), domain.StrategyDataRequest{
		RequestID: "r-1",
		DataType:  domain.DataTypeTechnicalIndicators,
		Symbol:    "BTCUSDT",
	})
	if env == nil {
		t.Fatal("envelope is nil")
	}
	if env.Error != "" {
		t.Fatalf("unexpected error: %s", env.Error)
	}

	decoded, err := env.Decode()
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	data, ok := decoded.(*domain.TechnicalIndicatorsData)
	if !ok {
		t.Fatalf("decoded type = %T", decoded)
	}
	if data.Interval != "1h" {
		t.Fatalf("interval = %q, want 1h", data.Interval)
	}
	if got := data.Indicators["rsi"]; got != 55.0 {
		t.Fatalf("rsi = %v, want newest value 55", got)
	}
	if got := data.Indicators["macd_macd"]; got != 1.2 {
		t.Fatalf("macd_macd = %v, want 1.2", got)
	}
	if got := data.Indicators["macd_signal"]; got != 0.9 {
		t.Fatalf("macd_signal = %v, want 0.9", got)
	}
	hist := data.Series["macd_hist"]
	if len(hist) != 2 || hist[0] != 0.1 || hist[1] != 0.3 {
		t.Fatalf("macd_hist series = %v, want [0.1 0.3]", hist)
	}
	if got := data.Indicators["macd_hist"]; got != 0.3 {
		t.Fatalf("macd_hist scalar = %v, want last point 0.3", got)
	}
}

func TestTechnicalIndicatorsIntervalFilter(t *testing.T) {
	s, mem := newTestDataServer(t)
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	seedResult(t, mem, "cfg-1h", domain.IndicatorResult{
		ConfigurationID: "cfg-1h",
		IndicatorType:   "rsi",
		Symbol:          "BTCUSDT",
		Interval:        "1h",
		Values:          map[string]interface{}{"value": 52.0},
		CalculatedAt:    at,
	})
	seedResult(t, mem, "cfg-4h", domain.IndicatorResult{
		ConfigurationID: "cfg-4h",
		IndicatorType:   "rsi",
		Symbol:          "BTCUSDT",
		Interval:        "4h",
		Values:          map[string]interface{}{"value": 61.0},
		CalculatedAt:    at,
	})

	env := s.envelope(context.Background(), domain.StrategyDataRequest{
		RequestID: "r-2",
		DataType:  domain.DataTypeTechnicalIndicators,
		Symbol:    "BTCUSDT",
		Interval:  "4h",
	})
	if env == nil || env.Error != "" {
		t.Fatalf("envelope = %+v", env)
	}
	decoded, err := env.Decode()
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	data := decoded.(*domain.TechnicalIndicatorsData)
	if got := data.Indicators["rsi"]; got != 61.0 {
		t.Fatalf("rsi = %v, want 4h value 61", got)
	}
}

func TestTechnicalIndicatorsNoResults(t *testing.T) {
	s, _ := newTestDataServer(t)
	env := s.envelope(context.Background(), domain.StrategyDataRequest{
		RequestID: "r-3",
		DataType:  domain.DataTypeTechnicalIndicators,
		Symbol:    "SOLUSDT",
	})
	if env == nil {
		t.Fatal("envelope is nil")
	}
	if env.Error == "" {
		t.Fatal("expected error envelope for empty results")
	}
	if !env.Timestamp.Equal(s.now()) {
		t.Fatalf("timestamp = %v, want pinned now", env.Timestamp)
	}
}

func TestSentimentPayload(t *testing.T) {
	s, _ := newTestDataServer(t)
	env := s.envelope(context.Background(), domain.StrategyDataRequest{
		RequestID: "r-4",
		DataType:  domain.DataTypeSentiment,
		Symbol:    "BTCUSDT",
	})
	if env == nil || env.Error != "" {
		t.Fatalf("envelope = %+v", env)
	}
	decoded, err := env.Decode()
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	data := decoded.(*domain.SentimentData)
	if data.Polarity != 0.4 || data.SampleCount != 12 {
		t.Fatalf("sentiment = %+v", data)
	}
}

func TestSentimentUnavailable(t *testing.T) {
	s, _ := newTestDataServer(t)
	env := s.envelope(context.Background(), domain.StrategyDataRequest{
		RequestID: "r-5",
		DataType:  domain.DataTypeSentiment,
		Symbol:    "DOGEUSDT",
	})
	if env == nil || env.Error == "" {
		t.Fatalf("envelope = %+v, want error", env)
	}
}

func TestCorrelationPayload(t *testing.T) {
	s, _ := newTestDataServer(t)
	env := s.envelope(context.Background(), domain.StrategyDataRequest{
		RequestID: "r-6",
		DataType:  domain.DataTypeCorrelationMatrix,
	})
	if env == nil || env.Error != "" {
		t.Fatalf("envelope = %+v", env)
	}
	decoded, err := env.Decode()
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	data := decoded.(*domain.CorrelationMatrixData)
	if len(data.Symbols) != 2 || data.Matrix[0][1] != 0.8 {
		t.Fatalf("correlation = %+v", data)
	}
}

func TestUnsupportedDataType(t *testing.T) {
	s, _ := newTestDataServer(t)
	env := s.envelope(context.Background(), domain.StrategyDataRequest{
		RequestID: "r-7",
		DataType:  domain.DataTypeVolumeProfile,
		Symbol:    "BTCUSDT",
	})
	if env == nil {
		t.Fatal("envelope is nil")
	}
	if !strings.Contains(env.Error, "unsupported data type") {
		t.Fatalf("error = %q, want unsupported data type", env.Error)
	}
	if env.RequestID != "r-7" || env.DataType != domain.DataTypeVolumeProfile {
		t.Fatalf("envelope identity = %+v", env)
	}
}

func TestNilSourcesReportUnavailable(t *testing.T) {
	s := NewDataServer(nil, store.NewMemory(), DataSources{}, zerolog.Nop())
	for _, dt := range []string{domain.DataTypeSentiment, domain.DataTypeCorrelationMatrix} {
		env := s.envelope(context.Background(), domain.StrategyDataRequest{RequestID: "r-8", DataType: dt})
		if env == nil || env.Error == "" {
			t.Fatalf("%s: envelope = %+v, want error", dt, env)
		}
	}
}
