package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Market data type constants. Each value selects one payload variant in
// MarketDataEnvelope.
const (
	DataTypeTechnicalIndicators = "technical_indicators"
	DataTypeVolumeProfile       = "volume_profile"
	DataTypeOrderFlow           = "order_flow"
	DataTypeLiquidityZones      = "liquidity_zones"
	DataTypeSentiment           = "sentiment_data"
	DataTypeCorrelationMatrix   = "correlation_matrix"
	DataTypeMacroIndicators     = "macro_indicators"
	DataTypeAlternativeData     = "alternative_data"
	DataTypeCustomComposite     = "custom_composite"
)

// TechnicalIndicatorsData carries computed indicator values per field.
type TechnicalIndicatorsData struct {
	Symbol     string             `json:"symbol"`
	Interval   string             `json:"interval"`
	Indicators map[string]float64 `json:"indicators"`
	Series     map[string][]float64 `json:"series,omitempty"`
}

// VolumeProfileData carries a binned price/volume histogram.
type VolumeProfileData struct {
	Symbol       string    `json:"symbol"`
	BinSize      float64   `json:"bin_size"`
	PriceLevels  []float64 `json:"price_levels"`
	Volumes      []float64 `json:"volumes"`
	PointOfCtrl  float64   `json:"point_of_control"`
	ValueAreaLow float64   `json:"value_area_low"`
	ValueAreaHigh float64  `json:"value_area_high"`
}

// OrderFlowData carries aggressor-side flow aggregates.
type OrderFlowData struct {
	Symbol       string  `json:"symbol"`
	BuyVolume    float64 `json:"buy_volume"`
	SellVolume   float64 `json:"sell_volume"`
	Delta        float64 `json:"delta"`
	CumDelta     float64 `json:"cumulative_delta"`
	LargeOrders  int     `json:"large_orders"`
	Imbalance    float64 `json:"imbalance"`
}

// LiquidityZonesData carries detected support/resistance liquidity bands.
type LiquidityZonesData struct {
	Symbol string               `json:"symbol"`
	Zones  []LiquidityZone      `json:"zones"`
}

// LiquidityZone is one liquidity band.
type LiquidityZone struct {
	PriceLow  float64 `json:"price_low"`
	PriceHigh float64 `json:"price_high"`
	Strength  float64 `json:"strength"`
	Side      string  `json:"side"`
}

// SentimentData carries aggregated sentiment readings.
type SentimentData struct {
	Symbol        string  `json:"symbol,omitempty"`
	Polarity      float64 `json:"polarity"`
	GlobalPolarity float64 `json:"global_polarity"`
	FearGreed     float64 `json:"fear_greed"`
	SampleCount   int     `json:"sample_count"`
}

// CorrelationMatrixData carries a symmetric correlation matrix.
type CorrelationMatrixData struct {
	Symbols []string    `json:"symbols"`
	Matrix  [][]float64 `json:"matrix"`
	AsOf    time.Time   `json:"as_of"`
}

// MacroIndicatorsData carries macro-economic readings keyed by series.
type MacroIndicatorsData struct {
	Series map[string]float64 `json:"series"`
	AsOf   time.Time          `json:"as_of"`
}

// AlternativeData carries arbitrary alternative datasets.
type AlternativeData struct {
	Source string                 `json:"source"`
	Values map[string]interface{} `json:"values"`
}

// CustomCompositeData carries a named composite of other payloads.
type CustomCompositeData struct {
	Name       string                     `json:"name"`
	Components map[string]json.RawMessage `json:"components"`
}

// MarketDataEnvelope is the tagged union travelling on
// mastertrade.market.responses with key market.response.<data_type>.
// Exactly one payload field is set, selected by DataType.
type MarketDataEnvelope struct {
	RequestID string          `json:"request_id"`
	DataType  string          `json:"data_type"`
	Symbol    string          `json:"symbol,omitempty"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unpacks the payload into its typed variant based on DataType.
func (e *MarketDataEnvelope) Decode() (interface{}, error) {
	if len(e.Data) == 0 {
		return nil, fmt.Errorf("market data envelope %s: empty payload", e.DataType)
	}
	var out interface{}
	switch e.DataType {
	case DataTypeTechnicalIndicators:
		out = &TechnicalIndicatorsData{}
	case DataTypeVolumeProfile:
		out = &VolumeProfileData{}
	case DataTypeOrderFlow:
		out = &OrderFlowData{}
	case DataTypeLiquidityZones:
		out = &LiquidityZonesData{}
	case DataTypeSentiment:
		out = &SentimentData{}
	case DataTypeCorrelationMatrix:
		out = &CorrelationMatrixData{}
	case DataTypeMacroIndicators:
		out = &MacroIndicatorsData{}
	case DataTypeAlternativeData:
		out = &AlternativeData{}
	case DataTypeCustomComposite:
		out = &CustomCompositeData{}
	default:
		return nil, fmt.Errorf("unknown market data type %q", e.DataType)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.DataType, err)
	}
	return out, nil
}

// NewMarketDataEnvelope marshals a typed payload into an envelope.
func NewMarketDataEnvelope(requestID, dataType, symbol string, payload interface{}) (*MarketDataEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", dataType, err)
	}
	return &MarketDataEnvelope{
		RequestID: requestID,
		DataType:  dataType,
		Symbol:    symbol,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}
