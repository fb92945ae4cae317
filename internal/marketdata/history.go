package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"mastertrade/internal/domain"
	"mastertrade/internal/ratelimit"
)

// HistoryConfig holds the candle history client settings.
type HistoryConfig struct {
	BaseURL string `json:"base_url"`
	Venue   string `json:"venue"`
}

// History fetches historical candles from a venue REST endpoint, paced by
// the rate limiter. It is the candle source for indicator calculation,
// volatility estimation and backtests.
type History struct {
	cfg     HistoryConfig
	limiter *ratelimit.Limiter
	client  *resty.Client
	logger  zerolog.Logger
}

// NewHistory creates a history client. limiter may be nil.
func NewHistory(cfg HistoryConfig, limiter *ratelimit.Limiter, logger zerolog.Logger) *History {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.binance.com/api/v3"
	}
	if cfg.Venue == "" {
		cfg.Venue = "binance"
	}
	return &History{
		cfg:     cfg,
		limiter: limiter,
		client:  resty.New().SetTimeout(15 * time.Second),
		logger:  logger.With().Str("component", "market_history").Logger(),
	}
}

// Candles fetches up to limit candles for symbol at the given interval,
// oldest first.
func (h *History) Candles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	if limit <= 0 {
		limit = 500
	}
	endpoint := h.cfg.Venue + "/klines"

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx, endpoint); err != nil {
			return nil, err
		}
	}

	resp, err := h.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		Get(h.cfg.BaseURL + "/klines")
	if err != nil {
		return nil, fmt.Errorf("fetch candles for %s: %w", symbol, err)
	}

	if h.limiter != nil {
		h.limiter.ParseHeaders(endpoint, http.Header(resp.Header()))
		if resp.StatusCode() == http.StatusTooManyRequests {
			retryAfter := ratelimit.RetryAfter(resp.Header().Get("Retry-After"), time.Now())
			h.limiter.Record429(endpoint, retryAfter)
			return nil, fmt.Errorf("rate limited fetching candles for %s", symbol)
		}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("candle request for %s returned status %d", symbol, resp.StatusCode())
	}

	var rows [][]interface{}
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("decode candles for %s: %w", symbol, err)
	}

	candles := make([]domain.Candle, 0, len(rows))
	for _, row := range rows {
		// Venue kline rows: [openTime, open, high, low, close, volume, closeTime, ...]
		if len(row) < 7 {
			continue
		}
		candles = append(candles, domain.Candle{
			OpenTime:  time.UnixMilli(int64(rowFloat(row[0]))).UTC(),
			Open:      rowFloat(row[1]),
			High:      rowFloat(row[2]),
			Low:       rowFloat(row[3]),
			Close:     rowFloat(row[4]),
			Volume:    rowFloat(row[5]),
			CloseTime: time.UnixMilli(int64(rowFloat(row[6]))).UTC(),
		})
	}
	return candles, nil
}

// Closes fetches candles and returns just the close series, oldest first.
func (h *History) Closes(ctx context.Context, symbol, interval string, limit int) ([]float64, error) {
	candles, err := h.Candles(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes, nil
}

func rowFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	}
	return 0
}
