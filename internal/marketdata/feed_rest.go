package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"mastertrade/internal/domain"
	"mastertrade/internal/ratelimit"
)

// PollVenueConfig is one REST quote source.
type PollVenueConfig struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Chain    string   `json:"chain,omitempty"`
	BaseURL  string   `json:"base_url"`
	Endpoint string   `json:"endpoint"`
	Symbols  []string `json:"symbols"`
}

// PollerConfig holds the REST poller settings.
type PollerConfig struct {
	Interval time.Duration     `json:"interval"`
	Venues   []PollVenueConfig `json:"venues"`
}

// RestPoller polls venue REST endpoints for quotes on a fixed interval,
// paced by the rate limiter. Response rate-limit headers feed back into
// the limiter; 429s trigger its backoff.
type RestPoller struct {
	cfg     PollerConfig
	cache   *Cache
	limiter *ratelimit.Limiter
	client  *resty.Client
	logger  zerolog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRestPoller creates a poller. limiter may be nil to poll unpaced.
func NewRestPoller(cfg PollerConfig, cache *Cache, limiter *ratelimit.Limiter, logger zerolog.Logger) *RestPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &RestPoller{
		cfg:      cfg,
		cache:    cache,
		limiter:  limiter,
		client:   resty.New().SetTimeout(10 * time.Second),
		logger:   logger.With().Str("component", "market_poller").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start begins the poll loop.
func (p *RestPoller) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Stop halts the poll loop.
func (p *RestPoller) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}

func (p *RestPoller) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.pollAll()
	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.pollAll()
		}
	}
}

func (p *RestPoller) pollAll() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Interval)
	defer cancel()

	for _, venue := range p.cfg.Venues {
		for _, symbol := range venue.Symbols {
			select {
			case <-p.stopChan:
				return
			default:
			}
			if err := p.pollQuote(ctx, venue, symbol); err != nil {
				p.logger.Debug().Err(err).Str("venue", venue.Name).Str("symbol", symbol).Msg("Quote poll failed")
			}
		}
	}
}

type restQuote struct {
	Symbol string    `json:"symbol"`
	Price  flexFloat `json:"price"`
	Last   flexFloat `json:"lastPrice"`
	Bid    flexFloat `json:"bidPrice"`
	Ask    flexFloat `json:"askPrice"`
	Volume flexFloat `json:"volume"`
}

func (p *RestPoller) pollQuote(ctx context.Context, venue PollVenueConfig, symbol string) error {
	endpoint := venue.Name + venue.Endpoint

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, endpoint); err != nil {
			return err
		}
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		Get(venue.BaseURL + venue.Endpoint)
	if err != nil {
		return err
	}

	if p.limiter != nil {
		p.limiter.ParseHeaders(endpoint, http.Header(resp.Header()))
		if resp.StatusCode() == http.StatusTooManyRequests {
			retryAfter := ratelimit.RetryAfter(resp.Header().Get("Retry-After"), time.Now())
			p.limiter.Record429(endpoint, retryAfter)
			return fmt.Errorf("rate limited by %s", venue.Name)
		}
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%s returned status %d", venue.Name, resp.StatusCode())
	}

	var quote restQuote
	if err := json.Unmarshal(resp.Body(), &quote); err != nil {
		return fmt.Errorf("decode quote: %w", err)
	}
	price := float64(quote.Price)
	if price == 0 {
		price = float64(quote.Last)
	}
	if price == 0 {
		return fmt.Errorf("no price in %s response for %s", venue.Name, symbol)
	}

	kind := venue.Kind
	if kind == "" {
		kind = domain.MarketKindCEX
	}
	p.cache.Set(domain.PricePoint{
		Kind:      kind,
		Venue:     venue.Name,
		Chain:     venue.Chain,
		Symbol:    symbol,
		Price:     price,
		Bid:       float64(quote.Bid),
		Ask:       float64(quote.Ask),
		Volume24h: float64(quote.Volume),
		Timestamp: time.Now(),
	})
	return nil
}

// flexFloat decodes JSON numbers that venues serialize either as numbers
// or as quoted strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}
