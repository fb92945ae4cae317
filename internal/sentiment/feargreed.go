package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// FearGreedConfig holds the fear & greed index poller settings.
type FearGreedConfig struct {
	URL      string        `json:"url"`
	Interval time.Duration `json:"interval"`
}

// DefaultFearGreedConfig polls the public alternative.me index.
func DefaultFearGreedConfig() FearGreedConfig {
	return FearGreedConfig{
		URL:      "https://api.alternative.me/fng/",
		Interval: 15 * time.Minute,
	}
}

// FearGreedSource polls the crypto fear & greed index and records it as
// global sentiment: index 0 maps to -1, 50 to 0, 100 to +1.
type FearGreedSource struct {
	cfg    FearGreedConfig
	agg    *Aggregator
	client *resty.Client
	logger zerolog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewFearGreedSource creates the poller feeding agg.
func NewFearGreedSource(cfg FearGreedConfig, agg *Aggregator, logger zerolog.Logger) *FearGreedSource {
	def := DefaultFearGreedConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	return &FearGreedSource{
		cfg:      cfg,
		agg:      agg,
		client:   resty.New().SetTimeout(10 * time.Second),
		logger:   logger.With().Str("component", "fear_greed").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start begins polling.
func (f *FearGreedSource) Start() {
	f.wg.Add(1)
	go f.loop()
}

// Stop halts polling.
func (f *FearGreedSource) Stop() {
	close(f.stopChan)
	f.wg.Wait()
}

func (f *FearGreedSource) loop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	f.poll()
	for {
		select {
		case <-f.stopChan:
			return
		case <-ticker.C:
			f.poll()
		}
	}
}

type fearGreedResponse struct {
	Data []struct {
		Value               string `json:"value"`
		ValueClassification string `json:"value_classification"`
		Timestamp           string `json:"timestamp"`
	} `json:"data"`
}

func (f *FearGreedSource) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	index, observed, err := f.fetch(ctx)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Fear & greed fetch failed")
		return
	}

	f.agg.Record(Sample{
		Score:      (float64(index) - 50) / 50,
		Source:     "fear_greed",
		ObservedAt: observed,
	})
	f.logger.Debug().Int("index", index).Msg("Fear & greed recorded")
}

func (f *FearGreedSource) fetch(ctx context.Context) (int, time.Time, error) {
	resp, err := f.client.R().SetContext(ctx).Get(f.cfg.URL)
	if err != nil {
		return 0, time.Time{}, err
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, time.Time{}, fmt.Errorf("fear & greed endpoint returned %d", resp.StatusCode())
	}

	var body fearGreedResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return 0, time.Time{}, fmt.Errorf("decode fear & greed response: %w", err)
	}
	if len(body.Data) == 0 {
		return 0, time.Time{}, fmt.Errorf("fear & greed response has no data")
	}

	index, err := strconv.Atoi(body.Data[0].Value)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse index value %q: %w", body.Data[0].Value, err)
	}

	observed := time.Now()
	if ts, err := strconv.ParseInt(body.Data[0].Timestamp, 10, 64); err == nil && ts > 0 {
		observed = time.Unix(ts, 0).UTC()
	}
	return index, observed, nil
}
