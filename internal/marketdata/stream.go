package marketdata

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"mastertrade/internal/domain"
	"mastertrade/internal/messaging"
)

// StreamConfig holds WebSocket feed settings.
type StreamConfig struct {
	URL     string   `json:"url"`
	Venue   string   `json:"venue"`
	Symbols []string `json:"symbols"`
}

// StreamFeed keeps one WebSocket subscription to a combined ticker
// stream and writes every tick into the cache. Lost connections are
// re-dialed with a doubling delay capped at 30s.
type StreamFeed struct {
	cfg    StreamConfig
	cache  *Cache
	fabric *messaging.Fabric
	logger zerolog.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	isRunning  bool
	reconnects int
	lastTick   time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewStreamFeed creates a stream feed. fabric may be nil to disable
// price re-broadcast.
func NewStreamFeed(cfg StreamConfig, cache *Cache, fabric *messaging.Fabric, logger zerolog.Logger) *StreamFeed {
	if cfg.Venue == "" {
		cfg.Venue = "binance"
	}
	return &StreamFeed{
		cfg:      cfg,
		cache:    cache,
		fabric:   fabric,
		logger:   logger.With().Str("component", "market_stream").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start begins the connection loop.
func (s *StreamFeed) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.connectLoop()
}

// Stop closes the stream and waits for the read loop to exit.
func (s *StreamFeed) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Market stream stopped")
}

// IsRunning reports whether the feed is active.
func (s *StreamFeed) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Stats returns feed state for the status endpoint.
func (s *StreamFeed) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"running":    s.isRunning,
		"connected":  s.conn != nil,
		"reconnects": s.reconnects,
		"symbols":    len(s.cfg.Symbols),
		"last_tick":  s.lastTick,
	}
}

func (s *StreamFeed) streamURL() string {
	streams := make([]string, 0, len(s.cfg.Symbols))
	for _, sym := range s.cfg.Symbols {
		streams = append(streams, strings.ToLower(sym)+"@ticker")
	}
	return s.cfg.URL + "/stream?streams=" + strings.Join(streams, "/")
}

func (s *StreamFeed) connectLoop() {
	defer s.wg.Done()

	wsURL := s.streamURL()
	delay := time.Second

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Stream connection failed")
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()

			select {
			case <-s.stopChan:
				return
			case <-time.After(delay):
			}
			if delay *= 2; delay > 30*time.Second {
				delay = 30 * time.Second
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		delay = time.Second
		s.logger.Info().Int("symbols", len(s.cfg.Symbols)).Msg("Market stream connected")

		s.readLoop(conn)

		s.mu.Lock()
		s.conn = nil
		running := s.isRunning
		s.mu.Unlock()
		if !running {
			return
		}
		s.logger.Warn().Msg("Market stream connection lost, reconnecting")
	}
}

func (s *StreamFeed) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("Stream read error")
			}
			return
		}
		s.handleMessage(message)
	}
}

type tickerEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType   string    `json:"e"`
		Symbol      string    `json:"s"`
		LastPrice   flexFloat `json:"c"`
		BestBid     flexFloat `json:"b"`
		BestAsk     flexFloat `json:"a"`
		QuoteVolume flexFloat `json:"q"`
	} `json:"data"`
}

func (s *StreamFeed) handleMessage(message []byte) {
	var event tickerEvent
	if err := json.Unmarshal(message, &event); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to parse stream message")
		return
	}
	if event.Data.Symbol == "" || event.Data.LastPrice == 0 {
		return
	}

	point := domain.PricePoint{
		Kind:      domain.MarketKindCEX,
		Venue:     s.cfg.Venue,
		Symbol:    event.Data.Symbol,
		Price:     float64(event.Data.LastPrice),
		Bid:       float64(event.Data.BestBid),
		Ask:       float64(event.Data.BestAsk),
		Volume24h: float64(event.Data.QuoteVolume),
		Timestamp: time.Now(),
	}
	s.cache.Set(point)

	s.mu.Lock()
	s.lastTick = point.Timestamp
	s.mu.Unlock()

	if s.fabric != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.fabric.Publish(ctx, messaging.ExchangePortfolioUpdates, messaging.MarketPriceKey(point.Symbol), point)
		cancel()
		if err != nil {
			s.logger.Debug().Err(err).Str("symbol", point.Symbol).Msg("Price broadcast failed")
		}
	}
}
