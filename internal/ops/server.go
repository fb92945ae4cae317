// Package ops serves the operator API: REST endpoints over the
// platform's services, a Prometheus scrape target and a websocket
// stream of bus events. All /api/v1 routes except the token exchange
// require a bearer token.
package ops

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"mastertrade/internal/arbitrage"
	"mastertrade/internal/events"
	"mastertrade/internal/gateway"
	"mastertrade/internal/indicator"
	"mastertrade/internal/lifecycle"
	"mastertrade/internal/marketdata"
	"mastertrade/internal/metrics"
	"mastertrade/internal/ratelimit"
	"mastertrade/internal/risk"
	"mastertrade/internal/store"
)

// Config holds the ops server settings.
type Config struct {
	Host            string
	Port            int
	AllowedOrigins  []string
	JWTSecret       string
	AdminSecretHash string
	TokenDuration   time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

// DefaultConfig returns the settings used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8090,
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8090"},
		TokenDuration:  24 * time.Hour,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
	}
}

// Server hosts the operator API. Every collaborator except cfg may be
// nil; endpoints backed by a missing component answer 503.
type Server struct {
	cfg        Config
	router     *gin.Engine
	httpServer *http.Server
	minter     *TokenMinter
	hub        *hub

	st         store.Store
	bus        *events.EventBus
	metrics    *metrics.Metrics
	limiter    *ratelimit.Limiter
	cache      *marketdata.Cache
	riskSvc    *risk.Service
	portfolio  *risk.PortfolioController
	monitor    *arbitrage.Monitor
	generation *lifecycle.GenerationManager
	indicators *indicator.Manager
	gw         *gateway.Gateway

	logger    zerolog.Logger
	now       func() time.Time
	startedAt time.Time
}

// NewServer builds the router and starts the websocket hub. Call Start
// to begin serving and Shutdown to stop.
func NewServer(
	cfg Config,
	st store.Store,
	bus *events.EventBus,
	m *metrics.Metrics,
	limiter *ratelimit.Limiter,
	cache *marketdata.Cache,
	riskSvc *risk.Service,
	portfolio *risk.PortfolioController,
	monitor *arbitrage.Monitor,
	generation *lifecycle.GenerationManager,
	indicators *indicator.Manager,
	gw *gateway.Gateway,
	logger zerolog.Logger,
) *Server {
	def := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Port <= 0 {
		cfg.Port = def.Port
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = def.AllowedOrigins
	}
	if cfg.TokenDuration <= 0 {
		cfg.TokenDuration = def.TokenDuration
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	log := logger.With().Str("component", "ops_api").Logger()

	s := &Server{
		cfg:        cfg,
		minter:     NewTokenMinter(cfg.JWTSecret, cfg.TokenDuration),
		hub:        newHub(log),
		st:         st,
		bus:        bus,
		metrics:    m,
		limiter:    limiter,
		cache:      cache,
		riskSvc:    riskSvc,
		portfolio:  portfolio,
		monitor:    monitor,
		generation: generation,
		indicators: indicators,
		gw:         gw,
		logger:     log,
		now:        time.Now,
	}
	s.startedAt = s.now().UTC()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		// cors.New panics on credentials combined with a wildcard origin.
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	router.Use(cors.New(corsConfig))

	s.router = router
	s.setupRoutes()

	if s.bus != nil {
		s.bus.SubscribeAll(s.hub.broadcastEvent)
	}
	go s.hub.run()

	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}
	s.router.POST("/api/v1/auth/token", s.handleToken)
	s.router.GET("/ws", s.authMiddleware(), s.handleWS)

	api := s.router.Group("/api/v1")
	api.Use(s.authMiddleware())
	{
		api.GET("/status", s.handleStatus)
		api.GET("/ratelimit", s.handleRateLimit)
		api.GET("/risk", s.handleRisk)
		api.GET("/risk/metrics", s.handleRiskMetrics)
		api.GET("/arbitrage/opportunities", s.handleOpportunities)
		api.GET("/strategies", s.handleStrategies)
		api.POST("/generation", s.handleStartGeneration)
		api.GET("/generation/:id", s.handleGenerationJob)
		api.GET("/indicator/configs", s.handleIndicatorConfigs)
	}
}

// Start serves HTTP until Shutdown is called. It blocks; run it on its
// own goroutine.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Ops API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Shutdown stops the websocket hub and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.stop()
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	s.logger.Info().Msg("Ops API stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.st != nil {
		if err := s.st.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": s.now().UTC()})
}

func errorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"error": true, "message": message})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}
