package ops

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"mastertrade/internal/domain"
	"mastertrade/internal/store"
)

// handleStatus aggregates the state of every running component.
func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"time":   s.now().UTC(),
		"uptime": s.now().UTC().Sub(s.startedAt).Round(time.Second).String(),
	}
	if s.cache != nil {
		status["market_cache"] = s.cache.Stats()
	}
	if s.limiter != nil {
		status["ratelimit"] = s.limiter.Stats()
	}
	if s.riskSvc != nil {
		status["risk"] = s.riskSvc.Stats()
	}
	if s.monitor != nil {
		status["arbitrage"] = s.monitor.Stats()
	}
	if s.generation != nil {
		jobs := s.generation.Jobs()
		running := 0
		for i := range jobs {
			switch jobs[i].Status {
			case domain.JobStatusPending, domain.JobStatusGenerating, domain.JobStatusBacktesting:
				running++
			}
		}
		status["generation"] = map[string]interface{}{"jobs": len(jobs), "running": running}
	}
	if s.indicators != nil {
		status["indicators"] = s.indicators.Stats()
	}
	if s.gw != nil {
		status["orders"] = s.gw.Stats()
	}
	successResponse(c, status)
}

func (s *Server) handleRateLimit(c *gin.Context) {
	if s.limiter == nil {
		errorResponse(c, http.StatusServiceUnavailable, "rate limiter not running")
		return
	}
	successResponse(c, s.limiter.Stats())
}

func (s *Server) handleRisk(c *gin.Context) {
	if s.riskSvc == nil {
		errorResponse(c, http.StatusServiceUnavailable, "risk service not running")
		return
	}
	successResponse(c, s.riskSvc.Stats())
}

// handleRiskMetrics returns the last computed portfolio metrics.
func (s *Server) handleRiskMetrics(c *gin.Context) {
	if s.portfolio == nil {
		errorResponse(c, http.StatusServiceUnavailable, "portfolio controller not running")
		return
	}
	m := s.portfolio.Last()
	if m == nil {
		errorResponse(c, http.StatusNotFound, "no portfolio metrics computed yet")
		return
	}
	successResponse(c, m)
}

func (s *Server) handleOpportunities(c *gin.Context) {
	if s.monitor == nil {
		errorResponse(c, http.StatusServiceUnavailable, "arbitrage monitor not running")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		errorResponse(c, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	opps, err := s.monitor.Opportunities(c.Request.Context(), c.Query("pair"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Opportunity query failed")
		errorResponse(c, http.StatusInternalServerError, "opportunity query failed")
		return
	}
	successResponse(c, opps)
}

// handleStrategies lists stored strategies, optionally filtered to the
// active set with ?active=true.
func (s *Server) handleStrategies(c *gin.Context) {
	if s.st == nil {
		errorResponse(c, http.StatusServiceUnavailable, "store not available")
		return
	}

	q := store.Query{OrderBy: "created_at", Descending: true}
	docs, err := s.st.Query(c.Request.Context(), store.ContainerStrategies, q)
	if err != nil {
		s.logger.Error().Err(err).Msg("Strategy query failed")
		errorResponse(c, http.StatusInternalServerError, "strategy query failed")
		return
	}

	activeOnly := strings.EqualFold(c.Query("active"), "true")
	out := make([]domain.Strategy, 0, len(docs))
	for _, doc := range docs {
		var st domain.Strategy
		if err := store.Decode(doc, &st); err != nil {
			continue
		}
		if activeOnly && !st.IsActive {
			continue
		}
		out = append(out, st)
	}
	successResponse(c, out)
}

type generationRequest struct {
	Count int      `json:"count"`
	Types []string `json:"types,omitempty"`
}

// handleStartGeneration launches a strategy-generation job.
func (s *Server) handleStartGeneration(c *gin.Context) {
	if s.generation == nil {
		errorResponse(c, http.StatusServiceUnavailable, "generation manager not running")
		return
	}
	var req generationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}

	jobID, err := s.generation.StartGenerationJob(c.Request.Context(), req.Count, req.Types)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "data": gin.H{"job_id": jobID}})
}

func (s *Server) handleGenerationJob(c *gin.Context) {
	if s.generation == nil {
		errorResponse(c, http.StatusServiceUnavailable, "generation manager not running")
		return
	}
	jobID := c.Param("id")
	job, ok := s.generation.Job(jobID)
	if !ok {
		errorResponse(c, http.StatusNotFound, "job not found")
		return
	}
	successResponse(c, job)
}

func (s *Server) handleIndicatorConfigs(c *gin.Context) {
	if s.indicators == nil {
		errorResponse(c, http.StatusServiceUnavailable, "indicator manager not running")
		return
	}
	successResponse(c, s.indicators.Configs())
}
