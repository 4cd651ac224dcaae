package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/choruslabs/chorus-gateway/internal/cache"
	"github.com/choruslabs/chorus-gateway/internal/formatter"
	"github.com/choruslabs/chorus-gateway/internal/health"
	"github.com/choruslabs/chorus-gateway/internal/models"
	"github.com/choruslabs/chorus-gateway/internal/validator"
)

// Runner drives one pipeline run to its terminal state.
type Runner interface {
	Run(ctx context.Context, correlationID string, q models.Query) *models.PipelineRun
}

// AvailabilitySource exposes the gateway availability verdict.
type AvailabilitySource interface {
	Availability() health.Availability
}

// Publisher is the slice of the event bus the handler writes to.
type Publisher interface {
	Publish(correlationID, name string, payload interface{})
	Release(correlationID string)
}

// Handler handles HTTP requests for the orchestrator.
type Handler struct {
	runner     Runner
	health     AvailabilitySource
	bus        Publisher
	cache      cache.Cache
	cacheTTL   time.Duration
	modelIndex map[string]string
}

// NewHandler creates a Handler. cache may be nil to disable result caching.
func NewHandler(runner Runner, h AvailabilitySource, bus Publisher, store cache.Cache, cacheTTL time.Duration, modelIndex map[string]string) *Handler {
	return &Handler{
		runner:     runner,
		health:     h,
		bus:        bus,
		cache:      store,
		cacheTTL:   cacheTTL,
		modelIndex: modelIndex,
	}
}

// Analyze handles POST /orchestrator/analyze.
func (h *Handler) Analyze(c *gin.Context) {
	correlationID := c.GetString("correlation_id")

	// Whatever happens below, the event queue must not outlive the request
	// by more than the retention window. A stream that sees the terminal
	// event releases it sooner.
	defer h.bus.Release(correlationID)

	var req models.AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.WithFields(log.Fields{
			"correlation_id": correlationID,
			"error":          err.Error(),
			"event":          "parse_error",
		}).Warn("Failed to parse request body")

		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"type":    "invalid_request",
				"message": "Failed to parse request body: " + err.Error(),
			},
		})
		return
	}

	roster, err := validator.ValidateRequest(&req, h.modelIndex)
	if err != nil {
		log.WithFields(log.Fields{
			"correlation_id": correlationID,
			"error":          err.Error(),
			"event":          "validation_failed",
		}).Warn("Request validation failed")

		var validErrs *validator.ValidationErrors
		if errors.As(err, &validErrs) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{
					"type":    "validation_error",
					"message": "Request validation failed",
					"details": validErrs.Errors,
				},
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"type": "validation_error", "message": err.Error()},
		})
		return
	}

	query := models.Query{Text: req.Query, Roster: roster, Options: req.Options}

	if resp, ok := h.cachedResponse(c.Request.Context(), correlationID, query); ok {
		resp.CorrelationID = correlationID
		c.JSON(http.StatusOK, resp)
		return
	}

	h.bus.Publish(correlationID, "analysis_start", map[string]interface{}{
		"query_length": len(req.Query),
		"models":       req.SelectedModels,
	})
	for _, m := range roster {
		h.bus.Publish(correlationID, "model_selected", map[string]interface{}{"model": m.String()})
	}
	h.bus.Publish(correlationID, "initial_start", nil)

	run := h.runner.Run(c.Request.Context(), correlationID, query)

	switch run.Outcome.Kind {
	case models.OutcomeUnavailable:
		av := h.health.Availability()
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"detail":            run.Outcome.Reason,
			"providers_present": av.ProvidersPresent,
		})
		return

	case models.OutcomeFailedStage:
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{
				"type":    "stage_failure",
				"message": formatter.Format(run).Error,
			},
		})
		return

	case models.OutcomeCancelled:
		// Client is gone; status code is best-effort.
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{"type": "cancelled", "message": "request cancelled"},
		})
		return
	}

	for _, m := range run.Initial.Succeeded {
		h.bus.Publish(correlationID, "model_completed", map[string]interface{}{"model": m.String()})
	}
	h.bus.Publish(correlationID, "analysis_complete", map[string]interface{}{
		"synthesis_model": run.Synthesis.Succeeded[0].String(),
	})

	resp := formatter.Format(run)
	h.storeResponse(c.Request.Context(), correlationID, query, resp)

	log.WithFields(log.Fields{
		"correlation_id": correlationID,
		"models":         len(run.Initial.Succeeded),
		"event":          "success",
	}).Info("Analysis successful")

	c.JSON(http.StatusOK, resp)
}

// Status handles GET /orchestrator/status.
func (h *Handler) Status(c *gin.Context) {
	av := h.health.Availability()
	c.JSON(http.StatusOK, gin.H{
		"status":            string(av.Status),
		"service_available": av.Status != health.GatewayUnavailable,
		"message":           av.Message,
		"providers_present": av.ProvidersPresent,
		"providers_down":    av.ProvidersDown,
	})
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// cachedResponse consults the result cache for an identical query+roster.
func (h *Handler) cachedResponse(ctx context.Context, correlationID string, q models.Query) (models.AnalyzeResponse, bool) {
	var resp models.AnalyzeResponse
	if h.cache == nil {
		return resp, false
	}

	raw, hit, err := h.cache.Get(ctx, cache.Key(q.Text, q.Roster))
	if err != nil {
		log.WithFields(log.Fields{
			"correlation_id": correlationID,
			"error":          err.Error(),
			"event":          "cache_error",
		}).Warn("Cache lookup failed")
		return resp, false
	}
	if !hit {
		return resp, false
	}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return models.AnalyzeResponse{}, false
	}

	log.WithFields(log.Fields{
		"correlation_id": correlationID,
		"event":          "cache_hit",
	}).Info("Serving cached analysis")
	return resp, true
}

func (h *Handler) storeResponse(ctx context.Context, correlationID string, q models.Query, resp models.AnalyzeResponse) {
	if h.cache == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := h.cache.Set(ctx, cache.Key(q.Text, q.Roster), string(raw), h.cacheTTL); err != nil {
		log.WithFields(log.Fields{
			"correlation_id": correlationID,
			"error":          err.Error(),
			"event":          "cache_error",
		}).Warn("Cache store failed")
	}
}
