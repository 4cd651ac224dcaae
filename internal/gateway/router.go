package gateway

import (
	"github.com/gin-gonic/gin"

	"github.com/choruslabs/chorus-gateway/internal/events"
	"github.com/choruslabs/chorus-gateway/internal/metrics"
)

// NewRouter builds the gin engine with middleware and all routes.
func NewRouter(h *Handler, bus *events.Bus, apiKeys []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CorrelationIDMiddleware())
	r.Use(LoggingMiddleware())

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	orch := r.Group("/orchestrator")
	orch.Use(AuthMiddleware(apiKeys))
	{
		orch.POST("/analyze", h.Analyze)
		orch.GET("/status", h.Status)
		orch.GET("/events", h.EventStream(bus))
	}

	return r
}
