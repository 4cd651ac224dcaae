package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// CorrelationIDMiddleware attaches a correlation id to each request. A
// client-supplied X-Correlation-ID is honored so a caller can open the
// event stream before posting the analyze request; otherwise one is
// generated: "req_a1b2c3d4".
func CorrelationIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = "req_" + uuid.New().String()[:8]
		}

		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// LoggingMiddleware logs request start/end with timing.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		correlationID := c.GetString("correlation_id")

		log.WithFields(log.Fields{
			"correlation_id": correlationID,
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"event":          "started",
		}).Info("Request started")

		c.Next()

		log.WithFields(log.Fields{
			"correlation_id": correlationID,
			"status":         c.Writer.Status(),
			"latency_ms":     time.Since(start).Milliseconds(),
			"event":          "completed",
		}).Info("Request completed")
	}
}

// AuthMiddleware enforces the authentication collaborator contract: when
// API keys are configured, a bearer token must match one and the verified
// principal is attached to the request. With no keys configured every
// request passes as anonymous.
func AuthMiddleware(apiKeys []string) gin.HandlerFunc {
	keys := make(map[string]bool, len(apiKeys))
	for _, k := range apiKeys {
		keys[k] = true
	}

	return func(c *gin.Context) {
		if len(keys) == 0 {
			c.Set("principal", "anonymous")
			c.Next()
			return
		}

		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" || !keys[token] {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"type":    "auth_error",
					"message": "missing or invalid API key",
				},
			})
			return
		}

		prefix := token
		if len(prefix) > 4 {
			prefix = prefix[:4]
		}
		c.Set("principal", "key:"+prefix)
		c.Next()
	}
}
