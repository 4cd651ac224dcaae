// mock-provider is an OpenAI-compatible upstream with failure injection,
// used to exercise the gateway locally: ?delay=<ms>, ?fail=<429|500|502|503|timeout>.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8001"
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/v1/chat/completions", handleChatCompletion)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	log.Infof("Mock provider starting on :%s", port)
	if err := r.Run(":" + port); err != nil {
		log.WithError(err).Fatal("Server exited")
	}
}

func handleChatCompletion(c *gin.Context) {
	delayStr := c.Query("delay")
	fail := c.Query("fail")

	log.WithFields(log.Fields{
		"delay": delayStr,
		"fail":  fail,
	}).Info("Received request")

	if delayStr != "" {
		if ms, err := strconv.Atoi(delayStr); err == nil && ms > 0 {
			time.Sleep(time.Duration(ms) * time.Millisecond)
		}
	}

	if fail != "" {
		handleFailure(c, fail)
		return
	}

	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"message": "invalid body", "type": "invalid_request_error"},
		})
		return
	}

	prompt := ""
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}

	c.JSON(http.StatusOK, gin.H{
		"choices": []gin.H{{
			"message": gin.H{
				"role":    "assistant",
				"content": fmt.Sprintf("Mock answer from %s to: %.80s", req.Model, prompt),
			},
		}},
		"usage": gin.H{
			"prompt_tokens":     len(prompt) / 4,
			"completion_tokens": 42,
		},
	})
}

func handleFailure(c *gin.Context, failType string) {
	log.Warnf("Simulating failure: %s", failType)

	switch failType {
	case "429":
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{"message": "Rate limit exceeded", "type": "rate_limit_error"},
		})
	case "401":
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"message": "Invalid API key", "type": "authentication_error"},
		})
	case "500":
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"message": "Internal server error", "type": "server_error"},
		})
	case "502":
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{"message": "Bad gateway", "type": "server_error"},
		})
	case "503":
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{"message": "Service temporarily unavailable", "type": "server_error"},
		})
	case "timeout":
		// Hold the connection long enough to trip any sane client timeout.
		time.Sleep(120 * time.Second)
		c.JSON(http.StatusOK, gin.H{})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"message": "Unknown failure mode: " + failType, "type": "server_error"},
		})
	}
}
