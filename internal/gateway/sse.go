package gateway

import (
	"io"
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/choruslabs/chorus-gateway/internal/events"
)

// Subscriber is the slice of the event bus the SSE endpoint reads from.
type Subscriber interface {
	Subscribe(correlationID string) (<-chan events.Event, func())
	Close(correlationID string)
}

// EventStream handles GET /orchestrator/events?correlation_id=<id>.
//
// Named events are framed as
//
//	event: <name>
//	data: {"event":<name>,"data":<payload>}
//
// while heartbeats are a bare data frame with no event line. The first
// frame is always a connected event.
func (h *Handler) EventStream(bus Subscriber) gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.Query("correlation_id")
		if correlationID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{
					"type":    "validation_error",
					"message": "correlation_id query parameter is required",
				},
			})
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Correlation-ID", correlationID)

		ch, cancel := bus.Subscribe(correlationID)
		defer cancel()

		log.WithFields(log.Fields{
			"correlation_id": correlationID,
			"event":          "stream_opened",
		}).Info("Event stream opened")

		terminal := false
		c.Stream(func(w io.Writer) bool {
			if !c.GetBool("sse_connected") {
				c.Set("sse_connected", true)
				writeFrame(w, events.Event{CorrelationID: correlationID, Name: "connected"})
				return true
			}

			select {
			case <-c.Request.Context().Done():
				return false
			case e, ok := <-ch:
				if !ok {
					return false
				}
				writeFrame(w, e)
				if isTerminal(e.Name) {
					terminal = true
					return false
				}
				return true
			}
		})

		// The queue is garbage-collected once the stream saw the run end.
		if terminal {
			bus.Close(correlationID)
		}

		log.WithFields(log.Fields{
			"correlation_id": correlationID,
			"event":          "stream_closed",
		}).Info("Event stream closed")
	}
}

func writeFrame(w io.Writer, e events.Event) {
	if e.IsHeartbeat() {
		// No event line; consumers must tolerate both shapes.
		sse.Encode(w, sse.Event{ //nolint:errcheck
			Data: map[string]interface{}{"event": "heartbeat"},
		})
		return
	}
	sse.Encode(w, sse.Event{ //nolint:errcheck
		Event: e.Name,
		Data: map[string]interface{}{
			"event": e.Name,
			"data":  e.Payload,
		},
	})
}

func isTerminal(name string) bool {
	switch name {
	case "analysis_complete", "service_unavailable", "pipeline_failed":
		return true
	}
	return false
}
