// Package billing defines the usage-recording collaborator contract. The
// gateway only emits records; persistence belongs to an external system.
package billing

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// UsageRecord is one billable adapter call.
type UsageRecord struct {
	RequestID string  `json:"request_id"`
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	Cost      float64 `json:"cost"`
}

// Recorder accepts usage records. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ctx context.Context, rec UsageRecord) error
}

// LogRecorder writes usage records to the structured log. It is the
// default until a persistence-backed recorder is plugged in.
type LogRecorder struct{}

func (LogRecorder) Record(_ context.Context, rec UsageRecord) error {
	log.WithFields(log.Fields{
		"request_id": rec.RequestID,
		"provider":   rec.Provider,
		"model":      rec.Model,
		"tokens_in":  rec.TokensIn,
		"tokens_out": rec.TokensOut,
		"cost":       rec.Cost,
		"event":      "usage_recorded",
	}).Info("Usage recorded")
	return nil
}
