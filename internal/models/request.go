package models

import "time"

// ModelIdentity names one model endpoint offered by a provider.
// It is used as a map key across the adapter, health and pipeline layers.
type ModelIdentity struct {
	Provider string `json:"provider"` // "openai", "anthropic", "google"
	Name     string `json:"model_name"`
}

func (m ModelIdentity) String() string {
	return m.Provider + "/" + m.Name
}

// Options is the per-request output options bag.
type Options struct {
	IncludeStageDetails bool `json:"include_stage_details,omitempty"`
	IncludeMetadata     bool `json:"include_metadata,omitempty"`
}

// Query is the immutable input for one orchestration request: the user
// prompt, the ordered roster of selected models and the output options.
type Query struct {
	Text    string
	Roster  []ModelIdentity
	Options Options
}

// AnalyzeRequest is the inbound body for POST /orchestrator/analyze.
type AnalyzeRequest struct {
	Query          string   `json:"query"`
	SelectedModels []string `json:"selected_models"`
	Options        Options  `json:"options"`
}

// AnalyzeResponse is the final response to the client.
type AnalyzeResponse struct {
	Success       bool     `json:"success"`
	CorrelationID string   `json:"correlation_id"`
	Results       *Results `json:"results,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Results holds the client-facing view of the three pipeline stages.
type Results struct {
	InitialResponse       map[string]ModelView `json:"initial_response"`
	PeerReviewAndRevision map[string]ModelView `json:"peer_review_and_revision"`
	UltraSynthesis        string               `json:"ultra_synthesis"`
	SynthesisModel        string               `json:"synthesis_model,omitempty"`
}

// ModelView is one model's contribution to a stage as shown to the client.
type ModelView struct {
	Text         string  `json:"text"`
	LatencyMs    int64   `json:"latency_ms,omitempty"`
	QualityScore float64 `json:"quality_score,omitempty"`
}

// ModelOutput is one successful model generation within a stage.
type ModelOutput struct {
	Model        ModelIdentity `json:"model"`
	Text         string        `json:"text"`
	Latency      time.Duration `json:"-"`
	LatencyMs    int64         `json:"latency_ms"`
	QualityScore float64       `json:"quality_score"`
}
