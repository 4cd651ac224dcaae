package models

// Stage identifies one phase of the orchestration pipeline.
type Stage string

const (
	StageNotStarted      Stage = "not_started"
	StageInitialResponse Stage = "initial_response"
	StagePeerReview      Stage = "peer_review_and_revision"
	StageUltraSynthesis  Stage = "ultra_synthesis"
	StageCompleted       Stage = "completed"
	StageFailed          Stage = "failed"
)

// OutcomeKind is the terminal outcome of a pipeline run.
type OutcomeKind string

const (
	OutcomeCompleted   OutcomeKind = "completed"
	OutcomeFailedStage OutcomeKind = "failed_stage"
	OutcomeUnavailable OutcomeKind = "unavailable"
	OutcomeCancelled   OutcomeKind = "cancelled"
)

// Outcome describes how a pipeline run ended.
type Outcome struct {
	Kind        OutcomeKind `json:"kind"`
	FailedStage Stage       `json:"failed_stage,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// StageResult is the immutable product of one completed stage: successful
// outputs and failure reasons keyed by model, plus the models that
// succeeded in roster order.
type StageResult struct {
	Stage     Stage
	Outputs   map[ModelIdentity]ModelOutput
	Failures  map[ModelIdentity]string
	Succeeded []ModelIdentity
}

// Output returns the output for a model if it succeeded in this stage.
func (r *StageResult) Output(m ModelIdentity) (ModelOutput, bool) {
	out, ok := r.Outputs[m]
	return out, ok
}

// PipelineRun is the mutable aggregate for one request. It is owned
// exclusively by the goroutine driving the request; nothing else mutates it.
type PipelineRun struct {
	CorrelationID string
	Query         Query
	Stage         Stage
	Initial       *StageResult
	PeerReview    *StageResult
	Synthesis     *StageResult
	Outcome       Outcome
}

// NewPipelineRun creates a run in the not_started state.
func NewPipelineRun(correlationID string, q Query) *PipelineRun {
	return &PipelineRun{
		CorrelationID: correlationID,
		Query:         q,
		Stage:         StageNotStarted,
	}
}

// Completed reports whether the run reached the completed state.
func (r *PipelineRun) Completed() bool {
	return r.Outcome.Kind == OutcomeCompleted
}
