// Package formatter shapes raw pipeline stage results into the
// client-facing response structure.
package formatter

import (
	"github.com/samber/lo"

	"github.com/choruslabs/chorus-gateway/internal/models"
)

// Format builds the client response for a terminal pipeline run. Partial
// stage success is never an error; only a failed run carries one.
func Format(run *models.PipelineRun) models.AnalyzeResponse {
	resp := models.AnalyzeResponse{
		CorrelationID: run.CorrelationID,
		Success:       run.Completed(),
	}

	switch run.Outcome.Kind {
	case models.OutcomeCompleted:
		resp.Results = buildResults(run)
	case models.OutcomeFailedStage:
		resp.Error = "stage " + string(run.Outcome.FailedStage) + " failed: " + run.Outcome.Reason
	case models.OutcomeUnavailable, models.OutcomeCancelled:
		resp.Error = run.Outcome.Reason
	}
	return resp
}

func buildResults(run *models.PipelineRun) *models.Results {
	opts := run.Query.Options
	results := &models.Results{
		InitialResponse:       stageView(run.Initial, opts),
		PeerReviewAndRevision: stageView(run.PeerReview, opts),
	}

	if run.Synthesis != nil && len(run.Synthesis.Succeeded) > 0 {
		winner := run.Synthesis.Succeeded[0]
		results.UltraSynthesis = run.Synthesis.Outputs[winner].Text
		results.SynthesisModel = winner.String()
	}
	return results
}

// stageView maps a stage result to the wire shape, keyed by model string.
// Metadata (latency, score) is included only when requested.
func stageView(result *models.StageResult, opts models.Options) map[string]models.ModelView {
	if result == nil {
		return map[string]models.ModelView{}
	}
	pairs := lo.MapEntries(result.Outputs, func(m models.ModelIdentity, out models.ModelOutput) (string, models.ModelView) {
		view := models.ModelView{Text: out.Text}
		if opts.IncludeMetadata {
			view.LatencyMs = out.LatencyMs
			view.QualityScore = out.QualityScore
		}
		return m.String(), view
	})
	return pairs
}
