package pipeline

import (
	"sort"
	"time"

	"github.com/choruslabs/chorus-gateway/internal/models"
)

// Scorer assigns a pluggable quality score to one model output.
type Scorer interface {
	Score(text string, latency time.Duration) float64
}

// LengthScorer is the default heuristic: longer answers score higher with
// diminishing returns, and slow answers are penalized slightly. It exists
// only to give the synthesis selector a usable ordering.
type LengthScorer struct{}

func (LengthScorer) Score(text string, latency time.Duration) float64 {
	length := float64(len(text))
	if length > 4000 {
		length = 4000
	}
	score := length / 4000

	penalty := latency.Seconds() / 120
	if penalty > 0.2 {
		penalty = 0.2
	}
	return score * (1 - penalty)
}

// SelectionStrategy orders synthesis candidates, best first.
type SelectionStrategy interface {
	Order(result *models.StageResult) []models.ModelIdentity
}

// ScoreOrdered is the default strategy: quality score descending, with the
// stage's roster order breaking ties. When scores are absent (all zero)
// this degrades to plain roster order, i.e. first available.
type ScoreOrdered struct{}

func (ScoreOrdered) Order(result *models.StageResult) []models.ModelIdentity {
	out := append([]models.ModelIdentity(nil), result.Succeeded...)
	sort.SliceStable(out, func(i, j int) bool {
		return result.Outputs[out[i]].QualityScore > result.Outputs[out[j]].QualityScore
	})
	return out
}
