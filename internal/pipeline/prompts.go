package pipeline

import (
	"fmt"
	"strings"

	"github.com/choruslabs/chorus-gateway/internal/models"
)

// peerReviewPrompt asks a model to revise its own answer in light of the
// other models' answers. The model never sees its own answer listed as a
// peer perspective.
func peerReviewPrompt(query, own string, peers []models.ModelOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original question:\n%s\n\n", query)
	fmt.Fprintf(&b, "Your earlier answer:\n%s\n\n", own)
	b.WriteString("Other assistants answered the same question:\n\n")
	for i, p := range peers {
		fmt.Fprintf(&b, "Answer %d:\n%s\n\n", i+1, p.Text)
	}
	b.WriteString("Considering these peer perspectives, produce a revised, improved answer to the original question.")
	return b.String()
}

// synthesisPrompt gives the chosen model the original question plus every
// surviving answer and asks for one final synthesis.
func synthesisPrompt(query string, result *models.StageResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original question:\n%s\n\n", query)
	b.WriteString("Candidate answers from multiple assistants:\n\n")
	for i, m := range result.Succeeded {
		fmt.Fprintf(&b, "Answer %d:\n%s\n\n", i+1, result.Outputs[m].Text)
	}
	b.WriteString("Synthesize these into a single, comprehensive final answer.")
	return b.String()
}
