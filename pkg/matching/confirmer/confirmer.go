// Package confirmer implements the Match Confirmer (spec §4.6): an
// auto-match fast path when the top candidate clears auto_threshold (or
// arrived via the exact-code short-circuit), otherwise a single LLM
// call that chooses among the top candidates (or "none").
package confirmer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sds-orderproc/orderproc/pkg/matching"
	"github.com/sds-orderproc/orderproc/pkg/orderrors"
	"github.com/sds-orderproc/orderproc/pkg/ports"
)

// Thresholds carries the auto-match and review cutoffs (spec §4.6,
// configurable via internal/config.Thresholds).
type Thresholds struct {
	AutoThreshold   float64
	ReviewThreshold float64
}

// Confirmer decides, per line item, whether a retrieved candidate set
// becomes a Match via the fast path or via an LLM confirmation call.
type Confirmer struct {
	llm        ports.LLMProvider
	thresholds Thresholds
}

// New builds a Confirmer.
func New(llm ports.LLMProvider, thresholds Thresholds) *Confirmer {
	return &Confirmer{llm: llm, thresholds: thresholds}
}

var confirmSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"chosen_product_id": map[string]interface{}{"type": []string{"integer", "string"}},
		"rationale":         map[string]interface{}{"type": "string"},
	},
	"required": []string{"chosen_product_id"},
}

// Confirm turns candidates into a Match for one line item. An empty
// candidate set is a valid, non-error outcome: method=unmatched,
// requires_review=true.
func (c *Confirmer) Confirm(ctx context.Context, lineItemText string, candidates []matching.Candidate) (matching.Match, error) {
	if len(candidates) == 0 {
		return matching.Match{
			Candidates:     candidates,
			Method:         matching.MethodUnmatched,
			RequiresReview: true,
		}, nil
	}

	top := candidates[0]

	if top.Explain == "exact_code" || top.Score >= c.thresholds.AutoThreshold {
		method := matching.MethodSemanticToken
		if top.Explain == "exact_code" {
			method = matching.MethodExactCode
		}
		id := top.ProductID
		return matching.Match{
			Candidates:      candidates,
			ChosenProductID: &id,
			Confidence:      top.Score,
			Method:          method,
			RequiresReview:  false,
		}, nil
	}

	return c.confirmViaLLM(ctx, lineItemText, candidates)
}

func (c *Confirmer) confirmViaLLM(ctx context.Context, lineItemText string, candidates []matching.Candidate) (matching.Match, error) {
	prompt := buildConfirmPrompt(lineItemText, candidates)
	result, err := c.llm.Complete(ctx, prompt, confirmSchema, map[string]interface{}{"temperature": 0.0})
	if err != nil {
		return matching.Match{}, orderrors.FailedTo("confirm match via LLM", err)
	}

	chosenID, confidence, ok := parseConfirmResult(result, candidates)
	if !ok {
		return matching.Match{
			Candidates:     candidates,
			Method:         matching.MethodUnmatched,
			RequiresReview: true,
		}, nil
	}

	requiresReview := confidence < c.thresholds.ReviewThreshold
	return matching.Match{
		Candidates:      candidates,
		ChosenProductID: &chosenID,
		Confidence:      confidence,
		Method:          matching.MethodConfirmer,
		RequiresReview:  requiresReview,
	}, nil
}

func buildConfirmPrompt(lineItemText string, candidates []matching.Candidate) string {
	var b strings.Builder
	b.WriteString("Line item: ")
	b.WriteString(lineItemText)
	b.WriteString("\nCandidates:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id=%d score=%.3f (%s)\n", c.ProductID, c.Score, c.Explain)
	}
	b.WriteString("\nChoose the best matching candidate id, or \"none\" if none fit.")
	return b.String()
}

func parseConfirmResult(result map[string]interface{}, candidates []matching.Candidate) (id int, confidence float64, ok bool) {
	raw, exists := result["chosen_product_id"]
	if !exists {
		return 0, 0, false
	}
	if s, isStr := raw.(string); isStr && strings.EqualFold(strings.TrimSpace(s), "none") {
		return 0, 0, false
	}

	var chosen int
	switch v := raw.(type) {
	case float64:
		chosen = int(v)
	case int:
		chosen = v
	case string:
		var parsed json.Number
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			return 0, 0, false
		}
		f, err := parsed.Float64()
		if err != nil {
			return 0, 0, false
		}
		chosen = int(f)
	default:
		return 0, 0, false
	}

	for _, cand := range candidates {
		if cand.ProductID == chosen {
			return chosen, cand.Score, true
		}
	}
	return 0, 0, false
}
