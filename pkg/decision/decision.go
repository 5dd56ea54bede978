// Package decision combines the four SRI sub-scores into the composite and
// applies the verdict rules.
package decision

import (
	"fmt"
	"math"

	"github.com/psc0des/sentinellayer/pkg/models"
)

type Engine struct {
	Weights    models.Weights
	Thresholds models.Thresholds
}

func New(weights models.Weights, thresholds models.Thresholds) *Engine {
	return &Engine{Weights: weights, Thresholds: thresholds}
}

// Outcome is the engine's contribution to a verdict.
type Outcome struct {
	Decision models.Decision
	SRI      models.SRI
	Reason   string
}

// Decide computes the weighted composite and applies the verdict rules in
// order: critical-violation override, auto-approve band, human-review band,
// deny.
func (e *Engine) Decide(sub models.SubResults) Outcome {
	sri := models.SRI{
		Infrastructure: clamp(sub.BlastRadius.Score),
		Policy:         clamp(sub.Policy.Score),
		Historical:     clamp(sub.Historical.Score),
		Cost:           clamp(sub.Financial.Score),
	}
	composite := clamp(round2(
		sri.Infrastructure*e.Weights.Infrastructure +
			sri.Policy*e.Weights.Policy +
			sri.Historical*e.Weights.Historical +
			sri.Cost*e.Weights.Cost))

	if sub.Policy.HasCriticalViolation {
		// Forced denial ranks above the review band so dashboards sort it
		// with the other denials.
		floor := e.Thresholds.HumanReview + 1
		if composite < floor {
			composite = floor
		}
		sri.Composite = clamp(composite)
		return Outcome{
			Decision: models.DecisionDenied,
			SRI:      sri,
			Reason: fmt.Sprintf(
				"DENIED: critical policy violation %s blocks execution regardless of the composite score (SRI %.1f, highest dimension %s).",
				firstCritical(sub.Policy.Violations), sri.Composite, highestDimension(sri)),
		}
	}

	sri.Composite = composite
	violationNote := ""
	if len(sub.Policy.Violations) > 0 {
		violationNote = fmt.Sprintf(" First violation: %s.", sub.Policy.Violations[0].PolicyID)
	}

	switch {
	case composite <= e.Thresholds.AutoApprove:
		return Outcome{
			Decision: models.DecisionApproved,
			SRI:      sri,
			Reason: fmt.Sprintf(
				"APPROVED: SRI composite %.1f is within the auto-approve threshold (<= %.0f); highest dimension %s.%s",
				composite, e.Thresholds.AutoApprove, highestDimension(sri), violationNote),
		}
	case composite <= e.Thresholds.HumanReview:
		return Outcome{
			Decision: models.DecisionEscalated,
			SRI:      sri,
			Reason: fmt.Sprintf(
				"ESCALATED: SRI composite %.1f requires human review (band %.0f-%.0f); highest dimension %s.%s",
				composite, e.Thresholds.AutoApprove, e.Thresholds.HumanReview, highestDimension(sri), violationNote),
		}
	default:
		return Outcome{
			Decision: models.DecisionDenied,
			SRI:      sri,
			Reason: fmt.Sprintf(
				"DENIED: SRI composite %.1f exceeds the denial threshold of %.0f; highest dimension %s.%s",
				composite, e.Thresholds.HumanReview, highestDimension(sri), violationNote),
		}
	}
}

func firstCritical(violations []models.PolicyViolation) string {
	for _, v := range violations {
		if v.Severity == models.SeverityCritical {
			return v.PolicyID
		}
	}
	return "unknown"
}

func highestDimension(sri models.SRI) string {
	name, best := "infrastructure", sri.Infrastructure
	if sri.Policy > best {
		name, best = "policy", sri.Policy
	}
	if sri.Historical > best {
		name, best = "historical", sri.Historical
	}
	if sri.Cost > best {
		name = "cost"
	}
	return name
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
