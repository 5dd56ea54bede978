// Package policyeval computes the SRI:Policy dimension by matching every
// governance policy predicate against the proposed action.
package policyeval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/psc0des/sentinellayer/pkg/models"
	"github.com/psc0des/sentinellayer/pkg/policyir"
	"github.com/psc0des/sentinellayer/pkg/topology"
)

// Severity contribution of one fired policy to the raw score.
var severityWeight = map[models.Severity]float64{
	models.SeverityCritical: 100,
	models.SeverityHigh:     40,
	models.SeverityMedium:   20,
	models.SeverityLow:      10,
}

type Evaluator struct {
	Policies []policyir.Policy
	Topology *topology.Store

	// now overrides the clock when the action carries no timestamp; tests
	// pin it to exercise change windows.
	now func() time.Time
}

func New(policies []policyir.Policy, store *topology.Store) *Evaluator {
	return &Evaluator{Policies: policies, Topology: store, now: time.Now}
}

// Evaluate fires every policy predicate against the action and aggregates
// the violation severities into the 0-100 score.
func (e *Evaluator) Evaluate(ctx context.Context, action *models.ProposedAction) (models.PolicyResult, error) {
	if err := ctx.Err(); err != nil {
		return models.PolicyResult{}, err
	}
	resource := e.Topology.Find(action.Target.ResourceID)
	in := policyir.EvalInput{
		Action:   action,
		Resource: resource,
		Tags:     resourceTags(action, resource),
		Now:      e.evalTime(action),
	}

	violations := []models.PolicyViolation{}
	hasCritical := false
	for _, pol := range e.Policies {
		fired, rationale := pol.Predicate.Eval(in)
		if !fired {
			continue
		}
		desc := pol.Description
		if rationale != "" {
			desc = pol.Description + " (" + rationale + ")"
		}
		violations = append(violations, models.PolicyViolation{
			PolicyID:    pol.PolicyID,
			Severity:    pol.Severity,
			Description: desc,
		})
		if pol.Severity == models.SeverityCritical {
			hasCritical = true
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Severity.Rank() != violations[j].Severity.Rank() {
			return violations[i].Severity.Rank() < violations[j].Severity.Rank()
		}
		return violations[i].PolicyID < violations[j].PolicyID
	})

	raw := 0.0
	for _, v := range violations {
		raw += severityWeight[v.Severity]
	}
	if raw > 100 {
		raw = 100
	}

	return models.PolicyResult{
		Score:                raw,
		Violations:           violations,
		HasCriticalViolation: hasCritical,
		Reasoning:            e.reasoning(violations),
	}, nil
}

func (e *Evaluator) evalTime(action *models.ProposedAction) time.Time {
	if !action.Timestamp.IsZero() {
		return action.Timestamp.UTC()
	}
	return e.now().UTC()
}

// resourceTags returns the target's tags; when the target is unknown the
// environment is inferred from the resource identifier alone.
func resourceTags(action *models.ProposedAction, resource *models.Resource) map[string]string {
	if resource != nil && resource.Tags != nil {
		return resource.Tags
	}
	haystack := strings.ToLower(action.Target.ResourceID + "/" + action.Target.ResourceGroup)
	if strings.Contains(haystack, "prod") {
		return map[string]string{"environment": "production"}
	}
	return map[string]string{}
}

func (e *Evaluator) reasoning(violations []models.PolicyViolation) string {
	total := len(e.Policies)
	if len(violations) == 0 {
		return fmt.Sprintf("All %d policies passed; action is fully compliant.", total)
	}
	lines := []string{fmt.Sprintf("Evaluated %d policies; %d passed, %d violation(s):",
		total, total-len(violations), len(violations))}
	for _, v := range violations {
		lines = append(lines, fmt.Sprintf("  [%s] %s: %s", strings.ToUpper(string(v.Severity)), v.PolicyID, v.Description))
	}
	return strings.Join(lines, "\n")
}
