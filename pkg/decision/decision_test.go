package decision

import (
	"strings"
	"testing"

	"github.com/psc0des/sentinellayer/pkg/models"
)

func defaultEngine() *Engine {
	return New(
		models.Weights{Infrastructure: 0.30, Policy: 0.25, Historical: 0.25, Cost: 0.20},
		models.Thresholds{AutoApprove: 25, HumanReview: 60},
	)
}

func uniform(score float64) models.SubResults {
	return models.SubResults{
		BlastRadius: models.BlastRadiusResult{Score: score},
		Policy:      models.PolicyResult{Score: score},
		Historical:  models.HistoricalResult{Score: score},
		Financial:   models.FinancialResult{Score: score},
	}
}

func TestCompositeIsWeightedSum(t *testing.T) {
	e := defaultEngine()
	out := e.Decide(models.SubResults{
		BlastRadius: models.BlastRadiusResult{Score: 50},
		Policy:      models.PolicyResult{Score: 100},
		Historical:  models.HistoricalResult{Score: 92},
		Financial:   models.FinancialResult{Score: 27.5},
	})
	// 0.3*50 + 0.25*100 + 0.25*92 + 0.2*27.5 = 68.5
	if out.SRI.Composite != 68.5 {
		t.Fatalf("expected composite 68.5, got %.2f", out.SRI.Composite)
	}
	if out.Decision != models.DecisionDenied {
		t.Fatalf("expected denied, got %s", out.Decision)
	}
}

func TestThresholdBoundaries(t *testing.T) {
	e := defaultEngine()
	cases := []struct {
		score float64
		want  models.Decision
	}{
		{25, models.DecisionApproved},     // composite == auto_approve
		{25.01, models.DecisionEscalated}, // just above auto_approve
		{60, models.DecisionEscalated},    // composite == human_review
		{60.01, models.DecisionDenied},    // just above human_review
	}
	for _, tc := range cases {
		out := e.Decide(uniform(tc.score))
		if out.SRI.Composite != tc.score {
			t.Fatalf("uniform %v: composite drifted to %v", tc.score, out.SRI.Composite)
		}
		if out.Decision != tc.want {
			t.Fatalf("composite %v: expected %s, got %s", tc.score, tc.want, out.Decision)
		}
	}
}

func TestCriticalOverrideForcesDenial(t *testing.T) {
	e := defaultEngine()
	sub := uniform(5)
	sub.Policy.HasCriticalViolation = true
	sub.Policy.Violations = []models.PolicyViolation{
		{PolicyID: "POL-DR-001", Severity: models.SeverityCritical, Description: "no DR deletes"},
	}
	out := e.Decide(sub)
	if out.Decision != models.DecisionDenied {
		t.Fatalf("expected denied on critical violation, got %s", out.Decision)
	}
	if out.SRI.Composite < e.Thresholds.HumanReview+1 {
		t.Fatalf("expected composite lifted past review threshold, got %.2f", out.SRI.Composite)
	}
	if !strings.Contains(out.Reason, "POL-DR-001") {
		t.Fatalf("expected reason to lead with the critical policy id, got %q", out.Reason)
	}
}

func TestCriticalOverrideKeepsHigherComposite(t *testing.T) {
	e := defaultEngine()
	sub := uniform(90)
	sub.Policy.HasCriticalViolation = true
	sub.Policy.Violations = []models.PolicyViolation{
		{PolicyID: "POL-X", Severity: models.SeverityCritical, Description: "x"},
	}
	out := e.Decide(sub)
	if out.SRI.Composite != 90 {
		t.Fatalf("expected composite to stay 90, got %.2f", out.SRI.Composite)
	}
}

func TestCompositeClampedToHundred(t *testing.T) {
	e := New(
		models.Weights{Infrastructure: 0.25, Policy: 0.25, Historical: 0.25, Cost: 0.25},
		models.Thresholds{AutoApprove: 25, HumanReview: 60},
	)
	out := e.Decide(uniform(250))
	if out.SRI.Composite != 100 {
		t.Fatalf("expected composite clamped to 100, got %.2f", out.SRI.Composite)
	}
	if out.SRI.Policy != 100 {
		t.Fatalf("expected sub-score clamped to 100, got %.2f", out.SRI.Policy)
	}
}

func TestReasonNamesHighestDimension(t *testing.T) {
	e := defaultEngine()
	out := e.Decide(models.SubResults{
		BlastRadius: models.BlastRadiusResult{Score: 10},
		Policy:      models.PolicyResult{Score: 20},
		Historical:  models.HistoricalResult{Score: 80},
		Financial:   models.FinancialResult{Score: 5},
	})
	if !strings.Contains(out.Reason, "historical") {
		t.Fatalf("expected reason to name historical as highest dimension, got %q", out.Reason)
	}
}

func TestReasonNamesFirstViolation(t *testing.T) {
	e := defaultEngine()
	sub := uniform(40)
	sub.Policy.Violations = []models.PolicyViolation{
		{PolicyID: "POL-NSG-001", Severity: models.SeverityHigh, Description: "nsg"},
	}
	out := e.Decide(sub)
	if out.Decision != models.DecisionEscalated {
		t.Fatalf("expected escalated, got %s", out.Decision)
	}
	if !strings.Contains(out.Reason, "POL-NSG-001") {
		t.Fatalf("expected first violation in reason, got %q", out.Reason)
	}
}
