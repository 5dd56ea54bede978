package sentinel

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/psc0des/sentinellayer/pkg/audit"
	"github.com/psc0des/sentinellayer/pkg/blastradius"
	"github.com/psc0des/sentinellayer/pkg/decision"
	"github.com/psc0des/sentinellayer/pkg/financial"
	"github.com/psc0des/sentinellayer/pkg/historical"
	"github.com/psc0des/sentinellayer/pkg/incidents"
	"github.com/psc0des/sentinellayer/pkg/models"
	"github.com/psc0des/sentinellayer/pkg/pipeline"
	"github.com/psc0des/sentinellayer/pkg/policyeval"
	"github.com/psc0des/sentinellayer/pkg/policyir"
	"github.com/psc0des/sentinellayer/pkg/registry"
	"github.com/psc0des/sentinellayer/pkg/topology"
)

// quietWednesday avoids the weekend freeze window in the seed policies.
var quietWednesday = time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)

func dataPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("..", "..", "data", name)
}

func seedIncidentList(t *testing.T) []models.Incident {
	t.Helper()
	raw, err := os.ReadFile(dataPath(t, "seed_incidents.json"))
	if err != nil {
		t.Fatalf("read incidents: %v", err)
	}
	var rows []models.Incident
	if err := json.Unmarshal(raw, &rows); err != nil {
		t.Fatalf("parse incidents: %v", err)
	}
	return rows
}

// newStack builds the full in-process surface over the seed data, with
// file-backed audit log and registry in a temp dir.
func newStack(t *testing.T, extraIncidents ...models.Incident) (*Service, *pipeline.Pipeline) {
	t.Helper()
	topo, err := topology.NewFromFile(dataPath(t, "seed_resources.json"))
	if err != nil {
		t.Fatalf("topology: %v", err)
	}
	policies, err := policyir.LoadFile(dataPath(t, "policies.json"))
	if err != nil {
		t.Fatalf("policies: %v", err)
	}
	incidentStore := incidents.New(append(seedIncidentList(t), extraIncidents...))

	auditLog, err := audit.NewFileLog(filepath.Join(t.TempDir(), "decisions"))
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	agents, err := registry.NewFileRegistry(filepath.Join(t.TempDir(), "agents"))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	engine := decision.New(
		models.Weights{Infrastructure: 0.30, Policy: 0.25, Historical: 0.25, Cost: 0.20},
		models.Thresholds{AutoApprove: 25, HumanReview: 60},
	)
	pipe := pipeline.New(
		blastradius.New(topo),
		policyeval.New(policies, topo),
		historical.New(incidentStore),
		financial.New(topo),
		engine,
	)
	pipe.Audit = auditLog
	pipe.Registry = agents
	return New(pipe, auditLog, agents), pipe
}

func ptr(v float64) *float64 { return &v }

func deleteDRAction() *models.ProposedAction {
	return &models.ProposedAction{
		AgentID:    "cost-optimization-agent",
		ActionType: models.ActionDeleteResource,
		Target: models.ActionTarget{
			ResourceID:   "vm-dr-01",
			ResourceType: "Microsoft.Compute/virtualMachines",
		},
		Reason:    "idle 30d",
		Urgency:   models.UrgencyHigh,
		Timestamp: quietWednesday,
	}
}

func safeScaleUpAction() *models.ProposedAction {
	return &models.ProposedAction{
		AgentID:    "monitoring-agent",
		ActionType: models.ActionScaleUp,
		Target: models.ActionTarget{
			ResourceID:         "vm-web-01",
			ResourceType:       "Microsoft.Compute/virtualMachines",
			CurrentSKU:         "Standard_B2ls_v2",
			ProposedSKU:        "Standard_B4ms",
			CurrentMonthlyCost: ptr(30),
		},
		Reason:    "CPU 87% for 15min",
		Timestamp: quietWednesday,
	}
}

func nsgChangeAction() *models.ProposedAction {
	return &models.ProposedAction{
		AgentID:    "deploy-agent",
		ActionType: models.ActionModifyNSG,
		Target: models.ActionTarget{
			ResourceID:   "nsg-east-prod",
			ResourceType: "Microsoft.Network/networkSecurityGroups",
		},
		Reason:    "open 8080",
		Timestamp: quietWednesday,
	}
}

func TestScenarioDeniedByCriticalPolicy(t *testing.T) {
	svc, _ := newStack(t)
	verdict, err := svc.EvaluateAction(context.Background(), deleteDRAction())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Decision != models.DecisionDenied {
		t.Fatalf("expected denied, got %s", verdict.Decision)
	}
	found := false
	for _, v := range verdict.Violations {
		if v == "POL-DR-001" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected POL-DR-001 in violations, got %v", verdict.Violations)
	}
	if verdict.SRI.Policy < 90 {
		t.Fatalf("expected policy score >= 90, got %.1f", verdict.SRI.Policy)
	}
	if !verdict.SubResults.Policy.HasCriticalViolation {
		t.Fatalf("expected critical violation flag")
	}
	if verdict.SRI.Composite < 61 {
		t.Fatalf("expected composite >= 61, got %.1f", verdict.SRI.Composite)
	}
}

func TestScenarioApprovedSafeScaleUp(t *testing.T) {
	svc, _ := newStack(t)
	verdict, err := svc.EvaluateAction(context.Background(), safeScaleUpAction())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Decision != models.DecisionApproved {
		t.Fatalf("expected approved, got %s (%s)", verdict.Decision, verdict.Reason)
	}
	if verdict.SRI.Composite > 25 {
		t.Fatalf("expected composite <= 25, got %.1f", verdict.SRI.Composite)
	}
	for name, score := range map[string]float64{
		"infrastructure": verdict.SRI.Infrastructure,
		"policy":         verdict.SRI.Policy,
		"historical":     verdict.SRI.Historical,
		"cost":           verdict.SRI.Cost,
	} {
		if score > 40 {
			t.Fatalf("expected %s <= 40, got %.1f", name, score)
		}
	}
	if len(verdict.Violations) != 0 {
		t.Fatalf("expected no violations, got %v", verdict.Violations)
	}
}

func TestScenarioEscalatedNSGChange(t *testing.T) {
	svc, _ := newStack(t)
	verdict, err := svc.EvaluateAction(context.Background(), nsgChangeAction())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Decision != models.DecisionEscalated {
		t.Fatalf("expected escalated, got %s (%s)", verdict.Decision, verdict.Reason)
	}
	if verdict.SRI.Composite < 26 || verdict.SRI.Composite > 60 {
		t.Fatalf("expected composite in [26,60], got %.1f", verdict.SRI.Composite)
	}
	found := false
	for _, v := range verdict.SubResults.Policy.Violations {
		if v.PolicyID == "POL-NSG-001" && v.Severity != models.SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected non-critical NSG policy violation, got %+v", verdict.SubResults.Policy.Violations)
	}
}

func TestScenarioHistoricalOverrideUpward(t *testing.T) {
	svc, _ := newStack(t, models.Incident{
		IncidentID:   "INC-2025-001",
		Title:        "Scale-up of vm-web-01 caused cascading restarts",
		Summary:      "Scaling up vm-web-01 during peak load triggered restarts across the web pool",
		ActionType:   "scale_up",
		ResourceType: "Microsoft.Compute/virtualMachines",
		ResourceName: "vm-web-01",
		Tags:         []string{"scale-up", "web"},
		Severity:     models.SeverityHigh,
		OutcomeText:  "rolling restarts for 20 minutes",
	})
	verdict, err := svc.EvaluateAction(context.Background(), safeScaleUpAction())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.SRI.Historical < 60 {
		t.Fatalf("expected historical >= 60, got %.1f", verdict.SRI.Historical)
	}
	if verdict.Decision != models.DecisionEscalated {
		t.Fatalf("expected historical signal to push into escalation, got %s (composite %.1f)",
			verdict.Decision, verdict.SRI.Composite)
	}
}

type failingHistorical struct{}

func (failingHistorical) Evaluate(ctx context.Context, action *models.ProposedAction) (models.HistoricalResult, error) {
	panic("search index corrupted")
}

func TestScenarioEvaluatorCrashAbsorbed(t *testing.T) {
	svc, pipe := newStack(t)
	pipe.Historical = failingHistorical{}
	verdict, err := svc.EvaluateAction(context.Background(), safeScaleUpAction())
	if err != nil {
		t.Fatalf("expected crash absorbed, got %v", err)
	}
	if verdict.SRI.Historical != pipeline.NeutralScore {
		t.Fatalf("expected neutral historical 50, got %.1f", verdict.SRI.Historical)
	}
	if !strings.Contains(verdict.Reason, "historical evaluator failed") {
		t.Fatalf("expected reason to mention historical failure, got %q", verdict.Reason)
	}
	stored, err := svc.Decision(context.Background(), verdict.ActionID)
	if err != nil {
		t.Fatalf("expected verdict in audit log, got %v", err)
	}
	if stored.Decision != verdict.Decision {
		t.Fatalf("stored decision differs")
	}
}

func TestScenarioAgentRegistryCounts(t *testing.T) {
	svc, _ := newStack(t)
	ctx := context.Background()
	actions := []*models.ProposedAction{safeScaleUpAction(), nsgChangeAction(), deleteDRAction()}
	decisions := map[models.Decision]bool{}
	for _, action := range actions {
		action.AgentID = "cost-optimization-agent"
		verdict, err := svc.EvaluateAction(ctx, action)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		decisions[verdict.Decision] = true
	}
	if len(decisions) != 3 {
		t.Fatalf("expected one of each decision, got %v", decisions)
	}
	agents, err := svc.Agents(ctx)
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("expected one agent, got %d", len(agents))
	}
	rec := agents[0]
	if rec.Name != "cost-optimization-agent" || rec.TotalProposed != 3 {
		t.Fatalf("unexpected agent record %+v", rec)
	}
	if rec.Approved != 1 || rec.Escalated != 1 || rec.Denied != 1 {
		t.Fatalf("expected one of each counter, got %+v", rec)
	}
	if rec.Approved+rec.Escalated+rec.Denied != rec.TotalProposed {
		t.Fatalf("counter invariant broken: %+v", rec)
	}
	if rec.LastSeen.Before(rec.RegisteredAt) {
		t.Fatalf("last_seen precedes registered_at")
	}
}

func TestVerdictPersistedByteEquivalent(t *testing.T) {
	svc, _ := newStack(t)
	ctx := context.Background()
	verdict, err := svc.EvaluateAction(ctx, safeScaleUpAction())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	stored, err := svc.Decision(ctx, verdict.ActionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	wantJSON, _ := json.Marshal(verdict)
	gotJSON, _ := json.Marshal(stored)
	if string(wantJSON) != string(gotJSON) {
		t.Fatalf("stored verdict is not byte-equivalent:\nwant %s\ngot  %s", wantJSON, gotJSON)
	}
}

func TestRiskProfileAggregation(t *testing.T) {
	svc, _ := newStack(t)
	ctx := context.Background()
	if _, err := svc.EvaluateAction(ctx, deleteDRAction()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if _, err := svc.EvaluateAction(ctx, deleteDRAction()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	profile, err := svc.GetRiskProfile(ctx, "vm-dr-01")
	if err != nil {
		t.Fatalf("risk profile: %v", err)
	}
	if profile.TotalEvaluations != 2 {
		t.Fatalf("expected 2 evaluations, got %d", profile.TotalEvaluations)
	}
	if profile.Decisions[models.DecisionDenied] != 2 {
		t.Fatalf("expected 2 denials, got %+v", profile.Decisions)
	}
	if len(profile.TopViolations) == 0 || profile.TopViolations[0] != "POL-DR-001" {
		t.Fatalf("expected POL-DR-001 as top violation, got %v", profile.TopViolations)
	}
	if profile.AvgComposite == nil || *profile.AvgComposite < 61 {
		t.Fatalf("unexpected avg composite %+v", profile.AvgComposite)
	}
	if profile.LastEvaluated == nil {
		t.Fatalf("expected last_evaluated set")
	}

	empty, err := svc.GetRiskProfile(ctx, "vm-never-touched")
	if err != nil {
		t.Fatalf("empty profile: %v", err)
	}
	if empty.TotalEvaluations != 0 || empty.AvgComposite != nil {
		t.Fatalf("expected empty profile, got %+v", empty)
	}
}

func TestAgentHistoryJoinsAudit(t *testing.T) {
	svc, _ := newStack(t)
	ctx := context.Background()
	verdict, err := svc.EvaluateAction(ctx, nsgChangeAction())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	rows, err := svc.AgentHistory(ctx, "deploy-agent", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 1 || rows[0].ActionID != verdict.ActionID {
		t.Fatalf("expected one history row for deploy-agent, got %+v", rows)
	}
}
