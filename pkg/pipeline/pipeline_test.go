package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/psc0des/sentinellayer/pkg/decision"
	"github.com/psc0des/sentinellayer/pkg/models"
)

type fakeEvaluators struct {
	blastCalls      atomic.Int64
	policyCalls     atomic.Int64
	historicalCalls atomic.Int64
	financialCalls  atomic.Int64

	blastScore      float64
	policyResult    models.PolicyResult
	historicalScore float64
	financialScore  float64

	historicalErr  error
	historicalHang bool
}

func (f *fakeEvaluators) blast() BlastEvaluator           { return blastFn{f} }
func (f *fakeEvaluators) policy() PolicyEvaluator         { return policyFn{f} }
func (f *fakeEvaluators) historical() HistoricalEvaluator { return historicalFn{f} }
func (f *fakeEvaluators) financial() FinancialEvaluator   { return financialFn{f} }

type blastFn struct{ f *fakeEvaluators }

func (e blastFn) Evaluate(ctx context.Context, a *models.ProposedAction) (models.BlastRadiusResult, error) {
	e.f.blastCalls.Add(1)
	return models.BlastRadiusResult{Score: e.f.blastScore, Reasoning: "blast"}, nil
}

type policyFn struct{ f *fakeEvaluators }

func (e policyFn) Evaluate(ctx context.Context, a *models.ProposedAction) (models.PolicyResult, error) {
	e.f.policyCalls.Add(1)
	return e.f.policyResult, nil
}

type historicalFn struct{ f *fakeEvaluators }

func (e historicalFn) Evaluate(ctx context.Context, a *models.ProposedAction) (models.HistoricalResult, error) {
	e.f.historicalCalls.Add(1)
	if e.f.historicalHang {
		<-ctx.Done()
		return models.HistoricalResult{}, ctx.Err()
	}
	if e.f.historicalErr != nil {
		return models.HistoricalResult{}, e.f.historicalErr
	}
	return models.HistoricalResult{Score: e.f.historicalScore, Reasoning: "historical"}, nil
}

type financialFn struct{ f *fakeEvaluators }

func (e financialFn) Evaluate(ctx context.Context, a *models.ProposedAction) (models.FinancialResult, error) {
	e.f.financialCalls.Add(1)
	return models.FinancialResult{Score: e.f.financialScore, Reasoning: "financial"}, nil
}

type memoryAudit struct {
	mu       sync.Mutex
	recorded []*models.GovernanceVerdict
	fail     bool
	order    *[]string
}

func (m *memoryAudit) Record(ctx context.Context, v *models.GovernanceVerdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.order != nil {
		*m.order = append(*m.order, "audit")
	}
	if m.fail {
		return fmt.Errorf("disk full")
	}
	m.recorded = append(m.recorded, v)
	return nil
}

type memoryRegistry struct {
	mu      sync.Mutex
	updates []string
	order   *[]string
}

func (m *memoryRegistry) UpdateStats(ctx context.Context, name string, decision models.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.order != nil {
		*m.order = append(*m.order, "registry")
	}
	m.updates = append(m.updates, name+":"+string(decision))
	return nil
}

func testEngine() *decision.Engine {
	return decision.New(
		models.Weights{Infrastructure: 0.30, Policy: 0.25, Historical: 0.25, Cost: 0.20},
		models.Thresholds{AutoApprove: 25, HumanReview: 60},
	)
}

func testAction() *models.ProposedAction {
	return &models.ProposedAction{
		AgentID:    "cost-optimization-agent",
		ActionType: models.ActionScaleUp,
		Target:     models.ActionTarget{ResourceID: "vm-web-01", ResourceType: "Microsoft.Compute/virtualMachines"},
		Reason:     "cpu pressure",
		Timestamp:  time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC),
	}
}

func newTestPipeline(f *fakeEvaluators) *Pipeline {
	return New(f.blast(), f.policy(), f.historical(), f.financial(), testEngine())
}

func TestEachEvaluatorCalledOnce(t *testing.T) {
	f := &fakeEvaluators{blastScore: 10, financialScore: 5}
	p := newTestPipeline(f)
	if _, err := p.Evaluate(context.Background(), testAction()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if f.blastCalls.Load() != 1 || f.policyCalls.Load() != 1 ||
		f.historicalCalls.Load() != 1 || f.financialCalls.Load() != 1 {
		t.Fatalf("expected each evaluator called once, got %d/%d/%d/%d",
			f.blastCalls.Load(), f.policyCalls.Load(), f.historicalCalls.Load(), f.financialCalls.Load())
	}
}

func TestInvalidInputRejected(t *testing.T) {
	p := newTestPipeline(&fakeEvaluators{})
	_, err := p.Evaluate(context.Background(), &models.ProposedAction{ActionType: models.ActionScaleUp})
	if !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDefaultsAssigned(t *testing.T) {
	f := &fakeEvaluators{}
	p := newTestPipeline(f)
	action := testAction()
	action.Timestamp = time.Time{}
	verdict, err := p.Evaluate(context.Background(), action)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.ActionID == "" {
		t.Fatalf("expected engine-assigned action_id")
	}
	if verdict.Timestamp.IsZero() {
		t.Fatalf("expected engine-assigned timestamp")
	}
	if action.ActionID != "" {
		t.Fatalf("caller's action must not be mutated")
	}
}

func TestEvaluatorFailureAbsorbed(t *testing.T) {
	f := &fakeEvaluators{
		blastScore:     10,
		financialScore: 5,
		historicalErr:  fmt.Errorf("search backend down"),
	}
	audit := &memoryAudit{}
	p := newTestPipeline(f)
	p.Audit = audit
	verdict, err := p.Evaluate(context.Background(), testAction())
	if err != nil {
		t.Fatalf("expected failure to be absorbed, got %v", err)
	}
	if verdict.SRI.Historical != NeutralScore {
		t.Fatalf("expected neutral historical score 50, got %.1f", verdict.SRI.Historical)
	}
	if !strings.Contains(verdict.Reason, "historical evaluator failed") {
		t.Fatalf("expected failure note in reason, got %q", verdict.Reason)
	}
	if len(audit.recorded) != 1 {
		t.Fatalf("expected verdict persisted despite evaluator failure")
	}
}

func TestEvaluatorTimeoutYieldsNeutral(t *testing.T) {
	f := &fakeEvaluators{historicalHang: true, blastScore: 10}
	p := newTestPipeline(f)
	p.EvaluatorTimeout = 20 * time.Millisecond
	verdict, err := p.Evaluate(context.Background(), testAction())
	if err != nil {
		t.Fatalf("expected timeout absorbed, got %v", err)
	}
	if verdict.SRI.Historical != NeutralScore {
		t.Fatalf("expected neutral score after timeout, got %.1f", verdict.SRI.Historical)
	}
}

func TestCallerDeadlineSurfacesAndSkipsPersistence(t *testing.T) {
	f := &fakeEvaluators{historicalHang: true}
	audit := &memoryAudit{}
	p := newTestPipeline(f)
	p.Audit = audit
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Evaluate(ctx, testAction())
	if !IsDeadline(err) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if len(audit.recorded) != 0 {
		t.Fatalf("expected no partial verdict persisted on deadline")
	}
}

func TestRecordingOrderAuditThenRegistry(t *testing.T) {
	order := []string{}
	f := &fakeEvaluators{}
	p := newTestPipeline(f)
	p.Audit = &memoryAudit{order: &order}
	p.Registry = &memoryRegistry{order: &order}
	if _, err := p.Evaluate(context.Background(), testAction()); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(order) != 2 || order[0] != "audit" || order[1] != "registry" {
		t.Fatalf("expected audit before registry, got %v", order)
	}
}

func TestPersistenceFailureDoesNotBlockVerdict(t *testing.T) {
	f := &fakeEvaluators{}
	reg := &memoryRegistry{}
	p := newTestPipeline(f)
	p.Audit = &memoryAudit{fail: true}
	p.Registry = reg
	verdict, err := p.Evaluate(context.Background(), testAction())
	if err != nil {
		t.Fatalf("expected verdict despite audit failure, got %v", err)
	}
	if verdict == nil || verdict.Decision == "" {
		t.Fatalf("expected complete verdict")
	}
	if len(reg.updates) != 1 {
		t.Fatalf("expected registry still updated, got %v", reg.updates)
	}
}

func TestRegistrySkippedWithoutAgentID(t *testing.T) {
	f := &fakeEvaluators{}
	reg := &memoryRegistry{}
	p := newTestPipeline(f)
	p.Registry = reg
	action := testAction()
	action.AgentID = ""
	if _, err := p.Evaluate(context.Background(), action); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(reg.updates) != 0 {
		t.Fatalf("expected no registry update without agent_id, got %v", reg.updates)
	}
}

func TestProgressSequence(t *testing.T) {
	f := &fakeEvaluators{}
	p := newTestPipeline(f)
	var messages []string
	verdict, err := p.EvaluateWithProgress(context.Background(), testAction(), func(msg string) {
		messages = append(messages, msg)
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(messages) != 5 {
		t.Fatalf("expected 5 progress updates, got %d: %v", len(messages), messages)
	}
	want := []string{
		"evaluating blast radius",
		"checking policy compliance",
		"querying historical incidents",
		"calculating financial impact",
	}
	for i, msg := range want {
		if messages[i] != msg {
			t.Fatalf("progress %d: expected %q, got %q", i, msg, messages[i])
		}
	}
	final := fmt.Sprintf("SRI Composite: %.1f → %s",
		verdict.SRI.Composite, strings.ToUpper(string(verdict.Decision)))
	if messages[4] != final {
		t.Fatalf("expected final progress %q, got %q", final, messages[4])
	}
}

func TestCriticalPolicyDenies(t *testing.T) {
	f := &fakeEvaluators{
		policyResult: models.PolicyResult{
			Score:                100,
			HasCriticalViolation: true,
			Violations: []models.PolicyViolation{
				{PolicyID: "POL-DR-001", Severity: models.SeverityCritical, Description: "no DR deletes"},
			},
		},
	}
	p := newTestPipeline(f)
	verdict, err := p.Evaluate(context.Background(), testAction())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Decision != models.DecisionDenied {
		t.Fatalf("expected denied, got %s", verdict.Decision)
	}
	if len(verdict.Violations) != 1 || verdict.Violations[0] != "POL-DR-001" {
		t.Fatalf("expected violations carried onto verdict, got %v", verdict.Violations)
	}
}

func TestConcurrentEvaluationsIndependent(t *testing.T) {
	f := &fakeEvaluators{}
	audit := &memoryAudit{}
	p := newTestPipeline(f)
	p.Audit = audit
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Evaluate(context.Background(), testAction()); err != nil {
				t.Errorf("evaluate: %v", err)
			}
		}()
	}
	wg.Wait()
	if len(audit.recorded) != 8 {
		t.Fatalf("expected 8 verdicts recorded, got %d", len(audit.recorded))
	}
	seen := map[string]struct{}{}
	for _, v := range audit.recorded {
		if _, dup := seen[v.ActionID]; dup {
			t.Fatalf("duplicate action_id across concurrent evaluations")
		}
		seen[v.ActionID] = struct{}{}
	}
}
