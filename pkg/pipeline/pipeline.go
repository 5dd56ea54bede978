// Package pipeline orchestrates one governance evaluation: concurrent
// fan-out to the four scoring evaluators, composite verdict via the decision
// engine, then audit-log and agent-registry recording.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psc0des/sentinellayer/pkg/decision"
	"github.com/psc0des/sentinellayer/pkg/models"
	"github.com/psc0des/sentinellayer/pkg/stream"
)

// NeutralScore substitutes for a failed evaluator so a partial loss of
// intelligence still yields a deterministic verdict.
const NeutralScore = 50.0

// DefaultEvaluatorTimeout bounds each evaluator independently of the
// caller's deadline.
const DefaultEvaluatorTimeout = 10 * time.Second

// The ordered client-feedback lines emitted while an evaluation runs.
var progressLines = [4]string{
	"evaluating blast radius",
	"checking policy compliance",
	"querying historical incidents",
	"calculating financial impact",
}

type BlastEvaluator interface {
	Evaluate(ctx context.Context, action *models.ProposedAction) (models.BlastRadiusResult, error)
}

type PolicyEvaluator interface {
	Evaluate(ctx context.Context, action *models.ProposedAction) (models.PolicyResult, error)
}

type HistoricalEvaluator interface {
	Evaluate(ctx context.Context, action *models.ProposedAction) (models.HistoricalResult, error)
}

type FinancialEvaluator interface {
	Evaluate(ctx context.Context, action *models.ProposedAction) (models.FinancialResult, error)
}

// AuditLog is the subset of the audit store the pipeline writes to.
type AuditLog interface {
	Record(ctx context.Context, v *models.GovernanceVerdict) error
}

// AgentStats is the subset of the registry the pipeline updates.
type AgentStats interface {
	UpdateStats(ctx context.Context, name string, decision models.Decision) error
}

// Narrator optionally rewrites reasoning prose after scoring; it can never
// change a score.
type Narrator interface {
	Narrate(ctx context.Context, v *models.GovernanceVerdict)
}

// Progress receives the ordered textual updates for one evaluation.
type Progress func(message string)

type Pipeline struct {
	Blast      BlastEvaluator
	Policy     PolicyEvaluator
	Historical HistoricalEvaluator
	Financial  FinancialEvaluator
	Engine     *decision.Engine

	Audit    AuditLog    // optional
	Registry AgentStats  // optional
	Events   *stream.Hub // optional
	Narrator Narrator    // optional

	EvaluatorTimeout time.Duration

	now   func() time.Time
	newID func() string
}

func New(blast BlastEvaluator, policy PolicyEvaluator, historical HistoricalEvaluator,
	financial FinancialEvaluator, engine *decision.Engine) *Pipeline {
	return &Pipeline{
		Blast:            blast,
		Policy:           policy,
		Historical:       historical,
		Financial:        financial,
		Engine:           engine,
		EvaluatorTimeout: DefaultEvaluatorTimeout,
		now:              time.Now,
		newID:            func() string { return uuid.New().String() },
	}
}

// Evaluate runs the full governance pipeline for one action.
func (p *Pipeline) Evaluate(ctx context.Context, action *models.ProposedAction) (*models.GovernanceVerdict, error) {
	return p.EvaluateWithProgress(ctx, action, nil)
}

// EvaluateWithProgress additionally streams the five ordered progress
// updates to the supplied callback.
func (p *Pipeline) EvaluateWithProgress(ctx context.Context, action *models.ProposedAction, progress Progress) (*models.GovernanceVerdict, error) {
	if action == nil {
		return nil, fmt.Errorf("%w: action is required", models.ErrInvalidInput)
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}
	accepted := p.normalize(action)

	for _, line := range progressLines {
		p.emitProgress(progress, line)
	}

	sub, failures := p.fanOut(ctx, &accepted)
	if err := ctx.Err(); err != nil {
		// No partial verdict is persisted on deadline expiry.
		return nil, fmt.Errorf("evaluation deadline: %w", err)
	}

	outcome := p.Engine.Decide(sub)
	reason := outcome.Reason
	if len(failures) > 0 {
		reason += " Degraded: " + strings.Join(failures, "; ") + "."
	}

	verdict := &models.GovernanceVerdict{
		ActionID:     accepted.ActionID,
		AgentID:      accepted.AgentID,
		ActionType:   accepted.ActionType,
		ResourceID:   accepted.Target.ResourceID,
		ResourceType: accepted.Target.ResourceType,
		Decision:     outcome.Decision,
		SRI:          outcome.SRI,
		Weights:      p.Engine.Weights,
		Thresholds:   p.Engine.Thresholds,
		Reason:       reason,
		Violations:   violationIDs(sub.Policy),
		SubResults:   sub,
		Timestamp:    accepted.Timestamp,
	}

	if p.Narrator != nil {
		p.Narrator.Narrate(ctx, verdict)
	}

	p.emitProgress(progress, fmt.Sprintf("SRI Composite: %.1f → %s",
		verdict.SRI.Composite, strings.ToUpper(string(verdict.Decision))))

	p.record(ctx, verdict)
	return verdict, nil
}

// normalize fills engine-assigned defaults without mutating the caller's copy.
func (p *Pipeline) normalize(action *models.ProposedAction) models.ProposedAction {
	accepted := *action
	if accepted.ActionID == "" {
		accepted.ActionID = p.newID()
	}
	if accepted.Timestamp.IsZero() {
		accepted.Timestamp = p.now().UTC()
	} else {
		accepted.Timestamp = accepted.Timestamp.UTC()
	}
	if accepted.Urgency == "" {
		accepted.Urgency = models.UrgencyMedium
	}
	return accepted
}

// fanOut runs the four evaluators concurrently, each under its own timeout.
// A failed or timed-out evaluator contributes the neutral score and a note;
// it never fails the pipeline.
func (p *Pipeline) fanOut(ctx context.Context, action *models.ProposedAction) (models.SubResults, []string) {
	timeout := p.EvaluatorTimeout
	if timeout <= 0 {
		timeout = DefaultEvaluatorTimeout
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		sub      models.SubResults
		failures []string
	)
	fail := func(name string, err error) {
		mu.Lock()
		failures = append(failures, fmt.Sprintf("%s evaluator failed (%v), neutral score %.0f applied", name, err, NeutralScore))
		mu.Unlock()
	}
	run := func(name string, neutral func(), fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			evalCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					fail(name, fmt.Errorf("panic: %v", r))
					mu.Lock()
					neutral()
					mu.Unlock()
				}
			}()
			if err := fn(evalCtx); err != nil {
				fail(name, err)
			}
		}()
	}

	neutralBlast := func() {
		sub.BlastRadius = models.BlastRadiusResult{Score: NeutralScore, Reasoning: "evaluator unavailable"}
	}
	neutralPolicy := func() {
		sub.Policy = models.PolicyResult{Score: NeutralScore, Violations: []models.PolicyViolation{}, Reasoning: "evaluator unavailable"}
	}
	neutralHistorical := func() {
		sub.Historical = models.HistoricalResult{Score: NeutralScore, SimilarIncidents: []models.SimilarIncident{}, Reasoning: "evaluator unavailable"}
	}
	neutralFinancial := func() {
		sub.Financial = models.FinancialResult{Score: NeutralScore, Reasoning: "evaluator unavailable"}
	}

	run("blast radius", neutralBlast, func(evalCtx context.Context) error {
		res, err := p.Blast.Evaluate(evalCtx, action)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			neutralBlast()
			return err
		}
		sub.BlastRadius = res
		return nil
	})
	run("policy", neutralPolicy, func(evalCtx context.Context) error {
		res, err := p.Policy.Evaluate(evalCtx, action)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			neutralPolicy()
			return err
		}
		sub.Policy = res
		return nil
	})
	run("historical", neutralHistorical, func(evalCtx context.Context) error {
		res, err := p.Historical.Evaluate(evalCtx, action)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			neutralHistorical()
			return err
		}
		sub.Historical = res
		return nil
	})
	run("financial", neutralFinancial, func(evalCtx context.Context) error {
		res, err := p.Financial.Evaluate(evalCtx, action)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			neutralFinancial()
			return err
		}
		sub.Financial = res
		return nil
	})

	wg.Wait()
	return sub, failures
}

// record persists the verdict (audit first, then registry) and publishes the
// verdict event. Persistence failures are logged, never surfaced.
func (p *Pipeline) record(ctx context.Context, verdict *models.GovernanceVerdict) {
	if p.Audit != nil {
		if err := p.Audit.Record(ctx, verdict); err != nil {
			log.Printf("pipeline: audit record failed for %s: %v", verdict.ActionID, err)
		}
	}
	if p.Registry != nil && verdict.AgentID != "" {
		if err := p.Registry.UpdateStats(ctx, verdict.AgentID, verdict.Decision); err != nil {
			log.Printf("pipeline: registry update failed for %s: %v", verdict.AgentID, err)
		}
	}
	if p.Events != nil {
		p.Events.Publish(stream.NewEvent(stream.TypeVerdict, verdict))
	}
}

func (p *Pipeline) emitProgress(progress Progress, message string) {
	if progress != nil {
		progress(message)
	}
	if p.Events != nil {
		p.Events.Publish(stream.NewEvent(stream.TypeProgress, map[string]string{"message": message}))
	}
}

func violationIDs(policy models.PolicyResult) []string {
	out := make([]string, 0, len(policy.Violations))
	for _, v := range policy.Violations {
		out = append(out, v.PolicyID)
	}
	return out
}

// IsDeadline reports whether an Evaluate error came from deadline expiry or
// caller cancellation.
func IsDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
