// Package sentinel is the in-process invocation surface: a typed façade over
// the pipeline, audit log, and agent registry. The HTTP and stdio surfaces
// translate their wire formats onto this same API.
package sentinel

import (
	"context"
	"sort"
	"time"

	"github.com/psc0des/sentinellayer/pkg/audit"
	"github.com/psc0des/sentinellayer/pkg/models"
	"github.com/psc0des/sentinellayer/pkg/pipeline"
	"github.com/psc0des/sentinellayer/pkg/registry"
)

type Service struct {
	Pipeline *pipeline.Pipeline
	Audit    audit.Log
	Registry registry.Registry
}

func New(p *pipeline.Pipeline, log audit.Log, reg registry.Registry) *Service {
	return &Service{Pipeline: p, Audit: log, Registry: reg}
}

// EvaluateAction runs the governance pipeline for one proposed action.
func (s *Service) EvaluateAction(ctx context.Context, action *models.ProposedAction) (*models.GovernanceVerdict, error) {
	return s.Pipeline.Evaluate(ctx, action)
}

// EvaluateActionStreaming additionally delivers the ordered progress lines.
func (s *Service) EvaluateActionStreaming(ctx context.Context, action *models.ProposedAction, progress pipeline.Progress) (*models.GovernanceVerdict, error) {
	return s.Pipeline.EvaluateWithProgress(ctx, action, progress)
}

// RecentDecisions lists verdict summaries newest first, optionally filtered
// by a resource-id substring.
func (s *Service) RecentDecisions(ctx context.Context, limit int, resourceID string) ([]audit.Summary, error) {
	return s.Audit.GetRecent(ctx, limit, resourceID)
}

// Decision returns one full verdict by action id.
func (s *Service) Decision(ctx context.Context, actionID string) (*models.GovernanceVerdict, error) {
	return s.Audit.GetByID(ctx, actionID)
}

// Metrics returns the aggregate view over the audit log.
func (s *Service) Metrics(ctx context.Context) (audit.Stats, error) {
	return s.Audit.Aggregate(ctx)
}

// RiskProfile summarizes the 100 most recent decisions touching one resource.
type RiskProfile struct {
	ResourceID       string                  `json:"resource_id"`
	TotalEvaluations int                     `json:"total_evaluations"`
	Decisions        map[models.Decision]int `json:"decisions"`
	AvgComposite     *float64                `json:"avg_sri_composite"`
	MaxComposite     *float64                `json:"max_sri_composite"`
	TopViolations    []string                `json:"top_violations"`
	LastEvaluated    *time.Time              `json:"last_evaluated"`
}

// GetRiskProfile aggregates the audit trail for one resource.
func (s *Service) GetRiskProfile(ctx context.Context, resourceID string) (RiskProfile, error) {
	profile := RiskProfile{
		ResourceID: resourceID,
		Decisions: map[models.Decision]int{
			models.DecisionApproved:  0,
			models.DecisionEscalated: 0,
			models.DecisionDenied:    0,
		},
		TopViolations: []string{},
	}
	rows, err := s.Audit.GetRecent(ctx, 100, resourceID)
	if err != nil {
		return RiskProfile{}, err
	}
	if len(rows) == 0 {
		return profile, nil
	}

	profile.TotalEvaluations = len(rows)
	var sum, max float64
	violations := map[string]int{}
	for i, row := range rows {
		profile.Decisions[row.Decision]++
		sum += row.Composite
		if i == 0 || row.Composite > max {
			max = row.Composite
		}
		for _, pol := range row.Violations {
			violations[pol]++
		}
	}
	avg := sum / float64(len(rows))
	profile.AvgComposite = &avg
	profile.MaxComposite = &max
	last := rows[0].Timestamp
	profile.LastEvaluated = &last

	ids := make([]string, 0, len(violations))
	for id := range violations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if violations[ids[i]] != violations[ids[j]] {
			return violations[ids[i]] > violations[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > 5 {
		ids = ids[:5]
	}
	profile.TopViolations = ids
	return profile, nil
}

// Agents lists registered agents, most recently seen first.
func (s *Service) Agents(ctx context.Context) ([]models.AgentRecord, error) {
	return s.Registry.List(ctx)
}

// AgentHistory joins the audit log on agent_id for one agent's recent
// verdicts.
func (s *Service) AgentHistory(ctx context.Context, name string, limit int) ([]audit.Summary, error) {
	return s.Audit.GetByAgent(ctx, name, limit)
}

// RegisterAgent records an agent's presence ahead of its first proposal.
func (s *Service) RegisterAgent(ctx context.Context, name, cardURL string) (models.AgentRecord, error) {
	return s.Registry.Register(ctx, name, cardURL)
}
