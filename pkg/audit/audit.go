// Package audit is the durable store of every governance verdict. Records
// are written once, addressed by action_id, and never updated or deleted.
package audit

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/psc0des/sentinellayer/pkg/models"
)

// ErrNotFound is returned when no verdict exists for an action_id.
var ErrNotFound = errors.New("verdict not found")

// Summary is the compact listing shape used by recent/agent queries.
type Summary struct {
	ActionID     string            `json:"action_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Decision     models.Decision   `json:"decision"`
	Composite    float64           `json:"composite"`
	ResourceID   string            `json:"resource_id"`
	ResourceType string            `json:"resource_type,omitempty"`
	ActionType   models.ActionType `json:"action_type"`
	AgentID      string            `json:"agent_id,omitempty"`
	Violations   []string          `json:"violations"`
}

// ViolationCount is one entry of the top-violations aggregate.
type ViolationCount struct {
	PolicyID string `json:"policy_id"`
	Count    int    `json:"count"`
}

// ResourceCount is one entry of the most-evaluated-resources aggregate.
type ResourceCount struct {
	ResourceID string `json:"resource_id"`
	Count      int    `json:"count"`
}

// Stats is the aggregate view over the whole log.
type Stats struct {
	Total             int                     `json:"total"`
	Decisions         map[models.Decision]int `json:"decisions"`
	CompositeMin      float64                 `json:"composite_min"`
	CompositeAvg      float64                 `json:"composite_avg"`
	CompositeMax      float64                 `json:"composite_max"`
	DimensionAverages map[string]float64      `json:"dimension_averages"`
	TopViolations     []ViolationCount        `json:"top_violations"`
	TopResources      []ResourceCount         `json:"top_resources"`
}

// Log is the audit-log contract shared by the Postgres and file back-ends.
type Log interface {
	// Record persists the verdict. Recording the same action_id twice is a
	// no-op, so retries cannot double-count.
	Record(ctx context.Context, v *models.GovernanceVerdict) error
	// GetRecent lists verdicts newest first, ties broken by action_id
	// ascending; limit is normalized by ClampLimit. A non-empty resourceSubstring
	// filters on the target resource ID.
	GetRecent(ctx context.Context, limit int, resourceSubstring string) ([]Summary, error)
	// GetByAgent lists verdicts for one agent, newest first.
	GetByAgent(ctx context.Context, agentID string, limit int) ([]Summary, error)
	// GetByID returns the full verdict or ErrNotFound.
	GetByID(ctx context.Context, actionID string) (*models.GovernanceVerdict, error)
	// Aggregate computes Stats over the whole log.
	Aggregate(ctx context.Context) (Stats, error)
}

// ClampLimit applies the [1,100] bound shared by every listing operation: a
// limit below 1 becomes the default of 20, a limit above 100 becomes 100.
func ClampLimit(limit int) int {
	if limit < 1 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func summarize(v *models.GovernanceVerdict) Summary {
	violations := v.Violations
	if violations == nil {
		violations = []string{}
	}
	return Summary{
		ActionID:     v.ActionID,
		Timestamp:    v.Timestamp,
		Decision:     v.Decision,
		Composite:    v.SRI.Composite,
		ResourceID:   v.ResourceID,
		ResourceType: v.ResourceType,
		ActionType:   v.ActionType,
		AgentID:      v.AgentID,
		Violations:   violations,
	}
}

// sortSummaries orders newest first, ties broken by action_id ascending.
func sortSummaries(rows []Summary) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].Timestamp.After(rows[j].Timestamp)
		}
		return rows[i].ActionID < rows[j].ActionID
	})
}

// aggregate folds verdict summaries plus per-dimension scores into Stats.
func aggregate(rows []statRow) Stats {
	stats := Stats{
		Decisions:         map[models.Decision]int{},
		DimensionAverages: map[string]float64{},
	}
	if len(rows) == 0 {
		return stats
	}
	stats.Total = len(rows)
	stats.CompositeMin = rows[0].sri.Composite
	var sum, infra, policy, hist, cost float64
	violations := map[string]int{}
	resources := map[string]int{}
	for _, r := range rows {
		stats.Decisions[r.decision]++
		c := r.sri.Composite
		sum += c
		if c < stats.CompositeMin {
			stats.CompositeMin = c
		}
		if c > stats.CompositeMax {
			stats.CompositeMax = c
		}
		infra += r.sri.Infrastructure
		policy += r.sri.Policy
		hist += r.sri.Historical
		cost += r.sri.Cost
		for _, pol := range r.violations {
			violations[pol]++
		}
		resources[r.resourceID]++
	}
	n := float64(len(rows))
	stats.CompositeAvg = sum / n
	stats.DimensionAverages["infrastructure"] = infra / n
	stats.DimensionAverages["policy"] = policy / n
	stats.DimensionAverages["historical"] = hist / n
	stats.DimensionAverages["cost"] = cost / n
	stats.TopViolations = topViolations(violations, 5)
	stats.TopResources = topResources(resources, 5)
	return stats
}

type statRow struct {
	decision   models.Decision
	sri        models.SRI
	violations []string
	resourceID string
}

func topViolations(freq map[string]int, n int) []ViolationCount {
	out := make([]ViolationCount, 0, len(freq))
	for id, count := range freq {
		out = append(out, ViolationCount{PolicyID: id, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].PolicyID < out[j].PolicyID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func topResources(freq map[string]int, n int) []ResourceCount {
	out := make([]ResourceCount, 0, len(freq))
	for id, count := range freq {
		out = append(out, ResourceCount{ResourceID: id, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ResourceID < out[j].ResourceID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
