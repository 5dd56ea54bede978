// Package registry tracks the operational agents that submit actions and
// their per-decision counters. Identity is the agent name; last_seen is
// monotonically non-decreasing.
package registry

import (
	"context"
	"errors"

	"github.com/psc0des/sentinellayer/pkg/models"
)

// ErrNotFound is returned when an agent name is unknown.
var ErrNotFound = errors.New("agent not found")

// Registry is the contract shared by the Postgres and file back-ends.
// total_proposed always equals approved + escalated + denied.
type Registry interface {
	// Register creates the agent on first call (setting registered_at) and
	// refreshes last_seen afterwards; it never resets counters.
	Register(ctx context.Context, name, cardURL string) (models.AgentRecord, error)
	// UpdateStats atomically bumps total_proposed plus the matching decision
	// counter and advances last_seen. Unknown agents are auto-registered so
	// no update is dropped.
	UpdateStats(ctx context.Context, name string, decision models.Decision) error
	// List returns all agents, most recently seen first.
	List(ctx context.Context) ([]models.AgentRecord, error)
	// Get returns one agent or ErrNotFound.
	Get(ctx context.Context, name string) (*models.AgentRecord, error)
}

func counterFor(rec *models.AgentRecord, decision models.Decision) *int64 {
	switch decision {
	case models.DecisionApproved:
		return &rec.Approved
	case models.DecisionEscalated:
		return &rec.Escalated
	case models.DecisionDenied:
		return &rec.Denied
	}
	return nil
}
