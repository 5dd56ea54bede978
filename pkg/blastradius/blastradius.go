// Package blastradius computes the SRI:Infrastructure dimension by one-hop
// traversal of the topology graph around the action target.
package blastradius

import (
	"context"
	"fmt"
	"strings"

	"github.com/psc0des/sentinellayer/pkg/models"
	"github.com/psc0des/sentinellayer/pkg/topology"
)

// Base risk contribution by action type. Destructive actions start higher.
var actionBase = map[models.ActionType]float64{
	models.ActionScaleUp:        10,
	models.ActionScaleDown:      15,
	models.ActionRestartService: 20,
	models.ActionModifyNSG:      30,
	models.ActionUpdateConfig:   20,
	models.ActionCreateResource: 15,
	models.ActionDeleteResource: 40,
}

var criticalityScore = map[string]float64{
	"low":      0,
	"medium":   10,
	"high":     20,
	"critical": 30,
}

const (
	dependentPoints    = 5.0
	maxDependentPoints = 25.0
	servicePoints      = 5.0
	maxServicePoints   = 20.0
	spofPoints         = 10.0
)

type Evaluator struct {
	Topology *topology.Store
}

func New(store *topology.Store) *Evaluator {
	return &Evaluator{Topology: store}
}

// Evaluate scores the one-hop blast radius of the action. Unknown targets
// score zero.
func (e *Evaluator) Evaluate(ctx context.Context, action *models.ProposedAction) (models.BlastRadiusResult, error) {
	if err := ctx.Err(); err != nil {
		return models.BlastRadiusResult{}, err
	}
	resource := e.Topology.Find(action.Target.ResourceID)
	if resource == nil {
		return models.BlastRadiusResult{
			AffectedResources:     []string{},
			AffectedServices:      []string{},
			SinglePointsOfFailure: []string{},
			AffectedZones:         []string{},
			Reasoning: fmt.Sprintf(
				"unknown resource: %q is not in the dependency graph, blast radius cannot be simulated",
				action.Target.ResourceID),
		}, nil
	}

	affected := e.affectedResources(resource)
	services := affectedServices(resource)
	spofs := e.detectSPOFs(resource, affected)
	zones := e.affectedZones(resource, affected)
	score := e.score(action, resource, services)

	return models.BlastRadiusResult{
		Score:                 score,
		AffectedResources:     affected,
		AffectedServices:      services,
		SinglePointsOfFailure: spofs,
		AffectedZones:         zones,
		Reasoning:             e.reasoning(action, resource, score, affected, spofs),
	}, nil
}

// affectedResources collects every resource one hop from the target:
// dependencies, dependents, governed resources, and explicit edge neighbours.
// The result is deduplicated preserving insertion order.
func (e *Evaluator) affectedResources(resource *models.Resource) []string {
	affected := make([]string, 0, len(resource.Dependencies)+len(resource.Dependents)+len(resource.Governs))
	seen := map[string]struct{}{}
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		affected = append(affected, name)
	}
	for _, dep := range resource.Dependencies {
		add(dep)
	}
	for _, dep := range resource.Dependents {
		add(dep)
	}
	for _, gov := range resource.Governs {
		add(gov)
	}
	for _, edge := range e.Topology.Edges() {
		if edge.From == resource.Name {
			add(edge.To)
		} else if edge.To == resource.Name {
			add(edge.From)
		}
	}
	return affected
}

func affectedServices(resource *models.Resource) []string {
	services := make([]string, 0, len(resource.ServicesHosted)+len(resource.Consumers))
	seen := map[string]struct{}{}
	for _, s := range append(append([]string{}, resource.ServicesHosted...), resource.Consumers...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		services = append(services, s)
	}
	return services
}

// detectSPOFs flags every critical-tagged resource in the blast radius,
// target included.
func (e *Evaluator) detectSPOFs(resource *models.Resource, affected []string) []string {
	spofs := []string{}
	if resource.Criticality() == "critical" {
		spofs = append(spofs, resource.Name)
	}
	for _, name := range affected {
		r := e.Topology.Get(name)
		if r == nil || r.Criticality() != "critical" {
			continue
		}
		dup := false
		for _, s := range spofs {
			if s == name {
				dup = true
				break
			}
		}
		if !dup {
			spofs = append(spofs, name)
		}
	}
	return spofs
}

func (e *Evaluator) affectedZones(resource *models.Resource, affected []string) []string {
	zones := []string{}
	seen := map[string]struct{}{}
	add := func(loc string) {
		if loc == "" {
			return
		}
		if _, ok := seen[loc]; ok {
			return
		}
		seen[loc] = struct{}{}
		zones = append(zones, loc)
	}
	add(resource.Location)
	for _, name := range affected {
		if r := e.Topology.Get(name); r != nil {
			add(r.Location)
		}
	}
	return zones
}

// score sums the action base, target criticality, per-dependent and
// per-service contributions, and 10 points per additional critical resource
// reachable via governs or explicit edges. Capped at 100.
func (e *Evaluator) score(action *models.ProposedAction, resource *models.Resource, services []string) float64 {
	score := actionBase[action.ActionType]
	score += criticalityScore[resource.Criticality()]

	depPts := float64(len(resource.Dependents)) * dependentPoints
	if depPts > maxDependentPoints {
		depPts = maxDependentPoints
	}
	score += depPts

	svcPts := float64(len(services)) * servicePoints
	if svcPts > maxServicePoints {
		svcPts = maxServicePoints
	}
	score += svcPts

	score += float64(len(e.scoredSPOFs(resource))) * spofPoints

	if score > 100 {
		score = 100
	}
	return score
}

// scoredSPOFs are the critical resources reachable from the target via
// governs links or explicit edges, target excluded. Critical resources
// reached only through dependency fields appear in the SPOF listing but do
// not add points.
func (e *Evaluator) scoredSPOFs(resource *models.Resource) []string {
	candidates := append([]string{}, resource.Governs...)
	for _, edge := range e.Topology.Edges() {
		if edge.From == resource.Name {
			candidates = append(candidates, edge.To)
		} else if edge.To == resource.Name {
			candidates = append(candidates, edge.From)
		}
	}
	out := []string{}
	seen := map[string]struct{}{}
	for _, name := range candidates {
		if name == resource.Name {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if r := e.Topology.Get(name); r != nil && r.Criticality() == "critical" {
			out = append(out, name)
		}
	}
	return out
}

func (e *Evaluator) reasoning(action *models.ProposedAction, resource *models.Resource, score float64, affected, spofs []string) string {
	criticality := resource.Criticality()
	if criticality == "" {
		criticality = "untagged"
	}
	preview := affected
	ellipsis := ""
	if len(preview) > 3 {
		preview = preview[:3]
		ellipsis = "..."
	}
	lines := []string{
		fmt.Sprintf("Blast radius for %s on %s (criticality: %s).",
			action.ActionType, resource.Name, criticality),
		fmt.Sprintf("Action base risk %.0f pts; %d resources in one-hop radius: %s%s.",
			actionBase[action.ActionType], len(affected), strings.Join(preview, ", "), ellipsis),
	}
	if len(spofs) > 0 {
		lines = append(lines, fmt.Sprintf("Single points of failure: %s.", strings.Join(spofs, ", ")))
	}
	lines = append(lines, fmt.Sprintf("SRI:Infrastructure %.1f/100.", score))
	return strings.Join(lines, "\n")
}
