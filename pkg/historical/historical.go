// Package historical computes the SRI:Historical dimension from weighted
// similarity between the proposed action and past incidents.
package historical

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/psc0des/sentinellayer/pkg/incidents"
	"github.com/psc0des/sentinellayer/pkg/models"
)

// Similarity dimension weights; they sum to 1.0.
const (
	weightActionType   = 0.40
	weightResourceType = 0.30
	weightResourceName = 0.20
	weightTags         = 0.10

	similarityThreshold = 0.30

	// Each incident beyond the best match contributes this fraction of its
	// weighted score, so many weak precedents cannot swamp the signal.
	secondaryWeight = 0.20

	lookupLimit = 100
)

var severityWeight = map[models.Severity]float64{
	models.SeverityCritical: 100,
	models.SeverityHigh:     75,
	models.SeverityMedium:   40,
	models.SeverityLow:      10,
}

// actionKeywords are the incident tags that signal each action type.
var actionKeywords = map[models.ActionType][]string{
	models.ActionRestartService: {"restart"},
	models.ActionDeleteResource: {"deletion", "delete"},
	models.ActionModifyNSG:      {"nsg-change"},
	models.ActionScaleDown:      {"scale-down"},
	models.ActionScaleUp:        {"scale-up"},
	models.ActionUpdateConfig:   {"config-change"},
}

type Evaluator struct {
	Incidents incidents.Store
}

func New(store incidents.Store) *Evaluator {
	return &Evaluator{Incidents: store}
}

// Evaluate retrieves candidate incidents from the store and scores the
// action against them. The score depends only on the action and the
// returned incidents, never on the retrieval back-end.
func (e *Evaluator) Evaluate(ctx context.Context, action *models.ProposedAction) (models.HistoricalResult, error) {
	candidates, err := e.Incidents.Lookup(ctx, e.query(action), lookupLimit)
	if err != nil {
		return models.HistoricalResult{}, fmt.Errorf("incident lookup: %w", err)
	}

	type scored struct {
		sim float64
		inc models.Incident
	}
	kept := []scored{}
	for _, inc := range candidates {
		sim := similarity(action, inc)
		if sim >= similarityThreshold {
			kept = append(kept, scored{sim: sim, inc: inc})
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].sim != kept[j].sim {
			return kept[i].sim > kept[j].sim
		}
		return kept[i].inc.IncidentID < kept[j].inc.IncidentID
	})

	similar := make([]models.SimilarIncident, 0, len(kept))
	for _, s := range kept {
		similar = append(similar, models.SimilarIncident{
			IncidentID: s.inc.IncidentID,
			Similarity: s.sim,
			Severity:   s.inc.Severity,
			Summary:    s.inc.Summary,
		})
	}

	if len(similar) == 0 {
		return models.HistoricalResult{
			SimilarIncidents: []models.SimilarIncident{},
			Reasoning: fmt.Sprintf(
				"No historical precedent for %s on %s; no risk signal, score 0.",
				action.ActionType, action.Target.ResourceType),
		}, nil
	}

	best := similar[0]
	score := best.Similarity * severityWeight[best.Severity]
	for _, inc := range similar[1:] {
		score += inc.Similarity * severityWeight[inc.Severity] * secondaryWeight
	}
	score = math.Round(math.Min(score, 100)*100) / 100

	result := models.HistoricalResult{
		Score:                score,
		SimilarIncidents:     similar,
		MostRelevantIncident: &best,
		Reasoning:            reasoning(action, similar, score),
	}
	if proc := kept[0].inc.RecommendedProcedure; proc != "" {
		result.RecommendedProcedure = proc
	}
	return result, nil
}

// query builds the full-text lookup string for the incident store.
func (e *Evaluator) query(action *models.ProposedAction) string {
	parts := []string{string(action.ActionType), action.Target.ResourceType, action.TargetName()}
	parts = append(parts, actionKeywords[action.ActionType]...)
	return strings.Join(parts, " ")
}

// similarity is the weighted sum of the four match dimensions, rounded to
// two decimals. Name matching is case-insensitive.
func similarity(action *models.ProposedAction, inc models.Incident) float64 {
	score := 0.0
	if inc.ActionType == string(action.ActionType) {
		score += weightActionType
	}
	if inc.ResourceType == action.Target.ResourceType {
		score += weightResourceType
	}
	name := strings.ToLower(action.TargetName())
	if name != "" && nameMatches(name, inc) {
		score += weightResourceName
	}
	if keywordOverlap(action.ActionType, inc.Tags) {
		score += weightTags
	}
	return math.Round(score*100) / 100
}

func nameMatches(name string, inc models.Incident) bool {
	if strings.Contains(strings.ToLower(inc.Title), name) ||
		strings.Contains(strings.ToLower(inc.Summary), name) {
		return true
	}
	for _, tag := range inc.Tags {
		if strings.Contains(strings.ToLower(tag), name) {
			return true
		}
	}
	return false
}

func keywordOverlap(actionType models.ActionType, tags []string) bool {
	keywords := actionKeywords[actionType]
	for _, tag := range tags {
		lower := strings.ToLower(tag)
		for _, kw := range keywords {
			if lower == kw {
				return true
			}
		}
	}
	return false
}

func reasoning(action *models.ProposedAction, similar []models.SimilarIncident, score float64) string {
	best := similar[0]
	preview := best.Summary
	if len(preview) > 80 {
		preview = preview[:80] + "..."
	}
	lines := []string{
		fmt.Sprintf("Found %d similar incident(s) for %s on %s.",
			len(similar), action.ActionType, action.Target.ResourceType),
		fmt.Sprintf("Most relevant: %s (similarity %.0f%%, severity %s): %q",
			best.IncidentID, best.Similarity*100, best.Severity, preview),
	}
	if len(similar) > 1 {
		ids := make([]string, 0, len(similar)-1)
		for _, inc := range similar[1:] {
			ids = append(ids, inc.IncidentID)
		}
		lines = append(lines, fmt.Sprintf("Additional precedents: %s.", strings.Join(ids, ", ")))
	}
	lines = append(lines, fmt.Sprintf("SRI:Historical %.1f/100.", score))
	return strings.Join(lines, "\n")
}
