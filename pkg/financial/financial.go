// Package financial computes the SRI:Cost dimension from the estimated
// monthly cost change, an action multiplier, and over-optimization detection.
package financial

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/psc0des/sentinellayer/pkg/models"
	"github.com/psc0des/sentinellayer/pkg/topology"
)

// Magnitude thresholds over |monthly change|, highest first; first match wins.
var magnitudeThresholds = []struct {
	min float64
	pts float64
}{
	{1000, 70},
	{600, 50},
	{300, 30},
	{100, 15},
	{0.01, 5},
}

var actionMultiplier = map[models.ActionType]float64{
	models.ActionDeleteResource: 1.5,
	models.ActionScaleDown:      1.2,
	models.ActionUpdateConfig:   0.8,
	models.ActionScaleUp:        0.6,
	models.ActionCreateResource: 0.5,
	models.ActionRestartService: 0.3,
	models.ActionModifyNSG:      0.3,
}

const (
	overOptimizationPenalty = 20.0
	costUncertaintyPenalty  = 10.0

	scaleDownEstimate = 0.30
	scaleUpEstimate   = 0.50

	recoveryCostPerService = 10_000.0
)

type Evaluator struct {
	Topology *topology.Store
}

func New(store *topology.Store) *Evaluator {
	return &Evaluator{Topology: store}
}

// Evaluate estimates the monthly cost change and converts it into the
// 0-100 SRI:Cost score.
func (e *Evaluator) Evaluate(ctx context.Context, action *models.ProposedAction) (models.FinancialResult, error) {
	if err := ctx.Err(); err != nil {
		return models.FinancialResult{}, err
	}
	resource := e.Topology.Find(action.Target.ResourceID)
	change, uncertain := estimateChange(action, resource)
	overOpt := detectOverOptimization(action, resource, change)
	score := calculateScore(action, change, uncertain, overOpt.Triggered)

	return models.FinancialResult{
		Score:            score,
		MonthlyChange:    change,
		Projected90d:     round2(change * 3),
		CostUncertain:    uncertain,
		OverOptimization: overOpt,
		Reasoning:        reasoning(action, change, uncertain, overOpt, score),
	}, nil
}

// estimateChange resolves the signed monthly USD change (negative = savings)
// and whether the figure is an estimate. A stated cost of 0.0 is a known
// zero, not missing data.
func estimateChange(action *models.ProposedAction, resource *models.Resource) (float64, bool) {
	if action.ProjectedSavingsMonthly != nil {
		return -*action.ProjectedSavingsMonthly, false
	}

	var currentCost *float64
	if action.Target.CurrentMonthlyCost != nil {
		currentCost = action.Target.CurrentMonthlyCost
	} else if resource != nil && resource.MonthlyCost != nil {
		currentCost = resource.MonthlyCost
	}

	switch action.ActionType {
	case models.ActionDeleteResource:
		if currentCost != nil {
			return -*currentCost, false
		}
		return 0, true
	case models.ActionScaleDown:
		if currentCost != nil {
			return round2(-*currentCost * scaleDownEstimate), true
		}
		return 0, true
	case models.ActionScaleUp:
		if currentCost != nil {
			return round2(*currentCost * scaleUpEstimate), true
		}
		return 0, true
	default:
		// Restarts, NSG changes, config updates and creates do not alter
		// billing; zero is the correct value, not missing data.
		return 0, false
	}
}

// detectOverOptimization fires when a cost-reducing action targets a critical
// resource: criticality tag, two or more dependents, or any hosted service.
func detectOverOptimization(action *models.ProposedAction, resource *models.Resource, change float64) models.OverOptimization {
	if change >= 0 || resource == nil {
		return models.OverOptimization{}
	}
	dependents := len(resource.Dependents)
	services := len(resource.ServicesHosted)
	critical := resource.Criticality() == "critical" || dependents >= 2 || services >= 1
	if !critical {
		return models.OverOptimization{}
	}
	count := dependents + services
	if count < 1 {
		count = 1
	}
	recovery := recoveryCostPerService * float64(count)
	return models.OverOptimization{
		Triggered: true,
		RiskUSD:   recovery,
		Rationale: fmt.Sprintf(
			"%s is load-bearing (%d dependents, %d hosted services); saving $%.0f/month risks $%.0f in unplanned recovery",
			resource.Name, dependents, services, math.Abs(change), recovery),
	}
}

func calculateScore(action *models.ProposedAction, change float64, uncertain, overOpt bool) float64 {
	score := magnitudeScore(math.Abs(change)) * actionMultiplier[action.ActionType]
	if overOpt {
		score += overOptimizationPenalty
	}
	if uncertain {
		score += costUncertaintyPenalty
	}
	return round2(math.Min(score, 100))
}

func magnitudeScore(absChange float64) float64 {
	for _, t := range magnitudeThresholds {
		if absChange >= t.min {
			return t.pts
		}
	}
	return 0
}

func reasoning(action *models.ProposedAction, change float64, uncertain bool, overOpt models.OverOptimization, score float64) string {
	direction := "no change"
	if change < 0 {
		direction = "reduction"
	} else if change > 0 {
		direction = "increase"
	}
	tag := ""
	if uncertain {
		tag = " (estimated)"
	}
	lines := []string{
		fmt.Sprintf("Financial impact of %s: $%.2f/month %s%s.",
			action.ActionType, math.Abs(change), direction, tag),
		fmt.Sprintf("90-day outlook $%.2f; annualized $%.2f (linear projection).",
			change*3, change*12),
	}
	if overOpt.Triggered {
		lines = append(lines, "Over-optimization risk: "+overOpt.Rationale+".")
	}
	lines = append(lines, fmt.Sprintf("SRI:Cost %.1f/100.", score))
	return strings.Join(lines, "\n")
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
