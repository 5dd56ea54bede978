package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidInput marks schema/validation failures on caller-supplied input.
var ErrInvalidInput = errors.New("invalid input")

// ActionType enumerates the infrastructure mutations agents can propose.
type ActionType string

const (
	ActionScaleUp        ActionType = "scale_up"
	ActionScaleDown      ActionType = "scale_down"
	ActionDeleteResource ActionType = "delete_resource"
	ActionRestartService ActionType = "restart_service"
	ActionModifyNSG      ActionType = "modify_nsg"
	ActionCreateResource ActionType = "create_resource"
	ActionUpdateConfig   ActionType = "update_config"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionScaleUp, ActionScaleDown, ActionDeleteResource, ActionRestartService,
		ActionModifyNSG, ActionCreateResource, ActionUpdateConfig:
		return true
	}
	return false
}

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// Decision is the governance outcome for a proposed action.
type Decision string

const (
	DecisionApproved  Decision = "approved"
	DecisionEscalated Decision = "escalated"
	DecisionDenied    Decision = "denied"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionApproved, DecisionEscalated, DecisionDenied:
		return true
	}
	return false
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Rank orders severities for sorting; critical sorts first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	}
	return 4
}

// ActionTarget identifies the resource a proposed action mutates.
type ActionTarget struct {
	ResourceID         string   `json:"resource_id"`
	ResourceType       string   `json:"resource_type"`
	ResourceGroup      string   `json:"resource_group,omitempty"`
	CurrentSKU         string   `json:"current_sku,omitempty"`
	ProposedSKU        string   `json:"proposed_sku,omitempty"`
	CurrentMonthlyCost *float64 `json:"current_monthly_cost,omitempty"`
}

// ProposedAction is an infrastructure mutation proposed by an operational agent.
// Immutable once accepted by the pipeline.
type ProposedAction struct {
	ActionID                string            `json:"action_id,omitempty"`
	AgentID                 string            `json:"agent_id,omitempty"`
	ActionType              ActionType        `json:"action_type"`
	Target                  ActionTarget      `json:"target"`
	Reason                  string            `json:"reason,omitempty"`
	Urgency                 Urgency           `json:"urgency,omitempty"`
	ProjectedSavingsMonthly *float64          `json:"projected_savings_monthly,omitempty"`
	Metadata                map[string]string `json:"metadata,omitempty"`
	Timestamp               time.Time         `json:"timestamp,omitempty"`
}

// Validate checks required fields and enum values.
func (a *ProposedAction) Validate() error {
	if strings.TrimSpace(a.Target.ResourceID) == "" {
		return fmt.Errorf("%w: target.resource_id is required", ErrInvalidInput)
	}
	if a.ActionType == "" {
		return fmt.Errorf("%w: action_type is required", ErrInvalidInput)
	}
	if !a.ActionType.Valid() {
		return fmt.Errorf("%w: unknown action_type %q", ErrInvalidInput, a.ActionType)
	}
	if a.Urgency != "" && !a.Urgency.Valid() {
		return fmt.Errorf("%w: unknown urgency %q", ErrInvalidInput, a.Urgency)
	}
	return nil
}

// TargetName returns the short resource name: full cloud resource IDs are
// reduced to their last path segment, short names pass through unchanged.
func (a *ProposedAction) TargetName() string {
	id := a.Target.ResourceID
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

// SRI is the Sentinel Risk Index breakdown; every value lives in [0,100].
type SRI struct {
	Infrastructure float64 `json:"infrastructure"`
	Policy         float64 `json:"policy"`
	Historical     float64 `json:"historical"`
	Cost           float64 `json:"cost"`
	Composite      float64 `json:"composite"`
}

// Weights is the dimension weight vector used for the composite.
type Weights struct {
	Infrastructure float64 `json:"infrastructure"`
	Policy         float64 `json:"policy"`
	Historical     float64 `json:"historical"`
	Cost           float64 `json:"cost"`
}

// Sum returns the total of the four weights.
func (w Weights) Sum() float64 {
	return w.Infrastructure + w.Policy + w.Historical + w.Cost
}

// Thresholds are the decision band boundaries actually applied.
type Thresholds struct {
	AutoApprove float64 `json:"auto_approve"`
	HumanReview float64 `json:"human_review"`
}

// PolicyViolation is one fired policy, carried inside PolicyResult.
type PolicyViolation struct {
	PolicyID    string   `json:"policy_id"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// BlastRadiusResult is the SRI:Infrastructure evaluator output.
type BlastRadiusResult struct {
	Score                 float64  `json:"score"`
	AffectedResources     []string `json:"affected_resources"`
	AffectedServices      []string `json:"affected_services"`
	SinglePointsOfFailure []string `json:"single_points_of_failure"`
	AffectedZones         []string `json:"affected_zones"`
	Reasoning             string   `json:"reasoning"`
}

// PolicyResult is the SRI:Policy evaluator output.
type PolicyResult struct {
	Score                float64           `json:"score"`
	Violations           []PolicyViolation `json:"violations"`
	HasCriticalViolation bool              `json:"has_critical_violation"`
	Reasoning            string            `json:"reasoning"`
}

// SimilarIncident is one matched historical incident.
type SimilarIncident struct {
	IncidentID string   `json:"incident_id"`
	Similarity float64  `json:"similarity"`
	Severity   Severity `json:"severity"`
	Summary    string   `json:"summary"`
}

// HistoricalResult is the SRI:Historical evaluator output.
type HistoricalResult struct {
	Score                float64           `json:"score"`
	SimilarIncidents     []SimilarIncident `json:"similar_incidents"`
	MostRelevantIncident *SimilarIncident  `json:"most_relevant_incident,omitempty"`
	RecommendedProcedure string            `json:"recommended_procedure,omitempty"`
	Reasoning            string            `json:"reasoning"`
}

// OverOptimization flags a cost-reducing action whose savings are dwarfed by
// the worst-case recovery cost of a dependent failure.
type OverOptimization struct {
	Triggered bool    `json:"triggered"`
	RiskUSD   float64 `json:"risk_usd"`
	Rationale string  `json:"rationale,omitempty"`
}

// FinancialResult is the SRI:Cost evaluator output.
type FinancialResult struct {
	Score            float64          `json:"score"`
	MonthlyChange    float64          `json:"monthly_change"`
	Projected90d     float64          `json:"projected_90d"`
	CostUncertain    bool             `json:"cost_uncertain"`
	OverOptimization OverOptimization `json:"over_optimization"`
	Reasoning        string           `json:"reasoning"`
}

// SubResults bundles the four typed evaluator results inside a verdict.
type SubResults struct {
	BlastRadius BlastRadiusResult `json:"blast_radius"`
	Policy      PolicyResult      `json:"policy"`
	Historical  HistoricalResult  `json:"historical"`
	Financial   FinancialResult   `json:"financial"`
}

// GovernanceVerdict is the written-once output of one pipeline evaluation,
// addressable by ActionID.
type GovernanceVerdict struct {
	ActionID     string     `json:"action_id"`
	AgentID      string     `json:"agent_id,omitempty"`
	ActionType   ActionType `json:"action_type"`
	ResourceID   string     `json:"resource_id"`
	ResourceType string     `json:"resource_type,omitempty"`
	Decision     Decision   `json:"decision"`
	SRI          SRI        `json:"sri"`
	Weights      Weights    `json:"weights"`
	Thresholds   Thresholds `json:"thresholds"`
	Reason       string     `json:"reason"`
	Violations   []string   `json:"violations"`
	SubResults   SubResults `json:"sub_results"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Resource is one node of the topology graph.
type Resource struct {
	Name           string            `json:"name"`
	ID             string            `json:"id,omitempty"`
	Type           string            `json:"type"`
	Location       string            `json:"location,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	Dependencies   []string          `json:"dependencies,omitempty"`
	Dependents     []string          `json:"dependents,omitempty"`
	Governs        []string          `json:"governs,omitempty"`
	ServicesHosted []string          `json:"services_hosted,omitempty"`
	Consumers      []string          `json:"consumers,omitempty"`
	MonthlyCost    *float64          `json:"monthly_cost,omitempty"`
}

// Criticality returns the resource's criticality tag, or "" when untagged.
func (r *Resource) Criticality() string {
	if r == nil || r.Tags == nil {
		return ""
	}
	return r.Tags["criticality"]
}

// DependencyEdge is an explicit directed edge not reflected in per-resource
// fields; this is how the topology file records cycles.
type DependencyEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Incident is one past-incident record served by the incident store.
type Incident struct {
	IncidentID           string   `json:"incident_id"`
	Title                string   `json:"title"`
	Summary              string   `json:"summary"`
	ActionType           string   `json:"action_type"`
	ResourceType         string   `json:"resource_type"`
	ResourceName         string   `json:"resource_name,omitempty"`
	Tags                 []string `json:"tags,omitempty"`
	Severity             Severity `json:"severity"`
	OutcomeText          string   `json:"outcome_text"`
	RecommendedProcedure string   `json:"recommended_procedure,omitempty"`
}

// AgentRecord holds per-agent governance counters. Identity is Name.
type AgentRecord struct {
	Name          string    `json:"name"`
	CardURL       string    `json:"card_url,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastSeen      time.Time `json:"last_seen"`
	TotalProposed int64     `json:"total_proposed"`
	Approved      int64     `json:"approved"`
	Escalated     int64     `json:"escalated"`
	Denied        int64     `json:"denied"`
}
