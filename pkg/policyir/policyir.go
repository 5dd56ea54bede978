// Package policyir defines the typed predicate representation for governance
// policies and the loader that parses the policy file into it. Predicates are
// a tagged variant; policies that cannot be parsed fail startup.
package policyir

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/psc0des/sentinellayer/pkg/models"
)

// Predicate kinds.
const (
	KindTagMatch          = "tag_match"
	KindActionIn          = "action_in"
	KindTimeWindow        = "time_window"
	KindResourceTypeIn    = "resource_type_in"
	KindEnvRequiresReview = "env_requires_review"
	KindMinDependents     = "min_dependents"
)

// EvalInput is the context a predicate decides over.
type EvalInput struct {
	Action   *models.ProposedAction
	Resource *models.Resource // nil when the target is unknown to the topology
	Tags     map[string]string
	Now      time.Time // UTC instant of the action
}

// Predicate is a typed decision function over (action, target, metadata).
type Predicate interface {
	Kind() string
	// Eval reports whether the policy fires, plus an optional rationale.
	Eval(in EvalInput) (bool, string)
}

// Policy is one governance rule with its parsed predicate.
type Policy struct {
	PolicyID    string
	Severity    models.Severity
	Description string
	Predicate   Predicate
}

// rawPolicy mirrors the on-disk format of §policies.json.
type rawPolicy struct {
	PolicyID    string          `json:"policy_id"`
	Severity    string          `json:"severity"`
	Description string          `json:"description"`
	Predicate   json.RawMessage `json:"predicate"`
}

// LoadFile parses the policy file at path. Any malformed policy is a fatal
// configuration error.
func LoadFile(path string) ([]Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policies: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a JSON policy list.
func Parse(raw []byte) ([]Policy, error) {
	var rows []rawPolicy
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parse policies: %w", err)
	}
	out := make([]Policy, 0, len(rows))
	seen := map[string]struct{}{}
	for i, row := range rows {
		if strings.TrimSpace(row.PolicyID) == "" {
			return nil, fmt.Errorf("policy #%d: policy_id is required", i)
		}
		if _, dup := seen[row.PolicyID]; dup {
			return nil, fmt.Errorf("policy %s: duplicate policy_id", row.PolicyID)
		}
		seen[row.PolicyID] = struct{}{}
		sev := models.Severity(row.Severity)
		if !sev.Valid() {
			return nil, fmt.Errorf("policy %s: unknown severity %q", row.PolicyID, row.Severity)
		}
		pred, err := parsePredicate(row.Predicate)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", row.PolicyID, err)
		}
		out = append(out, Policy{
			PolicyID:    row.PolicyID,
			Severity:    sev,
			Description: row.Description,
			Predicate:   pred,
		})
	}
	return out, nil
}

func parsePredicate(raw json.RawMessage) (Predicate, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("predicate is required")
	}
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("parse predicate: %w", err)
	}
	switch head.Kind {
	case KindTagMatch:
		var p TagMatch
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.Key == "" {
			return nil, fmt.Errorf("tag_match: key is required")
		}
		if err := validActions(p.Actions); err != nil {
			return nil, fmt.Errorf("tag_match: %w", err)
		}
		return &p, nil
	case KindActionIn:
		var p ActionIn
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if len(p.Actions) == 0 {
			return nil, fmt.Errorf("action_in: actions is required")
		}
		if err := validActions(p.Actions); err != nil {
			return nil, fmt.Errorf("action_in: %w", err)
		}
		return &p, nil
	case KindTimeWindow:
		var p TimeWindow
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if err := p.compile(); err != nil {
			return nil, fmt.Errorf("time_window: %w", err)
		}
		return &p, nil
	case KindResourceTypeIn:
		var p ResourceTypeIn
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if len(p.ResourceTypes) == 0 {
			return nil, fmt.Errorf("resource_type_in: resource_types is required")
		}
		return &p, nil
	case KindEnvRequiresReview:
		return &EnvRequiresReview{}, nil
	case KindMinDependents:
		var p MinDependents
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.Min <= 0 {
			return nil, fmt.Errorf("min_dependents: min must be positive")
		}
		if err := validActions(p.Actions); err != nil {
			return nil, fmt.Errorf("min_dependents: %w", err)
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown predicate kind %q", head.Kind)
	}
}

func validActions(actions []models.ActionType) error {
	for _, a := range actions {
		if !a.Valid() {
			return fmt.Errorf("unknown action_type %q", a)
		}
	}
	return nil
}

func actionIn(a models.ActionType, set []models.ActionType) bool {
	for _, s := range set {
		if s == a {
			return true
		}
	}
	return false
}

// TagMatch fires when the target tag equals the configured value and the
// action type is in the configured set (empty set = any action).
type TagMatch struct {
	Key     string              `json:"key"`
	Value   string              `json:"value"`
	Actions []models.ActionType `json:"actions,omitempty"`
}

func (p *TagMatch) Kind() string { return KindTagMatch }

func (p *TagMatch) Eval(in EvalInput) (bool, string) {
	if in.Tags[p.Key] != p.Value {
		return false, ""
	}
	if len(p.Actions) > 0 && !actionIn(in.Action.ActionType, p.Actions) {
		return false, ""
	}
	return true, fmt.Sprintf("target tagged %s=%s", p.Key, p.Value)
}

// ActionIn fires when the action type is in the configured set.
type ActionIn struct {
	Actions []models.ActionType `json:"actions"`
}

func (p *ActionIn) Kind() string { return KindActionIn }

func (p *ActionIn) Eval(in EvalInput) (bool, string) {
	if !actionIn(in.Action.ActionType, p.Actions) {
		return false, ""
	}
	return true, fmt.Sprintf("action %s is restricted", in.Action.ActionType)
}

// TimeWindow fires when the action's UTC timestamp lies inside a recurring
// weekly window. Start is inclusive, end exclusive. Windows may cover a
// single day, span forward across several days, or wrap around the week end.
type TimeWindow struct {
	DayStart string `json:"day_start"`
	DayEnd   string `json:"day_end"`
	Start    string `json:"start"`
	End      string `json:"end"`

	sDay, eDay int
	sMin, eMin int
}

func (p *TimeWindow) Kind() string { return KindTimeWindow }

var dayIndex = map[string]int{
	"Monday":    0,
	"Tuesday":   1,
	"Wednesday": 2,
	"Thursday":  3,
	"Friday":    4,
	"Saturday":  5,
	"Sunday":    6,
}

func (p *TimeWindow) compile() error {
	var ok bool
	if p.sDay, ok = dayIndex[p.DayStart]; !ok {
		return fmt.Errorf("unknown day_start %q", p.DayStart)
	}
	if p.eDay, ok = dayIndex[p.DayEnd]; !ok {
		return fmt.Errorf("unknown day_end %q", p.DayEnd)
	}
	var err error
	if p.sMin, err = parseClock(p.Start); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if p.eMin, err = parseClock(p.End); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	return nil
}

func parseClock(raw string) (int, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("want HH:MM, got %q", raw)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", raw)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", raw)
	}
	return h*60 + m, nil
}

func (p *TimeWindow) Eval(in EvalInput) (bool, string) {
	now := in.Now.UTC()
	// time.Weekday has Sunday=0; the window table uses Monday=0.
	wd := (int(now.Weekday()) + 6) % 7
	tMin := now.Hour()*60 + now.Minute()

	inside := false
	switch {
	case p.sDay == p.eDay:
		inside = wd == p.sDay && tMin >= p.sMin && tMin < p.eMin
	case p.sDay < p.eDay:
		switch {
		case wd > p.sDay && wd < p.eDay:
			inside = true
		case wd == p.sDay:
			inside = tMin >= p.sMin
		case wd == p.eDay:
			inside = tMin < p.eMin
		}
	default: // wraps past Sunday into the next week
		switch {
		case wd > p.sDay || wd < p.eDay:
			inside = true
		case wd == p.sDay:
			inside = tMin >= p.sMin
		case wd == p.eDay:
			inside = tMin < p.eMin
		}
	}
	if !inside {
		return false, ""
	}
	return true, fmt.Sprintf("inside restricted window %s %s to %s %s", p.DayStart, p.Start, p.DayEnd, p.End)
}

// ResourceTypeIn fires when the target resource type is in the set.
type ResourceTypeIn struct {
	ResourceTypes []string `json:"resource_types"`
}

func (p *ResourceTypeIn) Kind() string { return KindResourceTypeIn }

func (p *ResourceTypeIn) Eval(in EvalInput) (bool, string) {
	for _, t := range p.ResourceTypes {
		if t == in.Action.Target.ResourceType {
			return true, fmt.Sprintf("resource type %s is restricted", t)
		}
	}
	return false, ""
}

// EnvRequiresReview fires when the target carries a production environment tag.
type EnvRequiresReview struct{}

func (p *EnvRequiresReview) Kind() string { return KindEnvRequiresReview }

func (p *EnvRequiresReview) Eval(in EvalInput) (bool, string) {
	env := strings.ToLower(in.Tags["environment"])
	if env == "production" || env == "prod" {
		return true, "target runs in production"
	}
	return false, ""
}

// destructiveDefaults is the action set MinDependents applies to when the
// policy does not name one.
var destructiveDefaults = []models.ActionType{
	models.ActionDeleteResource,
	models.ActionScaleDown,
	models.ActionRestartService,
	models.ActionModifyNSG,
}

// MinDependents fires when the target has at least Min dependents and the
// action is destructive.
type MinDependents struct {
	Min     int                 `json:"min"`
	Actions []models.ActionType `json:"actions,omitempty"`
}

func (p *MinDependents) Kind() string { return KindMinDependents }

func (p *MinDependents) Eval(in EvalInput) (bool, string) {
	actions := p.Actions
	if len(actions) == 0 {
		actions = destructiveDefaults
	}
	if !actionIn(in.Action.ActionType, actions) {
		return false, ""
	}
	if in.Resource == nil || len(in.Resource.Dependents) < p.Min {
		return false, ""
	}
	return true, fmt.Sprintf("%d dependents rely on %s", len(in.Resource.Dependents), in.Resource.Name)
}
