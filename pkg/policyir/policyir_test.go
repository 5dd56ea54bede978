package policyir

import (
	"testing"
	"time"

	"github.com/psc0des/sentinellayer/pkg/models"
)

func mustParse(t *testing.T, body string) []Policy {
	t.Helper()
	policies, err := Parse([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return policies
}

func evalAt(t *testing.T, p Policy, action *models.ProposedAction, tags map[string]string, now time.Time) bool {
	t.Helper()
	fired, _ := p.Predicate.Eval(EvalInput{Action: action, Tags: tags, Now: now})
	return fired
}

func TestParseRejectsUnknownKind(t *testing.T) {
	_, err := Parse([]byte(`[{"policy_id":"P1","severity":"low","description":"d","predicate":{"kind":"regex_match"}}]`))
	if err == nil {
		t.Fatalf("expected error for unknown predicate kind")
	}
}

func TestParseRejectsBadSeverity(t *testing.T) {
	_, err := Parse([]byte(`[{"policy_id":"P1","severity":"severe","description":"d","predicate":{"kind":"env_requires_review"}}]`))
	if err == nil {
		t.Fatalf("expected error for unknown severity")
	}
}

func TestParseRejectsDuplicateIDs(t *testing.T) {
	_, err := Parse([]byte(`[
		{"policy_id":"P1","severity":"low","description":"d","predicate":{"kind":"env_requires_review"}},
		{"policy_id":"P1","severity":"low","description":"d","predicate":{"kind":"env_requires_review"}}
	]`))
	if err == nil {
		t.Fatalf("expected error for duplicate policy ids")
	}
}

func TestParseRejectsBadClock(t *testing.T) {
	_, err := Parse([]byte(`[{"policy_id":"P1","severity":"low","description":"d",
		"predicate":{"kind":"time_window","day_start":"Monday","day_end":"Monday","start":"17:xx","end":"20:00"}}]`))
	if err == nil {
		t.Fatalf("expected error for malformed clock value")
	}
}

func TestTagMatchPredicate(t *testing.T) {
	policies := mustParse(t, `[{"policy_id":"P1","severity":"critical","description":"no DR deletes",
		"predicate":{"kind":"tag_match","key":"disaster-recovery","value":"true","actions":["delete_resource","scale_down"]}}]`)
	p := policies[0]
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)

	del := &models.ProposedAction{ActionType: models.ActionDeleteResource, Target: models.ActionTarget{ResourceID: "vm-dr-01"}}
	if !evalAt(t, p, del, map[string]string{"disaster-recovery": "true"}, now) {
		t.Fatalf("expected tag_match to fire for tagged delete")
	}
	if evalAt(t, p, del, map[string]string{"disaster-recovery": "false"}, now) {
		t.Fatalf("expected tag_match not to fire for other tag value")
	}
	up := &models.ProposedAction{ActionType: models.ActionScaleUp, Target: models.ActionTarget{ResourceID: "vm-dr-01"}}
	if evalAt(t, p, up, map[string]string{"disaster-recovery": "true"}, now) {
		t.Fatalf("expected tag_match not to fire for action outside set")
	}
}

func TestSameDayWindowEndpoints(t *testing.T) {
	policies := mustParse(t, `[{"policy_id":"P1","severity":"medium","description":"freeze",
		"predicate":{"kind":"time_window","day_start":"Monday","day_end":"Monday","start":"17:00","end":"20:00"}}]`)
	p := policies[0]
	action := &models.ProposedAction{ActionType: models.ActionUpdateConfig, Target: models.ActionTarget{ResourceID: "vm-a"}}

	// 2025-06-09 is a Monday.
	cases := []struct {
		at    time.Time
		fires bool
	}{
		{time.Date(2025, 6, 9, 16, 59, 59, 0, time.UTC), false},
		{time.Date(2025, 6, 9, 17, 0, 0, 0, time.UTC), true},
		{time.Date(2025, 6, 9, 19, 59, 59, 0, time.UTC), true},
		{time.Date(2025, 6, 9, 20, 0, 0, 0, time.UTC), false},
		{time.Date(2025, 6, 10, 18, 0, 0, 0, time.UTC), false}, // Tuesday, inside hours
	}
	for _, tc := range cases {
		if got := evalAt(t, p, action, nil, tc.at); got != tc.fires {
			t.Fatalf("at %s expected fires=%v, got %v", tc.at, tc.fires, got)
		}
	}
}

func TestForwardMultiDayWindow(t *testing.T) {
	policies := mustParse(t, `[{"policy_id":"P1","severity":"medium","description":"mid-week freeze",
		"predicate":{"kind":"time_window","day_start":"Tuesday","day_end":"Thursday","start":"22:00","end":"06:00"}}]`)
	p := policies[0]
	action := &models.ProposedAction{ActionType: models.ActionUpdateConfig, Target: models.ActionTarget{ResourceID: "vm-a"}}

	cases := []struct {
		at    time.Time
		fires bool
	}{
		{time.Date(2025, 6, 10, 21, 59, 0, 0, time.UTC), false}, // Tuesday before start
		{time.Date(2025, 6, 10, 22, 0, 0, 0, time.UTC), true},   // Tuesday at start
		{time.Date(2025, 6, 11, 3, 0, 0, 0, time.UTC), true},    // Wednesday any time
		{time.Date(2025, 6, 11, 15, 0, 0, 0, time.UTC), true},   // Wednesday afternoon
		{time.Date(2025, 6, 12, 5, 59, 0, 0, time.UTC), true},   // Thursday before end
		{time.Date(2025, 6, 12, 6, 0, 0, 0, time.UTC), false},   // Thursday at end
		{time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC), false},   // Friday
	}
	for _, tc := range cases {
		if got := evalAt(t, p, action, nil, tc.at); got != tc.fires {
			t.Fatalf("at %s expected fires=%v, got %v", tc.at, tc.fires, got)
		}
	}
}

func TestWrapAroundWeekendWindow(t *testing.T) {
	policies := mustParse(t, `[{"policy_id":"P1","severity":"medium","description":"weekend freeze",
		"predicate":{"kind":"time_window","day_start":"Friday","day_end":"Monday","start":"17:00","end":"08:00"}}]`)
	p := policies[0]
	action := &models.ProposedAction{ActionType: models.ActionUpdateConfig, Target: models.ActionTarget{ResourceID: "vm-a"}}

	cases := []struct {
		at    time.Time
		fires bool
	}{
		{time.Date(2025, 6, 13, 16, 59, 0, 0, time.UTC), false}, // Friday before start
		{time.Date(2025, 6, 13, 17, 0, 0, 0, time.UTC), true},   // Friday at start
		{time.Date(2025, 6, 14, 3, 0, 0, 0, time.UTC), true},    // Saturday
		{time.Date(2025, 6, 15, 23, 30, 0, 0, time.UTC), true},  // Sunday night
		{time.Date(2025, 6, 16, 7, 59, 0, 0, time.UTC), true},   // Monday before end
		{time.Date(2025, 6, 16, 8, 0, 0, 0, time.UTC), false},   // Monday at end
		{time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC), false},  // Wednesday
	}
	for _, tc := range cases {
		if got := evalAt(t, p, action, nil, tc.at); got != tc.fires {
			t.Fatalf("at %s expected fires=%v, got %v", tc.at, tc.fires, got)
		}
	}
}

func TestEnvRequiresReview(t *testing.T) {
	policies := mustParse(t, `[{"policy_id":"P1","severity":"medium","description":"prod review",
		"predicate":{"kind":"env_requires_review"}}]`)
	p := policies[0]
	action := &models.ProposedAction{ActionType: models.ActionUpdateConfig, Target: models.ActionTarget{ResourceID: "vm-a"}}
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)

	for _, env := range []string{"production", "prod", "Production"} {
		if !evalAt(t, p, action, map[string]string{"environment": env}, now) {
			t.Fatalf("expected env_requires_review to fire for %q", env)
		}
	}
	if evalAt(t, p, action, map[string]string{"environment": "staging"}, now) {
		t.Fatalf("expected env_requires_review not to fire for staging")
	}
	if evalAt(t, p, action, nil, now) {
		t.Fatalf("expected env_requires_review not to fire without tags")
	}
}

func TestMinDependentsPredicate(t *testing.T) {
	policies := mustParse(t, `[{"policy_id":"P1","severity":"medium","description":"load-bearing",
		"predicate":{"kind":"min_dependents","min":2}}]`)
	p := policies[0]
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	resource := &models.Resource{Name: "sql-db-01", Dependents: []string{"a", "b", "c"}}

	del := &models.ProposedAction{ActionType: models.ActionDeleteResource, Target: models.ActionTarget{ResourceID: "sql-db-01"}}
	fired, _ := p.Predicate.Eval(EvalInput{Action: del, Resource: resource, Now: now})
	if !fired {
		t.Fatalf("expected min_dependents to fire for destructive action with 3 dependents")
	}

	create := &models.ProposedAction{ActionType: models.ActionCreateResource, Target: models.ActionTarget{ResourceID: "sql-db-01"}}
	fired, _ = p.Predicate.Eval(EvalInput{Action: create, Resource: resource, Now: now})
	if fired {
		t.Fatalf("expected min_dependents not to fire for non-destructive action")
	}

	fired, _ = p.Predicate.Eval(EvalInput{Action: del, Resource: nil, Now: now})
	if fired {
		t.Fatalf("expected min_dependents not to fire for unknown resource")
	}
}

func TestResourceTypeInPredicate(t *testing.T) {
	policies := mustParse(t, `[{"policy_id":"P1","severity":"low","description":"storage watch",
		"predicate":{"kind":"resource_type_in","resource_types":["Microsoft.Storage/storageAccounts"]}}]`)
	p := policies[0]
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)

	match := &models.ProposedAction{ActionType: models.ActionUpdateConfig,
		Target: models.ActionTarget{ResourceID: "st1", ResourceType: "Microsoft.Storage/storageAccounts"}}
	if !evalAt(t, p, match, nil, now) {
		t.Fatalf("expected resource_type_in to fire")
	}
	other := &models.ProposedAction{ActionType: models.ActionUpdateConfig,
		Target: models.ActionTarget{ResourceID: "vm1", ResourceType: "Microsoft.Compute/virtualMachines"}}
	if evalAt(t, p, other, nil, now) {
		t.Fatalf("expected resource_type_in not to fire for other type")
	}
}
