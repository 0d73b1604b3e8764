package brain

import (
	"context"
	"testing"

	"careline/internal/config"
)

func testEvaluator() TableEvaluator {
	return TableEvaluator{
		Transitions: map[string][]string{
			"idle":       {"preparing"},
			"preparing":  {"in_care", "idle"},
			"in_care":    {"paused", "completing"},
			"paused":     {"in_care"},
			"completing": {"idle"},
		},
		Rules: []config.BrainRule{
			{ID: "care.no_restart_while_completing", From: []string{"completing"}, To: []string{"in_care"}, Message: "care session is completing, start a new one instead"},
		},
	}
}

func TestEvaluateAllowedTransition(t *testing.T) {
	e := testEvaluator()
	out, err := e.Evaluate(context.Background(), Request{From: "idle", To: "preparing"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !out.Allowed {
		t.Fatalf("expected allowed, got denied: %s", out.Reason)
	}
}

func TestEvaluateUnknownTransitionDenied(t *testing.T) {
	e := testEvaluator()
	out, err := e.Evaluate(context.Background(), Request{From: "idle", To: "in_care"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Allowed {
		t.Fatal("expected deny for transition outside the table")
	}
	if out.Reason == "" {
		t.Fatal("expected a reason on deny")
	}
	if len(out.FiredRules) != 0 {
		t.Fatalf("table deny should not name rules, got %v", out.FiredRules)
	}
}

func TestEvaluateDenyRuleFires(t *testing.T) {
	e := testEvaluator()
	e.Transitions["completing"] = append(e.Transitions["completing"], "in_care")
	out, err := e.Evaluate(context.Background(), Request{From: "completing", To: "in_care"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Allowed {
		t.Fatal("expected deny rule to fire")
	}
	if len(out.FiredRules) != 1 || out.FiredRules[0] != "care.no_restart_while_completing" {
		t.Fatalf("unexpected fired rules: %v", out.FiredRules)
	}
	if out.Reason != "care session is completing, start a new one instead" {
		t.Fatalf("unexpected reason: %s", out.Reason)
	}
}

func TestEvaluateWildcardRule(t *testing.T) {
	e := testEvaluator()
	e.Rules = append(e.Rules, config.BrainRule{ID: "care.freeze", Message: "facility is frozen"})
	out, err := e.Evaluate(context.Background(), Request{From: "idle", To: "preparing"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Allowed {
		t.Fatal("wildcard rule should deny every transition")
	}
	if out.Reason != "facility is frozen" {
		t.Fatalf("unexpected reason: %s", out.Reason)
	}
}
