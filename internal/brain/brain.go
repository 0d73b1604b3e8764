package brain

import (
	"context"

	"careline/internal/config"
)

// Request describes one proposed care-state transition for evaluation.
type Request struct {
	ResidentID string
	From       string
	To         string
	ActorID    string
	Emergency  bool
}

// Outcome is the evaluator's verdict. A denied outcome carries a
// human-readable reason and the IDs of every rule that fired.
type Outcome struct {
	Allowed    bool
	Reason     string
	FiredRules []string
}

// Evaluator decides whether a care-state transition may proceed. The engine
// treats it as a black box; only the outcome is interpreted.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (Outcome, error)
}

// TableEvaluator enforces a static transition table plus named deny rules,
// both taken from the facility policy document.
type TableEvaluator struct {
	Transitions map[string][]string
	Rules       []config.BrainRule
}

func NewTableEvaluator(cfg *config.Config) TableEvaluator {
	return TableEvaluator{
		Transitions: cfg.Brain.Transitions,
		Rules:       cfg.Brain.Rules,
	}
}

func (e TableEvaluator) Evaluate(ctx context.Context, req Request) (Outcome, error) {
	if !e.transitionKnown(req.From, req.To) {
		return Outcome{
			Allowed: false,
			Reason:  "transition " + req.From + " -> " + req.To + " is not in the allowed table",
		}, nil
	}
	var fired []string
	var reason string
	for _, rule := range e.Rules {
		if matches(rule.From, req.From) && matches(rule.To, req.To) {
			fired = append(fired, rule.ID)
			if reason == "" {
				reason = rule.Message
			}
		}
	}
	if len(fired) > 0 {
		if reason == "" {
			reason = "denied by rule " + fired[0]
		}
		return Outcome{Allowed: false, Reason: reason, FiredRules: fired}, nil
	}
	return Outcome{Allowed: true}, nil
}

func (e TableEvaluator) transitionKnown(from, to string) bool {
	for _, allowed := range e.Transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// matches treats an empty list as a wildcard.
func matches(states []string, state string) bool {
	if len(states) == 0 {
		return true
	}
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
