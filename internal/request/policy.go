package request

import (
	"time"

	id "dsrd/pkg/domain"
	stringsutil "dsrd/pkg/platform/strings"
)

// Policy defines which action types apply to a request and the rules each
// one executes with. Policies are configuration consumed by the engine, not
// produced by it.
type Policy struct {
	ID    id.PolicyID
	Key   string
	Rules []Rule
	// ExecutionTimeframe, when non-zero, sets the request due date
	// relative to intake. Advisory only; the engine never enforces it.
	ExecutionTimeframe time.Duration
	// AutoApprove skips human review and moves pending requests straight
	// to approved.
	AutoApprove bool
}

// Rule scopes one action type to the data categories it touches. For
// erasure rules the targeted categories select which fields get masked.
type Rule struct {
	Key              string        `json:"key"`
	ActionType       id.ActionType `json:"action_type"`
	TargetCategories []string      `json:"target_categories,omitempty"`
	// MaskingStrategy is opaque to the engine; connectors interpret it.
	MaskingStrategy string `json:"masking_strategy,omitempty"`
}

// ActionTypes lists the distinct action types present in the policy, in
// rule order.
func (p Policy) ActionTypes() []id.ActionType {
	seen := make(map[id.ActionType]bool, 3)
	var out []id.ActionType
	for _, r := range p.Rules {
		if !seen[r.ActionType] {
			seen[r.ActionType] = true
			out = append(out, r.ActionType)
		}
	}
	return out
}

// RulesFor returns the rules matching one action type.
func (p Policy) RulesFor(action id.ActionType) []Rule {
	var out []Rule
	for _, r := range p.Rules {
		if r.ActionType == action {
			out = append(out, r)
		}
	}
	return out
}

// TargetCategoriesFor flattens the targeted categories across all rules of
// one action type. Categories repeated across rules collapse to one entry.
func (p Policy) TargetCategoriesFor(action id.ActionType) []string {
	var out []string
	for _, r := range p.RulesFor(action) {
		out = append(out, r.TargetCategories...)
	}
	return stringsutil.DedupeAndTrim(out)
}
