package approval

import (
	"sort"

	"switchboard/internal/store/sqlite"
)

// matchStandingRule selects the standing rule — if any — that auto-approves
// a tool invocation, applying the gate's fixed precedence:
//  1. more specific arg_constraints first (more constrained keys win)
//  2. bounded scope (an expiry or a use limit) before unbounded
//  3. newer created_at before older
//  4. lexical id as a final, fully deterministic tie-break
//
// A rule matches only if every key in its arg_constraints is present in
// the call's args with an equal value; an empty arg_constraints map
// matches any invocation of its tool.
func matchStandingRule(rules []sqlite.ApprovalRuleRow, args map[string]any) *sqlite.ApprovalRuleRow {
	var candidates []sqlite.ApprovalRuleRow
	for _, r := range rules {
		if ruleMatches(r, args) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if len(a.ArgConstraints) != len(b.ArgConstraints) {
			return len(a.ArgConstraints) > len(b.ArgConstraints)
		}
		aBounded, bBounded := isBounded(a), isBounded(b)
		if aBounded != bBounded {
			return aBounded
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return &candidates[0]
}

func ruleMatches(r sqlite.ApprovalRuleRow, args map[string]any) bool {
	for key, want := range r.ArgConstraints {
		got, ok := args[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}

func isBounded(r sqlite.ApprovalRuleRow) bool {
	return r.ExpiresAt != nil || r.MaxUses != nil
}
