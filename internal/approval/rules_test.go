package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"switchboard/internal/store/sqlite"
)

func TestRuleMatchesRequiresEveryConstrainedKey(t *testing.T) {
	r := sqlite.ApprovalRuleRow{ArgConstraints: map[string]any{"recipient": "alice@example.com"}}
	assert.True(t, ruleMatches(r, map[string]any{"recipient": "alice@example.com", "body": "hi"}))
	assert.False(t, ruleMatches(r, map[string]any{"recipient": "bob@example.com"}))
	assert.False(t, ruleMatches(r, map[string]any{"body": "hi"}))
}

func TestRuleMatchesEmptyConstraintsMatchesAnything(t *testing.T) {
	r := sqlite.ApprovalRuleRow{}
	assert.True(t, ruleMatches(r, map[string]any{"anything": 1}))
	assert.True(t, ruleMatches(r, nil))
}

func TestIsBounded(t *testing.T) {
	exp := time.Now()
	uses := 3
	assert.True(t, isBounded(sqlite.ApprovalRuleRow{ExpiresAt: &exp}))
	assert.True(t, isBounded(sqlite.ApprovalRuleRow{MaxUses: &uses}))
	assert.False(t, isBounded(sqlite.ApprovalRuleRow{}))
}

func TestMatchStandingRuleReturnsNilWithNoCandidates(t *testing.T) {
	rules := []sqlite.ApprovalRuleRow{
		{ID: "r1", ArgConstraints: map[string]any{"recipient": "bob@example.com"}},
	}
	assert.Nil(t, matchStandingRule(rules, map[string]any{"recipient": "alice@example.com"}))
}

func TestMatchStandingRulePrefersMoreSpecificConstraints(t *testing.T) {
	rules := []sqlite.ApprovalRuleRow{
		{ID: "broad", ArgConstraints: map[string]any{}},
		{ID: "specific", ArgConstraints: map[string]any{"recipient": "alice@example.com"}},
	}
	got := matchStandingRule(rules, map[string]any{"recipient": "alice@example.com"})
	assert.NotNil(t, got)
	assert.Equal(t, "specific", got.ID)
}

func TestMatchStandingRulePrefersBoundedOverUnbounded(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	rules := []sqlite.ApprovalRuleRow{
		{ID: "unbounded", ArgConstraints: map[string]any{"recipient": "alice@example.com"}},
		{ID: "bounded", ArgConstraints: map[string]any{"recipient": "alice@example.com"}, ExpiresAt: &exp},
	}
	got := matchStandingRule(rules, map[string]any{"recipient": "alice@example.com"})
	assert.Equal(t, "bounded", got.ID)
}

func TestMatchStandingRulePrefersNewerCreatedAt(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	rules := []sqlite.ApprovalRuleRow{
		{ID: "older", CreatedAt: older},
		{ID: "newer", CreatedAt: newer},
	}
	got := matchStandingRule(rules, map[string]any{})
	assert.Equal(t, "newer", got.ID)
}

func TestMatchStandingRuleFallsBackToLexicalID(t *testing.T) {
	same := time.Now()
	rules := []sqlite.ApprovalRuleRow{
		{ID: "zzz", CreatedAt: same},
		{ID: "aaa", CreatedAt: same},
	}
	got := matchStandingRule(rules, map[string]any{})
	assert.Equal(t, "aaa", got.ID)
}
