package approval

import (
	"context"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/domain"
	"switchboard/internal/store/sqlite"
)

// ApproveAction resolves a pending action as approved under a CAS guard —
// a second caller racing the same decision sees domain.ErrStateConflict.
// The action stays approved: this human-decision path runs no tool
// function, so it never marks the action executed.
func (g *Gate) ApproveAction(ctx context.Context, actionID, actorID string, createRule bool) (*sqlite.PendingActionRow, *sqlite.ApprovalRuleRow, error) {
	now := time.Now().UTC()
	if err := g.store.Resolve(ctx, actionID, "approved", "human:"+actorID, now); err != nil {
		return nil, nil, err
	}
	g.emit(ctx, domain.EventActionApproved, actionID, "user:"+actorID, "approved via human decision")

	row, err := g.store.Get(ctx, actionID)
	if err != nil {
		return nil, nil, err
	}

	var rule *sqlite.ApprovalRuleRow
	if createRule {
		rule, err = g.CreateRuleFromAction(ctx, actionID, nil, actorID)
		if err != nil {
			return row, nil, err
		}
	}
	return row, rule, nil
}

// RejectAction resolves a pending action as rejected under the same CAS guard.
func (g *Gate) RejectAction(ctx context.Context, actionID, reason, actorID string) (*sqlite.PendingActionRow, error) {
	now := time.Now().UTC()
	if err := g.store.Resolve(ctx, actionID, "rejected", "human:"+actorID, now); err != nil {
		return nil, err
	}
	g.emit(ctx, domain.EventActionRejected, actionID, "user:"+actorID, reason)
	return g.store.Get(ctx, actionID)
}

// CreateRule adds a standing rule directly.
func (g *Gate) CreateRule(ctx context.Context, toolName string, argConstraints map[string]any, description string, expiresAt *time.Time, maxUses *int, actorID string) (*sqlite.ApprovalRuleRow, error) {
	row := sqlite.ApprovalRuleRow{
		ID: uuid.NewString(), ButlerName: g.butlerName, ToolName: toolName,
		ArgConstraints: argConstraints, Description: description,
		CreatedAt: time.Now().UTC(), ExpiresAt: expiresAt, MaxUses: maxUses,
	}
	if err := g.store.AddRule(ctx, row); err != nil {
		return nil, err
	}
	if err := g.store.AppendEvent(ctx, sqlite.ApprovalEventRow{
		ActionID: "", Decision: "rule_created", Reason: description, DecidedBy: "user:" + actorID, DecidedAt: row.CreatedAt,
	}); err != nil {
		g.logger.Warn("approval: failed to append rule_created event", "rule_id", row.ID, "error", err)
	}
	return &row, nil
}

// CreateRuleFromAction derives a standing rule from a past action's own
// arguments, using them verbatim as the rule's constraints unless
// overridden — a simpler stand-in for the gate's constraint-suggestion
// heuristics, which SPEC_FULL leaves unspecified.
func (g *Gate) CreateRuleFromAction(ctx context.Context, actionID string, overrides map[string]any, actorID string) (*sqlite.ApprovalRuleRow, error) {
	action, err := g.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	constraints := make(map[string]any, len(action.Args))
	for k, v := range action.Args {
		constraints[k] = v
	}
	for k, v := range overrides {
		constraints[k] = v
	}

	row := sqlite.ApprovalRuleRow{
		ID: uuid.NewString(), ButlerName: g.butlerName, ToolName: action.ToolName,
		ArgConstraints: constraints, Description: "derived from action " + actionID,
		CreatedAt: time.Now().UTC(), CreatedFrom: actionID,
	}
	if err := g.store.AddRule(ctx, row); err != nil {
		return nil, err
	}
	g.emit(ctx, domain.EventRuleCreated, actionID, "user:"+actorID, "create_rule_from_action")
	return &row, nil
}

// RevokeRule deactivates a standing rule.
func (g *Gate) RevokeRule(ctx context.Context, ruleID, actorID string) error {
	if err := g.store.RevokeRule(ctx, ruleID); err != nil {
		return err
	}
	g.emit(ctx, domain.EventRuleRevoked, ruleID, "user:"+actorID, "rule revoked")
	return nil
}
