package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/domain"
	"switchboard/internal/store/sqlite"
)

// GatedToolConfig names one tool subject to approval gating.
type GatedToolConfig struct {
	RiskTier    string // "low" | "medium" | "high"
	ExpiryHours int
}

// Config is a butler's approval-gate configuration: which tools are gated
// and the precedence tuple reported back to callers in a pending response.
type Config struct {
	GatedTools     map[string]GatedToolConfig
	RulePrecedence []string
}

func (c Config) expiryFor(toolName string) time.Duration {
	hours := c.GatedTools[toolName].ExpiryHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// Gate wraps gated tools at registration time so a tool call that matches
// a configured name is intercepted before the tool's own Execute ever
// runs: it resolves the target contact, applies the owner fast-path or a
// standing rule, or parks the call for a human decision.
type Gate struct {
	butlerName string
	store      *sqlite.ApprovalStore
	contacts   *ContactResolver
	config     Config
	bus        domain.EventBus
	logger     *slog.Logger
}

// NewGate constructs a Gate for one butler.
func NewGate(butlerName string, store *sqlite.ApprovalStore, contacts *ContactResolver, config Config, bus domain.EventBus, logger *slog.Logger) *Gate {
	return &Gate{butlerName: butlerName, store: store, contacts: contacts, config: config, bus: bus, logger: logger}
}

// Wrap returns tool unchanged unless its name is configured as gated, in
// which case it returns a decorator implementing the same domain.Tool
// interface whose Execute method runs the approval flow before ever
// calling tool.Execute. Tools themselves stay unaware of the gate.
func (g *Gate) Wrap(tool domain.Tool) domain.Tool {
	cfg, gated := g.config.GatedTools[tool.Name()]
	if !gated {
		return tool
	}
	return &gatedTool{gate: g, original: tool, riskTier: cfg.RiskTier}
}

type gatedTool struct {
	gate     *Gate
	original domain.Tool
	riskTier string
}

func (t *gatedTool) Name() string             { return t.original.Name() }
func (t *gatedTool) Description() string      { return t.original.Description() }
func (t *gatedTool) Schema() domain.ToolSchema { return t.original.Schema() }

func (t *gatedTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var args map[string]any
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, domain.NewSubSystemError("approval", "Gate.Execute", domain.ErrInvalidInput, err.Error())
	}
	return t.gate.intercept(ctx, t.original, t.riskTier, args, params)
}

func (g *Gate) intercept(ctx context.Context, original domain.Tool, riskTier string, args map[string]any, rawParams json.RawMessage) (*domain.ToolResult, error) {
	toolName := original.Name()
	actionID := uuid.NewString()
	now := time.Now().UTC()
	expiresAt := now.Add(g.config.expiryFor(toolName))
	requester := domain.RequesterIdentityFromContext(ctx)
	channelType, channelValue, hasIdentity := extractChannelIdentity(args)

	var contact *ResolvedContact
	if hasIdentity {
		var err error
		contact, err = g.contacts.Resolve(ctx, channelType, channelValue)
		if err != nil {
			return nil, domain.NewSubSystemError("approval", "Gate.intercept", err, "resolving target contact")
		}
	}

	row := sqlite.PendingActionRow{
		ID:                actionID,
		ButlerName:        g.butlerName,
		ToolName:          toolName,
		Args:              args,
		RequesterIdentity: requester,
		Channel:           channelValue,
		CreatedAt:         now,
		ExpiresAt:         expiresAt,
	}
	if err := g.store.CreatePending(ctx, row); err != nil {
		return nil, err
	}
	g.emit(ctx, domain.EventActionQueued, actionID, "system:approval_gate", "gated invocation intercepted")

	if contact.HasRole("owner") {
		return g.autoApprove(ctx, original, actionID, toolName, args, "role:owner", "target contact has owner role", now)
	}

	rules, err := g.store.ListActiveRules(ctx, g.butlerName, toolName)
	if err != nil {
		return nil, err
	}
	if rule := matchStandingRule(rules, args); rule != nil {
		result, err := g.autoApprove(ctx, original, actionID, toolName, args, fmt.Sprintf("rule:%s", rule.ID), "standing rule matched", now)
		if err == nil {
			if incErr := g.store.IncrementRuleUse(ctx, rule.ID); incErr != nil {
				g.logger.Warn("approval: failed to increment rule use count", "rule_id", rule.ID, "error", incErr)
			}
		}
		return result, err
	}

	reason := "no matching standing rule"
	if contact == nil {
		reason = "unresolvable target"
	}
	g.logger.Info("approval: parked gated tool for decision", "tool", toolName, "action_id", actionID, "risk_tier", riskTier, "reason", reason)

	pending := map[string]any{
		"status":          "pending_approval",
		"action_id":       actionID,
		"message":         fmt.Sprintf("Action queued for approval: tool %q called with args %s", toolName, string(rawParams)),
		"risk_tier":       riskTier,
		"rule_precedence": g.config.RulePrecedence,
	}
	body, err := json.Marshal(pending)
	if err != nil {
		return nil, err
	}
	return &domain.ToolResult{Content: string(body)}, nil
}

func (g *Gate) autoApprove(ctx context.Context, original domain.Tool, actionID, toolName string, args map[string]any, actor, reason string, now time.Time) (*domain.ToolResult, error) {
	if err := g.store.Resolve(ctx, actionID, "approved", actor, now); err != nil {
		return nil, err
	}
	g.emit(ctx, domain.EventActionAutoApproved, actionID, actor, reason)

	params, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	result, execErr := original.Execute(ctx, params)
	if execErr != nil || (result != nil && result.IsError) {
		detail := reason
		if execErr != nil {
			detail = execErr.Error()
		} else if result != nil {
			detail = result.Content
		}
		g.emit(ctx, domain.EventActionExecutionFailed, actionID, "system:approval_gate", detail)
		if execErr != nil {
			return nil, execErr
		}
		return result, nil
	}

	if err := g.store.MarkExecuted(ctx, actionID, time.Now().UTC()); err != nil {
		g.logger.Warn("approval: failed to mark action executed", "action_id", actionID, "error", err)
	}
	g.emit(ctx, domain.EventActionExecutionSucceeded, actionID, "system:approval_gate", "tool execution succeeded")
	return result, nil
}

func (g *Gate) emit(ctx context.Context, eventType domain.EventType, actionID, actor, reason string) {
	if err := g.store.AppendEvent(ctx, sqlite.ApprovalEventRow{
		ActionID: actionID, Decision: string(eventType), Reason: reason, DecidedBy: actor, DecidedAt: time.Now().UTC(),
	}); err != nil {
		g.logger.Warn("approval: failed to append event", "action_id", actionID, "event", eventType, "error", err)
	}
	if g.bus == nil {
		return
	}
	g.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   domain.MustMarshalPayload(map[string]string{"action_id": actionID, "actor": actor, "reason": reason}),
	})
}
