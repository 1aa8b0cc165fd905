// Package route implements the cross-butler routing control plane:
// route.execute (the MCP tool every butler exposes so the Switchboard and
// other trusted callers can hand it work) and the recovery sweep that
// replays anything left in a route_inbox after a crash.
package route

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"switchboard/internal/butler"
	"switchboard/internal/domain"
)

// SessionSpawner spawns a session from a routed prompt.
type SessionSpawner interface {
	SpawnWithRequestID(ctx context.Context, prompt, triggerSource, parentSessionID, requestID string) (sessionID, result string, err error)
}

type butlerBinding struct {
	inbox   domain.RouteInboxStore
	spawner SessionSpawner
	tools   domain.ToolExecutor
}

// Executor is the per-butler route.execute implementation: it validates
// the caller is trusted, durably records the request, and processes it
// asynchronously so the caller is never blocked on a butler's own LLM turn.
type Executor struct {
	registry *butler.Registry
	bindings map[string]butlerBinding
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewExecutor constructs an Executor.
func NewExecutor(registry *butler.Registry, bus domain.EventBus, logger *slog.Logger) *Executor {
	return &Executor{
		registry: registry,
		bindings: make(map[string]butlerBinding),
		bus:      bus,
		logger:   logger,
	}
}

// RegisterButler wires a butler's route_inbox and session spawner into the
// executor so route.v1 calls targeting it can be processed.
func (e *Executor) RegisterButler(name string, inbox domain.RouteInboxStore, spawner SessionSpawner) {
	e.bindings[name] = butlerBinding{inbox: inbox, spawner: spawner}
}

// RegisterButlerTools attaches a butler's MCP tool registry to an already
// registered binding. When a route.v1 call names a tool present in this
// registry, process() invokes it directly instead of spawning a generic
// session — the deterministic path "module tools" (messenger.deliver,
// education's curriculum tools, ...) need instead of an LLM turn.
func (e *Executor) RegisterButlerTools(name string, tools domain.ToolExecutor) {
	b := e.bindings[name]
	b.tools = tools
	e.bindings[name] = b
}

func newInboxID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Execute is the MCP-facing route.execute tool body: it enforces
// trusted_route_callers before accepting the request.
func (e *Executor) Execute(ctx context.Context, callerIdentity string, route domain.RouteV1) *domain.RouteResponseV1 {
	if !e.registry.IsTrustedCaller(route.Target.Butler, callerIdentity) {
		env := domain.ClassifyError(domain.NewSubSystemError("route", "Executor.Execute",
			domain.ErrRouteCallerUntrusted, callerIdentity))
		return &domain.RouteResponseV1{SchemaVersion: domain.SchemaRouteResponseV1, Status: "error", Error: &env}
	}
	return e.accept(ctx, route)
}

// Dispatch is the switchboard.RouteDispatcher implementation: internal
// callers within this process (the Switchboard pipeline itself) are
// implicitly trusted and skip the caller check Execute performs.
func (e *Executor) Dispatch(ctx context.Context, target string, route domain.RouteV1) (*domain.RouteResponseV1, error) {
	resp := e.accept(ctx, route)
	if resp.Status == "error" {
		return resp, domain.WrapOp("route.dispatch", domain.ErrButlerNotFound)
	}
	return resp, nil
}

func (e *Executor) accept(ctx context.Context, route domain.RouteV1) *domain.RouteResponseV1 {
	binding, ok := e.bindings[route.Target.Butler]
	if !ok {
		env := domain.ClassifyError(domain.NewSubSystemError("route", "Executor.accept",
			domain.ErrButlerNotFound, route.Target.Butler))
		return &domain.RouteResponseV1{SchemaVersion: domain.SchemaRouteResponseV1, Status: "error", Error: &env}
	}

	id := route.RequestContext.RequestID
	if id == "" {
		id = newInboxID()
	}
	row := domain.RouteInboxRow{
		ID:             id,
		ReceivedAt:     time.Now(),
		RouteEnvelope:  route,
		LifecycleState: domain.RouteInboxAccepted,
	}
	if err := binding.inbox.Insert(ctx, row); err != nil {
		env := domain.ClassifyError(err)
		return &domain.RouteResponseV1{SchemaVersion: domain.SchemaRouteResponseV1, Status: "error", Error: &env}
	}

	e.emit(ctx, domain.EventRouteAccepted, route.Target.Butler, id)
	go e.process(context.WithoutCancel(ctx), route.Target.Butler, binding, id, route)

	return &domain.RouteResponseV1{SchemaVersion: domain.SchemaRouteResponseV1, Status: "accepted", InboxID: id}
}

func (e *Executor) process(ctx context.Context, butlerName string, binding butlerBinding, id string, route domain.RouteV1) {
	if err := binding.inbox.TransitionToProcessing(ctx, id); err != nil {
		e.logger.Warn("route inbox claim lost", "butler", butlerName, "id", id, "error", err)
		return
	}

	sessionID, err := e.invoke(ctx, binding, route)
	now := time.Now()
	if err != nil {
		if markErr := binding.inbox.MarkErrored(ctx, id, err.Error(), now); markErr != nil {
			e.logger.Error("failed to mark route inbox errored", "id", id, "error", markErr)
		}
		e.emit(ctx, domain.EventRouteFailed, butlerName, id)
		return
	}

	if markErr := binding.inbox.MarkProcessed(ctx, id, sessionID, now); markErr != nil {
		e.logger.Error("failed to mark route inbox processed", "id", id, "error", markErr)
	}
	e.emit(ctx, domain.EventRouteExecuted, butlerName, id)
}

// invoke runs a routed call's target: a named module tool when the butler's
// registry has one bound for route.Target.Tool (the deterministic path —
// messenger.deliver, curriculum_next_node, ...), falling back to spawning a
// generic session when no such tool is bound, exactly as a bare
// route.execute prompt from the base spec is handled.
func (e *Executor) invoke(ctx context.Context, binding butlerBinding, route domain.RouteV1) (sessionID string, err error) {
	if binding.tools != nil && route.Target.Tool != "" && route.Target.Tool != "route.execute" {
		if t, toolErr := binding.tools.Get(route.Target.Tool); toolErr == nil {
			params, marshalErr := json.Marshal(route.Input)
			if marshalErr != nil {
				return "", marshalErr
			}
			result, execErr := t.Execute(ctx, params)
			if execErr != nil {
				return "", execErr
			}
			if result != nil && result.IsError {
				return "", domain.NewSubSystemError("route", "Executor.invoke", domain.ErrToolFailure, result.Content)
			}
			return "", nil
		}
	}
	sessionID, _, err = binding.spawner.SpawnWithRequestID(ctx, route.Input.Prompt, "route", "", route.RequestContext.RequestID)
	return sessionID, err
}

// RecoverSweep replays every accepted/stuck-processing row in a butler's
// route_inbox, called once at startup before the butler starts accepting
// new traffic.
func (e *Executor) RecoverSweep(ctx context.Context, butlerName string, processingLivenessBound time.Duration) error {
	binding, ok := e.bindings[butlerName]
	if !ok {
		return domain.NewSubSystemError("route", "Executor.RecoverSweep", domain.ErrButlerNotFound, butlerName)
	}
	rows, err := binding.inbox.ListRecoverable(ctx, processingLivenessBound, time.Now())
	if err != nil {
		return err
	}
	for _, row := range rows {
		e.logger.Info("recovering route inbox row", "butler", butlerName, "id", row.ID)
		go e.process(context.WithoutCancel(ctx), butlerName, binding, row.ID, row.RouteEnvelope)
	}
	return nil
}

func (e *Executor) emit(ctx context.Context, eventType domain.EventType, butlerName, inboxID string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   domain.MustMarshalPayload(map[string]string{"butler": butlerName, "inbox_id": inboxID}),
	})
}
