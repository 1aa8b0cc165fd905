// Package session turns a prompt plus a trigger source into a logged,
// append-only session run: the unit of work behind every scheduled tick,
// routed message, and external trigger in the fleet.
package session

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"switchboard/internal/domain"
	"switchboard/internal/store/sqlite"
)

// Runner executes one synthetic chat turn for a spawned session. The
// default implementation here is a stub that echoes the prompt; a real
// deployment wires this to whatever LLM-calling agent a butler carries.
type Runner interface {
	Run(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
}

// EchoRunner is a trivial Runner used where no real LLM-backed runner has
// been wired, and in tests: it reflects the prompt back as the assistant
// turn with zero usage.
type EchoRunner struct{}

// Run implements Runner.
func (EchoRunner) Run(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var prompt string
	for _, m := range req.Messages {
		if m.Role == domain.RoleUser {
			prompt = m.Content
		}
	}
	return &domain.ChatResponse{
		Model:     req.Model,
		Message:   domain.Message{Role: domain.RoleAssistant, Content: prompt, Timestamp: time.Now()},
		CreatedAt: time.Now(),
	}, nil
}

// Spawner allocates a session ID, drives a synthetic chat turn through a
// Runner, and appends the result to a butler's sessions log.
type Spawner struct {
	store  *sqlite.SessionStore
	runner Runner
	model  string
	logger *slog.Logger
}

// New constructs a Spawner over a butler's session store.
func New(store *sqlite.SessionStore, runner Runner, model string, logger *slog.Logger) *Spawner {
	if runner == nil {
		runner = EchoRunner{}
	}
	return &Spawner{store: store, runner: runner, model: model, logger: logger}
}

func newSessionID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Spawn runs prompt through the configured Runner, tagging the resulting
// session row with triggerSource (e.g. "schedule:<name>", "route", "tick",
// "external") and an optional parent session for causal chains.
func (s *Spawner) Spawn(ctx context.Context, prompt, triggerSource, parentSessionID string) (sessionID string, result string, err error) {
	return s.SpawnWithRequestID(ctx, prompt, triggerSource, parentSessionID, "")
}

// SpawnWithRequestID is Spawn plus an explicit request_id to correlate the
// session with a route.v1/ingest.v1 call.
func (s *Spawner) SpawnWithRequestID(ctx context.Context, prompt, triggerSource, parentSessionID, requestID string) (sessionID string, result string, err error) {
	id := newSessionID()
	start := time.Now()

	resp, runErr := s.runner.Run(ctx, domain.ChatRequest{
		Model:    s.model,
		Messages: []domain.Message{{Role: domain.RoleUser, Content: prompt, Timestamp: start}},
	})

	completed := time.Now()
	rec := sqlite.SessionRecord{
		ID:              id,
		Prompt:          prompt,
		TriggerSource:   triggerSource,
		Model:           s.model,
		DurationMS:      completed.Sub(start).Milliseconds(),
		RequestID:       requestID,
		ParentSessionID: parentSessionID,
		StartedAt:       start,
		CompletedAt:     completed,
	}

	if runErr != nil {
		rec.Success = false
		rec.Error = runErr.Error()
	} else {
		rec.Success = true
		rec.Result = resp.Message.Content
		rec.InputTokens = resp.Usage.PromptTokens
		rec.OutputTokens = resp.Usage.CompletionTokens
		result = resp.Message.Content
	}

	if insertErr := s.store.Insert(ctx, rec); insertErr != nil {
		s.logger.Error("failed to persist session record", "id", id, "error", insertErr)
	}

	if runErr != nil {
		return id, "", runErr
	}
	return id, result, nil
}
