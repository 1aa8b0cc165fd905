package switchboard

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/butler"
	"switchboard/internal/domain"
	"switchboard/internal/store/sqlite"
)

type stubDispatcher struct {
	resp *domain.RouteResponseV1
	err  error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, target string, route domain.RouteV1) (*domain.RouteResponseV1, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.resp != nil {
		return d.resp, nil
	}
	return &domain.RouteResponseV1{Status: "accepted"}, nil
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	db, err := sqlite.Open(":memory:", "ingest-test")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	inbox, err := sqlite.NewMessageInboxStore(db)
	require.NoError(t, err)
	butlerStore, err := sqlite.NewButlerRegistryStore(db)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := butler.NewRegistry(context.Background(), butlerStore, logger)
	require.NoError(t, err)
	require.NoError(t, reg.Register(context.Background(), domain.ButlerRegistration{
		Name: "general", Modules: []string{"general"}, LivenessTTLSeconds: 60,
	}))

	return NewPipeline(inbox, reg, &stubDispatcher{}, DefaultChannelProviderAllowlist(), nil, logger)
}

func validIngestEnvelope(t *testing.T, overrides map[string]any) []byte {
	t.Helper()
	env := map[string]any{
		"schema_version": "ingest.v1",
		"source":         map[string]any{"channel": "telegram", "provider": "telegram_bot", "endpoint_identity": "test_bot"},
		"event":          map[string]any{"external_event_id": "888001", "observed_at": "2026-01-01T09:00:00Z"},
		"sender":         map[string]any{"identity": "user-1"},
		"payload":        map[string]any{"raw": "hi", "normalized_text": "hi"},
	}
	for k, v := range overrides {
		env[k] = v
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func TestIngestAcceptsValidEnvelope(t *testing.T) {
	p := newTestPipeline(t)
	resp, err := p.Ingest(context.Background(), validIngestEnvelope(t, nil))
	require.NoError(t, err)
	assert.Equal(t, "accepted", resp.Status)
	assert.False(t, resp.Duplicate)
}

func TestIngestRejectsWrongSchemaVersion(t *testing.T) {
	p := newTestPipeline(t)
	raw := validIngestEnvelope(t, map[string]any{"schema_version": "ingest.v2"})
	_, err := p.Ingest(context.Background(), raw)
	require.Error(t, err)
	assert.Equal(t, domain.ClassValidation, domain.ClassifyError(err).Class)
}

func TestIngestRejectsUnrecognizedChannelProviderPair(t *testing.T) {
	p := newTestPipeline(t)
	raw := validIngestEnvelope(t, map[string]any{
		"source": map[string]any{"channel": "telegram", "provider": "rogue-provider", "endpoint_identity": "test_bot"},
	})
	_, err := p.Ingest(context.Background(), raw)
	require.Error(t, err)
	assert.Equal(t, domain.ClassValidation, domain.ClassifyError(err).Class)
}

func TestIngestRejectsEmptyEndpointIdentity(t *testing.T) {
	p := newTestPipeline(t)
	raw := validIngestEnvelope(t, map[string]any{
		"source": map[string]any{"channel": "telegram", "provider": "telegram_bot", "endpoint_identity": ""},
	})
	_, err := p.Ingest(context.Background(), raw)
	require.Error(t, err)
}

func TestIngestRejectsEmptySenderIdentity(t *testing.T) {
	p := newTestPipeline(t)
	raw := validIngestEnvelope(t, map[string]any{
		"sender": map[string]any{"identity": ""},
	})
	_, err := p.Ingest(context.Background(), raw)
	require.Error(t, err)
}

func TestIngestRejectsMissingTimezone(t *testing.T) {
	p := newTestPipeline(t)
	raw := validIngestEnvelope(t, map[string]any{
		"event": map[string]any{"external_event_id": "888001", "observed_at": "2026-01-01T09:00:00"},
	})
	_, err := p.Ingest(context.Background(), raw)
	require.Error(t, err)
}

func TestIngestWritesNoRowOnInvalidEnvelope(t *testing.T) {
	p := newTestPipeline(t)
	raw := validIngestEnvelope(t, map[string]any{"schema_version": "wrong"})
	_, err := p.Ingest(context.Background(), raw)
	require.Error(t, err)

	// A second, valid submission for the same endpoint should be treated as
	// the first accepted call, not a duplicate of the rejected one.
	resp, err := p.Ingest(context.Background(), validIngestEnvelope(t, nil))
	require.NoError(t, err)
	assert.False(t, resp.Duplicate)
}

func TestIngestSameExternalEventIDIsDuplicate(t *testing.T) {
	p := newTestPipeline(t)
	raw := validIngestEnvelope(t, nil)

	first, err := p.Ingest(context.Background(), raw)
	require.NoError(t, err)
	second, err := p.Ingest(context.Background(), raw)
	require.NoError(t, err)

	assert.Equal(t, first.RequestID, second.RequestID)
	assert.True(t, second.Duplicate)
}

func TestIngestDistinctMessagesWithoutExternalEventIDAreNotCollapsed(t *testing.T) {
	p := newTestPipeline(t)

	first, err := p.Ingest(context.Background(), validIngestEnvelope(t, map[string]any{
		"event":   map[string]any{"observed_at": "2026-01-01T09:00:00Z"},
		"payload": map[string]any{"raw": "first message", "normalized_text": "first message"},
	}))
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := p.Ingest(context.Background(), validIngestEnvelope(t, map[string]any{
		"event":   map[string]any{"observed_at": "2026-01-01T09:05:00Z"},
		"payload": map[string]any{"raw": "second message", "normalized_text": "second message"},
	}))
	require.NoError(t, err)

	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.False(t, second.Duplicate)
}

func TestDeriveIdempotencyKeyPrefersExplicitControlKey(t *testing.T) {
	env := domain.IngestV1{
		Source:  domain.IngestSource{Channel: "telegram", EndpointIdentity: "bot"},
		Event:   domain.IngestEvent{ExternalEventID: "evt-1", ObservedAt: time.Now()},
		Control: domain.IngestControl{IdempotencyKey: "custom-key"},
	}
	assert.Equal(t, "idem:telegram:bot:custom-key", deriveIdempotencyKey(env))
}

func TestDeriveIdempotencyKeyFallsBackToContentHashWhenNoIDsPresent(t *testing.T) {
	observedAt := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	a := domain.IngestV1{
		Source:  domain.IngestSource{Channel: "telegram", EndpointIdentity: "bot"},
		Event:   domain.IngestEvent{ObservedAt: observedAt},
		Sender:  domain.IngestSender{Identity: "user-1"},
		Payload: domain.IngestPayload{NormalizedText: "hello"},
	}
	b := a
	b.Payload.NormalizedText = "goodbye"

	assert.NotEqual(t, deriveIdempotencyKey(a), deriveIdempotencyKey(b))
}
