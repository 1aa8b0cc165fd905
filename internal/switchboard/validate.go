package switchboard

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"switchboard/internal/domain"
)

const ingestSchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version", "source", "event", "sender", "payload"],
  "properties": {
    "schema_version": {"type": "string"},
    "source": {
      "type": "object",
      "required": ["channel", "provider", "endpoint_identity"],
      "properties": {
        "channel": {"type": "string", "minLength": 1},
        "provider": {"type": "string", "minLength": 1},
        "endpoint_identity": {"type": "string", "minLength": 1}
      }
    },
    "event": {
      "type": "object",
      "required": ["observed_at"],
      "properties": {
        "external_event_id": {"type": "string"},
        "external_thread_id": {"type": "string"},
        "observed_at": {"type": "string", "minLength": 1}
      }
    },
    "sender": {
      "type": "object",
      "required": ["identity"],
      "properties": {
        "identity": {"type": "string", "minLength": 1}
      }
    },
    "payload": {
      "type": "object",
      "required": ["raw", "normalized_text"],
      "properties": {
        "raw": {"type": "string"},
        "normalized_text": {"type": "string"}
      }
    }
  }
}`

const notifySchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema_version", "origin_butler", "delivery"],
  "properties": {
    "schema_version": {"type": "string"},
    "origin_butler": {"type": "string", "minLength": 1},
    "delivery": {
      "type": "object",
      "required": ["intent", "channel", "message"],
      "properties": {
        "intent": {"type": "string", "enum": ["send", "reply"]},
        "channel": {"type": "string", "enum": ["telegram", "email", "slack", "discord"]},
        "message": {"type": "string", "minLength": 1}
      }
    }
  }
}`

var ingestSchema = compileSchema("ingest.v1", ingestSchemaDoc)
var notifySchema = compileSchema("notify.v1", notifySchemaDoc)

// ValidateNotifyEnvelope enforces the notify.v1 wire shape — a
// schema_version mismatch or missing required field is a validation_error
// before the envelope is dispatched anywhere.
func ValidateNotifyEnvelope(raw json.RawMessage) error {
	var probe struct {
		SchemaVersion string `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return domain.NewSubSystemError("switchboard", "ValidateNotifyEnvelope", domain.ErrInvalidInput, "malformed JSON: "+err.Error())
	}
	if probe.SchemaVersion != domain.SchemaNotifyV1 {
		return domain.NewSubSystemError("switchboard", "ValidateNotifyEnvelope", domain.ErrInvalidInput,
			fmt.Sprintf("unsupported schema_version %q", probe.SchemaVersion))
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return domain.NewSubSystemError("switchboard", "ValidateNotifyEnvelope", domain.ErrInvalidInput, "malformed JSON: "+err.Error())
	}
	if result := notifySchema.Validate(v); !result.IsValid() {
		return domain.NewSubSystemError("switchboard", "ValidateNotifyEnvelope", domain.ErrInvalidInput, result.Error())
	}
	return nil
}

func compileSchema(name, doc string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(doc))
	if err != nil {
		panic(fmt.Sprintf("switchboard: invalid embedded %s schema: %v", name, err))
	}
	return schema
}

// ChannelProviderAllowlist restricts which (channel, provider) pairs an
// ingest connector may submit — a rogue or misconfigured connector
// declaring an unrecognized provider is rejected before a row is ever
// written.
type ChannelProviderAllowlist map[string]map[string]bool

// NewChannelProviderAllowlist builds an allowlist from a channel -> []provider
// config map.
func NewChannelProviderAllowlist(pairs map[string][]string) ChannelProviderAllowlist {
	allow := make(ChannelProviderAllowlist, len(pairs))
	for channel, providers := range pairs {
		set := make(map[string]bool, len(providers))
		for _, p := range providers {
			set[p] = true
		}
		allow[channel] = set
	}
	return allow
}

// DefaultChannelProviderAllowlist is used when config carries no explicit
// ingest.allowed_channel_providers section — the provider adapters this
// fleet actually wires (§4.11 messenger module tools) plus the generic
// webhook channel.
func DefaultChannelProviderAllowlist() ChannelProviderAllowlist {
	return NewChannelProviderAllowlist(map[string][]string{
		"telegram": {"telegram_bot"},
		"email":    {"gmail", "smtp"},
		"slack":    {"slack_bot"},
		"discord":  {"discord_bot"},
		"http":     {"webhook"},
	})
}

// Has reports whether (channel, provider) is a recognized pair.
func (a ChannelProviderAllowlist) Has(channel, provider string) bool {
	providers, ok := a[channel]
	if !ok {
		return false
	}
	return providers[provider]
}

// validateIngestEnvelope validates a raw ingest.v1 payload in the order the
// base spec requires: a schema_version mismatch fails before any other
// parsing is attempted, then full JSON Schema shape validation, then the
// semantic checks no schema can express (the channel/provider allowlist,
// a timezone-bearing observed_at, non-empty identities).
func (p *Pipeline) validateIngestEnvelope(raw json.RawMessage) (domain.IngestV1, error) {
	var probe struct {
		SchemaVersion string `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return domain.IngestV1{}, domain.NewSubSystemError("switchboard", "Pipeline.Ingest", domain.ErrInvalidInput, "malformed JSON: "+err.Error())
	}
	if probe.SchemaVersion != domain.SchemaIngestV1 {
		return domain.IngestV1{}, domain.NewSubSystemError("switchboard", "Pipeline.Ingest", domain.ErrInvalidInput,
			fmt.Sprintf("unsupported schema_version %q", probe.SchemaVersion))
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return domain.IngestV1{}, domain.NewSubSystemError("switchboard", "Pipeline.Ingest", domain.ErrInvalidInput, "malformed JSON: "+err.Error())
	}
	if result := ingestSchema.Validate(v); !result.IsValid() {
		return domain.IngestV1{}, domain.NewSubSystemError("switchboard", "Pipeline.Ingest", domain.ErrInvalidInput, result.Error())
	}

	var env domain.IngestV1
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.IngestV1{}, domain.NewSubSystemError("switchboard", "Pipeline.Ingest", domain.ErrInvalidInput, err.Error())
	}

	if p.allowedChannels != nil && !p.allowedChannels.Has(env.Source.Channel, env.Source.Provider) {
		return domain.IngestV1{}, domain.NewSubSystemError("switchboard", "Pipeline.Ingest", domain.ErrInvalidInput,
			fmt.Sprintf("unrecognized (channel, provider) pair (%q, %q)", env.Source.Channel, env.Source.Provider))
	}
	if env.Event.ObservedAt.IsZero() {
		return domain.IngestV1{}, domain.NewSubSystemError("switchboard", "Pipeline.Ingest", domain.ErrInvalidInput,
			"event.observed_at must be a non-zero, timezone-bearing RFC3339 timestamp")
	}
	if strings.TrimSpace(env.Source.EndpointIdentity) == "" {
		return domain.IngestV1{}, domain.NewSubSystemError("switchboard", "Pipeline.Ingest", domain.ErrInvalidInput, "source.endpoint_identity is required")
	}
	if strings.TrimSpace(env.Sender.Identity) == "" {
		return domain.IngestV1{}, domain.NewSubSystemError("switchboard", "Pipeline.Ingest", domain.ErrInvalidInput, "sender.identity is required")
	}

	return env, nil
}
