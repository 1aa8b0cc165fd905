// Package approval implements the tool-approval gate: interception of
// gated MCP tool calls, owner fast-path and standing-rule auto-approval,
// the pending-decision queue, and the expiry sweep.
package approval

import (
	"context"

	"switchboard/internal/store/sqlite"
)

// ResolvedContact is the target identity an outbound tool call resolves
// to, used to decide whether the owner fast-path applies.
type ResolvedContact struct {
	EntityID string
	Name     string
	Roles    []string
}

// HasRole reports whether the resolved contact carries the given role.
func (c *ResolvedContact) HasRole(role string) bool {
	if c == nil {
		return false
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ContactResolver resolves a (channel_type, channel_value) pair — or a
// direct contact/entity ID — to a contact's roles, via the shared entity
// graph: an alias registered for the channel value resolves to an entity,
// whose "role" facts (e.g. "owner") drive the gate's auto-approval path.
type ContactResolver struct {
	entities *sqlite.EntityStore
}

// NewContactResolver constructs a ContactResolver over the shared entity store.
func NewContactResolver(entities *sqlite.EntityStore) *ContactResolver {
	return &ContactResolver{entities: entities}
}

// Resolve looks up the contact behind a channel identity. Returns (nil, nil)
// when the identity carries no recognizable entity — the caller treats this
// as "unresolvable" and falls through to standing-rule matching.
func (r *ContactResolver) Resolve(ctx context.Context, channelType, channelValue string) (*ResolvedContact, error) {
	var entityID string
	if channelType == "contact_id" {
		entityID = channelValue
	} else {
		ids, err := r.entities.ResolveAlias(ctx, channelValue)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}
		entityID = ids[0]
	}

	entity, err := r.entities.Get(ctx, entityID)
	if err != nil {
		return nil, nil //nolint:nilerr // unresolvable target, not a storage failure
	}

	facts, err := r.entities.Facts(ctx, entityID)
	if err != nil {
		return nil, err
	}
	var roles []string
	for _, f := range facts {
		if f.Key == "role" {
			roles = append(roles, f.Value)
		}
	}
	return &ResolvedContact{EntityID: entity.ID, Name: entity.CanonicalName, Roles: roles}, nil
}

// extractChannelIdentity pulls a (channel_type, channel_value) pair out of
// a gated tool's arguments using the fixed lookup order the approval gate
// has always used: an explicit contact_id wins outright, then notify's
// channel+recipient pair, then the per-provider shorthand fields.
func extractChannelIdentity(args map[string]any) (channelType, channelValue string, ok bool) {
	if v, ok := stringArg(args, "contact_id"); ok {
		return "contact_id", v, true
	}
	if channel, okc := stringArg(args, "channel"); okc {
		if recipient, okr := stringArg(args, "recipient"); okr {
			return channel, recipient, true
		}
	}
	if v, ok := stringArg(args, "chat_id"); ok {
		return "telegram", v, true
	}
	if v, ok := stringArg(args, "to"); ok {
		return "email", v, true
	}
	return "", "", false
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
