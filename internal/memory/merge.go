package memory

import (
	"context"

	"switchboard/internal/domain"
	"switchboard/internal/store/sqlite"
)

// Merge re-points every fact from source onto target, appends source's
// aliases (and its canonical name) onto target, and tombstones source.
// Returns the updated target entity, or nil if target does not exist.
func (r *Resolver) Merge(ctx context.Context, sourceID, targetID string) (*sqlite.EntityRow, error) {
	if sourceID == targetID {
		return nil, domain.NewSubSystemError("memory", "Resolver.Merge", domain.ErrInvalidInput, "source and target entity IDs are identical")
	}

	if _, err := r.store.Get(ctx, sourceID); err != nil {
		return nil, domain.WrapOp("memory.Merge", err)
	}
	if _, err := r.store.Get(ctx, targetID); err != nil {
		if domain.ClassifyError(err).Class == domain.ClassNotFound {
			return nil, nil
		}
		return nil, domain.WrapOp("memory.Merge", err)
	}

	if err := r.store.RepointFacts(ctx, sourceID, targetID); err != nil {
		return nil, domain.WrapOp("memory.Merge", err)
	}
	if err := r.store.CopyAliases(ctx, sourceID, targetID); err != nil {
		return nil, domain.WrapOp("memory.Merge", err)
	}
	if err := r.store.Tombstone(ctx, sourceID); err != nil {
		return nil, domain.WrapOp("memory.Merge", err)
	}

	updated, err := r.store.Get(ctx, targetID)
	if err != nil {
		return nil, domain.WrapOp("memory.Merge", err)
	}

	r.publish(ctx, domain.EventEntityMerged, map[string]any{
		"source_entity_id": sourceID,
		"target_entity_id": targetID,
	})

	return updated, nil
}
