// Package butler maintains the Switchboard's view of which domain-specialist
// butlers are alive, what modules they advertise, and whether they're
// eligible to receive routed work.
package butler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"switchboard/internal/domain"
)

// Registry is the in-memory, store-backed cache of butler registrations
// used by the routing hot path, kept in sync with the persisted
// butler_registry table.
type Registry struct {
	mu     sync.RWMutex
	cache  map[string]domain.ButlerRegistration
	store  domain.ButlerStore
	logger *slog.Logger
}

// NewRegistry constructs a Registry backed by store, priming the cache
// from whatever is already persisted.
func NewRegistry(ctx context.Context, store domain.ButlerStore, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		cache:  make(map[string]domain.ButlerRegistration),
		store:  store,
		logger: logger,
	}
	existing, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range existing {
		r.cache[b.Name] = b
	}
	return r, nil
}

// Register upserts a butler's registration — called when a butler process
// announces itself (at startup, or periodically to refresh its module list).
func (r *Registry) Register(ctx context.Context, reg domain.ButlerRegistration) error {
	if reg.EligibilityState == "" {
		reg.EligibilityState = domain.EligibilityActive
	}
	if len(reg.TrustedRouteCallers) == 0 {
		reg.TrustedRouteCallers = []string{"switchboard"}
	}
	if err := r.store.Upsert(ctx, reg); err != nil {
		return err
	}
	r.mu.Lock()
	r.cache[reg.Name] = reg
	r.mu.Unlock()
	r.logger.Info("butler registered", "name", reg.Name, "modules", reg.Modules)
	return nil
}

// Heartbeat records a liveness ping from a butler, reactivating it from
// stale back to active.
func (r *Registry) Heartbeat(ctx context.Context, name string, at time.Time) error {
	if err := r.store.Heartbeat(ctx, name, at); err != nil {
		return err
	}
	r.mu.Lock()
	if b, ok := r.cache[name]; ok {
		b.LastSeenAt = &at
		if b.EligibilityState == domain.EligibilityStale {
			b.EligibilityState = domain.EligibilityActive
		}
		r.cache[name] = b
	}
	r.mu.Unlock()
	return nil
}

// Get returns a butler's registration by name.
func (r *Registry) Get(name string) (*domain.ButlerRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.cache[name]
	if !ok {
		return nil, domain.NewSubSystemError("butler", "Registry.Get", domain.ErrNotFound, name)
	}
	return &b, nil
}

// List returns every cached butler registration, sorted by name.
func (r *Registry) List() []domain.ButlerRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ButlerRegistration, 0, len(r.cache))
	for _, b := range r.cache {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListEligible returns active butlers advertising the given module (empty
// module matches all active butlers), used by the routing classifier to
// pick a destination.
func (r *Registry) ListEligible(module string) []domain.ButlerRegistration {
	var out []domain.ButlerRegistration
	for _, b := range r.List() {
		if b.EligibilityState != domain.EligibilityActive {
			continue
		}
		if module == "" {
			out = append(out, b)
			continue
		}
		for _, m := range b.Modules {
			if m == module {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

// IsTrustedCaller reports whether callerIdentity is allowed to invoke
// route.execute against butler name.
func (r *Registry) IsTrustedCaller(name, callerIdentity string) bool {
	b, err := r.Get(name)
	if err != nil {
		return false
	}
	for _, c := range b.TrustedRouteCallers {
		if c == callerIdentity {
			return true
		}
	}
	return false
}

// Sweep runs the eligibility sweep: a butler whose last heartbeat is older
// than its liveness TTL moves active -> stale; older than 2x TTL moves
// (active or stale) -> quarantined. A butler with no heartbeat on record
// yet (LastSeenAt == nil) is skipped — it hasn't had a chance to miss one.
func (r *Registry) Sweep(ctx context.Context, now time.Time) error {
	for _, b := range r.List() {
		if b.LastSeenAt == nil || b.EligibilityState == domain.EligibilityQuarantined {
			continue
		}
		elapsed := now.Sub(*b.LastSeenAt)
		ttl := time.Duration(b.LivenessTTLSeconds) * time.Second
		if ttl <= 0 {
			continue
		}

		switch {
		case elapsed > 2*ttl:
			if err := r.transition(ctx, b, domain.EligibilityQuarantined, domain.ReasonLivenessTTL2xExpired, now); err != nil {
				return err
			}
		case elapsed > ttl && b.EligibilityState == domain.EligibilityActive:
			if err := r.transition(ctx, b, domain.EligibilityStale, domain.ReasonLivenessTTLExpired, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) transition(ctx context.Context, b domain.ButlerRegistration, newState domain.EligibilityState, reason string, at time.Time) error {
	prev := b.EligibilityState
	if err := r.store.Transition(ctx, b.Name, newState, reason, at); err != nil {
		return err
	}
	if err := r.store.AppendEligibilityLog(ctx, domain.EligibilityLogEntry{
		ButlerName:    b.Name,
		PreviousState: prev,
		NewState:      newState,
		Reason:        reason,
		ObservedAt:    at,
	}); err != nil {
		return err
	}

	r.mu.Lock()
	b.EligibilityState = newState
	if newState == domain.EligibilityQuarantined {
		b.QuarantinedAt = &at
		b.QuarantineReason = reason
	}
	r.cache[b.Name] = b
	r.mu.Unlock()

	r.logger.Warn("butler eligibility transition", "name", b.Name, "from", prev, "to", newState, "reason", reason)
	return nil
}
