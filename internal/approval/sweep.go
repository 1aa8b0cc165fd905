package approval

import (
	"context"
	"log/slog"
	"time"

	"switchboard/internal/domain"
)

// Sweep periodically expires pending actions whose expires_at has passed,
// mirroring the eligibility sweep's run-to-completion shape: one pass over
// every expirable row, best-effort per row.
type Sweep struct {
	gate   *Gate
	logger *slog.Logger
}

// NewSweep constructs an expiry sweep over the given gate's store.
func NewSweep(gate *Gate, logger *slog.Logger) *Sweep {
	return &Sweep{gate: gate, logger: logger}
}

// Run expires every pending action whose deadline has passed as of now.
func (s *Sweep) Run(ctx context.Context, now time.Time) (int, error) {
	expirable, err := s.gate.store.ListExpirable(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, row := range expirable {
		if err := s.gate.store.Resolve(ctx, row.ID, "expired", "system:approval_sweep", now); err != nil {
			s.logger.Warn("approval: failed to expire pending action", "action_id", row.ID, "error", err)
			continue
		}
		s.gate.emit(ctx, domain.EventActionExpired, row.ID, "system:approval_sweep", "expires_at passed")
		expired++
	}
	return expired, nil
}
