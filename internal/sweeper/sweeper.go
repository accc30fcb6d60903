// Package sweeper runs the background loop that purges expired transient
// account state: stale password-reset tokens and abandoned unverified
// registrations.
package sweeper

import (
	"context"
	"log"
	"time"
)

// Store is the slice of the credential store the sweeper needs.
// *repository.AccountRepo satisfies it.
type Store interface {
	ClearExpiredResetTokens(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteStaleUnverified(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper scans the credential store on a fixed interval. Each tick clears
// reset-token pairs older than the expiry window and deletes unverified
// accounts older than the same window. Both scans are idempotent, so a tick
// that fails halfway is simply retried in full on the next one.
type Sweeper struct {
	store    Store
	interval time.Duration
	maxAge   time.Duration

	now func() time.Time // injected clock, time.Now in production
}

// New builds a sweeper with the standard cadence: a 60-second interval and
// a 15-minute expiry window.
func New(store Store) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: time.Minute,
		maxAge:   15 * time.Minute,
		now:      time.Now,
	}
}

// Run loops until the context is cancelled. Ticks are strictly sequential:
// the next sweep cannot start before the previous one returned. Store
// errors are logged and the loop continues; a failed tick leaves records
// stale only until the next one.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.maxAge)

	if n, err := s.store.ClearExpiredResetTokens(ctx, cutoff); err != nil {
		log.Printf("sweeper: clear expired reset tokens: %v", err)
	} else if n > 0 {
		log.Printf("sweeper: cleared %d expired reset token(s)", n)
	}

	if n, err := s.store.DeleteStaleUnverified(ctx, cutoff); err != nil {
		log.Printf("sweeper: delete stale unverified accounts: %v", err)
	} else if n > 0 {
		log.Printf("sweeper: deleted %d unverified account(s)", n)
	}
}
