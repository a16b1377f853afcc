package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukerupert/quizpass/internal/metrics"
	"github.com/dukerupert/quizpass/internal/store"
)

const (
	DefaultOrphanTTL = 24 * time.Hour
	// Expired credentials are kept for a week so support can tell an
	// expired link from a mistyped one.
	DefaultLinkRetention    = 7 * 24 * time.Hour
	DefaultRequestRetention = 24 * time.Hour
)

// SweepResult counts what a sweep removed.
type SweepResult struct {
	Orphans         int64
	Stranded        int64
	ExpiredLinks    int64
	ExpiredSessions int64
	StaleRequests   int64
}

// Sweeper removes what the best-effort steps of reconciliation left behind.
type Sweeper struct {
	identities *store.IdentityStore
	links      *store.MagicLinkStore
	sessions   *store.SessionStore
	requests   *store.MagicLinkRequestStore
	orphanTTL  time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewSweeper(
	identities *store.IdentityStore,
	links *store.MagicLinkStore,
	sessions *store.SessionStore,
	requests *store.MagicLinkRequestStore,
	orphanTTL time.Duration,
	logger *slog.Logger,
) *Sweeper {
	if orphanTTL <= 0 {
		orphanTTL = DefaultOrphanTTL
	}
	return &Sweeper{
		identities: identities,
		links:      links,
		sessions:   sessions,
		requests:   requests,
		orphanTTL:  orphanTTL,
		now:        time.Now,
		logger:     logger,
	}
}

// Sweep runs every cleanup step and returns the joined errors of those that
// failed. A failing step does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.now().UTC()
	var res SweepResult
	var errs []error

	step := func(name string, fn func() (int64, error), dst *int64) {
		n, err := fn()
		if err != nil {
			metrics.CleanupFailures.WithLabelValues(name).Inc()
			errs = append(errs, err)
			return
		}
		*dst = n
	}

	cutoff := now.Add(-s.orphanTTL)
	step("sweep_orphans", func() (int64, error) { return s.identities.DeleteOrphans(ctx, cutoff) }, &res.Orphans)
	step("count_stranded", func() (int64, error) { return s.identities.CountStranded(ctx, cutoff) }, &res.Stranded)
	step("sweep_links", func() (int64, error) {
		return s.links.DeleteExpired(ctx, now.Add(-DefaultLinkRetention))
	}, &res.ExpiredLinks)
	step("sweep_sessions", func() (int64, error) { return s.sessions.DeleteExpired(ctx) }, &res.ExpiredSessions)
	step("sweep_requests", func() (int64, error) {
		return s.requests.DeleteOlderThan(ctx, now.Add(-DefaultRequestRetention))
	}, &res.StaleRequests)

	if res.Stranded > 0 {
		s.logger.Warn("ephemeral identities still referenced by a subscription past TTL",
			"count", res.Stranded, "ttl", s.orphanTTL)
	}
	if res.Orphans > 0 || res.ExpiredLinks > 0 || res.ExpiredSessions > 0 || res.StaleRequests > 0 {
		s.logger.Info("sweep complete",
			"orphans", res.Orphans,
			"expired_links", res.ExpiredLinks,
			"expired_sessions", res.ExpiredSessions,
			"stale_requests", res.StaleRequests,
		)
	}
	return res, errors.Join(errs...)
}
