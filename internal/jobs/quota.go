package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// QuotaLimits are the ceilings applied when a user has no stored quota record.
type QuotaLimits struct {
	HourlyLimit int
	DailyLimit  int
}

// Quota is the read-only projection consumed before admitting new top-level
// jobs. Counters reflect jobs created by the user in the trailing windows.
type Quota struct {
	UserID         string `json:"user_id"`
	JobsLastHour   int    `json:"jobs_last_hour"`
	HourlyLimit    int    `json:"hourly_limit"`
	JobsLastDay    int    `json:"jobs_last_day"`
	DailyLimit     int    `json:"daily_limit"`
	DefaultApplied bool   `json:"default_applied,omitempty"`
}

// Exceeded reports whether either window is at or over its ceiling.
func (q *Quota) Exceeded() bool {
	return q.JobsLastHour >= q.HourlyLimit || q.JobsLastDay >= q.DailyLimit
}

// QuotaGuard answers quota lookups with short-lived caching of stored limits.
// A missing quota record yields conservative defaults rather than an error:
// availability is favored over strict enforcement, which happens at admission
// time on the server regardless of what any client believes.
type QuotaGuard struct {
	store    *Store
	defaults QuotaLimits
	logger   *slog.Logger

	mu       sync.Mutex
	cache    map[string]cachedLimits
	cacheTTL time.Duration
}

type cachedLimits struct {
	limits         QuotaLimits
	defaultApplied bool
	fetchedAt      time.Time
}

// NewQuotaGuard creates a quota guard backed by the job store.
func NewQuotaGuard(store *Store, defaults QuotaLimits, logger *slog.Logger) *QuotaGuard {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.HourlyLimit <= 0 {
		defaults.HourlyLimit = 10
	}
	if defaults.DailyLimit <= 0 {
		defaults.DailyLimit = 50
	}
	return &QuotaGuard{
		store:    store,
		defaults: defaults,
		logger:   logger.With("component", "quota"),
		cache:    make(map[string]cachedLimits),
		cacheTTL: time.Minute,
	}
}

// SetDefaults replaces the fallback limits (config hot reload path).
func (g *QuotaGuard) SetDefaults(defaults QuotaLimits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if defaults.HourlyLimit > 0 {
		g.defaults.HourlyLimit = defaults.HourlyLimit
	}
	if defaults.DailyLimit > 0 {
		g.defaults.DailyLimit = defaults.DailyLimit
	}
	g.cache = make(map[string]cachedLimits)
}

// Get returns the current quota for a user. Never returns nil on a missing
// quota record; the miss is recorded and defaults are applied.
func (g *QuotaGuard) Get(ctx context.Context, userID string) (*Quota, error) {
	limits, defaulted, err := g.limitsFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	hour, err := g.store.countJobsSince(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	day, err := g.store.countJobsSince(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}

	return &Quota{
		UserID:         userID,
		JobsLastHour:   hour,
		HourlyLimit:    limits.HourlyLimit,
		JobsLastDay:    day,
		DailyLimit:     limits.DailyLimit,
		DefaultApplied: defaulted,
	}, nil
}

// Admit returns ErrQuotaExceeded when creating one more top-level job would
// exceed the user's quota.
func (g *QuotaGuard) Admit(ctx context.Context, userID string) error {
	q, err := g.Get(ctx, userID)
	if err != nil {
		return err
	}
	if q.Exceeded() {
		return fmt.Errorf("user %s: %d/%d hourly, %d/%d daily: %w",
			userID, q.JobsLastHour, q.HourlyLimit, q.JobsLastDay, q.DailyLimit,
			ErrQuotaExceeded)
	}
	return nil
}

func (g *QuotaGuard) limitsFor(ctx context.Context, userID string) (QuotaLimits, bool, error) {
	g.mu.Lock()
	if c, ok := g.cache[userID]; ok && time.Since(c.fetchedAt) < g.cacheTTL {
		g.mu.Unlock()
		return c.limits, c.defaultApplied, nil
	}
	defaults := g.defaults
	g.mu.Unlock()

	limits, found, err := g.store.quotaLimits(ctx, userID)
	if err != nil {
		// A failed lookup must not block reads. Defaults are not cached so
		// the stored record is consulted again once the store recovers.
		g.logger.Warn("quota lookup failed, applying defaults", "user", userID, "error", err)
		return defaults, true, nil
	}
	defaulted := !found
	if !found {
		g.logger.Info("no quota record, applying defaults", "user", userID)
		limits = defaults
	}

	g.mu.Lock()
	g.cache[userID] = cachedLimits{limits: limits, defaultApplied: defaulted, fetchedAt: time.Now()}
	g.mu.Unlock()
	return limits, defaulted, nil
}

// SetQuota stores per-user limits, overriding the defaults.
func (s *Store) SetQuota(ctx context.Context, userID string, limits QuotaLimits) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quotas (user_id, hourly_limit, daily_limit) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET hourly_limit = excluded.hourly_limit,
			daily_limit = excluded.daily_limit`,
		userID, limits.HourlyLimit, limits.DailyLimit,
	)
	if err != nil {
		return fmt.Errorf("failed to set quota: %w", err)
	}
	return nil
}

func (s *Store) quotaLimits(ctx context.Context, userID string) (QuotaLimits, bool, error) {
	var l QuotaLimits
	err := s.db.QueryRowContext(ctx,
		`SELECT hourly_limit, daily_limit FROM quotas WHERE user_id = ?`, userID,
	).Scan(&l.HourlyLimit, &l.DailyLimit)
	if err == sql.ErrNoRows {
		return QuotaLimits{}, false, nil
	}
	if err != nil {
		return QuotaLimits{}, false, fmt.Errorf("failed to read quota record: %w", err)
	}
	return l, true, nil
}

// countJobsSince counts top-level jobs created by a user inside a window.
// Jobs the orchestrator spawns on the user's behalf were admitted with the
// job that spawned them and never count a second time.
func (s *Store) countJobsSince(ctx context.Context, createdBy string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE created_by = ? AND created_at >= ? AND job_type IN (`
	args := []any{createdBy, since.UTC()}
	for _, t := range JobTypes() {
		if !t.TopLevel() {
			continue
		}
		if len(args) > 2 {
			query += ", "
		}
		query += "?"
		args = append(args, string(t))
	}
	query += ")"

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}
