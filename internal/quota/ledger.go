package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"creator-sync/internal/db"
	"creator-sync/internal/models"
	"creator-sync/internal/redis"
)

// Operation kinds charged against a provider's periodic budget.
const (
	OpChannelLookup = "channel_lookup"
	OpPageList      = "page_list"
	OpItemDetail    = "item_detail"
	OpSearch        = "search"
)

// DefaultOperationCost is charged for operation kinds missing from the cost
// table. Conservative on purpose: an unmapped call must never be free.
const DefaultOperationCost int64 = 5

// Costs maps an operation kind to its fixed unit cost.
type Costs map[string]int64

// DefaultCosts mirrors the published cost tables of the supported providers.
func DefaultCosts() Costs {
	return Costs{
		OpChannelLookup: 1,
		OpPageList:      1,
		OpItemDetail:    1,
		OpSearch:        100,
	}
}

// Ledger owns the append-only quota_usage_events table and the per-period
// Redis counters derived from it. The counter is bumped atomically per call,
// so concurrent syncs share one budget without a global lock; the
// check-then-call window means consumption can overshoot the budget by at
// most one in-flight call's cost.
type Ledger struct {
	db      *db.DB
	redis   *redis.Client
	log     *slog.Logger
	budgets map[models.ProviderKind]int64
	costs   Costs
	now     func() time.Time
}

func NewLedger(log *slog.Logger, dbConn *db.DB, redisClient *redis.Client, budgets map[models.ProviderKind]int64, costs Costs) *Ledger {
	if costs == nil {
		costs = DefaultCosts()
	}
	return &Ledger{
		db:      dbConn,
		redis:   redisClient,
		log:     log,
		budgets: budgets,
		costs:   costs,
		now:     time.Now,
	}
}

// Cost returns the unit cost of an operation kind.
func (l *Ledger) Cost(op string) int64 {
	if c, ok := l.costs[op]; ok {
		return c
	}
	return DefaultOperationCost
}

// Budget returns the configured period budget for a provider.
func (l *Ledger) Budget(provider models.ProviderKind) (int64, bool) {
	b, ok := l.budgets[provider]
	return b, ok
}

// RecordUsage appends one usage event and bumps the period counter.
// It is a side effect only: failures are logged, never returned, so a
// bookkeeping problem cannot fail the sync pass that did the real work.
func (l *Ledger) RecordUsage(ctx context.Context, provider models.ProviderKind, op string, units int64, outcome models.UsageOutcome) {
	if _, err := l.db.Pool.Exec(ctx,
		`INSERT INTO quota_usage_events (provider, operation, units, outcome, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		string(provider), op, units, string(outcome), l.now().UTC(),
	); err != nil {
		l.log.Warn("quota_event_append_failed", "provider", provider, "operation", op, "error", err)
	}

	key := periodKey(provider, l.now())
	if _, err := l.redis.IncrementBy(ctx, key, units, counterTTL); err != nil {
		l.log.Warn("quota_counter_incr_failed", "provider", provider, "key", key, "error", err)
	}
}

// UnitsConsumed sums event units in [from, to) from the durable event log.
func (l *Ledger) UnitsConsumed(ctx context.Context, provider models.ProviderKind, from, to time.Time) (int64, error) {
	var total int64
	err := l.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(units), 0)
		 FROM quota_usage_events
		 WHERE provider = $1 AND created_at >= $2 AND created_at < $3`,
		string(provider), from.UTC(), to.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("quota units sum: %w", err)
	}
	return total, nil
}

// HasBudget reports whether required units still fit in the provider's
// current period budget. The fast path reads the Redis counter; when the
// counter is missing (cold start, Redis flush) it falls back to a sum over
// the event log.
func (l *Ledger) HasBudget(ctx context.Context, provider models.ProviderKind, required int64) bool {
	budget, ok := l.budgets[provider]
	if !ok || budget <= 0 {
		// unknown provider gets no budget rather than infinite budget
		l.log.Warn("quota_budget_missing", "provider", provider)
		return false
	}

	consumed, err := l.redis.GetInt(ctx, periodKey(provider, l.now()))
	if err != nil {
		start, end := PeriodBounds(l.now())
		consumed, err = l.UnitsConsumed(ctx, provider, start, end)
		if err != nil {
			l.log.Warn("quota_budget_check_failed", "provider", provider, "error", err)
			return false
		}
	}

	return fits(consumed, budget, required)
}

// NextPeriodStart returns when the current quota period resets. Passes
// aborted for missing budget are rescheduled to this boundary.
func (l *Ledger) NextPeriodStart() time.Time {
	_, end := PeriodBounds(l.now())
	return end
}

// Quota periods are calendar days at the UTC boundary, matching how the
// supported providers reset their daily quotas.
const counterTTL = 48 * time.Hour

func PeriodBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

func periodKey(provider models.ProviderKind, t time.Time) string {
	return fmt.Sprintf("quota:%s:%s", provider, t.UTC().Format("20060102"))
}

func fits(consumed, budget, required int64) bool {
	return consumed+required <= budget
}
