package freshness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"creator-sync/internal/db"
	"creator-sync/internal/models"
)

var ErrRecordNotFound = errors.New("content sync record not found")

// Tracker owns the per-item sync metadata in content_sync_records: when an
// item was last synced, when its data expires, and retry scheduling after
// per-item failures.
type Tracker struct {
	db              *db.DB
	log             *slog.Logger
	retentionWindow time.Duration
	now             func() time.Time
}

func NewTracker(log *slog.Logger, dbConn *db.DB, retentionWindow time.Duration) *Tracker {
	return &Tracker{
		db:              dbConn,
		log:             log,
		retentionWindow: retentionWindow,
		now:             time.Now,
	}
}

// RecordSync marks an item freshly synced. Items outside the creator's
// consent grant get a forced expiry of now + retention window; authorized
// items carry no expiry at all.
func (t *Tracker) RecordSync(ctx context.Context, contentID uuid.UUID, authorized bool) error {
	now := t.now().UTC()
	expiresAt := expiryFor(now, authorized, t.retentionWindow)

	_, err := t.db.Pool.Exec(ctx,
		`INSERT INTO content_sync_records
			(content_id, last_synced_at, expires_at, is_authorized_data, sync_status, sync_error, sync_retry_count, next_sync_at)
		 VALUES ($1, $2, $3, $4, $5, NULL, 0, NULL)
		 ON CONFLICT (content_id) DO UPDATE SET
			last_synced_at = EXCLUDED.last_synced_at,
			expires_at = EXCLUDED.expires_at,
			is_authorized_data = EXCLUDED.is_authorized_data,
			sync_status = EXCLUDED.sync_status,
			sync_error = NULL,
			sync_retry_count = 0,
			next_sync_at = NULL`,
		contentID, now, expiresAt, authorized, string(models.SyncCompleted),
	)
	if err != nil {
		return fmt.Errorf("record sync: %w", err)
	}
	return nil
}

// RecordFailure marks one item's sync attempt failed and schedules the next
// attempt with exponential backoff. Item failures never abort the page they
// came from.
func (t *Tracker) RecordFailure(ctx context.Context, contentID uuid.UUID, syncErr string) error {
	now := t.now().UTC()

	// one statement: the backoff interval is computed from the row's own
	// post-increment retry count, so concurrent failures for the same item
	// cannot schedule from a stale count. The interval arithmetic mirrors
	// ItemBackoff (10m doubling, 24h cap); the inner LEAST keeps the
	// exponent bounded.
	_, err := t.db.Pool.Exec(ctx,
		`INSERT INTO content_sync_records
			(content_id, sync_status, sync_error, sync_retry_count, next_sync_at)
		 VALUES ($1, $2, $3, 1, $5)
		 ON CONFLICT (content_id) DO UPDATE SET
			sync_status = EXCLUDED.sync_status,
			sync_error = EXCLUDED.sync_error,
			sync_retry_count = content_sync_records.sync_retry_count + 1,
			next_sync_at = $4::timestamptz + LEAST(
				interval '10 minutes' * power(2, LEAST(content_sync_records.sync_retry_count, 8)),
				interval '24 hours')`,
		contentID, string(models.SyncFailed), syncErr, now, now.Add(ItemBackoff(1)),
	)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// expiryFor is the retention rule: unauthorized data always gets an expiry
// strictly after the sync instant, authorized data never carries one.
func expiryFor(now time.Time, authorized bool, window time.Duration) *time.Time {
	if authorized {
		return nil
	}
	e := now.Add(window)
	return &e
}

// IsStale reports whether the item needs a resync at the given instant.
func (t *Tracker) IsStale(ctx context.Context, contentID uuid.UUID, now time.Time) (bool, error) {
	rec, err := t.Get(ctx, contentID)
	if err != nil {
		return false, err
	}
	return Stale(rec, now), nil
}

// Get loads one record.
func (t *Tracker) Get(ctx context.Context, contentID uuid.UUID) (*models.ContentSyncRecord, error) {
	var rec models.ContentSyncRecord
	err := t.db.Pool.QueryRow(ctx,
		`SELECT content_id, last_synced_at, expires_at, is_authorized_data, sync_status, sync_error, sync_retry_count, next_sync_at
		 FROM content_sync_records
		 WHERE content_id = $1`,
		contentID,
	).Scan(&rec.ContentID, &rec.LastSyncedAt, &rec.ExpiresAt, &rec.IsAuthorizedData,
		&rec.SyncStatus, &rec.SyncError, &rec.SyncRetryCount, &rec.NextSyncAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync record: %w", err)
	}
	return &rec, nil
}

// SelectResyncCandidates returns content ids for the orchestrator's detail
// refresh, stale-and-unauthorized items first, then failed items due for a
// retry, then oldest-synced. Staleness is mandatory here even though read
// paths treat it as advisory.
func (t *Tracker) SelectResyncCandidates(ctx context.Context, connectionID uuid.UUID, limit int) ([]uuid.UUID, error) {
	now := t.now().UTC()
	rows, err := t.db.Pool.Query(ctx,
		`SELECT r.content_id
		 FROM content_sync_records r
		 JOIN content_items c ON c.id = r.content_id
		 WHERE c.connection_id = $1
		   AND (
			(r.expires_at IS NOT NULL AND r.expires_at <= $2)
			OR (r.sync_status = 'failed' AND r.next_sync_at IS NOT NULL AND r.next_sync_at <= $2)
		   )
		 ORDER BY
			(r.is_authorized_data = false AND r.expires_at IS NOT NULL AND r.expires_at <= $2) DESC,
			(r.sync_status = 'failed') DESC,
			r.last_synced_at ASC NULLS FIRST
		 LIMIT $3`,
		connectionID, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select resync candidates: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Stale is the staleness rule: a forced expiry has passed, or a failed item
// has reached its retry time.
func Stale(rec *models.ContentSyncRecord, now time.Time) bool {
	if rec.ExpiresAt != nil && !now.Before(*rec.ExpiresAt) {
		return true
	}
	if rec.SyncStatus == models.SyncFailed && rec.NextSyncAt != nil && !now.Before(*rec.NextSyncAt) {
		return true
	}
	return false
}

// Item-level retry backoff. Separate from the in-call transport backoff:
// these are minutes-to-hours waits for individually broken items.
const (
	itemBackoffInitial = 10 * time.Minute
	itemBackoffMax     = 24 * time.Hour
)

func ItemBackoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	backoff := itemBackoffInitial
	for i := 1; i < retryCount; i++ {
		backoff *= 2
		if backoff >= itemBackoffMax {
			return itemBackoffMax
		}
	}
	return backoff
}
