package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"creator-sync/internal/db"
	"creator-sync/internal/models"
	"creator-sync/internal/provider"
)

var ErrConnectionNotFound = errors.New("platform connection not found")

// ConnectionRepo persists platform connections. Sync state is a tagged value
// in its own column with typed counters beside it; transitions are validated
// by the state machine before anything lands here.
type ConnectionRepo struct {
	db *db.DB
}

func NewConnectionRepo(dbConn *db.DB) *ConnectionRepo {
	return &ConnectionRepo{db: dbConn}
}

const connectionColumns = `id, creator_id, provider, provider_account_id, sync_state, last_crawl_state,
	total_item_count, synced_item_count, failed_item_count, consecutive_failure_count,
	full_sync_mode, full_sync_synced, full_sync_remaining, full_sync_percent,
	sync_started_at, sync_completed_at, last_synced_at, next_sync_at, last_sync_error`

func (r *ConnectionRepo) Get(ctx context.Context, id uuid.UUID) (*models.PlatformConnection, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM platform_connections WHERE id = $1`, id)
	return scanConnection(row)
}

func scanConnection(row pgx.Row) (*models.PlatformConnection, error) {
	var c models.PlatformConnection
	var fullSyncMode bool
	var fullSynced, fullRemaining int
	var fullPercent float64

	err := row.Scan(
		&c.ID, &c.CreatorID, &c.Provider, &c.ProviderAccountID, &c.SyncState, &c.LastCrawlState,
		&c.TotalItemCount, &c.SyncedItemCount, &c.FailedItemCount, &c.ConsecutiveFailureCount,
		&fullSyncMode, &fullSynced, &fullRemaining, &fullPercent,
		&c.SyncStartedAt, &c.SyncCompletedAt, &c.LastSyncedAt, &c.NextSyncAt, &c.LastSyncError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}

	if fullSyncMode {
		c.FullSync = &models.FullSyncProgress{
			SyncedItems:     fullSynced,
			RemainingItems:  fullRemaining,
			ProgressPercent: fullPercent,
		}
	}
	return &c, nil
}

// Update writes the connection back, counters and state together.
func (r *ConnectionRepo) Update(ctx context.Context, c *models.PlatformConnection) error {
	fullSyncMode := c.FullSync != nil
	var fullSynced, fullRemaining int
	var fullPercent float64
	if fullSyncMode {
		fullSynced = c.FullSync.SyncedItems
		fullRemaining = c.FullSync.RemainingItems
		fullPercent = c.FullSync.ProgressPercent
	}

	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE platform_connections SET
			sync_state = $2, last_crawl_state = $3,
			total_item_count = $4, synced_item_count = $5, failed_item_count = $6,
			consecutive_failure_count = $7,
			full_sync_mode = $8, full_sync_synced = $9, full_sync_remaining = $10, full_sync_percent = $11,
			sync_started_at = $12, sync_completed_at = $13, last_synced_at = $14,
			next_sync_at = $15, last_sync_error = $16
		 WHERE id = $1`,
		c.ID, string(c.SyncState), string(c.LastCrawlState),
		c.TotalItemCount, c.SyncedItemCount, c.FailedItemCount,
		c.ConsecutiveFailureCount,
		fullSyncMode, fullSynced, fullRemaining, fullPercent,
		c.SyncStartedAt, c.SyncCompletedAt, c.LastSyncedAt,
		c.NextSyncAt, c.LastSyncError,
	)
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// ListDue returns connection ids whose next sync is due. FAILED connections
// come back too once their backoff has elapsed; CONSENT_CHANGED ones do not,
// re-consent is an external event, not a schedule.
func (r *ConnectionRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id FROM platform_connections
		 WHERE sync_state != 'CONSENT_CHANGED'
		   AND (next_sync_at IS NULL OR next_sync_at <= $1)
		 ORDER BY COALESCE(last_synced_at, 'epoch'::timestamptz) ASC
		 LIMIT $2`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due connections: %w", err)
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

// List returns connections, optionally filtered by state, for the ops API.
func (r *ConnectionRepo) List(ctx context.Context, state string, limit int) ([]*models.PlatformConnection, error) {
	q := `SELECT ` + connectionColumns + ` FROM platform_connections`
	args := []interface{}{}
	if state != "" {
		q += ` WHERE sync_state = $1`
		args = append(args, state)
	}
	q += fmt.Sprintf(` ORDER BY COALESCE(last_synced_at, 'epoch'::timestamptz) DESC LIMIT %d`, limit)

	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []*models.PlatformConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ContentRepo persists mapped content items.
type ContentRepo struct {
	db *db.DB
}

func NewContentRepo(dbConn *db.DB) *ContentRepo {
	return &ContentRepo{db: dbConn}
}

// UpsertPage writes one crawl page of items, idempotent on
// (provider, provider_item_id), and returns provider item id -> row id.
// Replaying the same page produces no duplicates.
func (r *ContentRepo) UpsertPage(ctx context.Context, conn *models.PlatformConnection, items []provider.Item) (map[string]uuid.UUID, error) {
	if len(items) == 0 {
		return map[string]uuid.UUID{}, nil
	}

	columns := []string{
		"connection_id", "provider", "provider_item_id", "title", "description",
		"published_at", "thumbnail_url", "categories", "tags", "view_count", "like_count", "updated_at",
	}
	now := time.Now().UTC()
	rows := make([][]interface{}, 0, len(items))
	providerIDs := make([]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []interface{}{
			conn.ID, string(conn.Provider), it.ProviderItemID, it.Title, nilIfEmpty(it.Description),
			it.PublishedAt, nilIfEmpty(it.ThumbnailURL), it.Categories, it.Tags, it.ViewCount, it.LikeCount, now,
		})
		providerIDs = append(providerIDs, it.ProviderItemID)
	}

	_, err := r.db.BatchUpsert(ctx, "content_items", columns,
		[]string{"provider", "provider_item_id"},
		[]string{"title", "description", "published_at", "thumbnail_url", "categories", "tags", "view_count", "like_count", "updated_at"},
		rows, db.DefaultUpsertConfig(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert content page: %w", err)
	}

	idRows, err := r.db.Pool.Query(ctx,
		`SELECT id, provider_item_id FROM content_items
		 WHERE provider = $1 AND provider_item_id = ANY($2)`,
		string(conn.Provider), providerIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("resolve content ids: %w", err)
	}
	defer idRows.Close()

	ids := make(map[string]uuid.UUID, len(items))
	for idRows.Next() {
		var id uuid.UUID
		var providerItemID string
		if err := idRows.Scan(&id, &providerItemID); err != nil {
			continue
		}
		ids[providerItemID] = id
	}
	return ids, idRows.Err()
}

// UpsertOne refreshes a single item from a detail fetch.
func (r *ContentRepo) UpsertOne(ctx context.Context, conn *models.PlatformConnection, item provider.Item) (uuid.UUID, error) {
	ids, err := r.UpsertPage(ctx, conn, []provider.Item{item})
	if err != nil {
		return uuid.Nil, err
	}
	id, ok := ids[item.ProviderItemID]
	if !ok {
		return uuid.Nil, fmt.Errorf("upsert item %s: id not resolved", item.ProviderItemID)
	}
	return id, nil
}

// ProviderItemID maps a content row back to its provider item id.
func (r *ContentRepo) ProviderItemID(ctx context.Context, contentID uuid.UUID) (string, error) {
	var providerItemID string
	err := r.db.Pool.QueryRow(ctx,
		`SELECT provider_item_id FROM content_items WHERE id = $1`, contentID,
	).Scan(&providerItemID)
	if err != nil {
		return "", fmt.Errorf("resolve provider item id: %w", err)
	}
	return providerItemID, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
