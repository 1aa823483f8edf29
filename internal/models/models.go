package models

import (
	"time"

	"github.com/google/uuid"

	"creator-sync/internal/syncstate"
)

type ProviderKind string

const (
	ProviderVideoHub   ProviderKind = "videohub"
	ProviderSocialGram ProviderKind = "socialgram"
)

// PlatformConnection is one creator's linked account on one provider.
// It is created once when the account is linked and mutated only by the
// sync orchestrator through the state machine.
type PlatformConnection struct {
	ID                uuid.UUID             `json:"id"`
	CreatorID         uuid.UUID             `json:"creator_id"`
	Provider          ProviderKind          `json:"provider"`
	ProviderAccountID string                `json:"provider_account_id"`
	SyncState         syncstate.State       `json:"sync_state"`
	LastCrawlState    syncstate.State       `json:"last_crawl_state,omitempty"` // crawl state to resume after FAILED

	TotalItemCount          int `json:"total_item_count"`
	SyncedItemCount         int `json:"synced_item_count"`
	FailedItemCount         int `json:"failed_item_count"`
	ConsecutiveFailureCount int `json:"consecutive_failure_count"`

	// non-nil iff a full backfill is active
	FullSync *FullSyncProgress `json:"full_sync,omitempty"`

	SyncStartedAt   *time.Time `json:"sync_started_at,omitempty"`
	SyncCompletedAt *time.Time `json:"sync_completed_at,omitempty"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
	NextSyncAt      *time.Time `json:"next_sync_at,omitempty"`
	LastSyncError   *string    `json:"last_sync_error,omitempty"`
}

// FullSyncProgress is the progress sub-record of an active full backfill.
type FullSyncProgress struct {
	SyncedItems     int     `json:"synced_items"`
	RemainingItems  int     `json:"remaining_items"`
	ProgressPercent float64 `json:"progress_percent"`
}

// Progress computes the percent from the connection counters, clamped to [0,100].
// Provider-reported totals are approximate, so synced can briefly exceed total.
func Progress(synced, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(synced) / float64(total) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ContentItem is one piece of creator content mapped from a provider payload,
// upserted idempotently by (provider, provider_item_id).
type ContentItem struct {
	ID             uuid.UUID    `json:"id"`
	ConnectionID   uuid.UUID    `json:"connection_id"`
	Provider       ProviderKind `json:"provider"`
	ProviderItemID string       `json:"provider_item_id"`
	Title          string       `json:"title"`
	Description    *string      `json:"description,omitempty"`
	PublishedAt    *time.Time   `json:"published_at,omitempty"`
	ThumbnailURL   *string      `json:"thumbnail_url,omitempty"`
	MirroredURL    *string      `json:"mirrored_url,omitempty"`
	Categories     []string     `json:"categories,omitempty"`
	Tags           []string     `json:"tags,omitempty"`
	ViewCount      *int64       `json:"view_count,omitempty"`
	LikeCount      *int64       `json:"like_count,omitempty"`
}

type SyncStatus string

const (
	SyncPending   SyncStatus = "pending"
	SyncSyncing   SyncStatus = "syncing"
	SyncCompleted SyncStatus = "completed"
	SyncFailed    SyncStatus = "failed"
)

// ContentSyncRecord is the per-item freshness record.
// If IsAuthorizedData is false, ExpiresAt is always set and later than
// LastSyncedAt; expired unauthorized content must not be served unflagged.
type ContentSyncRecord struct {
	ContentID        uuid.UUID  `json:"content_id"`
	LastSyncedAt     *time.Time `json:"last_synced_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	IsAuthorizedData bool       `json:"is_authorized_data"`
	SyncStatus       SyncStatus `json:"sync_status"`
	SyncError        *string    `json:"sync_error,omitempty"`
	SyncRetryCount   int        `json:"sync_retry_count"`
	NextSyncAt       *time.Time `json:"next_sync_at,omitempty"`
}

type UsageOutcome string

const (
	OutcomeSuccess UsageOutcome = "success"
	OutcomeError   UsageOutcome = "error"
)

// QuotaUsageEvent is an immutable append-only fact, one per outbound call.
type QuotaUsageEvent struct {
	ID        int64        `json:"id"`
	Provider  ProviderKind `json:"provider"`
	Operation string       `json:"operation"`
	Units     int64        `json:"units"`
	Outcome   UsageOutcome `json:"outcome"`
	CreatedAt time.Time    `json:"created_at"`
}
