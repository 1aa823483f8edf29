package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"creator-sync/internal/credentials"
	"creator-sync/internal/models"
	"creator-sync/internal/provider"
	"creator-sync/internal/quota"
	"creator-sync/internal/syncstate"
)

// ConnectionStore is the connection persistence the orchestrator needs.
type ConnectionStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.PlatformConnection, error)
	Update(ctx context.Context, c *models.PlatformConnection) error
}

// ContentStore upserts mapped items.
type ContentStore interface {
	UpsertPage(ctx context.Context, conn *models.PlatformConnection, items []provider.Item) (map[string]uuid.UUID, error)
	UpsertOne(ctx context.Context, conn *models.PlatformConnection, item provider.Item) (uuid.UUID, error)
	ProviderItemID(ctx context.Context, contentID uuid.UUID) (string, error)
}

// CursorStore holds pagination tokens between passes.
type CursorStore interface {
	Save(ctx context.Context, connectionID uuid.UUID, token string) error
	Load(ctx context.Context, connectionID uuid.UUID) (string, error)
	Clear(ctx context.Context, connectionID uuid.UUID) error
}

// QuotaService answers budget questions and records usage facts.
type QuotaService interface {
	Cost(op string) int64
	HasBudget(ctx context.Context, p models.ProviderKind, required int64) bool
	RecordUsage(ctx context.Context, p models.ProviderKind, op string, units int64, outcome models.UsageOutcome)
	NextPeriodStart() time.Time
}

// FreshnessService records per-item sync outcomes and picks resync work.
type FreshnessService interface {
	RecordSync(ctx context.Context, contentID uuid.UUID, authorized bool) error
	RecordFailure(ctx context.Context, contentID uuid.UUID, syncErr string) error
	SelectResyncCandidates(ctx context.Context, connectionID uuid.UUID, limit int) ([]uuid.UUID, error)
}

// CredentialSource provides access tokens and the consent grant behind them.
type CredentialSource interface {
	AccessToken(ctx context.Context, connectionID uuid.UUID) (string, error)
	Consent(ctx context.Context, connectionID uuid.UUID) (credentials.Grant, error)
}

// Outcome is how a pass ended. Expected failure categories come back as
// outcomes, not errors: the scheduler never sees an error for them.
type Outcome string

const (
	OutcomeAdvanced       Outcome = "advanced"        // a page was committed, crawl continues
	OutcomeCompleted      Outcome = "completed"       // full backfill finished this pass
	OutcomePolled         Outcome = "polled"          // incremental pass, nothing or everything new committed
	OutcomeCoalesced      Outcome = "coalesced"       // another pass was already in flight
	OutcomeNeedsReconsent Outcome = "needs_reconsent" // consent revoked, engine idle until re-grant
	OutcomeQuotaExhausted Outcome = "quota_exhausted" // no budget, rescheduled to next period
	OutcomeFailed         Outcome = "failed"          // classified failure, encoded in connection state
	OutcomeNotDue         Outcome = "not_due"         // retry backoff has not elapsed
)

// Options are the engine's operational tuning knobs.
type Options struct {
	FailureCeiling         int
	IncrementalPageCeiling int
	StaleRefreshLimit      int
	CallTimeout            time.Duration
	RetryBackoffInitial    time.Duration
	RetryBackoffMax        time.Duration
}

func (o *Options) fillDefaults() {
	if o.FailureCeiling < 1 {
		o.FailureCeiling = 3
	}
	if o.IncrementalPageCeiling < 1 {
		o.IncrementalPageCeiling = 5
	}
	if o.StaleRefreshLimit < 1 {
		o.StaleRefreshLimit = 20
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.RetryBackoffInitial <= 0 {
		o.RetryBackoffInitial = 1 * time.Second
	}
	if o.RetryBackoffMax <= 0 {
		o.RetryBackoffMax = 5 * time.Minute
	}
}

// Orchestrator drives one synchronization pass for one platform connection:
// consult quota, fetch and map a provider page, advance the cursor, update
// freshness, and move the state machine. Everything it learns lands in
// persisted state; callers read outcomes, they never block on syncs.
type Orchestrator struct {
	log         *slog.Logger
	connections ConnectionStore
	content     ContentStore
	cursors     CursorStore
	quota       QuotaService
	freshness   FreshnessService
	credentials CredentialSource
	providers   provider.Registry
	opts        Options

	mu       sync.Mutex
	inflight map[uuid.UUID]bool

	now func() time.Time
}

func NewOrchestrator(
	log *slog.Logger,
	connections ConnectionStore,
	content ContentStore,
	cursors CursorStore,
	quotaSvc QuotaService,
	freshnessSvc FreshnessService,
	creds CredentialSource,
	providers provider.Registry,
	opts Options,
) *Orchestrator {
	opts.fillDefaults()
	return &Orchestrator{
		log:         log,
		connections: connections,
		content:     content,
		cursors:     cursors,
		quota:       quotaSvc,
		freshness:   freshnessSvc,
		credentials: creds,
		providers:   providers,
		opts:        opts,
		inflight:    make(map[uuid.UUID]bool),
		now:         time.Now,
	}
}

// RunPass executes one pass. A second trigger while one is in flight is
// coalesced, not queued: the in-flight pass will pick up anything new on its
// next page anyway. Only invariant violations (impossible transitions,
// unknown providers) come back as errors.
func (o *Orchestrator) RunPass(ctx context.Context, connectionID uuid.UUID) (Outcome, error) {
	if !o.begin(connectionID) {
		return OutcomeCoalesced, nil
	}
	defer o.end(connectionID)

	conn, err := o.connections.Get(ctx, connectionID)
	if err != nil {
		return "", err
	}

	now := o.now().UTC()

	// consent gate before anything touches the provider
	if conn.SyncState == syncstate.ConsentChanged {
		o.log.Info("pass_skipped_needs_reconsent", "connection_id", conn.ID)
		return OutcomeNeedsReconsent, nil
	}
	grant, err := o.credentials.Consent(ctx, conn.ID)
	if err != nil {
		return "", err
	}
	if !grant.Active && conn.SyncState != syncstate.NeverSynced {
		// revocation event raced the scheduler; record the state it implies
		if err := o.transition(ctx, conn, syncstate.ConsentChanged); err != nil {
			return "", err
		}
		return OutcomeNeedsReconsent, nil
	}

	// FAILED connections re-enter their crawl once backoff has elapsed
	if conn.SyncState == syncstate.Failed {
		if conn.NextSyncAt != nil && now.Before(*conn.NextSyncAt) {
			return OutcomeNotDue, nil
		}
		if err := o.transition(ctx, conn, syncstate.RetryTarget(conn.LastCrawlState)); err != nil {
			return "", err
		}
	}

	switch conn.SyncState {
	case syncstate.NeverSynced:
		return o.beginBackfill(ctx, conn, grant)
	case syncstate.InitialSyncing:
		// re-granted consent lands here with the old backfill wiped
		if conn.SyncStartedAt == nil {
			return o.beginBackfill(ctx, conn, grant)
		}
		return o.crawlPage(ctx, conn, grant, nil)
	case syncstate.InProgress:
		return o.crawlPage(ctx, conn, grant, nil)
	case syncstate.Incremental:
		return o.incrementalPass(ctx, conn, grant)
	case syncstate.Completed:
		// backfill finished, steady-state polling begins
		if err := o.transition(ctx, conn, syncstate.Incremental); err != nil {
			return "", err
		}
		return o.incrementalPass(ctx, conn, grant)
	default:
		return "", fmt.Errorf("pass on connection %s in unexpected state %s", conn.ID, conn.SyncState)
	}
}

// beginBackfill starts a full backfill: resolve the account for an item
// total, then fetch page one. Reached from NEVER_SYNCED and again after
// re-granted consent wipes the previous crawl.
func (o *Orchestrator) beginBackfill(ctx context.Context, conn *models.PlatformConnection, grant credentials.Grant) (Outcome, error) {
	client, ok := o.providers.Get(conn.Provider)
	if !ok {
		return "", fmt.Errorf("no client registered for provider %s", conn.Provider)
	}

	needed := o.quota.Cost(quota.OpChannelLookup) + o.quota.Cost(quota.OpPageList)
	if !o.quota.HasBudget(ctx, conn.Provider, needed) {
		return o.deferToNextPeriod(ctx, conn)
	}

	if conn.SyncState == syncstate.NeverSynced {
		if err := o.transition(ctx, conn, syncstate.InitialSyncing); err != nil {
			return "", err
		}
	}

	now := o.now().UTC()
	conn.SyncStartedAt = &now
	conn.FullSync = &models.FullSyncProgress{}

	token, err := o.credentials.AccessToken(ctx, conn.ID)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	account, err := client.ResolveAccount(callCtx, conn.ProviderAccountID, token)
	cancel()
	if err != nil {
		o.quota.RecordUsage(ctx, conn.Provider, quota.OpChannelLookup, o.quota.Cost(quota.OpChannelLookup), models.OutcomeError)
		return o.handleCallFailure(ctx, conn, err)
	}
	o.quota.RecordUsage(ctx, conn.Provider, quota.OpChannelLookup, o.quota.Cost(quota.OpChannelLookup), models.OutcomeSuccess)

	// provider totals are approximate; good enough for progress reporting
	conn.TotalItemCount = account.ItemCount
	if err := o.connections.Update(ctx, conn); err != nil {
		return "", err
	}

	return o.crawlPage(ctx, conn, grant, nil)
}

// crawlPage fetches exactly one page of the active crawl, commits it, and
// advances cursor and state. One page per pass keeps the safe checkpoint
// granularity: consent revocation lands between pages, never inside one.
func (o *Orchestrator) crawlPage(ctx context.Context, conn *models.PlatformConnection, grant credentials.Grant, publishedAfter *time.Time) (Outcome, error) {
	client, ok := o.providers.Get(conn.Provider)
	if !ok {
		return "", fmt.Errorf("no client registered for provider %s", conn.Provider)
	}

	cost := o.quota.Cost(quota.OpPageList)
	if !o.quota.HasBudget(ctx, conn.Provider, cost) {
		return o.deferToNextPeriod(ctx, conn)
	}

	pageToken, err := o.cursors.Load(ctx, conn.ID)
	if err != nil {
		// lost cursor restarts the crawl; upserts make the replay harmless
		o.log.Warn("cursor_load_failed", "connection_id", conn.ID, "error", err)
		pageToken = ""
	}

	accessToken, err := o.credentials.AccessToken(ctx, conn.ID)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	page, err := client.ListContent(callCtx, conn.ProviderAccountID, provider.ListOptions{
		PageToken:      pageToken,
		PublishedAfter: publishedAfter,
	}, accessToken)
	cancel()
	if err != nil {
		o.quota.RecordUsage(ctx, conn.Provider, quota.OpPageList, cost, models.OutcomeError)
		return o.handleCallFailure(ctx, conn, err)
	}
	o.quota.RecordUsage(ctx, conn.Provider, quota.OpPageList, cost, models.OutcomeSuccess)

	return o.commitPage(ctx, conn, grant, page)
}

// commitPage persists one fetched page: item upserts, freshness records,
// counters, cursor, and the state step this page implies.
func (o *Orchestrator) commitPage(ctx context.Context, conn *models.PlatformConnection, grant credentials.Grant, page *provider.Page) (Outcome, error) {
	now := o.now().UTC()
	backfill := conn.FullSync != nil

	ids, err := o.content.UpsertPage(ctx, conn, page.Items)
	if err != nil {
		return o.handleCallFailure(ctx, conn, err)
	}

	authorized := grant.CoversContent()
	for _, item := range page.Items {
		contentID, ok := ids[item.ProviderItemID]
		if !ok {
			continue
		}
		if err := o.freshness.RecordSync(ctx, contentID, authorized); err != nil {
			o.log.Warn("freshness_record_failed", "content_id", contentID, "error", err)
		}
	}

	// malformed items are absorbed per item and never abort the page
	for _, m := range page.Malformed {
		conn.FailedItemCount++
		if m.ProviderItemID == "" {
			o.log.Warn("malformed_item_skipped", "connection_id", conn.ID, "reason", m.Reason)
			continue
		}
		stub := provider.Item{ProviderItemID: m.ProviderItemID, Title: "(unavailable)"}
		contentID, err := o.content.UpsertOne(ctx, conn, stub)
		if err != nil {
			o.log.Warn("malformed_item_stub_failed", "provider_item_id", m.ProviderItemID, "error", err)
			continue
		}
		if err := o.freshness.RecordFailure(ctx, contentID, m.Reason); err != nil {
			o.log.Warn("freshness_record_failed", "content_id", contentID, "error", err)
		}
	}

	// synced count only moves up; re-listed items still count as progress
	conn.SyncedItemCount += len(page.Items)
	conn.ConsecutiveFailureCount = 0
	conn.LastSyncedAt = &now
	conn.LastSyncError = nil
	conn.NextSyncAt = nil
	if page.TotalResults > 0 {
		conn.TotalItemCount = page.TotalResults
	}
	if conn.FullSync != nil {
		conn.FullSync.SyncedItems = conn.SyncedItemCount
		remaining := conn.TotalItemCount - conn.SyncedItemCount
		if remaining < 0 {
			remaining = 0
		}
		conn.FullSync.RemainingItems = remaining
		conn.FullSync.ProgressPercent = models.Progress(conn.SyncedItemCount, conn.TotalItemCount)
	}

	// a steady-state poll that found nothing moves no state and completes
	// nothing; only the poll window advances
	if conn.SyncState == syncstate.Incremental && len(page.Items) == 0 && page.NextPageToken == "" {
		if err := o.connections.Update(ctx, conn); err != nil {
			return "", err
		}
		return OutcomeCompleted, nil
	}

	// every committed page with content is a crawl step, including the final one
	if err := o.transition(ctx, conn, syncstate.InProgress); err != nil {
		return "", err
	}

	if page.NextPageToken != "" {
		if err := o.cursors.Save(ctx, conn.ID, page.NextPageToken); err != nil {
			o.log.Warn("cursor_save_failed", "connection_id", conn.ID, "error", err)
		}
		o.log.Info("crawl_page_committed",
			"connection_id", conn.ID,
			"items", len(page.Items),
			"malformed", len(page.Malformed),
			"synced_total", conn.SyncedItemCount,
		)
		return OutcomeAdvanced, nil
	}

	// no continuation token: the crawl is done and the cursor goes away
	if err := o.cursors.Clear(ctx, conn.ID); err != nil {
		o.log.Warn("cursor_clear_failed", "connection_id", conn.ID, "error", err)
	}
	if backfill {
		// only a finished backfill stamps the completion time; incremental
		// drains leave it as the record of when the backfill ended
		conn.SyncCompletedAt = &now
		conn.FullSync = nil
	}
	if err := o.transition(ctx, conn, syncstate.Completed); err != nil {
		return "", err
	}
	// steady-state polling begins immediately after the crawl
	if err := o.transition(ctx, conn, syncstate.Incremental); err != nil {
		return "", err
	}
	if backfill {
		o.log.Info("full_sync_completed", "connection_id", conn.ID, "synced_total", conn.SyncedItemCount)
	}
	return OutcomeCompleted, nil
}

// incrementalPass is a steady-state poll: a bounded crawl for newly
// published items, then a refresh of stale records, unauthorized-expired
// first. Consent is re-read between pages; that boundary is the engine's
// cancellation checkpoint.
func (o *Orchestrator) incrementalPass(ctx context.Context, conn *models.PlatformConnection, grant credentials.Grant) (Outcome, error) {
	publishedAfter := conn.LastSyncedAt

	for pageCount := 0; pageCount < o.opts.IncrementalPageCeiling; pageCount++ {
		if pageCount > 0 {
			g, err := o.credentials.Consent(ctx, conn.ID)
			if err != nil {
				return "", err
			}
			if !g.Active {
				if err := o.transition(ctx, conn, syncstate.ConsentChanged); err != nil {
					return "", err
				}
				return OutcomeNeedsReconsent, nil
			}
			grant = g
		}
		select {
		case <-ctx.Done():
			return OutcomePolled, nil
		default:
		}

		outcome, err := o.crawlPage(ctx, conn, grant, publishedAfter)
		if err != nil {
			return "", err
		}
		switch outcome {
		case OutcomeAdvanced:
			// token still held; the bounded crawl continues
		case OutcomeCompleted:
			return o.refreshStale(ctx, conn, grant)
		default:
			return outcome, nil
		}
	}

	// ceiling hit with a token still held; next pass resumes from the cursor
	return OutcomeAdvanced, nil
}

// refreshStale re-fetches detail for items the freshness tracker flags,
// expired unauthorized data ahead of everything else.
func (o *Orchestrator) refreshStale(ctx context.Context, conn *models.PlatformConnection, grant credentials.Grant) (Outcome, error) {
	candidates, err := o.freshness.SelectResyncCandidates(ctx, conn.ID, o.opts.StaleRefreshLimit)
	if err != nil {
		o.log.Warn("stale_selection_failed", "connection_id", conn.ID, "error", err)
		return OutcomePolled, nil
	}
	if len(candidates) == 0 {
		return OutcomePolled, nil
	}

	client, ok := o.providers.Get(conn.Provider)
	if !ok {
		return "", fmt.Errorf("no client registered for provider %s", conn.Provider)
	}
	accessToken, err := o.credentials.AccessToken(ctx, conn.ID)
	if err != nil {
		return "", err
	}

	cost := o.quota.Cost(quota.OpItemDetail)
	authorized := grant.CoversContent()
	refreshed := 0
	for _, contentID := range candidates {
		if !o.quota.HasBudget(ctx, conn.Provider, cost) {
			o.log.Info("stale_refresh_stopped_on_quota", "connection_id", conn.ID, "refreshed", refreshed)
			break
		}

		providerItemID, err := o.content.ProviderItemID(ctx, contentID)
		if err != nil {
			o.log.Warn("stale_refresh_lookup_failed", "content_id", contentID, "error", err)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
		item, err := client.ContentDetail(callCtx, providerItemID, accessToken)
		cancel()
		if err != nil {
			o.quota.RecordUsage(ctx, conn.Provider, quota.OpItemDetail, cost, models.OutcomeError)
			switch provider.ClassOf(err) {
			case provider.ClassAuthRevoked:
				if terr := o.transition(ctx, conn, syncstate.ConsentChanged); terr != nil {
					return "", terr
				}
				return OutcomeNeedsReconsent, nil
			default:
				// a single broken item must not sink the refresh sweep
				if ferr := o.freshness.RecordFailure(ctx, contentID, err.Error()); ferr != nil {
					o.log.Warn("freshness_record_failed", "content_id", contentID, "error", ferr)
				}
				continue
			}
		}
		o.quota.RecordUsage(ctx, conn.Provider, quota.OpItemDetail, cost, models.OutcomeSuccess)

		if _, err := o.content.UpsertOne(ctx, conn, *item); err != nil {
			o.log.Warn("stale_refresh_upsert_failed", "content_id", contentID, "error", err)
			continue
		}
		if err := o.freshness.RecordSync(ctx, contentID, authorized); err != nil {
			o.log.Warn("freshness_record_failed", "content_id", contentID, "error", err)
		}
		refreshed++
	}

	if refreshed > 0 {
		o.log.Info("stale_items_refreshed", "connection_id", conn.ID, "count", refreshed)
	}
	return OutcomePolled, nil
}

// handleCallFailure classifies a failed provider call and encodes the
// reaction in connection state: CONSENT_CHANGED for revoked access, FAILED
// for fatal answers or exhausted retries, backoff otherwise.
func (o *Orchestrator) handleCallFailure(ctx context.Context, conn *models.PlatformConnection, callErr error) (Outcome, error) {
	now := o.now().UTC()
	msg := callErr.Error()
	conn.LastSyncError = &msg

	switch provider.ClassOf(callErr) {
	case provider.ClassAuthRevoked:
		// cursor retained but useless until consent is re-granted
		if err := o.transition(ctx, conn, syncstate.ConsentChanged); err != nil {
			return "", err
		}
		o.log.Warn("pass_auth_revoked", "connection_id", conn.ID, "error", msg)
		return OutcomeNeedsReconsent, nil

	case provider.ClassFatal:
		conn.ConsecutiveFailureCount++
		if err := o.failConnection(ctx, conn, now); err != nil {
			return "", err
		}
		o.log.Warn("pass_fatal_error", "connection_id", conn.ID, "error", msg)
		return OutcomeFailed, nil

	default:
		conn.ConsecutiveFailureCount++
		if conn.ConsecutiveFailureCount >= o.opts.FailureCeiling {
			if err := o.failConnection(ctx, conn, now); err != nil {
				return "", err
			}
			o.log.Warn("pass_failed_after_retries",
				"connection_id", conn.ID,
				"consecutive_failures", conn.ConsecutiveFailureCount,
				"error", msg,
			)
			return OutcomeFailed, nil
		}

		// transient, under the ceiling: same state, backoff before the next try
		next := now.Add(o.passBackoff(conn.ConsecutiveFailureCount))
		conn.NextSyncAt = &next
		if err := o.connections.Update(ctx, conn); err != nil {
			return "", err
		}
		o.log.Warn("pass_transient_failure",
			"connection_id", conn.ID,
			"consecutive_failures", conn.ConsecutiveFailureCount,
			"next_sync_at", next,
			"error", msg,
		)
		return OutcomeFailed, nil
	}
}

// failConnection moves a crawl to FAILED, remembering which crawl state to
// resume. The cursor stays put so a retry resumes rather than restarts.
func (o *Orchestrator) failConnection(ctx context.Context, conn *models.PlatformConnection, now time.Time) error {
	if syncstate.IsCrawling(conn.SyncState) || conn.SyncState == syncstate.Incremental {
		conn.LastCrawlState = conn.SyncState
	}
	next := now.Add(o.passBackoff(conn.ConsecutiveFailureCount))
	conn.NextSyncAt = &next
	return o.transition(ctx, conn, syncstate.Failed)
}

// transition validates and persists one state machine step. An invalid
// transition is a programming error and propagates as a hard failure.
func (o *Orchestrator) transition(ctx context.Context, conn *models.PlatformConnection, to syncstate.State) error {
	if err := syncstate.Validate(conn.SyncState, to); err != nil {
		return err
	}
	from := conn.SyncState
	conn.SyncState = to
	if err := o.connections.Update(ctx, conn); err != nil {
		conn.SyncState = from
		return err
	}
	if from != to {
		o.log.Debug("sync_state_transition", "connection_id", conn.ID, "from", from, "to", to)
	}
	return nil
}

// deferToNextPeriod reschedules a pass that found no quota budget. Nothing
// was called, so no usage event is appended and state does not move.
func (o *Orchestrator) deferToNextPeriod(ctx context.Context, conn *models.PlatformConnection) (Outcome, error) {
	next := o.quota.NextPeriodStart()
	conn.NextSyncAt = &next
	if err := o.connections.Update(ctx, conn); err != nil {
		return "", err
	}
	o.log.Info("pass_deferred_quota_exhausted", "connection_id", conn.ID, "next_sync_at", next)
	return OutcomeQuotaExhausted, nil
}

func (o *Orchestrator) passBackoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	backoff := o.opts.RetryBackoffInitial
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff >= o.opts.RetryBackoffMax {
			return o.opts.RetryBackoffMax
		}
	}
	return backoff
}

func (o *Orchestrator) begin(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[id] {
		return false
	}
	o.inflight[id] = true
	return true
}

func (o *Orchestrator) end(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, id)
}
