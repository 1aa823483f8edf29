package syncer

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creator-sync/internal/credentials"
	"creator-sync/internal/models"
	"creator-sync/internal/provider"
	"creator-sync/internal/quota"
	"creator-sync/internal/syncstate"
)

// ---- fakes ----

type fakeConnStore struct {
	conns map[uuid.UUID]*models.PlatformConnection
}

func newFakeConnStore(conns ...*models.PlatformConnection) *fakeConnStore {
	m := make(map[uuid.UUID]*models.PlatformConnection)
	for _, c := range conns {
		m[c.ID] = c
	}
	return &fakeConnStore{conns: m}
}

func (f *fakeConnStore) Get(_ context.Context, id uuid.UUID) (*models.PlatformConnection, error) {
	c, ok := f.conns[id]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConnStore) Update(_ context.Context, c *models.PlatformConnection) error {
	cp := *c
	f.conns[c.ID] = &cp
	return nil
}

type fakeContentStore struct {
	byProviderID map[string]uuid.UUID
	upsertCalls  int
}

func newFakeContentStore() *fakeContentStore {
	return &fakeContentStore{byProviderID: make(map[string]uuid.UUID)}
}

func (f *fakeContentStore) UpsertPage(_ context.Context, _ *models.PlatformConnection, items []provider.Item) (map[string]uuid.UUID, error) {
	f.upsertCalls++
	out := make(map[string]uuid.UUID, len(items))
	for _, it := range items {
		id, ok := f.byProviderID[it.ProviderItemID]
		if !ok {
			id = uuid.New()
			f.byProviderID[it.ProviderItemID] = id
		}
		out[it.ProviderItemID] = id
	}
	return out, nil
}

func (f *fakeContentStore) UpsertOne(ctx context.Context, conn *models.PlatformConnection, item provider.Item) (uuid.UUID, error) {
	ids, err := f.UpsertPage(ctx, conn, []provider.Item{item})
	if err != nil {
		return uuid.Nil, err
	}
	return ids[item.ProviderItemID], nil
}

func (f *fakeContentStore) ProviderItemID(_ context.Context, contentID uuid.UUID) (string, error) {
	for pid, id := range f.byProviderID {
		if id == contentID {
			return pid, nil
		}
	}
	return "", errors.New("content not found")
}

type fakeCursorStore struct {
	tokens map[uuid.UUID]string
}

func newFakeCursorStore() *fakeCursorStore {
	return &fakeCursorStore{tokens: make(map[uuid.UUID]string)}
}

func (f *fakeCursorStore) Save(_ context.Context, id uuid.UUID, token string) error {
	if token == "" {
		delete(f.tokens, id)
		return nil
	}
	f.tokens[id] = token
	return nil
}

func (f *fakeCursorStore) Load(_ context.Context, id uuid.UUID) (string, error) {
	return f.tokens[id], nil
}

func (f *fakeCursorStore) Clear(_ context.Context, id uuid.UUID) error {
	delete(f.tokens, id)
	return nil
}

type usageEvent struct {
	op      string
	units   int64
	outcome models.UsageOutcome
}

type fakeQuota struct {
	budgetLeft int64
	events     []usageEvent
	nextPeriod time.Time
}

func newFakeQuota(budget int64) *fakeQuota {
	return &fakeQuota{
		budgetLeft: budget,
		nextPeriod: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeQuota) Cost(op string) int64 {
	if op == quota.OpSearch {
		return 100
	}
	return 5
}

func (f *fakeQuota) HasBudget(_ context.Context, _ models.ProviderKind, required int64) bool {
	return required <= f.budgetLeft
}

func (f *fakeQuota) RecordUsage(_ context.Context, _ models.ProviderKind, op string, units int64, outcome models.UsageOutcome) {
	f.events = append(f.events, usageEvent{op: op, units: units, outcome: outcome})
	f.budgetLeft -= units
}

func (f *fakeQuota) NextPeriodStart() time.Time { return f.nextPeriod }

type fakeFreshness struct {
	synced     map[uuid.UUID]bool // contentID -> authorized
	failed     map[uuid.UUID]string
	candidates []uuid.UUID
}

func newFakeFreshness() *fakeFreshness {
	return &fakeFreshness{
		synced: make(map[uuid.UUID]bool),
		failed: make(map[uuid.UUID]string),
	}
}

func (f *fakeFreshness) RecordSync(_ context.Context, contentID uuid.UUID, authorized bool) error {
	f.synced[contentID] = authorized
	return nil
}

func (f *fakeFreshness) RecordFailure(_ context.Context, contentID uuid.UUID, syncErr string) error {
	f.failed[contentID] = syncErr
	return nil
}

func (f *fakeFreshness) SelectResyncCandidates(_ context.Context, _ uuid.UUID, limit int) ([]uuid.UUID, error) {
	if len(f.candidates) > limit {
		return f.candidates[:limit], nil
	}
	return f.candidates, nil
}

type fakeCreds struct {
	grant credentials.Grant
}

func (f *fakeCreds) AccessToken(_ context.Context, _ uuid.UUID) (string, error) {
	return "tok-test", nil
}

func (f *fakeCreds) Consent(_ context.Context, _ uuid.UUID) (credentials.Grant, error) {
	return f.grant, nil
}

// scripted provider client: pages are served in order keyed by page token
type fakeProvider struct {
	account      *provider.Account
	pages        map[string]*provider.Page // key: requested page token
	details      map[string]*provider.Item
	callErr      error
	listCalls    int
	resolveCalls int
	detailCalls  int
}

func (f *fakeProvider) Name() models.ProviderKind { return models.ProviderVideoHub }

func (f *fakeProvider) ResolveAccount(_ context.Context, _, _ string) (*provider.Account, error) {
	f.resolveCalls++
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.account, nil
}

func (f *fakeProvider) ListContent(_ context.Context, _ string, opts provider.ListOptions, _ string) (*provider.Page, error) {
	f.listCalls++
	if f.callErr != nil {
		return nil, f.callErr
	}
	page, ok := f.pages[opts.PageToken]
	if !ok {
		return &provider.Page{}, nil
	}
	return page, nil
}

func (f *fakeProvider) ContentDetail(_ context.Context, itemID, _ string) (*provider.Item, error) {
	f.detailCalls++
	if f.callErr != nil {
		return nil, f.callErr
	}
	item, ok := f.details[itemID]
	if !ok {
		return nil, &provider.CallError{Class: provider.ClassFatal, StatusCode: 404, Err: errors.New("not found")}
	}
	return item, nil
}

// ---- harness ----

type harness struct {
	orch    *Orchestrator
	conns   *fakeConnStore
	content *fakeContentStore
	cursors *fakeCursorStore
	quota   *fakeQuota
	fresh   *fakeFreshness
	creds   *fakeCreds
	prov    *fakeProvider
	conn    *models.PlatformConnection
}

func newHarness(t *testing.T, state syncstate.State, prov *fakeProvider) *harness {
	t.Helper()
	conn := &models.PlatformConnection{
		ID:                uuid.New(),
		CreatorID:         uuid.New(),
		Provider:          models.ProviderVideoHub,
		ProviderAccountID: "chan-1",
		SyncState:         state,
	}
	h := &harness{
		conns:   newFakeConnStore(conn),
		content: newFakeContentStore(),
		cursors: newFakeCursorStore(),
		quota:   newFakeQuota(10000),
		fresh:   newFakeFreshness(),
		creds:   &fakeCreds{grant: credentials.Grant{Active: true, Scope: credentials.ScopeFull}},
		prov:    prov,
		conn:    conn,
	}
	h.orch = NewOrchestrator(
		slog.New(slog.DiscardHandler),
		h.conns, h.content, h.cursors, h.quota, h.fresh, h.creds,
		provider.Registry{models.ProviderVideoHub: prov},
		Options{FailureCeiling: 3},
	)
	return h
}

func (h *harness) current(t *testing.T) *models.PlatformConnection {
	t.Helper()
	c, err := h.conns.Get(context.Background(), h.conn.ID)
	require.NoError(t, err)
	return c
}

func makeItems(prefix string, n int) []provider.Item {
	items := make([]provider.Item, n)
	for i := range items {
		items[i] = provider.Item{ProviderItemID: prefix + "-" + uuid.NewString()[:8], Title: "t"}
	}
	return items
}

func twoPageProvider() *fakeProvider {
	return &fakeProvider{
		account: &provider.Account{ID: "chan-1", Title: "Channel", ItemCount: 80},
		pages: map[string]*provider.Page{
			"":       {Items: makeItems("p1", 50), NextPageToken: "page-2", TotalResults: 80},
			"page-2": {Items: makeItems("p2", 30), TotalResults: 80},
		},
	}
}

// ---- tests ----

func TestRunPass_FullBackfillOverTwoPasses(t *testing.T) {
	h := newHarness(t, syncstate.NeverSynced, twoPageProvider())
	ctx := context.Background()

	// pass 1: resolve account, commit page 1, hold the cursor
	outcome, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdvanced, outcome)

	c := h.current(t)
	assert.Equal(t, syncstate.InProgress, c.SyncState)
	assert.Equal(t, 50, c.SyncedItemCount)
	assert.Equal(t, 80, c.TotalItemCount)
	require.NotNil(t, c.FullSync)
	assert.InDelta(t, 62.5, c.FullSync.ProgressPercent, 0.01)
	assert.Equal(t, "page-2", h.cursors.tokens[c.ID])

	// pass 2: final page, no continuation token
	outcome, err = h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	c = h.current(t)
	assert.Equal(t, syncstate.Incremental, c.SyncState)
	assert.Equal(t, 80, c.SyncedItemCount)
	assert.Equal(t, 80, c.TotalItemCount, "final snapshot stays derivable from the counters")
	assert.Nil(t, c.FullSync)
	assert.NotNil(t, c.SyncCompletedAt)
	assert.Empty(t, h.cursors.tokens, "cursor cleared on completion")
}

func TestRunPass_SyncedCountNeverDecreases(t *testing.T) {
	h := newHarness(t, syncstate.NeverSynced, twoPageProvider())
	ctx := context.Background()

	prev := 0
	for i := 0; i < 4; i++ {
		_, err := h.orch.RunPass(ctx, h.conn.ID)
		require.NoError(t, err)
		c := h.current(t)
		assert.GreaterOrEqual(t, c.SyncedItemCount, prev)
		prev = c.SyncedItemCount
	}
}

func TestRunPass_CursorPresentOnlyWhileCrawling(t *testing.T) {
	h := newHarness(t, syncstate.NeverSynced, twoPageProvider())
	ctx := context.Background()

	_, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	c := h.current(t)
	assert.True(t, syncstate.IsCrawling(c.SyncState))
	assert.Contains(t, h.cursors.tokens, c.ID)

	_, err = h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	c = h.current(t)
	assert.False(t, syncstate.IsCrawling(c.SyncState))
	assert.NotContains(t, h.cursors.tokens, c.ID)
}

func TestRunPass_QuotaExhaustedBeforeAnyCall(t *testing.T) {
	h := newHarness(t, syncstate.NeverSynced, twoPageProvider())
	h.quota.budgetLeft = 3 // below the cost of the first pass
	ctx := context.Background()

	outcome, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuotaExhausted, outcome)

	c := h.current(t)
	assert.Equal(t, syncstate.NeverSynced, c.SyncState, "state unchanged")
	assert.Empty(t, h.quota.events, "no usage event appended")
	assert.Equal(t, 0, h.prov.resolveCalls)
	assert.Equal(t, 0, h.prov.listCalls)
	require.NotNil(t, c.NextSyncAt)
	assert.Equal(t, h.quota.nextPeriod, *c.NextSyncAt)
}

func TestRunPass_TransientFailuresEscalateToFailed(t *testing.T) {
	prov := twoPageProvider()
	h := newHarness(t, syncstate.NeverSynced, prov)
	ctx := context.Background()

	// commit page 1, then make every call time out
	_, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	prov.callErr = &provider.CallError{Class: provider.ClassTransient, Err: errors.New("request timed out")}

	for i := 0; i < 3; i++ {
		// clear the transient backoff so the next attempt is due
		c := h.current(t)
		c.NextSyncAt = nil
		require.NoError(t, h.conns.Update(ctx, c))

		outcome, err := h.orch.RunPass(ctx, h.conn.ID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailed, outcome)
	}

	c := h.current(t)
	assert.Equal(t, syncstate.Failed, c.SyncState)
	assert.Equal(t, 3, c.ConsecutiveFailureCount)
	require.NotNil(t, c.LastSyncError)
	assert.Contains(t, *c.LastSyncError, "timed out")
	assert.Contains(t, h.cursors.tokens, c.ID, "cursor retained for resume")
	assert.Equal(t, syncstate.InProgress, c.LastCrawlState)
}

func TestRunPass_FailedConnectionResumesCrawlAfterBackoff(t *testing.T) {
	prov := twoPageProvider()
	h := newHarness(t, syncstate.NeverSynced, prov)
	ctx := context.Background()

	_, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	prov.callErr = &provider.CallError{Class: provider.ClassFatal, StatusCode: 404, Err: errors.New("channel not found")}
	c := h.current(t)
	c.NextSyncAt = nil
	require.NoError(t, h.conns.Update(ctx, c))

	outcome, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, syncstate.Failed, h.current(t).SyncState)

	// backoff not yet elapsed: nothing happens
	outcome, err = h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotDue, outcome)

	// backoff elapsed and the provider recovered: the crawl resumes mid-way
	prov.callErr = nil
	c = h.current(t)
	c.NextSyncAt = nil
	require.NoError(t, h.conns.Update(ctx, c))

	outcome, err = h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	c = h.current(t)
	assert.Equal(t, 80, c.SyncedItemCount)
}

func TestRunPass_ConsentRevokedMidCrawl(t *testing.T) {
	h := newHarness(t, syncstate.NeverSynced, twoPageProvider())
	ctx := context.Background()

	// page 1 committed
	_, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, h.current(t).SyncedItemCount)
	listCallsAfterPage1 := h.prov.listCalls

	// revocation lands between passes
	listener := NewConsentListener(slog.New(slog.DiscardHandler), h.conns, h.cursors)
	require.NoError(t, listener.OnRevoked(ctx, h.conn.ID))
	h.creds.grant = credentials.Grant{Active: false}

	outcome, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNeedsReconsent, outcome)

	c := h.current(t)
	assert.Equal(t, syncstate.ConsentChanged, c.SyncState)
	assert.Equal(t, 50, c.SyncedItemCount, "committed page stays committed")
	assert.Equal(t, listCallsAfterPage1, h.prov.listCalls, "no further provider call")
}

func TestRunPass_RevocationRacingSchedulerIsCaught(t *testing.T) {
	h := newHarness(t, syncstate.NeverSynced, twoPageProvider())
	ctx := context.Background()

	_, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)

	// grant flips without the listener having fired yet
	h.creds.grant = credentials.Grant{Active: false}
	listCalls := h.prov.listCalls

	outcome, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNeedsReconsent, outcome)
	assert.Equal(t, syncstate.ConsentChanged, h.current(t).SyncState)
	assert.Equal(t, listCalls, h.prov.listCalls)
}

func TestRunPass_AuthRevokedByProviderCall(t *testing.T) {
	prov := twoPageProvider()
	h := newHarness(t, syncstate.NeverSynced, prov)
	ctx := context.Background()

	_, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	prov.callErr = &provider.CallError{Class: provider.ClassAuthRevoked, StatusCode: 401, Err: errors.New("unauthorized")}

	outcome, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNeedsReconsent, outcome)

	c := h.current(t)
	assert.Equal(t, syncstate.ConsentChanged, c.SyncState)
	assert.Contains(t, h.cursors.tokens, c.ID, "cursor retained but unused")
}

func TestRunPass_ReinstatedConsentForcesFreshBackfill(t *testing.T) {
	h := newHarness(t, syncstate.NeverSynced, twoPageProvider())
	ctx := context.Background()

	_, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)

	listener := NewConsentListener(slog.New(slog.DiscardHandler), h.conns, h.cursors)
	require.NoError(t, listener.OnRevoked(ctx, h.conn.ID))
	h.creds.grant = credentials.Grant{Active: false}

	h.creds.grant = credentials.Grant{Active: true, Scope: credentials.ScopeFull}
	require.NoError(t, listener.OnReinstated(ctx, h.conn.ID))

	c := h.current(t)
	assert.Equal(t, syncstate.InitialSyncing, c.SyncState)
	assert.Equal(t, 0, c.SyncedItemCount)
	assert.Empty(t, h.cursors.tokens, "retained cursor discarded on re-grant")

	// backfill restarts from the top
	outcome, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdvanced, outcome)
	assert.Equal(t, 50, h.current(t).SyncedItemCount)
}

func TestRunPass_MalformedItemsAbsorbed(t *testing.T) {
	prov := &fakeProvider{
		account: &provider.Account{ID: "chan-1", ItemCount: 3},
		pages: map[string]*provider.Page{
			"": {
				Items: makeItems("ok", 2),
				Malformed: []provider.MalformedItemError{
					{ProviderItemID: "bad-1", Reason: "missing title"},
					{Reason: "missing id"},
				},
			},
		},
	}
	h := newHarness(t, syncstate.NeverSynced, prov)
	ctx := context.Background()

	outcome, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	c := h.current(t)
	assert.Equal(t, 2, c.SyncedItemCount)
	assert.Equal(t, 2, c.FailedItemCount)
	assert.Equal(t, 0, c.ConsecutiveFailureCount, "item failures stay at item level")

	// the identifiable malformed item got a failure record
	badID := h.content.byProviderID["bad-1"]
	assert.Equal(t, "missing title", h.fresh.failed[badID])
}

func TestRunPass_UnauthorizedScopeMarksItemsForExpiry(t *testing.T) {
	h := newHarness(t, syncstate.NeverSynced, twoPageProvider())
	h.creds.grant = credentials.Grant{Active: true, Scope: credentials.ScopeMetadataOnly}
	ctx := context.Background()

	_, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)

	require.NotEmpty(t, h.fresh.synced)
	for _, authorized := range h.fresh.synced {
		assert.False(t, authorized)
	}
}

func TestRunPass_IncrementalRefreshesStaleItemsFirst(t *testing.T) {
	staleItem := provider.Item{ProviderItemID: "stale-1", Title: "updated title"}
	prov := &fakeProvider{
		account: &provider.Account{ID: "chan-1", ItemCount: 1},
		pages:   map[string]*provider.Page{"": {}},
		details: map[string]*provider.Item{"stale-1": &staleItem},
	}
	h := newHarness(t, syncstate.Incremental, prov)
	ctx := context.Background()

	staleID := uuid.New()
	h.content.byProviderID["stale-1"] = staleID
	h.fresh.candidates = []uuid.UUID{staleID}

	outcome, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePolled, outcome)

	assert.Equal(t, 1, prov.detailCalls)
	_, resynced := h.fresh.synced[staleID]
	assert.True(t, resynced, "stale item re-recorded after refresh")
}

func TestRunPass_IncrementalBoundedByPageCeiling(t *testing.T) {
	// provider always returns a continuation token: an unbounded crawl
	endless := &fakeProvider{
		account: &provider.Account{ID: "chan-1", ItemCount: 1000},
		pages: map[string]*provider.Page{
			"":     {Items: makeItems("a", 10), NextPageToken: "more"},
			"more": {Items: makeItems("b", 10), NextPageToken: "more"},
		},
	}
	h := newHarness(t, syncstate.Incremental, endless)
	ctx := context.Background()

	outcome, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdvanced, outcome)
	assert.Equal(t, 5, endless.listCalls, "page ceiling caps one pass")
}

func TestRunPass_EmptyIncrementalPollKeepsCompletionTime(t *testing.T) {
	prov := &fakeProvider{
		account: &provider.Account{ID: "chan-1", ItemCount: 80},
		pages:   map[string]*provider.Page{"": {}},
	}
	h := newHarness(t, syncstate.Incremental, prov)
	ctx := context.Background()

	completed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := h.current(t)
	c.SyncCompletedAt = &completed
	c.LastSyncedAt = &completed
	c.SyncedItemCount = 80
	require.NoError(t, h.conns.Update(ctx, c))

	outcome, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePolled, outcome)

	c = h.current(t)
	assert.Equal(t, syncstate.Incremental, c.SyncState, "empty poll moves no state")
	require.NotNil(t, c.SyncCompletedAt)
	assert.Equal(t, completed, *c.SyncCompletedAt, "backfill completion time is not rewritten")
	require.NotNil(t, c.LastSyncedAt)
	assert.True(t, c.LastSyncedAt.After(completed), "poll window still advances")
}

func TestRunPass_IncrementalNewItemsLeaveCompletionTime(t *testing.T) {
	prov := &fakeProvider{
		account: &provider.Account{ID: "chan-1", ItemCount: 85},
		pages:   map[string]*provider.Page{"": {Items: makeItems("new", 5)}},
	}
	h := newHarness(t, syncstate.Incremental, prov)
	ctx := context.Background()

	completed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := h.current(t)
	c.SyncCompletedAt = &completed
	c.SyncedItemCount = 80
	require.NoError(t, h.conns.Update(ctx, c))

	outcome, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePolled, outcome)

	c = h.current(t)
	assert.Equal(t, syncstate.Incremental, c.SyncState)
	assert.Equal(t, 85, c.SyncedItemCount)
	require.NotNil(t, c.SyncCompletedAt)
	assert.Equal(t, completed, *c.SyncCompletedAt)
}

func TestRunPass_CoalescesConcurrentTriggers(t *testing.T) {
	h := newHarness(t, syncstate.NeverSynced, twoPageProvider())

	require.True(t, h.orch.begin(h.conn.ID))
	outcome, err := h.orch.RunPass(context.Background(), h.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCoalesced, outcome)
	h.orch.end(h.conn.ID)
}

func TestRunPass_IdempotentReplayOfSamePage(t *testing.T) {
	prov := twoPageProvider()
	h := newHarness(t, syncstate.NeverSynced, prov)
	ctx := context.Background()

	_, err := h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)
	recordsAfterFirst := len(h.content.byProviderID)

	// lost cursor restarts from page 1; the same items come back
	require.NoError(t, h.cursors.Clear(ctx, h.conn.ID))
	_, err = h.orch.RunPass(ctx, h.conn.ID)
	require.NoError(t, err)

	assert.Equal(t, recordsAfterFirst, len(h.content.byProviderID), "replay creates no duplicates")
}
