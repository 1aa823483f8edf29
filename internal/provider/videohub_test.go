package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"creator-sync/internal/security"
)

func testPacer() *security.Pacer {
	return security.NewPacer(rate.Inf, 1, time.Minute)
}

func TestVideoHub_ListContent_Pagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		switch r.URL.Query().Get("page_token") {
		case "":
			fmt.Fprint(w, `{
				"items": [
					{"id":"vid-1","title":"First","published_at":"2025-01-02T03:04:05Z","statistics":{"view_count":10,"like_count":2}},
					{"id":"vid-2","title":"Second","tags":["a","b"],"category_id":"22"}
				],
				"next_page_token": "page-2",
				"total_results": 3
			}`)
		case "page-2":
			fmt.Fprint(w, `{
				"items": [{"id":"vid-3","title":"Third"}],
				"next_page_token": "",
				"total_results": 3
			}`)
		default:
			http.Error(w, "bad token", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	v := NewVideoHub(slog.Default(), srv.URL, srv.Client(), testPacer())
	ctx := context.Background()

	page1, err := v.ListContent(ctx, "chan-1", ListOptions{}, "tok-1")
	require.NoError(t, err)
	assert.Len(t, page1.Items, 2)
	assert.Equal(t, "page-2", page1.NextPageToken)
	assert.Equal(t, 3, page1.TotalResults)
	assert.Equal(t, "vid-1", page1.Items[0].ProviderItemID)
	require.NotNil(t, page1.Items[0].PublishedAt)
	assert.Equal(t, int64(10), page1.Items[0].ViewCount)
	assert.Equal(t, []string{"22"}, page1.Items[1].Categories)

	page2, err := v.ListContent(ctx, "chan-1", ListOptions{PageToken: page1.NextPageToken}, "tok-1")
	require.NoError(t, err)
	assert.Len(t, page2.Items, 1)
	assert.Equal(t, "", page2.NextPageToken, "last page carries no continuation token")
}

func TestVideoHub_ListContent_MalformedItemsAbsorbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"items": [
				{"id":"","title":"no id"},
				{"id":"vid-ok","title":"fine"},
				{"id":"vid-bad-date","title":"bad date","published_at":"yesterday"}
			],
			"next_page_token": "",
			"total_results": 3
		}`)
	}))
	defer srv.Close()

	v := NewVideoHub(slog.Default(), srv.URL, srv.Client(), testPacer())

	page, err := v.ListContent(context.Background(), "chan-1", ListOptions{}, "tok")
	require.NoError(t, err, "malformed items must not fail the page")
	assert.Len(t, page.Items, 1)
	assert.Equal(t, "vid-ok", page.Items[0].ProviderItemID)
	assert.Len(t, page.Malformed, 2)
}

func TestVideoHub_AuthRevokedClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	v := NewVideoHub(slog.Default(), srv.URL, srv.Client(), testPacer())

	_, err := v.ListContent(context.Background(), "chan-1", ListOptions{}, "revoked")
	require.Error(t, err)
	assert.Equal(t, ClassAuthRevoked, ClassOf(err))
}

func TestVideoHub_FatalOnChannelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"channel_not_found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	v := NewVideoHub(slog.Default(), srv.URL, srv.Client(), testPacer())

	_, err := v.ResolveAccount(context.Background(), "gone", "tok")
	require.Error(t, err)
	assert.Equal(t, ClassFatal, ClassOf(err))
}

func TestVideoHub_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"items":[{"id":"vid-1","title":"ok"}],"next_page_token":"","total_results":1}`)
	}))
	defer srv.Close()

	v := NewVideoHub(slog.Default(), srv.URL, srv.Client(), testPacer())
	v.caller.retry = RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2.0}

	page, err := v.ListContent(context.Background(), "chan-1", ListOptions{}, "tok")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, page.Items, 1)
}
