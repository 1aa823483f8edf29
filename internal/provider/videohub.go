package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"creator-sync/internal/models"
	"creator-sync/internal/security"
)

// videoHubPageSize is the provider's maximum page size for upload listings.
const videoHubPageSize = 50

// VideoHub is the client for the video-hosting provider. Catalog crawls go
// channel -> uploads playlist, paginated by the provider's opaque page token.
type VideoHub struct {
	baseURL string
	caller  *apiCaller
}

func NewVideoHub(log *slog.Logger, baseURL string, httpClient *http.Client, pacer *security.Pacer) *VideoHub {
	return &VideoHub{
		baseURL: strings.TrimRight(baseURL, "/"),
		caller:  newAPICaller(models.ProviderVideoHub, log, httpClient, pacer),
	}
}

func (v *VideoHub) Name() models.ProviderKind { return models.ProviderVideoHub }

type videoHubChannel struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	VideoCount int    `json:"video_count"`
}

type videoHubVideo struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	PublishedAt string   `json:"published_at"`
	Thumbnail   string   `json:"thumbnail_url"`
	CategoryID  string   `json:"category_id"`
	Tags        []string `json:"tags"`
	Stats       struct {
		Views int64 `json:"view_count"`
		Likes int64 `json:"like_count"`
	} `json:"statistics"`
}

type videoHubListResponse struct {
	Items         []videoHubVideo `json:"items"`
	NextPageToken string          `json:"next_page_token"`
	TotalResults  int             `json:"total_results"`
}

func (v *VideoHub) ResolveAccount(ctx context.Context, accountRef, accessToken string) (*Account, error) {
	var ch videoHubChannel
	u := fmt.Sprintf("%s/channels/%s", v.baseURL, url.PathEscape(accountRef))
	if err := v.caller.getJSON(ctx, u, accessToken, &ch); err != nil {
		return nil, err
	}
	if ch.ID == "" {
		return nil, &CallError{Class: ClassFatal, Err: fmt.Errorf("channel %q resolved to empty id", accountRef)}
	}
	return &Account{ID: ch.ID, Title: ch.Title, ItemCount: ch.VideoCount}, nil
}

func (v *VideoHub) ListContent(ctx context.Context, accountID string, opts ListOptions, accessToken string) (*Page, error) {
	q := url.Values{}
	q.Set("page_size", fmt.Sprint(videoHubPageSize))
	if opts.PageToken != "" {
		q.Set("page_token", opts.PageToken)
	}
	if opts.PublishedAfter != nil {
		q.Set("published_after", opts.PublishedAfter.UTC().Format(time.RFC3339))
	}

	var resp videoHubListResponse
	u := fmt.Sprintf("%s/channels/%s/uploads?%s", v.baseURL, url.PathEscape(accountID), q.Encode())
	if err := v.caller.getJSON(ctx, u, accessToken, &resp); err != nil {
		return nil, err
	}

	page := &Page{
		NextPageToken: resp.NextPageToken,
		TotalResults:  resp.TotalResults,
	}
	for _, raw := range resp.Items {
		item, err := mapVideoHubVideo(raw)
		if err != nil {
			page.Malformed = append(page.Malformed, *err)
			continue
		}
		page.Items = append(page.Items, *item)
	}
	return page, nil
}

func (v *VideoHub) ContentDetail(ctx context.Context, itemID, accessToken string) (*Item, error) {
	var raw videoHubVideo
	u := fmt.Sprintf("%s/videos/%s", v.baseURL, url.PathEscape(itemID))
	if err := v.caller.getJSON(ctx, u, accessToken, &raw); err != nil {
		return nil, err
	}
	item, mErr := mapVideoHubVideo(raw)
	if mErr != nil {
		return nil, mErr
	}
	return item, nil
}

func mapVideoHubVideo(raw videoHubVideo) (*Item, *MalformedItemError) {
	if raw.ID == "" {
		return nil, &MalformedItemError{ProviderItemID: "", Reason: "missing video id"}
	}
	if raw.Title == "" {
		return nil, &MalformedItemError{ProviderItemID: raw.ID, Reason: "missing title"}
	}

	item := &Item{
		ProviderItemID: raw.ID,
		Title:          raw.Title,
		Description:    raw.Description,
		ThumbnailURL:   raw.Thumbnail,
		Tags:           raw.Tags,
		ViewCount:      raw.Stats.Views,
		LikeCount:      raw.Stats.Likes,
	}
	if raw.CategoryID != "" {
		item.Categories = []string{raw.CategoryID}
	}
	if raw.PublishedAt != "" {
		t, err := time.Parse(time.RFC3339, raw.PublishedAt)
		if err != nil {
			return nil, &MalformedItemError{ProviderItemID: raw.ID, Reason: "bad published_at: " + raw.PublishedAt}
		}
		item.PublishedAt = &t
	}
	return item, nil
}
