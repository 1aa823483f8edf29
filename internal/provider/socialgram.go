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

const socialGramPageSize = 50

// SocialGram is the client for the social-media provider. It paginates with
// graph-style "after" cursors; an empty next cursor ends the crawl.
type SocialGram struct {
	baseURL string
	caller  *apiCaller
}

func NewSocialGram(log *slog.Logger, baseURL string, httpClient *http.Client, pacer *security.Pacer) *SocialGram {
	return &SocialGram{
		baseURL: strings.TrimRight(baseURL, "/"),
		caller:  newAPICaller(models.ProviderSocialGram, log, httpClient, pacer),
	}
}

func (s *SocialGram) Name() models.ProviderKind { return models.ProviderSocialGram }

type socialGramAccount struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	MediaCount int    `json:"media_count"`
}

type socialGramMedia struct {
	ID        string `json:"id"`
	Caption   string `json:"caption"`
	MediaType string `json:"media_type"`
	MediaURL  string `json:"media_url"`
	Timestamp string `json:"timestamp"`
	LikeCount int64  `json:"like_count"`
}

type socialGramListResponse struct {
	Data   []socialGramMedia `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
	MediaCount int `json:"media_count"`
}

func (s *SocialGram) ResolveAccount(ctx context.Context, accountRef, accessToken string) (*Account, error) {
	var acc socialGramAccount
	u := fmt.Sprintf("%s/%s?fields=id,username,media_count", s.baseURL, url.PathEscape(accountRef))
	if err := s.caller.getJSON(ctx, u, accessToken, &acc); err != nil {
		return nil, err
	}
	if acc.ID == "" {
		return nil, &CallError{Class: ClassFatal, Err: fmt.Errorf("account %q resolved to empty id", accountRef)}
	}
	return &Account{ID: acc.ID, Title: acc.Username, ItemCount: acc.MediaCount}, nil
}

func (s *SocialGram) ListContent(ctx context.Context, accountID string, opts ListOptions, accessToken string) (*Page, error) {
	q := url.Values{}
	q.Set("fields", "id,caption,media_type,media_url,timestamp,like_count")
	q.Set("limit", fmt.Sprint(socialGramPageSize))
	if opts.PageToken != "" {
		q.Set("after", opts.PageToken)
	}
	if opts.PublishedAfter != nil {
		q.Set("since", fmt.Sprint(opts.PublishedAfter.UTC().Unix()))
	}

	var resp socialGramListResponse
	u := fmt.Sprintf("%s/%s/media?%s", s.baseURL, url.PathEscape(accountID), q.Encode())
	if err := s.caller.getJSON(ctx, u, accessToken, &resp); err != nil {
		return nil, err
	}

	page := &Page{TotalResults: resp.MediaCount}
	// the provider sends an "after" cursor on every page; only the presence
	// of paging.next means another page actually exists
	if resp.Paging.Next != "" {
		page.NextPageToken = resp.Paging.Cursors.After
	}

	for _, raw := range resp.Data {
		item, mErr := mapSocialGramMedia(raw)
		if mErr != nil {
			page.Malformed = append(page.Malformed, *mErr)
			continue
		}
		page.Items = append(page.Items, *item)
	}
	return page, nil
}

func (s *SocialGram) ContentDetail(ctx context.Context, itemID, accessToken string) (*Item, error) {
	var raw socialGramMedia
	u := fmt.Sprintf("%s/%s?fields=id,caption,media_type,media_url,timestamp,like_count", s.baseURL, url.PathEscape(itemID))
	if err := s.caller.getJSON(ctx, u, accessToken, &raw); err != nil {
		return nil, err
	}
	item, mErr := mapSocialGramMedia(raw)
	if mErr != nil {
		return nil, mErr
	}
	return item, nil
}

func mapSocialGramMedia(raw socialGramMedia) (*Item, *MalformedItemError) {
	if raw.ID == "" {
		return nil, &MalformedItemError{ProviderItemID: "", Reason: "missing media id"}
	}

	title := strings.TrimSpace(raw.Caption)
	if title == "" {
		title = "(untitled post)"
	}
	// captions run long; the first line is the displayable title
	if idx := strings.IndexByte(title, '\n'); idx > 0 {
		title = title[:idx]
	}

	item := &Item{
		ProviderItemID: raw.ID,
		Title:          title,
		Description:    raw.Caption,
		ThumbnailURL:   raw.MediaURL,
		LikeCount:      raw.LikeCount,
	}
	if raw.MediaType != "" {
		item.Categories = []string{strings.ToLower(raw.MediaType)}
	}
	if raw.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, raw.Timestamp)
		if err != nil {
			return nil, &MalformedItemError{ProviderItemID: raw.ID, Reason: "bad timestamp: " + raw.Timestamp}
		}
		item.PublishedAt = &t
	}
	return item, nil
}
