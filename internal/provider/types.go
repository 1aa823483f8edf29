package provider

import (
	"context"
	"time"

	"creator-sync/internal/models"
)

// Account is a creator's account as the provider reports it.
type Account struct {
	ID        string
	Title     string
	ItemCount int // provider-reported, allowed to be approximate
}

// Item is one content item mapped out of a provider payload, keyed by the
// provider's own item id.
type Item struct {
	ProviderItemID string
	Title          string
	Description    string
	PublishedAt    *time.Time
	ThumbnailURL   string
	Categories     []string
	Tags           []string
	ViewCount      int64
	LikeCount      int64
}

// Page is one page of a crawl. Malformed carries the items that failed to
// map; they are recorded per item and the rest of the page proceeds.
type Page struct {
	Items         []Item
	Malformed     []MalformedItemError
	NextPageToken string
	TotalResults  int
}

// ListOptions narrow a listing call. PublishedAfter drives incremental
// polls; a zero value means full catalog.
type ListOptions struct {
	PageToken      string
	PublishedAfter *time.Time
}

// Client is one provider's API surface. The access token comes in per call
// because tokens rotate independently of the client's lifetime.
type Client interface {
	Name() models.ProviderKind
	ResolveAccount(ctx context.Context, accountRef, accessToken string) (*Account, error)
	ListContent(ctx context.Context, accountID string, opts ListOptions, accessToken string) (*Page, error)
	ContentDetail(ctx context.Context, itemID, accessToken string) (*Item, error)
}

// Registry resolves a provider kind to its client.
type Registry map[models.ProviderKind]Client

func (r Registry) Get(kind models.ProviderKind) (Client, bool) {
	c, ok := r[kind]
	return c, ok
}
