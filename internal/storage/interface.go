package storage

import "context"

// ThumbnailStore mirrors provider-hosted thumbnail images into storage we
// control, returning the public URL of the mirrored copy.
type ThumbnailStore interface {
	MirrorThumbnail(ctx context.Context, contentID, sourceURL string) (string, error)
}
