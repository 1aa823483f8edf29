package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Simulator stands in for the real bucket in local development: no network,
// deterministic URLs.
type Simulator struct {
	bucket   string
	endpoint string
}

func NewSimulator(bucket, endpoint string) *Simulator {
	return &Simulator{
		bucket:   strings.TrimSpace(bucket),
		endpoint: strings.TrimSpace(endpoint),
	}
}

func (s *Simulator) MirrorThumbnail(_ context.Context, contentID, sourceURL string) (string, error) {
	if sourceURL == "" {
		return "", fmt.Errorf("empty source url")
	}

	sum := sha256.Sum256([]byte(contentID + ":" + sourceURL))
	key := hex.EncodeToString(sum[:])

	ep := s.endpoint
	if ep == "" {
		ep = "https://storage.example.invalid"
	}
	bucket := s.bucket
	if bucket == "" {
		bucket = "creator-sync"
	}

	return fmt.Sprintf("%s/%s/thumbnails/%s.webp", strings.TrimRight(ep, "/"), bucket, key), nil
}
