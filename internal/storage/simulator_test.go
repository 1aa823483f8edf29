package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulator_DeterministicURL(t *testing.T) {
	s := NewSimulator("bucket-a", "https://cdn.example.com")

	first, err := s.MirrorThumbnail(context.Background(), "content-1", "https://provider/thumb.jpg")
	require.NoError(t, err)
	second, err := s.MirrorThumbnail(context.Background(), "content-1", "https://provider/thumb.jpg")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Contains(t, first, "https://cdn.example.com/bucket-a/thumbnails/")
}

func TestSimulator_DistinctPerContent(t *testing.T) {
	s := NewSimulator("", "")

	a, err := s.MirrorThumbnail(context.Background(), "content-1", "https://provider/thumb.jpg")
	require.NoError(t, err)
	b, err := s.MirrorThumbnail(context.Background(), "content-2", "https://provider/thumb.jpg")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSimulator_RejectsEmptySource(t *testing.T) {
	s := NewSimulator("bucket", "")
	_, err := s.MirrorThumbnail(context.Background(), "content-1", "")
	assert.Error(t, err)
}
