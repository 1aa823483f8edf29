package cursor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKV struct {
	data map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string)}
}

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	v, ok := f.data[key]
	if !ok {
		return "", goredis.Nil
	}
	return v, nil
}

func (f *fakeKV) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.data[key] = value.(string)
	return nil
}

func (f *fakeKV) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func TestStore_SaveLoadClear(t *testing.T) {
	s := NewStore(newFakeKV())
	ctx := context.Background()
	connID := uuid.New()

	// absent cursor reads back as empty, not an error
	token, err := s.Load(ctx, connID)
	require.NoError(t, err)
	assert.Equal(t, "", token)

	require.NoError(t, s.Save(ctx, connID, "CAUQAA"))

	token, err = s.Load(ctx, connID)
	require.NoError(t, err)
	assert.Equal(t, "CAUQAA", token)

	require.NoError(t, s.Clear(ctx, connID))

	token, err = s.Load(ctx, connID)
	require.NoError(t, err)
	assert.Equal(t, "", token)
}

func TestStore_SaveEmptyTokenClears(t *testing.T) {
	s := NewStore(newFakeKV())
	ctx := context.Background()
	connID := uuid.New()

	require.NoError(t, s.Save(ctx, connID, "opaque-token"))
	require.NoError(t, s.Save(ctx, connID, ""))

	token, err := s.Load(ctx, connID)
	require.NoError(t, err)
	assert.Equal(t, "", token)
}

func TestStore_TokenIsOpaque(t *testing.T) {
	s := NewStore(newFakeKV())
	ctx := context.Background()
	connID := uuid.New()

	// provider tokens are stored byte for byte, never parsed
	weird := `{"cursor":"after==","page":2}`
	require.NoError(t, s.Save(ctx, connID, weird))

	token, err := s.Load(ctx, connID)
	require.NoError(t, err)
	assert.Equal(t, weird, token)
}

func TestStore_ConnectionsAreIsolated(t *testing.T) {
	s := NewStore(newFakeKV())
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	require.NoError(t, s.Save(ctx, a, "token-a"))
	require.NoError(t, s.Save(ctx, b, "token-b"))
	require.NoError(t, s.Clear(ctx, a))

	token, err := s.Load(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "token-b", token)
}
