package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStoreFromClient(client), mr
}

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSetGetRoundTrip(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetJSON(ctx, "doc:1", doc{Name: "keyring", Count: 3}, time.Minute))

	var got doc
	found, err := store.GetJSON(ctx, "doc:1", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, doc{Name: "keyring", Count: 3}, got)
}

func TestGetMissingKeyReturnsFalse(t *testing.T) {
	store, _ := testStore(t)

	var got doc
	found, err := store.GetJSON(context.Background(), "absent", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTTLExpiry(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetJSON(ctx, "ephemeral", doc{Name: "x"}, time.Second))
	mr.FastForward(2 * time.Second)

	var got doc
	found, err := store.GetJSON(ctx, "ephemeral", &got)
	require.NoError(t, err)
	assert.False(t, found, "expired keys must read as missing")
}

func TestTouchRefreshesTTL(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetJSON(ctx, "session:s1", doc{Name: "turn"}, time.Second))
	require.NoError(t, store.Touch(ctx, "session:s1", time.Minute))
	mr.FastForward(2 * time.Second)

	var got doc
	found, err := store.GetJSON(ctx, "session:s1", &got)
	require.NoError(t, err)
	assert.True(t, found, "touched key must survive the original TTL")
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetJSON(ctx, "gone", doc{}, 0))
	require.NoError(t, store.Delete(ctx, "gone"))
	require.NoError(t, store.Delete(ctx, "gone"), "deleting a missing key is a no-op")
}
