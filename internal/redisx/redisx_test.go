package redisx

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestIdempotencyCache(t *testing.T) {
	c := &IdempotencyCache{Client: setupRedis(t)}
	ctx := context.Background()

	_, ok, err := c.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Remember(ctx, "k1", "order-1"))
	id, ok, err := c.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "order-1", id)
}

func TestDedup(t *testing.T) {
	d := &Dedup{Client: setupRedis(t), Service: "feed"}
	ctx := context.Background()

	seen, err := d.Seen(ctx, "ev-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.MarkSeen(ctx, "ev-1"))
	seen, err = d.Seen(ctx, "ev-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestSnapshots_OnlyNewerRevisionWins(t *testing.T) {
	s := &Snapshots{Client: setupRedis(t)}
	ctx := context.Background()
	at := time.Date(2026, time.October, 18, 8, 0, 0, 0, time.UTC)

	applied, err := s.Apply(ctx, Snapshot{ParentID: "p1", Balance: 4000, Revision: 3, UpdatedAt: at})
	require.NoError(t, err)
	assert.True(t, applied)

	// a late event for revision 2 must not roll the balance back
	applied, err = s.Apply(ctx, Snapshot{ParentID: "p1", Balance: 10000, Revision: 2, UpdatedAt: at})
	require.NoError(t, err)
	assert.False(t, applied)

	got, ok, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4000), got.Balance)
	assert.Equal(t, int64(3), got.Revision)
	assert.True(t, got.UpdatedAt.Equal(at))

	_, ok, err = s.Get(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshots_PublishesOnApply(t *testing.T) {
	s := &Snapshots{Client: setupRedis(t)}
	ctx := context.Background()

	sub := s.Subscribe(ctx, "p1")
	defer sub.Close()
	_, err := sub.Receive(ctx) // subscription confirmation
	require.NoError(t, err)

	_, err = s.Apply(ctx, Snapshot{ParentID: "p1", Balance: 1500, Revision: 1, UpdatedAt: time.Now()})
	require.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got Snapshot
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, int64(1500), got.Balance)
}
