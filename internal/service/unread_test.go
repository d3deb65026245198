package service

import (
	"context"
	"testing"

	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseUnreadStore(t *testing.T, s UnreadStore) {
	ctx := context.Background()
	g1 := protocol.GradeRoom(1)
	dm := protocol.DirectRoom(3, 4)

	snap, err := s.Snapshot(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, snap)

	require.NoError(t, s.Incr(ctx, 4, g1))
	require.NoError(t, s.Incr(ctx, 4, g1))
	require.NoError(t, s.Incr(ctx, 4, dm))
	require.NoError(t, s.Incr(ctx, 5, g1))

	snap, err = s.Snapshot(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, map[protocol.RoomKey]int{g1: 2, dm: 1}, snap)

	require.NoError(t, s.Clear(ctx, 4, g1))
	require.NoError(t, s.Clear(ctx, 4, protocol.GradeRoom(9)))
	snap, err = s.Snapshot(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, map[protocol.RoomKey]int{dm: 1}, snap)

	other, err := s.Snapshot(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, map[protocol.RoomKey]int{g1: 1}, other)
}

func TestMemoryUnreadStore(t *testing.T) {
	exerciseUnreadStore(t, NewMemoryUnreadStore())
}

func TestRedisUnreadStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exerciseUnreadStore(t, NewRedisUnreadStoreWithClient(client))
	assert.Equal(t, "1", mr.HGet("unread:4", string(protocol.DirectRoom(3, 4))))
}

func TestNewRedisUnreadStore_Unreachable(t *testing.T) {
	_, err := NewRedisUnreadStore(context.Background(), RedisOptions{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
