package service

import (
	"context"
	"strconv"
	"sync"

	"github.com/CloudcraftTeche/cog-sub003/internal/protocol"

	"github.com/redis/go-redis/v9"
)

// UnreadStore 保存每个用户在各房间的未读数快照，客户端连接后据此初始化未读计数。
type UnreadStore interface {
	Incr(ctx context.Context, userID uint, room protocol.RoomKey) error
	Clear(ctx context.Context, userID uint, room protocol.RoomKey) error
	Snapshot(ctx context.Context, userID uint) (map[protocol.RoomKey]int, error)
}

// memoryUnreadStore 单实例部署时使用的内存实现。
type memoryUnreadStore struct {
	mu     sync.Mutex
	counts map[uint]map[protocol.RoomKey]int
}

func NewMemoryUnreadStore() UnreadStore {
	return &memoryUnreadStore{counts: make(map[uint]map[protocol.RoomKey]int)}
}

func (s *memoryUnreadStore) Incr(_ context.Context, userID uint, room protocol.RoomKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.counts[userID]
	if m == nil {
		m = make(map[protocol.RoomKey]int)
		s.counts[userID] = m
	}
	m[room]++
	return nil
}

func (s *memoryUnreadStore) Clear(_ context.Context, userID uint, room protocol.RoomKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts[userID], room)
	return nil
}

func (s *memoryUnreadStore) Snapshot(_ context.Context, userID uint) (map[protocol.RoomKey]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[protocol.RoomKey]int, len(s.counts[userID]))
	for k, v := range s.counts[userID] {
		out[k] = v
	}
	return out, nil
}

// redisUnreadStore 每个用户一个 hash：unread:<userID>，field 为房间键。
type redisUnreadStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOptions 是 Redis 未读存储的连接参数。
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisUnreadStore 连接 Redis 并校验可用性。
func NewRedisUnreadStore(ctx context.Context, opts RedisOptions) (UnreadStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedisUnreadStoreWithClient(client), nil
}

func NewRedisUnreadStoreWithClient(client redis.UniversalClient) UnreadStore {
	return &redisUnreadStore{client: client, prefix: "unread:"}
}

func (s *redisUnreadStore) key(userID uint) string {
	return s.prefix + strconv.FormatUint(uint64(userID), 10)
}

func (s *redisUnreadStore) Incr(ctx context.Context, userID uint, room protocol.RoomKey) error {
	return s.client.HIncrBy(ctx, s.key(userID), string(room), 1).Err()
}

func (s *redisUnreadStore) Clear(ctx context.Context, userID uint, room protocol.RoomKey) error {
	return s.client.HDel(ctx, s.key(userID), string(room)).Err()
}

func (s *redisUnreadStore) Snapshot(ctx context.Context, userID uint) (map[protocol.RoomKey]int, error) {
	raw, err := s.client.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[protocol.RoomKey]int, len(raw))
	for field, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			continue
		}
		out[protocol.RoomKey(field)] = n
	}
	return out, nil
}
