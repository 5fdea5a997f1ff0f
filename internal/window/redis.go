package window

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/tillwatch/internal/domain"
	"github.com/redis/go-redis/v9"
)

// appendScript keeps each window as a sorted set scored by unix milliseconds.
// The whole append, prune, trim and count runs atomically inside Redis, which
// makes operations on one key linearizable across every engine instance.
//
// KEYS[1] window key
// ARGV[1] entry score, ARGV[2] cutoff score, ARGV[3] member,
// ARGV[4] max entries, ARGV[5] key ttl in ms, ARGV[6] retention score
var appendScript = redis.NewScript(`
	local dup = 0
	if redis.call('ZSCORE', KEYS[1], ARGV[3]) then
		dup = 1
	else
		redis.call('ZADD', KEYS[1], ARGV[1], ARGV[3])
	end
	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[6])
	local n = redis.call('ZCARD', KEYS[1])
	local max = tonumber(ARGV[4])
	if n > max then
		redis.call('ZREMRANGEBYRANK', KEYS[1], 0, n - max - 1)
	end
	local count = redis.call('ZCOUNT', KEYS[1], ARGV[2], ARGV[1])
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	return {count, dup}
`)

// RedisStore implements domain.WindowStore on Redis sorted sets so that
// several engine instances share one view of each cashier's history.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	maxEntries int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg domain.WindowConfig, maxEntries int) (*RedisStore, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.KeyPrefix, maxEntries), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, maxEntries int) *RedisStore {
	if prefix == "" {
		prefix = "tillwatch:window:"
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &RedisStore{
		client:     client,
		prefix:     prefix,
		maxEntries: maxEntries,
	}
}

// Append records entry under key and returns the count within the window.
func (s *RedisStore) Append(ctx context.Context, key string, entry domain.WindowEntry, window time.Duration) (domain.WindowCount, error) {
	at := entry.At.UnixMilli()
	cutoff := entry.At.Add(-window)
	member := entry.ID + "@" + strconv.FormatInt(at, 10)
	retain := entry.At.Add(-window * retainWindows)
	ttl := (window * retainWindows).Milliseconds() + time.Minute.Milliseconds()

	res, err := appendScript.Run(ctx, s.client, []string{s.prefix + key},
		at, cutoff.UnixMilli(), member, s.maxEntries, ttl, retain.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return domain.WindowCount{}, fmt.Errorf("window append %s: %w", key, err)
	}
	if len(res) != 2 {
		return domain.WindowCount{}, fmt.Errorf("window append %s: unexpected reply %v", key, res)
	}

	return domain.WindowCount{
		Count:     int(res[0]),
		Start:     cutoff,
		End:       entry.At,
		Duplicate: res[1] == 1,
	}, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
