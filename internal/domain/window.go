package domain

import (
	"context"
	"time"
)

// WindowStore is a keyed, time-bounded history of event timestamps.
// Operations on the same key are linearizable; distinct keys never contend.
type WindowStore interface {
	// Append records entry under key, prunes entries older than two windows
	// before entry.At, evicts the oldest entries beyond the per-key capacity,
	// and returns the number of entries within [entry.At-window, entry.At].
	Append(ctx context.Context, key string, entry WindowEntry, window time.Duration) (WindowCount, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// WindowEntry is one timestamp recorded under a window key.
type WindowEntry struct {
	ID string
	At time.Time
}

// WindowCount is the result of an append.
type WindowCount struct {
	Count int
	Start time.Time
	End   time.Time

	// Duplicate is true when the entry ID was already present at the same timestamp.
	Duplicate bool
}

// WindowConfig holds configuration for window store initialization.
type WindowConfig struct {
	// Type is the store type: "memory" or "redis"
	Type string `koanf:"type"`

	// MaxKeys bounds the number of distinct keys held in memory (least recently used evicted).
	MaxKeys int `koanf:"max_keys"`
	// IdleTTLMs drops keys that have not been touched for this long.
	IdleTTLMs int `koanf:"idle_ttl_ms"`

	// Redis settings
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	KeyPrefix     string `koanf:"key_prefix"`
}
