// Package dedup remembers recently seen keys so redelivered webhook updates
// are processed once.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "support:dedup:"

// Deduper reports whether a key is seen for the first time within ttl.
type Deduper interface {
	FirstSeen(ctx context.Context, key string) (bool, error)
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis is a Deduper shared across instances.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig, ttl time.Duration) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{rdb: rdb, ttl: ttl}, nil
}

// FirstSeen sets the key if absent.
func (r *Redis) FirstSeen(ctx context.Context, key string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, keyPrefix+key, 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record key: %w", err)
	}
	return ok, nil
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Memory is a process-local Deduper.
type Memory struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time

	// nextPrune bounds expired-key sweeps to one per ttl.
	nextPrune time.Time
}

// NewMemory creates a process-local deduper.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// FirstSeen records key and reports whether it was new or expired.
func (m *Memory) FirstSeen(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expires, ok := m.seen[key]; ok && now.Before(expires) {
		return false, nil
	}

	if !now.Before(m.nextPrune) {
		m.prune(now)
		m.nextPrune = now.Add(m.ttl)
	}

	m.seen[key] = now.Add(m.ttl)
	return true, nil
}

func (m *Memory) prune(now time.Time) {
	for k, expires := range m.seen {
		if !now.Before(expires) {
			delete(m.seen, k)
		}
	}
}
