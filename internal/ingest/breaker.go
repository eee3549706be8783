package ingest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// BreakerConfig controls the per-domain circuit breaker.
type BreakerConfig struct {
	// Threshold is the number of transient failures within Cooldown that opens the domain.
	Threshold int
	// Cooldown is both the failure-counting window and how long an open domain is skipped.
	Cooldown time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 3, Cooldown: 5 * time.Minute}
}

// BreakerStore holds the per-domain failure table. Implementations must update
// counters atomically; it is the only state shared by concurrent fetches.
type BreakerStore interface {
	// Allow reports whether requests to domain may proceed at now.
	Allow(ctx context.Context, domain string, now time.Time) (bool, error)
	// RecordFailure counts a transient failure and reports whether the domain is now open.
	RecordFailure(ctx context.Context, domain string, now time.Time) (bool, error)
	// RecordSuccess clears the failure count of a closed domain.
	RecordSuccess(ctx context.Context, domain string) error
}

type breakerEntry struct {
	failures    int
	windowStart time.Time
	openUntil   time.Time
}

// MemoryBreaker is an in-process BreakerStore.
type MemoryBreaker struct {
	cfg     BreakerConfig
	mu      sync.Mutex
	entries map[string]*breakerEntry
}

func NewMemoryBreaker(cfg BreakerConfig) *MemoryBreaker {
	return &MemoryBreaker{cfg: normalizeBreakerConfig(cfg), entries: make(map[string]*breakerEntry)}
}

func (b *MemoryBreaker) Allow(_ context.Context, domain string, now time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[domain]
	if !ok {
		return true, nil
	}
	return !now.Before(e.openUntil), nil
}

func (b *MemoryBreaker) RecordFailure(_ context.Context, domain string, now time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[domain]
	if !ok {
		e = &breakerEntry{windowStart: now}
		b.entries[domain] = e
	}
	if now.Sub(e.windowStart) > b.cfg.Cooldown {
		e.failures = 0
		e.windowStart = now
	}
	e.failures++
	if e.failures >= b.cfg.Threshold {
		e.openUntil = now.Add(b.cfg.Cooldown)
		e.failures = 0
		e.windowStart = now
		return true, nil
	}
	return false, nil
}

func (b *MemoryBreaker) RecordSuccess(_ context.Context, domain string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[domain]; ok && e.openUntil.IsZero() {
		delete(b.entries, domain)
	} else if ok {
		e.failures = 0
	}
	return nil
}

// RedisBreaker shares the failure table between processes through Redis hashes.
type RedisBreaker struct {
	client *redis.Client
	cfg    BreakerConfig
	prefix string
}

func NewRedisBreaker(client *redis.Client, cfg BreakerConfig) *RedisBreaker {
	return &RedisBreaker{client: client, cfg: normalizeBreakerConfig(cfg), prefix: "grantmatch:breaker:"}
}

func (b *RedisBreaker) key(domain string) string { return b.prefix + domain }

func (b *RedisBreaker) Allow(ctx context.Context, domain string, now time.Time) (bool, error) {
	raw, err := b.client.HGet(ctx, b.key(domain), "open_until").Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	unix, convErr := strconv.ParseInt(raw, 10, 64)
	if convErr != nil || unix == 0 {
		return true, nil
	}
	return !now.Before(time.UnixMilli(unix)), nil
}

func (b *RedisBreaker) RecordFailure(ctx context.Context, domain string, now time.Time) (bool, error) {
	key := b.key(domain)

	count, err := b.client.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		// First failure starts the counting window.
		if err := b.client.Expire(ctx, key, b.cfg.Cooldown).Err(); err != nil {
			return false, err
		}
	}
	if int(count) < b.cfg.Threshold {
		return false, nil
	}

	openUntil := now.Add(b.cfg.Cooldown)
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "open_until", openUntil.UnixMilli(), "failures", 0)
		p.Expire(ctx, key, 2*b.cfg.Cooldown)
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *RedisBreaker) RecordSuccess(ctx context.Context, domain string) error {
	return b.client.HDel(ctx, b.key(domain), "failures").Err()
}

// Clear forgets everything known about domain.
func (b *RedisBreaker) Clear(ctx context.Context, domain string) error {
	return b.client.Del(ctx, b.key(domain)).Err()
}

func normalizeBreakerConfig(cfg BreakerConfig) BreakerConfig {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return cfg
}
