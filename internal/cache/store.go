// Package cache holds the shared TTL store used for prices, mindmap
// snapshots, and prediction bookkeeping. Everything is a Redis key with a
// TTL; when Redis is down the store degrades to an in-memory map with
// emulated expiry so the engine keeps running.
package cache

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is a thin TTL key/value layer over Redis with an in-memory
// fallback. Ops are individually atomic; Batch groups multi-key writes.
type Store struct {
	client         *redis.Client
	redisAvailable atomic.Bool

	mu     sync.RWMutex
	memory map[string]memoryEntry
}

// NewStore creates a Store. A nil client runs memory-only, which is what
// the unit tests use. A janitor goroutine sweeps expired memory entries.
func NewStore(client *redis.Client) *Store {
	s := &Store{
		client: client,
		memory: make(map[string]memoryEntry),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[CACHE] Redis unavailable at startup: %v, using in-memory cache", err)
			s.redisAvailable.Store(false)
		} else {
			s.redisAvailable.Store(true)
		}
	}

	go s.janitor()
	return s
}

func (s *Store) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		s.mu.Lock()
		for k, e := range s.memory {
			if e.expired(now) {
				delete(s.memory, k)
			}
		}
		s.mu.Unlock()
	}
}

// IsRedisAvailable reports the current availability flag.
func (s *Store) IsRedisAvailable() bool { return s.redisAvailable.Load() }

func (s *Store) markDown(op string, err error) {
	if s.redisAvailable.CompareAndSwap(true, false) {
		log.Printf("[CACHE] Redis %s error: %v, switching to in-memory cache", op, err)
	}
}

// Get returns the value and whether it exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	if s.client != nil && s.redisAvailable.Load() {
		val, err := s.client.Get(ctx, key).Result()
		if err == nil {
			return val, true
		}
		if err == redis.Nil {
			return "", false
		}
		s.markDown("get", err)
	}

	s.mu.RLock()
	e, ok := s.memory[key]
	s.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return "", false
	}
	return e.value, true
}

// Set writes the value with a TTL. Zero TTL means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) {
	s.memorySet(key, value, ttl)

	if s.client != nil && s.redisAvailable.Load() {
		if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
			s.markDown("set", err)
		}
	}
}

// SetNX writes only when the key is absent. Returns whether the write won.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) bool {
	if s.client != nil && s.redisAvailable.Load() {
		ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
		if err == nil {
			if ok {
				s.memorySet(key, value, ttl)
			}
			return ok
		}
		s.markDown("setnx", err)
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, exists := s.memory[key]; exists && !e.expired(now) {
		return false
	}
	s.memory[key] = memoryEntry{value: value, expiresAt: expiry(now, ttl)}
	return true
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.memory, k)
	}
	s.mu.Unlock()

	if s.client != nil && s.redisAvailable.Load() {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			s.markDown("del", err)
		}
	}
}

// Exists reports whether the key is present and unexpired.
func (s *Store) Exists(ctx context.Context, key string) bool {
	_, ok := s.Get(ctx, key)
	return ok
}

// Incr increments a counter key, setting the TTL on first increment.
// Returns the new count.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) int64 {
	if s.client != nil && s.redisAvailable.Load() {
		n, err := s.client.Incr(ctx, key).Result()
		if err == nil {
			if n == 1 && ttl > 0 {
				s.client.Expire(ctx, key, ttl)
			}
			return n
		}
		s.markDown("incr", err)
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.memory[key]
	if !ok || e.expired(now) {
		s.memory[key] = memoryEntry{value: "1", expiresAt: expiry(now, ttl)}
		return 1
	}
	n, _ := strconv.ParseInt(e.value, 10, 64)
	n++
	e.value = strconv.FormatInt(n, 10)
	s.memory[key] = e
	return n
}

// Keys returns all keys matching the prefix (the part before the "*").
// Redis path uses SCAN so it never blocks the server.
func (s *Store) Keys(ctx context.Context, pattern string) []string {
	if s.client != nil && s.redisAvailable.Load() {
		var out []string
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			out = append(out, iter.Val())
		}
		if err := iter.Err(); err != nil {
			s.markDown("scan", err)
		} else {
			return out
		}
	}

	prefix := strings.TrimSuffix(pattern, "*")
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k, e := range s.memory {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			out = append(out, k)
		}
	}
	return out
}

func (s *Store) memorySet(key, value string, ttl time.Duration) {
	s.mu.Lock()
	s.memory[key] = memoryEntry{value: value, expiresAt: expiry(time.Now(), ttl)}
	s.mu.Unlock()
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// --- batched writes ---

type batchOp struct {
	del   bool
	key   string
	value string
	ttl   time.Duration
}

// Batch accumulates writes and commits them as one pipeline so a monitor
// tick never leaves partially visible state.
type Batch struct {
	store *Store
	ops   []batchOp
}

// NewBatch starts an empty batch.
func (s *Store) NewBatch() *Batch { return &Batch{store: s} }

// Set queues a TTL write.
func (b *Batch) Set(key, value string, ttl time.Duration) *Batch {
	b.ops = append(b.ops, batchOp{key: key, value: value, ttl: ttl})
	return b
}

// Delete queues a removal.
func (b *Batch) Delete(key string) *Batch {
	b.ops = append(b.ops, batchOp{del: true, key: key})
	return b
}

// Commit applies all queued ops. The memory mirror is applied under one
// lock; the Redis path uses a transaction pipeline.
func (b *Batch) Commit(ctx context.Context) {
	if len(b.ops) == 0 {
		return
	}

	now := time.Now()
	b.store.mu.Lock()
	for _, op := range b.ops {
		if op.del {
			delete(b.store.memory, op.key)
		} else {
			b.store.memory[op.key] = memoryEntry{value: op.value, expiresAt: expiry(now, op.ttl)}
		}
	}
	b.store.mu.Unlock()

	if b.store.client != nil && b.store.redisAvailable.Load() {
		pipe := b.store.client.TxPipeline()
		for _, op := range b.ops {
			if op.del {
				pipe.Del(ctx, op.key)
			} else {
				pipe.Set(ctx, op.key, op.value, op.ttl)
			}
		}
		if _, err := pipe.Exec(ctx); err != nil {
			b.store.markDown("pipeline", err)
		}
	}

	b.ops = b.ops[:0]
}
