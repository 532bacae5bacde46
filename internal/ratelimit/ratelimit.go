// Package ratelimit implements the Shield's sharded per-IP and per-endpoint
// token-bucket rate limiting, following
// original_source/backend/shield/rate_limiter.py. Cleanup runs as a
// background ticker loop (the teacher's internal/driven/context_manager.go
// ticker+stop-channel shape) rather than the original's lazy inline check,
// since Go goroutines make a dedicated loop cheap and it keeps the hot path
// free of cleanup bookkeeping.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

// tokenBucket is one IP or IP+endpoint's consumption state.
type tokenBucket struct {
	capacity   float64
	tokens     float64
	lastRefill time.Time
	refillRate float64
}

func newBucket(capacity int, refillRate float64) *tokenBucket {
	return &tokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		lastRefill: time.Now(),
		refillRate: refillRate,
	}
}

func (b *tokenBucket) consume() bool {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

// shard holds one slice of the keyspace behind its own lock, so concurrent
// requests for different IPs never contend.
type shard struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func newShards() [shardCount]*shard {
	var shards [shardCount]*shard
	for i := range shards {
		shards[i] = &shard{buckets: map[string]*tokenBucket{}}
	}
	return shards
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// Limiter is a sharded token-bucket rate limiter covering both a site-wide
// global limit and arbitrary per-endpoint limits.
type Limiter struct {
	globalCapacity   int
	globalRefillRate float64
	cleanupInterval  time.Duration

	globalShards [shardCount]*shard

	mu             sync.Mutex
	endpointShards map[string]*[shardCount]*shard
}

// New builds a Limiter whose global bucket refills at
// globalRequests/globalWindow tokens per second.
func New(globalRequests int, globalWindow time.Duration, cleanupInterval time.Duration) *Limiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	return &Limiter{
		globalCapacity:   globalRequests,
		globalRefillRate: float64(globalRequests) / globalWindow.Seconds(),
		cleanupInterval:  cleanupInterval,
		globalShards:     newShards(),
		endpointShards:   map[string]*[shardCount]*shard{},
	}
}

// CheckGlobal consumes one token from clientIP's site-wide bucket, creating
// it on first use.
func (l *Limiter) CheckGlobal(clientIP string) bool {
	sh := l.globalShards[shardIndex(clientIP)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	bucket, ok := sh.buckets[clientIP]
	if !ok {
		bucket = newBucket(l.globalCapacity, l.globalRefillRate)
		sh.buckets[clientIP] = bucket
	}
	return bucket.consume()
}

// CheckEndpoint consumes one token from clientIP's bucket scoped to
// endpoint, using maxRequests/window as that bucket's own capacity/rate.
func (l *Limiter) CheckEndpoint(clientIP, endpoint string, maxRequests int, window time.Duration) bool {
	shards := l.shardsForEndpoint(endpoint)
	sh := shards[shardIndex(clientIP)]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	bucket, ok := sh.buckets[clientIP]
	if !ok {
		bucket = newBucket(maxRequests, float64(maxRequests)/window.Seconds())
		sh.buckets[clientIP] = bucket
	}
	return bucket.consume()
}

func (l *Limiter) shardsForEndpoint(endpoint string) *[shardCount]*shard {
	l.mu.Lock()
	defer l.mu.Unlock()

	shards, ok := l.endpointShards[endpoint]
	if !ok {
		newSet := newShards()
		shards = &newSet
		l.endpointShards[endpoint] = shards
	}
	return shards
}

// StartCleanupLoop periodically drops buckets idle longer than
// cleanupInterval, across the global shards and every endpoint's shards.
// It returns once ctx is cancelled.
func (l *Limiter) StartCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

func (l *Limiter) cleanup() {
	stale := time.Now().Add(-l.cleanupInterval)

	for _, sh := range l.globalShards {
		cleanShard(sh, stale)
	}

	l.mu.Lock()
	endpointShardSets := make([]*[shardCount]*shard, 0, len(l.endpointShards))
	for _, shards := range l.endpointShards {
		endpointShardSets = append(endpointShardSets, shards)
	}
	l.mu.Unlock()

	for _, shards := range endpointShardSets {
		for _, sh := range shards {
			cleanShard(sh, stale)
		}
	}
}

func cleanShard(sh *shard, stale time.Time) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for ip, b := range sh.buckets {
		if b.lastRefill.Before(stale) {
			delete(sh.buckets, ip)
		}
	}
}
