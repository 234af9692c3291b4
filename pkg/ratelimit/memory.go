package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const defaultShards = 32

// MemoryStore keeps buckets in process memory, split across shards so an
// eviction pass never holds a lock that every request needs.
type MemoryStore struct {
	shards []*shard
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewMemoryStore creates an empty in-memory bucket store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{shards: make([]*shard, defaultShards)}
	for i := range s.shards {
		s.shards[i] = &shard{buckets: make(map[string]*Bucket)}
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, key string, now time.Time, window time.Duration) (Bucket, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if !ok || b.Expired(now) {
		b = &Bucket{Count: 1, ResetAt: now.Add(window)}
		sh.buckets[key] = b
		return *b, nil
	}
	b.Count++
	return *b, nil
}

// Get returns a copy of the bucket for key.
func (s *MemoryStore) Get(key string) (Bucket, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b, ok := sh.buckets[key]
	if !ok {
		return Bucket{}, false
	}
	return *b, true
}

// Len returns the number of tracked buckets.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

// Sweep implements Sweeper. Shards that are locked by in-flight requests are
// skipped; their expired buckets are evicted on a later pass.
func (s *MemoryStore) Sweep(now time.Time) int {
	evicted := 0
	for _, sh := range s.shards {
		if !sh.mu.TryLock() {
			continue
		}
		evicted += SweepBuckets(sh.buckets, now)
		sh.mu.Unlock()
	}
	return evicted
}

// SweepBuckets deletes every bucket expired at now and returns the count.
func SweepBuckets(buckets map[string]*Bucket, now time.Time) int {
	evicted := 0
	for key, b := range buckets {
		if b.Expired(now) {
			delete(buckets, key)
			evicted++
		}
	}
	return evicted
}
