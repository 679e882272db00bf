package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

// MemoryLimiter keeps a window per key in process memory. Keys are spread
// over independently locked shards. Counts are local to one replica; use
// RedisLimiter when several replicas share a limit.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	windows map[string]window
	swept   time.Time
}

// window opens with the first hit for a key and closes after the limiter's
// window duration.
type window struct {
	opened time.Time
	hits   int
}

func NewMemory(limit int, d time.Duration) *MemoryLimiter {
	l := &MemoryLimiter{limit: limit, window: d}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]window)
	}
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, now time.Time) (bool, time.Duration, error) {
	if l.window <= 0 {
		return false, 0, fmt.Errorf("invalid rate limit window")
	}
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.swept) >= l.window {
		s.sweep(now, l.window)
	}

	w, ok := s.windows[key]
	if !ok || !now.Before(w.opened.Add(l.window)) {
		w = window{opened: now}
	}
	if w.hits >= l.limit {
		return false, w.opened.Add(l.window).Sub(now), nil
	}
	w.hits++
	s.windows[key] = w
	return true, 0, nil
}

// prune drops every closed window.
func (l *MemoryLimiter) prune(now time.Time) {
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		s.sweep(now, l.window)
		s.mu.Unlock()
	}
}

func (l *MemoryLimiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

func (s *shard) sweep(now time.Time, d time.Duration) {
	for k, w := range s.windows {
		if !now.Before(w.opened.Add(d)) {
			delete(s.windows, k)
		}
	}
	s.swept = now
}
