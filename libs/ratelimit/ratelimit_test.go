package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiterWindow(t *testing.T) {
	lim := NewMemory(2, time.Minute)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 2; i++ {
		if ok, _, _ := lim.Allow(ctx, "contact", now); !ok {
			t.Fatalf("expected allow on call %d", i+1)
		}
	}
	ok, retryAfter, _ := lim.Allow(ctx, "contact", now.Add(10*time.Second))
	if ok {
		t.Fatalf("expected rate limited")
	}
	if retryAfter != 50*time.Second {
		t.Fatalf("expected 50s retry, got %s", retryAfter)
	}
	if ok, _, _ := lim.Allow(ctx, "other", now); !ok {
		t.Fatalf("expected independent keys")
	}
	if ok, _, _ := lim.Allow(ctx, "contact", now.Add(61*time.Second)); !ok {
		t.Fatalf("expected allow after window")
	}
}

func (l *MemoryLimiter) tracked() int {
	n := 0
	for i := range l.shards {
		l.shards[i].mu.Lock()
		n += len(l.shards[i].windows)
		l.shards[i].mu.Unlock()
	}
	return n
}

func TestMemoryLimiterPrunesClosedWindows(t *testing.T) {
	lim := NewMemory(1, time.Minute)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 64; i++ {
		if ok, _, _ := lim.Allow(ctx, fmt.Sprintf("contact-%d", i), now); !ok {
			t.Fatalf("expected first hit for key %d to pass", i)
		}
	}
	lim.prune(now.Add(30 * time.Second))
	if got := lim.tracked(); got != 64 {
		t.Fatalf("expected open windows kept, got %d", got)
	}
	lim.prune(now.Add(time.Minute))
	if got := lim.tracked(); got != 0 {
		t.Fatalf("expected closed windows dropped, got %d", got)
	}
	if _, _, err := NewMemory(1, 0).Allow(ctx, "contact", now); err == nil {
		t.Fatalf("expected invalid window error")
	}
}

func TestMemoryLimiterConcurrentHits(t *testing.T) {
	lim := NewMemory(10, time.Minute)
	ctx := context.Background()
	now := time.Now()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _, _ := lim.Allow(ctx, "contact", now); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 10 {
		t.Fatalf("expected exactly 10 allowed, got %d", allowed)
	}
}

func TestRedisLimiterWindow(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	lim := NewRedis(client, 2, 500*time.Millisecond, "test:")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := lim.Allow(ctx, "contact", time.Now())
		if err != nil || !allowed {
			t.Fatalf("expected allow on call %d", i+1)
		}
	}

	allowed, retryAfter, err := lim.Allow(ctx, "contact", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected rate limited")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected retryAfter > 0")
	}

	s.FastForward(600 * time.Millisecond)
	allowed, _, err = lim.Allow(ctx, "contact", time.Now())
	if err != nil || !allowed {
		t.Fatalf("expected allow after window")
	}
}
