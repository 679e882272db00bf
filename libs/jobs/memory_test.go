package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryQueueDeliversAfterDelay(t *testing.T) {
	q := NewMemoryQueue(nil, nil)
	defer q.Close()

	done := make(chan Job, 1)
	q.Handle("expire", func(_ context.Context, job Job) error {
		done <- job
		return nil
	})

	start := time.Now()
	if _, err := q.Enqueue(context.Background(), "expire", payload{AwaitingID: "a-1"}, EnqueueOptions{Delay: 20 * time.Millisecond}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case job := <-done:
		if time.Since(start) < 20*time.Millisecond {
			t.Fatalf("job ran before its delay")
		}
		var p payload
		if err := job.Decode(&p); err != nil || p.AwaitingID != "a-1" {
			t.Fatalf("decode payload: %+v %v", p, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job never ran")
	}
}

func TestMemoryQueueCancel(t *testing.T) {
	q := NewMemoryQueue(nil, nil)
	defer q.Close()

	var calls atomic.Int32
	q.Handle("expire", func(context.Context, Job) error {
		calls.Add(1)
		return nil
	})

	if _, err := q.Enqueue(context.Background(), "expire", payload{}, EnqueueOptions{JobID: "expire:a-1", Delay: 50 * time.Millisecond}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ok, err := q.Cancel(context.Background(), "expire:a-1")
	if err != nil || !ok {
		t.Fatalf("expected cancel, got %v %v", ok, err)
	}

	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("cancelled job ran")
	}
}

func TestMemoryQueueRetries(t *testing.T) {
	q := NewMemoryQueue(nil, nil)
	defer q.Close()

	done := make(chan int, 1)
	q.Handle("fill", func(_ context.Context, job Job) error {
		if job.Attempt < 3 {
			return errors.New("conflict")
		}
		done <- job.Attempt
		return nil
	})

	if _, err := q.Enqueue(context.Background(), "fill", payload{}, EnqueueOptions{MaxAttempts: 3, Backoff: 5 * time.Millisecond}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case attempt := <-done:
		if attempt != 3 {
			t.Fatalf("expected third attempt, got %d", attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job never succeeded")
	}
}
