package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue dispatches jobs from in-process timers. Pending jobs are lost
// when the process exits.
type MemoryQueue struct {
	logger  *slog.Logger
	observe func(name, status string)
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]*memoryJob
	closed   bool
}

type memoryJob struct {
	job     Job
	backoff time.Duration
	timer   *time.Timer
}

func NewMemoryQueue(logger *slog.Logger, observe func(name, status string)) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryQueue{
		logger:   logger.With("component", "jobs"),
		observe:  observe,
		ctx:      ctx,
		cancel:   cancel,
		handlers: map[string]Handler{},
		pending:  map[string]*memoryJob{},
	}
}

func (q *MemoryQueue) Handle(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

func (q *MemoryQueue) Enqueue(_ context.Context, name string, payload any, opts EnqueueOptions) (string, error) {
	if name == "" {
		return "", fmt.Errorf("job name required")
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}
	opts = normalizeOptions(opts)
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", errors.New("queue closed")
	}
	if _, exists := q.pending[id]; exists {
		return id, nil
	}
	mj := &memoryJob{
		job:     Job{ID: id, Name: name, Payload: raw, MaxAttempts: opts.MaxAttempts},
		backoff: opts.Backoff,
	}
	q.schedule(mj, opts.Delay)
	return id, nil
}

// schedule must be called with q.mu held.
func (q *MemoryQueue) schedule(mj *memoryJob, delay time.Duration) {
	q.pending[mj.job.ID] = mj
	q.wg.Add(1)
	mj.timer = time.AfterFunc(delay, func() {
		defer q.wg.Done()
		q.fire(mj)
	})
}

func (q *MemoryQueue) Cancel(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, ok := q.pending[jobID]
	if !ok {
		return false, nil
	}
	if !mj.timer.Stop() {
		return false, nil
	}
	delete(q.pending, jobID)
	q.wg.Done()
	return true, nil
}

func (q *MemoryQueue) fire(mj *memoryJob) {
	q.mu.Lock()
	if q.pending[mj.job.ID] != mj {
		q.mu.Unlock()
		return
	}
	delete(q.pending, mj.job.ID)
	h, ok := q.handlers[mj.job.Name]
	q.mu.Unlock()

	mj.job.Attempt++
	logger := q.logger.With("job_id", mj.job.ID, "job", mj.job.Name, "attempt", mj.job.Attempt)
	if !ok {
		logger.Error("job failed permanently", "error", ErrUnknownJob)
		q.record(mj.job.Name, "dead")
		return
	}

	err := safeCall(q.ctx, h, mj.job)
	if err == nil {
		q.record(mj.job.Name, "completed")
		return
	}
	if IsPermanent(err) || mj.job.Final() || q.ctx.Err() != nil {
		logger.Error("job failed permanently", "error", err)
		q.record(mj.job.Name, "dead")
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if _, exists := q.pending[mj.job.ID]; exists {
		return
	}
	logger.Warn("job failed, retrying", "error", err)
	q.schedule(mj, retryDelay(mj.backoff, mj.job.Attempt))
	q.record(mj.job.Name, "retried")
}

func (q *MemoryQueue) record(name, status string) {
	if q.observe != nil {
		q.observe(name, status)
	}
}

// Close stops pending timers and waits for running handlers.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	q.closed = true
	for id, mj := range q.pending {
		if mj.timer.Stop() {
			q.wg.Done()
		}
		delete(q.pending, id)
	}
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}
