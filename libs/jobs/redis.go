package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "settle:jobs:"

var enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "name", ARGV[2], "payload", ARGV[3], "attempts", 0,
  "max_attempts", ARGV[4], "backoff_ms", ARGV[5], "enqueued_at", ARGV[7])
redis.call("ZADD", KEYS[2], ARGV[6], ARGV[1])
return 1
`)

var cancelScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 1 then
  redis.call("DEL", KEYS[2])
  return 1
end
return 0
`)

var claimScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call("ZREM", KEYS[1], id)
local key = ARGV[3] .. id
if redis.call("EXISTS", key) == 0 then
  return false
end
local attempts = redis.call("HINCRBY", key, "attempts", 1)
redis.call("ZADD", KEYS[2], ARGV[2], id)
local f = redis.call("HMGET", key, "name", "payload", "max_attempts", "backoff_ms")
return {id, f[1], f[2], tostring(attempts), f[3], f[4]}
`)

var rescheduleScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[3], "last_error", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
return 1
`)

var reapScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("ZADD", KEYS[2], ARGV[1], id)
end
return #ids
`)

type RedisConfig struct {
	Prefix string
	// Visibility is how long a claimed job may run before another worker
	// may pick it up again.
	Visibility time.Duration
	// Observe, when set, is told the outcome of every delivery.
	Observe func(name, status string)
}

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	ReapInterval time.Duration
}

// RedisQueue keeps pending jobs in a sorted set scored by due time and
// running jobs in a second sorted set scored by visibility deadline.
// Jobs that exhaust their attempts move to a dead set and keep their hash
// for inspection.
type RedisQueue struct {
	client     *redis.Client
	prefix     string
	visibility time.Duration
	observe    func(name, status string)
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRedisQueue(client *redis.Client, cfg RedisConfig, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultRedisPrefix
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 5 * time.Minute
	}
	return &RedisQueue{
		client:     client,
		prefix:     cfg.Prefix,
		visibility: cfg.Visibility,
		observe:    cfg.Observe,
		logger:     logger.With("component", "jobs"),
		now:        time.Now,
		handlers:   map[string]Handler{},
	}
}

func (q *RedisQueue) scheduledKey() string { return q.prefix + "scheduled" }
func (q *RedisQueue) activeKey() string    { return q.prefix + "active" }
func (q *RedisQueue) deadKey() string      { return q.prefix + "dead" }
func (q *RedisQueue) jobPrefix() string    { return q.prefix + "job:" }
func (q *RedisQueue) jobKey(id string) string {
	return q.jobPrefix() + id
}

func (q *RedisQueue) Handle(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) (string, error) {
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
	now := q.now()
	runAt := now.Add(opts.Delay)

	_, err = enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.scheduledKey()},
		id, name, string(raw), opts.MaxAttempts, opts.Backoff.Milliseconds(), runAt.UnixMilli(), now.UnixMilli(),
	).Int()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", name, err)
	}
	return id, nil
}

func (q *RedisQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	removed, err := cancelScript.Run(ctx, q.client, []string{q.scheduledKey(), q.jobKey(jobID)}, jobID).Int()
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return removed == 1, nil
}

// Run starts the workers and the visibility reaper and blocks until ctx is done.
func (q *RedisQueue) Run(ctx context.Context, cfg WorkerConfig) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx, cfg.PollInterval)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := q.Reap(ctx); err != nil {
					q.logger.Error("reap jobs failed", "error", err)
				} else if n > 0 {
					q.logger.Warn("requeued stalled jobs", "count", n)
				}
			}
		}
	}()

	wg.Wait()
	return ctx.Err()
}

func (q *RedisQueue) work(ctx context.Context, poll time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := q.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			q.logger.Error("job poll failed", "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
		}
	}
}

// Reap moves jobs whose visibility deadline passed back to the schedule.
func (q *RedisQueue) Reap(ctx context.Context) (int, error) {
	return reapScript.Run(ctx, q.client, []string{q.activeKey(), q.scheduledKey()}, q.now().UnixMilli()).Int()
}

// ProcessNext claims one due job and runs it. It reports false when no job
// was due.
func (q *RedisQueue) ProcessNext(ctx context.Context) (bool, error) {
	now := q.now()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.scheduledKey(), q.activeKey()},
		now.UnixMilli(), now.Add(q.visibility).UnixMilli(), q.jobPrefix(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}

	job, backoff, err := parseClaim(res)
	if err != nil {
		return true, err
	}
	q.run(ctx, job, backoff)
	return true, nil
}

func (q *RedisQueue) run(ctx context.Context, job Job, backoff time.Duration) {
	logger := q.logger.With("job_id", job.ID, "job", job.Name, "attempt", job.Attempt)

	if job.Attempt > job.MaxAttempts {
		q.bury(ctx, job, errors.New("attempts exhausted after stall"), logger)
		return
	}

	q.mu.RLock()
	h, ok := q.handlers[job.Name]
	q.mu.RUnlock()
	if !ok {
		q.bury(ctx, job, fmt.Errorf("%w: %s", ErrUnknownJob, job.Name), logger)
		return
	}

	err := safeCall(ctx, h, job)
	if err == nil {
		if _, ackErr := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, q.activeKey(), job.ID)
			pipe.Del(ctx, q.jobKey(job.ID))
			return nil
		}); ackErr != nil {
			logger.Error("ack job failed", "error", ackErr)
		}
		q.record(job.Name, "completed")
		return
	}

	if IsPermanent(err) || job.Final() {
		q.bury(ctx, job, err, logger)
		return
	}

	runAt := q.now().Add(retryDelay(backoff, job.Attempt))
	if _, rErr := rescheduleScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.scheduledKey(), q.jobKey(job.ID)},
		job.ID, runAt.UnixMilli(), err.Error(),
	).Int(); rErr != nil {
		logger.Error("reschedule job failed", "error", rErr)
	}
	logger.Warn("job failed, retrying", "error", err, "run_at", runAt)
	q.record(job.Name, "retried")
}

func (q *RedisQueue) bury(ctx context.Context, job Job, cause error, logger *slog.Logger) {
	if _, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.activeKey(), job.ID)
		pipe.HSet(ctx, q.jobKey(job.ID), "last_error", cause.Error())
		pipe.ZAdd(ctx, q.deadKey(), redis.Z{Score: float64(q.now().UnixMilli()), Member: job.ID})
		return nil
	}); err != nil {
		logger.Error("bury job failed", "error", err)
	}
	logger.Error("job failed permanently", "error", cause)
	q.record(job.Name, "dead")
}

func (q *RedisQueue) record(name, status string) {
	if q.observe != nil {
		q.observe(name, status)
	}
}

func parseClaim(res []interface{}) (Job, time.Duration, error) {
	if len(res) != 6 {
		return Job{}, 0, fmt.Errorf("unexpected claim response")
	}
	fields := make([]string, len(res))
	for i, v := range res {
		s, ok := v.(string)
		if !ok {
			return Job{}, 0, fmt.Errorf("unexpected claim field %d", i)
		}
		fields[i] = s
	}
	attempt, err := strconv.Atoi(fields[3])
	if err != nil {
		return Job{}, 0, fmt.Errorf("parse attempts: %w", err)
	}
	maxAttempts, err := strconv.Atoi(fields[4])
	if err != nil {
		return Job{}, 0, fmt.Errorf("parse max attempts: %w", err)
	}
	backoffMS, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return Job{}, 0, fmt.Errorf("parse backoff: %w", err)
	}
	return Job{
		ID:          fields[0],
		Name:        fields[1],
		Payload:     []byte(fields[2]),
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
	}, time.Duration(backoffMS) * time.Millisecond, nil
}

func safeCall(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return h(ctx, job)
}
