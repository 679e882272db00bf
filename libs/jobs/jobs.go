// Package jobs is an at-least-once delayed job queue. Handlers must be safe
// to run more than once for the same job.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	defaultMaxAttempts = 1
	defaultBackoff     = time.Second
)

var ErrUnknownJob = errors.New("no handler registered for job")

type Job struct {
	ID      string
	Name    string
	Payload json.RawMessage
	// Attempt is 1 on first delivery.
	Attempt     int
	MaxAttempts int
}

func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Name, err)
	}
	return nil
}

// Final reports whether a failure of this delivery ends the job.
func (j Job) Final() bool {
	return j.Attempt >= j.MaxAttempts
}

type Handler func(ctx context.Context, job Job) error

type EnqueueOptions struct {
	Delay time.Duration
	// JobID deduplicates: enqueueing an id that is still pending is a no-op.
	JobID       string
	MaxAttempts int
	// Backoff is the base of the exponential delay between failed attempts.
	Backoff time.Duration
}

type Queue interface {
	Enqueue(ctx context.Context, name string, payload any, opts EnqueueOptions) (string, error)
	// Cancel removes a job that has not started yet. It reports false when
	// the job is unknown or already running.
	Cancel(ctx context.Context, jobID string) (bool, error)
}

type Registrar interface {
	Handle(name string, h Handler)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so the job is not retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultBackoff
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func normalizeOptions(opts EnqueueOptions) EnqueueOptions {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	return opts
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	return raw, nil
}
