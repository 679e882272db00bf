// Package ratelimit counts requests per key in fixed windows.
package ratelimit

import (
	"context"
	"time"
)

type Limiter interface {
	// Allow records one request for key and reports whether it fits the
	// window, plus how long until the window resets when it does not.
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}
