package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/telemetry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

type BreakerConfig struct {
	// MinRequests is the number of calls in a window before the failure
	// ratio is considered.
	MinRequests  uint32
	FailureRatio float64
	OpenTimeout  time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MinRequests: 10, FailureRatio: 0.6, OpenTimeout: 30 * time.Second}
}

// Guard runs provider calls through a circuit breaker. Rejections caused by
// the request itself do not count as failures.
type Guard struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	metrics *telemetry.Metrics
}

func NewGuard(name string, cfg BreakerConfig, logger *slog.Logger, metrics *telemetry.Metrics) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinRequests == 0 {
		cfg = DefaultBreakerConfig()
	}
	logger = logger.With("component", "provider", "breaker", name)
	return &Guard{
		name:    name,
		metrics: metrics,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= cfg.MinRequests && ratio >= cfg.FailureRatio
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrBankDetails) || errors.Is(err, ErrRejected) || errors.Is(err, ErrNotFound)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				switch {
				case to == gobreaker.StateOpen:
					logger.Warn("provider seems down, stop allowing requests")
				case from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen:
					logger.Info("checking provider status")
				case from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed:
					logger.Info("provider seems ok, restart allowing requests")
				}
			},
		}),
	}
}

func (g *Guard) State() gobreaker.State {
	return g.cb.State()
}

func guarded[T any](ctx context.Context, g *Guard, call string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	out, err := g.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %s: %v", ErrUnavailable, g.name, err)
	}
	g.metrics.ObserveProviderCall(call, callOutcome(err), time.Since(start))

	var zero T
	if err != nil {
		return zero, err
	}
	return out.(T), nil
}

func callOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "open"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrBankDetails), errors.Is(err, ErrRejected), errors.Is(err, ErrNotFound):
		return "rejected"
	default:
		return "error"
	}
}

type guardedPayments struct {
	inner PaymentProvider
	guard *Guard
}

func GuardPayments(inner PaymentProvider, guard *Guard) PaymentProvider {
	return &guardedPayments{inner: inner, guard: guard}
}

func (p *guardedPayments) InitiatePayment(ctx context.Context, req PaymentRequest) (PaymentAccount, error) {
	return guarded(ctx, p.guard, "initiate_payment", func(ctx context.Context) (PaymentAccount, error) {
		return p.inner.InitiatePayment(ctx, req)
	})
}

func (p *guardedPayments) VerifyPayment(ctx context.Context, reference string) (Verification, error) {
	return guarded(ctx, p.guard, "verify_payment", func(ctx context.Context) (Verification, error) {
		return p.inner.VerifyPayment(ctx, reference)
	})
}

type guardedPayouts struct {
	inner PayoutProvider
	guard *Guard
}

func GuardPayouts(inner PayoutProvider, guard *Guard) PayoutProvider {
	return &guardedPayouts{inner: inner, guard: guard}
}

func (p *guardedPayouts) BankTransfer(ctx context.Context, req BankTransfer) (string, error) {
	return guarded(ctx, p.guard, "bank_transfer", func(ctx context.Context) (string, error) {
		return p.inner.BankTransfer(ctx, req)
	})
}

func (p *guardedPayouts) BlockchainTransfer(ctx context.Context, req ChainTransfer) (string, error) {
	return guarded(ctx, p.guard, "blockchain_transfer", func(ctx context.Context) (string, error) {
		return p.inner.BlockchainTransfer(ctx, req)
	})
}

func (p *guardedPayouts) Refund(ctx context.Context, req RefundRequest) (string, error) {
	return guarded(ctx, p.guard, "refund", func(ctx context.Context) (string, error) {
		return p.inner.Refund(ctx, req)
	})
}

type guardedChain struct {
	inner ChainWatcher
	guard *Guard
}

func GuardChain(inner ChainWatcher, guard *Guard) ChainWatcher {
	return &guardedChain{inner: inner, guard: guard}
}

func (c *guardedChain) SyncBalance(ctx context.Context, address, currency string) (decimal.Decimal, error) {
	return guarded(ctx, c.guard, "sync_balance", func(ctx context.Context) (decimal.Decimal, error) {
		return c.inner.SyncBalance(ctx, address, currency)
	})
}

type guardedAddresses struct {
	inner AddressBook
	guard *Guard
}

func GuardAddresses(inner AddressBook, guard *Guard) AddressBook {
	return &guardedAddresses{inner: inner, guard: guard}
}

func (a *guardedAddresses) AssignAddress(ctx context.Context, walletID uuid.UUID, currency string) (string, error) {
	return guarded(ctx, a.guard, "assign_address", func(ctx context.Context) (string, error) {
		return a.inner.AssignAddress(ctx, walletID, currency)
	})
}
