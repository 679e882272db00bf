// Package provider holds the contracts of the external payment, payout and
// chain collaborators, plus the gateway client and circuit breakers that
// implement them.
package provider

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrTimeout     = errors.New("provider timeout")
	ErrNetwork     = errors.New("provider network error")
	ErrBankDetails = errors.New("invalid bank details")
	ErrUnavailable = errors.New("provider unavailable")
	ErrRejected    = errors.New("provider rejected request")
	ErrNotFound    = errors.New("provider reference not found")
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

// PaymentRequest asks the gateway for a one-off collection account.
type PaymentRequest struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Email     string
	Phone     string
	// ValidForSeconds is how long the collection account accepts payment.
	ValidForSeconds int
}

// PaymentAccount is where the counterparty sends the fiat leg.
type PaymentAccount struct {
	Reference     string
	AccountNumber string
	BankName      string
	AccountName   string
}

type Verification struct {
	Reference string
	Status    PaymentStatus
	Amount    decimal.Decimal
}

type BankTransfer struct {
	Reference     string
	Amount        decimal.Decimal
	Currency      string
	AccountNumber string
	BankCode      string
	AccountName   string
	Narration     string
}

type ChainTransfer struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Network   string
	Address   string
}

// RefundRequest returns a payment to where it came from.
type RefundRequest struct {
	Reference        string
	PaymentReference string
	Amount           decimal.Decimal
	Currency         string
	// Address is set for crypto refunds.
	Address string
	Network string
}

type PaymentProvider interface {
	InitiatePayment(ctx context.Context, req PaymentRequest) (PaymentAccount, error)
	VerifyPayment(ctx context.Context, reference string) (Verification, error)
}

type PayoutProvider interface {
	BankTransfer(ctx context.Context, req BankTransfer) (string, error)
	BlockchainTransfer(ctx context.Context, req ChainTransfer) (string, error)
	Refund(ctx context.Context, req RefundRequest) (string, error)
}

// ChainWatcher reads the current on-chain balance of a deposit address.
type ChainWatcher interface {
	SyncBalance(ctx context.Context, address, currency string) (decimal.Decimal, error)
}

// AddressBook assigns deposit addresses to wallets.
type AddressBook interface {
	AssignAddress(ctx context.Context, walletID uuid.UUID, currency string) (string, error)
}

// Classify turns a provider error into a message safe to show the
// counterparty.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "The payment provider took too long to respond. Please try again."
	case errors.Is(err, ErrBankDetails):
		return "The bank details could not be verified. Please check them and try again."
	case errors.Is(err, ErrUnavailable):
		return "Payments are temporarily unavailable. Please try again shortly."
	case errors.Is(err, ErrNetwork), isNetError(err):
		return "We could not reach the payment provider. Please try again."
	default:
		return "Payment could not be started. Please try again later."
	}
}

func isNetError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}
