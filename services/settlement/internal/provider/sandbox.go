package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sandbox implements every provider contract in memory for local runs.
// Payments stay pending until MarkPaid; chain balances are whatever
// SetBalance last stored.
type Sandbox struct {
	mu       sync.Mutex
	payments map[string]Verification
	balances map[string]decimal.Decimal
	payouts  []string
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		payments: make(map[string]Verification),
		balances: make(map[string]decimal.Decimal),
	}
}

func (s *Sandbox) InitiatePayment(_ context.Context, req PaymentRequest) (PaymentAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := "sbx_" + req.Reference
	s.payments[ref] = Verification{Reference: ref, Status: PaymentPending}
	return PaymentAccount{
		Reference:     ref,
		AccountNumber: digits(ref, 10),
		BankName:      "Sandbox Bank",
		AccountName:   "Settlement Collections",
	}, nil
}

func (s *Sandbox) VerifyPayment(_ context.Context, reference string) (Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.payments[reference]
	if !ok {
		return Verification{}, ErrNotFound
	}
	return v, nil
}

// MarkPaid records an inbound payment against a collection reference.
func (s *Sandbox) MarkPaid(reference string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[reference] = Verification{Reference: reference, Status: PaymentSuccess, Amount: amount}
}

func (s *Sandbox) BankTransfer(_ context.Context, req BankTransfer) (string, error) {
	return s.payout("bank_" + req.Reference), nil
}

func (s *Sandbox) BlockchainTransfer(_ context.Context, req ChainTransfer) (string, error) {
	return s.payout("0x" + hash(req.Reference)), nil
}

func (s *Sandbox) Refund(_ context.Context, req RefundRequest) (string, error) {
	return s.payout("refund_" + req.Reference), nil
}

func (s *Sandbox) payout(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payouts = append(s.payouts, id)
	return id
}

func (s *Sandbox) Payouts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.payouts...)
}

func (s *Sandbox) SyncBalance(_ context.Context, address, _ string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[address], nil
}

func (s *Sandbox) SetBalance(address string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[address] = balance
}

// AssignAddress derives a stable EVM address from the wallet id.
func (s *Sandbox) AssignAddress(_ context.Context, walletID uuid.UUID, _ string) (string, error) {
	return common.HexToAddress(hash(walletID.String())[:40]).Hex(), nil
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func digits(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	out := make([]byte, n)
	for i := range out {
		out[i] = '0' + sum[i]%10
	}
	return string(out)
}
