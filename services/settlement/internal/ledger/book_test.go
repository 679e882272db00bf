package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage/memory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCreditIsIdempotentByReference(t *testing.T) {
	store := memory.New()
	book := New(store)
	ctx := context.Background()

	w, err := book.EnsureWallet(ctx, uuid.New(), "usdt")
	if err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}
	if err := book.Credit(ctx, w.ID, d("10"), "dep-1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := book.Credit(ctx, w.ID, d("10"), "dep-1"); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected duplicate reference, got %v", err)
	}

	got, _ := book.GetBalance(ctx, w.ID)
	if !got.AvailableBalance.Equal(d("10")) || !got.AccountBalance.Equal(d("10")) {
		t.Fatalf("unexpected balances %s/%s", got.AvailableBalance, got.AccountBalance)
	}
}

func TestEnsureWalletReturnsExisting(t *testing.T) {
	store := memory.New()
	book := New(store)
	ctx := context.Background()
	userID := uuid.New()

	first, err := book.EnsureWallet(ctx, userID, "NGN")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := book.EnsureWallet(ctx, userID, "ngn")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same wallet")
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	store := memory.New()
	book := New(store)
	ctx := context.Background()

	w, _ := book.EnsureWallet(ctx, uuid.New(), "NGN")
	if err := book.Credit(ctx, w.ID, d("5"), "c-1"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := book.Debit(ctx, w.ID, d("6"), "d-1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := book.Debit(ctx, w.ID, d("0"), "d-2"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestBlockAndReleaseToCounterparty(t *testing.T) {
	store := memory.New()
	book := New(store)
	ctx := context.Background()

	maker, _ := book.EnsureWallet(ctx, uuid.New(), "USDT")
	taker, _ := book.EnsureWallet(ctx, uuid.New(), "USDT")
	if err := book.Credit(ctx, maker.ID, d("100"), "fund"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	blk, err := book.Block(ctx, maker.ID, d("80"), "order-1")
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	got, _ := book.GetBalance(ctx, maker.ID)
	if !got.AvailableBalance.Equal(d("20")) || !got.AccountBalance.Equal(d("100")) {
		t.Fatalf("after block: %s/%s", got.AvailableBalance, got.AccountBalance)
	}

	if err := book.ReleaseBlock(ctx, blk.ID, taker.ID, d("30"), "fill-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ = book.GetBalance(ctx, maker.ID)
	if !got.AvailableBalance.Equal(d("20")) || !got.AccountBalance.Equal(d("70")) {
		t.Fatalf("maker after release: %s/%s", got.AvailableBalance, got.AccountBalance)
	}
	recv, _ := book.GetBalance(ctx, taker.ID)
	if !recv.AvailableBalance.Equal(d("30")) {
		t.Fatalf("taker after release: %s", recv.AvailableBalance)
	}

	if err := book.ReleaseBlock(ctx, blk.ID, maker.ID, d("50"), "unblock-1"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	got, _ = book.GetBalance(ctx, maker.ID)
	if !got.AvailableBalance.Equal(d("70")) || !got.AccountBalance.Equal(d("70")) {
		t.Fatalf("maker after unblock: %s/%s", got.AvailableBalance, got.AccountBalance)
	}
	if err := book.ReleaseBlock(ctx, blk.ID, maker.ID, d("1"), "unblock-2"); !errors.Is(err, ErrBlockClosed) {
		t.Fatalf("expected closed block, got %v", err)
	}
}

func TestReleaseBlockRejectsOverdraw(t *testing.T) {
	store := memory.New()
	book := New(store)
	ctx := context.Background()

	maker, _ := book.EnsureWallet(ctx, uuid.New(), "USDT")
	taker, _ := book.EnsureWallet(ctx, uuid.New(), "USDT")
	_ = book.Credit(ctx, maker.ID, d("10"), "fund")
	blk, _ := book.Block(ctx, maker.ID, d("10"), "order-1")

	if err := book.ReleaseBlock(ctx, blk.ID, taker.ID, d("11"), "fill-1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestTransfer(t *testing.T) {
	store := memory.New()
	book := New(store)
	ctx := context.Background()

	from, _ := book.EnsureWallet(ctx, uuid.New(), "NGN")
	to, _ := book.EnsureWallet(ctx, uuid.New(), "NGN")
	_ = book.Credit(ctx, from.ID, d("15000"), "fund")

	if err := book.Transfer(ctx, from.ID, to.ID, d("15000"), "claim-1"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	src, _ := book.GetBalance(ctx, from.ID)
	dst, _ := book.GetBalance(ctx, to.ID)
	if !src.AvailableBalance.IsZero() || !dst.AvailableBalance.Equal(d("15000")) {
		t.Fatalf("unexpected balances %s/%s", src.AvailableBalance, dst.AvailableBalance)
	}
	if _, err := store.FindTransactionByReference(ctx, "claim-1:in"); err != nil {
		t.Fatalf("expected credit leg: %v", err)
	}
}

func TestDebitReplayAfterDrainIsDuplicate(t *testing.T) {
	store := memory.New()
	book := New(store)
	ctx := context.Background()

	w, _ := book.EnsureWallet(ctx, uuid.New(), "USDT")
	if err := book.Credit(ctx, w.ID, d("9.95"), "crypto:0xabc"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := book.Debit(ctx, w.ID, d("9.95"), "refund:crypto:0xabc"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	// the wallet is empty now; a replay must still read as a duplicate,
	// not as a shortfall
	if err := book.Debit(ctx, w.ID, d("9.95"), "refund:crypto:0xabc"); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected duplicate reference, got %v", err)
	}
	got, _ := book.GetBalance(ctx, w.ID)
	if !got.AvailableBalance.IsZero() {
		t.Fatalf("expected empty wallet, got %s", got.AvailableBalance)
	}
}
