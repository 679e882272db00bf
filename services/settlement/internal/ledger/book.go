// Package ledger moves balances between wallets. Every movement writes a
// transaction row keyed by a unique reference, so replays surface as
// ErrDuplicateReference instead of double posting.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrDuplicateReference = errors.New("duplicate reference")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrBlockClosed        = errors.New("block closed")
)

// Book operates on a single Repository, usually one bound to a transaction.
type Book struct {
	repo storage.Repository
}

func New(repo storage.Repository) *Book {
	return &Book{repo: repo}
}

// EnsureWallet returns the user's wallet for currency, creating it if needed.
func (b *Book) EnsureWallet(ctx context.Context, userID uuid.UUID, currency string) (storage.Wallet, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	w, err := b.repo.FindWallet(ctx, userID, currency)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Wallet{}, err
	}

	w = storage.Wallet{UserID: userID, Currency: currency}
	if err := b.repo.CreateWallet(ctx, &w); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return b.repo.FindWallet(ctx, userID, currency)
		}
		return storage.Wallet{}, err
	}
	return w, nil
}

func (b *Book) GetBalance(ctx context.Context, walletID uuid.UUID) (storage.Wallet, error) {
	return b.repo.GetWallet(ctx, walletID)
}

// Credit adds amount to both balances of the wallet.
func (b *Book) Credit(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := b.checkReference(ctx, reference); err != nil {
		return err
	}
	w, err := b.repo.GetWalletForUpdate(ctx, walletID)
	if err != nil {
		return err
	}
	if err := b.record(ctx, w, storage.TxCredit, amount, reference); err != nil {
		return err
	}
	return b.repo.UpdateWalletBalances(ctx, w.ID, w.AvailableBalance.Add(amount), w.AccountBalance.Add(amount))
}

// Debit removes amount from both balances, failing if the available balance
// does not cover it.
func (b *Book) Debit(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := b.checkReference(ctx, reference); err != nil {
		return err
	}
	w, err := b.repo.GetWalletForUpdate(ctx, walletID)
	if err != nil {
		return err
	}
	if w.AvailableBalance.LessThan(amount) {
		return fmt.Errorf("%w: wallet %s has %s, needs %s", ErrInsufficientFunds, w.ID, w.AvailableBalance, amount)
	}
	if err := b.record(ctx, w, storage.TxDebit, amount, reference); err != nil {
		return err
	}
	return b.repo.UpdateWalletBalances(ctx, w.ID, w.AvailableBalance.Sub(amount), w.AccountBalance.Sub(amount))
}

// Block moves amount out of the available balance into an escrow block. The
// account balance is unchanged until the block is released elsewhere.
func (b *Book) Block(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, reference string) (storage.Block, error) {
	if !amount.IsPositive() {
		return storage.Block{}, ErrInvalidAmount
	}
	if err := b.checkReference(ctx, reference); err != nil {
		return storage.Block{}, err
	}
	w, err := b.repo.GetWalletForUpdate(ctx, walletID)
	if err != nil {
		return storage.Block{}, err
	}
	if w.AvailableBalance.LessThan(amount) {
		return storage.Block{}, fmt.Errorf("%w: wallet %s has %s, needs %s", ErrInsufficientFunds, w.ID, w.AvailableBalance, amount)
	}
	if err := b.record(ctx, w, storage.TxBlock, amount, reference); err != nil {
		return storage.Block{}, err
	}
	if err := b.repo.UpdateWalletBalances(ctx, w.ID, w.AvailableBalance.Sub(amount), w.AccountBalance); err != nil {
		return storage.Block{}, err
	}
	blk := storage.Block{WalletID: w.ID, Amount: amount, Active: true, Reference: reference}
	if err := b.repo.InsertBlock(ctx, &blk); err != nil {
		return storage.Block{}, err
	}
	return blk, nil
}

// ReleaseBlock pays amount out of an escrow block into dest. Releasing into
// the wallet that owns the block simply unblocks the funds.
func (b *Book) ReleaseBlock(ctx context.Context, blockID, dest uuid.UUID, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := b.checkReference(ctx, reference); err != nil {
		return err
	}
	blk, err := b.repo.GetBlockForUpdate(ctx, blockID)
	if err != nil {
		return err
	}
	if !blk.Active {
		return fmt.Errorf("%w: %s", ErrBlockClosed, blk.ID)
	}
	if blk.Amount.LessThan(amount) {
		return fmt.Errorf("%w: block %s holds %s, needs %s", ErrInsufficientFunds, blk.ID, blk.Amount, amount)
	}

	src, err := b.repo.GetWalletForUpdate(ctx, blk.WalletID)
	if err != nil {
		return err
	}
	if err := b.record(ctx, src, storage.TxRelease, amount, reference); err != nil {
		return err
	}

	if dest == src.ID {
		if err := b.repo.UpdateWalletBalances(ctx, src.ID, src.AvailableBalance.Add(amount), src.AccountBalance); err != nil {
			return err
		}
	} else {
		dst, err := b.repo.GetWalletForUpdate(ctx, dest)
		if err != nil {
			return err
		}
		if !strings.EqualFold(dst.Currency, src.Currency) {
			return fmt.Errorf("release %s into %s wallet", src.Currency, dst.Currency)
		}
		if err := b.repo.UpdateWalletBalances(ctx, src.ID, src.AvailableBalance, src.AccountBalance.Sub(amount)); err != nil {
			return err
		}
		if err := b.repo.UpdateWalletBalances(ctx, dst.ID, dst.AvailableBalance.Add(amount), dst.AccountBalance.Add(amount)); err != nil {
			return err
		}
	}

	remaining := blk.Amount.Sub(amount)
	return b.repo.UpdateBlock(ctx, blk.ID, remaining, remaining.IsPositive())
}

// Transfer debits from and credits to, recording both legs under reference.
func (b *Book) Transfer(ctx context.Context, from, to uuid.UUID, amount decimal.Decimal, reference string) error {
	if err := b.Debit(ctx, from, amount, reference+":out"); err != nil {
		return err
	}
	return b.Credit(ctx, to, amount, reference+":in")
}

// checkReference reports a reference that was already booked before any
// balance check runs, so a replay is recognized even after the first
// movement drained the wallet. It also keeps replays from reaching the
// insert, where a conflict would poison a Postgres transaction.
func (b *Book) checkReference(ctx context.Context, reference string) error {
	if reference == "" {
		return nil
	}
	_, err := b.repo.FindTransactionByReference(ctx, reference)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrDuplicateReference, reference)
	case errors.Is(err, storage.ErrNotFound):
		return nil
	default:
		return err
	}
}

func (b *Book) record(ctx context.Context, w storage.Wallet, typ storage.TransactionType, amount decimal.Decimal, reference string) error {
	if reference == "" {
		reference = uuid.NewString()
	}
	err := b.repo.InsertTransaction(ctx, &storage.Transaction{
		WalletID:  w.ID,
		Type:      typ,
		Amount:    amount,
		Currency:  w.Currency,
		Reference: reference,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, reference)
	}
	return err
}
