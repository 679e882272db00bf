package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func setupPostgres(t *testing.T) (*pgxpool.Pool, *Postgres) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	ctx := context.Background()
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		_ = testutil.CleanupTestData(context.Background(), pool)
		pool.Close()
	})
	return pool, NewPostgres(pool, nil)
}

func createTestOrder(t *testing.T, ctx context.Context, store *Postgres, amount string) Order {
	t.Helper()
	pair := Pair{Base: "USDT", Quote: "NGN-" + uuid.NewString()[:8]}
	if err := store.CreatePair(ctx, &pair); err != nil {
		t.Fatalf("create pair: %v", err)
	}
	o := Order{
		UserID: uuid.New(),
		PairID: pair.ID,
		Side:   SideSell,
		Price:  decimal.RequireFromString("1500"),
		Amount: decimal.RequireFromString(amount),
	}
	if err := store.CreateOrder(ctx, &o); err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func TestReserveOrderCapacityConcurrent(t *testing.T) {
	_, store := setupPostgres(t)
	ctx := context.Background()
	o := createTestOrder(t, ctx, store, "100")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ReserveOrderCapacity(ctx, o.ID, decimal.RequireFromString("10"))
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 10 {
		t.Fatalf("expected 10 grants, got %d", granted)
	}
	got, err := store.GetOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !got.AmountReserved.Equal(got.Amount) {
		t.Fatalf("expected fully reserved, got %s", got.AmountReserved)
	}
}

func TestInTxRollback(t *testing.T) {
	_, store := setupPostgres(t)
	ctx := context.Background()
	o := createTestOrder(t, ctx, store, "100")

	boom := errors.New("boom")
	err := store.InTx(ctx, DefaultTxOptions, func(repo Repository) error {
		if _, err := repo.ReserveOrderCapacity(ctx, o.ID, decimal.RequireFromString("5")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ := store.GetOrder(ctx, o.ID)
	if !got.AmountReserved.IsZero() {
		t.Fatalf("expected rollback, reserved=%s", got.AmountReserved)
	}
}

func TestAwaitingMetadataRoundTrip(t *testing.T) {
	_, store := setupPostgres(t)
	ctx := context.Background()
	o := createTestOrder(t, ctx, store, "100")

	a := Awaiting{OrderID: o.ID, Amount: decimal.RequireFromString("15000"), Currency: "NGN"}
	if err := store.InsertAwaiting(ctx, &a); err != nil {
		t.Fatalf("insert awaiting: %v", err)
	}
	reason := UnderpaidReason(decimal.RequireFromString("15000"), decimal.RequireFromString("14000"), "pay-1")
	ok, err := store.TransitionAwaiting(ctx, AwaitingTransition{
		ID:      a.ID,
		From:    []AwaitingStatus{AwaitingPending},
		To:      AwaitingRefunded,
		Reason:  &reason,
		Release: true,
	})
	if err != nil || !ok {
		t.Fatalf("transition: ok=%v err=%v", ok, err)
	}

	got, err := store.GetAwaiting(ctx, a.ID)
	if err != nil {
		t.Fatalf("get awaiting: %v", err)
	}
	r, found := got.LastReason(ReasonUnderpaid)
	if !found || r.Received != "14000" {
		t.Fatalf("unexpected metadata: %+v", got.Metadata)
	}
	if got.ReleasedAt == nil {
		t.Fatalf("expected released marker")
	}
}

func TestInsertTransactionDuplicate(t *testing.T) {
	_, store := setupPostgres(t)
	ctx := context.Background()

	w := Wallet{UserID: uuid.New(), Currency: "USDT"}
	if err := store.CreateWallet(ctx, &w); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	ref := "dup-" + uuid.NewString()
	first := Transaction{WalletID: w.ID, Type: TxCredit, Amount: decimal.NewFromInt(1), Currency: "USDT", Reference: ref}
	if err := store.InsertTransaction(ctx, &first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	second := Transaction{WalletID: w.ID, Type: TxCredit, Amount: decimal.NewFromInt(1), Currency: "USDT", Reference: ref}
	if err := store.InsertTransaction(ctx, &second); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestDuplicateInsertKeepsTxUsable(t *testing.T) {
	_, store := setupPostgres(t)
	ctx := context.Background()

	w := Wallet{UserID: uuid.New(), Currency: "USDT"}
	if err := store.CreateWallet(ctx, &w); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	ref := "replay-" + uuid.NewString()
	first := Transaction{WalletID: w.ID, Type: TxCredit, Amount: decimal.NewFromInt(1), Currency: "USDT", Reference: ref}
	if err := store.InsertTransaction(ctx, &first); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := store.InTx(ctx, DefaultTxOptions, func(repo Repository) error {
		again := Transaction{WalletID: w.ID, Type: TxCredit, Amount: decimal.NewFromInt(1), Currency: "USDT", Reference: ref}
		if err := repo.InsertTransaction(ctx, &again); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}
		dup := Wallet{UserID: w.UserID, Currency: "USDT"}
		if err := repo.CreateWallet(ctx, &dup); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected duplicate wallet, got %v", err)
		}
		return repo.UpdateWalletBalances(ctx, w.ID, decimal.NewFromInt(7), decimal.NewFromInt(7))
	})
	if err != nil {
		t.Fatalf("expected transaction to commit after swallowed duplicates, got %v", err)
	}
	got, err := store.GetWallet(ctx, w.ID)
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if !got.AvailableBalance.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("expected committed balance 7, got %s", got.AvailableBalance)
	}
}

func TestRecordPINFailureConcurrent(t *testing.T) {
	_, store := setupPostgres(t)
	ctx := context.Background()

	c := Counterparty{ID: uuid.New(), Phone: "+234" + uuid.NewString()[:10], PINHash: "x", Temporary: true, Active: true}
	if err := store.InsertCounterparty(ctx, &c); err != nil {
		t.Fatalf("insert counterparty: %v", err)
	}

	now := time.Now().UTC()
	until := now.Add(30 * time.Minute)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		lockers int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attempts, locked, err := store.RecordPINFailure(ctx, c.ID, now, 5, until)
			if err != nil {
				t.Errorf("record failure: %v", err)
				return
			}
			if locked != nil && attempts == 0 {
				mu.Lock()
				lockers++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, err := store.FindCounterparty(ctx, "", c.Phone)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.LockedUntil == nil || got.FailedAttempts != 0 {
		t.Fatalf("expected locked record with reset counter, got %+v", got)
	}
	if lockers != 8 {
		t.Fatalf("expected 8 callers to observe the lock, got %d", lockers)
	}
	if _, _, err := store.RecordPINFailure(ctx, uuid.New(), now, 5, until); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
