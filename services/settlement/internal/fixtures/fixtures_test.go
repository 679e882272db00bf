package fixtures

import (
	"context"
	"testing"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage/memory"
)

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	demo, err := Seed(ctx, store, nil)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if !demo.Created || len(demo.OrderIDs) != 2 {
		t.Fatalf("unexpected demo %+v", demo)
	}

	sell, err := store.GetOrder(ctx, SellOrderID)
	if err != nil {
		t.Fatalf("sell order: %v", err)
	}
	if sell.Status != storage.OrderOpen || sell.Side != storage.SideSell || !sell.BlockID.Valid {
		t.Fatalf("unexpected sell order %+v", sell)
	}
	wallet, err := store.FindWallet(ctx, MakerID, "USDT")
	if err != nil {
		t.Fatalf("maker wallet: %v", err)
	}
	if !wallet.AvailableBalance.IsZero() || !wallet.AccountBalance.Equal(sell.Amount) {
		t.Fatalf("expected order amount held in escrow, got available %s account %s", wallet.AvailableBalance, wallet.AccountBalance)
	}

	again, err := Seed(ctx, store, nil)
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if again.Created {
		t.Fatalf("expected second seed to be a no-op")
	}
}
