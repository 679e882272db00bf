// Package fixtures seeds a small, fixed market for local runs and demos:
// one USDT/NGN pair with an open SELL and an open BUY order, each backed by
// escrow on the maker's wallet.
package fixtures

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/ledger"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	MakerID     = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	PairID      = uuid.MustParse("00000000-0000-0000-0000-000000000201")
	SellOrderID = uuid.MustParse("00000000-0000-0000-0000-000000000301")
	BuyOrderID  = uuid.MustParse("00000000-0000-0000-0000-000000000302")
)

type orderSpec struct {
	id      uuid.UUID
	side    storage.OrderSide
	amount  decimal.Decimal
	minimum decimal.Decimal
}

var (
	price  = decimal.RequireFromString("1500")
	orders = []orderSpec{
		{SellOrderID, storage.SideSell, decimal.RequireFromString("1000"), decimal.RequireFromString("10")},
		{BuyOrderID, storage.SideBuy, decimal.RequireFromString("1500000"), decimal.RequireFromString("15000")},
	}
)

type Demo struct {
	PairID   uuid.UUID
	MakerID  uuid.UUID
	OrderIDs []uuid.UUID
	// Created is false when the fixtures were already present.
	Created bool
}

// Seed is idempotent: it does nothing once the demo pair exists.
func Seed(ctx context.Context, store storage.Store, logger *slog.Logger) (Demo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	demo := Demo{PairID: PairID, MakerID: MakerID, OrderIDs: []uuid.UUID{SellOrderID, BuyOrderID}}

	err := store.InTx(ctx, storage.DefaultTxOptions, func(repo storage.Repository) error {
		if _, err := repo.GetPair(ctx, PairID); err == nil {
			return nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		pair := storage.Pair{ID: PairID, Base: "USDT", Quote: "NGN"}
		if err := repo.CreatePair(ctx, &pair); err != nil {
			return fmt.Errorf("create pair: %w", err)
		}
		book := ledger.New(repo)
		for _, spec := range orders {
			if err := seedOrder(ctx, repo, book, pair, spec); err != nil {
				return fmt.Errorf("seed %s order: %w", spec.side, err)
			}
		}
		demo.Created = true
		return nil
	})
	if err != nil {
		return Demo{}, err
	}
	if demo.Created {
		logger.Info("fixtures seeded", "pair_id", PairID.String(), "orders", len(orders))
	}
	return demo, nil
}

func seedOrder(ctx context.Context, repo storage.Repository, book *ledger.Book, pair storage.Pair, spec orderSpec) error {
	wallet, err := book.EnsureWallet(ctx, MakerID, pair.OrderCurrency(spec.side))
	if err != nil {
		return err
	}
	if err := book.Credit(ctx, wallet.ID, spec.amount, "seed:fund:"+spec.id.String()); err != nil {
		return err
	}
	blk, err := book.Block(ctx, wallet.ID, spec.amount, "seed:escrow:"+spec.id.String())
	if err != nil {
		return err
	}
	order := storage.Order{
		ID:            spec.id,
		UserID:        MakerID,
		PairID:        pair.ID,
		Side:          spec.side,
		Price:         price,
		Amount:        spec.amount,
		AmountMinimum: spec.minimum,
		BlockID:       uuid.NullUUID{UUID: blk.ID, Valid: true},
	}
	return repo.CreateOrder(ctx, &order)
}
