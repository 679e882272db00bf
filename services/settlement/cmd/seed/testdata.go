package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/counterparty"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
)

type testCounterparty struct {
	contact counterparty.Contact
	pin     string
}

// Identities the end-to-end suite claims orders with. Running the seed
// again verifies the PINs instead of creating duplicates.
var testCounterparties = []testCounterparty{
	{counterparty.Contact{Email: "ada@example.com"}, "123456"},
	{counterparty.Contact{Phone: "+2348000000000"}, "654321"},
}

func seedTestData(ctx context.Context, store storage.Store, logger *slog.Logger) error {
	svc := counterparty.NewService(store, counterparty.DefaultConfig(), logger)
	for _, tc := range testCounterparties {
		id, err := svc.Identify(ctx, tc.contact, tc.pin)
		if err != nil {
			return fmt.Errorf("identify %s%s: %w", tc.contact.Email, tc.contact.Phone, err)
		}
		fmt.Printf("  counterparty %s (%s%s)\n", id.Counterparty.ID, tc.contact.Email, tc.contact.Phone)
	}
	return nil
}
