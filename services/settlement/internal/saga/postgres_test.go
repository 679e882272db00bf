package saga

import (
	"context"
	"os"
	"testing"

	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/settlement/internal/storage"
	"github.com/Vyre-Africa/Vyre-Africa-Backend-sub000/services/testutil"
)

func setupPostgres(t *testing.T) *storage.Postgres {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	ctx := context.Background()
	if err := storage.Migrate(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("migrate: %v", err)
	}
	if err := testutil.CleanupTestData(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("cleanup: %v", err)
	}
	t.Cleanup(func() {
		_ = testutil.CleanupTestData(context.Background(), pool)
		pool.Close()
	})
	return storage.NewPostgres(pool, nil)
}

func TestPostgresRefundRetriedAfterProviderFailure(t *testing.T) {
	store := setupPostgres(t)
	refundRetriedAfterProviderFailure(t, newHarnessWithStore(t, store))
}
