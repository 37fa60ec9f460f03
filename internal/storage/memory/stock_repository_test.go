package memory_test

import (
	"context"
	"testing"

	"github.com/vladislavdragonenkov/quota-saga/internal/storage/memory"
)

func TestStockRepository_EnsureUsageIdempotent(t *testing.T) {
	repo := memory.NewStockRepository()
	ctx := context.Background()

	first, err := repo.EnsureUsage(ctx, 1, 2)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	second, err := repo.EnsureUsage(ctx, 1, 2)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same usage id, got %s and %s", first, second)
	}
}

func TestStockRepository_DeductIfSufficient(t *testing.T) {
	repo, usageID := memory.NewStockRepositoryWithStock(1, 2, 10)
	ctx := context.Background()

	ok, err := repo.DeductIfSufficient(ctx, usageID, 7)
	if err != nil {
		t.Fatalf("deduct failed: %v", err)
	}
	if !ok {
		t.Fatal("expected deduction to succeed")
	}

	// Осталось 3, списать 4 нельзя; счётчик не трогается.
	ok, err = repo.DeductIfSufficient(ctx, usageID, 4)
	if err != nil {
		t.Fatalf("deduct failed: %v", err)
	}
	if ok {
		t.Fatal("expected shortage")
	}

	counter, err := repo.FindByUsageID(ctx, usageID)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if counter.Stock != 3 {
		t.Fatalf("expected stock 3, got %d", counter.Stock)
	}
}

func TestStockRepository_ReleaseRoundTrip(t *testing.T) {
	repo, usageID := memory.NewStockRepositoryWithStock(1, 2, 10)
	ctx := context.Background()

	if ok, err := repo.DeductIfSufficient(ctx, usageID, 5); err != nil || !ok {
		t.Fatalf("deduct failed: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.Release(ctx, 1, 2, 5); err != nil || !ok {
		t.Fatalf("release failed: ok=%v err=%v", ok, err)
	}

	counter, err := repo.FindByUsageID(ctx, usageID)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if counter.Stock != 10 {
		t.Fatalf("deduct+release must be net zero, got stock %d", counter.Stock)
	}
}

func TestStockRepository_ReleaseScopedToAccount(t *testing.T) {
	repo, usageA := memory.NewStockRepositoryWithStock(1, 2, 10)
	ctx := context.Background()

	// Второй аккаунт с тем же digest: возврат не должен его задеть.
	usageB, err := repo.EnsureUsage(ctx, 5, 2)
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	if ok, err := repo.DeductIfSufficient(ctx, usageA, 4); err != nil || !ok {
		t.Fatalf("deduct failed: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.Release(ctx, 1, 2, 4); err != nil || !ok {
		t.Fatalf("release failed: ok=%v err=%v", ok, err)
	}

	counterA, err := repo.FindByUsageID(ctx, usageA)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if counterA.Stock != 10 {
		t.Fatalf("expected stock 10 back on the deducting account, got %d", counterA.Stock)
	}
	counterB, err := repo.FindByUsageID(ctx, usageB)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if counterB.Stock != 0 {
		t.Fatalf("release leaked into another account, got stock %d", counterB.Stock)
	}

	if ok, err := repo.Release(ctx, 9, 2, 4); err != nil || ok {
		t.Fatalf("expected no row for unknown account, ok=%v err=%v", ok, err)
	}
}

func TestStockRepository_AddConfirmedMissingRow(t *testing.T) {
	repo := memory.NewStockRepository()

	ok, err := repo.AddConfirmed(context.Background(), "no-such-usage", 3)
	if err != nil {
		t.Fatalf("add confirmed failed: %v", err)
	}
	if ok {
		t.Fatal("expected zero rows matched for unknown usage id")
	}
}
