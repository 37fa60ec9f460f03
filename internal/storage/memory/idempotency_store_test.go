package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/quota-saga/internal/storage/memory"
)

func TestIdempotencyStore_CheckAndSet(t *testing.T) {
	store := memory.NewIdempotencyStore()
	ctx := context.Background()

	fresh, err := store.CheckAndSet(ctx, "k", "delivery-1")
	if err != nil {
		t.Fatalf("check-and-set failed: %v", err)
	}
	if !fresh {
		t.Fatal("first delivery must be fresh")
	}

	fresh, err = store.CheckAndSet(ctx, "k", "delivery-1")
	if err != nil {
		t.Fatalf("check-and-set failed: %v", err)
	}
	if fresh {
		t.Fatal("identical delivery must be a duplicate")
	}

	// Другое значение — новая доставка, значение перезаписывается.
	fresh, err = store.CheckAndSet(ctx, "k", "delivery-2")
	if err != nil {
		t.Fatalf("check-and-set failed: %v", err)
	}
	if !fresh {
		t.Fatal("different delivery id must pass the gate")
	}
}

func TestIdempotencyStore_DeleteAllowsReprocessing(t *testing.T) {
	store := memory.NewIdempotencyStore()
	ctx := context.Background()

	if _, err := store.CheckAndSet(ctx, "k", "delivery-1"); err != nil {
		t.Fatalf("check-and-set failed: %v", err)
	}
	existed, err := store.Delete(ctx, "k")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !existed {
		t.Fatal("expected key to exist")
	}

	fresh, err := store.CheckAndSet(ctx, "k", "delivery-1")
	if err != nil {
		t.Fatalf("check-and-set failed: %v", err)
	}
	if !fresh {
		t.Fatal("after token rollback the same delivery must re-process")
	}
}

func TestVerificationCodeStore_SingleUse(t *testing.T) {
	store := memory.NewVerificationCodeStore()
	ctx := context.Background()

	if err := store.Issue(ctx, "code-1", time.Minute); err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	ok, err := store.Consume(ctx, "code-1")
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if !ok {
		t.Fatal("expected first consume to succeed")
	}

	ok, err = store.Consume(ctx, "code-1")
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if ok {
		t.Fatal("second consume must fail: code is single-use")
	}
}

func TestPermitSemaphore(t *testing.T) {
	sem := memory.NewPermitSemaphore()
	ctx := context.Background()

	if err := sem.AddPermits(ctx, "usage-1", 2); err != nil {
		t.Fatalf("add permits failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		ok, err := sem.TryAcquire(ctx, "usage-1")
		if err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
		if !ok {
			t.Fatalf("acquire %d must succeed", i+1)
		}
	}

	ok, err := sem.TryAcquire(ctx, "usage-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if ok {
		t.Fatal("semaphore must be drained")
	}
}
