package txn_test

import (
	"context"
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/quota-saga/internal/txn"
)

func TestMemoryManager_CommitHooks(t *testing.T) {
	mgr := txn.NewMemoryManager(nil)

	var committed, rolledBack bool
	err := mgr.WithTransaction(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		tx.OnCommit(func() { committed = true })
		tx.OnRollback(func() { rolledBack = true })
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !committed {
		t.Fatal("commit hook did not fire")
	}
	if rolledBack {
		t.Fatal("rollback hook fired on commit")
	}
}

func TestMemoryManager_RollbackHooks(t *testing.T) {
	mgr := txn.NewMemoryManager(nil)
	boom := errors.New("boom")

	var committed, rolledBack bool
	err := mgr.WithTransaction(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		tx.OnCommit(func() { committed = true })
		tx.OnRollback(func() { rolledBack = true })
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if committed {
		t.Fatal("commit hook fired on rollback")
	}
	if !rolledBack {
		t.Fatal("rollback hook did not fire")
	}
}

func TestMemoryManager_HookPanicIsContained(t *testing.T) {
	mgr := txn.NewMemoryManager(nil)

	var second bool
	err := mgr.WithTransaction(context.Background(), func(ctx context.Context, tx *txn.Tx) error {
		tx.OnCommit(func() { panic("hook panic") })
		tx.OnCommit(func() { second = true })
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second {
		t.Fatal("panic in one hook must not skip the rest")
	}
}
