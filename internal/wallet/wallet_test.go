package wallet

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
)

func TestCreditCreatesWallet(t *testing.T) {
	svc := New(NewMemoryStore())
	ctx := context.Background()

	w, err := svc.Credit(ctx, "user-1", 5000, "order earnings", "ord_1")
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if w.Balance != 5000 {
		t.Errorf("expected balance 5000, got %d", w.Balance)
	}
	if w.Currency != DefaultCurrency {
		t.Errorf("expected currency %s, got %s", DefaultCurrency, w.Currency)
	}
}

func TestCreditRejectsNonPositive(t *testing.T) {
	svc := New(NewMemoryStore())
	ctx := context.Background()

	for _, amount := range []int64{0, -100} {
		if _, err := svc.Credit(ctx, "user-1", amount, "bad", ""); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Credit(%d): expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	svc := New(NewMemoryStore())
	ctx := context.Background()

	_, _ = svc.Credit(ctx, "user-1", 1000, "seed", "")
	if _, err := svc.Debit(ctx, "user-1", 1001, "too much"); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	// Balance unchanged after the rejected debit.
	w, _ := svc.Balance(ctx, "user-1")
	if w.Balance != 1000 {
		t.Errorf("balance changed after failed debit: %d", w.Balance)
	}
}

func TestDebitUnknownWallet(t *testing.T) {
	svc := New(NewMemoryStore())

	if _, err := svc.Debit(context.Background(), "nobody", 100, "x"); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestBalanceLazilyCreates(t *testing.T) {
	svc := New(NewMemoryStore())

	w, err := svc.Balance(context.Background(), "fresh-user")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if w.Balance != 0 {
		t.Errorf("expected empty wallet, got balance %d", w.Balance)
	}
}

func TestHistoryMostRecentFirst(t *testing.T) {
	svc := New(NewMemoryStore())
	ctx := context.Background()

	_, _ = svc.Credit(ctx, "user-1", 100, "first", "")
	_, _ = svc.Credit(ctx, "user-1", 200, "second", "")
	_, _ = svc.Debit(ctx, "user-1", 50, "third")

	entries, err := svc.History(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Description != "third" || entries[0].Type != EntryDebit {
		t.Errorf("expected newest entry first, got %+v", entries[0])
	}
}

func TestReconcileAfterRandomizedActivity(t *testing.T) {
	svc := New(NewMemoryStore())
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	var expected int64
	for i := 0; i < 500; i++ {
		amount := int64(rng.Intn(10000) + 1)
		if rng.Intn(3) == 0 {
			if _, err := svc.Debit(ctx, "user-1", amount, "spend"); err == nil {
				expected -= amount
			} else if !errors.Is(err, ErrInsufficientFunds) && !errors.Is(err, ErrWalletNotFound) {
				t.Fatalf("unexpected debit error: %v", err)
			}
		} else {
			if _, err := svc.Credit(ctx, "user-1", amount, "earn", ""); err != nil {
				t.Fatalf("credit failed: %v", err)
			}
			expected += amount
		}
	}

	ok, balance, ledgerSum, err := svc.Reconcile(ctx, "user-1")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !ok {
		t.Errorf("ledger out of balance: balance=%d ledger=%d", balance, ledgerSum)
	}
	if balance != expected {
		t.Errorf("expected balance %d, got %d", expected, balance)
	}
}

func TestConcurrentCredits(t *testing.T) {
	svc := New(NewMemoryStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Credit(ctx, "user-1", 100, "concurrent", "")
		}()
	}
	wg.Wait()

	w, _ := svc.Balance(ctx, "user-1")
	if w.Balance != 5000 {
		t.Errorf("expected 5000 after 50 concurrent credits, got %d", w.Balance)
	}

	ok, _, _, _ := svc.Reconcile(ctx, "user-1")
	if !ok {
		t.Error("ledger inconsistent after concurrent credits")
	}
}
