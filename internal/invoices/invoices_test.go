package invoices

import (
	"context"
	"strings"
	"testing"
)

func TestIssue(t *testing.T) {
	svc := NewService(NewMemoryStore())

	if err := svc.Issue(context.Background(), "ord_1", "buyer-1", "seller-1", 10000, 1000); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	inv, err := svc.GetByOrder(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("GetByOrder failed: %v", err)
	}
	if inv.Earnings != 9000 {
		t.Errorf("expected earnings 9000, got %d", inv.Earnings)
	}
	if !strings.HasPrefix(inv.Number, "INV-") {
		t.Errorf("expected INV- prefix, got %s", inv.Number)
	}
}

func TestIssueIdempotent(t *testing.T) {
	svc := NewService(NewMemoryStore())

	for i := 0; i < 3; i++ {
		if err := svc.Issue(context.Background(), "ord_1", "buyer-1", "seller-1", 10000, 1000); err != nil {
			t.Fatalf("Issue attempt %d failed: %v", i, err)
		}
	}

	list, _ := svc.ListByUser(context.Background(), "seller-1", 10)
	if len(list) != 1 {
		t.Errorf("expected one invoice, got %d", len(list))
	}
}

func TestNumbersAreSequential(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)

	_ = svc.Issue(context.Background(), "ord_1", "b", "s", 100, 10)
	_ = svc.Issue(context.Background(), "ord_2", "b", "s", 100, 10)

	a, _ := svc.GetByOrder(context.Background(), "ord_1")
	b, _ := svc.GetByOrder(context.Background(), "ord_2")
	if a.Number == b.Number {
		t.Errorf("expected distinct invoice numbers, both %s", a.Number)
	}
}
