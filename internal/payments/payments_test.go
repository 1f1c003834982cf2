package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockOrderReader struct {
	orders map[string]*OrderInfo
}

func (m *mockOrderReader) ReadOrder(ctx context.Context, orderID string) (*OrderInfo, error) {
	o, ok := m.orders[orderID]
	if !ok {
		return nil, errors.New("order not found")
	}
	cp := *o
	return &cp, nil
}

type mockEscrowCreator struct {
	mu     sync.Mutex
	orders map[string]int // orderID -> escrow creation count (idempotent: >1 is fine, escrows counts uniques)
	calls  int
	err    error
}

func newMockEscrowCreator() *mockEscrowCreator {
	return &mockEscrowCreator{orders: make(map[string]int)}
}

func (m *mockEscrowCreator) CreateEscrow(ctx context.Context, orderID, buyerID, sellerID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.calls++
	m.orders[orderID]++
	return nil
}

func (m *mockEscrowCreator) uniqueEscrows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func newTestService(t *testing.T) (*Service, *MockProvider, *mockEscrowCreator) {
	t.Helper()

	reader := &mockOrderReader{orders: map[string]*OrderInfo{
		"ord_1": {ID: "ord_1", BuyerID: "buyer-1", SellerID: "seller-1", Amount: 10000, Pending: true},
		"ord_2": {ID: "ord_2", BuyerID: "buyer-1", SellerID: "seller-1", Amount: 5000, Pending: false},
	}}
	provider := NewMockProvider()
	escrow := newMockEscrowCreator()
	svc := NewService(NewMemoryStore(), reader, escrow, provider, time.Second, nil)
	return svc, provider, escrow
}

func TestInitiate(t *testing.T) {
	svc, _, _ := newTestService(t)

	result, err := svc.Initiate(context.Background(), "ord_1")
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	tx := result.Transaction
	if tx.Status != TxPending {
		t.Errorf("expected pending, got %s", tx.Status)
	}
	if tx.Amount != 10000 {
		t.Errorf("expected amount from the order (10000), got %d", tx.Amount)
	}
	if tx.ProviderRef == "" || result.ClientSecret == "" {
		t.Error("expected provider intent details")
	}
	if tx.Provider != "mock" {
		t.Errorf("expected mock provider, got %s", tx.Provider)
	}
}

func TestInitiateNonPendingOrder(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Initiate(context.Background(), "ord_2")
	if !errors.Is(err, ErrOrderNotPayable) {
		t.Errorf("expected ErrOrderNotPayable, got %v", err)
	}
}

func TestInitiateProviderFailure(t *testing.T) {
	svc, provider, _ := newTestService(t)
	provider.SetError(errors.New("provider outage"))

	if _, err := svc.Initiate(context.Background(), "ord_1"); err == nil {
		t.Fatal("expected error when provider is down")
	}
}

func TestCompleteCreatesEscrow(t *testing.T) {
	svc, _, escrow := newTestService(t)

	result, _ := svc.Initiate(context.Background(), "ord_1")
	tx, err := svc.Complete(context.Background(), result.Transaction.ID)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if tx.Status != TxCompleted {
		t.Errorf("expected completed, got %s", tx.Status)
	}
	if tx.CompletedAt == nil {
		t.Error("expected completedAt to be set")
	}
	if escrow.uniqueEscrows() != 1 {
		t.Errorf("expected 1 escrow, got %d", escrow.uniqueEscrows())
	}
}

func TestCompleteIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	result, _ := svc.Initiate(context.Background(), "ord_1")

	for i := 0; i < 3; i++ {
		if _, err := svc.Complete(context.Background(), result.Transaction.ID); err != nil {
			t.Fatalf("Complete attempt %d failed: %v", i, err)
		}
	}
}

func TestFailThenCompleteRejected(t *testing.T) {
	svc, _, escrow := newTestService(t)
	result, _ := svc.Initiate(context.Background(), "ord_1")

	if _, err := svc.Fail(context.Background(), result.Transaction.ID, "card declined"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if _, err := svc.Complete(context.Background(), result.Transaction.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if escrow.uniqueEscrows() != 0 {
		t.Errorf("expected no escrow for failed payment, got %d", escrow.uniqueEscrows())
	}
}

func TestCompleteThenFailRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	result, _ := svc.Initiate(context.Background(), "ord_1")

	_, _ = svc.Complete(context.Background(), result.Transaction.ID)
	if _, err := svc.Fail(context.Background(), result.Transaction.ID, "late decline"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestFailIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	result, _ := svc.Initiate(context.Background(), "ord_1")

	for i := 0; i < 3; i++ {
		tx, err := svc.Fail(context.Background(), result.Transaction.ID, "card declined")
		if err != nil {
			t.Fatalf("Fail attempt %d failed: %v", i, err)
		}
		if tx.Status != TxFailed {
			t.Errorf("expected failed, got %s", tx.Status)
		}
	}
}

func TestDuplicateWebhooksOneEscrow(t *testing.T) {
	svc, _, escrow := newTestService(t)
	result, _ := svc.Initiate(context.Background(), "ord_1")

	ev := WebhookEvent{Type: "payment.succeeded", ProviderRef: result.Transaction.ProviderRef}
	for i := 0; i < 5; i++ {
		if err := svc.HandleWebhook(context.Background(), ev); err != nil {
			t.Fatalf("webhook delivery %d failed: %v", i, err)
		}
	}

	if escrow.uniqueEscrows() != 1 {
		t.Errorf("expected exactly one escrow after duplicate webhooks, got %d", escrow.uniqueEscrows())
	}
}

func TestConcurrentWebhooks(t *testing.T) {
	svc, _, escrow := newTestService(t)
	result, _ := svc.Initiate(context.Background(), "ord_1")
	ev := WebhookEvent{Type: "payment.succeeded", TransactionID: result.Transaction.ID}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.HandleWebhook(context.Background(), ev)
		}()
	}
	wg.Wait()

	if escrow.uniqueEscrows() != 1 {
		t.Errorf("expected one escrow under concurrent webhooks, got %d", escrow.uniqueEscrows())
	}
	tx, _ := svc.Get(context.Background(), result.Transaction.ID)
	if tx.Status != TxCompleted {
		t.Errorf("expected completed, got %s", tx.Status)
	}
}

func TestWebhookUnknownRefAcknowledged(t *testing.T) {
	svc, _, _ := newTestService(t)

	err := svc.HandleWebhook(context.Background(), WebhookEvent{
		Type:        "payment.succeeded",
		ProviderRef: "mock_nonexistent",
	})
	if err != nil {
		t.Errorf("expected unknown ref to be acknowledged, got %v", err)
	}
}

func TestWebhookUnknownTypeAcknowledged(t *testing.T) {
	svc, _, _ := newTestService(t)
	result, _ := svc.Initiate(context.Background(), "ord_1")

	err := svc.HandleWebhook(context.Background(), WebhookEvent{
		Type:          "payout.created",
		TransactionID: result.Transaction.ID,
	})
	if err != nil {
		t.Errorf("expected unknown type to be acknowledged, got %v", err)
	}

	tx, _ := svc.Get(context.Background(), result.Transaction.ID)
	if tx.Status != TxPending {
		t.Errorf("unknown event must not change status, got %s", tx.Status)
	}
}

func TestWebhookFailure(t *testing.T) {
	svc, _, _ := newTestService(t)
	result, _ := svc.Initiate(context.Background(), "ord_1")

	err := svc.HandleWebhook(context.Background(), WebhookEvent{
		Type:          "payment.failed",
		TransactionID: result.Transaction.ID,
		Reason:        "insufficient card balance",
	})
	if err != nil {
		t.Fatalf("webhook failed: %v", err)
	}

	tx, _ := svc.Get(context.Background(), result.Transaction.ID)
	if tx.Status != TxFailed {
		t.Errorf("expected failed, got %s", tx.Status)
	}
	if tx.FailureReason != "insufficient card balance" {
		t.Errorf("expected reason recorded, got %q", tx.FailureReason)
	}
}

func TestWebhookConflictingTerminalAcknowledged(t *testing.T) {
	svc, _, escrow := newTestService(t)
	result, _ := svc.Initiate(context.Background(), "ord_1")
	_, _ = svc.Fail(context.Background(), result.Transaction.ID, "card declined")

	// A late success delivery for a transaction that already failed
	// cannot change the outcome; the provider must still get an ack or
	// it redelivers forever.
	err := svc.HandleWebhook(context.Background(), WebhookEvent{
		Type:          "payment.succeeded",
		TransactionID: result.Transaction.ID,
	})
	if err != nil {
		t.Fatalf("expected conflicting success webhook acknowledged, got %v", err)
	}
	tx, _ := svc.Get(context.Background(), result.Transaction.ID)
	if tx.Status != TxFailed {
		t.Errorf("expected transaction to stay failed, got %s", tx.Status)
	}
	if escrow.uniqueEscrows() != 0 {
		t.Errorf("expected no escrow for a failed payment, got %d", escrow.uniqueEscrows())
	}

	// And the mirror case: a late failure for a completed transaction.
	result2, _ := svc.Initiate(context.Background(), "ord_1")
	_, _ = svc.Complete(context.Background(), result2.Transaction.ID)
	err = svc.HandleWebhook(context.Background(), WebhookEvent{
		Type:          "payment.failed",
		TransactionID: result2.Transaction.ID,
		Reason:        "late decline",
	})
	if err != nil {
		t.Fatalf("expected conflicting failure webhook acknowledged, got %v", err)
	}
	tx2, _ := svc.Get(context.Background(), result2.Transaction.ID)
	if tx2.Status != TxCompleted {
		t.Errorf("expected transaction to stay completed, got %s", tx2.Status)
	}
}

func TestEscrowRepairOnRedelivery(t *testing.T) {
	svc, _, escrow := newTestService(t)
	result, _ := svc.Initiate(context.Background(), "ord_1")

	// First delivery completes the transaction but escrow creation fails.
	escrow.err = errors.New("settlement down")
	if err := svc.HandleWebhook(context.Background(), WebhookEvent{
		Type:          "payment.succeeded",
		TransactionID: result.Transaction.ID,
	}); err == nil {
		t.Fatal("expected webhook to fail while settlement is down")
	}

	tx, _ := svc.Get(context.Background(), result.Transaction.ID)
	if tx.Status != TxCompleted {
		t.Fatalf("transaction should be completed, got %s", tx.Status)
	}

	// Redelivery repairs the missing escrow.
	escrow.err = nil
	if err := svc.HandleWebhook(context.Background(), WebhookEvent{
		Type:          "payment.succeeded",
		TransactionID: result.Transaction.ID,
	}); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if escrow.uniqueEscrows() != 1 {
		t.Errorf("expected escrow repaired on redelivery, got %d", escrow.uniqueEscrows())
	}
}

func TestInitiateBreakerTripsAfterProviderFailures(t *testing.T) {
	svc, provider, _ := newTestService(t)
	provider.SetError(errors.New("provider down"))

	for i := 0; i < 5; i++ {
		if _, err := svc.Initiate(context.Background(), "ord_1"); err == nil {
			t.Fatal("expected provider error")
		}
	}

	// Circuit is open now: the provider is no longer called.
	_, err := svc.Initiate(context.Background(), "ord_1")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}

	// Recovery doesn't help until the open window elapses.
	provider.SetError(nil)
	if _, err := svc.Initiate(context.Background(), "ord_1"); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected circuit still open, got %v", err)
	}
}
