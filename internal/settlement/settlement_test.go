package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

type creditCall struct {
	userID  string
	amount  int64
	orderID string
}

type mockWallets struct {
	mu      sync.Mutex
	calls   []creditCall
	failFor int // fail the first N calls
}

func (m *mockWallets) Credit(ctx context.Context, userID string, amount int64, description, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor > 0 {
		m.failFor--
		return errors.New("wallet unavailable")
	}
	m.calls = append(m.calls, creditCall{userID: userID, amount: amount, orderID: orderID})
	return nil
}

func (m *mockWallets) creditCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockOrders struct {
	mu         sync.Mutex
	inProgress []string
	completed  []string
	cancelled  []string
	status     string // reported by OrderStatus; defaults to delivered
}

func (m *mockOrders) MarkInProgress(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inProgress = append(m.inProgress, orderID)
	return nil
}

func (m *mockOrders) MarkCompleted(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, orderID)
	return nil
}

func (m *mockOrders) MarkCancelled(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

func (m *mockOrders) OrderStatus(ctx context.Context, orderID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == "" {
		return "delivered", nil
	}
	return m.status, nil
}

func (m *mockOrders) setStatus(status string) {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *mockWallets, *mockOrders) {
	t.Helper()
	wallets := &mockWallets{}
	orders := &mockOrders{}
	svc := NewService(NewMemoryStore(), wallets, orders, 1000, nil)
	return svc, wallets, orders
}

func TestCreateEscrow(t *testing.T) {
	svc, _, orders := newTestService(t)

	e, err := svc.CreateEscrow(context.Background(), "ord_1", "buyer-1", "seller-1", 10000)
	if err != nil {
		t.Fatalf("CreateEscrow failed: %v", err)
	}
	if e.Status != StatusHeld {
		t.Errorf("expected held, got %s", e.Status)
	}
	if e.Amount != 10000 {
		t.Errorf("expected amount 10000, got %d", e.Amount)
	}
	if len(orders.inProgress) != 1 || orders.inProgress[0] != "ord_1" {
		t.Errorf("expected order marked in progress, got %v", orders.inProgress)
	}
}

func TestCreateEscrowDuplicate(t *testing.T) {
	svc, _, _ := newTestService(t)

	first, err := svc.CreateEscrow(context.Background(), "ord_1", "buyer-1", "seller-1", 10000)
	if err != nil {
		t.Fatalf("first CreateEscrow failed: %v", err)
	}
	second, err := svc.CreateEscrow(context.Background(), "ord_1", "buyer-1", "seller-1", 10000)
	if err != nil {
		t.Fatalf("duplicate CreateEscrow failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected the existing escrow back, got %s vs %s", second.ID, first.ID)
	}
}

func TestCreateEscrowInvalidAmount(t *testing.T) {
	svc, _, _ := newTestService(t)

	for _, amount := range []int64{0, -500} {
		if _, err := svc.CreateEscrow(context.Background(), "ord_bad", "b", "s", amount); err == nil {
			t.Errorf("expected error for amount %d", amount)
		}
	}
}

func TestReleaseSplitsCommission(t *testing.T) {
	svc, wallets, orders := newTestService(t)

	e, _ := svc.CreateEscrow(context.Background(), "ord_1", "buyer-1", "seller-1", 10000)

	if err := svc.ReleaseByOrder(context.Background(), "ord_1"); err != nil {
		t.Fatalf("ReleaseByOrder failed: %v", err)
	}

	// 10% of $100.00: seller gets $90.00, platform keeps $10.00.
	if wallets.creditCount() != 1 {
		t.Fatalf("expected 1 wallet credit, got %d", wallets.creditCount())
	}
	call := wallets.calls[0]
	if call.userID != "seller-1" || call.amount != 9000 {
		t.Errorf("expected seller-1 credited 9000, got %s/%d", call.userID, call.amount)
	}

	released, _ := svc.Get(context.Background(), e.ID)
	if released.Status != StatusReleased {
		t.Errorf("expected released, got %s", released.Status)
	}
	if released.Commission != 1000 || released.Earnings != 9000 {
		t.Errorf("expected commission 1000 / earnings 9000, got %d/%d",
			released.Commission, released.Earnings)
	}
	if released.Commission+released.Earnings != released.Amount {
		t.Error("commission and earnings must sum to the escrow amount")
	}
	if len(orders.completed) == 0 {
		t.Error("expected order marked completed")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	svc, wallets, _ := newTestService(t)
	_, _ = svc.CreateEscrow(context.Background(), "ord_1", "buyer-1", "seller-1", 10000)

	for i := 0; i < 3; i++ {
		if err := svc.ReleaseByOrder(context.Background(), "ord_1"); err != nil {
			t.Fatalf("release attempt %d failed: %v", i, err)
		}
	}

	if wallets.creditCount() != 1 {
		t.Errorf("expected exactly one credit across repeated releases, got %d", wallets.creditCount())
	}
}

func TestConcurrentReleaseCreditsOnce(t *testing.T) {
	svc, wallets, _ := newTestService(t)
	_, _ = svc.CreateEscrow(context.Background(), "ord_1", "buyer-1", "seller-1", 10000)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.ReleaseByOrder(context.Background(), "ord_1")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent release returned error: %v", err)
		}
	}
	if wallets.creditCount() != 1 {
		t.Errorf("expected exactly one credit under concurrency, got %d", wallets.creditCount())
	}
}

func TestReleaseAfterRefundRejected(t *testing.T) {
	svc, wallets, _ := newTestService(t)
	_, _ = svc.CreateEscrow(context.Background(), "ord_1", "buyer-1", "seller-1", 10000)

	if err := svc.RefundByOrder(context.Background(), "ord_1"); err != nil {
		t.Fatalf("RefundByOrder failed: %v", err)
	}
	if err := svc.ReleaseByOrder(context.Background(), "ord_1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState releasing a refunded escrow, got %v", err)
	}

	// Refunds go back through the provider, never into a platform wallet.
	if wallets.creditCount() != 0 {
		t.Fatalf("expected no wallet credits, got %d", wallets.creditCount())
	}
}

func TestRefundNeverCreditsWallets(t *testing.T) {
	svc, wallets, orders := newTestService(t)
	e, _ := svc.CreateEscrow(context.Background(), "ord_1", "buyer-1", "seller-1", 10000)

	if err := svc.RefundByOrder(context.Background(), "ord_1"); err != nil {
		t.Fatalf("RefundByOrder failed: %v", err)
	}

	// The buyer paid through the provider; the refund goes back the same
	// way. Platform wallets must not move.
	if wallets.creditCount() != 0 {
		t.Fatalf("expected no wallet credits on refund, got %d: %v", wallets.creditCount(), wallets.calls)
	}

	refunded, _ := svc.Get(context.Background(), e.ID)
	if refunded.Status != StatusRefunded {
		t.Errorf("expected refunded, got %s", refunded.Status)
	}
	if len(orders.cancelled) == 0 {
		t.Error("expected order marked cancelled")
	}
}

type mockRefunder struct {
	mu    sync.Mutex
	calls []creditCall
	err   error
}

func (m *mockRefunder) RefundPayment(ctx context.Context, orderID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, creditCall{orderID: orderID, amount: amount})
	return nil
}

func TestRefundInvokesProviderRefunder(t *testing.T) {
	svc, _, _ := newTestService(t)
	refunder := &mockRefunder{}
	svc.WithRefunder(refunder)
	_, _ = svc.CreateEscrow(context.Background(), "ord_1", "buyer-1", "seller-1", 10000)

	if err := svc.RefundByOrder(context.Background(), "ord_1"); err != nil {
		t.Fatalf("RefundByOrder failed: %v", err)
	}

	refunder.mu.Lock()
	defer refunder.mu.Unlock()
	if len(refunder.calls) != 1 || refunder.calls[0].amount != 10000 {
		t.Fatalf("expected one full-amount provider refund, got %v", refunder.calls)
	}
}

func TestRefundSurvivesProviderRefundFailure(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.WithRefunder(&mockRefunder{err: errors.New("provider down")})
	e, _ := svc.CreateEscrow(context.Background(), "ord_1", "buyer-1", "seller-1", 10000)

	// A failed provider refund is followed up out of band; the escrow
	// state change stands.
	if err := svc.RefundByOrder(context.Background(), "ord_1"); err != nil {
		t.Fatalf("RefundByOrder failed: %v", err)
	}
	refunded, _ := svc.Get(context.Background(), e.ID)
	if refunded.Status != StatusRefunded {
		t.Errorf("expected refunded, got %s", refunded.Status)
	}
}

func TestRefundIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	refunder := &mockRefunder{}
	svc.WithRefunder(refunder)
	_, _ = svc.CreateEscrow(context.Background(), "ord_1", "buyer-1", "seller-1", 10000)

	for i := 0; i < 3; i++ {
		if err := svc.RefundByOrder(context.Background(), "ord_1"); err != nil {
			t.Fatalf("refund attempt %d failed: %v", i, err)
		}
	}
	refunder.mu.Lock()
	defer refunder.mu.Unlock()
	if len(refunder.calls) != 1 {
		t.Errorf("expected exactly one provider refund across repeated refunds, got %d", len(refunder.calls))
	}
}

func TestReleaseRetryAfterWalletFailure(t *testing.T) {
	svc, wallets, _ := newTestService(t)
	e, _ := svc.CreateEscrow(context.Background(), "ord_1", "buyer-1", "seller-1", 10000)

	wallets.failFor = 1
	if err := svc.ReleaseByOrder(context.Background(), "ord_1"); err == nil {
		t.Fatal("expected release to fail while wallet is down")
	}

	// Escrow must stay held so the release can be retried.
	cur, _ := svc.Get(context.Background(), e.ID)
	if cur.Status != StatusHeld {
		t.Fatalf("expected escrow to remain held, got %s", cur.Status)
	}

	if err := svc.ReleaseByOrder(context.Background(), "ord_1"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if wallets.creditCount() != 1 {
		t.Errorf("expected one credit after retry, got %d", wallets.creditCount())
	}
}

func TestSmallAmountRoundingFavorsSeller(t *testing.T) {
	svc, wallets, _ := newTestService(t)

	// $0.05 at 10%: commission floors to 0, seller gets all 5 cents.
	_, _ = svc.CreateEscrow(context.Background(), "ord_tiny", "buyer-1", "seller-1", 5)
	if err := svc.ReleaseByOrder(context.Background(), "ord_tiny"); err != nil {
		t.Fatalf("ReleaseByOrder failed: %v", err)
	}
	if wallets.calls[0].amount != 5 {
		t.Errorf("expected seller credited 5, got %d", wallets.calls[0].amount)
	}
}

func TestEscrowNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	if err := svc.ReleaseByOrder(context.Background(), "ord_missing"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("expected ErrEscrowNotFound, got %v", err)
	}
	if _, err := svc.Get(context.Background(), "esc_missing"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("expected ErrEscrowNotFound, got %v", err)
	}
}

func TestConservationAcrossManyOrders(t *testing.T) {
	svc, wallets, _ := newTestService(t)

	var total, credited int64
	for i := 0; i < 100; i++ {
		orderID := fmt.Sprintf("ord_%d", i)
		amount := int64(100 + i*37)
		total += amount
		if _, err := svc.CreateEscrow(context.Background(), orderID, "buyer-1", "seller-1", amount); err != nil {
			t.Fatalf("CreateEscrow failed: %v", err)
		}
		if err := svc.ReleaseByOrder(context.Background(), orderID); err != nil {
			t.Fatalf("ReleaseByOrder failed: %v", err)
		}
	}

	var commissions int64
	for i := 0; i < 100; i++ {
		e, _ := svc.GetByOrder(context.Background(), fmt.Sprintf("ord_%d", i))
		commissions += e.Commission
	}
	for _, c := range wallets.calls {
		credited += c.amount
	}

	if credited+commissions != total {
		t.Errorf("money not conserved: credited %d + commission %d != total %d",
			credited, commissions, total)
	}
}

func TestReleaseAbortsWhenOrderDisputed(t *testing.T) {
	svc, wallets, orders := newTestService(t)
	e, _ := svc.CreateEscrow(context.Background(), "ord_1", "buyer-1", "seller-1", 10000)

	// The dispute lands after the caller's status check but before the
	// release takes the escrow lock; the re-check inside must catch it.
	orders.setStatus("disputed")

	if err := svc.ReleaseByOrder(context.Background(), "ord_1"); !errors.Is(err, ErrOrderDisputed) {
		t.Fatalf("expected ErrOrderDisputed, got %v", err)
	}
	if wallets.creditCount() != 0 {
		t.Errorf("expected no credits for a disputed order, got %d", wallets.creditCount())
	}
	held, _ := svc.Get(context.Background(), e.ID)
	if held.Status != StatusHeld {
		t.Errorf("expected escrow still held, got %s", held.Status)
	}
}

func TestAdminReleaseResolvesDispute(t *testing.T) {
	svc, wallets, orders := newTestService(t)
	e, _ := svc.CreateEscrow(context.Background(), "ord_1", "buyer-1", "seller-1", 10000)
	orders.setStatus("disputed")

	// Resolving a dispute in the seller's favor goes through the
	// escrow-ID release, which is allowed to override the dispute.
	released, err := svc.Release(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.Status != StatusReleased {
		t.Errorf("expected released, got %s", released.Status)
	}
	if wallets.creditCount() != 1 {
		t.Errorf("expected one seller credit, got %d", wallets.creditCount())
	}
}
