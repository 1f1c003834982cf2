package sweeper

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/worklane/worklane/internal/catalog"
	"github.com/worklane/worklane/internal/identity"
	"github.com/worklane/worklane/internal/orders"
)

type stubReleaser struct {
	svc   *orders.Service
	fail  map[string]bool
	calls int
}

func (r *stubReleaser) ReleaseByOrder(ctx context.Context, orderID string) error {
	r.calls++
	if r.fail[orderID] {
		return errors.New("settlement unavailable")
	}
	return r.svc.MarkCompleted(ctx, orderID)
}

type fixture struct {
	orders   *orders.Service
	releaser *stubReleaser
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cat := catalog.NewMemoryCatalog()
	cat.Put(&catalog.Service{ID: "svc-1", SellerID: "seller-1", Price: 10000})
	dir := identity.NewMemoryDirectory("buyer-1", "seller-1")

	svc := orders.NewService(orders.NewMemoryStore(), cat, dir, time.Hour)
	rel := &stubReleaser{svc: svc, fail: make(map[string]bool)}
	svc.WithReleaser(rel)
	return &fixture{orders: svc, releaser: rel}
}

// deliveredOrder creates an order and walks it to delivered.
func (f *fixture) deliveredOrder(t *testing.T) *orders.Order {
	t.Helper()

	o, err := f.orders.Create(context.Background(), orders.CreateRequest{BuyerID: "buyer-1", ServiceID: "svc-1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := f.orders.MarkInProgress(context.Background(), o.ID); err != nil {
		t.Fatalf("MarkInProgress failed: %v", err)
	}
	if _, err := f.orders.Deliver(context.Background(), o.ID, "seller-1", nil); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	return o
}

func TestSweepOnceConfirmsOverdue(t *testing.T) {
	f := newFixture(t)
	o := f.deliveredOrder(t)
	sw := New(f.orders, time.Hour, nil)

	// Window is 1h; sweep 2h in the future.
	confirmed, failed, err := sw.SweepOnce(context.Background(), time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if confirmed != 1 || failed != 0 {
		t.Errorf("expected 1 confirmed / 0 failed, got %d/%d", confirmed, failed)
	}

	cur, _ := f.orders.Get(context.Background(), o.ID)
	if cur.Status != orders.StatusCompleted {
		t.Errorf("expected completed, got %s", cur.Status)
	}
}

func TestSweepOnceSkipsNotYetDue(t *testing.T) {
	f := newFixture(t)
	o := f.deliveredOrder(t)
	sw := New(f.orders, time.Hour, nil)

	confirmed, _, err := sw.SweepOnce(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if confirmed != 0 {
		t.Errorf("expected nothing confirmed inside the window, got %d", confirmed)
	}

	cur, _ := f.orders.Get(context.Background(), o.ID)
	if cur.Status != orders.StatusDelivered {
		t.Errorf("expected order still delivered, got %s", cur.Status)
	}
}

func TestSweepOnceSkipsDisputed(t *testing.T) {
	f := newFixture(t)
	o := f.deliveredOrder(t)
	if _, err := f.orders.Dispute(context.Background(), o.ID, orders.BuyerActor("buyer-1"), "not as described"); err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}

	sw := New(f.orders, time.Hour, nil)
	confirmed, failed, err := sw.SweepOnce(context.Background(), time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if confirmed != 0 || failed != 0 {
		t.Errorf("disputed order must be untouched, got %d confirmed / %d failed", confirmed, failed)
	}

	cur, _ := f.orders.Get(context.Background(), o.ID)
	if cur.Status != orders.StatusDisputed {
		t.Errorf("expected disputed, got %s", cur.Status)
	}
}

func TestSweepOnceContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	bad := f.deliveredOrder(t)
	good := f.deliveredOrder(t)
	f.releaser.fail[bad.ID] = true

	sw := New(f.orders, time.Hour, nil)
	confirmed, failed, err := sw.SweepOnce(context.Background(), time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if confirmed != 1 || failed != 1 {
		t.Errorf("expected 1 confirmed / 1 failed, got %d/%d", confirmed, failed)
	}

	curGood, _ := f.orders.Get(context.Background(), good.ID)
	if curGood.Status != orders.StatusCompleted {
		t.Errorf("healthy order should complete, got %s", curGood.Status)
	}
	curBad, _ := f.orders.Get(context.Background(), bad.ID)
	if curBad.Status != orders.StatusDelivered {
		t.Errorf("failing order should stay delivered for retry, got %s", curBad.Status)
	}
}

func TestSweepOnceIdempotent(t *testing.T) {
	f := newFixture(t)
	f.deliveredOrder(t)
	sw := New(f.orders, time.Hour, nil)

	at := time.Now().Add(2 * time.Hour)
	if _, _, err := sw.SweepOnce(context.Background(), at); err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}
	before := f.releaser.calls

	confirmed, _, err := sw.SweepOnce(context.Background(), at)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if confirmed != 0 {
		t.Errorf("second sweep should find nothing, confirmed %d", confirmed)
	}
	if f.releaser.calls != before {
		t.Errorf("second sweep must not release again")
	}
}

func TestSweepBatches(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 7; i++ {
		f.deliveredOrder(t)
	}

	sw := New(f.orders, time.Hour, nil)
	sw.batchSize = 3

	confirmed, failed, err := sw.SweepOnce(context.Background(), time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if confirmed != 7 || failed != 0 {
		t.Errorf("expected all 7 confirmed across batches, got %d/%d", confirmed, failed)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	sw := New(f.orders, 10*time.Millisecond, nil)

	sw.Start()
	sw.Start() // second call is a no-op
	time.Sleep(30 * time.Millisecond)
	sw.Stop()
	sw.Stop() // idempotent
}

func TestSweepManyMatchesManualConfirm(t *testing.T) {
	f := newFixture(t)

	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, f.deliveredOrder(t).ID)
	}

	// Manually confirm half, sweep the rest.
	for i := 0; i < 5; i++ {
		if _, err := f.orders.Confirm(context.Background(), ids[i], orders.BuyerActor("buyer-1")); err != nil {
			t.Fatalf("manual Confirm failed: %v", err)
		}
	}
	sw := New(f.orders, time.Hour, nil)
	if _, _, err := sw.SweepOnce(context.Background(), time.Now().Add(2*time.Hour)); err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}

	for i, id := range ids {
		cur, _ := f.orders.Get(context.Background(), id)
		if cur.Status != orders.StatusCompleted {
			t.Errorf("order %d (%s): expected completed, got %s", i, fmt.Sprintf("%.8s", id), cur.Status)
		}
	}
}
