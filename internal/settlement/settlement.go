// Package settlement holds buyer funds in escrow and moves them exactly
// once: to the seller (minus commission) on release, or back to the buyer
// on refund.
//
// Releases are serialized per order and written in funds-safe order: the
// wallet credit is durably recorded before the escrow flips out of held, so
// a crash in between can only leave an escrow that looks held with money
// already credited. That case is logged CRITICAL for manual reconciliation
// rather than risking a silent double-credit the other way around.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/worklane/worklane/internal/idgen"
	"github.com/worklane/worklane/internal/metrics"
	"github.com/worklane/worklane/internal/money"
	"github.com/worklane/worklane/internal/syncutil"
	"github.com/worklane/worklane/internal/traces"
)

var (
	ErrEscrowNotFound = errors.New("escrow not found")
	ErrInvalidState   = errors.New("invalid escrow status for this operation")
	ErrDuplicateOrder = errors.New("escrow already exists for this order")
	ErrOrderDisputed  = errors.New("order is disputed, release requires admin resolution")
)

// Status represents the state of escrowed funds.
type Status string

const (
	StatusHeld     Status = "held"     // Funds captured, order in progress
	StatusReleased Status = "released" // Funds paid out to the seller
	StatusRefunded Status = "refunded" // Funds returned to the buyer
)

// Escrow holds the funds of one order. Commission and Earnings are zero
// until release resolves them.
type Escrow struct {
	ID         string     `json:"id"`
	OrderID    string     `json:"orderId"`
	BuyerID    string     `json:"buyerId"`
	SellerID   string     `json:"sellerId"`
	Amount     int64      `json:"amount"`
	Commission int64      `json:"commission,omitempty"`
	Earnings   int64      `json:"earnings,omitempty"`
	Status     Status     `json:"status"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
	RefundedAt *time.Time `json:"refundedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Store persists escrows. One escrow per order, enforced by the store
// (ErrDuplicateOrder).
//
// MarkReleased and MarkRefunded are conditional transitions: they only
// apply if the escrow is currently held, and return ErrInvalidState
// otherwise. This is the exactly-once guard at the storage layer.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByOrder(ctx context.Context, orderID string) (*Escrow, error)
	MarkReleased(ctx context.Context, id string, commission, earnings int64, at time.Time) error
	MarkRefunded(ctx context.Context, id string, at time.Time) error
}

// WalletService credits user wallets. Implemented by the wallet service via
// an adapter in the server wiring.
type WalletService interface {
	Credit(ctx context.Context, userID string, amount int64, description, orderID string) error
}

// OrderTransitioner moves orders through settlement-driven transitions.
// Implemented by the orders service. OrderStatus returns the order's
// current status string ("delivered", "disputed", ...) so release can
// re-check the order right before money moves.
type OrderTransitioner interface {
	MarkInProgress(ctx context.Context, orderID string) error
	MarkCompleted(ctx context.Context, orderID string) error
	MarkCancelled(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (string, error)
}

// Notifier publishes settlement events to subscribers. Delivery is
// best-effort and never blocks settlement.
type Notifier interface {
	Publish(ctx context.Context, eventType, orderID string, payload any)
}

// InvoiceIssuer records an invoice after a successful release.
type InvoiceIssuer interface {
	Issue(ctx context.Context, orderID, buyerID, sellerID string, amount, commission int64) error
}

// ProviderRefunder pushes a refund back through the payment provider.
// Refunds return money to the buyer's original payment method, never to a
// platform wallet; this hook is optional and best-effort.
type ProviderRefunder interface {
	RefundPayment(ctx context.Context, orderID string, amount int64) error
}

// Service orchestrates escrow creation, release, and refund.
type Service struct {
	store         Store
	wallets       WalletService
	orders        OrderTransitioner
	notifier      Notifier
	invoices      InvoiceIssuer
	refunder      ProviderRefunder
	commissionBPS int
	locks         syncutil.ShardedMutex // per-order ID locks
	logger        *slog.Logger
}

// NewService creates a settlement service taking commissionBPS (basis
// points, 1000 = 10%) off every release.
func NewService(store Store, wallets WalletService, orders OrderTransitioner, commissionBPS int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         store,
		wallets:       wallets,
		orders:        orders,
		commissionBPS: commissionBPS,
		logger:        logger,
	}
}

// WithNotifier wires the event dispatcher.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithInvoices wires invoice issuing on release.
func (s *Service) WithInvoices(i InvoiceIssuer) *Service {
	s.invoices = i
	return s
}

// WithRefunder wires provider-side refunds on escrow refund.
func (s *Service) WithRefunder(r ProviderRefunder) *Service {
	s.refunder = r
	return s
}

// CreateEscrow captures funds for an order. Called by the payment flow
// after a transaction completes. If an escrow already exists for the order
// (duplicate webhook, retried completion) the existing one is returned.
func (s *Service) CreateEscrow(ctx context.Context, orderID, buyerID, sellerID string, amount int64) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.CreateEscrow", traces.OrderID(orderID))
	defer span.End()

	unlock := s.locks.Lock(orderID)
	defer unlock()

	if existing, err := s.store.GetByOrder(ctx, orderID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrEscrowNotFound) {
		return nil, err
	}

	if amount <= 0 {
		return nil, fmt.Errorf("escrow amount must be positive, got %d", amount)
	}

	now := time.Now()
	e := &Escrow{
		ID:        idgen.WithPrefix("esc_"),
		OrderID:   orderID,
		BuyerID:   buyerID,
		SellerID:  sellerID,
		Amount:    amount,
		Status:    StatusHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		if errors.Is(err, ErrDuplicateOrder) {
			return s.store.GetByOrder(ctx, orderID)
		}
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}

	if err := s.orders.MarkInProgress(ctx, orderID); err != nil {
		// Escrow is durable; the order transition is retried by the next
		// settlement operation. Don't fail the capture.
		s.logger.Error("escrow created but order transition failed",
			"order_id", orderID, "escrow_id", e.ID, "error", err)
	}

	metrics.EscrowCreatedTotal.Inc()
	s.notify(ctx, "escrow.held", orderID, e)
	s.logger.Info("escrow created",
		"escrow_id", e.ID, "order_id", orderID, "amount", money.Format(amount))
	return e, nil
}

// ReleaseByOrder releases the escrow of an order to its seller. Safe to
// call repeatedly; only the first call moves money.
func (s *Service) ReleaseByOrder(ctx context.Context, orderID string) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	e, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	return s.release(ctx, e, false)
}

// Release releases an escrow by its ID. Used by the admin dispute
// resolution path.
func (s *Service) Release(ctx context.Context, escrowID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(e.OrderID)
	defer unlock()

	// Re-read under the lock.
	e, err = s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := s.release(ctx, e, true); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, escrowID)
}

// release performs the funds-safe release sequence. Caller holds the
// order lock. resolveDispute is true only on the admin path: the normal
// confirm path re-checks the order right before money moves and aborts if
// a dispute slipped in after the confirm-side status check.
func (s *Service) release(ctx context.Context, e *Escrow, resolveDispute bool) error {
	ctx, span := traces.StartSpan(ctx, "settlement.Release",
		traces.OrderID(e.OrderID), traces.EscrowID(e.ID), traces.AmountCents(e.Amount))
	defer span.End()

	switch e.Status {
	case StatusReleased:
		// Already released: make sure the order caught up, then no-op.
		return s.orders.MarkCompleted(ctx, e.OrderID)
	case StatusHeld:
	default:
		return ErrInvalidState
	}

	status, err := s.orders.OrderStatus(ctx, e.OrderID)
	if err != nil {
		return fmt.Errorf("failed to read order status: %w", err)
	}
	if status == "disputed" && !resolveDispute {
		return ErrOrderDisputed
	}

	commission, earnings := money.Split(e.Amount, s.commissionBPS)

	// Credit first. If this fails the escrow stays held and the whole
	// release can be retried.
	if err := s.wallets.Credit(ctx, e.SellerID, earnings, "order earnings", e.OrderID); err != nil {
		return fmt.Errorf("failed to credit seller: %w", err)
	}

	now := time.Now()
	if err := s.store.MarkReleased(ctx, e.ID, commission, earnings, now); err != nil {
		// The seller has the money but the escrow still says held. Retry
		// once, then scream: a later retry of this release would credit
		// again.
		if retryErr := s.store.MarkReleased(ctx, e.ID, commission, earnings, now); retryErr != nil {
			s.logger.Error("CRITICAL: wallet credited but escrow not marked released, manual reconciliation required",
				"escrow_id", e.ID, "order_id", e.OrderID,
				"seller_id", e.SellerID, "earnings", money.Format(earnings), "error", retryErr)
			return fmt.Errorf("failed to mark escrow released after credit: %w", retryErr)
		}
	}

	metrics.EscrowReleasedTotal.Inc()
	metrics.CommissionCentsTotal.Add(float64(commission))
	metrics.EscrowHeldDuration.Observe(now.Sub(e.CreatedAt).Hours())

	if err := s.orders.MarkCompleted(ctx, e.OrderID); err != nil {
		s.logger.Error("escrow released but order transition failed",
			"order_id", e.OrderID, "escrow_id", e.ID, "error", err)
		return fmt.Errorf("escrow released but order not completed: %w", err)
	}

	s.notify(ctx, "escrow.released", e.OrderID, map[string]any{
		"escrowId":   e.ID,
		"sellerId":   e.SellerID,
		"earnings":   money.Format(earnings),
		"commission": money.Format(commission),
	})
	s.issueInvoice(ctx, e, commission)

	s.logger.Info("escrow released",
		"escrow_id", e.ID, "order_id", e.OrderID,
		"earnings", money.Format(earnings), "commission", money.Format(commission))
	return nil
}

// RefundByOrder returns the escrowed funds of an order to its buyer.
func (s *Service) RefundByOrder(ctx context.Context, orderID string) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	e, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	return s.refund(ctx, e)
}

// Refund refunds an escrow by its ID. Used by the admin dispute
// resolution path.
func (s *Service) Refund(ctx context.Context, escrowID string) (*Escrow, error) {
	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(e.OrderID)
	defer unlock()

	e, err = s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := s.refund(ctx, e); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, escrowID)
}

// refund resolves a held escrow back toward the buyer. The money left the
// buyer at the payment provider, not in a platform wallet, so no wallet is
// credited here: the escrow flips HELD→REFUNDED, the order is cancelled,
// and the provider-side refund is delegated to the ProviderRefunder hook
// when one is wired. Caller holds the order lock.
func (s *Service) refund(ctx context.Context, e *Escrow) error {
	ctx, span := traces.StartSpan(ctx, "settlement.Refund",
		traces.OrderID(e.OrderID), traces.EscrowID(e.ID), traces.AmountCents(e.Amount))
	defer span.End()

	switch e.Status {
	case StatusRefunded:
		return s.orders.MarkCancelled(ctx, e.OrderID)
	case StatusHeld:
	default:
		return ErrInvalidState
	}

	if err := s.store.MarkRefunded(ctx, e.ID, time.Now()); err != nil {
		return err
	}

	metrics.EscrowRefundedTotal.Inc()

	// Best-effort: a failed provider refund is retried out of band, it
	// never un-refunds the escrow.
	if s.refunder != nil {
		if err := s.refunder.RefundPayment(ctx, e.OrderID, e.Amount); err != nil {
			s.logger.Error("provider refund failed, needs manual follow-up",
				"order_id", e.OrderID, "escrow_id", e.ID,
				"amount", money.Format(e.Amount), "error", err)
		}
	}

	if err := s.orders.MarkCancelled(ctx, e.OrderID); err != nil {
		s.logger.Error("escrow refunded but order transition failed",
			"order_id", e.OrderID, "escrow_id", e.ID, "error", err)
		return fmt.Errorf("escrow refunded but order not cancelled: %w", err)
	}

	s.notify(ctx, "escrow.refunded", e.OrderID, map[string]any{
		"escrowId": e.ID,
		"buyerId":  e.BuyerID,
		"amount":   money.Format(e.Amount),
	})

	s.logger.Info("escrow refunded",
		"escrow_id", e.ID, "order_id", e.OrderID, "amount", money.Format(e.Amount))
	return nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetByOrder returns the escrow of an order.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	return s.store.GetByOrder(ctx, orderID)
}

func (s *Service) notify(ctx context.Context, eventType, orderID string, payload any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ctx, eventType, orderID, payload)
}

func (s *Service) issueInvoice(ctx context.Context, e *Escrow, commission int64) {
	if s.invoices == nil {
		return
	}
	if err := s.invoices.Issue(ctx, e.OrderID, e.BuyerID, e.SellerID, e.Amount, commission); err != nil {
		s.logger.Error("failed to issue invoice", "order_id", e.OrderID, "error", err)
	}
}
