// Package orders implements the buyer/seller order workflow.
//
// Lifecycle:
//
//	pending ──(escrow created)──► in_progress ──(seller delivers)──► delivered
//	   │                                                                │
//	   └──► cancelled (buyer/seller/admin, only while pending)          ├──► completed (release)
//	                                                                    └──► disputed (buyer)
//
// Orders are versioned records: every update is a compare-and-set on the
// version column, so a concurrent writer observes staleness instead of
// silently overwriting.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/worklane/worklane/internal/catalog"
	"github.com/worklane/worklane/internal/identity"
	"github.com/worklane/worklane/internal/idgen"
	"github.com/worklane/worklane/internal/pagination"
	"github.com/worklane/worklane/internal/syncutil"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrInvalidState   = errors.New("invalid order status for this operation")
	ErrUnauthorized   = errors.New("not authorized for this order operation")
	ErrUserNotFound   = errors.New("user not found")
	ErrServiceMissing = errors.New("service not found")
	ErrStale          = errors.New("order was modified concurrently")
	ErrInvalidCursor  = errors.New("invalid pagination cursor")
)

// Status represents the state of an order.
type Status string

const (
	StatusPending    Status = "pending"     // Created, awaiting payment
	StatusInProgress Status = "in_progress" // Payment held in escrow, seller working
	StatusDelivered  Status = "delivered"   // Seller delivered, confirmation window open
	StatusCompleted  Status = "completed"   // Funds released to seller
	StatusCancelled  Status = "cancelled"   // Cancelled before work started, or refunded
	StatusDisputed   Status = "disputed"    // Buyer disputed, awaiting admin resolution
)

// Order is one purchase of a catalog service.
// Amount is fixed at creation and never changes.
type Order struct {
	ID             string     `json:"id"`
	BuyerID        string     `json:"buyerId"`
	SellerID       string     `json:"sellerId"`
	ServiceID      string     `json:"serviceId"`
	Amount         int64      `json:"amount"`
	Status         Status     `json:"status"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	AutoConfirmAt  *time.Time `json:"autoConfirmAt,omitempty"`
	DeliveredFiles []string   `json:"deliveredFiles,omitempty"`
	DisputeReason  string     `json:"disputeReason,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	Version        int64      `json:"-"`
}

// IsTerminal returns true if the order is in a final state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Store persists orders.
//
// Update is a compare-and-set: it matches on (ID, Version), bumps the
// version, and returns ErrStale when another writer got there first.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Order, error)
	ListDueForAutoConfirm(ctx context.Context, before time.Time, limit int) ([]*Order, error)
}

// Releaser triggers settlement release so orders doesn't import settlement.
type Releaser interface {
	ReleaseByOrder(ctx context.Context, orderID string) error
}

// CreateRequest contains the parameters for creating an order.
type CreateRequest struct {
	BuyerID   string `json:"buyerId" binding:"required"`
	ServiceID string `json:"serviceId" binding:"required"`
}

// Service implements order business logic.
type Service struct {
	store         Store
	catalog       catalog.Provider
	identity      identity.Provider
	releaser      Releaser
	confirmWindow time.Duration
	locks         syncutil.ShardedMutex // per-order ID locks
}

// NewService creates a new order service. confirmWindow is how long a buyer
// has to dispute after delivery before auto-confirmation kicks in.
func NewService(store Store, cat catalog.Provider, idp identity.Provider, confirmWindow time.Duration) *Service {
	if confirmWindow <= 0 {
		confirmWindow = 72 * time.Hour
	}
	return &Service{
		store:         store,
		catalog:       cat,
		identity:      idp,
		confirmWindow: confirmWindow,
	}
}

// WithReleaser wires the settlement orchestrator used by Confirm.
func (s *Service) WithReleaser(r Releaser) *Service {
	s.releaser = r
	return s
}

// Create opens a new pending order for a catalog service.
// The amount is taken from the catalog price and is immutable afterwards.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	ok, err := s.identity.Exists(ctx, req.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to check buyer identity: %w", err)
	}
	if !ok {
		return nil, ErrUserNotFound
	}

	svc, err := s.catalog.GetService(ctx, req.ServiceID)
	if err != nil {
		if errors.Is(err, catalog.ErrServiceNotFound) {
			return nil, ErrServiceMissing
		}
		return nil, err
	}
	if svc.SellerID == req.BuyerID {
		return nil, errors.New("buyer and seller cannot be the same user")
	}

	now := time.Now()
	order := &Order{
		ID:        idgen.WithPrefix("ord_"),
		BuyerID:   req.BuyerID,
		SellerID:  svc.SellerID,
		ServiceID: svc.ID,
		Amount:    svc.Price,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if err := s.store.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return order, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// Page is one page of a user's orders, newest first.
type Page struct {
	Orders     []*Order
	NextCursor string
	HasMore    bool
}

// ListByUser returns a page of orders where the user is buyer or seller.
// cursor is an opaque token from a previous page; empty means the first
// page.
func (s *Service) ListByUser(ctx context.Context, userID, cursor string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = 50
	}
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	// Fetch one extra row to learn whether another page exists.
	items, err := s.store.ListByUser(ctx, userID, cur, limit+1)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(o *Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	return &Page{Orders: items, NextCursor: next, HasMore: more}, nil
}

// Deliver marks the order delivered by its seller and opens the
// auto-confirmation window.
func (s *Service) Deliver(ctx context.Context, orderID, sellerID string, files []string) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.SellerID != sellerID {
		return nil, ErrUnauthorized
	}
	if order.Status != StatusInProgress {
		return nil, ErrInvalidState
	}

	now := time.Now()
	confirmAt := now.Add(s.confirmWindow)
	order.Status = StatusDelivered
	order.DeliveredAt = &now
	order.AutoConfirmAt = &confirmAt
	order.DeliveredFiles = files
	order.UpdatedAt = now

	if err := s.store.Update(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// Confirm accepts a delivered order and releases the escrowed funds.
// Allowed for the order's buyer and for the system actor (auto-confirm
// sweep). Confirming an already completed order is an idempotent no-op,
// so duplicate clicks and sweep retries are safe.
func (s *Service) Confirm(ctx context.Context, orderID string, actor Actor) (*Order, error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !actor.MayConfirm(order) {
		return nil, ErrUnauthorized
	}

	switch order.Status {
	case StatusCompleted:
		return order, nil
	case StatusDelivered:
	default:
		return nil, ErrInvalidState
	}

	if s.releaser == nil {
		return nil, errors.New("no releaser configured")
	}
	if err := s.releaser.ReleaseByOrder(ctx, orderID); err != nil {
		// A dispute can land between the status check above and the
		// release taking the order lock; the release aborts before any
		// money moves and the dispute stands.
		if cur, gerr := s.store.Get(ctx, orderID); gerr == nil && cur.Status == StatusDisputed {
			return nil, ErrInvalidState
		}
		return nil, err
	}

	return s.store.Get(ctx, orderID)
}

// Cancel aborts an order that has not been paid for yet.
func (s *Service) Cancel(ctx context.Context, orderID string, actor Actor) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !actor.MayCancel(order) {
		return nil, ErrUnauthorized
	}
	if order.Status != StatusPending {
		return nil, ErrInvalidState
	}

	order.Status = StatusCancelled
	order.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// Dispute flags a delivered order for manual admin resolution.
// The escrow stays held; no funds move until an admin resolves it.
func (s *Service) Dispute(ctx context.Context, orderID string, actor Actor, reason string) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !actor.MayDispute(order) {
		return nil, ErrUnauthorized
	}
	if order.Status != StatusDelivered {
		return nil, ErrInvalidState
	}

	order.Status = StatusDisputed
	order.DisputeReason = reason
	order.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// ListDueForAutoConfirm returns delivered orders whose confirmation window
// has passed. Used by the auto-confirmation sweep.
func (s *Service) ListDueForAutoConfirm(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListDueForAutoConfirm(ctx, before, limit)
}

// ---------------------------------------------------------------------------
// Transitions driven by the settlement orchestrator. These are
// system-internal: authorization happened at the operation that triggered
// settlement. Each retries once on a version conflict since the only other
// writers are operations guarded by the same escrow serialization.
// ---------------------------------------------------------------------------

// OrderStatus returns the order's current status string. Settlement
// re-checks it under the escrow lock before releasing funds.
func (s *Service) OrderStatus(ctx context.Context, orderID string) (string, error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	return string(order.Status), nil
}

// MarkInProgress moves a pending order to in_progress after escrow creation.
func (s *Service) MarkInProgress(ctx context.Context, orderID string) error {
	return s.transition(ctx, orderID, func(o *Order) error {
		switch o.Status {
		case StatusInProgress:
			return nil // already there, duplicate escrow-creation retry
		case StatusPending:
			o.Status = StatusInProgress
			return nil
		default:
			return ErrInvalidState
		}
	})
}

// MarkCompleted moves an order to completed after funds release.
func (s *Service) MarkCompleted(ctx context.Context, orderID string) error {
	return s.transition(ctx, orderID, func(o *Order) error {
		if o.Status == StatusCompleted {
			return nil
		}
		if o.Status == StatusCancelled {
			return ErrInvalidState
		}
		o.Status = StatusCompleted
		return nil
	})
}

// MarkCancelled moves an order to cancelled after a refund.
func (s *Service) MarkCancelled(ctx context.Context, orderID string) error {
	return s.transition(ctx, orderID, func(o *Order) error {
		if o.Status == StatusCancelled {
			return nil
		}
		if o.Status == StatusCompleted {
			return ErrInvalidState
		}
		o.Status = StatusCancelled
		return nil
	})
}

func (s *Service) transition(ctx context.Context, orderID string, apply func(*Order) error) error {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	for attempt := 0; attempt < 3; attempt++ {
		order, err := s.store.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if err := apply(order); err != nil {
			return err
		}
		order.UpdatedAt = time.Now()
		err = s.store.Update(ctx, order)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrStale) {
			return err
		}
		// Re-read and retry on version conflict.
	}
	return ErrStale
}
