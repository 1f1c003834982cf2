// Package invoices records a billing document for every released order.
package invoices

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/worklane/worklane/internal/idgen"
)

var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrDuplicateOrder  = errors.New("invoice already exists for this order")
)

// Invoice documents one settled order: what the buyer paid, what the
// platform kept, and what the seller earned.
type Invoice struct {
	ID         string    `json:"id"`
	Number     string    `json:"number"` // human-facing, e.g. INV-2026-000042
	OrderID    string    `json:"orderId"`
	BuyerID    string    `json:"buyerId"`
	SellerID   string    `json:"sellerId"`
	Amount     int64     `json:"amount"`
	Commission int64     `json:"commission"`
	Earnings   int64     `json:"earnings"`
	IssuedAt   time.Time `json:"issuedAt"`
}

// Store persists invoices. One invoice per order.
type Store interface {
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	GetByOrder(ctx context.Context, orderID string) (*Invoice, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Invoice, error)
	NextSequence(ctx context.Context) (int64, error)
}

// Service issues and reads invoices. Implements the settlement
// InvoiceIssuer interface.
type Service struct {
	store Store
}

// NewService creates an invoice service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Issue records the invoice for a released order. Issuing twice for the
// same order is an idempotent no-op.
func (s *Service) Issue(ctx context.Context, orderID, buyerID, sellerID string, amount, commission int64) error {
	if _, err := s.store.GetByOrder(ctx, orderID); err == nil {
		return nil
	} else if !errors.Is(err, ErrInvoiceNotFound) {
		return err
	}

	seq, err := s.store.NextSequence(ctx)
	if err != nil {
		return fmt.Errorf("failed to allocate invoice number: %w", err)
	}

	now := time.Now()
	inv := &Invoice{
		ID:         idgen.WithPrefix("inv_"),
		Number:     fmt.Sprintf("INV-%d-%06d", now.Year(), seq),
		OrderID:    orderID,
		BuyerID:    buyerID,
		SellerID:   sellerID,
		Amount:     amount,
		Commission: commission,
		Earnings:   amount - commission,
		IssuedAt:   now,
	}
	if err := s.store.Create(ctx, inv); err != nil {
		if errors.Is(err, ErrDuplicateOrder) {
			return nil
		}
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

// Get returns an invoice by ID.
func (s *Service) Get(ctx context.Context, id string) (*Invoice, error) {
	return s.store.Get(ctx, id)
}

// GetByOrder returns the invoice of an order.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Invoice, error) {
	return s.store.GetByOrder(ctx, orderID)
}

// ListByUser returns invoices where the user is buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	invoices map[string]*Invoice
	byOrder  map[string]string
	seq      int64
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory invoice store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices: make(map[string]*Invoice),
		byOrder:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byOrder[inv.OrderID]; exists {
		return ErrDuplicateOrder
	}
	cp := *inv
	m.invoices[inv.ID] = &cp
	m.byOrder[inv.OrderID] = inv.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *m.invoices[id]
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Invoice
	for _, inv := range m.invoices {
		if inv.BuyerID == userID || inv.SellerID == userID {
			cp := *inv
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) NextSequence(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
