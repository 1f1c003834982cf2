package settlement

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with in-memory storage.
type MemoryStore struct {
	escrows map[string]*Escrow
	byOrder map[string]string // orderID -> escrowID
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		byOrder: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byOrder[e.OrderID]; exists {
		return ErrDuplicateOrder
	}

	cp := copyEscrow(e)
	m.escrows[e.ID] = cp
	m.byOrder[e.OrderID] = e.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(m.escrows[id]), nil
}

func (m *MemoryStore) MarkReleased(ctx context.Context, id string, commission, earnings int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.Status != StatusHeld {
		return ErrInvalidState
	}

	e.Status = StatusReleased
	e.Commission = commission
	e.Earnings = earnings
	e.ReleasedAt = &at
	e.UpdatedAt = at
	return nil
}

func (m *MemoryStore) MarkRefunded(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	if e.Status != StatusHeld {
		return ErrInvalidState
	}

	e.Status = StatusRefunded
	e.RefundedAt = &at
	e.UpdatedAt = at
	return nil
}

func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.ReleasedAt != nil {
		t := *e.ReleasedAt
		cp.ReleasedAt = &t
	}
	if e.RefundedAt != nil {
		t := *e.RefundedAt
		cp.RefundedAt = &t
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
