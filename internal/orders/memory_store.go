package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/worklane/worklane/internal/pagination"
)

// MemoryStore implements Store with in-memory storage. Used in demo mode
// and tests.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyOrder(o)
	m.orders[o.ID] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

// Update is a compare-and-set on (ID, Version). The caller's copy gets the
// bumped version on success.
func (m *MemoryStore) Update(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if cur.Version != o.Version {
		return ErrStale
	}

	cp := copyOrder(o)
	cp.Version++
	m.orders[o.ID] = cp
	o.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.BuyerID != userID && o.SellerID != userID {
			continue
		}
		if cursor != nil && !before(o, cursor) {
			continue
		}
		result = append(result, copyOrder(o))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// before reports whether o sorts strictly after the cursor position in the
// (created_at DESC, id DESC) ordering.
func before(o *Order, c *pagination.Cursor) bool {
	if o.CreatedAt.Equal(c.CreatedAt) {
		return o.ID < c.ID
	}
	return o.CreatedAt.Before(c.CreatedAt)
}

func (m *MemoryStore) ListDueForAutoConfirm(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Status == StatusDelivered && o.AutoConfirmAt != nil && !o.AutoConfirmAt.After(before) {
			result = append(result, copyOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AutoConfirmAt.Before(*result[j].AutoConfirmAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func copyOrder(o *Order) *Order {
	cp := *o
	if o.DeliveredAt != nil {
		t := *o.DeliveredAt
		cp.DeliveredAt = &t
	}
	if o.AutoConfirmAt != nil {
		t := *o.AutoConfirmAt
		cp.AutoConfirmAt = &t
	}
	if o.DeliveredFiles != nil {
		cp.DeliveredFiles = append([]string(nil), o.DeliveredFiles...)
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
