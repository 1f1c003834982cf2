package payments

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with in-memory storage.
type MemoryStore struct {
	txs   map[string]*Transaction
	byRef map[string]string // providerRef -> txID
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:   make(map[string]*Transaction),
		byRef: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyTx(tx)
	m.txs[tx.ID] = cp
	if tx.ProviderRef != "" {
		m.byRef[tx.ProviderRef] = tx.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTx(tx), nil
}

func (m *MemoryStore) GetByProviderRef(ctx context.Context, ref string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[ref]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTx(m.txs[id]), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.UserID == userID {
			result = append(result, copyTx(tx))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Complete(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status != TxPending {
		return ErrInvalidState
	}

	tx.Status = TxCompleted
	tx.CompletedAt = &at
	tx.UpdatedAt = at
	return nil
}

func (m *MemoryStore) Fail(ctx context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status != TxPending {
		return ErrInvalidState
	}

	tx.Status = TxFailed
	tx.FailureReason = reason
	tx.UpdatedAt = at
	return nil
}

func copyTx(tx *Transaction) *Transaction {
	cp := *tx
	if tx.CompletedAt != nil {
		t := *tx.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
