package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/worklane/worklane/internal/idgen"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	wallets map[string]*Wallet  // keyed by userID
	entries map[string][]*Entry // keyed by userID, append-only
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		entries: make(map[string][]*Entry),
	}
}

func (m *MemoryStore) GetByUser(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Create(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[w.UserID]; ok {
		return nil // creation race: keep the existing wallet
	}
	cp := *w
	m.wallets[w.UserID] = &cp
	return nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, amount int64, description, orderID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	w, ok := m.wallets[userID]
	if !ok {
		w = &Wallet{
			ID:        idgen.WithPrefix("wal_"),
			UserID:    userID,
			Currency:  DefaultCurrency,
			CreatedAt: now,
		}
		m.wallets[userID] = w
	}

	w.Balance += amount
	w.UpdatedAt = now
	m.entries[userID] = append(m.entries[userID], &Entry{
		ID:          idgen.WithPrefix("wtx_"),
		WalletID:    w.ID,
		Type:        EntryCredit,
		Amount:      amount,
		Description: description,
		OrderID:     orderID,
		CreatedAt:   now,
	})

	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID string, amount int64, description string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	if w.Balance < amount {
		return nil, ErrInsufficientFunds
	}

	now := time.Now()
	w.Balance -= amount
	w.UpdatedAt = now
	m.entries[userID] = append(m.entries[userID], &Entry{
		ID:          idgen.WithPrefix("wtx_"),
		WalletID:    w.ID,
		Type:        EntryDebit,
		Amount:      amount,
		Description: description,
		CreatedAt:   now,
	})

	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Entries(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.entries[userID]
	// Most recent first.
	var result []*Entry
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *all[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) EntrySums(ctx context.Context, userID string) (credits, debits int64, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries[userID] {
		switch e.Type {
		case EntryCredit:
			credits += e.Amount
		case EntryDebit:
			debits += e.Amount
		}
	}
	return credits, debits, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
