// Package wallet tracks per-user balances on the platform.
//
// Every balance change appends a ledger entry, so at any point
// balance == sum(credits) - sum(debits). Entries are never mutated
// or deleted.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/worklane/worklane/internal/idgen"
	"github.com/worklane/worklane/internal/metrics"
)

var (
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// DefaultCurrency is used for lazily created wallets.
const DefaultCurrency = "USD"

// EntryType distinguishes the two sides of the ledger.
type EntryType string

const (
	EntryCredit EntryType = "credit"
	EntryDebit  EntryType = "debit"
)

// Wallet holds a user's current balance in minor units.
type Wallet struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Balance   int64     `json:"balance"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is one append-only ledger row.
type Entry struct {
	ID          string    `json:"id"`
	WalletID    string    `json:"walletId"`
	Type        EntryType `json:"type"`
	Amount      int64     `json:"amount"`
	Description string    `json:"description,omitempty"`
	OrderID     string    `json:"orderId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists wallets and ledger entries.
//
// Credit and Debit are atomic: the balance change and the entry row are
// recorded together or not at all. Credit creates the wallet if absent.
type Store interface {
	GetByUser(ctx context.Context, userID string) (*Wallet, error)
	Create(ctx context.Context, w *Wallet) error
	Credit(ctx context.Context, userID string, amount int64, description, orderID string) (*Wallet, error)
	Debit(ctx context.Context, userID string, amount int64, description string) (*Wallet, error)
	Entries(ctx context.Context, userID string, limit int) ([]*Entry, error)
	EntrySums(ctx context.Context, userID string) (credits, debits int64, err error)
}

// Service implements wallet business logic.
type Service struct {
	store Store
}

// New creates a new wallet service.
func New(store Store) *Service {
	return &Service{store: store}
}

// Credit adds funds to a user's wallet, creating the wallet if needed.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, description, orderID string) (*Wallet, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	w, err := s.store.Credit(ctx, userID, amount, description, orderID)
	if err != nil {
		return nil, err
	}
	metrics.WalletCreditsTotal.Inc()
	return w, nil
}

// Debit removes funds from a user's wallet.
// Fails with ErrInsufficientFunds if the balance would go negative.
func (s *Service) Debit(ctx context.Context, userID string, amount int64, description string) (*Wallet, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	w, err := s.store.Debit(ctx, userID, amount, description)
	if err != nil {
		return nil, err
	}
	metrics.WalletDebitsTotal.Inc()
	return w, nil
}

// Balance returns a user's wallet, lazily creating an empty one.
func (s *Service) Balance(ctx context.Context, userID string) (*Wallet, error) {
	w, err := s.store.GetByUser(ctx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	now := time.Now()
	w = &Wallet{
		ID:        idgen.WithPrefix("wal_"),
		UserID:    userID,
		Balance:   0,
		Currency:  DefaultCurrency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, w); err != nil {
		// Lost a creation race; the existing wallet wins.
		if existing, getErr := s.store.GetByUser(ctx, userID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return w, nil
}

// History returns the most recent ledger entries for a user.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.Entries(ctx, userID, limit)
}

// Reconcile verifies the reconciliation invariant for one wallet:
// balance == sum(credits) - sum(debits).
func (s *Service) Reconcile(ctx context.Context, userID string) (ok bool, balance, ledgerSum int64, err error) {
	w, err := s.store.GetByUser(ctx, userID)
	if err != nil {
		return false, 0, 0, err
	}
	credits, debits, err := s.store.EntrySums(ctx, userID)
	if err != nil {
		return false, 0, 0, err
	}
	ledgerSum = credits - debits
	return w.Balance == ledgerSum, w.Balance, ledgerSum, nil
}
