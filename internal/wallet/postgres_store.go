package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/worklane/worklane/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
//
// The wallets table carries a CHECK (balance >= 0) constraint, so overdraft
// is rejected at the database level even if two debits race.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetByUser(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, balance, currency, created_at, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.ID, &w.UserID, &w.Balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) Create(ctx context.Context, w *Wallet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, balance, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO NOTHING
	`, w.ID, w.UserID, w.Balance, w.Currency, w.CreatedAt, w.UpdatedAt)
	return err
}

// Credit upserts the wallet row and appends the ledger entry in one
// transaction.
func (p *PostgresStore) Credit(ctx context.Context, userID string, amount int64, description, orderID string) (*Wallet, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	w := &Wallet{}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO wallets (id, user_id, balance, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			balance    = wallets.balance + $3,
			updated_at = NOW()
		RETURNING id, user_id, balance, currency, created_at, updated_at
	`, idgen.WithPrefix("wal_"), userID, amount, DefaultCurrency).Scan(
		&w.ID, &w.UserID, &w.Balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, wallet_id, type, amount, description, order_id, created_at)
		VALUES ($1, $2, 'credit', $3, $4, $5, NOW())
	`, idgen.WithPrefix("wtx_"), w.ID, amount, description, nullString(orderID))
	if err != nil {
		return nil, fmt.Errorf("failed to record entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w, nil
}

// Debit decrements the balance and appends the ledger entry in one
// transaction. The CHECK constraint maps to ErrInsufficientFunds.
func (p *PostgresStore) Debit(ctx context.Context, userID string, amount int64, description string) (*Wallet, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	w := &Wallet{}
	err = tx.QueryRowContext(ctx, `
		UPDATE wallets SET
			balance    = balance - $2,
			updated_at = NOW()
		WHERE user_id = $1
		RETURNING id, user_id, balance, currency, created_at, updated_at
	`, userID, amount).Scan(&w.ID, &w.UserID, &w.Balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		if isCheckViolation(err) {
			return nil, ErrInsufficientFunds
		}
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, wallet_id, type, amount, description, created_at)
		VALUES ($1, $2, 'debit', $3, $4, NOW())
	`, idgen.WithPrefix("wtx_"), w.ID, amount, description)
	if err != nil {
		return nil, fmt.Errorf("failed to record entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) Entries(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT e.id, e.wallet_id, e.type, e.amount, COALESCE(e.description, ''), COALESCE(e.order_id, ''), e.created_at
		FROM wallet_entries e
		JOIN wallets w ON w.id = e.wallet_id
		WHERE w.user_id = $1
		ORDER BY e.created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var typ string
		if err := rows.Scan(&e.ID, &e.WalletID, &typ, &e.Amount, &e.Description, &e.OrderID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) EntrySums(ctx context.Context, userID string) (credits, debits int64, err error) {
	err = p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(e.amount) FILTER (WHERE e.type = 'credit'), 0),
			COALESCE(SUM(e.amount) FILTER (WHERE e.type = 'debit'), 0)
		FROM wallet_entries e
		JOIN wallets w ON w.id = e.wallet_id
		WHERE w.user_id = $1
	`, userID).Scan(&credits, &debits)
	return credits, debits, err
}

// isCheckViolation reports whether err is a Postgres CHECK constraint
// violation (code 23514).
func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
