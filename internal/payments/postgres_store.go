package payments

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL. Status transitions are
// conditional UPDATEs out of pending, so concurrent webhook deliveries
// resolve a transaction at most once.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (id, order_id, user_id, type, status, amount,
			provider, provider_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tx.ID, nullString(tx.OrderID), tx.UserID, string(tx.Type), string(tx.Status),
		tx.Amount, tx.Provider, nullString(tx.ProviderRef), tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	return scanTx(p.db.QueryRowContext(ctx, selectTx+` WHERE id = $1`, id))
}

func (p *PostgresStore) GetByProviderRef(ctx context.Context, ref string) (*Transaction, error) {
	return scanTx(p.db.QueryRowContext(ctx, selectTx+` WHERE provider_ref = $1`, ref))
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, selectTx+`
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Complete(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			status       = 'completed',
			completed_at = $2,
			updated_at   = $2
		WHERE id = $1 AND status = 'pending'
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to complete transaction: %w", err)
	}
	return p.checkAffected(ctx, res, id)
}

func (p *PostgresStore) Fail(ctx context.Context, id, reason string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			status         = 'failed',
			failure_reason = $2,
			updated_at     = $3
		WHERE id = $1 AND status = 'pending'
	`, id, reason, at)
	if err != nil {
		return fmt.Errorf("failed to fail transaction: %w", err)
	}
	return p.checkAffected(ctx, res, id)
}

func (p *PostgresStore) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return ErrInvalidState
	}
	return nil
}

const selectTx = `
	SELECT id, order_id, user_id, type, status, amount, provider,
		provider_ref, failure_reason, completed_at, created_at, updated_at
	FROM transactions`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTx(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var typ, status string
	var orderID, providerRef, failureReason sql.NullString
	var completedAt sql.NullTime

	err := s.Scan(&tx.ID, &orderID, &tx.UserID, &typ, &status, &tx.Amount,
		&tx.Provider, &providerRef, &failureReason, &completedAt,
		&tx.CreatedAt, &tx.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}

	tx.Type = Type(typ)
	tx.Status = TxStatus(status)
	tx.OrderID = orderID.String
	tx.ProviderRef = providerRef.String
	tx.FailureReason = failureReason.String
	if completedAt.Valid {
		tx.CompletedAt = &completedAt.Time
	}
	return tx, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
