package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
//
// A UNIQUE constraint on order_id enforces one escrow per order, and the
// release/refund transitions are single conditional UPDATEs, so the
// exactly-once guarantee survives concurrent processes sharing the
// database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (id, order_id, buyer_id, seller_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.OrderID, e.BuyerID, e.SellerID, e.Amount, string(e.Status), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("failed to insert escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, order_id, buyer_id, seller_id, amount, commission, earnings,
			status, released_at, refunded_at, created_at, updated_at
		FROM escrows WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, order_id, buyer_id, seller_id, amount, commission, earnings,
			status, released_at, refunded_at, created_at, updated_at
		FROM escrows WHERE order_id = $1
	`, orderID))
}

// MarkReleased flips a held escrow to released. The WHERE clause is the
// exactly-once guard: zero rows affected means the escrow was not held.
func (p *PostgresStore) MarkReleased(ctx context.Context, id string, commission, earnings int64, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status      = 'released',
			commission  = $2,
			earnings    = $3,
			released_at = $4,
			updated_at  = $4
		WHERE id = $1 AND status = 'held'
	`, id, commission, earnings, at)
	if err != nil {
		return fmt.Errorf("failed to mark escrow released: %w", err)
	}
	return p.checkAffected(ctx, res, id)
}

// MarkRefunded flips a held escrow to refunded, guarded the same way.
func (p *PostgresStore) MarkRefunded(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status      = 'refunded',
			refunded_at = $2,
			updated_at  = $2
		WHERE id = $1 AND status = 'held'
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark escrow refunded: %w", err)
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
			`SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrEscrowNotFound
		}
		return ErrInvalidState
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (p *PostgresStore) scanOne(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var status string
	var commission, earnings sql.NullInt64
	var releasedAt, refundedAt sql.NullTime

	err := s.Scan(&e.ID, &e.OrderID, &e.BuyerID, &e.SellerID, &e.Amount,
		&commission, &earnings, &status, &releasedAt, &refundedAt,
		&e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.Commission = commission.Int64
	e.Earnings = earnings.Int64
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		e.RefundedAt = &refundedAt.Time
	}
	return e, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (code 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
