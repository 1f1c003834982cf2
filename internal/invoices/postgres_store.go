package invoices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. Invoice numbers come
// from a sequence so they stay gapless-enough and monotonic across
// processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed invoice store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, inv *Invoice) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO invoices (id, number, order_id, buyer_id, seller_id,
			amount, commission, earnings, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, inv.ID, inv.Number, inv.OrderID, inv.BuyerID, inv.SellerID,
		inv.Amount, inv.Commission, inv.Earnings, inv.IssuedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Invoice, error) {
	return scanInvoice(p.db.QueryRowContext(ctx, selectInvoice+` WHERE id = $1`, id))
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Invoice, error) {
	return scanInvoice(p.db.QueryRowContext(ctx, selectInvoice+` WHERE order_id = $1`, orderID))
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, selectInvoice+`
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY issued_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

func (p *PostgresStore) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := p.db.QueryRowContext(ctx, `SELECT nextval('invoice_number_seq')`).Scan(&seq)
	return seq, err
}

const selectInvoice = `
	SELECT id, number, order_id, buyer_id, seller_id, amount, commission, earnings, issued_at
	FROM invoices`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(s scanner) (*Invoice, error) {
	inv := &Invoice{}
	err := s.Scan(&inv.ID, &inv.Number, &inv.OrderID, &inv.BuyerID, &inv.SellerID,
		&inv.Amount, &inv.Commission, &inv.Earnings, &inv.IssuedAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
