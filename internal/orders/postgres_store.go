package orders

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/worklane/worklane/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL.
//
// Updates match on the version column, so lost updates surface as ErrStale
// instead of silently overwriting a concurrent writer.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (id, buyer_id, seller_id, service_id, amount, status,
			delivered_at, auto_confirm_at, delivered_files, dispute_reason,
			created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, o.ID, o.BuyerID, o.SellerID, o.ServiceID, o.Amount, string(o.Status),
		nullTime(o.DeliveredAt), nullTime(o.AutoConfirmAt), pq.Array(o.DeliveredFiles),
		nullString(o.DisputeReason), o.CreatedAt, o.UpdatedAt, o.Version)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, seller_id, service_id, amount, status,
			delivered_at, auto_confirm_at, delivered_files, dispute_reason,
			created_at, updated_at, version
		FROM orders WHERE id = $1
	`, id)
	return scanOrder(row)
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status          = $3,
			delivered_at    = $4,
			auto_confirm_at = $5,
			delivered_files = $6,
			dispute_reason  = $7,
			updated_at      = $8,
			version         = version + 1
		WHERE id = $1 AND version = $2
	`, o.ID, o.Version, string(o.Status), nullTime(o.DeliveredAt), nullTime(o.AutoConfirmAt),
		pq.Array(o.DeliveredFiles), nullString(o.DisputeReason), o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing from stale.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrStale
	}
	o.Version++
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Order, error) {
	query := `
		SELECT id, buyer_id, seller_id, service_id, amount, status,
			delivered_at, auto_confirm_at, delivered_files, dispute_reason,
			created_at, updated_at, version
		FROM orders
		WHERE (buyer_id = $1 OR seller_id = $1)`
	args := []interface{}{userID}
	if cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(`
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

func (p *PostgresStore) ListDueForAutoConfirm(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, buyer_id, seller_id, service_id, amount, status,
			delivered_at, auto_confirm_at, delivered_files, dispute_reason,
			created_at, updated_at, version
		FROM orders
		WHERE status = 'delivered' AND auto_confirm_at <= $1
		ORDER BY auto_confirm_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var status string
	var deliveredAt, autoConfirmAt sql.NullTime
	var disputeReason sql.NullString
	var files pq.StringArray

	err := s.Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.ServiceID, &o.Amount, &status,
		&deliveredAt, &autoConfirmAt, &files, &disputeReason,
		&o.CreatedAt, &o.UpdatedAt, &o.Version)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	if deliveredAt.Valid {
		o.DeliveredAt = &deliveredAt.Time
	}
	if autoConfirmAt.Valid {
		o.AutoConfirmAt = &autoConfirmAt.Time
	}
	if disputeReason.Valid {
		o.DisputeReason = disputeReason.String
	}
	if len(files) > 0 {
		o.DeliveredFiles = []string(files)
	}
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
