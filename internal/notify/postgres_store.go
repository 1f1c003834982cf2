package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notify_subscriptions (id, user_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.UserID, sub.URL, sub.Secret, pq.Array(eventStrings(sub.Events)), sub.Active, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	return scanSub(p.db.QueryRowContext(ctx, selectSub+` WHERE id = $1`, id))
}

func (p *PostgresStore) GetByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, selectSub+` WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSubs(rows)
}

func (p *PostgresStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, selectSub+` WHERE $1 = ANY(events)`, string(eventType))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSubs(rows)
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE notify_subscriptions SET
			url          = $2,
			events       = $3,
			active       = $4,
			last_success = $5,
			last_error   = $6
		WHERE id = $1
	`, sub.ID, sub.URL, pq.Array(eventStrings(sub.Events)), sub.Active,
		nullTime(sub.LastSuccess), nullString(sub.LastError))
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM notify_subscriptions WHERE id = $1`, id)
	return err
}

const selectSub = `
	SELECT id, user_id, url, secret, events, active, last_success, last_error, created_at
	FROM notify_subscriptions`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSub(s scanner) (*Subscription, error) {
	sub := &Subscription{}
	var events pq.StringArray
	var lastSuccess sql.NullTime
	var lastError sql.NullString

	err := s.Scan(&sub.ID, &sub.UserID, &sub.URL, &sub.Secret, &events,
		&sub.Active, &lastSuccess, &lastError, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}

	for _, e := range events {
		sub.Events = append(sub.Events, EventType(e))
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String
	return sub, nil
}

func scanSubs(rows *sql.Rows) ([]*Subscription, error) {
	var result []*Subscription
	for rows.Next() {
		sub, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, rows.Err()
}

func eventStrings(events []EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
