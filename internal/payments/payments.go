// Package payments records money movement against external payment
// providers and hands completed order payments over to escrow.
//
// A transaction is the durable log entry for one attempted movement. It
// starts pending, and a provider webhook (or the demo completion endpoint)
// resolves it to completed or failed exactly once. Webhook deliveries are
// at-least-once, so every resolution path tolerates duplicates.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/worklane/worklane/internal/circuitbreaker"
	"github.com/worklane/worklane/internal/idgen"
	"github.com/worklane/worklane/internal/metrics"
	"github.com/worklane/worklane/internal/money"
	"github.com/worklane/worklane/internal/syncutil"
	"github.com/worklane/worklane/internal/traces"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidState        = errors.New("invalid transaction status for this operation")
	ErrOrderNotPayable     = errors.New("order is not awaiting payment")
	ErrProviderUnavailable = errors.New("payment provider temporarily unavailable")
)

// Type classifies a transaction.
type Type string

const (
	TypePayment    Type = "payment"    // Buyer pays for an order
	TypeRefund     Type = "refund"     // Provider-side refund
	TypeWithdrawal Type = "withdrawal" // Seller withdraws wallet balance
	TypeDeposit    Type = "deposit"    // Wallet top-up
)

// TxStatus represents the state of a transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

// Transaction is one entry in the payment log.
type Transaction struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"orderId,omitempty"`
	UserID        string     `json:"userId"`
	Type          Type       `json:"type"`
	Status        TxStatus   `json:"status"`
	Amount        int64      `json:"amount"`
	Provider      string     `json:"provider"`
	ProviderRef   string     `json:"providerRef,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Store persists transactions. Complete and Fail are conditional
// transitions out of pending; ErrInvalidState means the transaction was
// already resolved.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByProviderRef(ctx context.Context, ref string) (*Transaction, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	Complete(ctx context.Context, id string, at time.Time) error
	Fail(ctx context.Context, id, reason string, at time.Time) error
}

// OrderInfo is the slice of an order the payment flow needs.
type OrderInfo struct {
	ID       string
	BuyerID  string
	SellerID string
	Amount   int64
	Pending  bool
}

// OrderReader resolves orders. Implemented by the orders service via an
// adapter in the server wiring.
type OrderReader interface {
	ReadOrder(ctx context.Context, orderID string) (*OrderInfo, error)
}

// EscrowCreator captures completed payments into escrow. Implemented by
// the settlement service. Must be idempotent per order.
type EscrowCreator interface {
	CreateEscrow(ctx context.Context, orderID, buyerID, sellerID string, amount int64) error
}

// Service implements payment business logic.
type Service struct {
	store           Store
	orders          OrderReader
	escrow          EscrowCreator
	provider        Provider
	providerTimeout time.Duration
	breaker         *circuitbreaker.Breaker
	locks           syncutil.ShardedMutex // per-transaction ID locks
	logger          *slog.Logger
}

// NewService creates a payment service backed by the given provider.
func NewService(store Store, orders OrderReader, escrow EscrowCreator, provider Provider, providerTimeout time.Duration, logger *slog.Logger) *Service {
	if providerTimeout <= 0 {
		providerTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:           store,
		orders:          orders,
		escrow:          escrow,
		provider:        provider,
		providerTimeout: providerTimeout,
		breaker:         circuitbreaker.New(5, 30*time.Second),
		logger:          logger,
	}
}

// InitiateResult is what a buyer needs to complete payment client-side.
type InitiateResult struct {
	Transaction  *Transaction `json:"transaction"`
	ClientSecret string       `json:"clientSecret,omitempty"`
}

// Initiate opens a pending payment transaction for an order and creates
// the provider-side intent. The amount always comes from the order record,
// never from the client.
func (s *Service) Initiate(ctx context.Context, orderID string) (*InitiateResult, error) {
	ctx, span := traces.StartSpan(ctx, "payments.Initiate", traces.OrderID(orderID))
	defer span.End()

	order, err := s.orders.ReadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Pending {
		return nil, ErrOrderNotPayable
	}

	now := time.Now()
	tx := &Transaction{
		ID:        idgen.WithPrefix("txn_"),
		OrderID:   order.ID,
		UserID:    order.BuyerID,
		Type:      TypePayment,
		Status:    TxPending,
		Amount:    order.Amount,
		Provider:  s.provider.Name(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if !s.breaker.Allow(tx.Provider) {
		metrics.PaymentsTotal.WithLabelValues("provider_unavailable").Inc()
		return nil, ErrProviderUnavailable
	}

	pctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()
	intent, err := s.provider.CreateIntent(pctx, tx.Amount, DefaultCurrency, order.ID, tx.ID)
	if err != nil {
		s.breaker.RecordFailure(tx.Provider)
		metrics.PaymentsTotal.WithLabelValues("provider_error").Inc()
		return nil, fmt.Errorf("provider intent creation failed: %w", err)
	}
	s.breaker.RecordSuccess(tx.Provider)
	tx.ProviderRef = intent.Ref

	if err := s.store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	metrics.PaymentsTotal.WithLabelValues("initiated").Inc()
	s.logger.Info("payment initiated",
		"transaction_id", tx.ID, "order_id", order.ID,
		"amount", money.Format(tx.Amount), "provider", tx.Provider)
	return &InitiateResult{Transaction: tx, ClientSecret: intent.ClientSecret}, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns a user's transactions, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// Complete resolves a pending transaction as successful and, for order
// payments, captures the funds into escrow. Completing an already
// completed transaction is an idempotent no-op (but still repairs a
// missing escrow), so duplicate webhooks are harmless.
func (s *Service) Complete(ctx context.Context, txID string) (*Transaction, error) {
	unlock := s.locks.Lock(txID)
	defer unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}

	switch tx.Status {
	case TxCompleted:
		// Duplicate resolution. Escrow creation is idempotent, so retry it
		// in case the first attempt crashed between the two writes.
		if err := s.ensureEscrow(ctx, tx); err != nil {
			return nil, err
		}
		return tx, nil
	case TxFailed:
		return nil, ErrInvalidState
	}

	now := time.Now()
	if err := s.store.Complete(ctx, txID, now); err != nil {
		return nil, err
	}
	tx.Status = TxCompleted
	tx.CompletedAt = &now
	tx.UpdatedAt = now

	if err := s.ensureEscrow(ctx, tx); err != nil {
		// Transaction is durable; the provider will redeliver the webhook
		// and the duplicate path above retries escrow creation.
		return nil, err
	}

	metrics.PaymentsTotal.WithLabelValues("completed").Inc()
	s.logger.Info("payment completed",
		"transaction_id", tx.ID, "order_id", tx.OrderID, "amount", money.Format(tx.Amount))
	return tx, nil
}

// Fail resolves a pending transaction as failed. Failing an already
// failed transaction is an idempotent no-op.
func (s *Service) Fail(ctx context.Context, txID, reason string) (*Transaction, error) {
	unlock := s.locks.Lock(txID)
	defer unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}

	switch tx.Status {
	case TxFailed:
		return tx, nil
	case TxCompleted:
		return nil, ErrInvalidState
	}

	now := time.Now()
	if err := s.store.Fail(ctx, txID, reason, now); err != nil {
		return nil, err
	}
	tx.Status = TxFailed
	tx.FailureReason = reason
	tx.UpdatedAt = now

	metrics.PaymentsTotal.WithLabelValues("failed").Inc()
	s.logger.Info("payment failed",
		"transaction_id", tx.ID, "order_id", tx.OrderID, "reason", reason)
	return tx, nil
}

// WebhookEvent is a provider notification about a transaction.
type WebhookEvent struct {
	Type          string `json:"type" binding:"required"`
	TransactionID string `json:"transactionId"`
	ProviderRef   string `json:"providerRef"`
	Reason        string `json:"reason"`
}

// HandleWebhook applies a provider event. Unknown references and unknown
// event types are acknowledged without effect so the provider stops
// retrying them.
func (s *Service) HandleWebhook(ctx context.Context, ev WebhookEvent) error {
	txID := ev.TransactionID
	if txID == "" && ev.ProviderRef != "" {
		tx, err := s.store.GetByProviderRef(ctx, ev.ProviderRef)
		if err != nil {
			if errors.Is(err, ErrTransactionNotFound) {
				metrics.WebhookEventsTotal.WithLabelValues("unknown").Inc()
				s.logger.Warn("webhook for unknown provider ref", "provider_ref", ev.ProviderRef)
				return nil
			}
			return err
		}
		txID = tx.ID
	}
	if txID == "" {
		metrics.WebhookEventsTotal.WithLabelValues("unknown").Inc()
		return nil
	}

	switch ev.Type {
	case "payment.succeeded":
		tx, err := s.store.Get(ctx, txID)
		if err != nil {
			if errors.Is(err, ErrTransactionNotFound) {
				metrics.WebhookEventsTotal.WithLabelValues("unknown").Inc()
				return nil
			}
			return err
		}
		dup := tx.Status == TxCompleted
		if _, err := s.Complete(ctx, txID); err != nil {
			// The transaction already resolved the other way. Redelivery
			// can't change a terminal status, so ack instead of making
			// the provider retry forever.
			if errors.Is(err, ErrInvalidState) {
				metrics.WebhookEventsTotal.WithLabelValues("conflict").Inc()
				s.logger.Warn("webhook conflicts with terminal transaction",
					"transaction_id", txID, "type", ev.Type, "status", tx.Status)
				return nil
			}
			return err
		}
		if dup {
			metrics.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
		} else {
			metrics.WebhookEventsTotal.WithLabelValues("applied").Inc()
		}
		return nil
	case "payment.failed":
		if _, err := s.Fail(ctx, txID, ev.Reason); err != nil {
			if errors.Is(err, ErrTransactionNotFound) {
				metrics.WebhookEventsTotal.WithLabelValues("unknown").Inc()
				return nil
			}
			if errors.Is(err, ErrInvalidState) {
				metrics.WebhookEventsTotal.WithLabelValues("conflict").Inc()
				s.logger.Warn("webhook conflicts with terminal transaction",
					"transaction_id", txID, "type", ev.Type)
				return nil
			}
			return err
		}
		metrics.WebhookEventsTotal.WithLabelValues("applied").Inc()
		return nil
	default:
		metrics.WebhookEventsTotal.WithLabelValues("unknown").Inc()
		s.logger.Debug("ignoring webhook event type", "type", ev.Type)
		return nil
	}
}

func (s *Service) ensureEscrow(ctx context.Context, tx *Transaction) error {
	if tx.Type != TypePayment || tx.OrderID == "" {
		return nil
	}
	order, err := s.orders.ReadOrder(ctx, tx.OrderID)
	if err != nil {
		return fmt.Errorf("failed to read order for escrow: %w", err)
	}
	if err := s.escrow.CreateEscrow(ctx, order.ID, order.BuyerID, order.SellerID, tx.Amount); err != nil {
		return fmt.Errorf("failed to create escrow: %w", err)
	}
	return nil
}
