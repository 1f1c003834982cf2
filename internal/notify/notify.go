// Package notify delivers settlement lifecycle events to subscriber
// webhooks.
//
// Users register URLs to hear about order, payment, and escrow events.
// Delivery is fire-and-forget over HTTP with HMAC-signed payloads; a
// failing endpoint never slows settlement down.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/worklane/worklane/internal/idgen"
	"github.com/worklane/worklane/internal/metrics"
	"github.com/worklane/worklane/internal/retry"
)

// ErrSubscriptionNotFound is returned when no subscription exists for an id.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// EventType identifies what happened.
type EventType string

const (
	EventEscrowHeld      EventType = "escrow.held"
	EventEscrowReleased  EventType = "escrow.released"
	EventEscrowRefunded  EventType = "escrow.refunded"
	EventOrderDelivered  EventType = "order.delivered"
	EventOrderCompleted  EventType = "order.completed"
	EventOrderCancelled  EventType = "order.cancelled"
	EventOrderDisputed   EventType = "order.disputed"
	EventPaymentComplete EventType = "payment.completed"
	EventPaymentFailed   EventType = "payment.failed"
)

// Event is one delivery payload.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	OrderID   string    `json:"orderId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Subscription is a registered webhook endpoint.
type Subscription struct {
	ID          string      `json:"id"`
	UserID      string      `json:"userId"`
	URL         string      `json:"url"`
	Secret      string      `json:"-"` // HMAC signing key
	Events      []EventType `json:"events"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastSuccess *time.Time  `json:"lastSuccess,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
}

func (s *Subscription) wants(t EventType) bool {
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher fans events out to subscribers.
type Dispatcher struct {
	store       Store
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	retryDelay  time.Duration
}

// NewDispatcher creates a dispatcher with a 10s delivery timeout and up to
// three delivery attempts per endpoint.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:       store,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		maxAttempts: 3,
		retryDelay:  time.Second,
	}
}

// WithRetry overrides the delivery retry policy.
func (d *Dispatcher) WithRetry(attempts int, delay time.Duration) *Dispatcher {
	d.maxAttempts = attempts
	d.retryDelay = delay
	return d
}

// Publish builds an event and delivers it to every active subscriber of
// the type. Implements the settlement Notifier interface; never returns
// an error and never blocks on delivery.
func (d *Dispatcher) Publish(ctx context.Context, eventType, orderID string, payload any) {
	if d == nil {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      EventType(eventType),
		OrderID:   orderID,
		Timestamp: time.Now(),
		Data:      payload,
	}
	if err := d.Dispatch(ctx, event); err != nil {
		d.logger.Warn("event dispatch failed", "event", eventType, "order_id", orderID, "error", err)
	}
}

// Dispatch sends an event to all matching active subscriptions.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		// Deliveries run detached from the caller's request lifetime.
		go d.send(context.WithoutCancel(ctx), sub, event)
	}
	return nil
}

// DispatchToUser sends an event only to a specific user's subscriptions.
func (d *Dispatcher) DispatchToUser(ctx context.Context, userID string, event *Event) error {
	subs, err := d.store.GetByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if sub.Active && sub.wants(event.Type) {
			go d.send(context.WithoutCancel(ctx), sub, event)
		}
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	// Transport failures and 5xx retry with backoff; other 4xx means the
	// endpoint rejected the event and retrying won't change its mind.
	var rejected bool
	err = retry.Do(ctx, d.maxAttempts, d.retryDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Worklane-Event", string(event.Type))
		req.Header.Set("X-Worklane-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
		if sub.Secret != "" {
			req.Header.Set("X-Worklane-Signature", sign(payload, sub.Secret))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			rejected = false
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			rejected = true
			return fmt.Errorf("status %d", resp.StatusCode)
		default:
			rejected = true
			return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}
	})
	if err == nil {
		metrics.NotifyDeliveriesTotal.WithLabelValues("delivered").Inc()
		d.updateSuccess(ctx, sub)
		return
	}

	if rejected {
		metrics.NotifyDeliveriesTotal.WithLabelValues("rejected").Inc()
	} else {
		metrics.NotifyDeliveriesTotal.WithLabelValues("error").Inc()
	}
	d.updateError(ctx, sub, err.Error())
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record delivery success", "subscription_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record delivery error", "subscription_id", sub.ID, "error", err)
	}
}

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) GetByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.wants(eventType) {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
