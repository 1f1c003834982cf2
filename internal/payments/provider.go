package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/worklane/worklane/internal/idgen"
)

// DefaultCurrency for provider intents.
const DefaultCurrency = "usd"

// Intent is a provider-side payment intent.
type Intent struct {
	Ref          string
	ClientSecret string
}

// Provider creates payment intents with an external processor.
type Provider interface {
	Name() string
	CreateIntent(ctx context.Context, amount int64, currency, orderID, txID string) (*Intent, error)
}

// MockProvider is an in-process provider for demo mode and tests. Intents
// always succeed; resolution comes from the webhook or demo endpoints.
type MockProvider struct {
	mu      sync.Mutex
	intents map[string]int64 // ref -> amount
	err     error
}

// NewMockProvider creates a mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{intents: make(map[string]int64)}
}

// SetError makes subsequent CreateIntent calls fail. Test hook.
func (m *MockProvider) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) CreateIntent(ctx context.Context, amount int64, currency, orderID, txID string) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	ref := "mock_" + idgen.Hex(12)
	m.intents[ref] = amount
	return &Intent{Ref: ref, ClientSecret: ref + "_secret"}, nil
}

// StripeProvider creates PaymentIntents via the Stripe API.
type StripeProvider struct {
	api *client.API
}

// NewStripeProvider creates a Stripe-backed provider with the given
// secret key.
func NewStripeProvider(secretKey string) *StripeProvider {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProvider{api: api}
}

func (s *StripeProvider) Name() string { return "stripe" }

func (s *StripeProvider) CreateIntent(ctx context.Context, amount int64, currency, orderID, txID string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
		Metadata: map[string]string{
			"order_id":       orderID,
			"transaction_id": txID,
		},
	}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe payment intent: %w", err)
	}
	return &Intent{Ref: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// Compile-time assertions.
var (
	_ Provider = (*MockProvider)(nil)
	_ Provider = (*StripeProvider)(nil)
)
