// Package catalog is the boundary to the marketplace listing catalog.
//
// The settlement core only needs a service's seller and price to open an
// order; the full catalog (search, ranking, categories) lives elsewhere.
package catalog

import (
	"context"
	"errors"
	"sync"
)

// ErrServiceNotFound is returned when no service exists for an id.
var ErrServiceNotFound = errors.New("service not found")

// Service is the slice of a catalog listing the settlement core depends on.
type Service struct {
	ID       string `json:"id"`
	SellerID string `json:"sellerId"`
	Title    string `json:"title,omitempty"`
	Price    int64  `json:"price"` // minor units
}

// Provider resolves service records.
type Provider interface {
	GetService(ctx context.Context, id string) (*Service, error)
}

// MemoryCatalog is an in-memory Provider for demo/development mode and tests.
type MemoryCatalog struct {
	services map[string]*Service
	mu       sync.RWMutex
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{services: make(map[string]*Service)}
}

// Put adds or replaces a service record.
func (m *MemoryCatalog) Put(svc *Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *svc
	m.services[svc.ID] = &cp
}

func (m *MemoryCatalog) GetService(ctx context.Context, id string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	svc, ok := m.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	cp := *svc
	return &cp, nil
}

// Compile-time assertion that MemoryCatalog implements Provider.
var _ Provider = (*MemoryCatalog)(nil)
