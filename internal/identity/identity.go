// Package identity is the boundary to the user/profile subsystem.
//
// The settlement core only asks whether a user exists; account data,
// profiles, and authentication live elsewhere.
package identity

import (
	"context"
	"sync"
)

// Provider answers existence checks for user ids.
type Provider interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// AllowAll accepts every user id. Used in demo mode where the identity
// service is not wired up.
type AllowAll struct{}

func (AllowAll) Exists(ctx context.Context, userID string) (bool, error) {
	return userID != "", nil
}

// MemoryDirectory is an in-memory Provider for tests.
type MemoryDirectory struct {
	users map[string]bool
	mu    sync.RWMutex
}

// NewMemoryDirectory creates a directory containing the given user ids.
func NewMemoryDirectory(userIDs ...string) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]bool)}
	for _, id := range userIDs {
		d.users[id] = true
	}
	return d
}

// Add registers a user id.
func (d *MemoryDirectory) Add(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[userID] = true
}

func (d *MemoryDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.users[userID], nil
}

// Compile-time assertions.
var (
	_ Provider = AllowAll{}
	_ Provider = (*MemoryDirectory)(nil)
)
