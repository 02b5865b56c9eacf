// Package orglock provides a mutual-exclusion primitive keyed by
// organization id. User/device creation, PKI accept and bootstrap
// serialize on it because their invariants (active-user limit, unique
// non-revoked email, single bootstrap winner) span several rows.
package orglock

import (
	"sync"

	"parsec/backend/internal/apitypes"
)

// Registry hands out one mutex per organization id. Entries are never
// reclaimed; the set of organizations is small and long-lived.
type Registry struct {
	mu    sync.Mutex
	locks map[apitypes.OrganizationID]*sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{locks: make(map[apitypes.OrganizationID]*sync.Mutex)}
}

// Lock acquires the mutex for id and returns its unlock function.
func (r *Registry) Lock(id apitypes.OrganizationID) (unlock func()) {
	r.mu.Lock()
	m, ok := r.locks[id]
	if !ok {
		m = &sync.Mutex{}
		r.locks[id] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}
