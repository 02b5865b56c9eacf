package repository

import (
	"context"
	"sync"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/organization/domain"
)

// MemoryRepository is the in-memory Repository used by tests and
// single-node development.
type MemoryRepository struct {
	mu   sync.RWMutex
	orgs map[apitypes.OrganizationID]domain.Organization
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orgs: make(map[apitypes.OrganizationID]domain.Organization)}
}

func (r *MemoryRepository) Get(ctx context.Context, id apitypes.OrganizationID) (*domain.Organization, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	org, ok := r.orgs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := org
	return &out, nil
}

func (r *MemoryRepository) Insert(ctx context.Context, org *domain.Organization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orgs[org.ID]; ok {
		return domain.ErrAlreadyExists
	}
	r.orgs[org.ID] = *org
	return nil
}

func (r *MemoryRepository) Update(ctx context.Context, org *domain.Organization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orgs[org.ID]; !ok {
		return domain.ErrNotFound
	}
	r.orgs[org.ID] = *org
	return nil
}
