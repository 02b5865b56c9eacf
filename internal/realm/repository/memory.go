package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/realm/domain"
)

type realmRecord struct {
	realm  domain.Realm
	grants []domain.RoleGrant
}

// MemoryRepository is the in-process store used by tests and the
// single-node development server.
type MemoryRepository struct {
	mu   sync.RWMutex
	orgs map[apitypes.OrganizationID]map[uuid.UUID]*realmRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orgs: make(map[apitypes.OrganizationID]map[uuid.UUID]*realmRecord)}
}

func (r *MemoryRepository) Insert(_ context.Context, org apitypes.OrganizationID, realm *domain.Realm, firstGrant *domain.RoleGrant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	realms, ok := r.orgs[org]
	if !ok {
		realms = make(map[uuid.UUID]*realmRecord)
		r.orgs[org] = realms
	}
	if _, ok := realms[realm.RealmID]; ok {
		return domain.ErrAlreadyExists
	}
	realms[realm.RealmID] = &realmRecord{realm: *realm, grants: []domain.RoleGrant{*firstGrant}}
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (*domain.Realm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.orgs[org][realmID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := rec.realm
	return &cp, nil
}

func (r *MemoryRepository) Update(_ context.Context, org apitypes.OrganizationID, realm *domain.Realm) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.orgs[org][realm.RealmID]
	if !ok {
		return domain.ErrNotFound
	}
	rec.realm = *realm
	return nil
}

func (r *MemoryRepository) InsertRoleGrant(_ context.Context, org apitypes.OrganizationID, realmID uuid.UUID, grant *domain.RoleGrant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.orgs[org][realmID]
	if !ok {
		return domain.ErrNotFound
	}
	rec.grants = append(rec.grants, *grant)
	return nil
}

func (r *MemoryRepository) GetRoleGrants(_ context.Context, org apitypes.OrganizationID, realmID uuid.UUID) ([]domain.RoleGrant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.orgs[org][realmID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := make([]domain.RoleGrant, len(rec.grants))
	copy(out, rec.grants)
	return out, nil
}

func (r *MemoryRepository) GetCurrentRoles(_ context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (map[apitypes.UserID]apitypes.RealmRole, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.orgs[org][realmID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return reduceRoles(rec.grants), nil
}

func reduceRoles(grants []domain.RoleGrant) map[apitypes.UserID]apitypes.RealmRole {
	roles := make(map[apitypes.UserID]apitypes.RealmRole)
	for _, g := range grants {
		if g.Role == nil {
			delete(roles, g.UserID)
		} else {
			roles[g.UserID] = *g.Role
		}
	}
	return roles
}

func (r *MemoryRepository) GetRealmsForUser(_ context.Context, org apitypes.OrganizationID, id apitypes.UserID) (map[uuid.UUID]apitypes.RealmRole, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uuid.UUID]apitypes.RealmRole)
	for realmID, rec := range r.orgs[org] {
		if role, ok := reduceRoles(rec.grants)[id]; ok {
			out[realmID] = role
		}
	}
	return out, nil
}

func (r *MemoryRepository) CountRealms(_ context.Context, org apitypes.OrganizationID, at time.Time) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int64
	for _, rec := range r.orgs[org] {
		if !rec.realm.CreatedOn.After(at) {
			n++
		}
	}
	return n, nil
}
