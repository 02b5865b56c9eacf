package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/sequester/domain"
)

type vlobCopy struct {
	realmID uuid.UUID
	vlobID  uuid.UUID
	version int64
	blob    []byte
}

type orgServices struct {
	services map[uuid.UUID]*domain.Service
	order    []uuid.UUID
	copies   map[uuid.UUID][]vlobCopy // service id -> stored copies
}

// MemoryRepository is the in-process store used by tests and the
// single-node development server.
type MemoryRepository struct {
	mu   sync.RWMutex
	orgs map[apitypes.OrganizationID]*orgServices
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orgs: make(map[apitypes.OrganizationID]*orgServices)}
}

func (r *MemoryRepository) org(id apitypes.OrganizationID) *orgServices {
	o, ok := r.orgs[id]
	if !ok {
		o = &orgServices{services: make(map[uuid.UUID]*domain.Service), copies: make(map[uuid.UUID][]vlobCopy)}
		r.orgs[id] = o
	}
	return o
}

var emptyOrg = &orgServices{}

func (r *MemoryRepository) orgRead(id apitypes.OrganizationID) *orgServices {
	if o, ok := r.orgs[id]; ok {
		return o
	}
	return emptyOrg
}

func (r *MemoryRepository) InsertService(_ context.Context, org apitypes.OrganizationID, svc *domain.Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.org(org)
	if _, ok := o.services[svc.ServiceID]; ok {
		return domain.ErrAlreadyExists
	}
	cp := *svc
	o.services[svc.ServiceID] = &cp
	o.order = append(o.order, svc.ServiceID)
	return nil
}

func (r *MemoryRepository) GetService(_ context.Context, org apitypes.OrganizationID, serviceID uuid.UUID) (*domain.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.orgRead(org).services[serviceID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *svc
	return &cp, nil
}

func (r *MemoryRepository) UpdateService(_ context.Context, org apitypes.OrganizationID, svc *domain.Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.org(org)
	if _, ok := o.services[svc.ServiceID]; !ok {
		return domain.ErrNotFound
	}
	cp := *svc
	o.services[svc.ServiceID] = &cp
	return nil
}

func (r *MemoryRepository) ListServices(_ context.Context, org apitypes.OrganizationID) ([]*domain.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o := r.orgRead(org)
	out := make([]*domain.Service, 0, len(o.order))
	for _, id := range o.order {
		cp := *o.services[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) StoreVlobCopy(_ context.Context, org apitypes.OrganizationID, serviceID uuid.UUID, realmID, vlobID uuid.UUID, version int64, blob []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.org(org)
	o.copies[serviceID] = append(o.copies[serviceID], vlobCopy{realmID: realmID, vlobID: vlobID, version: version, blob: blob})
	return nil
}

func (r *MemoryRepository) DumpRealm(_ context.Context, org apitypes.OrganizationID, serviceID uuid.UUID, realmID uuid.UUID) ([]domain.DumpEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.DumpEntry
	for _, c := range r.orgRead(org).copies[serviceID] {
		if c.realmID == realmID {
			out = append(out, domain.DumpEntry{VlobID: c.vlobID, Version: c.version, Blob: c.blob})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VlobID != out[j].VlobID {
			return out[i].VlobID.String() < out[j].VlobID.String()
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}
