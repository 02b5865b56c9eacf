package repository

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/pki/domain"
)

type orgEnrollments struct {
	byID  map[uuid.UUID]*domain.Enrollment
	order []uuid.UUID
}

var emptyOrg = &orgEnrollments{}

// MemoryRepository keeps enrollments per organization in memory.
type MemoryRepository struct {
	mu   sync.RWMutex
	orgs map[apitypes.OrganizationID]*orgEnrollments
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orgs: make(map[apitypes.OrganizationID]*orgEnrollments)}
}

func (r *MemoryRepository) org(id apitypes.OrganizationID) *orgEnrollments {
	o, ok := r.orgs[id]
	if !ok {
		o = &orgEnrollments{byID: make(map[uuid.UUID]*domain.Enrollment)}
		r.orgs[id] = o
	}
	return o
}

func (r *MemoryRepository) orgRead(id apitypes.OrganizationID) *orgEnrollments {
	if o, ok := r.orgs[id]; ok {
		return o
	}
	return emptyOrg
}

func (r *MemoryRepository) Insert(_ context.Context, org apitypes.OrganizationID, e *domain.Enrollment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.org(org)
	if _, ok := o.byID[e.EnrollmentID]; ok {
		return domain.ErrIDAlreadyUsed
	}
	cp := *e
	o.byID[e.EnrollmentID] = &cp
	o.order = append(o.order, e.EnrollmentID)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, org apitypes.OrganizationID, id uuid.UUID) (*domain.Enrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.orgRead(org).byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *MemoryRepository) Update(_ context.Context, org apitypes.OrganizationID, e *domain.Enrollment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.orgRead(org)
	if _, ok := o.byID[e.EnrollmentID]; !ok {
		return domain.ErrNotFound
	}
	cp := *e
	o.byID[e.EnrollmentID] = &cp
	return nil
}

func (r *MemoryRepository) LatestForCertificate(_ context.Context, org apitypes.OrganizationID, x509Der []byte) (*domain.Enrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o := r.orgRead(org)
	for i := len(o.order) - 1; i >= 0; i-- {
		e := o.byID[o.order[i]]
		if bytes.Equal(e.X509Der, x509Der) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MemoryRepository) ListSubmitted(_ context.Context, org apitypes.OrganizationID) ([]*domain.Enrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o := r.orgRead(org)
	var out []*domain.Enrollment
	for _, id := range o.order {
		if e := o.byID[id]; e.State == domain.StateSubmitted {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}
