// Package repository persists sequester services and their stored
// vlob copies.
package repository

import (
	"context"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/sequester/domain"
)

// Repository stores sequester services and the ciphertext copies of
// storage services.
type Repository interface {
	InsertService(ctx context.Context, org apitypes.OrganizationID, svc *domain.Service) error
	GetService(ctx context.Context, org apitypes.OrganizationID, serviceID uuid.UUID) (*domain.Service, error)
	UpdateService(ctx context.Context, org apitypes.OrganizationID, svc *domain.Service) error
	ListServices(ctx context.Context, org apitypes.OrganizationID) ([]*domain.Service, error)
	// StoreVlobCopy keeps a ciphertext for a storage service. Called
	// once per (service, vlob, version).
	StoreVlobCopy(ctx context.Context, org apitypes.OrganizationID, serviceID uuid.UUID, realmID, vlobID uuid.UUID, version int64, blob []byte) error
	// DumpRealm returns every stored copy of a realm for a service.
	DumpRealm(ctx context.Context, org apitypes.OrganizationID, serviceID uuid.UUID, realmID uuid.UUID) ([]domain.DumpEntry, error)
}
