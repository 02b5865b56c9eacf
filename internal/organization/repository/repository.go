// Package repository defines organization persistence.
package repository

import (
	"context"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/organization/domain"
)

// Repository stores organizations. Implementations must return
// domain.ErrNotFound / domain.ErrAlreadyExists rather than nil rows.
type Repository interface {
	// Get returns the organization for id.
	Get(ctx context.Context, id apitypes.OrganizationID) (*domain.Organization, error)
	// Insert persists a new organization; domain.ErrAlreadyExists if the
	// id is taken.
	Insert(ctx context.Context, org *domain.Organization) error
	// Update replaces the stored row; domain.ErrNotFound if absent.
	Update(ctx context.Context, org *domain.Organization) error
}
