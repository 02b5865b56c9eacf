// Package repository defines the PKI enrollment persistence contract.
package repository

import (
	"context"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/pki/domain"
)

type Repository interface {
	// Insert appends a new enrollment. ErrIDAlreadyUsed when the id is
	// taken.
	Insert(ctx context.Context, org apitypes.OrganizationID, e *domain.Enrollment) error
	// Get returns the enrollment by id, ErrNotFound otherwise.
	Get(ctx context.Context, org apitypes.OrganizationID, id uuid.UUID) (*domain.Enrollment, error)
	// Update rewrites an existing enrollment.
	Update(ctx context.Context, org apitypes.OrganizationID, e *domain.Enrollment) error
	// LatestForCertificate returns the most recently submitted
	// enrollment carrying the given certificate, ErrNotFound when the
	// certificate was never submitted.
	LatestForCertificate(ctx context.Context, org apitypes.OrganizationID, x509Der []byte) (*domain.Enrollment, error)
	// ListSubmitted returns the open enrollments in submission order.
	ListSubmitted(ctx context.Context, org apitypes.OrganizationID) ([]*domain.Enrollment, error)
}
