// Package repository persists realms and role grants.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/realm/domain"
)

// Repository stores realms and their role grant history.
type Repository interface {
	// Insert stores a new realm with its first (self-granted OWNER)
	// grant. Returns domain.ErrAlreadyExists on id collision.
	Insert(ctx context.Context, org apitypes.OrganizationID, realm *domain.Realm, firstGrant *domain.RoleGrant) error
	// Get returns the realm or domain.ErrNotFound.
	Get(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (*domain.Realm, error)
	// Update rewrites the realm's mutable fields (maintenance state,
	// encryption revision).
	Update(ctx context.Context, org apitypes.OrganizationID, realm *domain.Realm) error
	// InsertRoleGrant appends a grant to the realm history.
	InsertRoleGrant(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, grant *domain.RoleGrant) error
	// GetRoleGrants returns the full grant history in insertion order.
	GetRoleGrants(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID) ([]domain.RoleGrant, error)
	// GetCurrentRoles reduces the history to the currently held roles.
	// Users whose latest grant has a nil role are absent.
	GetCurrentRoles(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (map[apitypes.UserID]apitypes.RealmRole, error)
	// GetRealmsForUser returns the realms where the user currently
	// holds a role.
	GetRealmsForUser(ctx context.Context, org apitypes.OrganizationID, id apitypes.UserID) (map[uuid.UUID]apitypes.RealmRole, error)
	// CountRealms counts the organization's realms created at or
	// before the given instant.
	CountRealms(ctx context.Context, org apitypes.OrganizationID, at time.Time) (int64, error)
}
