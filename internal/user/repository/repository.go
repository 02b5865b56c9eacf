// Package repository persists users and devices.
package repository

import (
	"context"
	"time"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/user/domain"
)

// HumanFindQuery filters FindHumans. An empty Query matches everyone.
type HumanFindQuery struct {
	Query        string // case-insensitive substring on email, label or user id
	OmitRevoked  bool
	OmitNonHuman bool
	Page         int64 // 1-based
	PerPage      int64
}

// Repository stores the per-organization user and device registry. The
// business rules live in the component; implementations only enforce
// uniqueness.
type Repository interface {
	// InsertUser stores a user together with its first device.
	// Returns domain.ErrAlreadyExists when the user id is taken.
	InsertUser(ctx context.Context, org apitypes.OrganizationID, user *domain.User, firstDevice *domain.Device) error
	// InsertDevice adds a device to an existing user.
	InsertDevice(ctx context.Context, org apitypes.OrganizationID, device *domain.Device) error
	// GetUser returns the user or domain.ErrNotFound.
	GetUser(ctx context.Context, org apitypes.OrganizationID, id apitypes.UserID) (*domain.User, error)
	// GetUserDevices returns all devices of a user, creation order.
	GetUserDevices(ctx context.Context, org apitypes.OrganizationID, id apitypes.UserID) ([]*domain.Device, error)
	// GetDevice returns the device or domain.ErrNotFound.
	GetDevice(ctx context.Context, org apitypes.OrganizationID, id apitypes.DeviceID) (*domain.Device, error)
	// SetRevoked stores the revocation record on the user.
	SetRevoked(ctx context.Context, org apitypes.OrganizationID, id apitypes.UserID, revokedOn time.Time, certificate []byte, revoker apitypes.DeviceID) error
	// CountActiveUsers counts the non-revoked users of the organization.
	CountActiveUsers(ctx context.Context, org apitypes.OrganizationID) (int64, error)
	// GetUserByEmail resolves a non-revoked user by human handle email,
	// or domain.ErrNotFound.
	GetUserByEmail(ctx context.Context, org apitypes.OrganizationID, email string) (*domain.User, error)
	// FindHumans returns one page of matches plus the total match count.
	FindHumans(ctx context.Context, org apitypes.OrganizationID, q HumanFindQuery) ([]domain.HumanFindResult, int64, error)
	// UserStats reports user counts as of the given instant.
	UserStats(ctx context.Context, org apitypes.OrganizationID, at time.Time) (users, activeUsers int64, err error)
}
