// Package domain holds the organization entity and its sentinel errors.
package domain

import (
	"errors"
	"time"

	"parsec/backend/internal/apitypes"
)

var (
	ErrNotFound              = errors.New("organization not found")
	ErrAlreadyExists         = errors.New("organization already exists")
	ErrAlreadyBootstrapped   = errors.New("organization already bootstrapped")
	ErrInvalidBootstrapToken = errors.New("invalid bootstrap token")
	ErrExpired               = errors.New("organization is expired")
)

// Organization is a tenant. RootVerifyKey is set exactly once, at
// bootstrap, together with BootstrappedOn.
type Organization struct {
	ID                     apitypes.OrganizationID
	BootstrapToken         string
	RootVerifyKey          []byte // Ed25519 public key; nil until bootstrap
	CreatedOn              time.Time
	BootstrappedOn         *time.Time
	IsExpired              bool
	ActiveUsersLimit       *int64 // nil means unlimited
	OutsiderProfileAllowed bool
	// Sequester escrow, optional; both fields set together at bootstrap.
	SequesterAuthorityKey         []byte // RSA public key, DER
	SequesterAuthorityCertificate []byte
}

// IsBootstrapped reports whether the first user+device exist and the
// root verify key is pinned.
func (o *Organization) IsBootstrapped() bool { return o.BootstrappedOn != nil }

// SequesterEnabled reports whether vlob writes must carry sequestered
// blobs.
func (o *Organization) SequesterEnabled() bool { return len(o.SequesterAuthorityKey) > 0 }

// Stats is the administration-facing usage summary of an organization.
type Stats struct {
	Users        int64
	ActiveUsers  int64
	Realms       int64
	MetadataSize int64 // total vlob bytes
	DataSize     int64 // total block bytes
}
