// Package domain holds the realm entities and sentinel errors.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
)

var (
	ErrNotFound                = errors.New("realm not found")
	ErrAlreadyExists           = errors.New("realm already exists")
	ErrNotAllowed              = errors.New("author lacks the required realm role")
	ErrAlreadyGranted          = errors.New("user already holds this role")
	ErrIncompatibleProfile     = errors.New("outsider users cannot hold management roles")
	ErrUserRevoked             = errors.New("target user is revoked")
	ErrRequireGreaterTimestamp = errors.New("certificate timestamp not strictly greater than causally prior writes")
	ErrInMaintenance           = errors.New("realm is under maintenance")
	ErrNotInMaintenance        = errors.New("realm is not under maintenance")
	ErrBadEncryptionRevision   = errors.New("wrong encryption revision")
	ErrParticipantsMismatch    = errors.New("reencryption messages do not cover exactly the current members")
	ErrMaintenanceError        = errors.New("maintenance cannot be finished yet")
)

// TimestampError rejects a certificate whose timestamp is not strictly
// after a causally prior write. It unwraps to
// ErrRequireGreaterTimestamp; StrictlyGreaterThan is echoed to the
// client so it can re-sign past the conflict.
type TimestampError struct {
	StrictlyGreaterThan time.Time
}

func (e *TimestampError) Error() string {
	return ErrRequireGreaterTimestamp.Error()
}

func (e *TimestampError) Unwrap() error { return ErrRequireGreaterTimestamp }

// Realm is a shared workspace. EncryptionRevision starts at 1 and is
// bumped by each completed reencryption.
type Realm struct {
	RealmID            uuid.UUID
	CreatedOn          time.Time
	EncryptionRevision int64

	MaintenanceType      *apitypes.MaintenanceType
	MaintenanceStartedOn *time.Time
	MaintenanceStartedBy *apitypes.DeviceID
}

// InMaintenance reports whether a maintenance is ongoing.
func (r *Realm) InMaintenance() bool { return r.MaintenanceType != nil }

// RoleGrant is one realm role certificate as stored. Role nil means
// the grant removed the user's access.
type RoleGrant struct {
	UserID      apitypes.UserID
	Role        *apitypes.RealmRole
	Certificate []byte
	GrantedBy   apitypes.DeviceID
	GrantedOn   time.Time
}
