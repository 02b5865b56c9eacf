// Package domain holds the user and device entities of the registry and
// their sentinel errors.
package domain

import (
	"errors"
	"time"

	"parsec/backend/internal/apitypes"
)

var (
	ErrNotFound                  = errors.New("user not found")
	ErrAlreadyExists             = errors.New("user already exists")
	ErrAlreadyRevoked            = errors.New("user already revoked")
	ErrActiveUsersLimitReached   = errors.New("active users limit reached")
	ErrEmailAlreadyUsed          = errors.New("email already used by an active user")
	ErrOutsiderProfileNotAllowed = errors.New("outsider profile not allowed by the organization")
)

// User is one member of an organization. Certificates are stored
// verbatim; the backend never rewrites them.
type User struct {
	UserID                  apitypes.UserID
	HumanHandle             *apitypes.HumanHandle
	Profile                 apitypes.Profile
	UserCertificate         []byte
	RedactedUserCertificate []byte
	Certifier               *apitypes.DeviceID // nil only for the bootstrap user
	CreatedOn               time.Time

	RevokedOn              *time.Time
	RevokedUserCertificate []byte
	Revoker                *apitypes.DeviceID
}

// IsRevoked reports whether the user holds a revocation record.
func (u *User) IsRevoked() bool { return u.RevokedOn != nil }

// Device is a cryptographic agent of a user.
type Device struct {
	DeviceID                  apitypes.DeviceID
	DeviceLabel               *string
	VerifyKey                 []byte // Ed25519 public key from the certificate
	DeviceCertificate         []byte
	RedactedDeviceCertificate []byte
	Certifier                 *apitypes.DeviceID
	CreatedOn                 time.Time
}

// UserID returns the owner of the device.
func (d *Device) UserID() apitypes.UserID { return d.DeviceID.UserID() }

// Trustchain is the transitive set of certificates needed to validate a
// user and its devices up to the organization root key.
type Trustchain struct {
	Devices      [][]byte
	Users        [][]byte
	RevokedUsers [][]byte
}

// HumanFindResult is one page of a find-humans query.
type HumanFindResult struct {
	UserID      apitypes.UserID
	HumanHandle *apitypes.HumanHandle
	Revoked     bool
}
