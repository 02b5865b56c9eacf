// Package apitypes holds the identifier and enum types shared by every
// backend component: organization/user/device ids, human handles, profiles,
// realm roles and the timestamp rules of the protocol.
package apitypes

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// BallparkWindow is the maximum clock drift tolerated between a certificate
// timestamp and the backend clock at ingest time.
const BallparkWindow = 300 * time.Second

var (
	ErrInvalidOrganizationID = errors.New("invalid organization id")
	ErrInvalidUserID         = errors.New("invalid user id")
	ErrInvalidDeviceName     = errors.New("invalid device name")
	ErrInvalidDeviceID       = errors.New("invalid device id")
	ErrInvalidEmail          = errors.New("invalid email")
)

var idPattern = regexp.MustCompile(`^[\w\-]{1,32}$`)

// OrganizationID is the short unique name of a tenant.
type OrganizationID string

// NewOrganizationID validates raw as an organization id: 1-32 printable
// ASCII characters, excluding ':' and '/'.
func NewOrganizationID(raw string) (OrganizationID, error) {
	if len(raw) < 1 || len(raw) > 32 {
		return "", ErrInvalidOrganizationID
	}
	for _, c := range raw {
		if c <= 0x20 || c > 0x7e || c == ':' || c == '/' {
			return "", ErrInvalidOrganizationID
		}
	}
	return OrganizationID(raw), nil
}

func (id OrganizationID) String() string { return string(id) }

// UserID identifies a user within one organization.
type UserID string

func NewUserID(raw string) (UserID, error) {
	if !idPattern.MatchString(raw) {
		return "", ErrInvalidUserID
	}
	return UserID(raw), nil
}

func (id UserID) String() string { return string(id) }

// DeviceName is the per-user part of a device id.
type DeviceName string

func NewDeviceName(raw string) (DeviceName, error) {
	if !idPattern.MatchString(raw) {
		return "", ErrInvalidDeviceName
	}
	return DeviceName(raw), nil
}

func (n DeviceName) String() string { return string(n) }

// DeviceID is "<user_id>/<device_name>".
type DeviceID string

func NewDeviceID(raw string) (DeviceID, error) {
	user, name, ok := strings.Cut(raw, "/")
	if !ok {
		return "", ErrInvalidDeviceID
	}
	if _, err := NewUserID(user); err != nil {
		return "", ErrInvalidDeviceID
	}
	if _, err := NewDeviceName(name); err != nil {
		return "", ErrInvalidDeviceID
	}
	return DeviceID(raw), nil
}

// BuildDeviceID assembles a device id from its parts.
func BuildDeviceID(user UserID, name DeviceName) DeviceID {
	return DeviceID(fmt.Sprintf("%s/%s", user, name))
}

func (id DeviceID) String() string { return string(id) }

// UserID returns the user part of the device id.
func (id DeviceID) UserID() UserID {
	user, _, _ := strings.Cut(string(id), "/")
	return UserID(user)
}

// DeviceName returns the device part of the device id.
func (id DeviceID) DeviceName() DeviceName {
	_, name, _ := strings.Cut(string(id), "/")
	return DeviceName(name)
}

// HumanHandle associates a user with a real-world identity.
type HumanHandle struct {
	Email string
	Label string
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+$`)

func NewHumanHandle(email, label string) (HumanHandle, error) {
	if !emailPattern.MatchString(email) || len(email) > 254 {
		return HumanHandle{}, ErrInvalidEmail
	}
	if label == "" || len(label) > 254 {
		return HumanHandle{}, errors.New("invalid label")
	}
	return HumanHandle{Email: email, Label: label}, nil
}

func (h HumanHandle) String() string { return fmt.Sprintf("%s <%s>", h.Label, h.Email) }

// Profile is the organization-wide permission level of a user.
type Profile string

const (
	ProfileAdmin    Profile = "ADMIN"
	ProfileStandard Profile = "STANDARD"
	ProfileOutsider Profile = "OUTSIDER"
)

func NewProfile(raw string) (Profile, error) {
	switch p := Profile(raw); p {
	case ProfileAdmin, ProfileStandard, ProfileOutsider:
		return p, nil
	}
	return "", fmt.Errorf("invalid profile %q", raw)
}

// RealmRole is the per-realm permission of a user. A nil *RealmRole in a
// grant means the user is removed from the realm.
type RealmRole string

const (
	RealmRoleOwner       RealmRole = "OWNER"
	RealmRoleManager     RealmRole = "MANAGER"
	RealmRoleContributor RealmRole = "CONTRIBUTOR"
	RealmRoleReader      RealmRole = "READER"
)

func NewRealmRole(raw string) (RealmRole, error) {
	switch r := RealmRole(raw); r {
	case RealmRoleOwner, RealmRoleManager, RealmRoleContributor, RealmRoleReader:
		return r, nil
	}
	return "", fmt.Errorf("invalid realm role %q", raw)
}

// CanRead reports whether the role allows vlob reads. The nil receiver
// (no role) cannot read.
func (r *RealmRole) CanRead() bool { return r != nil }

// CanWrite reports whether the role allows vlob writes.
func (r *RealmRole) CanWrite() bool {
	if r == nil {
		return false
	}
	switch *r {
	case RealmRoleOwner, RealmRoleManager, RealmRoleContributor:
		return true
	}
	return false
}

// CanManage reports whether the role allows granting non-management roles.
func (r *RealmRole) CanManage() bool {
	if r == nil {
		return false
	}
	return *r == RealmRoleOwner || *r == RealmRoleManager
}

// IsManagement reports whether the role is OWNER or MANAGER. The nil
// receiver is not management.
func (r *RealmRole) IsManagement() bool {
	if r == nil {
		return false
	}
	return *r == RealmRoleOwner || *r == RealmRoleManager
}

// RoleRef returns a pointer to a copy of r, for building nullable grants.
func RoleRef(r RealmRole) *RealmRole { return &r }

// MaintenanceType describes an ongoing realm maintenance operation.
type MaintenanceType string

// MaintenanceReencryption is the only maintenance kind: every vlob version
// of the realm is re-uploaded ciphered at the next encryption revision.
const MaintenanceReencryption MaintenanceType = "REENCRYPTION"

// InvitationType distinguishes user enrollment from device enrollment.
type InvitationType string

const (
	InvitationUser   InvitationType = "USER"
	InvitationDevice InvitationType = "DEVICE"
)

func NewInvitationType(raw string) (InvitationType, error) {
	switch t := InvitationType(raw); t {
	case InvitationUser, InvitationDevice:
		return t, nil
	}
	return "", fmt.Errorf("invalid invitation type %q", raw)
}

// InvitationStatus is the greeter-visible state of an invitation.
type InvitationStatus string

const (
	InvitationIdle    InvitationStatus = "IDLE"
	InvitationReady   InvitationStatus = "READY"
	InvitationDeleted InvitationStatus = "DELETED"
)

// InvitationDeletedReason records why an invitation was deleted.
type InvitationDeletedReason string

const (
	InvitationDeletedFinished  InvitationDeletedReason = "FINISHED"
	InvitationDeletedCancelled InvitationDeletedReason = "CANCELLED"
	InvitationDeletedRotten    InvitationDeletedReason = "ROTTEN"
)

func NewInvitationDeletedReason(raw string) (InvitationDeletedReason, error) {
	switch r := InvitationDeletedReason(raw); r {
	case InvitationDeletedFinished, InvitationDeletedCancelled, InvitationDeletedRotten:
		return r, nil
	}
	return "", fmt.Errorf("invalid invitation deleted reason %q", raw)
}

// InBallpark reports whether ts lies within BallparkWindow of now.
func InBallpark(ts, now time.Time) bool {
	d := now.Sub(ts)
	if d < 0 {
		d = -d
	}
	return d <= BallparkWindow
}

// TruncateTime reduces t to the microsecond precision used on the wire.
// Ordering comparisons must always be done on truncated values.
func TruncateTime(t time.Time) time.Time {
	return t.Truncate(time.Microsecond).UTC()
}

// TimeToMicro converts t to signed microseconds since epoch (wire form).
func TimeToMicro(t time.Time) int64 { return t.UnixMicro() }

// TimeFromMicro converts wire microseconds back to a UTC time.Time.
func TimeFromMicro(us int64) time.Time { return time.UnixMicro(us).UTC() }
