// Package event defines the typed backend events and the in-process bus
// that fans them out. Each event kind is a struct variant; the bus is
// generic over the Event interface, there are no dynamic kwargs.
package event

import (
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
)

// Kind names an event type. Names are organization-scoped channel names
// when the bus is lifted to a real pub/sub.
type Kind string

const (
	KindOrganizationExpired      Kind = "organization.expired"
	KindUserCreated              Kind = "user.created"
	KindUserRevoked              Kind = "user.revoked"
	KindDeviceCreated            Kind = "device.created"
	KindRealmRolesUpdated        Kind = "realm.roles_updated"
	KindRealmVlobsUpdated        Kind = "realm.vlobs_updated"
	KindRealmMaintenanceStarted  Kind = "realm.maintenance_started"
	KindRealmMaintenanceFinished Kind = "realm.maintenance_finished"
	KindInviteConduitUpdated     Kind = "invite.conduit_updated"
	KindInviteStatusChanged      Kind = "invite.status_changed"
	KindPkiEnrollmentsUpdated    Kind = "pki_enrollment.updated"
	KindMessageReceived          Kind = "message.received"
)

// Event is implemented by every variant below.
type Event interface {
	Kind() Kind
	OrganizationID() apitypes.OrganizationID
}

type OrganizationExpired struct {
	Organization apitypes.OrganizationID
}

type UserCreated struct {
	Organization    apitypes.OrganizationID
	UserID          apitypes.UserID
	UserCertificate []byte
	FirstDeviceID   apitypes.DeviceID
}

type UserRevoked struct {
	Organization apitypes.OrganizationID
	UserID       apitypes.UserID
}

type DeviceCreated struct {
	Organization      apitypes.OrganizationID
	DeviceID          apitypes.DeviceID
	DeviceCertificate []byte
}

type RealmRolesUpdated struct {
	Organization apitypes.OrganizationID
	Author       apitypes.DeviceID
	RealmID      uuid.UUID
	UserID       apitypes.UserID
	Role         *apitypes.RealmRole
}

type RealmVlobsUpdated struct {
	Organization apitypes.OrganizationID
	Author       apitypes.DeviceID
	RealmID      uuid.UUID
	Checkpoint   int64
	VlobID       uuid.UUID
	Version      int64
}

type RealmMaintenanceStarted struct {
	Organization       apitypes.OrganizationID
	Author             apitypes.DeviceID
	RealmID            uuid.UUID
	EncryptionRevision int64
}

type RealmMaintenanceFinished struct {
	Organization       apitypes.OrganizationID
	Author             apitypes.DeviceID
	RealmID            uuid.UUID
	EncryptionRevision int64
}

type InviteConduitUpdated struct {
	Organization apitypes.OrganizationID
	Token        uuid.UUID
}

type InviteStatusChanged struct {
	Organization apitypes.OrganizationID
	Greeter      apitypes.UserID
	Token        uuid.UUID
	Status       apitypes.InvitationStatus
}

type PkiEnrollmentsUpdated struct {
	Organization apitypes.OrganizationID
}

type MessageReceived struct {
	Organization apitypes.OrganizationID
	Author       apitypes.DeviceID
	Recipient    apitypes.UserID
	Index        int64
	Timestamp    time.Time
}

func (e OrganizationExpired) Kind() Kind      { return KindOrganizationExpired }
func (e UserCreated) Kind() Kind              { return KindUserCreated }
func (e UserRevoked) Kind() Kind              { return KindUserRevoked }
func (e DeviceCreated) Kind() Kind            { return KindDeviceCreated }
func (e RealmRolesUpdated) Kind() Kind        { return KindRealmRolesUpdated }
func (e RealmVlobsUpdated) Kind() Kind        { return KindRealmVlobsUpdated }
func (e RealmMaintenanceStarted) Kind() Kind  { return KindRealmMaintenanceStarted }
func (e RealmMaintenanceFinished) Kind() Kind { return KindRealmMaintenanceFinished }
func (e InviteConduitUpdated) Kind() Kind     { return KindInviteConduitUpdated }
func (e InviteStatusChanged) Kind() Kind      { return KindInviteStatusChanged }
func (e PkiEnrollmentsUpdated) Kind() Kind    { return KindPkiEnrollmentsUpdated }
func (e MessageReceived) Kind() Kind          { return KindMessageReceived }

func (e OrganizationExpired) OrganizationID() apitypes.OrganizationID      { return e.Organization }
func (e UserCreated) OrganizationID() apitypes.OrganizationID              { return e.Organization }
func (e UserRevoked) OrganizationID() apitypes.OrganizationID              { return e.Organization }
func (e DeviceCreated) OrganizationID() apitypes.OrganizationID            { return e.Organization }
func (e RealmRolesUpdated) OrganizationID() apitypes.OrganizationID        { return e.Organization }
func (e RealmVlobsUpdated) OrganizationID() apitypes.OrganizationID        { return e.Organization }
func (e RealmMaintenanceStarted) OrganizationID() apitypes.OrganizationID  { return e.Organization }
func (e RealmMaintenanceFinished) OrganizationID() apitypes.OrganizationID { return e.Organization }
func (e InviteConduitUpdated) OrganizationID() apitypes.OrganizationID     { return e.Organization }
func (e InviteStatusChanged) OrganizationID() apitypes.OrganizationID      { return e.Organization }
func (e PkiEnrollmentsUpdated) OrganizationID() apitypes.OrganizationID    { return e.Organization }
func (e MessageReceived) OrganizationID() apitypes.OrganizationID          { return e.Organization }
