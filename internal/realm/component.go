// Package realm implements the realm registry: role grants, status and
// reencryption maintenance.
package realm

import (
	"context"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/event"
	orgdomain "parsec/backend/internal/organization/domain"
	"parsec/backend/internal/realm/domain"
	"parsec/backend/internal/realm/repository"
	userdomain "parsec/backend/internal/user/domain"
)

// UserGetter resolves users for role target checks. Implemented by the
// user component.
type UserGetter interface {
	GetUser(ctx context.Context, org apitypes.OrganizationID, id apitypes.UserID) (*userdomain.User, error)
}

// VlobProvider is the slice of the vlob store the realm registry needs:
// causality timestamps and reencryption bookkeeping.
type VlobProvider interface {
	LastVlobUpdate(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, author apitypes.UserID) (time.Time, bool, error)
	StartReencryption(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, revision int64) error
	ReencryptionDone(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, revision int64) (bool, error)
	RealmVlobStats(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (count, size int64, err error)
}

// BlockProvider reports block storage usage for realm_stats.
type BlockProvider interface {
	RealmBlockStats(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (count, size int64, err error)
}

// MessageSender delivers the per-participant reencryption messages.
type MessageSender interface {
	Send(ctx context.Context, org apitypes.OrganizationID, sender apitypes.DeviceID, recipient apitypes.UserID, ts time.Time, body []byte) error
}

// Component is the realm registry.
type Component struct {
	repo repository.Repository
	bus  *event.Bus

	users    UserGetter
	vlobs    VlobProvider
	blocks   BlockProvider
	messages MessageSender
}

func NewComponent(repo repository.Repository, bus *event.Bus) *Component {
	return &Component{repo: repo, bus: bus}
}

func (c *Component) Register(users UserGetter, vlobs VlobProvider, blocks BlockProvider, messages MessageSender) {
	c.users = users
	c.vlobs = vlobs
	c.blocks = blocks
	c.messages = messages
}

// Create registers a realm from a self-signed OWNER grant.
func (c *Component) Create(ctx context.Context, org apitypes.OrganizationID, author apitypes.DeviceID, realmID uuid.UUID, grant *domain.RoleGrant) error {
	if grant.UserID != author.UserID() || grant.Role == nil || *grant.Role != apitypes.RealmRoleOwner {
		return domain.ErrNotAllowed
	}
	realm := &domain.Realm{
		RealmID:            realmID,
		CreatedOn:          grant.GrantedOn,
		EncryptionRevision: 1,
	}
	if err := c.repo.Insert(ctx, org, realm, grant); err != nil {
		return err
	}
	c.bus.Publish(event.RealmRolesUpdated{
		Organization: org,
		Author:       author,
		RealmID:      realmID,
		UserID:       grant.UserID,
		Role:         grant.Role,
	})
	return nil
}

// UpdateRoles applies a role grant to another user. recipientMessage,
// when non-nil, is delivered to the target (it carries the realm key
// for new members).
func (c *Component) UpdateRoles(ctx context.Context, org apitypes.OrganizationID, author apitypes.DeviceID, realmID uuid.UUID, grant *domain.RoleGrant, recipientMessage []byte) error {
	if grant.UserID == author.UserID() {
		return domain.ErrNotAllowed
	}
	authorUser, err := c.users.GetUser(ctx, org, author.UserID())
	if err != nil {
		return err
	}
	if authorUser.Profile == apitypes.ProfileOutsider {
		return domain.ErrNotAllowed
	}
	target, err := c.users.GetUser(ctx, org, grant.UserID)
	if err != nil {
		return err
	}
	if target.IsRevoked() {
		return domain.ErrUserRevoked
	}
	if target.Profile == apitypes.ProfileOutsider && grant.Role.IsManagement() {
		return domain.ErrIncompatibleProfile
	}

	realm, err := c.repo.Get(ctx, org, realmID)
	if err != nil {
		return err
	}
	if realm.InMaintenance() {
		return domain.ErrInMaintenance
	}

	roles, err := c.repo.GetCurrentRoles(ctx, org, realmID)
	if err != nil {
		return err
	}
	var authorRole, existingRole *apitypes.RealmRole
	if r, ok := roles[author.UserID()]; ok {
		authorRole = apitypes.RoleRef(r)
	}
	if r, ok := roles[grant.UserID]; ok {
		existingRole = apitypes.RoleRef(r)
	}
	// changing management roles needs OWNER, the rest needs MANAGER+
	if existingRole.IsManagement() || grant.Role.IsManagement() {
		if authorRole == nil || *authorRole != apitypes.RealmRoleOwner {
			return domain.ErrNotAllowed
		}
	} else if !authorRole.CanManage() {
		return domain.ErrNotAllowed
	}
	if rolesEqual(existingRole, grant.Role) {
		return domain.ErrAlreadyGranted
	}

	if err := c.checkGrantCausality(ctx, org, realmID, grant, existingRole); err != nil {
		return err
	}

	if err := c.repo.InsertRoleGrant(ctx, org, realmID, grant); err != nil {
		return err
	}
	if recipientMessage != nil {
		if err := c.messages.Send(ctx, org, author, grant.UserID, grant.GrantedOn, recipientMessage); err != nil {
			return err
		}
	}
	c.bus.Publish(event.RealmRolesUpdated{
		Organization: org,
		Author:       author,
		RealmID:      realmID,
		UserID:       grant.UserID,
		Role:         grant.Role,
	})
	return nil
}

// checkGrantCausality rejects grants whose timestamp is not strictly
// after every write the grant invalidates: prior grants touching the
// target, the target's vlob updates when write access is removed, and
// the target's own grants when management is removed.
func (c *Component) checkGrantCausality(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, grant *domain.RoleGrant, existingRole *apitypes.RealmRole) error {
	history, err := c.repo.GetRoleGrants(ctx, org, realmID)
	if err != nil {
		return err
	}
	for _, prior := range history {
		if prior.UserID == grant.UserID && !grant.GrantedOn.After(prior.GrantedOn) {
			return &domain.TimestampError{StrictlyGreaterThan: prior.GrantedOn}
		}
		if existingRole.IsManagement() && !grant.Role.IsManagement() &&
			prior.GrantedBy.UserID() == grant.UserID && !grant.GrantedOn.After(prior.GrantedOn) {
			return &domain.TimestampError{StrictlyGreaterThan: prior.GrantedOn}
		}
	}
	if existingRole.CanWrite() && !grant.Role.CanWrite() {
		last, ok, err := c.vlobs.LastVlobUpdate(ctx, org, realmID, grant.UserID)
		if err != nil {
			return err
		}
		if ok && !grant.GrantedOn.After(last) {
			return &domain.TimestampError{StrictlyGreaterThan: last}
		}
	}
	return nil
}

func rolesEqual(a, b *apitypes.RealmRole) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

// Status is the realm_status reply material.
type Status struct {
	InMaintenance        bool
	MaintenanceType      *apitypes.MaintenanceType
	MaintenanceStartedOn *time.Time
	MaintenanceStartedBy *apitypes.DeviceID
	EncryptionRevision   int64
}

// GetStatus returns the realm status; the caller must hold a role.
func (c *Component) GetStatus(ctx context.Context, org apitypes.OrganizationID, caller apitypes.UserID, realmID uuid.UUID) (*Status, error) {
	realm, err := c.repo.Get(ctx, org, realmID)
	if err != nil {
		return nil, err
	}
	roles, err := c.repo.GetCurrentRoles(ctx, org, realmID)
	if err != nil {
		return nil, err
	}
	if _, ok := roles[caller]; !ok {
		return nil, domain.ErrNotAllowed
	}
	return &Status{
		InMaintenance:        realm.InMaintenance(),
		MaintenanceType:      realm.MaintenanceType,
		MaintenanceStartedOn: realm.MaintenanceStartedOn,
		MaintenanceStartedBy: realm.MaintenanceStartedBy,
		EncryptionRevision:   realm.EncryptionRevision,
	}, nil
}

// GetRoleCertificates returns the grant certificates newer than since
// (zero means all); the caller must hold a role.
func (c *Component) GetRoleCertificates(ctx context.Context, org apitypes.OrganizationID, caller apitypes.UserID, realmID uuid.UUID, since time.Time) ([][]byte, error) {
	roles, err := c.repo.GetCurrentRoles(ctx, org, realmID)
	if err != nil {
		return nil, err
	}
	if _, ok := roles[caller]; !ok {
		return nil, domain.ErrNotAllowed
	}
	history, err := c.repo.GetRoleGrants(ctx, org, realmID)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for _, g := range history {
		if since.IsZero() || g.GrantedOn.After(since) {
			out = append(out, g.Certificate)
		}
	}
	return out, nil
}

// Stats is the realm_stats reply material.
type Stats struct {
	BlocksSize int64
	VlobsSize  int64
}

// GetStats reports storage usage; the caller must hold a role.
func (c *Component) GetStats(ctx context.Context, org apitypes.OrganizationID, caller apitypes.UserID, realmID uuid.UUID) (*Stats, error) {
	roles, err := c.repo.GetCurrentRoles(ctx, org, realmID)
	if err != nil {
		return nil, err
	}
	if _, ok := roles[caller]; !ok {
		return nil, domain.ErrNotAllowed
	}
	_, vlobSize, err := c.vlobs.RealmVlobStats(ctx, org, realmID)
	if err != nil {
		return nil, err
	}
	_, blockSize, err := c.blocks.RealmBlockStats(ctx, org, realmID)
	if err != nil {
		return nil, err
	}
	return &Stats{BlocksSize: blockSize, VlobsSize: vlobSize}, nil
}

// CurrentRole returns the caller's current role in the realm, nil when
// none. Used by the vlob and block stores for access checks.
func (c *Component) CurrentRole(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, id apitypes.UserID) (*apitypes.RealmRole, error) {
	roles, err := c.repo.GetCurrentRoles(ctx, org, realmID)
	if err != nil {
		return nil, err
	}
	if r, ok := roles[id]; ok {
		return apitypes.RoleRef(r), nil
	}
	return nil, nil
}

// GetRealm exposes the raw realm record (maintenance state and
// encryption revision) to the vlob store.
func (c *Component) GetRealm(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (*domain.Realm, error) {
	return c.repo.Get(ctx, org, realmID)
}

// LastGrantFor returns the timestamp of the most recent grant touching
// the user in the realm. Vlob writes must postdate it.
func (c *Component) LastGrantFor(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, id apitypes.UserID) (time.Time, bool, error) {
	history, err := c.repo.GetRoleGrants(ctx, org, realmID)
	if err != nil {
		return time.Time{}, false, err
	}
	var last time.Time
	var found bool
	for _, g := range history {
		if g.UserID == id && g.GrantedOn.After(last) {
			last, found = g.GrantedOn, true
		}
	}
	return last, found, nil
}

// RealmsForUser lists the realms where the user holds a role; used for
// event stream filtering at subscription time.
func (c *Component) RealmsForUser(ctx context.Context, org apitypes.OrganizationID, id apitypes.UserID) (map[uuid.UUID]apitypes.RealmRole, error) {
	return c.repo.GetRealmsForUser(ctx, org, id)
}

// StartReencryption opens a reencryption maintenance. perParticipant
// maps every current member to the message carrying its new realm key;
// a mismatch with the actual member set aborts.
func (c *Component) StartReencryption(ctx context.Context, org apitypes.OrganizationID, author apitypes.DeviceID, realmID uuid.UUID, revision int64, timestamp time.Time, perParticipant map[apitypes.UserID][]byte) error {
	realm, err := c.repo.Get(ctx, org, realmID)
	if err != nil {
		return err
	}
	roles, err := c.repo.GetCurrentRoles(ctx, org, realmID)
	if err != nil {
		return err
	}
	if roles[author.UserID()] != apitypes.RealmRoleOwner {
		return domain.ErrNotAllowed
	}
	if realm.InMaintenance() {
		return domain.ErrInMaintenance
	}
	if revision != realm.EncryptionRevision+1 {
		return domain.ErrBadEncryptionRevision
	}
	if err := c.checkParticipants(ctx, org, roles, perParticipant); err != nil {
		return err
	}

	mt := apitypes.MaintenanceReencryption
	realm.MaintenanceType = &mt
	realm.MaintenanceStartedOn = &timestamp
	realm.MaintenanceStartedBy = &author
	if err := c.repo.Update(ctx, org, realm); err != nil {
		return err
	}
	if err := c.vlobs.StartReencryption(ctx, org, realmID, revision); err != nil {
		return err
	}
	for recipient, body := range perParticipant {
		if err := c.messages.Send(ctx, org, author, recipient, timestamp, body); err != nil {
			return err
		}
	}
	c.bus.Publish(event.RealmMaintenanceStarted{
		Organization:       org,
		Author:             author,
		RealmID:            realmID,
		EncryptionRevision: revision,
	})
	return nil
}

// checkParticipants requires the message set to cover exactly the
// non-revoked current members.
func (c *Component) checkParticipants(ctx context.Context, org apitypes.OrganizationID, roles map[apitypes.UserID]apitypes.RealmRole, perParticipant map[apitypes.UserID][]byte) error {
	expected := make(map[apitypes.UserID]bool, len(roles))
	for id := range roles {
		u, err := c.users.GetUser(ctx, org, id)
		if err != nil {
			return err
		}
		if !u.IsRevoked() {
			expected[id] = true
		}
	}
	if len(expected) != len(perParticipant) {
		return domain.ErrParticipantsMismatch
	}
	for id := range perParticipant {
		if !expected[id] {
			return domain.ErrParticipantsMismatch
		}
	}
	return nil
}

// FinishReencryption closes the maintenance once every vlob version has
// been rewritten.
func (c *Component) FinishReencryption(ctx context.Context, org apitypes.OrganizationID, author apitypes.DeviceID, realmID uuid.UUID, revision int64) error {
	realm, err := c.repo.Get(ctx, org, realmID)
	if err != nil {
		return err
	}
	roles, err := c.repo.GetCurrentRoles(ctx, org, realmID)
	if err != nil {
		return err
	}
	if roles[author.UserID()] != apitypes.RealmRoleOwner {
		return domain.ErrNotAllowed
	}
	if !realm.InMaintenance() {
		return domain.ErrNotInMaintenance
	}
	if revision != realm.EncryptionRevision+1 {
		return domain.ErrBadEncryptionRevision
	}
	done, err := c.vlobs.ReencryptionDone(ctx, org, realmID, revision)
	if err != nil {
		return err
	}
	if !done {
		return domain.ErrMaintenanceError
	}

	realm.EncryptionRevision = revision
	realm.MaintenanceType = nil
	realm.MaintenanceStartedOn = nil
	realm.MaintenanceStartedBy = nil
	if err := c.repo.Update(ctx, org, realm); err != nil {
		return err
	}
	c.bus.Publish(event.RealmMaintenanceFinished{
		Organization:       org,
		Author:             author,
		RealmID:            realmID,
		EncryptionRevision: revision,
	})
	return nil
}

// OrganizationStats reports the realm count; part of the organization
// stats aggregation.
func (c *Component) OrganizationStats(ctx context.Context, org apitypes.OrganizationID, at time.Time) (orgdomain.Stats, error) {
	n, err := c.repo.CountRealms(ctx, org, at)
	if err != nil {
		return orgdomain.Stats{}, err
	}
	return orgdomain.Stats{Realms: n}, nil
}
