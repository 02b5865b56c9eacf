// Package vlob implements the versioned encrypted metadata store.
package vlob

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/event"
	orgdomain "parsec/backend/internal/organization/domain"
	realmdomain "parsec/backend/internal/realm/domain"
	"parsec/backend/internal/vlob/domain"
	"parsec/backend/internal/vlob/repository"
)

// RealmInfo is the slice of the realm registry the vlob store needs
// for access and maintenance checks.
type RealmInfo interface {
	CurrentRole(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, id apitypes.UserID) (*apitypes.RealmRole, error)
	GetRealm(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (*realmdomain.Realm, error)
	LastGrantFor(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, id apitypes.UserID) (time.Time, bool, error)
}

// SequesterAdmission validates and stores the per-service sequester
// blobs attached to a vlob write. Implemented by the sequester
// component; it is a no-op for non-sequestered organizations.
type SequesterAdmission interface {
	Admit(ctx context.Context, org apitypes.OrganizationID, realmID, vlobID uuid.UUID, version int64, blobs map[uuid.UUID][]byte) error
}

// Component is the vlob store.
type Component struct {
	repo repository.Repository
	bus  *event.Bus

	realms    RealmInfo
	sequester SequesterAdmission
}

func NewComponent(repo repository.Repository, bus *event.Bus) *Component {
	return &Component{repo: repo, bus: bus}
}

func (c *Component) Register(realms RealmInfo, sequester SequesterAdmission) {
	c.realms = realms
	c.sequester = sequester
}

// checkWrite validates role, maintenance state, encryption revision
// and grant causality for a write in the realm. The write timestamp
// must postdate the author's last role grant so a demotion cannot race
// a write.
func (c *Component) checkWrite(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, author apitypes.DeviceID, encryptionRevision int64, timestamp time.Time) error {
	role, err := c.realms.CurrentRole(ctx, org, realmID, author.UserID())
	if err != nil {
		return err
	}
	if !role.CanWrite() {
		return domain.ErrNotAllowed
	}
	realm, err := c.realms.GetRealm(ctx, org, realmID)
	if err != nil {
		return err
	}
	if realm.InMaintenance() {
		return domain.ErrInMaintenance
	}
	if encryptionRevision != realm.EncryptionRevision {
		return domain.ErrBadEncryptionRevision
	}
	lastGrant, ok, err := c.realms.LastGrantFor(ctx, org, realmID, author.UserID())
	if err != nil {
		return err
	}
	if ok && !timestamp.After(lastGrant) {
		return &domain.TimestampError{StrictlyGreaterThan: lastGrant}
	}
	return nil
}

// Create stores version 1 of a new vlob.
func (c *Component) Create(ctx context.Context, org apitypes.OrganizationID, author apitypes.DeviceID, realmID uuid.UUID, encryptionRevision int64, vlobID uuid.UUID, timestamp time.Time, blob []byte, sequesterBlobs map[uuid.UUID][]byte) error {
	if err := c.checkWrite(ctx, org, realmID, author, encryptionRevision, timestamp); err != nil {
		return err
	}
	// the conflict must settle before admission: a webhook service sees
	// the write and a storage service keeps a copy
	if _, err := c.repo.GetRealmForVlob(ctx, org, vlobID); err == nil {
		return domain.ErrAlreadyExists
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err := c.sequester.Admit(ctx, org, realmID, vlobID, 1, sequesterBlobs); err != nil {
		return err
	}
	atom := &domain.Atom{
		VlobID:    vlobID,
		Author:    author,
		Timestamp: timestamp,
		Blobs:     map[int64][]byte{encryptionRevision: blob},
	}
	checkpoint, err := c.repo.InsertVlob(ctx, org, realmID, atom)
	if err != nil {
		return err
	}
	c.bus.Publish(event.RealmVlobsUpdated{
		Organization: org,
		Author:       author,
		RealmID:      realmID,
		Checkpoint:   checkpoint,
		VlobID:       vlobID,
		Version:      1,
	})
	return nil
}

// Update appends a version. The version must be exactly current+1 and
// the timestamp must not move backwards.
func (c *Component) Update(ctx context.Context, org apitypes.OrganizationID, author apitypes.DeviceID, encryptionRevision int64, vlobID uuid.UUID, version int64, timestamp time.Time, blob []byte, sequesterBlobs map[uuid.UUID][]byte) error {
	realmID, err := c.repo.GetRealmForVlob(ctx, org, vlobID)
	if err != nil {
		return err
	}
	if err := c.checkWrite(ctx, org, realmID, author, encryptionRevision, timestamp); err != nil {
		return err
	}
	latest, err := c.repo.GetLatestAtom(ctx, org, vlobID)
	if err != nil {
		return err
	}
	if version != latest.Version+1 {
		return domain.ErrBadVersion
	}
	if timestamp.Before(latest.Timestamp) {
		return &domain.TimestampError{StrictlyGreaterThan: latest.Timestamp}
	}
	if err := c.sequester.Admit(ctx, org, realmID, vlobID, version, sequesterBlobs); err != nil {
		return err
	}
	atom := &domain.Atom{
		VlobID:    vlobID,
		Version:   version,
		Author:    author,
		Timestamp: timestamp,
		Blobs:     map[int64][]byte{encryptionRevision: blob},
	}
	checkpoint, err := c.repo.AppendVersion(ctx, org, vlobID, atom)
	if err != nil {
		return err
	}
	c.bus.Publish(event.RealmVlobsUpdated{
		Organization: org,
		Author:       author,
		RealmID:      realmID,
		Checkpoint:   checkpoint,
		VlobID:       vlobID,
		Version:      version,
	})
	return nil
}

// ReadResult is the vlob_read reply material.
type ReadResult struct {
	Version   int64
	Blob      []byte
	Author    apitypes.DeviceID
	Timestamp time.Time
}

// Read returns one version of a vlob. Exactly one of version and at may
// be set; both zero means latest. at selects the newest version whose
// timestamp is at or before it.
func (c *Component) Read(ctx context.Context, org apitypes.OrganizationID, caller apitypes.UserID, encryptionRevision int64, vlobID uuid.UUID, version int64, at time.Time) (*ReadResult, error) {
	realmID, err := c.repo.GetRealmForVlob(ctx, org, vlobID)
	if err != nil {
		return nil, err
	}
	role, err := c.realms.CurrentRole(ctx, org, realmID, caller)
	if err != nil {
		return nil, err
	}
	if !role.CanRead() {
		return nil, domain.ErrNotAllowed
	}
	realm, err := c.realms.GetRealm(ctx, org, realmID)
	if err != nil {
		return nil, err
	}
	if realm.InMaintenance() {
		return nil, domain.ErrInMaintenance
	}
	if encryptionRevision != realm.EncryptionRevision {
		return nil, domain.ErrBadEncryptionRevision
	}

	var atom *domain.Atom
	switch {
	case version != 0:
		atom, err = c.repo.GetAtom(ctx, org, vlobID, version)
	case !at.IsZero():
		atom, err = c.repo.GetAtomAt(ctx, org, vlobID, at)
	default:
		atom, err = c.repo.GetLatestAtom(ctx, org, vlobID)
	}
	if err != nil {
		return nil, err
	}
	blob, ok := atom.Blob(encryptionRevision)
	if !ok {
		return nil, domain.ErrBadEncryptionRevision
	}
	return &ReadResult{Version: atom.Version, Blob: blob, Author: atom.Author, Timestamp: atom.Timestamp}, nil
}

// PollChanges returns the realm checkpoint and the vlobs changed
// strictly after since.
func (c *Component) PollChanges(ctx context.Context, org apitypes.OrganizationID, caller apitypes.UserID, realmID uuid.UUID, since int64) (int64, []domain.Change, error) {
	role, err := c.realms.CurrentRole(ctx, org, realmID, caller)
	if err != nil {
		return 0, nil, err
	}
	if !role.CanRead() {
		return 0, nil, domain.ErrNotAllowed
	}
	realm, err := c.realms.GetRealm(ctx, org, realmID)
	if err != nil {
		return 0, nil, err
	}
	if realm.InMaintenance() {
		return 0, nil, domain.ErrInMaintenance
	}
	return c.repo.PollChanges(ctx, org, realmID, since)
}

// ListVersions returns the version history of a vlob.
func (c *Component) ListVersions(ctx context.Context, org apitypes.OrganizationID, caller apitypes.UserID, vlobID uuid.UUID) ([]domain.VersionInfo, error) {
	realmID, err := c.repo.GetRealmForVlob(ctx, org, vlobID)
	if err != nil {
		return nil, err
	}
	role, err := c.realms.CurrentRole(ctx, org, realmID, caller)
	if err != nil {
		return nil, err
	}
	if !role.CanRead() {
		return nil, domain.ErrNotAllowed
	}
	return c.repo.ListVersions(ctx, org, vlobID)
}

// checkMaintenance validates OWNER role and the in-progress revision
// for the maintenance batch operations.
func (c *Component) checkMaintenance(ctx context.Context, org apitypes.OrganizationID, caller apitypes.UserID, realmID uuid.UUID, encryptionRevision int64) error {
	role, err := c.realms.CurrentRole(ctx, org, realmID, caller)
	if err != nil {
		return err
	}
	if role == nil || *role != apitypes.RealmRoleOwner {
		return domain.ErrNotAllowed
	}
	realm, err := c.realms.GetRealm(ctx, org, realmID)
	if err != nil {
		return err
	}
	if !realm.InMaintenance() {
		return domain.ErrNotInMaintenance
	}
	if encryptionRevision != realm.EncryptionRevision+1 {
		return domain.ErrBadEncryptionRevision
	}
	return nil
}

// MaintenanceGetReencryptionBatch returns pending entries with their
// previous-revision blobs.
func (c *Component) MaintenanceGetReencryptionBatch(ctx context.Context, org apitypes.OrganizationID, caller apitypes.UserID, realmID uuid.UUID, encryptionRevision int64, size int) ([]domain.BatchEntry, error) {
	if err := c.checkMaintenance(ctx, org, caller, realmID, encryptionRevision); err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 100
	}
	return c.repo.GetReencryptionBatch(ctx, org, realmID, encryptionRevision, size)
}

// MaintenanceSaveReencryptionBatch stores reencrypted blobs and reports
// progress. Saving an already-saved entry is a no-op.
func (c *Component) MaintenanceSaveReencryptionBatch(ctx context.Context, org apitypes.OrganizationID, caller apitypes.UserID, realmID uuid.UUID, encryptionRevision int64, entries []domain.BatchEntry) (total, done int64, err error) {
	if err := c.checkMaintenance(ctx, org, caller, realmID, encryptionRevision); err != nil {
		return 0, 0, err
	}
	return c.repo.SaveReencryptionBatch(ctx, org, realmID, encryptionRevision, entries)
}

// LastVlobUpdate implements the realm registry's causality lookup.
func (c *Component) LastVlobUpdate(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, author apitypes.UserID) (time.Time, bool, error) {
	return c.repo.LastUpdateBy(ctx, org, realmID, author)
}

// StartReencryption snapshots the rewrite workload for a maintenance.
func (c *Component) StartReencryption(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, revision int64) error {
	_, err := c.repo.InitReencryption(ctx, org, realmID, revision)
	return err
}

// ReencryptionDone reports whether every atom has a blob at the new
// revision.
func (c *Component) ReencryptionDone(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, revision int64) (bool, error) {
	total, done, err := c.repo.SaveReencryptionBatch(ctx, org, realmID, revision, nil)
	if err != nil {
		return false, err
	}
	return done >= total, nil
}

// RealmVlobStats implements the realm registry's stats lookup.
func (c *Component) RealmVlobStats(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (count, size int64, err error) {
	return c.repo.RealmStats(ctx, org, realmID)
}

// OrganizationStats reports stored metadata bytes; part of the
// organization stats aggregation.
func (c *Component) OrganizationStats(ctx context.Context, org apitypes.OrganizationID, at time.Time) (orgdomain.Stats, error) {
	size, err := c.repo.MetadataSize(ctx, org, at)
	if err != nil {
		return orgdomain.Stats{}, err
	}
	return orgdomain.Stats{MetadataSize: size}, nil
}
