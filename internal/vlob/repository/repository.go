// Package repository persists vlob atoms and realm change checkpoints.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/vlob/domain"
)

// Repository stores vlob atoms. Version and timestamp rules are
// enforced by the component; implementations only enforce uniqueness
// and assign change checkpoints.
type Repository interface {
	// InsertVlob stores version 1 of a new vlob and returns the realm
	// checkpoint assigned to the write.
	InsertVlob(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, atom *domain.Atom) (checkpoint int64, err error)
	// AppendVersion stores atom.Version of an existing vlob and
	// returns the assigned checkpoint. Returns domain.ErrBadVersion
	// when atom.Version is not exactly the current version plus one,
	// so a racing writer cannot slip in between the component's check
	// and the append.
	AppendVersion(ctx context.Context, org apitypes.OrganizationID, vlobID uuid.UUID, atom *domain.Atom) (checkpoint int64, err error)
	// GetRealmForVlob resolves the realm owning a vlob.
	GetRealmForVlob(ctx context.Context, org apitypes.OrganizationID, vlobID uuid.UUID) (uuid.UUID, error)
	// GetAtom returns one version, or domain.ErrBadVersion when the
	// version does not exist (domain.ErrNotFound for unknown vlobs).
	GetAtom(ctx context.Context, org apitypes.OrganizationID, vlobID uuid.UUID, version int64) (*domain.Atom, error)
	// GetLatestAtom returns the newest version.
	GetLatestAtom(ctx context.Context, org apitypes.OrganizationID, vlobID uuid.UUID) (*domain.Atom, error)
	// GetAtomAt returns the newest version with a timestamp at or
	// before at, or domain.ErrBadVersion when the vlob did not exist
	// yet.
	GetAtomAt(ctx context.Context, org apitypes.OrganizationID, vlobID uuid.UUID, at time.Time) (*domain.Atom, error)
	// ListVersions returns the version metadata in ascending order.
	ListVersions(ctx context.Context, org apitypes.OrganizationID, vlobID uuid.UUID) ([]domain.VersionInfo, error)
	// PollChanges returns the realm's current checkpoint plus the
	// latest version of every vlob changed strictly after since.
	PollChanges(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, since int64) (current int64, changes []domain.Change, err error)
	// LastUpdateBy returns the timestamp of the author's most recent
	// write in the realm.
	LastUpdateBy(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, author apitypes.UserID) (time.Time, bool, error)
	// RealmStats reports atom count and stored bytes for a realm.
	RealmStats(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (count, size int64, err error)
	// MetadataSize reports the organization's stored vlob bytes as of
	// the given instant.
	MetadataSize(ctx context.Context, org apitypes.OrganizationID, at time.Time) (int64, error)

	// InitReencryption snapshots the (vlob, version) set to rewrite at
	// the new revision and returns its size.
	InitReencryption(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, revision int64) (total int64, err error)
	// GetReencryptionBatch returns up to size entries still missing a
	// blob at the new revision, with their previous-revision blobs.
	GetReencryptionBatch(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, revision int64, size int) ([]domain.BatchEntry, error)
	// SaveReencryptionBatch stores reencrypted blobs. Entries already
	// saved are ignored. Returns the batch totals.
	SaveReencryptionBatch(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, revision int64, entries []domain.BatchEntry) (total, done int64, err error)
}
