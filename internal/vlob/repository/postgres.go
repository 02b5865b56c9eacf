package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/db"
	"parsec/backend/internal/vlob/domain"
)

// PostgresRepository is the production store.
type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// nextCheckpoint bumps and returns the realm change counter; the realm
// row doubles as the per-realm write lock.
func nextCheckpoint(ctx context.Context, tx *sql.Tx, org apitypes.OrganizationID, realmID uuid.UUID) (int64, error) {
	var checkpoint int64
	err := tx.QueryRowContext(ctx, `
		update realm set checkpoint = checkpoint + 1
		where organization=$1 and realm_id=$2
		returning checkpoint
	`, string(org), realmID).Scan(&checkpoint)
	return checkpoint, err
}

func insertAtom(ctx context.Context, tx *sql.Tx, org apitypes.OrganizationID, atom *domain.Atom, version, checkpoint int64) error {
	_, err := tx.ExecContext(ctx, `
		insert into vlob_atom (organization, vlob_id, version, author,
			timestamp_, checkpoint)
		values ($1,$2,$3,$4,$5,$6)
	`, string(org), atom.VlobID, version, string(atom.Author), atom.Timestamp, checkpoint)
	if err != nil {
		return err
	}
	for revision, blob := range atom.Blobs {
		_, err := tx.ExecContext(ctx, `
			insert into vlob_atom_blob (organization, vlob_id, version,
				encryption_revision, blob)
			values ($1,$2,$3,$4,$5)
		`, string(org), atom.VlobID, version, revision, blob)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) InsertVlob(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, atom *domain.Atom) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`insert into vlob (organization, vlob_id, realm_id) values ($1,$2,$3)`,
		string(org), atom.VlobID, realmID)
	if db.IsUniqueViolation(err) {
		return 0, domain.ErrAlreadyExists
	}
	if err != nil {
		return 0, err
	}
	checkpoint, err := nextCheckpoint(ctx, tx, org, realmID)
	if err != nil {
		return 0, err
	}
	if err := insertAtom(ctx, tx, org, atom, 1, checkpoint); err != nil {
		return 0, err
	}
	return checkpoint, tx.Commit()
}

func (r *PostgresRepository) AppendVersion(ctx context.Context, org apitypes.OrganizationID, vlobID uuid.UUID, atom *domain.Atom) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var realmID uuid.UUID
	err = tx.QueryRowContext(ctx,
		`select realm_id from vlob where organization=$1 and vlob_id=$2 for update`,
		string(org), vlobID).Scan(&realmID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	var next int64
	err = tx.QueryRowContext(ctx,
		`select coalesce(max(version),0)+1 from vlob_atom where organization=$1 and vlob_id=$2`,
		string(org), vlobID).Scan(&next)
	if err != nil {
		return 0, err
	}
	if atom.Version != next {
		return 0, domain.ErrBadVersion
	}
	checkpoint, err := nextCheckpoint(ctx, tx, org, realmID)
	if err != nil {
		return 0, err
	}
	if err := insertAtom(ctx, tx, org, atom, atom.Version, checkpoint); err != nil {
		return 0, err
	}
	return checkpoint, tx.Commit()
}

func (r *PostgresRepository) GetRealmForVlob(ctx context.Context, org apitypes.OrganizationID, vlobID uuid.UUID) (uuid.UUID, error) {
	var realmID uuid.UUID
	err := r.db.QueryRowContext(ctx,
		`select realm_id from vlob where organization=$1 and vlob_id=$2`,
		string(org), vlobID).Scan(&realmID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, domain.ErrNotFound
	}
	return realmID, err
}

func (r *PostgresRepository) loadBlobs(ctx context.Context, org apitypes.OrganizationID, vlobID uuid.UUID, version int64) (map[int64][]byte, error) {
	rows, err := r.db.QueryContext(ctx, `
		select encryption_revision, blob from vlob_atom_blob
		where organization=$1 and vlob_id=$2 and version=$3
	`, string(org), vlobID, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	blobs := make(map[int64][]byte)
	for rows.Next() {
		var (
			revision int64
			blob     []byte
		)
		if err := rows.Scan(&revision, &blob); err != nil {
			return nil, err
		}
		blobs[revision] = blob
	}
	return blobs, rows.Err()
}

func (r *PostgresRepository) getAtomRow(ctx context.Context, org apitypes.OrganizationID, vlobID uuid.UUID, query string, args ...any) (*domain.Atom, error) {
	var (
		atom   domain.Atom
		author string
	)
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&atom.Version, &author, &atom.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		// the vlob may exist with no matching version
		if _, lookupErr := r.GetRealmForVlob(ctx, org, vlobID); lookupErr != nil {
			return nil, lookupErr
		}
		return nil, domain.ErrBadVersion
	}
	if err != nil {
		return nil, err
	}
	atom.VlobID = vlobID
	atom.Author = apitypes.DeviceID(author)
	atom.Blobs, err = r.loadBlobs(ctx, org, vlobID, atom.Version)
	return &atom, err
}

func (r *PostgresRepository) GetAtom(ctx context.Context, org apitypes.OrganizationID, vlobID uuid.UUID, version int64) (*domain.Atom, error) {
	return r.getAtomRow(ctx, org, vlobID, `
		select version, author, timestamp_ from vlob_atom
		where organization=$1 and vlob_id=$2 and version=$3
	`, string(org), vlobID, version)
}

func (r *PostgresRepository) GetLatestAtom(ctx context.Context, org apitypes.OrganizationID, vlobID uuid.UUID) (*domain.Atom, error) {
	return r.getAtomRow(ctx, org, vlobID, `
		select version, author, timestamp_ from vlob_atom
		where organization=$1 and vlob_id=$2
		order by version desc limit 1
	`, string(org), vlobID)
}

func (r *PostgresRepository) GetAtomAt(ctx context.Context, org apitypes.OrganizationID, vlobID uuid.UUID, at time.Time) (*domain.Atom, error) {
	return r.getAtomRow(ctx, org, vlobID, `
		select version, author, timestamp_ from vlob_atom
		where organization=$1 and vlob_id=$2 and timestamp_ <= $3
		order by version desc limit 1
	`, string(org), vlobID, at)
}

func (r *PostgresRepository) ListVersions(ctx context.Context, org apitypes.OrganizationID, vlobID uuid.UUID) ([]domain.VersionInfo, error) {
	if _, err := r.GetRealmForVlob(ctx, org, vlobID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		select version, author, timestamp_ from vlob_atom
		where organization=$1 and vlob_id=$2
		order by version
	`, string(org), vlobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.VersionInfo
	for rows.Next() {
		var (
			info   domain.VersionInfo
			author string
		)
		if err := rows.Scan(&info.Version, &author, &info.Timestamp); err != nil {
			return nil, err
		}
		info.Author = apitypes.DeviceID(author)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) PollChanges(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, since int64) (int64, []domain.Change, error) {
	var current int64
	err := r.db.QueryRowContext(ctx,
		`select checkpoint from realm where organization=$1 and realm_id=$2`,
		string(org), realmID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		select vlob_id, version, checkpoint from (
			select distinct on (a.vlob_id)
			       a.vlob_id, a.version, a.checkpoint
			from vlob_atom a
			join vlob v on v.organization = a.organization and v.vlob_id = a.vlob_id
			where a.organization=$1 and v.realm_id=$2 and a.checkpoint > $3
			order by a.vlob_id, a.checkpoint desc
		) latest
		order by checkpoint
	`, string(org), realmID, since)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	var changes []domain.Change
	for rows.Next() {
		var ch domain.Change
		if err := rows.Scan(&ch.VlobID, &ch.Version, &ch.Checkpoint); err != nil {
			return 0, nil, err
		}
		changes = append(changes, ch)
	}
	return current, changes, rows.Err()
}

func (r *PostgresRepository) LastUpdateBy(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, author apitypes.UserID) (time.Time, bool, error) {
	var last sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		select max(a.timestamp_)
		from vlob_atom a
		join vlob v on v.organization = a.organization and v.vlob_id = a.vlob_id
		where a.organization=$1 and v.realm_id=$2 and split_part(a.author, '/', 1)=$3
	`, string(org), realmID, string(author)).Scan(&last)
	if err != nil {
		return time.Time{}, false, err
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return last.Time, true, nil
}

func (r *PostgresRepository) RealmStats(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (int64, int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `
		select count(*)
		from vlob_atom a
		join vlob v on v.organization = a.organization and v.vlob_id = a.vlob_id
		where a.organization=$1 and v.realm_id=$2
	`, string(org), realmID).Scan(&count)
	if err != nil {
		return 0, 0, err
	}
	var size int64
	err = r.db.QueryRowContext(ctx, `
		select coalesce(sum(length(b.blob)), 0)
		from vlob_atom_blob b
		join vlob v on v.organization = b.organization and v.vlob_id = b.vlob_id
		where b.organization=$1 and v.realm_id=$2
	`, string(org), realmID).Scan(&size)
	return count, size, err
}

func (r *PostgresRepository) MetadataSize(ctx context.Context, org apitypes.OrganizationID, at time.Time) (int64, error) {
	var size int64
	err := r.db.QueryRowContext(ctx, `
		select coalesce(sum(length(b.blob)), 0)
		from vlob_atom_blob b
		join vlob_atom a on a.organization = b.organization
			and a.vlob_id = b.vlob_id and a.version = b.version
		where b.organization=$1 and a.timestamp_ <= $2
	`, string(org), at).Scan(&size)
	return size, err
}

func (r *PostgresRepository) countRealmAtoms(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (int64, error) {
	var total int64
	err := r.db.QueryRowContext(ctx, `
		select count(*)
		from vlob_atom a
		join vlob v on v.organization = a.organization and v.vlob_id = a.vlob_id
		where a.organization=$1 and v.realm_id=$2
	`, string(org), realmID).Scan(&total)
	return total, err
}

// InitReencryption reports the reencryption workload. The atom set is
// stable while the maintenance lasts since vlob writes are rejected, so
// the count is not persisted.
func (r *PostgresRepository) InitReencryption(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, revision int64) (int64, error) {
	return r.countRealmAtoms(ctx, org, realmID)
}

func (r *PostgresRepository) GetReencryptionBatch(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, revision int64, size int) ([]domain.BatchEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		select a.vlob_id, a.version, prev.blob
		from vlob_atom a
		join vlob v on v.organization = a.organization and v.vlob_id = a.vlob_id
		left join vlob_atom_blob prev on prev.organization = a.organization
			and prev.vlob_id = a.vlob_id and prev.version = a.version
			and prev.encryption_revision = $3 - 1
		where a.organization=$1 and v.realm_id=$2
		  and not exists (
			select 1 from vlob_atom_blob nb
			where nb.organization = a.organization and nb.vlob_id = a.vlob_id
			  and nb.version = a.version and nb.encryption_revision = $3
		  )
		order by a._id
		limit $4
	`, string(org), realmID, revision, size)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BatchEntry
	for rows.Next() {
		var e domain.BatchEntry
		if err := rows.Scan(&e.VlobID, &e.Version, &e.Blob); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SaveReencryptionBatch(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, revision int64, entries []domain.BatchEntry) (int64, int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		// entries for foreign vlobs or unknown versions are dropped
		_, err := tx.ExecContext(ctx, `
			insert into vlob_atom_blob (organization, vlob_id, version,
				encryption_revision, blob)
			select a.organization, a.vlob_id, a.version, $4, $5
			from vlob_atom a
			join vlob v on v.organization = a.organization and v.vlob_id = a.vlob_id
			where a.organization=$1 and a.vlob_id=$2 and a.version=$3
			  and v.realm_id=$6
			on conflict do nothing
		`, string(org), e.VlobID, e.Version, revision, e.Blob, realmID)
		if err != nil {
			return 0, 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}

	total, err := r.countRealmAtoms(ctx, org, realmID)
	if err != nil {
		return 0, 0, err
	}
	var done int64
	err = r.db.QueryRowContext(ctx, `
		select count(*)
		from vlob_atom_blob b
		join vlob v on v.organization = b.organization and v.vlob_id = b.vlob_id
		where b.organization=$1 and v.realm_id=$2 and b.encryption_revision=$3
	`, string(org), realmID, revision).Scan(&done)
	return total, done, err
}
