package block

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/db"
)

// PostgresMetaRepository is the production metadata store.
type PostgresMetaRepository struct {
	db *sql.DB
}

var _ MetaRepository = (*PostgresMetaRepository)(nil)

func NewPostgresMetaRepository(db *sql.DB) *PostgresMetaRepository {
	return &PostgresMetaRepository{db: db}
}

func (r *PostgresMetaRepository) Insert(ctx context.Context, org apitypes.OrganizationID, meta *Meta) error {
	_, err := r.db.ExecContext(ctx, `
		insert into block (organization, block_id, realm_id, author, size, created_on)
		values ($1,$2,$3,$4,$5,$6)
	`, string(org), meta.BlockID, meta.RealmID, string(meta.Author),
		meta.Size, meta.CreatedOn)
	if db.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *PostgresMetaRepository) Get(ctx context.Context, org apitypes.OrganizationID, blockID uuid.UUID) (*Meta, error) {
	var (
		meta   Meta
		author string
	)
	err := r.db.QueryRowContext(ctx, `
		select block_id, realm_id, author, size, created_on
		from block where organization=$1 and block_id=$2
	`, string(org), blockID).Scan(&meta.BlockID, &meta.RealmID, &author,
		&meta.Size, &meta.CreatedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	meta.Author = apitypes.DeviceID(author)
	return &meta, nil
}

func (r *PostgresMetaRepository) RealmStats(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (int64, int64, error) {
	var count, size int64
	err := r.db.QueryRowContext(ctx, `
		select count(*), coalesce(sum(size), 0)
		from block where organization=$1 and realm_id=$2
	`, string(org), realmID).Scan(&count, &size)
	return count, size, err
}

func (r *PostgresMetaRepository) DataSize(ctx context.Context, org apitypes.OrganizationID, at time.Time) (int64, error) {
	var size int64
	err := r.db.QueryRowContext(ctx, `
		select coalesce(sum(size), 0)
		from block where organization=$1 and created_on <= $2
	`, string(org), at).Scan(&size)
	return size, err
}
