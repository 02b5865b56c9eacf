package repository

import (
	"context"
	"database/sql"
	"errors"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/db"
	"parsec/backend/internal/organization/domain"
)

// PostgresRepository is the production store.
type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, id apitypes.OrganizationID) (*domain.Organization, error) {
	var (
		org   domain.Organization
		rawID string
	)
	err := r.db.QueryRowContext(ctx, `
		select organization_id, bootstrap_token, root_verify_key, created_on,
		       bootstrapped_on, is_expired, active_users_limit,
		       outsider_profile_allowed, sequester_authority_key,
		       sequester_authority_certificate
		from organization where organization_id=$1
	`, string(id)).Scan(
		&rawID, &org.BootstrapToken, &org.RootVerifyKey, &org.CreatedOn,
		&org.BootstrappedOn, &org.IsExpired, &org.ActiveUsersLimit,
		&org.OutsiderProfileAllowed, &org.SequesterAuthorityKey,
		&org.SequesterAuthorityCertificate,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	org.ID = apitypes.OrganizationID(rawID)
	return &org, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, org *domain.Organization) error {
	_, err := r.db.ExecContext(ctx, `
		insert into organization (
			organization_id, bootstrap_token, root_verify_key, created_on,
			bootstrapped_on, is_expired, active_users_limit,
			outsider_profile_allowed, sequester_authority_key,
			sequester_authority_certificate
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, string(org.ID), org.BootstrapToken, org.RootVerifyKey, org.CreatedOn,
		org.BootstrappedOn, org.IsExpired, org.ActiveUsersLimit,
		org.OutsiderProfileAllowed, org.SequesterAuthorityKey,
		org.SequesterAuthorityCertificate)
	if db.IsUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

func (r *PostgresRepository) Update(ctx context.Context, org *domain.Organization) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// bootstrap races on the same organization resolve here
	if err := db.AdvisoryXactLock(ctx, tx, string(org.ID)); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		update organization set
			bootstrap_token=$2, root_verify_key=$3, bootstrapped_on=$4,
			is_expired=$5, active_users_limit=$6, outsider_profile_allowed=$7,
			sequester_authority_key=$8, sequester_authority_certificate=$9
		where organization_id=$1
	`, string(org.ID), org.BootstrapToken, org.RootVerifyKey, org.BootstrappedOn,
		org.IsExpired, org.ActiveUsersLimit, org.OutsiderProfileAllowed,
		org.SequesterAuthorityKey, org.SequesterAuthorityCertificate)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return tx.Commit()
}
