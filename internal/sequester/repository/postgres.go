package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/db"
	"parsec/backend/internal/sequester/domain"
)

// PostgresRepository is the production store.
type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const serviceColumns = `service_id, label, service_certificate, service_type,
	webhook_url, created_on, disabled_on`

func scanService(row interface{ Scan(...any) error }) (*domain.Service, error) {
	var (
		svc domain.Service
		typ string
	)
	err := row.Scan(&svc.ServiceID, &svc.Label, &svc.Certificate, &typ,
		&svc.WebhookURL, &svc.CreatedOn, &svc.DisabledOn)
	if err != nil {
		return nil, err
	}
	svc.ServiceType = domain.ServiceType(typ)
	return &svc, nil
}

func (r *PostgresRepository) InsertService(ctx context.Context, org apitypes.OrganizationID, svc *domain.Service) error {
	_, err := r.db.ExecContext(ctx, `
		insert into sequester_service (organization, service_id, label,
			service_certificate, service_type, webhook_url, created_on,
			disabled_on)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, string(org), svc.ServiceID, svc.Label, svc.Certificate,
		string(svc.ServiceType), svc.WebhookURL, svc.CreatedOn, svc.DisabledOn)
	if db.IsUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

func (r *PostgresRepository) GetService(ctx context.Context, org apitypes.OrganizationID, serviceID uuid.UUID) (*domain.Service, error) {
	svc, err := scanService(r.db.QueryRowContext(ctx,
		`select `+serviceColumns+` from sequester_service where organization=$1 and service_id=$2`,
		string(org), serviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return svc, err
}

func (r *PostgresRepository) UpdateService(ctx context.Context, org apitypes.OrganizationID, svc *domain.Service) error {
	res, err := r.db.ExecContext(ctx, `
		update sequester_service set label=$3, service_certificate=$4,
			service_type=$5, webhook_url=$6, disabled_on=$7
		where organization=$1 and service_id=$2
	`, string(org), svc.ServiceID, svc.Label, svc.Certificate,
		string(svc.ServiceType), svc.WebhookURL, svc.DisabledOn)
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
	return nil
}

func (r *PostgresRepository) ListServices(ctx context.Context, org apitypes.OrganizationID) ([]*domain.Service, error) {
	rows, err := r.db.QueryContext(ctx,
		`select `+serviceColumns+` from sequester_service where organization=$1 order by created_on, _id`,
		string(org))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) StoreVlobCopy(ctx context.Context, org apitypes.OrganizationID, serviceID uuid.UUID, realmID, vlobID uuid.UUID, version int64, blob []byte) error {
	_, err := r.db.ExecContext(ctx, `
		insert into sequester_service_vlob_atom (organization, service_id,
			realm_id, vlob_id, version, blob)
		values ($1,$2,$3,$4,$5,$6)
		on conflict do nothing
	`, string(org), serviceID, realmID, vlobID, version, blob)
	return err
}

func (r *PostgresRepository) DumpRealm(ctx context.Context, org apitypes.OrganizationID, serviceID uuid.UUID, realmID uuid.UUID) ([]domain.DumpEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		select vlob_id, version, blob from sequester_service_vlob_atom
		where organization=$1 and service_id=$2 and realm_id=$3
		order by _id
	`, string(org), serviceID, realmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DumpEntry
	for rows.Next() {
		var e domain.DumpEntry
		if err := rows.Scan(&e.VlobID, &e.Version, &e.Blob); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
