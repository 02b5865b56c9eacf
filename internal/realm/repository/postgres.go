package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/db"
	"parsec/backend/internal/realm/domain"
)

// PostgresRepository is the production store.
type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, org apitypes.OrganizationID, realm *domain.Realm, firstGrant *domain.RoleGrant) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var maintenanceType *string
	if realm.MaintenanceType != nil {
		s := string(*realm.MaintenanceType)
		maintenanceType = &s
	}
	var startedBy *string
	if realm.MaintenanceStartedBy != nil {
		s := string(*realm.MaintenanceStartedBy)
		startedBy = &s
	}
	_, err = tx.ExecContext(ctx, `
		insert into realm (organization, realm_id, created_on,
			encryption_revision, maintenance_type, maintenance_started_on,
			maintenance_started_by)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, string(org), realm.RealmID, realm.CreatedOn, realm.EncryptionRevision,
		maintenanceType, realm.MaintenanceStartedOn, startedBy)
	if db.IsUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	if err := insertGrant(ctx, tx, org, realm.RealmID, firstGrant); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertGrant(ctx context.Context, e execer, org apitypes.OrganizationID, realmID uuid.UUID, g *domain.RoleGrant) error {
	var role *string
	if g.Role != nil {
		s := string(*g.Role)
		role = &s
	}
	_, err := e.ExecContext(ctx, `
		insert into realm_user_role (organization, realm_id, user_id, role,
			certificate, granted_by, granted_on)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, string(org), realmID, string(g.UserID), role, g.Certificate,
		string(g.GrantedBy), g.GrantedOn)
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (*domain.Realm, error) {
	var (
		realm           domain.Realm
		maintenanceType sql.NullString
		startedBy       sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		select realm_id, created_on, encryption_revision, maintenance_type,
		       maintenance_started_on, maintenance_started_by
		from realm where organization=$1 and realm_id=$2
	`, string(org), realmID).Scan(&realm.RealmID, &realm.CreatedOn,
		&realm.EncryptionRevision, &maintenanceType,
		&realm.MaintenanceStartedOn, &startedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if maintenanceType.Valid {
		mt := apitypes.MaintenanceType(maintenanceType.String)
		realm.MaintenanceType = &mt
	}
	if startedBy.Valid {
		id := apitypes.DeviceID(startedBy.String)
		realm.MaintenanceStartedBy = &id
	}
	return &realm, nil
}

func (r *PostgresRepository) Update(ctx context.Context, org apitypes.OrganizationID, realm *domain.Realm) error {
	var maintenanceType *string
	if realm.MaintenanceType != nil {
		s := string(*realm.MaintenanceType)
		maintenanceType = &s
	}
	var startedBy *string
	if realm.MaintenanceStartedBy != nil {
		s := string(*realm.MaintenanceStartedBy)
		startedBy = &s
	}
	res, err := r.db.ExecContext(ctx, `
		update realm set encryption_revision=$3, maintenance_type=$4,
			maintenance_started_on=$5, maintenance_started_by=$6
		where organization=$1 and realm_id=$2
	`, string(org), realm.RealmID, realm.EncryptionRevision,
		maintenanceType, realm.MaintenanceStartedOn, startedBy)
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

func (r *PostgresRepository) InsertRoleGrant(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID, grant *domain.RoleGrant) error {
	if _, err := r.Get(ctx, org, realmID); err != nil {
		return err
	}
	return insertGrant(ctx, r.db, org, realmID, grant)
}

func (r *PostgresRepository) GetRoleGrants(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID) ([]domain.RoleGrant, error) {
	if _, err := r.Get(ctx, org, realmID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		select user_id, role, certificate, granted_by, granted_on
		from realm_user_role
		where organization=$1 and realm_id=$2
		order by _id
	`, string(org), realmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RoleGrant
	for rows.Next() {
		var (
			g         domain.RoleGrant
			rawUser   string
			role      sql.NullString
			grantedBy string
		)
		if err := rows.Scan(&rawUser, &role, &g.Certificate, &grantedBy, &g.GrantedOn); err != nil {
			return nil, err
		}
		g.UserID = apitypes.UserID(rawUser)
		g.GrantedBy = apitypes.DeviceID(grantedBy)
		if role.Valid {
			rr := apitypes.RealmRole(role.String)
			g.Role = &rr
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetCurrentRoles(ctx context.Context, org apitypes.OrganizationID, realmID uuid.UUID) (map[apitypes.UserID]apitypes.RealmRole, error) {
	grants, err := r.GetRoleGrants(ctx, org, realmID)
	if err != nil {
		return nil, err
	}
	return reduceRoles(grants), nil
}

func (r *PostgresRepository) GetRealmsForUser(ctx context.Context, org apitypes.OrganizationID, id apitypes.UserID) (map[uuid.UUID]apitypes.RealmRole, error) {
	rows, err := r.db.QueryContext(ctx, `
		select distinct on (realm_id) realm_id, role
		from realm_user_role
		where organization=$1 and user_id=$2
		order by realm_id, _id desc
	`, string(org), string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]apitypes.RealmRole)
	for rows.Next() {
		var (
			realmID uuid.UUID
			role    sql.NullString
		)
		if err := rows.Scan(&realmID, &role); err != nil {
			return nil, err
		}
		if role.Valid {
			out[realmID] = apitypes.RealmRole(role.String)
		}
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CountRealms(ctx context.Context, org apitypes.OrganizationID, at time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`select count(*) from realm where organization=$1 and created_on <= $2`,
		string(org), at).Scan(&n)
	return n, err
}
