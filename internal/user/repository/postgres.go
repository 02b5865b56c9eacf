package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/db"
	"parsec/backend/internal/user/domain"
)

// PostgresRepository is the production store.
type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `user_id, human_email, human_label, profile,
	user_certificate, redacted_user_certificate, certifier, created_on,
	revoked_on, revoked_user_certificate, revoker`

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var (
		u         domain.User
		rawID     string
		email     sql.NullString
		label     sql.NullString
		profile   string
		certifier sql.NullString
		revoker   sql.NullString
	)
	err := row.Scan(&rawID, &email, &label, &profile,
		&u.UserCertificate, &u.RedactedUserCertificate, &certifier, &u.CreatedOn,
		&u.RevokedOn, &u.RevokedUserCertificate, &revoker)
	if err != nil {
		return nil, err
	}
	u.UserID = apitypes.UserID(rawID)
	u.Profile = apitypes.Profile(profile)
	if email.Valid {
		u.HumanHandle = &apitypes.HumanHandle{Email: email.String, Label: label.String}
	}
	if certifier.Valid {
		id := apitypes.DeviceID(certifier.String)
		u.Certifier = &id
	}
	if revoker.Valid {
		id := apitypes.DeviceID(revoker.String)
		u.Revoker = &id
	}
	return &u, nil
}

func userInsertArgs(org apitypes.OrganizationID, u *domain.User) []any {
	var email, label, certifier sql.NullString
	if u.HumanHandle != nil {
		email = sql.NullString{String: u.HumanHandle.Email, Valid: true}
		label = sql.NullString{String: u.HumanHandle.Label, Valid: true}
	}
	if u.Certifier != nil {
		certifier = sql.NullString{String: string(*u.Certifier), Valid: true}
	}
	return []any{string(org), string(u.UserID), email, label, string(u.Profile),
		u.UserCertificate, u.RedactedUserCertificate, certifier, u.CreatedOn}
}

func deviceInsertArgs(org apitypes.OrganizationID, d *domain.Device) []any {
	var certifier sql.NullString
	if d.Certifier != nil {
		certifier = sql.NullString{String: string(*d.Certifier), Valid: true}
	}
	return []any{string(org), string(d.DeviceID), d.DeviceLabel, d.VerifyKey,
		d.DeviceCertificate, d.RedactedDeviceCertificate, certifier, d.CreatedOn}
}

const insertUserSQL = `
	insert into user_ (organization, user_id, human_email, human_label,
		profile, user_certificate, redacted_user_certificate, certifier,
		created_on)
	values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

const insertDeviceSQL = `
	insert into device (organization, device_id, device_label, verify_key,
		device_certificate, redacted_device_certificate, certifier,
		created_on)
	values ($1,$2,$3,$4,$5,$6,$7,$8)`

func (r *PostgresRepository) InsertUser(ctx context.Context, org apitypes.OrganizationID, user *domain.User, firstDevice *domain.Device) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := db.AdvisoryXactLock(ctx, tx, string(org)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, insertUserSQL, userInsertArgs(org, user)...); err != nil {
		if db.IsUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, insertDeviceSQL, deviceInsertArgs(org, firstDevice)...); err != nil {
		if db.IsUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return err
	}
	return tx.Commit()
}

func (r *PostgresRepository) InsertDevice(ctx context.Context, org apitypes.OrganizationID, device *domain.Device) error {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`select exists (select 1 from user_ where organization=$1 and user_id=$2)`,
		string(org), string(device.UserID())).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}
	_, err = r.db.ExecContext(ctx, insertDeviceSQL, deviceInsertArgs(org, device)...)
	if db.IsUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

func (r *PostgresRepository) GetUser(ctx context.Context, org apitypes.OrganizationID, id apitypes.UserID) (*domain.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`select `+userColumns+` from user_ where organization=$1 and user_id=$2`,
		string(org), string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return u, err
}

func (r *PostgresRepository) GetUserDevices(ctx context.Context, org apitypes.OrganizationID, id apitypes.UserID) ([]*domain.Device, error) {
	if _, err := r.GetUser(ctx, org, id); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		select device_id, device_label, verify_key, device_certificate,
		       redacted_device_certificate, certifier, created_on
		from device
		where organization=$1 and device_id like $2 || '/%'
		order by _id
	`, string(org), string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDevice(row interface{ Scan(...any) error }) (*domain.Device, error) {
	var (
		d         domain.Device
		rawID     string
		certifier sql.NullString
	)
	err := row.Scan(&rawID, &d.DeviceLabel, &d.VerifyKey, &d.DeviceCertificate,
		&d.RedactedDeviceCertificate, &certifier, &d.CreatedOn)
	if err != nil {
		return nil, err
	}
	d.DeviceID = apitypes.DeviceID(rawID)
	if certifier.Valid {
		id := apitypes.DeviceID(certifier.String)
		d.Certifier = &id
	}
	return &d, nil
}

func (r *PostgresRepository) GetDevice(ctx context.Context, org apitypes.OrganizationID, id apitypes.DeviceID) (*domain.Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx, `
		select device_id, device_label, verify_key, device_certificate,
		       redacted_device_certificate, certifier, created_on
		from device where organization=$1 and device_id=$2
	`, string(org), string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return d, err
}

func (r *PostgresRepository) SetRevoked(ctx context.Context, org apitypes.OrganizationID, id apitypes.UserID, revokedOn time.Time, certificate []byte, revoker apitypes.DeviceID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var alreadyRevoked *time.Time
	err = tx.QueryRowContext(ctx,
		`select revoked_on from user_ where organization=$1 and user_id=$2 for update`,
		string(org), string(id)).Scan(&alreadyRevoked)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if alreadyRevoked != nil {
		return domain.ErrAlreadyRevoked
	}
	_, err = tx.ExecContext(ctx, `
		update user_ set revoked_on=$3, revoked_user_certificate=$4, revoker=$5
		where organization=$1 and user_id=$2
	`, string(org), string(id), revokedOn, certificate, string(revoker))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresRepository) CountActiveUsers(ctx context.Context, org apitypes.OrganizationID) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`select count(*) from user_ where organization=$1 and revoked_on is null`,
		string(org)).Scan(&n)
	return n, err
}

func (r *PostgresRepository) GetUserByEmail(ctx context.Context, org apitypes.OrganizationID, email string) (*domain.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `
		select `+userColumns+` from user_
		where organization=$1 and human_email=$2 and revoked_on is null
		order by _id limit 1
	`, string(org), email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return u, err
}

func (r *PostgresRepository) FindHumans(ctx context.Context, org apitypes.OrganizationID, q HumanFindQuery) ([]domain.HumanFindResult, int64, error) {
	perPage := q.PerPage
	if perPage <= 0 {
		perPage = 100
	}
	page := q.Page
	if page <= 0 {
		page = 1
	}

	rows, err := r.db.QueryContext(ctx, `
		select user_id, human_email, human_label, revoked_on is not null,
		       count(*) over ()
		from user_
		where organization=$1
		  and ($2 = '' or user_id ilike '%'||$2||'%'
		       or human_email ilike '%'||$2||'%'
		       or human_label ilike '%'||$2||'%')
		  and (not $3 or revoked_on is null)
		  and (not $4 or human_email is not null)
		order by human_email is null,
		         lower(coalesce(human_label, user_id))
		limit $5 offset $6
	`, string(org), q.Query, q.OmitRevoked, q.OmitNonHuman,
		perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var (
		out   []domain.HumanFindResult
		total int64
	)
	for rows.Next() {
		var (
			rawID string
			email sql.NullString
			label sql.NullString
			res   domain.HumanFindResult
		)
		if err := rows.Scan(&rawID, &email, &label, &res.Revoked, &total); err != nil {
			return nil, 0, err
		}
		res.UserID = apitypes.UserID(rawID)
		if email.Valid {
			res.HumanHandle = &apitypes.HumanHandle{Email: email.String, Label: label.String}
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if out == nil && total == 0 {
		// offset past the end drops the window count; re-count so the
		// caller still gets the real total
		err := r.db.QueryRowContext(ctx, `
			select count(*) from user_
			where organization=$1
			  and ($2 = '' or user_id ilike '%'||$2||'%'
			       or human_email ilike '%'||$2||'%'
			       or human_label ilike '%'||$2||'%')
			  and (not $3 or revoked_on is null)
			  and (not $4 or human_email is not null)
		`, string(org), q.Query, q.OmitRevoked, q.OmitNonHuman).Scan(&total)
		if err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

func (r *PostgresRepository) UserStats(ctx context.Context, org apitypes.OrganizationID, at time.Time) (int64, int64, error) {
	var users, active int64
	err := r.db.QueryRowContext(ctx, `
		select count(*),
		       count(*) filter (where revoked_on is null or revoked_on > $2)
		from user_ where organization=$1 and created_on <= $2
	`, string(org), at).Scan(&users, &active)
	return users, active, err
}
