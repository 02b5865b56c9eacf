package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"parsec/backend/internal/apitypes"
	"parsec/backend/internal/db"
	"parsec/backend/internal/pki/domain"
)

// PostgresRepository is the production store.
type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const enrollmentColumns = `enrollment_id, submitter_der_x509_certificate,
	submitter_email, submit_payload_signature, submit_payload, submitted_on,
	state, cancelled_on, rejected_on, accepted_on,
	accepter_der_x509_certificate, accept_payload_signature, accept_payload,
	accepted_user`

func scanEnrollment(row interface{ Scan(...any) error }) (*domain.Enrollment, error) {
	var (
		e            domain.Enrollment
		state        string
		acceptedUser sql.NullString
	)
	err := row.Scan(&e.EnrollmentID, &e.X509Der, &e.X509Email, &e.Signature,
		&e.Payload, &e.SubmittedOn, &state, &e.CancelledOn, &e.RejectedOn,
		&e.AcceptedOn, &e.AccepterDer, &e.AcceptSignature, &e.AcceptPayload,
		&acceptedUser)
	if err != nil {
		return nil, err
	}
	e.State = domain.State(state)
	if acceptedUser.Valid {
		id := apitypes.UserID(acceptedUser.String)
		e.AcceptedUser = &id
	}
	return &e, nil
}

func enrollmentArgs(org apitypes.OrganizationID, e *domain.Enrollment) []any {
	var acceptedUser sql.NullString
	if e.AcceptedUser != nil {
		acceptedUser = sql.NullString{String: string(*e.AcceptedUser), Valid: true}
	}
	return []any{string(org), e.EnrollmentID, e.X509Der, e.X509Email,
		e.Signature, e.Payload, e.SubmittedOn, string(e.State),
		e.CancelledOn, e.RejectedOn, e.AcceptedOn, e.AccepterDer,
		e.AcceptSignature, e.AcceptPayload, acceptedUser}
}

func (r *PostgresRepository) Insert(ctx context.Context, org apitypes.OrganizationID, e *domain.Enrollment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := db.AdvisoryXactLock(ctx, tx, string(org)); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into pki_enrollment (organization, enrollment_id,
			submitter_der_x509_certificate, submitter_email,
			submit_payload_signature, submit_payload, submitted_on, state,
			cancelled_on, rejected_on, accepted_on,
			accepter_der_x509_certificate, accept_payload_signature,
			accept_payload, accepted_user)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, enrollmentArgs(org, e)...)
	if db.IsUniqueViolation(err) {
		return domain.ErrIDAlreadyUsed
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresRepository) Get(ctx context.Context, org apitypes.OrganizationID, id uuid.UUID) (*domain.Enrollment, error) {
	e, err := scanEnrollment(r.db.QueryRowContext(ctx,
		`select `+enrollmentColumns+` from pki_enrollment where organization=$1 and enrollment_id=$2`,
		string(org), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return e, err
}

func (r *PostgresRepository) Update(ctx context.Context, org apitypes.OrganizationID, e *domain.Enrollment) error {
	var acceptedUser sql.NullString
	if e.AcceptedUser != nil {
		acceptedUser = sql.NullString{String: string(*e.AcceptedUser), Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
		update pki_enrollment set state=$3, cancelled_on=$4, rejected_on=$5,
			accepted_on=$6, accepter_der_x509_certificate=$7,
			accept_payload_signature=$8, accept_payload=$9, accepted_user=$10
		where organization=$1 and enrollment_id=$2
	`, string(org), e.EnrollmentID, string(e.State), e.CancelledOn,
		e.RejectedOn, e.AcceptedOn, e.AccepterDer, e.AcceptSignature,
		e.AcceptPayload, acceptedUser)
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

func (r *PostgresRepository) LatestForCertificate(ctx context.Context, org apitypes.OrganizationID, x509Der []byte) (*domain.Enrollment, error) {
	e, err := scanEnrollment(r.db.QueryRowContext(ctx, `
		select `+enrollmentColumns+` from pki_enrollment
		where organization=$1 and submitter_der_x509_certificate=$2
		order by submitted_on desc, _id desc limit 1
	`, string(org), x509Der))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return e, err
}

func (r *PostgresRepository) ListSubmitted(ctx context.Context, org apitypes.OrganizationID) ([]*domain.Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, `
		select `+enrollmentColumns+` from pki_enrollment
		where organization=$1 and state=$2
		order by submitted_on, _id
	`, string(org), string(domain.StateSubmitted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
