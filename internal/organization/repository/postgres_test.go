package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"parsec/backend/internal/organization/domain"
)

func TestPostgresGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	repo := NewPostgresRepository(db)

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bootstrapped := created.Add(time.Hour)
	mock.ExpectQuery("select organization_id, bootstrap_token").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{
			"organization_id", "bootstrap_token", "root_verify_key",
			"created_on", "bootstrapped_on", "is_expired",
			"active_users_limit", "outsider_profile_allowed",
			"sequester_authority_key", "sequester_authority_certificate",
		}).AddRow("acme", "tok", []byte{1, 2}, created, bootstrapped,
			false, nil, true, nil, nil))

	org, err := repo.Get(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if org.ID != "acme" || org.BootstrapToken != "tok" {
		t.Errorf("org = %+v, want acme/tok", org)
	}
	if !org.IsBootstrapped() {
		t.Error("org should be bootstrapped")
	}
	if org.ActiveUsersLimit != nil {
		t.Errorf("ActiveUsersLimit = %v, want nil", *org.ActiveUsersLimit)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	repo := NewPostgresRepository(db)

	mock.ExpectQuery("select organization_id, bootstrap_token").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"organization_id"}))

	_, err = repo.Get(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
}

func TestPostgresInsertDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	repo := NewPostgresRepository(db)

	mock.ExpectExec("insert into organization").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err = repo.Insert(context.Background(), &domain.Organization{ID: "acme", BootstrapToken: "tok"})
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("Insert err = %v, want ErrAlreadyExists", err)
	}
}

func TestPostgresUpdateMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	repo := NewPostgresRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("select pg_advisory_xact_lock").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("update organization").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = repo.Update(context.Background(), &domain.Organization{ID: "ghost"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Update err = %v, want ErrNotFound", err)
	}
}
