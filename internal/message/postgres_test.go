package message

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresAppendAssignsIndex(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	repo := NewPostgresRepository(db)

	ts := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("insert into message").
		WithArgs("acme", "bob", "alice/dev1", ts, []byte("hi")).
		WillReturnRows(sqlmock.NewRows([]string{"idx"}).AddRow(int64(3)))

	index, err := repo.Append(context.Background(), "acme", "bob",
		&Message{Sender: "alice/dev1", Timestamp: ts, Body: []byte("hi")})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if index != 3 {
		t.Errorf("index = %d, want 3", index)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresListFrom(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	repo := NewPostgresRepository(db)

	ts := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("select idx, sender, timestamp_, body from message").
		WithArgs("acme", "bob", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"idx", "sender", "timestamp_", "body"}).
			AddRow(int64(2), "alice/dev1", ts, []byte("hello")).
			AddRow(int64(3), "carol/dev1", ts.Add(time.Minute), []byte("again")))

	msgs, err := repo.ListFrom(context.Background(), "acme", "bob", 1)
	if err != nil {
		t.Fatalf("ListFrom: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Index != 2 || msgs[0].Sender != "alice/dev1" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if string(msgs[1].Body) != "again" {
		t.Errorf("msgs[1].Body = %q, want %q", msgs[1].Body, "again")
	}
}
